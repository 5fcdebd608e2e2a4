package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Endpoint is a CDP-speaking browser context a session can attach to
type Endpoint struct {
	ConnectURL  string
	ContainerID string // set only by the docker launcher
	TargetID    string // set only by the local launcher
}

// Launcher provisions browser endpoints. Two interchangeable backends exist:
// a local Chrome exposing a debug port, and docker-managed headless
// containers.
type Launcher interface {
	Launch(ctx context.Context, sessionID string) (*Endpoint, error)
	Stop(ctx context.Context, endpoint *Endpoint) error
	Close() error
}

// LocalLauncher attaches to an already-running Chrome instance started with
// --remote-debugging-port. Each session gets its own tab via the /json/new
// REST endpoint.
type LocalLauncher struct {
	debugAddr string // host:port of the Chrome debug HTTP interface
	client    *http.Client
}

// NewLocalLauncher creates a launcher for a local debug-protocol browser.
func NewLocalLauncher(debugAddr string) *LocalLauncher {
	return &LocalLauncher{
		debugAddr: debugAddr,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type debugTarget struct {
	ID                   string `json:"id"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Launch opens a fresh tab and returns its CDP endpoint.
func (l *LocalLauncher) Launch(ctx context.Context, sessionID string) (*Endpoint, error) {
	url := fmt.Sprintf("http://%s/json/new?about:blank", l.debugAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to open browser tab: status %d", resp.StatusCode)
	}

	var target debugTarget
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return nil, fmt.Errorf("failed to decode browser target: %w", err)
	}

	return &Endpoint{ConnectURL: target.WebSocketDebuggerURL, TargetID: target.ID}, nil
}

// Stop closes the tab backing the endpoint.
func (l *LocalLauncher) Stop(ctx context.Context, endpoint *Endpoint) error {
	if endpoint.TargetID == "" {
		return nil
	}

	url := fmt.Sprintf("http://%s/json/close/%s", l.debugAddr, endpoint.TargetID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to close browser tab: %w", err)
	}
	resp.Body.Close()
	return nil
}

// Close is a no-op; the browser process is not owned by the launcher.
func (l *LocalLauncher) Close() error { return nil }
