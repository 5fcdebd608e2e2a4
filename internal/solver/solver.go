package solver

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Challenge describes a verification widget to delegate to the external
// solving service. The engine never solves challenges itself.
type Challenge struct {
	Vendor  string // cloudflare, hcaptcha, recaptcha
	Sitekey string
	PageURL string
}

// Solver is the delegated challenge-solving capability
type Solver interface {
	Solve(ctx context.Context, challenge Challenge) (token string, err error)
}

// HTTPSolver talks to a 2captcha-compatible solving service: submit the
// challenge, then poll for the token.
type HTTPSolver struct {
	apiKey       string
	baseURL      string
	client       *http.Client
	pollInterval time.Duration
	timeout      time.Duration
}

// NewHTTPSolver creates a solver client for a 2captcha-compatible API.
func NewHTTPSolver(apiKey, baseURL string) *HTTPSolver {
	return &HTTPSolver{
		apiKey:       apiKey,
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       &http.Client{Timeout: 30 * time.Second},
		pollInterval: 5 * time.Second,
		timeout:      120 * time.Second,
	}
}

var vendorMethods = map[string]string{
	"cloudflare": "turnstile",
	"hcaptcha":   "hcaptcha",
	"recaptcha":  "userrecaptcha",
}

type apiResponse struct {
	Status  int    `json:"status"`
	Request string `json:"request"`
}

// Solve submits the challenge and polls until a token arrives or the solve
// window closes.
func (s *HTTPSolver) Solve(ctx context.Context, challenge Challenge) (string, error) {
	method, ok := vendorMethods[challenge.Vendor]
	if !ok {
		return "", fmt.Errorf("unsupported challenge vendor %q", challenge.Vendor)
	}
	if challenge.Sitekey == "" {
		return "", fmt.Errorf("challenge has no sitekey")
	}

	taskID, err := s.submit(ctx, method, challenge)
	if err != nil {
		return "", err
	}

	log.Printf("solver: submitted %s challenge for %s (task %s)", challenge.Vendor, challenge.PageURL, taskID)

	deadline := time.Now().Add(s.timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.pollInterval):
		}

		token, ready, err := s.poll(ctx, taskID)
		if err != nil {
			return "", err
		}
		if ready {
			return token, nil
		}
	}

	return "", fmt.Errorf("challenge solve timed out after %s", s.timeout)
}

func (s *HTTPSolver) submit(ctx context.Context, method string, challenge Challenge) (string, error) {
	params := url.Values{}
	params.Set("key", s.apiKey)
	params.Set("method", method)
	params.Set("sitekey", challenge.Sitekey)
	params.Set("pageurl", challenge.PageURL)
	params.Set("json", "1")

	resp, err := s.get(ctx, "/in.php?"+params.Encode())
	if err != nil {
		return "", fmt.Errorf("failed to submit challenge: %w", err)
	}
	if resp.Status != 1 {
		return "", fmt.Errorf("solver rejected challenge: %s", resp.Request)
	}
	return resp.Request, nil
}

func (s *HTTPSolver) poll(ctx context.Context, taskID string) (string, bool, error) {
	params := url.Values{}
	params.Set("key", s.apiKey)
	params.Set("action", "get")
	params.Set("id", taskID)
	params.Set("json", "1")

	resp, err := s.get(ctx, "/res.php?"+params.Encode())
	if err != nil {
		return "", false, fmt.Errorf("failed to poll solver: %w", err)
	}
	if resp.Status == 1 {
		return resp.Request, true, nil
	}
	if resp.Request == "CAPCHA_NOT_READY" {
		return "", false, nil
	}
	return "", false, fmt.Errorf("solver error: %s", resp.Request)
}

func (s *HTTPSolver) get(ctx context.Context, path string) (*apiResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var decoded apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode solver response: %w", err)
	}
	return &decoded, nil
}
