package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// CDP drives a browser over a Chrome DevTools protocol WebSocket. The same
// implementation serves both backends: a locally running Chrome with a debug
// port and a headless browser container, since both expose CDP endpoints.
type CDP struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	nextID  int64

	pendingMu sync.Mutex
	pending   map[int64]chan cdpResponse

	done      chan struct{}
	closeOnce sync.Once
}

type cdpRequest struct {
	ID     int64       `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type cdpResponse struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *cdpError       `json:"error"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DialCDP connects to a CDP WebSocket endpoint and enables the domains the
// driver depends on.
func DialCDP(ctx context.Context, wsURL string) (*CDP, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to browser at %s: %w", wsURL, err)
	}

	d := &CDP{
		conn:    conn,
		pending: make(map[int64]chan cdpResponse),
		done:    make(chan struct{}),
	}
	go d.readLoop()

	for _, method := range []string{"Page.enable", "Runtime.enable"} {
		if _, err := d.call(ctx, method, nil); err != nil {
			d.Close(ctx)
			return nil, fmt.Errorf("failed to enable %s: %w", method, err)
		}
	}

	return d, nil
}

// readLoop dispatches command responses to their waiters. Protocol events
// carry no id and are dropped.
func (d *CDP) readLoop() {
	defer d.closePending()

	for {
		_, message, err := d.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("cdp read error: %v", err)
			}
			return
		}

		var resp cdpResponse
		if err := json.Unmarshal(message, &resp); err != nil || resp.ID == 0 {
			continue
		}

		d.pendingMu.Lock()
		ch, ok := d.pending[resp.ID]
		if ok {
			delete(d.pending, resp.ID)
		}
		d.pendingMu.Unlock()

		if ok {
			ch <- resp
		}
	}
}

func (d *CDP) closePending() {
	close(d.done)
	d.pendingMu.Lock()
	for id, ch := range d.pending {
		close(ch)
		delete(d.pending, id)
	}
	d.pendingMu.Unlock()
}

func (d *CDP) call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	d.writeMu.Lock()
	d.nextID++
	id := d.nextID

	ch := make(chan cdpResponse, 1)
	d.pendingMu.Lock()
	d.pending[id] = ch
	d.pendingMu.Unlock()

	err := d.conn.WriteJSON(cdpRequest{ID: id, Method: method, Params: params})
	d.writeMu.Unlock()

	if err != nil {
		d.pendingMu.Lock()
		delete(d.pending, id)
		d.pendingMu.Unlock()
		return nil, fmt.Errorf("failed to send %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%s: connection closed", method)
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		d.pendingMu.Lock()
		delete(d.pending, id)
		d.pendingMu.Unlock()
		return nil, ctx.Err()
	case <-d.done:
		return nil, fmt.Errorf("%s: connection closed", method)
	}
}

type evaluateResult struct {
	Result struct {
		Type     string          `json:"type"`
		Value    json.RawMessage `json:"value"`
		ObjectID string          `json:"objectId"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text string `json:"text"`
	} `json:"exceptionDetails"`
}

func (d *CDP) evaluate(ctx context.Context, expression string, byValue bool) (*evaluateResult, error) {
	raw, err := d.call(ctx, "Runtime.evaluate", map[string]interface{}{
		"expression":    expression,
		"returnByValue": byValue,
		"awaitPromise":  true,
	})
	if err != nil {
		return nil, err
	}

	var result evaluateResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode evaluate result: %w", err)
	}
	if result.ExceptionDetails != nil {
		return nil, fmt.Errorf("script failed: %s", result.ExceptionDetails.Text)
	}
	return &result, nil
}

// Navigate loads url and waits briefly for the page to settle.
func (d *CDP) Navigate(ctx context.Context, url string) error {
	if _, err := d.call(ctx, "Page.navigate", map[string]string{"url": url}); err != nil {
		return err
	}

	// Page.loadEventFired would be exact; polling readyState keeps the
	// event plumbing out of the hot path.
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		result, err := d.evaluate(ctx, "document.readyState", true)
		if err == nil && strings.Contains(string(result.Result.Value), "complete") {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return fmt.Errorf("navigation to %s did not settle", url)
}

// Fill writes value into the element matching selector and fires the input
// and change events most form frameworks listen for.
func (d *CDP) Fill(ctx context.Context, selector, value string) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector('%s');
		if (!el) return false;
		el.value = '%s';
		el.dispatchEvent(new Event('input', { bubbles: true }));
		el.dispatchEvent(new Event('change', { bubbles: true }));
		return true;
	})()`, escapeJS(selector), escapeJS(value))

	return d.evaluateBool(ctx, script, selector)
}

// Click clicks the element matching selector.
func (d *CDP) Click(ctx context.Context, selector string) error {
	script := fmt.Sprintf(`(() => {
		const el = document.querySelector('%s');
		if (!el) return false;
		el.click();
		return true;
	})()`, escapeJS(selector))

	return d.evaluateBool(ctx, script, selector)
}

func (d *CDP) evaluateBool(ctx context.Context, script, selector string) error {
	result, err := d.evaluate(ctx, script, true)
	if err != nil {
		return err
	}
	if string(result.Result.Value) != "true" {
		return fmt.Errorf("no element matches selector %q", selector)
	}
	return nil
}

// Upload attaches a local file to the file input matching selector.
func (d *CDP) Upload(ctx context.Context, selector, path string) error {
	result, err := d.evaluate(ctx, fmt.Sprintf("document.querySelector('%s')", escapeJS(selector)), false)
	if err != nil {
		return err
	}
	if result.Result.ObjectID == "" {
		return fmt.Errorf("no element matches selector %q", selector)
	}

	_, err = d.call(ctx, "DOM.setFileInputFiles", map[string]interface{}{
		"files":    []string{path},
		"objectId": result.Result.ObjectID,
	})
	return err
}

// Evaluate runs script in the page and returns its JSON-encoded value.
func (d *CDP) Evaluate(ctx context.Context, script string) (string, error) {
	result, err := d.evaluate(ctx, script, true)
	if err != nil {
		return "", err
	}
	return string(result.Result.Value), nil
}

// PageState reads the current URL, title and full HTML of the page.
func (d *CDP) PageState(ctx context.Context) (*PageState, error) {
	script := `JSON.stringify({
		url: location.href,
		title: document.title,
		html: document.documentElement.outerHTML,
	})`

	result, err := d.evaluate(ctx, script, true)
	if err != nil {
		return nil, err
	}

	var encoded string
	if err := json.Unmarshal(result.Result.Value, &encoded); err != nil {
		return nil, fmt.Errorf("failed to decode page state: %w", err)
	}

	var state struct {
		URL   string `json:"url"`
		Title string `json:"title"`
		HTML  string `json:"html"`
	}
	if err := json.Unmarshal([]byte(encoded), &state); err != nil {
		return nil, fmt.Errorf("failed to decode page state: %w", err)
	}

	return &PageState{URL: state.URL, Title: state.Title, HTML: state.HTML}, nil
}

// Screenshot captures the viewport as PNG bytes.
func (d *CDP) Screenshot(ctx context.Context) ([]byte, error) {
	raw, err := d.call(ctx, "Page.captureScreenshot", map[string]string{"format": "png"})
	if err != nil {
		return nil, err
	}

	var result struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("failed to decode screenshot: %w", err)
	}
	return base64.StdEncoding.DecodeString(result.Data)
}

// Close shuts the WebSocket connection down.
func (d *CDP) Close(ctx context.Context) error {
	var err error
	d.closeOnce.Do(func() {
		d.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = d.conn.Close()
	})
	return err
}

func escapeJS(s string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`, "\n", `\n`, "\r", ``)
	return replacer.Replace(s)
}
