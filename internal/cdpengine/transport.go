package cdpengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// eventFunc receives every CDP event read from the browser socket. It runs on
// the read loop and must not block.
type eventFunc func(method string, sessionID target.SessionID, params json.RawMessage)

type pendingCall struct {
	method string
	ch     chan json.RawMessage
	// async calls have nobody waiting; failures are only logged.
	async  bool
}

// conn is a flat-session CDP client over one browser-level websocket.
type conn struct {
	httpBase string

	mu   sync.Mutex
	sock net.Conn
	seq  atomic.Int64
	done chan struct{}

	pendingMu sync.Mutex
	pending   map[int64]pendingCall

	onEvent eventFunc
}

func newConn(httpBase string, onEvent eventFunc) *conn {
	return &conn{
		httpBase: strings.TrimRight(httpBase, "/"),
		pending:  make(map[int64]pendingCall),
		onEvent:  onEvent,
	}
}

// connect dials the browser-level WebSocket endpoint.
func (c *conn) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sock != nil {
		return nil
	}

	wsURL, err := c.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("cdp: browser ws url: %w", err)
	}

	slog.Debug("cdp connecting", "ws_url", wsURL)
	sock, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("cdp: dial: %w", err)
	}

	c.sock = sock
	c.done = make(chan struct{})
	go c.readLoop(sock, c.done)
	return nil
}

// close shuts the socket and waits for the read loop to exit.
func (c *conn) close() {
	c.mu.Lock()
	sock, done := c.sock, c.done
	c.sock = nil
	c.mu.Unlock()
	if sock == nil {
		return
	}
	sock.Close()
	<-done
}

func (c *conn) readLoop(sock net.Conn, done chan struct{}) {
	defer close(done)
	for {
		data, err := wsutil.ReadServerText(sock)
		if err != nil {
			slog.Debug("cdp read loop exit", "error", err)
			c.closeAllPending()
			return
		}

		var msg struct {
			ID        int64            `json:"id"`
			Method    string           `json:"method"`
			SessionID target.SessionID `json:"sessionId"`
			Params    json.RawMessage  `json:"params"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.ID > 0 {
			c.pendingMu.Lock()
			call, ok := c.pending[msg.ID]
			if ok {
				delete(c.pending, msg.ID)
			}
			c.pendingMu.Unlock()
			if !ok {
				continue
			}
			if call.async {
				if _, err := unwrapResult(call.method, data); err != nil {
					slog.Warn("cdp command failed", "method", call.method, "error", err)
				}
				continue
			}
			call.ch <- json.RawMessage(data)
		} else if msg.Method != "" && c.onEvent != nil {
			c.onEvent(msg.Method, msg.SessionID, msg.Params)
		}
	}
}

func (c *conn) closeAllPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, call := range c.pending {
		if !call.async {
			close(call.ch)
		}
		delete(c.pending, id)
	}
}

func (c *conn) deletePending(id int64) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *conn) write(ctx context.Context, sessionID target.SessionID, method string, params any, async bool) (int64, chan json.RawMessage, error) {
	c.mu.Lock()
	sock := c.sock
	c.mu.Unlock()
	if sock == nil {
		return 0, nil, fmt.Errorf("cdp: not connected")
	}

	id := c.seq.Add(1)
	call := pendingCall{method: method, async: async}
	if !async {
		call.ch = make(chan json.RawMessage, 1)
	}
	c.pendingMu.Lock()
	c.pending[id] = call
	c.pendingMu.Unlock()

	data, err := json.Marshal(struct {
		ID        int64            `json:"id"`
		Method    string           `json:"method"`
		SessionID target.SessionID `json:"sessionId,omitempty"`
		Params    any              `json:"params,omitempty"`
	}{ID: id, Method: method, SessionID: sessionID, Params: params})
	if err != nil {
		c.deletePending(id)
		return 0, nil, fmt.Errorf("cdp: marshal %s: %w", method, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = sock.SetWriteDeadline(deadline)
	}
	c.mu.Lock()
	err = wsutil.WriteClientText(sock, data)
	c.mu.Unlock()
	_ = sock.SetWriteDeadline(time.Time{})
	if err != nil {
		c.deletePending(id)
		return 0, nil, fmt.Errorf("cdp: send %s: %w", method, err)
	}
	return id, call.ch, nil
}

// call sends a command on sessionID (empty for the browser session) and
// decodes the result into out when out is non-nil.
func (c *conn) call(ctx context.Context, sessionID target.SessionID, method string, params, out any) error {
	id, ch, err := c.write(ctx, sessionID, method, params, false)
	if err != nil {
		return err
	}

	var resp json.RawMessage
	select {
	case r, ok := <-ch:
		if !ok {
			return fmt.Errorf("cdp: %s: connection closed", method)
		}
		resp = r
	case <-ctx.Done():
		c.deletePending(id)
		return ctx.Err()
	}

	result, err := unwrapResult(method, resp)
	if err != nil {
		return err
	}
	if out == nil || len(result) == 0 {
		return nil
	}
	if err := json.Unmarshal(result, out); err != nil {
		return fmt.Errorf("cdp: unmarshal %s: %w", method, err)
	}
	return nil
}

// fire sends a command without waiting for its response.
func (c *conn) fire(ctx context.Context, sessionID target.SessionID, method string, params any) error {
	_, _, err := c.write(ctx, sessionID, method, params, true)
	return err
}

func unwrapResult(method string, resp json.RawMessage) (json.RawMessage, error) {
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp, &envelope); err != nil {
		return nil, fmt.Errorf("cdp: unmarshal %s response: %w", method, err)
	}
	if envelope.Error != nil {
		return nil, fmt.Errorf("cdp: %s: %s", method, envelope.Error.Message)
	}
	return envelope.Result, nil
}

// listTargets fetches open targets via the HTTP /json/list endpoint.
func (c *conn) listTargets(ctx context.Context) ([]*target.Info, error) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(listCtx, http.MethodGet, c.httpBase+"/json/list", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cdp: /json/list: HTTP %d", resp.StatusCode)
	}

	var entries []struct {
		ID    string `json:"id"`
		Type  string `json:"type"`
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, err
	}

	out := make([]*target.Info, 0, len(entries))
	for _, e := range entries {
		out = append(out, &target.Info{
			TargetID: target.ID(e.ID),
			Type:     e.Type,
			Title:    e.Title,
			URL:      e.URL,
		})
	}
	return out, nil
}

// browserWSURL fetches the WebSocket debugger URL from /json/version.
func (c *conn) browserWSURL(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cdp: /json/version: HTTP %d", resp.StatusCode)
	}

	var info struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("empty webSocketDebuggerUrl")
	}
	return info.WebSocketDebuggerURL, nil
}
