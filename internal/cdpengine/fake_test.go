package cdpengine

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type command struct {
	Method    string
	SessionID string
	Params    json.RawMessage
}

// fakeBrowser speaks just enough CDP for the adapter: it answers every
// command, records it, and lets the test push events.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu    sync.Mutex
	sock  net.Conn
	trees map[string]map[string]any

	commands chan command
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	f := &fakeBrowser{
		t:        t,
		trees:    make(map[string]map[string]any),
		commands: make(chan command, 256),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/fake",
		})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]string{
			{"id": "T1", "type": "page", "url": "https://example.com/"},
			{"id": "W1", "type": "service_worker", "url": "https://example.com/sw.js"},
		})
	})
	mux.HandleFunc("/devtools/browser/fake", func(w http.ResponseWriter, r *http.Request) {
		sock, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.sock = sock
		f.mu.Unlock()
		go f.serve(sock)
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.close)
	return f
}

func (f *fakeBrowser) close() {
	f.mu.Lock()
	if f.sock != nil {
		f.sock.Close()
	}
	f.mu.Unlock()
	f.srv.Close()
}

func (f *fakeBrowser) setTree(session, frameID, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trees[session] = map[string]any{
		"frame": map[string]any{
			"id":             frameID,
			"loaderId":       "L-" + frameID,
			"url":            url,
			"securityOrigin": url,
			"mimeType":       "text/html",
		},
	}
}

func (f *fakeBrowser) serve(sock net.Conn) {
	for {
		data, err := wsutil.ReadClientText(sock)
		if err != nil {
			return
		}
		var msg struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		f.commands <- command{Method: msg.Method, SessionID: msg.SessionID, Params: msg.Params}

		var result any = map[string]any{}
		switch msg.Method {
		case "Page.getFrameTree":
			f.mu.Lock()
			result = map[string]any{"frameTree": f.trees[msg.SessionID]}
			f.mu.Unlock()
		case "Target.closeTarget":
			result = map[string]any{"success": true}
		case "Target.createTarget":
			result = map[string]any{"targetId": "T7"}
		}
		f.write(map[string]any{"id": msg.ID, "sessionId": msg.SessionID, "result": result})
	}
}

func (f *fakeBrowser) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		f.t.Errorf("marshal: %v", err)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sock == nil {
		f.t.Errorf("fake browser not connected")
		return
	}
	if err := wsutil.WriteServerText(f.sock, data); err != nil {
		f.t.Errorf("write: %v", err)
	}
}

func (f *fakeBrowser) emit(method, session string, params any) {
	msg := map[string]any{"method": method, "params": params}
	if session != "" {
		msg["sessionId"] = session
	}
	f.write(msg)
}

// waitCommand returns the next recorded command matching method and session,
// skipping the others.
func (f *fakeBrowser) waitCommand(method, session string) command {
	f.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case cmd := <-f.commands:
			if cmd.Method == method && cmd.SessionID == session {
				return cmd
			}
		case <-deadline:
			f.t.Fatalf("timed out waiting for %s on session %q", method, session)
			return command{}
		}
	}
}

// noCommand fails when a matching command arrives within d.
func (f *fakeBrowser) noCommand(method, session string, d time.Duration) {
	f.t.Helper()
	deadline := time.After(d)
	for {
		select {
		case cmd := <-f.commands:
			if cmd.Method == method && cmd.SessionID == session {
				f.t.Fatalf("unexpected %s on session %q", method, session)
			}
		case <-deadline:
			return
		}
	}
}
