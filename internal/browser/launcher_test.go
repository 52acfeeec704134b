package browser

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func hostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port %q: %v", portStr, err)
	}
	return host, port
}

func TestNewLauncherDefaults(t *testing.T) {
	l := NewLauncher(Config{})
	if l.cfg.WindowSize != "1280,800" {
		t.Fatalf("WindowSize = %q, want 1280,800", l.cfg.WindowSize)
	}
	if l.cfg.StartURL != "about:blank" {
		t.Fatalf("StartURL = %q, want about:blank", l.cfg.StartURL)
	}
	if l.cfg.ReadyTimeout != 15*time.Second {
		t.Fatalf("ReadyTimeout = %v, want 15s", l.cfg.ReadyTimeout)
	}
}

func TestIsPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port := hostPort(t, ln.Addr().String())
	if !isPortInUse(host, port) {
		t.Fatal("isPortInUse() = false for a listening port")
	}
	_ = ln.Close()
	if isPortInUse(host, port) {
		t.Fatal("isPortInUse() = true for a closed port")
	}
}

func TestLaunchSkipsRunningEngine(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()
	host, port := hostPort(t, ln.Addr().String())

	l := NewLauncher(Config{CDPAddress: host, CDPPort: port, ProfileDir: t.TempDir()})
	if err := l.Launch(context.Background()); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if l.Running() {
		t.Fatal("Running() = true, want false when reusing an engine")
	}
	l.Stop()
}

func TestWaitForCDP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/json/version" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"Browser":"fake"}`))
	}))
	defer srv.Close()
	host, port := hostPort(t, srv.Listener.Addr().String())

	l := NewLauncher(Config{CDPAddress: host, CDPPort: port, ReadyTimeout: 2 * time.Second})
	if err := l.waitForCDP(context.Background()); err != nil {
		t.Fatalf("waitForCDP() error = %v", err)
	}
}

func TestWaitForCDPTimesOut(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, port := hostPort(t, ln.Addr().String())
	_ = ln.Close()

	l := NewLauncher(Config{CDPAddress: host, CDPPort: port, ReadyTimeout: 600 * time.Millisecond})
	if err := l.waitForCDP(context.Background()); err == nil {
		t.Fatal("waitForCDP() error = nil, want timeout")
	}
}
