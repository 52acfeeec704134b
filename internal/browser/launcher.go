package browser

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/chromedp/chromedp"
)

// Config holds engine launch configuration.
type Config struct {
	CDPAddress   string
	CDPPort      int
	StartURL     string
	ProfileDir   string
	Headless     bool
	WindowSize   string
	// ReadyTimeout bounds the wait for the DevTools endpoint.
	ReadyTimeout time.Duration
}

// Launcher manages the lifecycle of an engine process.
type Launcher struct {
	cfg Config

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	running       bool
}

// NewLauncher creates a new engine launcher with the given config.
func NewLauncher(cfg Config) *Launcher {
	if cfg.WindowSize == "" {
		cfg.WindowSize = "1280,800"
	}
	if cfg.StartURL == "" {
		cfg.StartURL = "about:blank"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 15 * time.Second
	}
	return &Launcher{cfg: cfg}
}

// detectBrowser finds an available Chrome/Chromium binary.
func detectBrowser() (string, error) {
	candidates := []string{"chromium-browser", "chromium", "google-chrome"}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		macPath := "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"
		if _, err := os.Stat(macPath); err == nil {
			return macPath, nil
		}
	}
	return "", fmt.Errorf("no supported browser found (tried chromium-browser, chromium, google-chrome)")
}

// isPortInUse checks whether a TCP port is already listening.
func isPortInUse(address string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// allocatorOptions builds the exec allocator flags for cfg. execPath may be
// empty, in which case chromedp searches for a binary itself.
func allocatorOptions(cfg Config, execPath string) []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
		chromedp.UserDataDir(cfg.ProfileDir),
		chromedp.Flag("remote-debugging-port", strconv.Itoa(cfg.CDPPort)),
		chromedp.Flag("remote-debugging-address", cfg.CDPAddress),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-breakpad", true),
		chromedp.Flag("disable-popup-blocking", true),
		chromedp.Flag("window-size", cfg.WindowSize),
	}
	if cfg.Headless {
		opts = append(opts, chromedp.Headless)
	}
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}
	return opts
}

// Launch starts the engine unless the CDP port is already in use, then waits
// for its DevTools endpoint.
func (l *Launcher) Launch(ctx context.Context) error {
	if isPortInUse(l.cfg.CDPAddress, l.cfg.CDPPort) {
		slog.Info("engine already running, skipping launch",
			"address", l.cfg.CDPAddress, "port", l.cfg.CDPPort)
		return nil
	}

	execPath, err := detectBrowser()
	if err != nil {
		slog.Warn("browser detection failed, using chromedp lookup", "error", err)
	} else {
		slog.Info("detected browser", "path", execPath)
	}

	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("create profile dir: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(l.cfg, execPath)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	l.allocCancel, l.browserCtx, l.browserCancel = allocCancel, browserCtx, browserCancel

	if err := chromedp.Run(browserCtx, chromedp.Navigate(l.cfg.StartURL)); err != nil {
		l.Stop()
		return fmt.Errorf("start engine: %w", err)
	}
	l.running = true
	if proc := chromedp.FromContext(browserCtx).Browser.Process(); proc != nil {
		slog.Info("engine process started", "pid", proc.Pid, "start_url", l.cfg.StartURL)
	}

	if err := l.waitForCDP(ctx); err != nil {
		l.Stop()
		return fmt.Errorf("waiting for CDP: %w", err)
	}
	if targets, err := chromedp.Targets(browserCtx); err == nil {
		slog.Info("CDP endpoint ready",
			"address", l.cfg.CDPAddress, "port", l.cfg.CDPPort, "targets", len(targets))
	}
	return nil
}

// waitForCDP polls the CDP /json/version endpoint until it responds.
func (l *Launcher) waitForCDP(ctx context.Context) error {
	url := fmt.Sprintf("http://%s/json/version", net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.cfg.CDPPort)))
	deadline := time.After(l.cfg.ReadyTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	client := &http.Client{Timeout: time.Second}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("CDP did not become ready within %s at %s", l.cfg.ReadyTimeout, url)
		case <-ticker.C:
			resp, err := client.Get(url)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}

// Running reports whether this launcher spawned an engine process.
func (l *Launcher) Running() bool {
	return l.running
}

// Stop closes the engine gracefully and waits for the process to exit.
func (l *Launcher) Stop() {
	if l.browserCancel == nil {
		return
	}
	slog.Info("stopping engine")
	ctx, cancel := context.WithTimeout(l.browserCtx, 5*time.Second)
	if err := chromedp.Cancel(ctx); err != nil {
		slog.Warn("engine did not close gracefully", "error", err)
	}
	cancel()
	l.browserCancel()
	l.allocCancel()
	l.browserCancel, l.allocCancel = nil, nil
	l.running = false
	slog.Info("engine stopped")
}
