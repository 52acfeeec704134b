package config

import (
	"os"
	"testing"
	"time"

	"github.com/dgnsrekt/honeycomb/internal/popup"
)

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains: it changes
// the working directory and restores it when the test ends.
func chdir(t *testing.T, dir string) {
	t.Helper()
	oldwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PWD", dir)
	t.Cleanup(func() {
		if err := os.Chdir(oldwd); err != nil {
			panic("testing.Chdir: " + err.Error())
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got, want := cfg.OwnerTimeout(), 2*time.Second; got != want {
		t.Fatalf("OwnerTimeout() = %v; want %v", got, want)
	}
	if got, want := cfg.EmbedMode, popup.ModeCustomView; got != want {
		t.Fatalf("EmbedMode = %v; want %v", got, want)
	}
	if got, want := cfg.CDPURL(), "http://127.0.0.1:9222"; got != want {
		t.Fatalf("CDPURL() = %q; want %q", got, want)
	}
	if len(cfg.PortCandidates) != 2 || !cfg.PortAutoFallback {
		t.Fatalf("port fallback = %v %v", cfg.PortCandidates, cfg.PortAutoFallback)
	}
	if cfg.JournalDir != "" || cfg.LaunchEngine || cfg.EngineHeadless {
		t.Fatalf("journal/launch defaults = %q %v %v", cfg.JournalDir, cfg.LaunchEngine, cfg.EngineHeadless)
	}
}

func TestLoadOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HONEYCOMB_OWNER_TIMEOUT_MS", "10")
	t.Setenv("HONEYCOMB_EMBED_MODE", "DEFAULT_VIEW")
	t.Setenv("HONEYCOMB_LOG_LEVEL", "DEBUG")
	t.Setenv("HONEYCOMB_PORT_CANDIDATES", " 127.0.0.1:9000 ,,127.0.0.1:9001")
	t.Setenv("HONEYCOMB_CDP_PORT", "not-a-port")
	t.Setenv("HONEYCOMB_JOURNAL_DIR", "journal")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got, want := cfg.OwnerTimeoutMS, 100; got != want {
		t.Fatalf("OwnerTimeoutMS = %d; want clamped %d", got, want)
	}
	if cfg.EmbedMode != popup.ModeDefaultView {
		t.Fatalf("EmbedMode = %v", cfg.EmbedMode)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %q", cfg.LogLevel)
	}
	if got := cfg.PortCandidates; len(got) != 2 || got[0] != "127.0.0.1:9000" || got[1] != "127.0.0.1:9001" {
		t.Fatalf("PortCandidates = %v", got)
	}
	if cfg.CDPPort != 9222 {
		t.Fatalf("CDPPort = %d; want default for malformed value", cfg.CDPPort)
	}
	if cfg.JournalDir != "journal" || cfg.JournalMaxMB != 25 {
		t.Fatalf("journal = %q %d", cfg.JournalDir, cfg.JournalMaxMB)
	}
}

func TestDisableOwnerTimeout(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HONEYCOMB_DISABLE_OWNER_TIMEOUT", "true")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.OwnerTimeout(); got != 0 {
		t.Fatalf("OwnerTimeout() = %v; want 0", got)
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("HONEYCOMB_EMBED_MODE", "chrome")
	if _, err := Load(); err == nil {
		t.Fatal("Load() error = nil")
	}
}
