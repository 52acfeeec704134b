package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/honeycomb/internal/api"
	"github.com/dgnsrekt/honeycomb/internal/browser"
	"github.com/dgnsrekt/honeycomb/internal/cdpengine"
	"github.com/dgnsrekt/honeycomb/internal/config"
	"github.com/dgnsrekt/honeycomb/internal/controller"
	"github.com/dgnsrekt/honeycomb/internal/journal"
	"github.com/dgnsrekt/honeycomb/internal/coordinator"
	"github.com/dgnsrekt/honeycomb/internal/netutil"
	"github.com/dgnsrekt/honeycomb/internal/policy"
	"github.com/dgnsrekt/honeycomb/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("honeycombd config loaded",
		"cdp_url", cfg.CDPURL(),
		"bind_addr", cfg.BindAddr,
		"port_auto_fallback", cfg.PortAutoFallback,
		"port_candidates", cfg.PortCandidates,
		"embed_mode", cfg.EmbedMode.String(),
		"owner_timeout", cfg.OwnerTimeout(),
		"popup_policy", cfg.PopupPolicyFile,
		"launch_engine", cfg.LaunchEngine,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
		"journal_dir", cfg.JournalDir,
	)

	if err := run(cfg); err != nil {
		slog.Error("honeycombd failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx := context.Background()

	if cfg.LaunchEngine {
		launcher := browser.NewLauncher(browser.Config{
			CDPAddress: cfg.CDPAddress,
			CDPPort:    cfg.CDPPort,
			StartURL:   cfg.StartURL,
			ProfileDir: cfg.ProfileDir,
			Headless:   cfg.EngineHeadless,
		})
		if err := launcher.Launch(ctx); err != nil {
			return err
		}
		defer launcher.Stop()
	}

	broker := relay.NewBroker()
	if cfg.JournalDir != "" {
		jw := journal.New(cfg.JournalDir, journal.Options{MaxSizeMB: cfg.JournalMaxMB})
		stopFollow := jw.Follow(broker)
		defer func() {
			stopFollow()
			if err := jw.Close(); err != nil {
				slog.Warn("journal close failed", "error", err)
			}
		}()
		slog.Info("event journal enabled", "dir", cfg.JournalDir)
	}
	opts := []coordinator.Option{coordinator.WithPublisher(broker)}
	if cfg.PopupPolicyFile != "" {
		pol, err := policy.Load(cfg.PopupPolicyFile)
		if err != nil {
			return err
		}
		slog.Info("popup policy loaded", "file", cfg.PopupPolicyFile, "rules", pol.Len())
		opts = append(opts, coordinator.WithPopupHandler(pol))
	}

	coordCfg := coordinator.DefaultConfig()
	coordCfg.Mode = cfg.EmbedMode
	coordCfg.OwnerTimeout = cfg.OwnerTimeout()
	coord := coordinator.New(coordCfg, opts...)
	coord.Start()

	engine := cdpengine.New(cdpengine.Options{
		CDPURL:      cfg.CDPURL(),
		CallTimeout: cfg.CallTimeout(),
	}, coord)
	connectCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout())
	err := engine.Connect(connectCtx)
	cancel()
	if err != nil {
		_ = coord.Stop(ctx)
		return err
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortCandidates, cfg.PortAutoFallback)
	if err != nil {
		shutdown(coord, engine)
		return err
	}
	bindAddr := ln.Addr().String()

	svc := controller.NewService(coord, engine)
	srv := &http.Server{Handler: api.NewServer(svc, broker)}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("honeycombd listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var failure error
	select {
	case sig := <-sigCh:
		slog.Info("shutdown requested", "signal", sig.String())
	case failure = <-serveErr:
	}

	shutdown(coord, engine)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("honeycombd shutdown failed", "error", err)
	}
	return failure
}

// shutdown closes the managed browsers while the CDP connection is still up,
// then drops the connection.
func shutdown(coord *coordinator.Coordinator, engine *cdpengine.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := coord.Stop(ctx); err != nil {
		slog.Warn("coordinator stop failed", "error", err)
	}
	if err := engine.Close(); err != nil {
		slog.Debug("CDP connection close failed", "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
