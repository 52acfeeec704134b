package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dgnsrekt/honeycomb/internal/popup"
)

// Config holds all configuration for honeycombd.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// API settings
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Logging
	LogLevel string
	LogFile  string

	// Event journal, disabled when JournalDir is empty
	JournalDir   string
	JournalMaxMB int

	// Coordination
	OwnerTimeoutMS      int
	DisableOwnerTimeout bool
	EmbedMode           popup.Mode
	PopupPolicyFile     string
	CallTimeoutMS       int

	// Engine process
	LaunchEngine   bool
	EngineHeadless bool
	ProfileDir     string
	StartURL       string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	mode, err := popup.ParseMode(strings.ToLower(getEnvOrDefault("HONEYCOMB_EMBED_MODE", "custom_view")))
	if err != nil {
		return nil, fmt.Errorf("HONEYCOMB_EMBED_MODE: %w", err)
	}

	cfg := &Config{
		CDPAddress:          getEnvOrDefault("HONEYCOMB_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:             getEnvIntOrDefault("HONEYCOMB_CDP_PORT", 9222),
		BindAddr:            getEnvOrDefault("HONEYCOMB_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:      getEnvListOrDefault("HONEYCOMB_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192"}),
		PortAutoFallback:    getEnvBoolOrDefault("HONEYCOMB_PORT_AUTO_FALLBACK", true),
		LogLevel:            strings.ToLower(getEnvOrDefault("HONEYCOMB_LOG_LEVEL", "info")),
		LogFile:             getEnvOrDefault("HONEYCOMB_LOG_FILE", "logs/honeycombd.log"),
		JournalDir:          getEnvOrDefault("HONEYCOMB_JOURNAL_DIR", ""),
		JournalMaxMB:        getEnvIntOrDefault("HONEYCOMB_JOURNAL_MAX_MB", 25),
		OwnerTimeoutMS:      getEnvIntOrDefault("HONEYCOMB_OWNER_TIMEOUT_MS", 2000),
		DisableOwnerTimeout: getEnvBoolOrDefault("HONEYCOMB_DISABLE_OWNER_TIMEOUT", false),
		EmbedMode:           mode,
		PopupPolicyFile:     getEnvOrDefault("HONEYCOMB_POPUP_POLICY", ""),
		CallTimeoutMS:       getEnvIntOrDefault("HONEYCOMB_CALL_TIMEOUT_MS", 10000),
		LaunchEngine:        getEnvBoolOrDefault("HONEYCOMB_LAUNCH_ENGINE", false),
		EngineHeadless:      getEnvBoolOrDefault("HONEYCOMB_ENGINE_HEADLESS", false),
		ProfileDir:          getEnvOrDefault("HONEYCOMB_PROFILE_DIR", "./engine_profile"),
		StartURL:            getEnvOrDefault("HONEYCOMB_START_URL", "about:blank"),
	}
	if cfg.OwnerTimeoutMS < 100 {
		cfg.OwnerTimeoutMS = 100
	}
	if cfg.CallTimeoutMS < 1000 {
		cfg.CallTimeoutMS = 1000
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint used by the chromedp remote allocator.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

// OwnerTimeout is the owner query timeout, or 0 when disabled.
func (c *Config) OwnerTimeout() time.Duration {
	if c.DisableOwnerTimeout {
		return 0
	}
	return time.Duration(c.OwnerTimeoutMS) * time.Millisecond
}

// CallTimeout bounds one engine round trip.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
