package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultListenAddr      = ":8080"
	defaultDBDriver        = "sqlite"
	defaultDBDSN           = "babel.db"
	defaultOutboxInterval  = 2 * time.Second
	defaultWebhookInterval = time.Second
	defaultLockLease       = time.Minute
	defaultLockTimeout     = 10 * time.Second
	defaultLockPoll        = 100 * time.Millisecond

	envListenAddr      = "BABEL_LISTEN_ADDR"
	envDBDriver        = "BABEL_DB_DRIVER"
	envDBDSN           = "BABEL_DB_DSN"
	envLogLevel        = "BABEL_LOG_LEVEL"
	envHostID          = "BABEL_HOST_ID"
	envOutboxInterval  = "BABEL_OUTBOX_INTERVAL"
	envWebhookInterval = "BABEL_WEBHOOK_INTERVAL"
	envLockLease       = "BABEL_LOCK_LEASE"
	envLockTimeout     = "BABEL_LOCK_TIMEOUT"
	envLockPoll        = "BABEL_LOCK_POLL"
	envEnginesFile     = "BABEL_ENGINES_FILE"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBDriver   string
	DBDSN      string
	LogLevel   slog.Level

	// HostID identifies this process as a lock holder for inference reads.
	HostID string

	OutboxInterval  time.Duration
	WebhookInterval time.Duration

	LockLease   time.Duration
	LockTimeout time.Duration
	LockPoll    time.Duration

	// EnginesFile is the YAML engine catalog. Empty means no engines.
	EnginesFile string
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is loaded first if present;
// variables already set in the environment win.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		ListenAddr:      defaultListenAddr,
		DBDriver:        defaultDBDriver,
		DBDSN:           defaultDBDSN,
		LogLevel:        slog.LevelInfo,
		HostID:          defaultHostID(),
		OutboxInterval:  defaultOutboxInterval,
		WebhookInterval: defaultWebhookInterval,
		LockLease:       defaultLockLease,
		LockTimeout:     defaultLockTimeout,
		LockPoll:        defaultLockPoll,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBDriver); v != "" {
		cfg.DBDriver = strings.ToLower(v)
	}
	if v := os.Getenv(envDBDSN); v != "" {
		cfg.DBDSN = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envHostID); v != "" {
		cfg.HostID = v
	}
	cfg.OutboxInterval = durationEnv(envOutboxInterval, cfg.OutboxInterval)
	cfg.WebhookInterval = durationEnv(envWebhookInterval, cfg.WebhookInterval)
	cfg.LockLease = durationEnv(envLockLease, cfg.LockLease)
	cfg.LockTimeout = durationEnv(envLockTimeout, cfg.LockTimeout)
	cfg.LockPoll = durationEnv(envLockPoll, cfg.LockPoll)
	cfg.EnginesFile = os.Getenv(envEnginesFile)

	return cfg
}

// durationEnv returns the positive duration in key, or def if it is unset or
// malformed.
func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func defaultHostID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "babel"
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
