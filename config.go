package tether

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/tether/internal/store"
)

// Storage backends for the local KV.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Config configures the engine.
type Config struct {
	// LocalPath is the path to the local database file.
	// If empty, LocalPath is derived from Store and Backend.
	LocalPath string

	// Store is the local store ID.
	// If empty, resolved using store resolution (explicit > TETHER_STORE env > "default").
	Store string

	// Backend selects the local KV implementation: "sqlite" (default) or "bolt".
	Backend string

	// RemoteURL is the base URL of the remote store.
	// If empty and no Remote is injected, the engine operates offline.
	RemoteURL string

	// APIKey authenticates with the remote store.
	APIKey string

	// SourceID identifies this client instance to the remote store.
	// Defaults to hostname if not set.
	SourceID string

	// SchemaPath points to a YAML file declaring the collections.
	// Ignored when schemas are passed to New directly.
	SchemaPath string

	// RemoteTimeout bounds every remote call. Defaults to 10 seconds.
	RemoteTimeout time.Duration

	// SyncInterval is how often the background loop drains the queues.
	// Defaults to 1 minute.
	SyncInterval time.Duration

	// AutoSync enables the background drain loop.
	AutoSync bool

	// FeedPollInterval is how often the HTTP change feed polls for events.
	// Defaults to 5 seconds.
	FeedPollInterval time.Duration

	// BackoffBase and BackoffMax bound the exponential retry delay of failed
	// operations. Default to 2 seconds and 5 minutes.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// DeadLetterAfter is the failure count after which an operation is set
	// aside and only retried manually. Zero disables dead-lettering.
	DeadLetterAfter int

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string

	// Debug enables the sync trace: remote calls, queue claims, drains and remaps.
	Debug bool

	// DebugLogPath is the file the sync trace is appended to.
	// Defaults to stderr if empty.
	DebugLogPath string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		Store:            "default",
		Backend:          BackendSQLite,
		LocalPath:        store.StoreDBPath("default", BackendSQLite),
		SourceID:         hostname,
		RemoteTimeout:    10 * time.Second,
		SyncInterval:     time.Minute,
		AutoSync:         true,
		FeedPollInterval: 5 * time.Second,
		BackoffBase:      2 * time.Second,
		BackoffMax:       5 * time.Minute,
		DeadLetterAfter:  10,
		LogLevel:         "info",
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	TETHER_DB_PATH           → LocalPath
//	TETHER_STORE             → Store
//	TETHER_BACKEND           → Backend
//	TETHER_REMOTE_URL        → RemoteURL
//	TETHER_API_KEY           → APIKey
//	TETHER_SOURCE_ID         → SourceID
//	TETHER_SCHEMA            → SchemaPath
//	TETHER_DEAD_LETTER_AFTER → DeadLetterAfter (default 10, 0 disables)
//	TETHER_LOG_LEVEL         → LogLevel
//	TETHER_DEBUG             → Debug (any non-empty value enables)
//	TETHER_DEBUG_LOG         → DebugLogPath
func ConfigFromEnv() Config {
	cfg := Config{
		LocalPath:       os.Getenv("TETHER_DB_PATH"),
		Store:           os.Getenv(store.EnvStore),
		Backend:         os.Getenv("TETHER_BACKEND"),
		RemoteURL:       os.Getenv("TETHER_REMOTE_URL"),
		APIKey:          os.Getenv("TETHER_API_KEY"),
		SourceID:        os.Getenv("TETHER_SOURCE_ID"),
		SchemaPath:      os.Getenv("TETHER_SCHEMA"),
		LogLevel:        os.Getenv("TETHER_LOG_LEVEL"),
		Debug:           os.Getenv("TETHER_DEBUG") != "",
		DebugLogPath:    os.Getenv("TETHER_DEBUG_LOG"),
		AutoSync:        true,
		DeadLetterAfter: DefaultConfig().DeadLetterAfter,
	}
	if v := os.Getenv("TETHER_DEAD_LETTER_AFTER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DeadLetterAfter = n
		}
	}
	return cfg
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to local database"}
	}

	if c.Store != "" {
		if err := store.ValidateStoreID(c.Store); err != nil {
			return &ValidationError{Field: "Store", Message: err.Error()}
		}
	}

	switch c.Backend {
	case "", BackendSQLite, BackendBolt:
	default:
		return &ValidationError{Field: "Backend", Message: "must be sqlite or bolt"}
	}

	if c.RemoteURL != "" && c.APIKey == "" {
		return &ValidationError{Field: "APIKey", Message: "required when RemoteURL is set"}
	}

	if c.RemoteTimeout < 0 {
		return &ValidationError{Field: "RemoteTimeout", Message: "must be non-negative"}
	}
	if c.SyncInterval < 0 {
		return &ValidationError{Field: "SyncInterval", Message: "must be non-negative"}
	}
	if c.BackoffMax > 0 && c.BackoffBase > c.BackoffMax {
		return &ValidationError{Field: "BackoffBase", Message: "must not exceed BackoffMax"}
	}
	if c.DeadLetterAfter < 0 {
		return &ValidationError{Field: "DeadLetterAfter", Message: "must be non-negative"}
	}

	if _, ok := parseLevel(c.LogLevel); !ok {
		return &ValidationError{Field: "LogLevel", Message: "must be debug, info, warn or error"}
	}

	return nil
}

// IsOffline returns true if no remote URL is configured.
func (c *Config) IsOffline() bool {
	return c.RemoteURL == ""
}

// WithDefaults fills in default values for unset fields.
// Store resolution: explicit Store field > TETHER_STORE env > "default".
// LocalPath is derived from the resolved Store if not explicitly set.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Store == "" {
		resolved, err := store.ResolveStore("")
		if err == nil {
			c.Store = resolved
		} else {
			c.Store = "default"
		}
	}
	if c.Backend == "" {
		c.Backend = defaults.Backend
	}
	if c.LocalPath == "" {
		c.LocalPath = store.StoreDBPath(c.Store, c.Backend)
	}

	if c.SourceID == "" {
		c.SourceID = defaults.SourceID
	}
	if c.RemoteTimeout == 0 {
		c.RemoteTimeout = defaults.RemoteTimeout
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = defaults.SyncInterval
	}
	if c.FeedPollInterval == 0 {
		c.FeedPollInterval = defaults.FeedPollInterval
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = defaults.BackoffMax
	}
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}

	return c
}

// NewLogger builds the default structured logger for the configuration.
func (c *Config) NewLogger() *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func parseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, true
	case "debug":
		return slog.LevelDebug, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}
