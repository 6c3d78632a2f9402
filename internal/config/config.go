// Package config handles chatdesk configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Source drivers.
const (
	SourceSQLite   = "sqlite"
	SourcePostgres = "postgres"
)

// Feed drivers.
const (
	FeedRealtime = "realtime"
	FeedPGNotify = "pgnotify"
	FeedPoll     = "poll"
)

// Search modes.
const (
	SearchRemote = "remote"
	SearchLocal  = "local"
)

// MinSearchDebounce is the shortest quiet period accepted for search input.
const MinSearchDebounce = 500 * time.Millisecond

// Config is the root configuration structure for chatdesk.
type Config struct {
	// Logging settings
	Logging LoggingConfig `yaml:"logging" mapstructure:"logging"`

	// Source selects the data store conversations and messages are read from.
	Source SourceConfig `yaml:"source" mapstructure:"source"`

	// Feed configures the realtime new-message subscription.
	Feed FeedConfig `yaml:"feed" mapstructure:"feed"`

	// Search configures the search overlay.
	Search SearchConfig `yaml:"search" mapstructure:"search"`

	// Console configures the synchronization core.
	Console ConsoleConfig `yaml:"console" mapstructure:"console"`

	// Server configures the HTTP and health listeners.
	Server ServerConfig `yaml:"server" mapstructure:"server"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level" mapstructure:"level"`

	// Format is the output format (json, console, auto).
	Format string `yaml:"format" mapstructure:"format"`

	// File is an optional log file path.
	File string `yaml:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs.
	EnableCaller bool `yaml:"enable_caller" mapstructure:"enable_caller"`
}

// SourceConfig selects and parameterizes the data source.
type SourceConfig struct {
	// Driver is sqlite or postgres.
	Driver string `yaml:"driver" mapstructure:"driver"`

	// SQLitePath is the local database file.
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`

	// PostgresURL is the hosted database connection string.
	PostgresURL string `yaml:"postgres_url" mapstructure:"postgres_url"`

	// ConversationPageSize is the conversation list page size.
	ConversationPageSize int `yaml:"conversation_page_size" mapstructure:"conversation_page_size"`

	// MessagePageSize is the timeline page size.
	MessagePageSize int `yaml:"message_page_size" mapstructure:"message_page_size"`
}

// FeedConfig configures the realtime feed.
type FeedConfig struct {
	// Driver is realtime, pgnotify or poll.
	Driver string `yaml:"driver" mapstructure:"driver"`

	// RealtimeURL is the websocket endpoint of the hosted realtime service.
	RealtimeURL string `yaml:"realtime_url" mapstructure:"realtime_url"`

	// APIKey authenticates the realtime connection.
	APIKey string `yaml:"api_key" mapstructure:"api_key"`

	// Schema and Table name the watched message table.
	Schema string `yaml:"schema" mapstructure:"schema"`
	Table  string `yaml:"table" mapstructure:"table"`

	// Channel is the LISTEN/NOTIFY channel for the pgnotify driver.
	Channel string `yaml:"channel" mapstructure:"channel"`

	// PollInterval is the base cadence of the poll driver.
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`

	// HeartbeatInterval is the realtime keepalive cadence.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`

	// BackoffInitial and BackoffMax bound the resubscribe delay.
	BackoffInitial time.Duration `yaml:"backoff_initial" mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max" mapstructure:"backoff_max"`
}

// SearchConfig configures the search overlay.
type SearchConfig struct {
	// Mode is remote (query the store) or local (filter loaded conversations).
	Mode string `yaml:"mode" mapstructure:"mode"`

	// Debounce is the quiet period before a query is issued.
	Debounce time.Duration `yaml:"debounce" mapstructure:"debounce"`

	// Limit caps the number of hits per result kind.
	Limit int `yaml:"limit" mapstructure:"limit"`

	// CacheTTL is how long results stay cached. Zero disables caching.
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`

	// RedisAddr enables the shared redis cache when set.
	RedisAddr     string `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword string `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB       int    `yaml:"redis_db" mapstructure:"redis_db"`
}

// ConsoleConfig configures the synchronization core.
type ConsoleConfig struct {
	// HighlightTTL is how long a promoted conversation stays marked as just updated.
	HighlightTTL time.Duration `yaml:"highlight_ttl" mapstructure:"highlight_ttl"`

	// MailboxSize is the buffer of the single-writer mailbox.
	MailboxSize int `yaml:"mailbox_size" mapstructure:"mailbox_size"`

	// ContextFile persists the last opened conversation between runs.
	ContextFile string `yaml:"context_file" mapstructure:"context_file"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr" mapstructure:"addr"`

	// StaticDir is the built web bundle served with SPA fallback.
	StaticDir string `yaml:"static_dir" mapstructure:"static_dir"`

	// HealthAddr is the gRPC health listen address. Empty disables it.
	HealthAddr string `yaml:"health_addr" mapstructure:"health_addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "chatdesk")

	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
		Source: SourceConfig{
			Driver:               SourceSQLite,
			SQLitePath:           filepath.Join(dataDir, "chatdesk.db"),
			ConversationPageSize: 20,
			MessagePageSize:      30,
		},
		Feed: FeedConfig{
			Driver:            FeedPoll,
			Schema:            "public",
			Table:             "messages",
			Channel:           "chatdesk_messages",
			PollInterval:      time.Second,
			HeartbeatInterval: 25 * time.Second,
			BackoffInitial:    500 * time.Millisecond,
			BackoffMax:        30 * time.Second,
		},
		Search: SearchConfig{
			Mode:     SearchRemote,
			Debounce: MinSearchDebounce,
			Limit:    20,
			CacheTTL: 30 * time.Second,
		},
		Console: ConsoleConfig{
			HighlightTTL: 3 * time.Second,
			MailboxSize:  256,
			ContextFile:  filepath.Join(homeDir, ".config", "chatdesk", "context.yaml"),
		},
		Server: ServerConfig{
			Addr:      ":4173",
			StaticDir: "dist",
		},
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Source.Driver {
	case SourceSQLite:
		if strings.TrimSpace(c.Source.SQLitePath) == "" {
			return fmt.Errorf("source.sqlite_path is required for the sqlite driver")
		}
	case SourcePostgres:
		if strings.TrimSpace(c.Source.PostgresURL) == "" {
			return fmt.Errorf("source.postgres_url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("source.driver must be one of sqlite, postgres")
	}
	if c.Source.ConversationPageSize < 1 {
		return fmt.Errorf("source.conversation_page_size must be at least 1")
	}
	if c.Source.MessagePageSize < 1 {
		return fmt.Errorf("source.message_page_size must be at least 1")
	}

	switch c.Feed.Driver {
	case FeedRealtime:
		if strings.TrimSpace(c.Feed.RealtimeURL) == "" {
			return fmt.Errorf("feed.realtime_url is required for the realtime driver")
		}
	case FeedPGNotify:
		if c.Source.Driver != SourcePostgres {
			return fmt.Errorf("feed.driver pgnotify requires source.driver postgres")
		}
	case FeedPoll:
		if c.Feed.PollInterval < 100*time.Millisecond {
			return fmt.Errorf("feed.poll_interval must be at least 100ms")
		}
	default:
		return fmt.Errorf("feed.driver must be one of realtime, pgnotify, poll")
	}
	if c.Feed.BackoffInitial <= 0 {
		return fmt.Errorf("feed.backoff_initial must be positive")
	}
	if c.Feed.BackoffMax < c.Feed.BackoffInitial {
		return fmt.Errorf("feed.backoff_max must be at least feed.backoff_initial")
	}

	switch c.Search.Mode {
	case SearchRemote, SearchLocal:
	default:
		return fmt.Errorf("search.mode must be one of remote, local")
	}
	if c.Search.Debounce < MinSearchDebounce {
		return fmt.Errorf("search.debounce must be at least %s", MinSearchDebounce)
	}
	if c.Search.Limit < 1 {
		return fmt.Errorf("search.limit must be at least 1")
	}

	if c.Console.HighlightTTL <= 0 {
		return fmt.Errorf("console.highlight_ttl must be positive")
	}
	if c.Console.MailboxSize < 1 {
		return fmt.Errorf("console.mailbox_size must be at least 1")
	}

	return nil
}

// EnsureDirectories creates the directories local files live in.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Source.Driver == SourceSQLite {
		dirs = append(dirs, filepath.Dir(c.Source.SQLitePath))
	}
	if c.Console.ContextFile != "" {
		dirs = append(dirs, filepath.Dir(c.Console.ContextFile))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
