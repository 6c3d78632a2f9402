package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CHATDESK"

// Loader handles configuration loading with Viper.
type Loader struct {
	v          *viper.Viper
	configFile string
	envFiles   []string
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		v:        viper.New(),
		envFiles: []string{".env"},
	}
}

// SetConfigFile sets an explicit config file path.
func (l *Loader) SetConfigFile(path string) {
	l.configFile = path
}

// SetEnvFiles replaces the dotenv files read before env overrides apply.
func (l *Loader) SetEnvFiles(paths ...string) {
	l.envFiles = paths
}

// Load loads configuration with proper precedence:
// defaults < config file < .env < env vars < CLI flags
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if err := l.loadEnvFiles(); err != nil {
		return nil, err
	}

	l.setupViper(cfg)

	if err := l.loadConfigFile(); err != nil {
		// Config file is optional, only error if explicitly specified
		if l.configFile != "" {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	expandPaths(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadEnvFiles reads dotenv files without overriding variables already set.
func (l *Loader) loadEnvFiles() error {
	for _, path := range l.envFiles {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

func expandTilde(path string) string {
	if path == "" {
		return path
	}
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

func expandPaths(cfg *Config) {
	cfg.Logging.File = expandTilde(cfg.Logging.File)
	cfg.Source.SQLitePath = expandTilde(cfg.Source.SQLitePath)
	cfg.Server.StaticDir = expandTilde(cfg.Server.StaticDir)
	cfg.Console.ContextFile = expandTilde(cfg.Console.ContextFile)
}

func (l *Loader) setupViper(cfg *Config) {
	v := l.v

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		v.AddConfigPath(filepath.Join(xdgConfig, "chatdesk"))
	}
	if homeDir, _ := os.UserHomeDir(); homeDir != "" {
		v.AddConfigPath(filepath.Join(homeDir, ".config", "chatdesk"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	l.setDefaults(cfg)

	// Unmarshal only sees env vars for keys viper knows about.
	for _, key := range v.AllKeys() {
		envVar := EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		_ = v.BindEnv(key, envVar)
	}

	v.AutomaticEnv()
}

func (l *Loader) setDefaults(cfg *Config) {
	v := l.v

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.enable_caller", cfg.Logging.EnableCaller)

	v.SetDefault("source.driver", cfg.Source.Driver)
	v.SetDefault("source.sqlite_path", cfg.Source.SQLitePath)
	v.SetDefault("source.postgres_url", cfg.Source.PostgresURL)
	v.SetDefault("source.conversation_page_size", cfg.Source.ConversationPageSize)
	v.SetDefault("source.message_page_size", cfg.Source.MessagePageSize)

	v.SetDefault("feed.driver", cfg.Feed.Driver)
	v.SetDefault("feed.realtime_url", cfg.Feed.RealtimeURL)
	v.SetDefault("feed.api_key", cfg.Feed.APIKey)
	v.SetDefault("feed.schema", cfg.Feed.Schema)
	v.SetDefault("feed.table", cfg.Feed.Table)
	v.SetDefault("feed.channel", cfg.Feed.Channel)
	v.SetDefault("feed.poll_interval", cfg.Feed.PollInterval)
	v.SetDefault("feed.heartbeat_interval", cfg.Feed.HeartbeatInterval)
	v.SetDefault("feed.backoff_initial", cfg.Feed.BackoffInitial)
	v.SetDefault("feed.backoff_max", cfg.Feed.BackoffMax)

	v.SetDefault("search.mode", cfg.Search.Mode)
	v.SetDefault("search.debounce", cfg.Search.Debounce)
	v.SetDefault("search.limit", cfg.Search.Limit)
	v.SetDefault("search.cache_ttl", cfg.Search.CacheTTL)
	v.SetDefault("search.redis_addr", cfg.Search.RedisAddr)
	v.SetDefault("search.redis_password", cfg.Search.RedisPassword)
	v.SetDefault("search.redis_db", cfg.Search.RedisDB)

	v.SetDefault("console.highlight_ttl", cfg.Console.HighlightTTL)
	v.SetDefault("console.mailbox_size", cfg.Console.MailboxSize)
	v.SetDefault("console.context_file", cfg.Console.ContextFile)

	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.static_dir", cfg.Server.StaticDir)
	v.SetDefault("server.health_addr", cfg.Server.HealthAddr)
}

func (l *Loader) loadConfigFile() error {
	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return err
	}
	return nil
}

// ConfigFileUsed returns the config file that was loaded.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Viper returns the underlying Viper instance so CLI flags can be bound.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	loader := NewLoader()
	loader.SetConfigFile(path)
	return loader.Load()
}

// LoadDefault loads configuration with default search paths.
func LoadDefault() (*Config, error) {
	return NewLoader().Load()
}
