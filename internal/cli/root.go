// Package cli implements the chatdesk command line.
package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tOgg1/chatdesk/internal/config"
	"github.com/tOgg1/chatdesk/internal/logging"
)

var (
	cfgFile        string
	logLevel       string
	logFormat      string
	nonInteractive bool

	appConfig *config.Config
	logOutput io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "chatdesk",
	Short: "Realtime chat monitoring console",
	Long: `chatdesk keeps a live view of contact conversations: the conversation list,
the open timeline and search, synchronized from the message store and its
realtime feed.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initConfig,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logOutput != nil {
			_ = logOutput.Close()
			logOutput = nil
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/chatdesk/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (json, console, auto)")
	rootCmd.PersistentFlags().BoolVar(&nonInteractive, "non-interactive", false, "never start interactive views")
}

// Execute runs the root command.
func Execute(version, commit, date string) error {
	SetVersionInfo(version, commit, date)
	rootCmd.Version = version
	return rootCmd.Execute()
}

// GetConfig returns the loaded configuration, or nil before initConfig ran.
func GetConfig() *config.Config {
	return appConfig
}

// IsNonInteractive reports whether interactive views are disabled.
func IsNonInteractive() bool {
	return nonInteractive || os.Getenv("CHATDESK_NON_INTERACTIVE") == "1"
}

func initConfig(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader.SetConfigFile(cfgFile)
	}
	cfg, err := loader.Load()
	if err != nil {
		return &PreflightError{
			Message:  err.Error(),
			Hint:     "Check the config file and CHATDESK_* environment variables",
			NextStep: "chatdesk --config <path> " + cmd.Name(),
		}
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	appConfig = cfg

	return initLogging(cfg.Logging, cmd.Name() == "tui")
}

// initLogging configures the global logger. The terminal console owns the
// screen, so its logs go to a file.
func initLogging(cfg config.LoggingConfig, toFile bool) error {
	logCfg := logging.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       os.Stderr,
		EnableCaller: cfg.EnableCaller,
	}

	path := cfg.File
	if path == "" && toFile {
		path = filepath.Join(filepath.Dir(appConfig.Console.ContextFile), "chatdesk.log")
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		logCfg.Output = f
		logCfg.Format = "json"
		logOutput = f
	}

	logging.Init(logCfg)
	return nil
}
