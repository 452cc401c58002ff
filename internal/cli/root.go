package cli

import (
	"fmt"

	"github.com/harun/memorygraph/internal/config"
	"github.com/harun/memorygraph/internal/logger"
	"github.com/harun/memorygraph/internal/observability"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "memorygraph",
	Short: "memorygraph - memory retrieval for game characters",
	Long: `memorygraph stores what non-player characters remember about players,
ranks those memories for a scene and intent, and voices replies grounded on them.
It serves an HTTP API, imports seed snapshots and writes scheduled backups.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.memorygraph/memorygraph.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig loads and validates the configuration selected by --config,
// applying the --log-level override.
func loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(cfgFile).Load()
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogging builds the process logger and, when configured, the audit log.
// console is false for commands whose stdout carries data.
func setupLogging(cfg *config.Config, console bool) (*logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console && cfg.Logging.Console,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	if cfg.Logging.AuditFile != "" {
		if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
			log.Close()
			return nil, fmt.Errorf("failed to open audit log: %w", err)
		}
	}
	return log, nil
}
