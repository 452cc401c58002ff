package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/harun/memorygraph/internal/config"
	"github.com/harun/memorygraph/internal/tracing"
	"github.com/harun/memorygraph/pkg/api"
	"github.com/harun/memorygraph/pkg/backup"
	"github.com/harun/memorygraph/pkg/reply"
	"github.com/harun/memorygraph/pkg/seed"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the memorygraph API server",
	Long: `Run the memorygraph HTTP API in the foreground.
When configured it also imports snapshots dropped into the seed directory
and writes scheduled backups. SIGINT or SIGTERM shuts it down gracefully.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := getPIDFilePath(cfg)
	if isRunning(pidFile) {
		return fmt.Errorf("server is already running (PID file: %s)", pidFile)
	}

	log, err := setupLogging(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()
	zl := log.GetZerolog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		if err := tracing.Init(ctx, tracing.Options{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version,
			SampleRatio:    cfg.Tracing.SampleRatio,
		}); err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tracing.Shutdown(sctx)
		}()
	}

	hub := api.NewEventHub(cfg.Server.AllowedOrigins, log.Component("events"))

	deps, err := openEngine(ctx, cfg, hub, log.Component("memory"))
	if err != nil {
		return err
	}
	defer deps.Close()

	llm, err := newLLM(cfg.LLM)
	if err != nil {
		return err
	}
	if llm == nil {
		zl.Warn().Msg("No LLM api key configured, grounded replies are unavailable")
	}

	replier, err := reply.NewGenerator(reply.Config{
		Memory:      deps.engine,
		LLM:         llm,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout(),
		Logger:      log.Component("reply"),
	})
	if err != nil {
		return err
	}

	server, err := api.NewServer(api.Config{
		Options: api.ServerOptions{
			Host:               cfg.Server.Host,
			Port:               cfg.Server.Port,
			AllowedOrigins:     cfg.Server.AllowedOrigins,
			RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
			RequestTimeout:     cfg.Server.RequestTimeout(),
		},
		Memory:  deps.engine,
		Replier: replier,
		Events:  hub,
		Logger:  log.Component("api"),
	})
	if err != nil {
		return err
	}

	if err := writePIDFile(pidFile); err != nil {
		return err
	}
	defer os.Remove(pidFile)

	var watcher *seed.Watcher
	if cfg.Seed.Dir != "" {
		watcher = seed.NewWatcher(cfg.Seed.Dir, deps.engine, seed.DefaultDebounce, log.Component("seed"))
		if err := watcher.Start(ctx); err != nil {
			return err
		}
	}

	var scheduler *backup.Scheduler
	if cfg.Backup.Schedule != "" {
		scheduler, err = backup.NewScheduler(backup.Config{
			Schedule: cfg.Backup.Schedule,
			Dir:      cfg.Backup.Dir,
			Retain:   cfg.Backup.Retain,
			Exporter: deps.engine,
			Logger:   log.Component("backup"),
		})
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
		zl.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			zl.Error().Err(err).Msg("API server stopped unexpectedly")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			zl.Warn().Err(err).Msg("Failed to stop seed watcher")
		}
	}
	if err := server.Stop(shutdownCtx); err != nil {
		zl.Error().Err(err).Msg("Graceful shutdown failed")
		return err
	}

	zl.Info().Msg("Shutdown complete")
	return nil
}

func getPIDFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir, "memorygraph.pid")
}

func writePIDFile(pidFile string) error {
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	return nil
}

func readPID(pidFile string) (int, error) {
	data, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", pidFile)
	}
	return pid, nil
}

func isRunning(pidFile string) bool {
	pid, err := readPID(pidFile)
	if err != nil {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds, so probe with signal 0.
	return process.Signal(syscall.Signal(0)) == nil
}
