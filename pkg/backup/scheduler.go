// Package backup writes periodic export snapshots on a cron schedule.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/harun/memorygraph/internal/observability"
	"github.com/harun/memorygraph/pkg/memory"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	filePrefix = "memorygraph-"
	fileSuffix = ".json"
	timeLayout = "20060102T150405Z"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a five-field cron expression or a descriptor such as "@daily".
func ParseSchedule(expr string) (cron.Schedule, error) {
	if strings.TrimSpace(expr) == "" {
		return nil, errors.New("schedule is empty")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return sched, nil
}

// Exporter produces the snapshot to persist.
type Exporter interface {
	Export(ctx context.Context) (*memory.Snapshot, error)
}

// Config holds Scheduler settings.
type Config struct {
	Schedule string
	Dir      string
	// Retain is how many snapshot files to keep; 0 keeps all.
	Retain   int
	Exporter Exporter
	Timeout  time.Duration
	Logger   zerolog.Logger
}

// Scheduler runs exports on a cron schedule and prunes old snapshot files.
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	dir      string
	retain   int
	exporter Exporter
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewScheduler validates cfg and creates a stopped Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Exporter == nil {
		return nil, errors.New("exporter is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("backup directory is required")
	}
	if cfg.Retain < 0 {
		return nil, fmt.Errorf("retain must not be negative: %d", cfg.Retain)
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	return &Scheduler{
		cron:     cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		schedule: sched,
		dir:      cfg.Dir,
		retain:   cfg.Retain,
		exporter: cfg.Exporter,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With().Str("component", "backup").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start begins running snapshots on schedule.
func (s *Scheduler) Start() {
	s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("Scheduled snapshot failed")
		}
	}))
	s.cron.Start()
	s.logger.Info().
		Str("dir", s.dir).
		Int("retain", s.retain).
		Time("next_run", s.NextRun()).
		Msg("Snapshot scheduler started")
}

// Stop stops scheduling and waits for a running snapshot to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("Snapshot still running at shutdown")
	}
}

// NextRun returns when the next snapshot is due.
func (s *Scheduler) NextRun() time.Time {
	return s.schedule.Next(s.now())
}

// RunOnce exports, writes a timestamped snapshot file and prunes old ones. It
// returns the written path.
func (s *Scheduler) RunOnce(ctx context.Context) (string, error) {
	path, err := s.write(ctx)
	observability.RecordSnapshot(err == nil)
	if err != nil {
		observability.RecordDataAudit(ctx, "snapshot_written", "backup", "failure",
			map[string]interface{}{"error": err.Error()})
		return "", err
	}
	observability.RecordDataAudit(ctx, "snapshot_written", "backup", "success",
		map[string]interface{}{"file": filepath.Base(path)})

	removed, err := s.prune()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to prune old snapshots")
	}
	s.logger.Info().Str("file", filepath.Base(path)).Int("pruned", removed).Msg("Snapshot written")
	return path, nil
}

func (s *Scheduler) write(ctx context.Context) (string, error) {
	snap, err := s.exporter.Export(ctx)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	path := filepath.Join(s.dir, filePrefix+s.now().Format(timeLayout)+fileSuffix)
	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return path, nil
}

// prune removes all but the newest retain snapshot files.
func (s *Scheduler) prune() (int, error) {
	if s.retain == 0 {
		return 0, nil
	}
	files, err := List(s.dir)
	if err != nil {
		return 0, err
	}
	if len(files) <= s.retain {
		return 0, nil
	}

	removed := 0
	for _, f := range files[:len(files)-s.retain] {
		if err := os.Remove(f); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// List returns snapshot files in dir, oldest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) {
			files = append(files, filepath.Join(dir, name))
		}
	}
	sort.Strings(files)
	return files, nil
}
