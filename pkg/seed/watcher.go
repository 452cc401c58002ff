// Package seed imports export snapshots dropped into a directory.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/harun/memorygraph/internal/observability"
	"github.com/harun/memorygraph/pkg/memory"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long a file must stay quiet before it is imported.
const DefaultDebounce = 500 * time.Millisecond

// Importer receives parsed snapshots.
type Importer interface {
	Import(ctx context.Context, s *memory.Snapshot) (*memory.ImportResult, error)
}

// Watcher imports every *.json snapshot in a directory at start and again
// whenever one is created or rewritten.
type Watcher struct {
	dir      string
	importer Importer
	logger   zerolog.Logger
	debounce time.Duration

	watcher *fsnotify.Watcher
	mu      sync.Mutex
	timers  map[string]*time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewWatcher creates a Watcher for dir. A zero debounce uses DefaultDebounce.
func NewWatcher(dir string, importer Importer, debounce time.Duration, logger zerolog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		dir:      dir,
		importer: importer,
		logger:   logger.With().Str("component", "seed").Str("dir", dir).Logger(),
		debounce: debounce,
		timers:   make(map[string]*time.Timer),
	}
}

// Start imports the files already present and begins watching for changes.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create seed directory: %w", err)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fsw.Add(w.dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("failed to watch seed directory: %w", err)
	}

	w.watcher = fsw
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn().Err(err).Msg("Failed to list seed directory")
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && isSnapshot(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		w.importLogged(filepath.Join(w.dir, name))
	}

	go w.run()
	w.logger.Info().Int("initial_files", len(names)).Msg("Seed watcher started")
	return nil
}

// Stop ends watching and waits for any import in progress.
func (w *Watcher) Stop() error {
	if w.watcher == nil {
		return nil
	}
	w.cancel()
	err := w.watcher.Close()
	<-w.done

	w.mu.Lock()
	for path, t := range w.timers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.timers, path)
	}
	w.mu.Unlock()
	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !isSnapshot(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Seed file change detected")
				w.schedule(event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Seed watcher error")

		case <-w.ctx.Done():
			return
		}
	}
}

// schedule debounces imports per file so a file written in several chunks is read once.
func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok && t.Stop() {
		w.wg.Done()
	}
	w.wg.Add(1)
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		if w.ctx.Err() != nil {
			return
		}
		w.importLogged(path)
	})
}

func (w *Watcher) importLogged(path string) {
	res, err := ImportFile(w.ctx, w.importer, path)
	if err != nil {
		observability.RecordDataAudit(w.ctx, "seed_imported", "seed", "failure",
			map[string]interface{}{"file": filepath.Base(path), "error": err.Error()})
		w.logger.Error().Err(err).Str("file", filepath.Base(path)).Msg("Seed import failed")
		return
	}
	w.logger.Info().
		Str("file", filepath.Base(path)).
		Int("entities_imported", res.EntitiesImported).
		Int("facts_imported", res.FactsImported).
		Int("skipped", res.Skipped).
		Msg("Seed file imported")
	observability.RecordDataAudit(w.ctx, "seed_imported", "seed", "success", map[string]interface{}{
		"file":              filepath.Base(path),
		"entities_imported": res.EntitiesImported,
		"facts_imported":    res.FactsImported,
		"skipped":           res.Skipped,
	})
}

// ImportFile reads a snapshot file and hands it to importer.
func ImportFile(ctx context.Context, importer Importer, path string) (*memory.ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap memory.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot %s: %w", filepath.Base(path), err)
	}
	return importer.Import(ctx, &snap)
}

func isSnapshot(name string) bool {
	base := filepath.Base(name)
	return strings.HasSuffix(strings.ToLower(base), ".json") && !strings.HasPrefix(base, ".")
}
