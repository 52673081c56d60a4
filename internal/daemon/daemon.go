// Package daemon runs the background sync process.
//
// The daemon:
// 1. Drives the sync engine's periodic push/pull cycles
// 2. Watches a spool directory for record batch files and applies them
// 3. Listens to the remote change feed to trigger immediate pulls
// 4. Handles graceful shutdown
//
// The spool directory lets other local processes hand records to the
// store without linking it: drop a .jsonl batch file in the spool and the
// daemon merges it and cleans it up.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
	"github.com/localfirst/outpost/internal/record"
	"github.com/localfirst/outpost/internal/store"
	"github.com/localfirst/outpost/internal/syncengine"
)

// Config holds configuration for the daemon.
type Config struct {
	// SpoolDir is the directory watched for .jsonl batch files.
	// Empty disables spool watching.
	SpoolDir string

	// DebounceInterval is how long a spool file must sit unchanged before
	// it is applied. Batches rapid writes of the same file together.
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.NewWithOptions(os.Stderr, log.Options{Prefix: "daemon"}),
	}
}

// Daemon orchestrates the sync engine and the spool watcher.
type Daemon struct {
	store  *store.Store
	engine *syncengine.Engine
	config *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> last event time
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon around an opened store and engine.
func New(s *store.Store, engine *syncengine.Engine, config *Config) (*Daemon, error) {
	if s == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = DefaultConfig().DebounceInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:       s,
		engine:      engine,
		config:      config,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// Blocks until ctx is cancelled, then shuts down gracefully.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Info("starting daemon", "device", d.store.DeviceID())

	if d.config.SpoolDir != "" {
		if err := os.MkdirAll(d.config.SpoolDir, 0o755); err != nil {
			return fmt.Errorf("failed to create spool directory: %w", err)
		}

		// Apply batches left over from a previous run before watching.
		if err := d.drainSpool(); err != nil {
			return fmt.Errorf("initial spool drain failed: %w", err)
		}

		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		d.watcher = watcher

		if err := d.watcher.Add(d.config.SpoolDir); err != nil {
			return fmt.Errorf("failed to watch spool directory: %w", err)
		}
		d.config.Logger.Info("watching spool", "dir", d.config.SpoolDir)

		d.wg.Add(2)
		go d.watchFileEvents()
		go d.processChangeQueue()
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.engine.Run(d.ctx); err != nil && d.ctx.Err() == nil {
			d.config.Logger.Error("sync engine stopped", "err", err)
		}
	}()

	select {
	case <-ctx.Done():
		d.config.Logger.Info("shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Info("stopping daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Warn("error closing watcher", "err", err)
		}
	}

	d.wg.Wait()

	d.config.Logger.Info("daemon stopped")
	return nil
}

// drainSpool applies every batch file currently in the spool.
func (d *Daemon) drainSpool() error {
	entries, err := os.ReadDir(d.config.SpoolDir)
	if err != nil {
		return fmt.Errorf("failed to read spool directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".jsonl" {
			continue
		}
		path := filepath.Join(d.config.SpoolDir, entry.Name())
		if err := d.applySpoolFile(path); err != nil {
			d.config.Logger.Error("failed to apply spool file", "path", path, "err", err)
		}
	}
	return nil
}

// watchFileEvents monitors filesystem events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".jsonl" {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Warn("watcher error", "err", err)
		}
	}
}

// queueChange records a spool file event for debounced processing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue applies queued spool files once they settle.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges applies files that have been quiet long enough.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	var ready []string
	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		if err := d.applySpoolFile(path); err != nil {
			d.config.Logger.Error("failed to apply spool file", "path", path, "err", err)
		}
	}
}

// applySpoolFile merges one batch file into the store and removes it.
//
// A file that fails to parse or apply is left in place so the operator
// can inspect it; it will not be retried until it is touched again.
func (d *Daemon) applySpoolFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	envelopes, err := record.ReadBatchFile(path)
	if err != nil {
		return err
	}

	applied, err := d.store.Apply(d.ctx, envelopes)
	if err != nil {
		return err
	}

	d.config.Logger.Info("applied spool batch",
		"path", filepath.Base(path),
		"records", len(envelopes),
		"written", len(applied.Inserted)+len(applied.Updated)+len(applied.Deleted),
		"skipped", len(applied.Skipped))

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove applied spool file: %w", err)
	}

	// New local changes are in the outbox now; push them promptly.
	d.engine.Trigger()
	return nil
}
