// Package daemon watches tasks.json and keeps derived state current.
//
// The daemon:
//  1. Performs a full sync into the query index on startup
//  2. Watches the mission-control directory for changes to tasks.json
//  3. Debounces bursts of writes, then re-reads the file through the store
//  4. Diffs the new board against the last snapshot and reports
//     created/updated/deleted tasks to a Handler
//
// Writes from the HTTP API and edits made directly by agents both arrive
// here, so the Handler sees every change exactly once regardless of origin.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/openclaw/polyboard/internal/board/schema"
	"github.com/openclaw/polyboard/internal/board/store"
	"github.com/openclaw/polyboard/internal/index"
	"github.com/openclaw/polyboard/internal/metrics"
)

// Handler receives board changes detected on disk.
type Handler interface {
	OnTaskCreated(task schema.Task)
	OnTaskUpdated(oldTask, newTask schema.Task)
	OnTaskDeleted(taskID string, oldTask schema.Task)
	OnSyncComplete(file schema.TasksFile, changes int, duration time.Duration)
}

// Config holds configuration for the daemon.
type Config struct {
	// DebounceInterval is how long the file must be quiet before it is
	// re-read. This batches rapid updates together.
	DebounceInterval time.Duration

	// Metrics is optional
	Metrics *metrics.Metrics

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon orchestrates file watching and index synchronization.
type Daemon struct {
	store   *store.Store
	index   *index.DB
	handler Handler
	config  *Config

	watcher       *FileWatcher
	changeQueue   map[string]time.Time // path -> last event
	changeQueueMu sync.Mutex

	snapshot   schema.TasksFile
	snapshotMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new Daemon instance.
//
// idx and handler may be nil. Use Start() to begin watching.
func New(st *store.Store, idx *index.DB, handler Handler) (*Daemon, error) {
	return NewWithConfig(st, idx, handler, DefaultConfig())
}

// NewWithConfig creates a daemon with custom configuration.
func NewWithConfig(st *store.Store, idx *index.DB, handler Handler, config *Config) (*Daemon, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = defaults.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:       st,
		index:       idx,
		handler:     handler,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		snapshot:    schema.Empty(),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start performs a full sync, then watches for changes.
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	if err := d.PerformFullSync(ctx); err != nil {
		return fmt.Errorf("initial sync failed: %w", err)
	}

	dir := filepath.Dir(d.store.Path())
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	if err := d.watcher.Start(d.store.Path()); err != nil {
		return err
	}

	d.config.Logger.Printf("Watching: %s", d.store.Path())

	d.wg.Add(2)
	go d.watchFileEvents()
	go d.processChangeQueue()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Stop(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// Snapshot returns the board as of the last sync.
func (d *Daemon) Snapshot() schema.TasksFile {
	d.snapshotMu.RLock()
	defer d.snapshotMu.RUnlock()
	return d.snapshot
}

// PerformFullSync rebuilds the index from tasks.json without emitting
// per-task events. It's called on startup and can be triggered manually.
func (d *Daemon) PerformFullSync(ctx context.Context) error {
	start := time.Now()
	file := d.store.Read()

	if d.index != nil {
		if err := d.index.Replace(ctx, file); err != nil {
			return fmt.Errorf("failed to rebuild index: %w", err)
		}
	}

	d.snapshotMu.Lock()
	d.snapshot = file
	d.snapshotMu.Unlock()

	d.config.Logger.Printf("Full sync complete: %d tasks at %s", len(file.Tasks), file.UpdatedAt)
	if d.handler != nil {
		d.handler.OnSyncComplete(file, len(file.Tasks), time.Since(start))
	}
	return nil
}

// Sync re-reads tasks.json, applies the difference to the index and
// reports each change. It returns the changes found.
func (d *Daemon) Sync(ctx context.Context) ([]Change, error) {
	start := time.Now()
	file := d.store.Read()

	d.snapshotMu.Lock()
	prev := d.snapshot
	d.snapshot = file
	d.snapshotMu.Unlock()

	changes := Diff(prev, file)
	if d.index != nil {
		if err := d.index.Apply(ctx, indexBatch(prev, file, changes)); err != nil {
			d.config.Logger.Printf("Warning: incremental index update failed, rebuilding: %v", err)
			if err := d.index.Replace(ctx, file); err != nil {
				return changes, fmt.Errorf("failed to rebuild index: %w", err)
			}
		}
	}

	for _, c := range changes {
		d.config.Metrics.ObserveWatcherEvent(string(c.Type))
		if d.handler == nil {
			continue
		}
		switch c.Type {
		case ChangeCreated:
			d.handler.OnTaskCreated(c.Task)
		case ChangeUpdated:
			d.handler.OnTaskUpdated(c.Old, c.Task)
		case ChangeDeleted:
			d.handler.OnTaskDeleted(c.ID, c.Old)
		}
	}
	if d.handler != nil && (len(changes) > 0 || prev.UpdatedAt != file.UpdatedAt) {
		d.handler.OnSyncComplete(file, len(changes), time.Since(start))
	}
	return changes, nil
}

// watchFileEvents monitors watcher events and queues changes.
func (d *Daemon) watchFileEvents() {
	defer d.wg.Done()

	events := d.watcher.Events()
	errs := d.watcher.Errors()
	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-events:
			if !ok {
				return
			}
			d.config.Logger.Printf("File event: %s %s", event.Op, event.Path)
			d.queueChange(event.Path)

		case err, ok := <-errs:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange records the latest event time for a path.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued changes with debouncing.
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

// processPendingChanges syncs once every queued path has been quiet for
// the debounce interval.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	if len(d.changeQueue) == 0 {
		d.changeQueueMu.Unlock()
		return
	}
	now := time.Now()
	for _, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			d.changeQueueMu.Unlock()
			return
		}
	}
	clear(d.changeQueue)
	d.changeQueueMu.Unlock()

	changes, err := d.Sync(d.ctx)
	if err != nil {
		d.config.Logger.Printf("Error syncing tasks: %v", err)
		return
	}
	if len(changes) > 0 {
		d.config.Logger.Printf("Processed %d task changes", len(changes))
	}
}
