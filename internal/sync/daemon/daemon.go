// Package daemon keeps a device synced without the app in the foreground.
//
// The daemon:
// 1. Runs the connectivity probe loop
// 2. Flushes the pending queue on an interval, gated by connectivity
// 3. Ingests mutation files local producers drop into a spool directory
// 4. Prunes synced history and acknowledged tombstones past retention
// 5. Handles graceful shutdown
//
// Spool ingestion lets producers without a Go linkage (voice pipeline,
// SMS bridge) enqueue mutations: drop one JSON file per mutation into
// the spool directory and the daemon routes it through the repository
// facade, then archives the file. Producers should write files
// atomically (temp name, then rename).
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/Johnsonbros/zeke/internal/sync/connectivity"
	"github.com/Johnsonbros/zeke/internal/sync/db"
	"github.com/Johnsonbros/zeke/internal/sync/queue"
	"github.com/Johnsonbros/zeke/internal/sync/repo"
	"github.com/Johnsonbros/zeke/internal/sync/schema"
)

// Config holds configuration for the daemon.
type Config struct {
	// FlushInterval is how often the pending queue is flushed.
	FlushInterval time.Duration

	// PruneInterval is how often retention pruning runs.
	PruneInterval time.Duration

	// Retention is how long synced queue history and acknowledged
	// tombstones are kept before pruning.
	Retention time.Duration

	// DebounceInterval is how long to wait before processing spool file
	// events. This batches rapid writes together.
	DebounceInterval time.Duration

	// SpoolDir is the directory watched for mutation files.
	// Empty disables spool ingestion.
	SpoolDir string

	// Logger for daemon activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FlushInterval:    30 * time.Second,
		PruneInterval:    time.Hour,
		Retention:        24 * time.Hour,
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// Daemon runs the background loops of the sync engine.
type Daemon struct {
	store   *db.DB
	monitor connectivity.Monitor
	queue   *queue.Queue
	repo    repo.Repository
	config  *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // spool path -> event timestamp
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon over an already wired engine core.
//
// Use Start() to begin the background loops.
func New(store *db.DB, monitor connectivity.Monitor, q *queue.Queue, rep repo.Repository, config *Config) (*Daemon, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if rep == nil {
		return nil, fmt.Errorf("repo cannot be nil")
	}

	def := DefaultConfig()
	if config == nil {
		config = def
	} else {
		cfg := *config
		config = &cfg
		if config.FlushInterval <= 0 {
			config.FlushInterval = def.FlushInterval
		}
		if config.PruneInterval <= 0 {
			config.PruneInterval = def.PruneInterval
		}
		if config.Retention <= 0 {
			config.Retention = def.Retention
		}
		if config.DebounceInterval <= 0 {
			config.DebounceInterval = def.DebounceInterval
		}
		if config.Logger == nil {
			config.Logger = def.Logger
		}
	}

	var watcher *fsnotify.Watcher
	if config.SpoolDir != "" {
		var err error
		watcher, err = fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create watcher: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		store:       store,
		monitor:     monitor,
		queue:       q,
		repo:        rep,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Sweep mutations already sitting in the spool directory
// 2. Start watching for new spool files
// 3. Flush and prune on their intervals
//
// This blocks until ctx is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting sync daemon")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.monitor.Start(d.ctx)
	}()

	if d.watcher != nil {
		if err := os.MkdirAll(d.config.SpoolDir, 0755); err != nil {
			return fmt.Errorf("failed to create spool directory: %w", err)
		}
		if err := d.watcher.Add(d.config.SpoolDir); err != nil {
			return fmt.Errorf("failed to watch spool directory: %w", err)
		}
		d.config.Logger.Printf("Watching spool: %s", d.config.SpoolDir)

		d.sweepSpool()

		d.wg.Add(2)
		go d.watchSpoolEvents()
		go d.processChangeQueue()
	}

	d.wg.Add(2)
	go d.flushLoop()
	go d.pruneLoop()

	// Wait for shutdown
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
	d.config.Logger.Println("Stopping sync daemon")

	d.cancel()

	if d.watcher != nil {
		if err := d.watcher.Close(); err != nil {
			d.config.Logger.Printf("Error closing watcher: %v", err)
		}
	}

	d.wg.Wait()

	d.config.Logger.Println("Sync daemon stopped")
	return nil
}

// ===== Flush Loop =====

// flushLoop drains the queue on an interval. An immediate first pass
// clears any backlog without waiting a full interval.
func (d *Daemon) flushLoop() {
	defer d.wg.Done()

	d.flushOnce()

	ticker := time.NewTicker(d.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.flushOnce()
		}
	}
}

func (d *Daemon) flushOnce() {
	if !d.monitor.IsOnline() {
		return
	}

	res, err := d.queue.TriggerSync(d.ctx, false)
	if err != nil {
		d.config.Logger.Printf("Error flushing queue: %v", err)
		return
	}
	if res.Synced+res.Retried+res.Failed > 0 {
		d.config.Logger.Printf("Flush: %d synced, %d retried, %d failed", res.Synced, res.Retried, res.Failed)
	}
}

// ===== Prune Loop =====

// pruneLoop sweeps acknowledged queue history and tombstones past the
// retention window.
func (d *Daemon) pruneLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.pruneOnce()
		}
	}
}

func (d *Daemon) pruneOnce() {
	ctx, cancel := context.WithTimeout(d.ctx, time.Minute)
	defer cancel()

	ops, err := d.store.PruneSynced(ctx, d.config.Retention)
	if err != nil {
		d.config.Logger.Printf("Error pruning synced history: %v", err)
	}
	tombs, err := d.store.PruneTombstones(ctx, d.config.Retention)
	if err != nil {
		d.config.Logger.Printf("Error pruning tombstones: %v", err)
	}
	if ops+tombs > 0 {
		d.config.Logger.Printf("Pruned %d synced operations, %d tombstones", ops, tombs)
	}
}

// ===== Spool Ingestion =====

// spoolMutation is the one-mutation JSON format producers drop into the
// spool directory. entity_id may be empty for creates; the facade
// generates one.
type spoolMutation struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id,omitempty"`
	Kind       schema.OpKind   `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

func (m *spoolMutation) validate() error {
	if m.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	switch m.Kind {
	case schema.OpCreate:
		// entity_id optional, generated when absent
	case schema.OpUpdate, schema.OpToggle, schema.OpDelete:
		if m.EntityID == "" {
			return fmt.Errorf("entity_id is required for %s", m.Kind)
		}
	default:
		return fmt.Errorf("invalid kind %q", m.Kind)
	}
	if m.Kind != schema.OpDelete && len(m.Payload) == 0 {
		return fmt.Errorf("payload is required for %s", m.Kind)
	}
	return nil
}

// sweepSpool processes files already sitting in the spool directory, so
// mutations dropped while the daemon was down are not lost.
func (d *Daemon) sweepSpool() {
	entries, err := os.ReadDir(d.config.SpoolDir)
	if err != nil {
		d.config.Logger.Printf("Error reading spool directory: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		d.processSpoolFile(filepath.Join(d.config.SpoolDir, entry.Name()))
	}
}

// watchSpoolEvents monitors filesystem events and queues changes.
func (d *Daemon) watchSpoolEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create and Write; our own archive moves
			// show up as renames and must not re-enter the queue.
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}

			if filepath.Ext(event.Name) != ".json" {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			for _, path := range d.takeDueChanges() {
				d.processSpoolFile(path)
			}
		}
	}
}

// takeDueChanges removes and returns paths whose debounce window has
// passed. Processing happens outside the lock so a slow facade write
// never blocks the event goroutine.
func (d *Daemon) takeDueChanges() []string {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	now := time.Now()
	var due []string
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		due = append(due, path)
		delete(d.changeQueue, path)
	}
	return due
}

// processSpoolFile applies one spool mutation through the facade and
// archives the file. Malformed files are renamed aside so they cannot
// wedge the loop; facade failures leave the file in place for the next
// sweep.
func (d *Daemon) processSpoolFile(path string) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return // already archived or removed by the producer
	}
	if err != nil {
		d.config.Logger.Printf("Error reading spool file %s: %v", filepath.Base(path), err)
		return
	}

	var mut spoolMutation
	if err := json.Unmarshal(data, &mut); err != nil {
		d.reject(path, err)
		return
	}
	if err := mut.validate(); err != nil {
		d.reject(path, err)
		return
	}

	if err := d.applyMutation(&mut); err != nil {
		d.config.Logger.Printf("Error applying spool mutation %s: %v", filepath.Base(path), err)
		return
	}

	d.archive(path)
	d.config.Logger.Printf("Spool mutation applied: %s %s/%s", mut.Kind, mut.EntityType, mut.EntityID)
}

func (d *Daemon) applyMutation(mut *spoolMutation) error {
	ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
	defer cancel()

	switch mut.Kind {
	case schema.OpCreate:
		_, err := d.repo.Create(ctx, mut.EntityType, mut.EntityID, mut.Payload)
		return err
	case schema.OpUpdate:
		return d.repo.Update(ctx, mut.EntityType, mut.EntityID, mut.Payload)
	case schema.OpToggle:
		return d.repo.Toggle(ctx, mut.EntityType, mut.EntityID, mut.Payload)
	case schema.OpDelete:
		return d.repo.Delete(ctx, mut.EntityType, mut.EntityID)
	default:
		return fmt.Errorf("invalid kind %q", mut.Kind)
	}
}

// reject renames a bad spool file aside with a .rejected suffix.
func (d *Daemon) reject(path string, cause error) {
	d.config.Logger.Printf("WARNING: rejecting spool file %s: %v", filepath.Base(path), cause)
	if err := os.Rename(path, path+".rejected"); err != nil {
		d.config.Logger.Printf("Error renaming rejected file: %v", err)
	}
}

// archive moves an applied spool file into the archive subdirectory.
func (d *Daemon) archive(path string) {
	archiveDir := filepath.Join(d.config.SpoolDir, "archive")
	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		d.config.Logger.Printf("Error creating archive directory: %v", err)
		return
	}

	target := filepath.Join(archiveDir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		target = filepath.Join(archiveDir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(path)))
	}
	if err := os.Rename(path, target); err != nil {
		d.config.Logger.Printf("Error archiving spool file: %v", err)
	}
}
