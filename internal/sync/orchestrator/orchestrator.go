// Package orchestrator composes the sync engine's parts into one seam.
//
// The engine holds the store, the connectivity monitor, the flush queue,
// the repository facade, and the realtime channel, constructed once at
// process start and passed by injection. It answers "is everything
// synced" (Status), exposes the manual actions (SyncNow,
// ImportFromBackend, RetryFailed, DiscardFailed), and wires the two
// reactive paths: a flush when connectivity returns, and a facade
// refresh when an invalidation arrives.
//
// Lifecycle is explicit: nothing listens until Start, and Stop detaches
// everything Start attached.
package orchestrator

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/Johnsonbros/zeke/internal/sync/connectivity"
	"github.com/Johnsonbros/zeke/internal/sync/db"
	"github.com/Johnsonbros/zeke/internal/sync/queue"
	"github.com/Johnsonbros/zeke/internal/sync/realtime"
	"github.com/Johnsonbros/zeke/internal/sync/remote"
	"github.com/Johnsonbros/zeke/internal/sync/repo"
	"github.com/Johnsonbros/zeke/internal/sync/schema"
)

// refreshTimeout bounds one invalidation-driven area refresh.
const refreshTimeout = 30 * time.Second

// SyncStatus is the engine's posture, derived on demand. Nothing here is
// stored; every field is recomputed from the queue, the meta table, and
// the monitor at call time.
type SyncStatus struct {
	// PendingChanges counts operations still awaiting sync
	// (pending + syncing). Parked failures are not included.
	PendingChanges int `json:"pending_changes"`

	// LastSyncTime is when a flush last finished against a reachable
	// backend. Nil means never synced.
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`

	// IsOnline is the monitor's cached reachability.
	IsOnline bool `json:"is_online"`

	// IsSyncing reports whether a flush is in flight right now.
	IsSyncing bool `json:"is_syncing"`
}

// Config carries the engine's collaborators and tuning.
type Config struct {
	// Store is the local durable store. Required.
	Store *db.DB

	// Monitor reports backend reachability. Required.
	Monitor connectivity.Monitor

	// Queue flushes pending operations. Required.
	Queue *queue.Queue

	// Repo is the facade invalidations refresh through. Required.
	Repo repo.Repository

	// Client fetches backend snapshots for imports. Required.
	Client remote.Client

	// ChannelURL is the realtime invalidation endpoint (ws:// or
	// wss://). Empty runs the engine without a live channel; pulls and
	// the flush cadence carry everything.
	ChannelURL string

	// ChannelOptions tunes the channel's reconnect policy.
	ChannelOptions realtime.Options

	// Logger for engine activity. Nil defaults to stderr.
	Logger *log.Logger
}

// Engine is the composed sync engine.
type Engine struct {
	store   *db.DB
	monitor connectivity.Monitor
	queue   *queue.Queue
	repo    repo.Repository
	client  remote.Client
	logger  *log.Logger

	channelURL  string
	channelOpts realtime.Options

	mu          sync.Mutex
	started     bool
	channel     *realtime.Listener
	unsubscribe func()
}

// New validates the configuration and builds an engine. The engine is
// passive until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.Monitor == nil {
		return nil, fmt.Errorf("monitor cannot be nil")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if cfg.Repo == nil {
		return nil, fmt.Errorf("repo cannot be nil")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("client cannot be nil")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:       cfg.Store,
		monitor:     cfg.Monitor,
		queue:       cfg.Queue,
		repo:        cfg.Repo,
		client:      cfg.Client,
		channelURL:  cfg.ChannelURL,
		channelOpts: cfg.ChannelOptions,
		logger:      logger,
	}, nil
}

// ===== Lifecycle =====

// Start attaches the reactive paths: an edge-triggered flush when the
// monitor flips online, and the realtime channel when one is configured.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}

	e.unsubscribe = e.monitor.OnChange(func(online bool) {
		if !online {
			return
		}
		e.logger.Println("Connectivity restored, flushing queue")
		if _, err := e.queue.TriggerSync(context.Background(), false); err != nil {
			e.logger.Printf("WARNING: resume flush failed: %v", err)
		}
	})

	if e.channelURL != "" {
		e.channel = realtime.New(e.channelURL, e.handleInvalidation, e.monitor, e.channelOpts, e.logger)
		e.channel.Start()
	}

	e.started = true
	return nil
}

// Stop detaches everything Start attached. Safe to call when not started.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	if e.unsubscribe != nil {
		e.unsubscribe()
		e.unsubscribe = nil
	}
	if e.channel != nil {
		e.channel.Stop()
		e.channel = nil
	}
	e.started = false
}

// ===== Status =====

// Status derives the current sync posture.
func (e *Engine) Status(ctx context.Context) (*SyncStatus, error) {
	pending, err := e.store.PendingOpCountContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending operations: %w", err)
	}

	st := &SyncStatus{
		PendingChanges: pending,
		IsOnline:       e.monitor.IsOnline(),
		IsSyncing:      e.queue.IsSyncing(),
	}

	raw, err := e.store.GetMeta(ctx, queue.MetaLastSync)
	switch {
	case db.IsNotFound(err):
		// never synced
	case err != nil:
		return nil, err
	default:
		t, perr := time.Parse(time.RFC3339, raw)
		if perr != nil {
			return nil, fmt.Errorf("corrupt %s value %q: %w", queue.MetaLastSync, raw, perr)
		}
		st.LastSyncTime = &t
	}
	return st, nil
}

// ChannelStatus reports the invalidation channel state for diagnostic
// surfaces. An engine running without a channel reports disconnected.
func (e *Engine) ChannelStatus() realtime.State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channel == nil {
		return realtime.StateDisconnected
	}
	return e.channel.Status()
}

// FailedOps lists parked operations awaiting manual intervention.
func (e *Engine) FailedOps(ctx context.Context) ([]*schema.PendingOperation, error) {
	return e.store.ListOps(ctx, schema.StatusFailed)
}

// ===== Manual Actions =====

// SyncNow forces a flush: parked failures are re-queued with fresh
// budgets and connectivity is probed rather than trusted from cache.
func (e *Engine) SyncNow(ctx context.Context) (*queue.FlushResult, error) {
	return e.queue.TriggerSync(ctx, true)
}

// RetryFailed re-queues one parked operation and flushes so the caller
// sees the outcome.
func (e *Engine) RetryFailed(ctx context.Context, opID string) (*queue.FlushResult, error) {
	if err := e.queue.RetryFailed(ctx, opID); err != nil {
		return nil, err
	}
	return e.queue.TriggerSync(ctx, false)
}

// DiscardFailed drops a parked operation without syncing it. The local
// record keeps whatever state the abandoned edit left behind.
func (e *Engine) DiscardFailed(ctx context.Context, opID string) error {
	return e.store.DiscardOp(ctx, opID)
}

// ImportFromBackend pulls the backend's full current state into the
// local store, for first-run population or disaster recovery. Records
// merge under their own versioning and the mutation queue is never
// touched, so offline work survives the import. Returns how many
// records were applied.
func (e *Engine) ImportFromBackend(ctx context.Context) (int, error) {
	recs, err := e.client.FetchSnapshot(ctx, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	applied, err := e.store.ApplySnapshot(ctx, recs)
	if err != nil {
		return 0, fmt.Errorf("failed to apply snapshot: %w", err)
	}
	e.logger.Printf("Imported %d of %d records from backend", applied, len(recs))
	return applied, nil
}

// ===== Invalidation =====

// handleInvalidation runs on the channel's read goroutine, so the
// refresh itself moves to a fresh goroutine and the channel keeps
// reading. The channel only hints; the fetch is the truth.
func (e *Engine) handleInvalidation(area realtime.Area, msg realtime.Message) {
	e.logger.Printf("Invalidation: %s %s", msg.Type, msg.Action)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		if err := e.repo.RefreshArea(ctx, area); err != nil {
			e.logger.Printf("WARNING: failed to refresh %s after invalidation: %v", area, err)
		}
	}()
}
