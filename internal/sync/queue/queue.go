// Package queue drives uploads of pending operations to the Zeke backend.
//
// # Overview
//
// The queue is the push half of the sync engine. A flush claims pending
// operations from the durable store in FIFO order, uploads each to the
// backend, and records the outcome: acknowledged operations leave the
// queue, retriable failures come back gated by exponential backoff, and
// terminal rejections park as failed until someone retries them by hand.
//
// # Single Flight
//
// At most one flush runs at a time. Concurrent TriggerSync calls join the
// in-flight flush and share its result instead of starting another; a
// burst of local edits produces one upload pass, not one per edit.
//
// # Ordering
//
// Operations are claimed oldest first. Uploads within a flush run on a
// bounded worker pool, which can reorder completions across entities; the
// store guarantees at most one operation per entity, so per-entity order
// (the order that matters) is preserved.
//
// # Failure Handling
//
//   - Retriable (5xx, 429, timeouts, transport): the attempt is counted
//     and the operation re-queues behind a backoff gate that doubles per
//     attempt (1s, 2s, 4s ... capped). The queue re-triggers itself when
//     the earliest gate opens.
//   - Terminal (other 4xx): the operation parks as failed on the first
//     rejection. Retrying cannot help; the payload itself was refused.
//   - Cancellation: operations in flight when the context dies return to
//     pending with their attempt budget untouched.
//   - Offline: a transport-level failure flips the connectivity monitor
//     offline and aborts the rest of the flush. The next transition back
//     online is the natural retrigger.
package queue

import (
	"context"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Johnsonbros/zeke/internal/sync/connectivity"
	"github.com/Johnsonbros/zeke/internal/sync/db"
	"github.com/Johnsonbros/zeke/internal/sync/remote"
	"github.com/Johnsonbros/zeke/internal/sync/schema"
)

// MetaLastSync is the store meta key holding the completion time of the
// most recent flush that ran against a reachable backend.
const MetaLastSync = "last_sync_time"

// Defaults for Options fields left zero.
const (
	DefaultBatchSize   = 50
	DefaultConcurrency = 4
	DefaultBackoffBase = 1 * time.Second
	DefaultBackoffCap  = 60 * time.Second
)

// Options configures a Queue.
type Options struct {
	// BatchSize is how many operations one claim round takes (default 50).
	BatchSize int
	// Concurrency bounds parallel uploads within a flush (default 4).
	Concurrency int
	// BackoffBase is the gate after the first retriable failure (default 1s).
	BackoffBase time.Duration
	// BackoffCap bounds the backoff growth (default 60s).
	BackoffCap time.Duration
	// DisableAutoRetry stops the queue from re-triggering itself when a
	// backoff gate opens. Embedders with their own sync cadence set this.
	DisableAutoRetry bool
}

// FlushResult summarizes one flush pass.
type FlushResult struct {
	// Skipped is true when the flush did not run because the backend
	// was unreachable.
	Skipped bool
	// Synced counts operations acknowledged by the backend.
	Synced int
	// Retried counts retriable failures re-queued behind a backoff gate.
	Retried int
	// Failed counts operations parked as failed (terminal rejection or
	// exhausted budget).
	Failed int
	// Released counts in-flight operations returned to pending by
	// cancellation.
	Released int
	// NextRetryIn is the shortest backoff gate assigned during the
	// flush, zero when nothing was retried.
	NextRetryIn time.Duration
}

// Queue flushes pending operations to the backend.
type Queue struct {
	store   *db.DB
	client  remote.Client
	monitor connectivity.Monitor
	logger  *log.Logger

	batchSize   int
	concurrency int
	backoffBase time.Duration
	backoffCap  time.Duration
	autoRetry   bool

	group   singleflight.Group
	syncing atomic.Bool

	mu         sync.Mutex
	retryTimer *time.Timer
	closed     bool
}

// New creates a Queue over the given store, backend client, and
// connectivity monitor.
//
// If logger is nil, a default logger writing to stderr is used.
func New(store *db.DB, client remote.Client, monitor connectivity.Monitor, opts Options, logger *log.Logger) *Queue {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = DefaultBackoffBase
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = DefaultBackoffCap
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &Queue{
		store:       store,
		client:      client,
		monitor:     monitor,
		logger:      logger,
		batchSize:   opts.BatchSize,
		concurrency: opts.Concurrency,
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
		autoRetry:   !opts.DisableAutoRetry,
	}
}

// TriggerSync requests a flush of the pending queue.
//
// When the cached connectivity state is offline the flush is skipped
// unless force is true, which probes the backend first and proceeds on a
// fresh answer. A call made while a flush is already running joins it and
// returns that flush's result.
func (q *Queue) TriggerSync(ctx context.Context, force bool) (*FlushResult, error) {
	v, err, _ := q.group.Do("flush", func() (interface{}, error) {
		q.syncing.Store(true)
		defer q.syncing.Store(false)
		return q.flush(ctx, force)
	})
	if err != nil {
		return nil, err
	}
	return v.(*FlushResult), nil
}

// IsSyncing reports whether a flush is currently running.
func (q *Queue) IsSyncing() bool {
	return q.syncing.Load()
}

// RetryFailed re-queues a parked operation with a fresh attempt budget.
// Returns db.ErrNotFound if no operation with the id exists. The caller
// decides when to trigger the next flush.
func (q *Queue) RetryFailed(ctx context.Context, opID string) error {
	if err := q.store.ResetOpForRetryContext(ctx, opID); err != nil {
		return err
	}
	q.logger.Printf("Operation %s re-queued for retry", opID)
	return nil
}

// RetryAllFailed re-queues every parked operation. Returns the number
// re-queued.
func (q *Queue) RetryAllFailed(ctx context.Context) (int, error) {
	n, err := q.store.ResetAllFailed(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.logger.Printf("%d failed operations re-queued for retry", n)
	}
	return n, nil
}

// Close stops the internal retry timer. Safe to call more than once.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
}

// flush runs one upload pass. Bookkeeping writes use the background
// context so outcomes persist even when the flush context dies mid-pass.
func (q *Queue) flush(ctx context.Context, force bool) (*FlushResult, error) {
	online := q.monitor.IsOnline()
	if force {
		// A forced sync is the user insisting: re-queue parked
		// operations and probe instead of trusting the cache.
		if n, err := q.store.ResetAllFailed(ctx); err != nil {
			q.logger.Printf("WARNING: failed to re-queue parked operations: %v", err)
		} else if n > 0 {
			q.logger.Printf("%d failed operations re-queued by forced sync", n)
		}
		online = q.monitor.Refresh(ctx)
	}
	res := &FlushResult{}
	if !online {
		q.logger.Printf("Flush skipped: backend offline")
		res.Skipped = true
		return res, nil
	}

	for {
		ops, err := q.store.DequeueReadyContext(ctx, q.batchSize)
		if err != nil {
			return res, err
		}
		if len(ops) == 0 {
			break
		}

		var (
			mu      sync.Mutex
			offline bool
		)
		g := new(errgroup.Group)
		g.SetLimit(q.concurrency)
		for _, op := range ops {
			op := op
			g.Go(func() error {
				q.uploadOne(ctx, op, res, &mu, &offline)
				return nil
			})
		}
		_ = g.Wait()

		if offline || ctx.Err() != nil {
			break
		}
		if len(ops) < q.batchSize {
			break
		}
	}

	if res.Synced > 0 || res.Retried > 0 || res.Failed > 0 || res.Released > 0 {
		q.logger.Printf("Flush complete: synced=%d retried=%d failed=%d released=%d",
			res.Synced, res.Retried, res.Failed, res.Released)
	}

	// Stamp completion unless the pass was aborted
	if ctx.Err() == nil && q.monitor.IsOnline() {
		now := time.Now().UTC().Format(time.RFC3339)
		if err := q.store.SetMeta(context.Background(), MetaLastSync, now); err != nil {
			q.logger.Printf("WARNING: failed to record last sync time: %v", err)
		}
	}

	if q.autoRetry && res.Retried > 0 && res.NextRetryIn > 0 {
		q.scheduleRetry(res.NextRetryIn)
	}

	return res, nil
}

// uploadOne pushes a single operation and records the outcome.
func (q *Queue) uploadOne(ctx context.Context, op *schema.PendingOperation, res *FlushResult, mu *sync.Mutex, offline *bool) {
	result, err := q.client.PushOperation(ctx, op)
	if err == nil {
		if merr := q.store.MarkOpSyncedContext(context.Background(), op.ID); merr != nil {
			q.logger.Printf("WARNING: failed to record sync of %s: %v", op.ID, merr)
		}
		if result.Version > 0 {
			if verr := q.store.SetRecordVersion(context.Background(), op.EntityType, op.EntityID, result.Version); verr != nil {
				q.logger.Printf("WARNING: failed to record version for %s/%s: %v", op.EntityType, op.EntityID, verr)
			}
		}
		mu.Lock()
		res.Synced++
		mu.Unlock()
		return
	}

	// A dead flush context means cancellation, not a verdict from the
	// backend. The operation returns to pending with its budget intact.
	if ctx.Err() != nil {
		if rerr := q.store.ReleaseOpContext(context.Background(), op.ID); rerr != nil {
			q.logger.Printf("WARNING: failed to release %s after cancellation: %v", op.ID, rerr)
		}
		mu.Lock()
		res.Released++
		mu.Unlock()
		return
	}

	if remote.IsTerminal(err) {
		if merr := q.store.MarkOpFailedContext(context.Background(), op.ID, err.Error(), true, 0); merr != nil {
			q.logger.Printf("WARNING: failed to park %s: %v", op.ID, merr)
		}
		q.logger.Printf("WARNING: operation %s rejected by backend: %v", op.ID, err)
		mu.Lock()
		res.Failed++
		mu.Unlock()
		return
	}

	// Retriable, including anything unclassified
	delay := q.backoffDelay(op.Attempts + 1)
	if merr := q.store.MarkOpFailedContext(context.Background(), op.ID, err.Error(), false, delay); merr != nil {
		q.logger.Printf("WARNING: failed to re-queue %s: %v", op.ID, merr)
	}

	mu.Lock()
	if op.Attempts+1 >= op.MaxAttempts {
		res.Failed++
		q.logger.Printf("WARNING: operation %s exhausted %d attempts: %v", op.ID, op.MaxAttempts, err)
	} else {
		res.Retried++
		if res.NextRetryIn == 0 || delay < res.NextRetryIn {
			res.NextRetryIn = delay
		}
	}
	mu.Unlock()

	if remote.IsOffline(err) {
		q.monitor.SetOnline(false)
		mu.Lock()
		*offline = true
		mu.Unlock()
	}
}

// backoffDelay computes the gate before retry number attempts:
// base, base*2, base*4 ... capped.
func (q *Queue) backoffDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := q.backoffBase << uint(attempts-1)
	if d <= 0 || d > q.backoffCap {
		d = q.backoffCap
	}
	return d
}

// scheduleRetry arms a one-shot trigger for when the earliest backoff
// gate opens. A newer schedule replaces an older one.
func (q *Queue) scheduleRetry(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if q.retryTimer != nil {
		q.retryTimer.Stop()
	}
	q.retryTimer = time.AfterFunc(d, func() {
		if _, err := q.TriggerSync(context.Background(), false); err != nil {
			q.logger.Printf("WARNING: scheduled retry flush failed: %v", err)
		}
	})
}
