package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Johnsonbros/zeke/internal/sync/connectivity"
	"github.com/Johnsonbros/zeke/internal/sync/db"
	"github.com/Johnsonbros/zeke/internal/sync/remote"
	"github.com/Johnsonbros/zeke/internal/sync/schema"
)

// ===== Test Helpers =====

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// testStore creates a temporary store with the schema applied.
func testStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "queue_test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

// onlineMonitor returns a monitor whose cached state is online and whose
// probe always answers online.
func onlineMonitor() connectivity.Monitor {
	m := connectivity.New(connectivity.ProbeFunc(func(ctx context.Context) bool {
		return true
	}), time.Hour, testLogger())
	m.SetOnline(true)
	return m
}

// offlineMonitor returns a monitor whose cached state is offline; probe
// answers are controlled by the given function.
func offlineMonitor(probe func() bool) connectivity.Monitor {
	return connectivity.New(connectivity.ProbeFunc(func(ctx context.Context) bool {
		return probe()
	}), time.Hour, testLogger())
}

// enqueue inserts a pending operation and returns it.
func enqueue(t *testing.T, store *db.DB, entityType, entityID string, maxAttempts int) *schema.PendingOperation {
	t.Helper()
	op := &schema.PendingOperation{
		EntityType: entityType,
		EntityID:   entityID,
		Kind:       schema.OpUpdate,
		Payload:    json.RawMessage(`{"title":"test"}`),
	}
	op.SetDefaults()
	if maxAttempts > 0 {
		op.MaxAttempts = maxAttempts
	}
	if err := store.EnqueueOp(op); err != nil {
		t.Fatalf("EnqueueOp() failed: %v", err)
	}
	return op
}

// fakeClient is a scriptable remote.Client. The respond function decides
// each push's outcome; pushes records every operation id in call order.
type fakeClient struct {
	mu      sync.Mutex
	pushes  []string
	respond func(op *schema.PendingOperation) (*remote.PushResult, error)
}

func (f *fakeClient) PushOperation(ctx context.Context, op *schema.PendingOperation) (*remote.PushResult, error) {
	f.mu.Lock()
	f.pushes = append(f.pushes, op.ID)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.respond(op)
}

func (f *fakeClient) FetchSnapshot(ctx context.Context, since time.Time) ([]*schema.DomainRecord, error) {
	return nil, nil
}

func (f *fakeClient) FetchEntities(ctx context.Context, entityType string) ([]*schema.DomainRecord, error) {
	return nil, nil
}

func (f *fakeClient) Healthz(ctx context.Context) error { return nil }

func (f *fakeClient) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func succeedAll(version int64) func(op *schema.PendingOperation) (*remote.PushResult, error) {
	return func(op *schema.PendingOperation) (*remote.PushResult, error) {
		return &remote.PushResult{Version: version}, nil
	}
}

// testQueue builds a queue with auto-retry disabled so tests control
// every flush explicitly.
func testQueue(store *db.DB, client remote.Client, monitor connectivity.Monitor, opts Options) *Queue {
	opts.DisableAutoRetry = true
	return New(store, client, monitor, opts, testLogger())
}

// ===== Flush Tests =====

// TestTriggerSync_UploadsPending tests that a flush pushes every pending
// operation and stamps acknowledged versions onto local records.
func TestTriggerSync_UploadsPending(t *testing.T) {
	store := testStore(t)
	rec := &schema.DomainRecord{
		EntityType: schema.EntityTask,
		EntityID:   "t1",
		Payload:    json.RawMessage(`{"title":"buy milk"}`),
	}
	rec.SetDefaults()
	if err := store.UpsertRecord(rec); err != nil {
		t.Fatalf("UpsertRecord() failed: %v", err)
	}
	enqueue(t, store, schema.EntityTask, "t1", 0)
	enqueue(t, store, schema.EntityJournal, "j1", 0)

	client := &fakeClient{respond: succeedAll(7)}
	q := testQueue(store, client, onlineMonitor(), Options{})

	res, err := q.TriggerSync(context.Background(), false)
	if err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}
	if res.Synced != 2 {
		t.Errorf("Synced = %d, want 2", res.Synced)
	}
	if res.Skipped {
		t.Error("Skipped = true, want false")
	}

	count, err := store.PendingOpCount()
	if err != nil {
		t.Fatalf("PendingOpCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("PendingOpCount() = %d, want 0", count)
	}

	got, err := store.GetRecord(schema.EntityTask, "t1")
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if got.Version != 7 {
		t.Errorf("record version = %d, want 7", got.Version)
	}

	last, err := store.GetMeta(context.Background(), MetaLastSync)
	if err != nil {
		t.Fatalf("GetMeta(%q) failed: %v", MetaLastSync, err)
	}
	if last == "" {
		t.Error("last sync time not recorded")
	}
}

// TestTriggerSync_SkipsWhenOffline tests that a flush against a
// known-offline backend does nothing.
func TestTriggerSync_SkipsWhenOffline(t *testing.T) {
	store := testStore(t)
	enqueue(t, store, schema.EntityTask, "t1", 0)

	client := &fakeClient{respond: succeedAll(1)}
	q := testQueue(store, client, offlineMonitor(func() bool { return false }), Options{})

	res, err := q.TriggerSync(context.Background(), false)
	if err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}
	if !res.Skipped {
		t.Error("Skipped = false, want true")
	}
	if client.pushCount() != 0 {
		t.Errorf("pushes = %d, want 0", client.pushCount())
	}
}

// TestTriggerSync_ForceProbesFirst tests that force overrides a stale
// offline cache with a fresh probe.
func TestTriggerSync_ForceProbesFirst(t *testing.T) {
	store := testStore(t)
	enqueue(t, store, schema.EntityTask, "t1", 0)

	client := &fakeClient{respond: succeedAll(1)}
	q := testQueue(store, client, offlineMonitor(func() bool { return true }), Options{})

	res, err := q.TriggerSync(context.Background(), true)
	if err != nil {
		t.Fatalf("TriggerSync(force) failed: %v", err)
	}
	if res.Skipped {
		t.Error("Skipped = true, want false")
	}
	if res.Synced != 1 {
		t.Errorf("Synced = %d, want 1", res.Synced)
	}
}

// TestTriggerSync_ForceResetsFailed tests that a forced sync gives parked
// operations a fresh budget before flushing.
func TestTriggerSync_ForceResetsFailed(t *testing.T) {
	store := testStore(t)
	op := enqueue(t, store, schema.EntityTask, "t1", 5)

	var calls int
	client := &fakeClient{respond: func(op *schema.PendingOperation) (*remote.PushResult, error) {
		calls++
		if calls == 1 {
			return nil, &remote.Error{Status: 400, Message: "rejected"}
		}
		return &remote.PushResult{Version: 2}, nil
	}}
	q := testQueue(store, client, onlineMonitor(), Options{})

	if _, err := q.TriggerSync(context.Background(), false); err != nil {
		t.Fatalf("first flush failed: %v", err)
	}
	got, err := store.GetOp(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetOp() failed: %v", err)
	}
	if got.Status != schema.StatusFailed {
		t.Fatalf("status = %q, want %q before forced sync", got.Status, schema.StatusFailed)
	}

	res, err := q.TriggerSync(context.Background(), true)
	if err != nil {
		t.Fatalf("TriggerSync(force) failed: %v", err)
	}
	if res.Synced != 1 {
		t.Errorf("Synced = %d, want 1", res.Synced)
	}

	got, err = store.GetOp(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetOp() failed: %v", err)
	}
	if got.Status != schema.StatusSynced {
		t.Errorf("status = %q, want %q after forced sync", got.Status, schema.StatusSynced)
	}
}

// TestTriggerSync_RetryThenSucceed tests the full retry arc: two server
// errors count two attempts, then the third flush succeeds within a
// three-attempt budget.
func TestTriggerSync_RetryThenSucceed(t *testing.T) {
	store := testStore(t)
	op := enqueue(t, store, schema.EntityTask, "t1", 3)

	var calls int
	client := &fakeClient{respond: func(op *schema.PendingOperation) (*remote.PushResult, error) {
		calls++
		if calls <= 2 {
			return nil, &remote.Error{Status: 500, Message: "boom"}
		}
		return &remote.PushResult{Version: 3}, nil
	}}
	q := testQueue(store, client, onlineMonitor(), Options{BackoffBase: 5 * time.Millisecond})

	for flush := 1; flush <= 2; flush++ {
		res, err := q.TriggerSync(context.Background(), false)
		if err != nil {
			t.Fatalf("flush %d failed: %v", flush, err)
		}
		if res.Retried != 1 {
			t.Errorf("flush %d: Retried = %d, want 1", flush, res.Retried)
		}
		got, err := store.GetOp(context.Background(), op.ID)
		if err != nil {
			t.Fatalf("GetOp() failed: %v", err)
		}
		if got.Attempts != flush {
			t.Errorf("flush %d: attempts = %d, want %d", flush, got.Attempts, flush)
		}
		if got.Status != schema.StatusPending {
			t.Errorf("flush %d: status = %q, want %q", flush, got.Status, schema.StatusPending)
		}
		// Wait out the backoff gate before the next flush
		time.Sleep(25 * time.Millisecond)
	}

	res, err := q.TriggerSync(context.Background(), false)
	if err != nil {
		t.Fatalf("final flush failed: %v", err)
	}
	if res.Synced != 1 {
		t.Errorf("final flush: Synced = %d, want 1", res.Synced)
	}

	got, err := store.GetOp(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetOp() failed: %v", err)
	}
	if got.Status != schema.StatusSynced {
		t.Errorf("final status = %q, want %q", got.Status, schema.StatusSynced)
	}
	if got.Attempts != 3 {
		t.Errorf("final attempts = %d, want 3", got.Attempts)
	}
}

// TestTriggerSync_TerminalParksImmediately tests that a 4xx rejection
// parks the operation as failed after a single attempt.
func TestTriggerSync_TerminalParksImmediately(t *testing.T) {
	store := testStore(t)
	op := enqueue(t, store, schema.EntityTask, "t1", 5)

	client := &fakeClient{respond: func(op *schema.PendingOperation) (*remote.PushResult, error) {
		return nil, &remote.Error{Status: 400, Message: "malformed payload"}
	}}
	q := testQueue(store, client, onlineMonitor(), Options{})

	res, err := q.TriggerSync(context.Background(), false)
	if err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
	if res.Retried != 0 {
		t.Errorf("Retried = %d, want 0", res.Retried)
	}

	got, err := store.GetOp(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetOp() failed: %v", err)
	}
	if got.Status != schema.StatusFailed {
		t.Errorf("status = %q, want %q", got.Status, schema.StatusFailed)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError == "" {
		t.Error("last error not recorded")
	}

	// A later flush must not pick it up again
	if _, err := q.TriggerSync(context.Background(), false); err != nil {
		t.Fatalf("second TriggerSync() failed: %v", err)
	}
	if client.pushCount() != 1 {
		t.Errorf("pushes = %d, want 1", client.pushCount())
	}
}

// TestTriggerSync_ExhaustsBudget tests that repeated retriable failures
// park the operation once the attempt budget runs out.
func TestTriggerSync_ExhaustsBudget(t *testing.T) {
	store := testStore(t)
	op := enqueue(t, store, schema.EntityTask, "t1", 2)

	client := &fakeClient{respond: func(op *schema.PendingOperation) (*remote.PushResult, error) {
		return nil, &remote.Error{Status: 503, Message: "unavailable"}
	}}
	q := testQueue(store, client, onlineMonitor(), Options{BackoffBase: time.Millisecond})

	res, err := q.TriggerSync(context.Background(), false)
	if err != nil {
		t.Fatalf("first flush failed: %v", err)
	}
	if res.Retried != 1 {
		t.Errorf("first flush: Retried = %d, want 1", res.Retried)
	}

	time.Sleep(10 * time.Millisecond)

	res, err = q.TriggerSync(context.Background(), false)
	if err != nil {
		t.Fatalf("second flush failed: %v", err)
	}
	if res.Failed != 1 {
		t.Errorf("second flush: Failed = %d, want 1", res.Failed)
	}

	got, err := store.GetOp(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetOp() failed: %v", err)
	}
	if got.Status != schema.StatusFailed {
		t.Errorf("status = %q, want %q", got.Status, schema.StatusFailed)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
}

// TestTriggerSync_BackoffGateHolds tests that a retriable failure keeps
// the operation out of reach until its gate opens.
func TestTriggerSync_BackoffGateHolds(t *testing.T) {
	store := testStore(t)
	enqueue(t, store, schema.EntityTask, "t1", 5)

	client := &fakeClient{respond: func(op *schema.PendingOperation) (*remote.PushResult, error) {
		return nil, &remote.Error{Status: 502, Message: "bad gateway"}
	}}
	q := testQueue(store, client, onlineMonitor(), Options{BackoffBase: time.Hour})

	if _, err := q.TriggerSync(context.Background(), false); err != nil {
		t.Fatalf("first flush failed: %v", err)
	}
	res, err := q.TriggerSync(context.Background(), false)
	if err != nil {
		t.Fatalf("second flush failed: %v", err)
	}
	if res.Synced != 0 || res.Retried != 0 || res.Failed != 0 {
		t.Errorf("gated op was claimed: %+v", res)
	}
	if client.pushCount() != 1 {
		t.Errorf("pushes = %d, want 1", client.pushCount())
	}
}

// TestTriggerSync_OfflineAbortsFlush tests that a transport failure flips
// the monitor offline and stops the pass without burning the rest of the
// queue's attempt budgets.
func TestTriggerSync_OfflineAbortsFlush(t *testing.T) {
	store := testStore(t)
	enqueue(t, store, schema.EntityTask, "t1", 5)
	enqueue(t, store, schema.EntityTask, "t2", 5)
	enqueue(t, store, schema.EntityTask, "t3", 5)

	client := &fakeClient{respond: func(op *schema.PendingOperation) (*remote.PushResult, error) {
		return nil, remote.ErrOffline
	}}
	monitor := onlineMonitor()
	q := testQueue(store, client, monitor, Options{BatchSize: 1, Concurrency: 1})

	res, err := q.TriggerSync(context.Background(), false)
	if err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}
	if client.pushCount() != 1 {
		t.Errorf("pushes = %d, want 1", client.pushCount())
	}
	if res.Retried != 1 {
		t.Errorf("Retried = %d, want 1", res.Retried)
	}
	if monitor.IsOnline() {
		t.Error("monitor still online after transport failure")
	}

	ops, err := store.ListOps(context.Background(), schema.StatusPending)
	if err != nil {
		t.Fatalf("ListOps() failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("pending ops = %d, want 3", len(ops))
	}
	// Only the pushed operation burned an attempt
	var touched int
	for _, op := range ops {
		if op.Attempts > 0 {
			touched++
		}
	}
	if touched != 1 {
		t.Errorf("ops with attempts = %d, want 1", touched)
	}
}

// TestTriggerSync_CancellationReleases tests that operations in flight
// when the context dies return to pending with attempts unchanged.
func TestTriggerSync_CancellationReleases(t *testing.T) {
	store := testStore(t)
	op := enqueue(t, store, schema.EntityTask, "t1", 5)

	started := make(chan struct{})
	client := &fakeClient{respond: nil}
	client.respond = func(op *schema.PendingOperation) (*remote.PushResult, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil, context.Canceled
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := testQueue(store, client, onlineMonitor(), Options{})

	done := make(chan *FlushResult, 1)
	go func() {
		res, err := q.TriggerSync(ctx, false)
		if err != nil {
			t.Errorf("TriggerSync() failed: %v", err)
		}
		done <- res
	}()

	<-started
	cancel()

	select {
	case res := <-done:
		if res.Released != 1 {
			t.Errorf("Released = %d, want 1", res.Released)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flush did not finish after cancellation")
	}

	got, err := store.GetOp(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetOp() failed: %v", err)
	}
	if got.Status != schema.StatusPending {
		t.Errorf("status = %q, want %q", got.Status, schema.StatusPending)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}
}

// TestTriggerSync_SingleFlight tests that concurrent triggers share one
// flush instead of racing the queue.
func TestTriggerSync_SingleFlight(t *testing.T) {
	store := testStore(t)
	enqueue(t, store, schema.EntityTask, "t1", 0)

	release := make(chan struct{})
	client := &fakeClient{respond: func(op *schema.PendingOperation) (*remote.PushResult, error) {
		<-release
		return &remote.PushResult{Version: 1}, nil
	}}
	q := testQueue(store, client, onlineMonitor(), Options{})

	results := make(chan *FlushResult, 2)
	for i := 0; i < 2; i++ {
		go func() {
			res, err := q.TriggerSync(context.Background(), false)
			if err != nil {
				t.Errorf("TriggerSync() failed: %v", err)
			}
			results <- res
		}()
	}

	// Give both goroutines time to join the same flight
	time.Sleep(50 * time.Millisecond)
	if !q.IsSyncing() {
		t.Error("IsSyncing() = false during flush")
	}
	close(release)

	first := <-results
	second := <-results
	if first != second {
		t.Error("concurrent triggers did not share one flush result")
	}
	if client.pushCount() != 1 {
		t.Errorf("pushes = %d, want 1", client.pushCount())
	}
	if q.IsSyncing() {
		t.Error("IsSyncing() = true after flush")
	}
}

// TestTriggerSync_DrainsMultipleBatches tests that a flush keeps claiming
// until the ready set is empty.
func TestTriggerSync_DrainsMultipleBatches(t *testing.T) {
	store := testStore(t)
	for i := 0; i < 5; i++ {
		enqueue(t, store, schema.EntityTask, string(rune('a'+i)), 0)
	}

	client := &fakeClient{respond: succeedAll(1)}
	q := testQueue(store, client, onlineMonitor(), Options{BatchSize: 2})

	res, err := q.TriggerSync(context.Background(), false)
	if err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}
	if res.Synced != 5 {
		t.Errorf("Synced = %d, want 5", res.Synced)
	}
}

// TestTriggerSync_Replay tests that an idempotent replay counts as a
// normal success.
func TestTriggerSync_Replay(t *testing.T) {
	store := testStore(t)
	enqueue(t, store, schema.EntityTask, "t1", 0)

	client := &fakeClient{respond: func(op *schema.PendingOperation) (*remote.PushResult, error) {
		return &remote.PushResult{Version: 4, Replayed: true}, nil
	}}
	q := testQueue(store, client, onlineMonitor(), Options{})

	res, err := q.TriggerSync(context.Background(), false)
	if err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}
	if res.Synced != 1 {
		t.Errorf("Synced = %d, want 1", res.Synced)
	}
}

// ===== Retry Tests =====

// TestRetryFailed tests that a parked operation re-queues with a fresh
// budget.
func TestRetryFailed(t *testing.T) {
	store := testStore(t)
	op := enqueue(t, store, schema.EntityTask, "t1", 5)

	client := &fakeClient{respond: func(op *schema.PendingOperation) (*remote.PushResult, error) {
		return nil, &remote.Error{Status: 422, Message: "rejected"}
	}}
	q := testQueue(store, client, onlineMonitor(), Options{})

	if _, err := q.TriggerSync(context.Background(), false); err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}
	if err := q.RetryFailed(context.Background(), op.ID); err != nil {
		t.Fatalf("RetryFailed() failed: %v", err)
	}

	got, err := store.GetOp(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetOp() failed: %v", err)
	}
	if got.Status != schema.StatusPending {
		t.Errorf("status = %q, want %q", got.Status, schema.StatusPending)
	}
	if got.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", got.Attempts)
	}
}

// TestRetryFailed_NotFound tests the unknown-id error.
func TestRetryFailed_NotFound(t *testing.T) {
	store := testStore(t)
	client := &fakeClient{respond: succeedAll(1)}
	q := testQueue(store, client, onlineMonitor(), Options{})

	err := q.RetryFailed(context.Background(), "no-such-op")
	if !errors.Is(err, db.ErrNotFound) {
		t.Errorf("RetryFailed() err = %v, want ErrNotFound", err)
	}
}

// TestRetryAllFailed tests bulk re-queueing of parked operations.
func TestRetryAllFailed(t *testing.T) {
	store := testStore(t)
	enqueue(t, store, schema.EntityTask, "t1", 5)
	enqueue(t, store, schema.EntityTask, "t2", 5)

	client := &fakeClient{respond: func(op *schema.PendingOperation) (*remote.PushResult, error) {
		return nil, &remote.Error{Status: 400, Message: "rejected"}
	}}
	q := testQueue(store, client, onlineMonitor(), Options{})

	if _, err := q.TriggerSync(context.Background(), false); err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}
	n, err := q.RetryAllFailed(context.Background())
	if err != nil {
		t.Fatalf("RetryAllFailed() failed: %v", err)
	}
	if n != 2 {
		t.Errorf("RetryAllFailed() = %d, want 2", n)
	}

	count, err := store.PendingOpCount()
	if err != nil {
		t.Fatalf("PendingOpCount() failed: %v", err)
	}
	if count != 2 {
		t.Errorf("PendingOpCount() = %d, want 2", count)
	}
}

// ===== Backoff Tests =====

// TestBackoffDelay tests the doubling schedule and its cap.
func TestBackoffDelay(t *testing.T) {
	q := New(nil, nil, nil, Options{}, testLogger())

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 32 * time.Second},
		{7, 60 * time.Second},
		{8, 60 * time.Second},
		{100, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := q.backoffDelay(tt.attempts); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

// TestAutoRetrySchedules tests that the queue re-triggers itself once the
// earliest backoff gate opens.
func TestAutoRetrySchedules(t *testing.T) {
	store := testStore(t)
	op := enqueue(t, store, schema.EntityTask, "t1", 5)

	var calls int
	var mu sync.Mutex
	client := &fakeClient{respond: func(op *schema.PendingOperation) (*remote.PushResult, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, &remote.Error{Status: 500, Message: "boom"}
		}
		return &remote.PushResult{Version: 2}, nil
	}}
	q := New(store, client, onlineMonitor(), Options{BackoffBase: 10 * time.Millisecond}, testLogger())
	defer q.Close()

	if _, err := q.TriggerSync(context.Background(), false); err != nil {
		t.Fatalf("TriggerSync() failed: %v", err)
	}

	// The scheduled retry should drain the queue without another trigger
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetOp(context.Background(), op.ID)
		if err != nil {
			t.Fatalf("GetOp() failed: %v", err)
		}
		if got.Status == schema.StatusSynced {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("scheduled retry never drained the queue")
}
