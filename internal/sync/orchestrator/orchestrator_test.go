package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/Johnsonbros/zeke/internal/sync/connectivity"
	"github.com/Johnsonbros/zeke/internal/sync/db"
	"github.com/Johnsonbros/zeke/internal/sync/queue"
	"github.com/Johnsonbros/zeke/internal/sync/realtime"
	"github.com/Johnsonbros/zeke/internal/sync/remote"
	"github.com/Johnsonbros/zeke/internal/sync/repo"
	"github.com/Johnsonbros/zeke/internal/sync/schema"
)

// ===== Test Helpers =====

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "engine_test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return store
}

// fakeBackend serves as both the queue's push target and the engine's
// snapshot source. The respond function decides each push's outcome;
// nil means success with version 1.
type fakeBackend struct {
	mu       sync.Mutex
	pushes   int
	respond  func(op *schema.PendingOperation) (*remote.PushResult, error)
	snapshot []*schema.DomainRecord
	entities []*schema.DomainRecord
}

func (f *fakeBackend) PushOperation(ctx context.Context, op *schema.PendingOperation) (*remote.PushResult, error) {
	f.mu.Lock()
	f.pushes++
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return &remote.PushResult{Version: 1}, nil
	}
	return respond(op)
}

func (f *fakeBackend) FetchSnapshot(ctx context.Context, since time.Time) ([]*schema.DomainRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot, nil
}

func (f *fakeBackend) FetchEntities(ctx context.Context, entityType string) ([]*schema.DomainRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entities, nil
}

func (f *fakeBackend) Healthz(ctx context.Context) error { return nil }

func (f *fakeBackend) setRespond(fn func(op *schema.PendingOperation) (*remote.PushResult, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

// rig is a fully wired engine over a fresh store and a fake backend.
type rig struct {
	engine  *Engine
	store   *db.DB
	backend *fakeBackend
	monitor connectivity.Monitor
	queue   *queue.Queue
}

func newRig(t *testing.T, online bool, channelURL string) *rig {
	t.Helper()
	store := testStore(t)
	backend := &fakeBackend{}
	monitor := connectivity.New(connectivity.ProbeFunc(func(ctx context.Context) bool {
		return true
	}), time.Hour, testLogger())
	if online {
		monitor.SetOnline(true)
	}
	q := queue.New(store, backend, monitor, queue.Options{DisableAutoRetry: true}, testLogger())
	t.Cleanup(q.Close)
	rep := repo.New(store, backend, nil, testLogger())

	eng, err := New(Config{
		Store:          store,
		Monitor:        monitor,
		Queue:          q,
		Repo:           rep,
		Client:         backend,
		ChannelURL:     channelURL,
		ChannelOptions: realtime.Options{ReconnectBase: 10 * time.Millisecond},
		Logger:         testLogger(),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(eng.Stop)
	return &rig{engine: eng, store: store, backend: backend, monitor: monitor, queue: q}
}

func enqueue(t *testing.T, store *db.DB, entityID string) *schema.PendingOperation {
	t.Helper()
	op := &schema.PendingOperation{
		EntityType: schema.EntityTask,
		EntityID:   entityID,
		Kind:       schema.OpUpdate,
		Payload:    json.RawMessage(`{"title":"x"}`),
	}
	op.SetDefaults()
	if err := store.EnqueueOp(op); err != nil {
		t.Fatalf("EnqueueOp() failed: %v", err)
	}
	return op
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// ===== Construction Tests =====

// TestNew_Validation tests that every required collaborator is checked.
func TestNew_Validation(t *testing.T) {
	store := testStore(t)
	backend := &fakeBackend{}
	monitor := connectivity.New(connectivity.ProbeFunc(func(ctx context.Context) bool {
		return true
	}), time.Hour, testLogger())
	q := queue.New(store, backend, monitor, queue.Options{DisableAutoRetry: true}, testLogger())
	t.Cleanup(q.Close)
	rep := repo.New(store, backend, nil, testLogger())

	valid := Config{Store: store, Monitor: monitor, Queue: q, Repo: rep, Client: backend, Logger: testLogger()}
	if _, err := New(valid); err != nil {
		t.Fatalf("New() with valid config failed: %v", err)
	}

	broken := []func(c *Config){
		func(c *Config) { c.Store = nil },
		func(c *Config) { c.Monitor = nil },
		func(c *Config) { c.Queue = nil },
		func(c *Config) { c.Repo = nil },
		func(c *Config) { c.Client = nil },
	}
	for i, mutate := range broken {
		cfg := valid
		mutate(&cfg)
		if _, err := New(cfg); err == nil {
			t.Errorf("New() case %d should have failed", i)
		}
	}
}

// TestStartStop tests the lifecycle guards.
func TestStartStop(t *testing.T) {
	r := newRig(t, true, "")

	if err := r.engine.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := r.engine.Start(); err == nil {
		t.Error("second Start() should fail")
	}
	r.engine.Stop()
	r.engine.Stop() // idempotent

	if err := r.engine.Start(); err != nil {
		t.Errorf("Start() after Stop() failed: %v", err)
	}
}

// ===== Status Tests =====

// TestStatus tests that the posture is derived fresh on every call.
func TestStatus(t *testing.T) {
	r := newRig(t, false, "")
	ctx := context.Background()

	st, err := r.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.PendingChanges != 0 {
		t.Errorf("PendingChanges = %d, want 0", st.PendingChanges)
	}
	if st.LastSyncTime != nil {
		t.Errorf("LastSyncTime = %v, want nil before first sync", st.LastSyncTime)
	}
	if st.IsOnline {
		t.Error("IsOnline = true, want false")
	}
	if st.IsSyncing {
		t.Error("IsSyncing = true, want false")
	}

	enqueue(t, r.store, "task-1")
	enqueue(t, r.store, "task-2")
	r.monitor.SetOnline(true)

	st, err = r.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.PendingChanges != 2 {
		t.Errorf("PendingChanges = %d, want 2", st.PendingChanges)
	}
	if !st.IsOnline {
		t.Error("IsOnline = false, want true")
	}
}

// TestStatus_LastSyncTime tests that a completed flush surfaces through
// the derived status.
func TestStatus_LastSyncTime(t *testing.T) {
	r := newRig(t, true, "")
	ctx := context.Background()
	enqueue(t, r.store, "task-1")

	before := time.Now().UTC().Add(-time.Second)
	if _, err := r.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	st, err := r.engine.Status(ctx)
	if err != nil {
		t.Fatalf("Status() failed: %v", err)
	}
	if st.PendingChanges != 0 {
		t.Errorf("PendingChanges = %d, want 0 after sync", st.PendingChanges)
	}
	if st.LastSyncTime == nil {
		t.Fatal("LastSyncTime = nil, want set after sync")
	}
	if st.LastSyncTime.Before(before) {
		t.Errorf("LastSyncTime = %v, want after %v", st.LastSyncTime, before)
	}
}

// TestChannelStatus_NoChannel tests the disconnected default.
func TestChannelStatus_NoChannel(t *testing.T) {
	r := newRig(t, true, "")
	if got := r.engine.ChannelStatus(); got != realtime.StateDisconnected {
		t.Errorf("ChannelStatus() = %v, want %v", got, realtime.StateDisconnected)
	}
}

// ===== Manual Action Tests =====

// TestSyncNow tests the forced flush path end to end.
func TestSyncNow(t *testing.T) {
	r := newRig(t, true, "")
	enqueue(t, r.store, "task-1")

	res, err := r.engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if res.Synced != 1 {
		t.Errorf("Synced = %d, want 1", res.Synced)
	}
}

// TestRetryFailed tests that a parked operation can be re-queued and
// flushed in one call.
func TestRetryFailed(t *testing.T) {
	r := newRig(t, true, "")
	ctx := context.Background()

	r.backend.setRespond(func(op *schema.PendingOperation) (*remote.PushResult, error) {
		return nil, &remote.Error{Status: 422, Message: "bad payload"}
	})
	op := enqueue(t, r.store, "task-1")
	if _, err := r.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	got, err := r.store.GetOp(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOp() failed: %v", err)
	}
	if got.Status != schema.StatusFailed {
		t.Fatalf("op status = %q, want failed", got.Status)
	}

	r.backend.setRespond(nil)
	res, err := r.engine.RetryFailed(ctx, op.ID)
	if err != nil {
		t.Fatalf("RetryFailed() failed: %v", err)
	}
	if res.Synced != 1 {
		t.Errorf("Synced = %d, want 1", res.Synced)
	}
	got, err = r.store.GetOp(ctx, op.ID)
	if err != nil {
		t.Fatalf("GetOp() failed: %v", err)
	}
	if got.Status != schema.StatusSynced {
		t.Errorf("op status = %q, want synced after retry", got.Status)
	}
}

// TestRetryFailed_UnknownOp tests the not-found propagation.
func TestRetryFailed_UnknownOp(t *testing.T) {
	r := newRig(t, true, "")
	if _, err := r.engine.RetryFailed(context.Background(), "nope"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("RetryFailed(nope) = %v, want ErrNotFound", err)
	}
}

// TestDiscardFailed tests dropping a parked operation.
func TestDiscardFailed(t *testing.T) {
	r := newRig(t, true, "")
	ctx := context.Background()

	r.backend.setRespond(func(op *schema.PendingOperation) (*remote.PushResult, error) {
		return nil, &remote.Error{Status: 400, Message: "rejected"}
	})
	op := enqueue(t, r.store, "task-1")
	if _, err := r.engine.SyncNow(ctx); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}

	failed, err := r.engine.FailedOps(ctx)
	if err != nil {
		t.Fatalf("FailedOps() failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != op.ID {
		t.Fatalf("FailedOps() = %v, want the parked op", failed)
	}

	if err := r.engine.DiscardFailed(ctx, op.ID); err != nil {
		t.Fatalf("DiscardFailed() failed: %v", err)
	}
	if _, err := r.store.GetOp(ctx, op.ID); !db.IsNotFound(err) {
		t.Errorf("GetOp() after discard = %v, want not found", err)
	}
}

// TestImportFromBackend tests that an import merges under versioning and
// leaves queued work alone.
func TestImportFromBackend(t *testing.T) {
	r := newRig(t, true, "")
	ctx := context.Background()

	r.backend.snapshot = []*schema.DomainRecord{
		{EntityType: schema.EntityTask, EntityID: "task-1", Payload: json.RawMessage(`{"title":"a"}`), Version: 3, UpdatedAt: time.Now().UTC()},
		{EntityType: schema.EntityList, EntityID: "list-1", Payload: json.RawMessage(`{"name":"b"}`), Version: 1, UpdatedAt: time.Now().UTC()},
	}
	pending := enqueue(t, r.store, "task-9")

	applied, err := r.engine.ImportFromBackend(ctx)
	if err != nil {
		t.Fatalf("ImportFromBackend() failed: %v", err)
	}
	if applied != 2 {
		t.Errorf("applied = %d, want 2", applied)
	}

	rec, err := r.store.GetRecord(schema.EntityTask, "task-1")
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if rec.Version != 3 {
		t.Errorf("imported version = %d, want 3", rec.Version)
	}

	if _, err := r.store.GetOp(ctx, pending.ID); err != nil {
		t.Errorf("queued op disappeared during import: %v", err)
	}

	// A second import of the same snapshot changes nothing.
	applied, err = r.engine.ImportFromBackend(ctx)
	if err != nil {
		t.Fatalf("ImportFromBackend() failed: %v", err)
	}
	if applied != 0 {
		t.Errorf("re-import applied = %d, want 0", applied)
	}
}

// ===== Reactive Path Tests =====

// TestOnlineEdgeFlushes tests that the engine flushes when connectivity
// returns, without a manual trigger.
func TestOnlineEdgeFlushes(t *testing.T) {
	r := newRig(t, false, "")
	op := enqueue(t, r.store, "task-1")

	if err := r.engine.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}

	// Enqueued while offline: nothing moves.
	time.Sleep(20 * time.Millisecond)
	got, err := r.store.GetOp(context.Background(), op.ID)
	if err != nil {
		t.Fatalf("GetOp() failed: %v", err)
	}
	if got.Status != schema.StatusPending {
		t.Fatalf("op status = %q while offline, want pending", got.Status)
	}

	r.monitor.SetOnline(true)

	waitFor(t, 2*time.Second, func() bool {
		cur, err := r.store.GetOp(context.Background(), op.ID)
		return err == nil && cur.Status == schema.StatusSynced
	}, "operation never synced after connectivity returned")
}

// TestInvalidationRefreshesArea tests the live channel path: a broadcast
// invalidation makes the engine refetch that area through the facade.
func TestInvalidationRefreshesArea(t *testing.T) {
	hub := newTestHub(t)
	r := newRig(t, true, hub.url())

	r.backend.mu.Lock()
	r.backend.entities = []*schema.DomainRecord{
		{EntityType: schema.EntityTask, EntityID: "task-1", Payload: json.RawMessage(`{"title":"fresh"}`), Version: 2, UpdatedAt: time.Now().UTC()},
	}
	r.backend.mu.Unlock()

	if err := r.engine.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return hub.connCount() > 0 }, "channel never connected")

	if got := r.engine.ChannelStatus(); got != realtime.StateConnected {
		t.Errorf("ChannelStatus() = %v, want %v", got, realtime.StateConnected)
	}

	hub.broadcast(t, `{"type":"task","action":"updated","timestamp":"2026-08-23T10:00:00Z"}`)

	waitFor(t, 2*time.Second, func() bool {
		rec, err := r.store.GetRecord(schema.EntityTask, "task-1")
		return err == nil && rec.Version == 2
	}, "invalidation never refreshed the task area")
}

// ===== WS Test Hub =====

// testHub is a minimal websocket endpoint that accepts connections and
// can broadcast raw frames to all of them.
type testHub struct {
	t     *testing.T
	srv   *httptest.Server
	mu    sync.Mutex
	conns []*websocket.Conn
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	h := &testHub{t: t}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		h.mu.Lock()
		h.conns = append(h.conns, conn)
		h.mu.Unlock()
		// Hold the connection open; discard anything the client sends.
		ctx := req.Context()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(func() {
		h.mu.Lock()
		for _, c := range h.conns {
			c.Close(websocket.StatusNormalClosure, "test over")
		}
		h.mu.Unlock()
		h.srv.Close()
	})
	return h
}

func (h *testHub) url() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http")
}

func (h *testHub) connCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *testHub) broadcast(t *testing.T, raw string) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, c := range h.conns {
		if err := c.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
			t.Fatalf("broadcast failed: %v", err)
		}
	}
}
