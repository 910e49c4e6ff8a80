package loadtest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/Johnsonbros/zeke/internal/sync/remote"
	"github.com/Johnsonbros/zeke/internal/sync/schema"
)

// MemoryBackend is an in-process remote.Client with real backend
// semantics: it assigns canonical versions per entity and replays recorded
// outcomes for repeated idempotency keys instead of applying twice.
//
// Harness payloads are globally unique, so any replay it counts indicates
// the same operation was pushed twice, not a legitimate duplicate.
type MemoryBackend struct {
	latency time.Duration

	mu          sync.Mutex
	versions    map[string]int64
	records     map[string]*schema.DomainRecord
	seen        map[string]*remote.PushResult
	pushes      int
	duplicates  int
	inFlight    int
	maxInFlight int
}

// NewMemoryBackend creates a backend that delays every upload by latency
// (zero for in-process speed).
func NewMemoryBackend(latency time.Duration) *MemoryBackend {
	return &MemoryBackend{
		latency:  latency,
		versions: make(map[string]int64),
		records:  make(map[string]*schema.DomainRecord),
		seen:     make(map[string]*remote.PushResult),
	}
}

// Seed installs a record as already-synced canonical state.
func (b *MemoryBackend) Seed(rec *schema.DomainRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := *rec
	cp.Payload = append(json.RawMessage(nil), rec.Payload...)
	b.records[rec.Key()] = &cp
	b.versions[rec.Key()] = rec.Version
}

// PushOperation implements remote.Client.
func (b *MemoryBackend) PushOperation(ctx context.Context, op *schema.PendingOperation) (*remote.PushResult, error) {
	b.mu.Lock()
	b.inFlight++
	if b.inFlight > b.maxInFlight {
		b.maxInFlight = b.inFlight
	}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
	}()

	if b.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.latency):
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if outcome, ok := b.seen[op.IdempotencyKey]; ok {
		b.duplicates++
		replay := *outcome
		replay.Replayed = true
		return &replay, nil
	}

	key := op.EntityType + "/" + op.EntityID
	version := b.versions[key] + 1
	b.versions[key] = version

	rec := &schema.DomainRecord{
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Version:    version,
		UpdatedAt:  time.Now().UTC(),
	}
	if op.Kind == schema.OpDelete {
		rec.Deleted = true
	} else {
		rec.Payload = append(json.RawMessage(nil), op.Payload...)
	}
	b.records[key] = rec

	outcome := &remote.PushResult{Version: version}
	b.seen[op.IdempotencyKey] = outcome
	b.pushes++
	return &remote.PushResult{Version: version}, nil
}

// FetchSnapshot implements remote.Client.
func (b *MemoryBackend) FetchSnapshot(ctx context.Context, since time.Time) ([]*schema.DomainRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*schema.DomainRecord
	for _, rec := range b.records {
		if since.IsZero() || rec.UpdatedAt.After(since) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// FetchEntities implements remote.Client.
func (b *MemoryBackend) FetchEntities(ctx context.Context, entityType string) ([]*schema.DomainRecord, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*schema.DomainRecord
	for _, rec := range b.records {
		if rec.EntityType == entityType {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Healthz implements remote.Client.
func (b *MemoryBackend) Healthz(ctx context.Context) error {
	return nil
}

// Pushes returns how many operations the backend applied.
func (b *MemoryBackend) Pushes() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushes
}

// Duplicates returns how many uploads replayed a recorded outcome.
func (b *MemoryBackend) Duplicates() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.duplicates
}

// MaxParallel returns the highest number of uploads observed in flight at
// once.
func (b *MemoryBackend) MaxParallel() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxInFlight
}

// Records returns a copy of the backend's canonical state.
func (b *MemoryBackend) Records() []*schema.DomainRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*schema.DomainRecord, 0, len(b.records))
	for _, rec := range b.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}
