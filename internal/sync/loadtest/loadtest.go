// Package loadtest provides load testing utilities for the sync engine.
//
// This package simulates many concurrent writers hammering the write path
// while flushes run against an in-process backend, to validate that local
// writes stay fast under contention and that the queue's invariants hold:
// one active operation per entity no matter how many edits coalesce into
// it, and exactly one upload per operation no matter how many flush
// triggers race.
package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/Johnsonbros/zeke/internal/sync/connectivity"
	"github.com/Johnsonbros/zeke/internal/sync/db"
	"github.com/Johnsonbros/zeke/internal/sync/queue"
	"github.com/Johnsonbros/zeke/internal/sync/remote"
	"github.com/Johnsonbros/zeke/internal/sync/repo"
	"github.com/Johnsonbros/zeke/internal/sync/schema"
)

// EntityRef names one seeded entity a writer can target.
type EntityRef struct {
	Type string
	ID   string
}

// TestEngine is a fully wired sync engine over a temporary store and an
// in-process backend, populated for load testing.
type TestEngine struct {
	Store   *db.DB
	Queue   *queue.Queue
	Repo    repo.Repository
	Monitor connectivity.Monitor
	Backend *MemoryBackend

	Entities      []EntityRef
	TotalEntities int
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min         time.Duration
	Max         time.Duration
	Mean        time.Duration
	P50         time.Duration // Median
	P95         time.Duration
	P99         time.Duration
	TotalWrites int
	Errors      int
	Durations   []time.Duration
}

// CreateTestEngine builds a sync engine over a fresh store at dbPath,
// seeded with numEntities records that exist identically on both sides at
// version 1 (a freshly synced device).
//
// The entities are spread across domain types with staggered timestamps.
// backendLatency adds artificial delay to every upload, to simulate a
// network hop; zero means in-process speed.
func CreateTestEngine(dbPath string, numEntities int, backendLatency time.Duration) (*TestEngine, error) {
	store, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Widen the pool beyond the daily-driver defaults; the write storm
	// runs far more concurrent statements than the app ever does.
	store.RawDB().SetMaxOpenConns(150)
	store.RawDB().SetMaxIdleConns(50)
	store.RawDB().SetConnMaxLifetime(10 * time.Minute)

	if err := store.InitSchema(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	backend := NewMemoryBackend(backendLatency)

	// The harness reports through stats, not logs.
	quiet := log.New(io.Discard, "", 0)

	monitor := connectivity.New(connectivity.ProbeFunc(func(ctx context.Context) bool {
		return true // the backend lives in process
	}), time.Hour, quiet)
	monitor.SetOnline(true)

	q := queue.New(store, backend, monitor, queue.Options{DisableAutoRetry: true}, quiet)
	rep := repo.New(store, backend, q, quiet)

	te := &TestEngine{
		Store:         store,
		Queue:         q,
		Repo:          rep,
		Monitor:       monitor,
		Backend:       backend,
		Entities:      make([]EntityRef, 0, numEntities),
		TotalEntities: numEntities,
	}

	types := []string{
		schema.EntityTask,
		schema.EntityList,
		schema.EntityJournal,
		schema.EntityContact,
		schema.EntityCalendar,
	}
	baseTime := time.Now().Add(-30 * 24 * time.Hour) // 30 days ago

	for i := 0; i < numEntities; i++ {
		rec := &schema.DomainRecord{
			EntityType: types[i%len(types)],
			EntityID:   fmt.Sprintf("load-%05d", i),
			Payload:    json.RawMessage(fmt.Sprintf(`{"title":"Seed %d","batch":%d}`, i, i/100)),
			Version:    1,
			UpdatedAt:  baseTime.Add(time.Duration(i) * time.Minute),
		}
		if err := store.UpsertRecord(rec); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to seed record %s: %w", rec.Key(), err)
		}
		backend.Seed(rec)
		te.Entities = append(te.Entities, EntityRef{Type: rec.EntityType, ID: rec.EntityID})
	}

	return te, nil
}

// Close releases the queue and the store.
func (te *TestEngine) Close() error {
	te.Queue.Close()
	return te.Store.Close()
}

// RunConcurrentWrites simulates N concurrent writers editing random seeded
// entities through the façade.
//
// Each writer performs writesPerWriter updates, recording the latency of
// each durable write (local upsert plus enqueue; the upload happens in the
// background and is not part of the measurement). Payloads are globally
// unique so any idempotency replay at the backend indicates a double push,
// not a legitimate duplicate. Returns aggregated latency statistics.
func (te *TestEngine) RunConcurrentWrites(numWriters, writesPerWriter int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numWriters)
	errorsChan := make(chan error, numWriters)
	nonce := time.Now().UnixNano()

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(writerID int) {
			defer wg.Done()

			// Deterministic per-writer targeting for reproducibility
			rng := rand.New(rand.NewSource(int64(writerID)*7919 + 42))
			durations := make([]time.Duration, 0, writesPerWriter)
			ctx := context.Background()

			for j := 0; j < writesPerWriter; j++ {
				target := te.Entities[rng.Intn(len(te.Entities))]
				payload := json.RawMessage(fmt.Sprintf(
					`{"title":"update from writer %d","writer":%d,"rev":%d,"run":%d}`,
					writerID, writerID, j, nonce))

				start := time.Now()
				err := te.Repo.Update(ctx, target.Type, target.ID, payload)
				elapsed := time.Since(start)

				durations = append(durations, elapsed)

				if err != nil {
					errorsChan <- fmt.Errorf("writer %d write %d failed: %w", writerID, j, err)
					return
				}
			}

			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	errorCount := 0
	for err := range errorsChan {
		if err != nil {
			errorCount++
			fmt.Printf("Error: %v\n", err)
		}
	}

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}

	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no successful writes completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

// Drain flushes until the queue is empty. Background nudges from the write
// path may still be landing, so this loops rather than trusting a single
// pass.
func (te *TestEngine) Drain(ctx context.Context) error {
	for i := 0; i < 100; i++ {
		if _, err := te.Queue.TriggerSync(ctx, true); err != nil {
			return fmt.Errorf("flush %d failed: %w", i+1, err)
		}
		pending, err := te.Store.PendingOpCountContext(ctx)
		if err != nil {
			return err
		}
		if pending == 0 {
			return nil
		}
	}
	return fmt.Errorf("queue did not drain after 100 flushes")
}

// VerifyConverged checks that the store and the backend agree after a
// drain: no operations left in flight, no duplicate uploads, and every
// backend record matched locally in version and payload.
func (te *TestEngine) VerifyConverged(ctx context.Context) error {
	pending, err := te.Store.PendingOpCountContext(ctx)
	if err != nil {
		return err
	}
	if pending != 0 {
		return fmt.Errorf("%d operations still pending", pending)
	}
	if d := te.Backend.Duplicates(); d != 0 {
		return fmt.Errorf("backend saw %d duplicate uploads; a claim or completion guard broke", d)
	}
	for _, rec := range te.Backend.Records() {
		if rec.Deleted {
			continue
		}
		local, err := te.Store.GetRecordContext(ctx, rec.EntityType, rec.EntityID)
		if err != nil {
			return fmt.Errorf("record %s missing locally: %w", rec.Key(), err)
		}
		if local.Version != rec.Version {
			return fmt.Errorf("record %s: local version %d != backend version %d", rec.Key(), local.Version, rec.Version)
		}
		if !bytes.Equal(local.Payload, rec.Payload) {
			return fmt.Errorf("record %s: local payload diverged from backend", rec.Key())
		}
	}
	return nil
}

// VerifyCoalescing hammers a single entity with concurrent offline writes
// and checks the queue invariant: the edits collapse into one active
// operation carrying one of the written payloads, and exactly one upload
// happens once the backend is reachable again.
func (te *TestEngine) VerifyCoalescing(numWriters, writesPerWriter int) error {
	if len(te.Entities) == 0 {
		return fmt.Errorf("no seeded entities")
	}
	ctx := context.Background()
	if err := te.Drain(ctx); err != nil {
		return err
	}

	target := te.Entities[0]
	nonce := time.Now().UnixNano()
	pushesBefore := te.Backend.Pushes()
	te.Monitor.SetOnline(false)

	var mu sync.Mutex
	written := make(map[string]bool)
	var wg sync.WaitGroup
	errorsChan := make(chan error, numWriters)

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				payload := fmt.Sprintf(`{"title":"coalesce","writer":%d,"rev":%d,"run":%d}`, writerID, j, nonce)
				mu.Lock()
				written[payload] = true
				mu.Unlock()
				if err := te.Repo.Update(ctx, target.Type, target.ID, json.RawMessage(payload)); err != nil {
					errorsChan <- fmt.Errorf("writer %d write %d failed: %w", writerID, j, err)
					return
				}
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)
	for err := range errorsChan {
		if err != nil {
			return err
		}
	}

	ops, err := te.Store.ListOps(ctx, schema.StatusPending)
	if err != nil {
		return err
	}
	var targetOps []*schema.PendingOperation
	for _, op := range ops {
		if op.EntityType == target.Type && op.EntityID == target.ID {
			targetOps = append(targetOps, op)
		}
	}
	if len(targetOps) != 1 {
		return fmt.Errorf("expected 1 coalesced operation for %s/%s, found %d", target.Type, target.ID, len(targetOps))
	}
	if !written[string(targetOps[0].Payload)] {
		return fmt.Errorf("coalesced payload %s matches none of the written payloads", targetOps[0].Payload)
	}

	te.Monitor.SetOnline(true)
	if err := te.Drain(ctx); err != nil {
		return err
	}
	if got := te.Backend.Pushes() - pushesBefore; got != 1 {
		return fmt.Errorf("expected 1 upload after coalescing, backend saw %d", got)
	}
	return te.VerifyConverged(ctx)
}

// VerifySingleFlight queues numOps operations offline, then floods
// TriggerSync from numCallers goroutines at once and checks that claims
// hold: every operation reaches the backend exactly once no matter how
// many flush triggers race.
func (te *TestEngine) VerifySingleFlight(numCallers, numOps int) error {
	ctx := context.Background()
	if numOps > len(te.Entities) {
		numOps = len(te.Entities)
	}
	if err := te.Drain(ctx); err != nil {
		return err
	}

	nonce := time.Now().UnixNano()
	te.Monitor.SetOnline(false)
	for i := 0; i < numOps; i++ {
		target := te.Entities[i]
		payload := json.RawMessage(fmt.Sprintf(`{"title":"single flight","slot":%d,"run":%d}`, i, nonce))
		if err := te.Repo.Update(ctx, target.Type, target.ID, payload); err != nil {
			return fmt.Errorf("failed to queue operation %d: %w", i, err)
		}
	}
	pending, err := te.Store.PendingOpCountContext(ctx)
	if err != nil {
		return err
	}
	if pending != numOps {
		return fmt.Errorf("expected %d pending operations, found %d", numOps, pending)
	}

	pushesBefore := te.Backend.Pushes()
	te.Monitor.SetOnline(true)

	start := make(chan struct{})
	var wg sync.WaitGroup
	errorsChan := make(chan error, numCallers)
	for i := 0; i < numCallers; i++ {
		wg.Add(1)
		go func(callerID int) {
			defer wg.Done()
			<-start
			if _, err := te.Queue.TriggerSync(ctx, false); err != nil {
				errorsChan <- fmt.Errorf("caller %d flush failed: %w", callerID, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	close(errorsChan)
	for err := range errorsChan {
		if err != nil {
			return err
		}
	}

	if err := te.Drain(ctx); err != nil {
		return err
	}
	if got := te.Backend.Pushes() - pushesBefore; got != numOps {
		return fmt.Errorf("expected %d uploads, backend saw %d", numOps, got)
	}
	return te.VerifyConverged(ctx)
}

// GetStats returns statistics about the engine under test.
func (te *TestEngine) GetStats(ctx context.Context) map[string]interface{} {
	pending, _ := te.Store.PendingOpCountContext(ctx)
	return map[string]interface{}{
		"total_entities":       te.TotalEntities,
		"pending_ops":          pending,
		"backend_pushes":       te.Backend.Pushes(),
		"backend_duplicates":   te.Backend.Duplicates(),
		"max_parallel_uploads": te.Backend.MaxParallel(),
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	// Sort durations for percentile calculation
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}
	mean := sum / time.Duration(len(durations))

	p50 := sorted[len(sorted)*50/100]
	p95 := sorted[len(sorted)*95/100]
	p99 := sorted[len(sorted)*99/100]

	return &LatencyStats{
		Min:         sorted[0],
		Max:         sorted[len(sorted)-1],
		Mean:        mean,
		P50:         p50,
		P95:         p95,
		P99:         p99,
		TotalWrites: len(durations),
		Durations:   sorted,
	}
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats() {
	fmt.Printf("Write Latency Statistics:\n")
	fmt.Printf("  Total Writes:  %d\n", s.TotalWrites)
	fmt.Printf("  Errors:        %d\n", s.Errors)
	fmt.Printf("  Min:           %v\n", s.Min)
	fmt.Printf("  P50 (Median):  %v\n", s.P50)
	fmt.Printf("  Mean:          %v\n", s.Mean)
	fmt.Printf("  P95:           %v\n", s.P95)
	fmt.Printf("  P99:           %v\n", s.P99)
	fmt.Printf("  Max:           %v\n", s.Max)
}
