// Package idem implements the idempotency guard for the mutation
// endpoint.
//
// Every mutation carries a client-derived idempotency key. The guard
// atomically claims each key on first sight; a second delivery of the
// same key is flagged as a duplicate and must not re-execute the
// mutation. After executing, the endpoint records the outcome under the
// key so later duplicates can be answered with the original result.
//
// The guard keeps its state in a kv.Store, so deduplication survives
// process restarts whenever the store is durable. Backing it with the
// in-memory store gives the process-local behavior that is enough for a
// single-instance deployment.
package idem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Johnsonbros/zeke/internal/server/kv"
)

// Namespace is the kv namespace holding claimed keys.
const Namespace = "idem"

// DefaultTTL bounds the deduplication window. A key older than this may
// be executed again; clients retry on the scale of minutes, not weeks.
const DefaultTTL = 7 * 24 * time.Hour

// Claim is the result of presenting an idempotency key.
type Claim struct {
	// IsDuplicate is false exactly once per key within the window.
	IsDuplicate bool

	// Outcome is the recorded result of the first execution. It is nil
	// on first claim, and nil on a duplicate whose first execution has
	// not recorded an outcome yet.
	Outcome []byte
}

// Guard deduplicates mutation deliveries by idempotency key.
type Guard interface {
	// Claim atomically marks the key as seen. Concurrent claims of one
	// key agree on a single winner.
	Claim(ctx context.Context, key string) (*Claim, error)

	// Record stores the first execution's outcome for replay to later
	// duplicates. It also restarts the key's deduplication window.
	Record(ctx context.Context, key string, outcome []byte) error

	// Release frees a claimed key whose execution failed, so the client's
	// retry of the same key can execute instead of reading an empty claim.
	Release(ctx context.Context, key string) error
}

type kvGuard struct {
	store kv.Store
	ttl   time.Duration
}

// New creates a Guard over the given store. A ttl of zero uses
// DefaultTTL.
func New(store kv.Store, ttl time.Duration) (Guard, error) {
	if store == nil {
		return nil, errors.New("kv store is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &kvGuard{store: store, ttl: ttl}, nil
}

// NewMemory creates a process-local Guard for single-instance use.
func NewMemory() Guard {
	g, _ := New(kv.NewMemory(), 0)
	return g
}

// Claim implements Guard.Claim.
func (g *kvGuard) Claim(ctx context.Context, key string) (*Claim, error) {
	if key == "" {
		return nil, errors.New("idempotency key is required")
	}

	claimed, err := g.store.SetIfAbsent(ctx, Namespace, key, nil, g.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if claimed {
		return &Claim{}, nil
	}

	outcome, err := g.store.Get(ctx, Namespace, key)
	if kv.IsNotFound(err) {
		// The key expired between the claim and this read. The claim
		// already lost, so report a duplicate without an outcome.
		return &Claim{IsDuplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read recorded outcome: %w", err)
	}

	c := &Claim{IsDuplicate: true}
	if len(outcome) > 0 {
		c.Outcome = outcome
	}
	return c, nil
}

// Record implements Guard.Record.
func (g *kvGuard) Record(ctx context.Context, key string, outcome []byte) error {
	if key == "" {
		return errors.New("idempotency key is required")
	}
	if err := g.store.Set(ctx, Namespace, key, outcome, g.ttl); err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// Release implements Guard.Release.
func (g *kvGuard) Release(ctx context.Context, key string) error {
	if key == "" {
		return errors.New("idempotency key is required")
	}
	if err := g.store.Delete(ctx, Namespace, key); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
