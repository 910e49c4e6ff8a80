// Package repo provides the domain read/write façade over the sync engine.
//
// The façade is what the rest of the app talks to. Reads come straight
// from the local durable store, so they work identically online and
// offline. Writes land in the local store first and enqueue a pending
// operation for the sync queue, so a write that returned is a write that
// survives process kill and eventually reaches the backend.
//
// The façade never talks to the backend synchronously on the write path;
// it only nudges the sync queue after a successful local write. The one
// backend touch it owns is RefreshArea, the pull half of the invalidation
// channel.
package repo

import (
	"context"
	"encoding/json"

	"github.com/Johnsonbros/zeke/internal/sync/realtime"
	"github.com/Johnsonbros/zeke/internal/sync/schema"
)

// Repository is the app-facing surface of the sync engine.
//
// Consumers depend on this interface rather than the concrete type so UI
// hooks and the engine can live in separate packages without an import
// cycle.
type Repository interface {
	// Get returns one live record.
	// Returns a not-found error for missing or deleted records.
	Get(ctx context.Context, entityType, entityID string) (*schema.DomainRecord, error)

	// List returns all live records of one entity type, newest first.
	List(ctx context.Context, entityType string) ([]*schema.DomainRecord, error)

	// Create writes a new record and queues its upload. A blank entityID
	// is filled with a generated one; the id in use is returned.
	Create(ctx context.Context, entityType, entityID string, payload json.RawMessage) (string, error)

	// Update replaces a record's payload and queues the upload. An
	// unflushed earlier edit of the same entity coalesces into this one.
	Update(ctx context.Context, entityType, entityID string, payload json.RawMessage) error

	// Toggle is Update with toggle semantics on the backend (completion
	// flips, status cycles). The payload is the full post-toggle state.
	Toggle(ctx context.Context, entityType, entityID string, payload json.RawMessage) error

	// Delete tombstones the record locally and queues the delete. The
	// record disappears from reads immediately.
	Delete(ctx context.Context, entityType, entityID string) error

	// RefreshArea pulls the backend's current state for one domain area
	// and merges it into the local store under record versioning. Called
	// by the invalidation channel; unsynced local work is never dropped.
	RefreshArea(ctx context.Context, area realtime.Area) error
}
