// Package schema defines the data structures shared by the Zeke sync engine.
//
// # Overview
//
// This package provides the types that flow between the local durable store,
// the sync queue, and the backend: domain records (the materialized state the
// app reads) and pending operations (the mutations waiting to be pushed).
// Both sides of the wire use these structures, so they live in a leaf package
// with no dependencies on the store or transport layers.
//
// # Pending Operations
//
// A PendingOperation captures one local mutation. Operations queue in FIFO
// order by CreatedAt and carry an idempotency key derived from their logical
// coordinates:
//
//	{entity_type}:{entity_id}:{kind}:{payload_hash}
//
// Example: task:7f3c9b2e:update:a41f29c803d17b42
//
// The key is derived, never free-form, so the same logical mutation always
// produces the same key and a retried upload can be recognized server-side.
// Wall-clock timestamps are not part of the key.
//
// # Coalescing
//
// At most one pending operation exists per (entity_type, entity_id). A second
// local edit to the same entity replaces the queued operation in place,
// keeping its queue position. The replacement carries a fresh payload hash
// and therefore a fresh idempotency key; the superseded operation was never
// sent, so nothing on the server references the old key.
//
// # Usage Examples
//
// Creating an operation:
//
//	op := &schema.PendingOperation{
//	    EntityType: schema.EntityTask,
//	    EntityID:   "7f3c9b2e",
//	    Kind:       schema.OpUpdate,
//	    Payload:    payload,
//	}
//	op.SetDefaults()
//	if err := op.Validate(); err != nil { ... }
//
// Deriving a key by hand (SetDefaults does this automatically):
//
//	key := schema.DeriveIdempotencyKey(schema.EntityTask, "7f3c9b2e", schema.OpUpdate, payload)
//
// # Design Principles
//
//   - Flat JSON structure (fields update independently, last-write-wins)
//   - Idempotency keys derived from logical coordinates, never timestamps
//   - Status transitions owned by the queue, validated here
//   - No external validation libraries (keep dependencies minimal)
package schema
