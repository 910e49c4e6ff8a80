package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OpKind identifies what a pending operation does to its entity.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
	OpToggle OpKind = "toggle" // flip a boolean field, e.g. task completion
)

// OpStatus tracks a pending operation through the queue lifecycle.
type OpStatus string

const (
	StatusPending OpStatus = "pending" // queued, waiting for a flush
	StatusSyncing OpStatus = "syncing" // claimed by an in-flight flush
	StatusSynced  OpStatus = "synced"  // acknowledged by the backend
	StatusFailed  OpStatus = "failed"  // terminal error or attempts exhausted
)

// Entity types known to the engine. The realtime channel and the repository
// facade share this vocabulary, so wire messages map onto local domains
// without translation tables per layer.
const (
	EntityTask      = "task"
	EntityJournal   = "journal"
	EntityChat      = "chat"
	EntityCalendar  = "calendar"
	EntityContact   = "contact"
	EntityLocation  = "location"
	EntityList      = "list"
	EntityRecording = "recording"
)

// DefaultMaxAttempts bounds how many times a retriable failure is retried
// before the operation parks as failed.
const DefaultMaxAttempts = 5

// PendingOperation is one queued local mutation awaiting upload.
// At most one exists per (EntityType, EntityID); see package docs for
// coalescing semantics.
type PendingOperation struct {
	// ===== Core Identification =====
	ID string `json:"id"`

	// ===== Target Entity =====
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	// ===== Mutation =====
	Kind    OpKind          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"` // serialized entity state or patch

	// ===== Idempotency =====
	IdempotencyKey string `json:"idempotency_key"` // derived, see DeriveIdempotencyKey

	// ===== Retry Accounting =====
	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	// ===== Lifecycle =====
	Status        OpStatus   `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"` // backoff gate, nil = ready now
	LastError     string     `json:"last_error,omitempty"`      // message from the most recent failure
}

// Validate checks that the operation has valid field values.
func (op *PendingOperation) Validate() error {
	if op.ID == "" {
		return fmt.Errorf("id is required")
	}
	if op.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if op.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	switch op.Kind {
	case OpCreate, OpUpdate, OpDelete, OpToggle:
	default:
		return fmt.Errorf("invalid kind %q", op.Kind)
	}
	if op.Kind != OpDelete && len(op.Payload) == 0 {
		return fmt.Errorf("payload is required for %s operations", op.Kind)
	}
	if op.IdempotencyKey == "" {
		return fmt.Errorf("idempotency_key is required")
	}
	if op.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1 (got %d)", op.MaxAttempts)
	}
	if op.Attempts < 0 {
		return fmt.Errorf("attempts must not be negative (got %d)", op.Attempts)
	}
	switch op.Status {
	case StatusPending, StatusSyncing, StatusSynced, StatusFailed:
	default:
		return fmt.Errorf("invalid status %q", op.Status)
	}
	if op.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields. Callers construct
// an operation with its entity coordinates and payload, then call this to
// fill in identity, key, and lifecycle fields.
func (op *PendingOperation) SetDefaults() {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Status == "" {
		op.Status = StatusPending
	}
	if op.MaxAttempts == 0 {
		op.MaxAttempts = DefaultMaxAttempts
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	if op.IdempotencyKey == "" {
		op.IdempotencyKey = DeriveIdempotencyKey(op.EntityType, op.EntityID, op.Kind, op.Payload)
	}
}

// Exhausted reports whether the operation has used up its retry budget.
func (op *PendingOperation) Exhausted() bool {
	return op.Attempts >= op.MaxAttempts
}

// ResetForRetry returns a failed operation to the pending state with a fresh
// attempt budget and no backoff gate. Used by the manual retry path.
func (op *PendingOperation) ResetForRetry() {
	op.Status = StatusPending
	op.Attempts = 0
	op.NextAttemptAt = nil
	op.LastError = ""
}

// DeriveIdempotencyKey builds the stable key for a logical mutation:
// {entity_type}:{entity_id}:{kind}:{payload_hash}. The payload hash is the
// first 16 hex characters of the SHA-256 of the payload bytes; an empty
// payload (deletes) hashes the empty string. Identical logical mutations
// always derive identical keys, so replays are detectable server-side.
func DeriveIdempotencyKey(entityType, entityID string, kind OpKind, payload []byte) string {
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("%s:%s:%s:%s", entityType, entityID, kind, hex.EncodeToString(sum[:])[:16])
}
