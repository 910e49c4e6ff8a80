package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// DomainRecord is the materialized state of one entity as the app reads it.
// Records are what the store serves to the UI; pending operations layer local
// edits on top until the backend acknowledges them.
type DomainRecord struct {
	// ===== Core Identification =====
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`

	// ===== State =====
	Payload json.RawMessage `json:"payload,omitempty"`
	Deleted bool            `json:"deleted,omitempty"` // tombstone, payload may be empty

	// ===== Versioning (conflict resolution) =====
	Version   int64     `json:"version"` // server-assigned, 0 = never synced
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks that the record has valid field values.
func (r *DomainRecord) Validate() error {
	if r.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if r.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if !r.Deleted && len(r.Payload) == 0 {
		return fmt.Errorf("payload is required for live records")
	}
	if r.Version < 0 {
		return fmt.Errorf("version must not be negative (got %d)", r.Version)
	}
	if r.UpdatedAt.IsZero() {
		return fmt.Errorf("updated_at is required")
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (r *DomainRecord) SetDefaults() {
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = time.Now().UTC()
	}
}

// Key returns the composite identity of the record: {entity_type}/{entity_id}.
// Useful as a map key when merging snapshots.
func (r *DomainRecord) Key() string {
	return r.EntityType + "/" + r.EntityID
}
