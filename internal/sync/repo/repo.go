package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Johnsonbros/zeke/internal/sync/db"
	"github.com/Johnsonbros/zeke/internal/sync/queue"
	"github.com/Johnsonbros/zeke/internal/sync/realtime"
	"github.com/Johnsonbros/zeke/internal/sync/remote"
	"github.com/Johnsonbros/zeke/internal/sync/schema"
)

// SyncTrigger is the slice of the queue the façade needs: a way to nudge
// a flush after a local write. Satisfied by *queue.Queue.
type SyncTrigger interface {
	TriggerSync(ctx context.Context, force bool) (*queue.FlushResult, error)
}

type repository struct {
	store   *db.DB
	client  remote.Client
	trigger SyncTrigger
	logger  *log.Logger
}

// New creates the façade over the given store and backend client.
//
// The trigger is optional; when present, each successful write nudges a
// background flush. If logger is nil, a default logger writing to stderr
// is used.
func New(store *db.DB, client remote.Client, trigger SyncTrigger, logger *log.Logger) Repository {
	if logger == nil {
		logger = log.New(os.Stderr, "[repo] ", log.LstdFlags)
	}
	return &repository{
		store:   store,
		client:  client,
		trigger: trigger,
		logger:  logger,
	}
}

// ===== Reads =====

func (r *repository) Get(ctx context.Context, entityType, entityID string) (*schema.DomainRecord, error) {
	return r.store.GetRecordContext(ctx, entityType, entityID)
}

func (r *repository) List(ctx context.Context, entityType string) ([]*schema.DomainRecord, error) {
	return r.store.ListRecordsContext(ctx, entityType)
}

// ===== Writes =====

func (r *repository) Create(ctx context.Context, entityType, entityID string, payload json.RawMessage) (string, error) {
	if entityID == "" {
		entityID = uuid.NewString()
	}
	if err := r.mutate(ctx, entityType, entityID, schema.OpCreate, payload); err != nil {
		return "", err
	}
	return entityID, nil
}

func (r *repository) Update(ctx context.Context, entityType, entityID string, payload json.RawMessage) error {
	return r.mutate(ctx, entityType, entityID, schema.OpUpdate, payload)
}

func (r *repository) Toggle(ctx context.Context, entityType, entityID string, payload json.RawMessage) error {
	return r.mutate(ctx, entityType, entityID, schema.OpToggle, payload)
}

func (r *repository) Delete(ctx context.Context, entityType, entityID string) error {
	if entityID == "" {
		return fmt.Errorf("entity id is required")
	}
	return r.mutate(ctx, entityType, entityID, schema.OpDelete, nil)
}

// mutate is the shared write path: record and queue entry land in one
// transaction (durable before return), then a background nudge. A failed
// write surfaces whole to the caller; nothing is dropped silently and no
// half state survives.
func (r *repository) mutate(ctx context.Context, entityType, entityID string, kind schema.OpKind, payload json.RawMessage) error {
	rec := &schema.DomainRecord{
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Deleted:    kind == schema.OpDelete,
		UpdatedAt:  time.Now().UTC(),
	}
	op := &schema.PendingOperation{
		EntityType: entityType,
		EntityID:   entityID,
		Kind:       kind,
		Payload:    payload,
	}
	op.SetDefaults()
	if err := r.store.ApplyLocalMutation(ctx, rec, op); err != nil {
		return fmt.Errorf("failed to apply %s of %s/%s: %w", kind, entityType, entityID, err)
	}
	r.kick()
	return nil
}

// kick nudges the queue without waiting on the flush. Concurrent kicks
// collapse into the in-flight flush.
func (r *repository) kick() {
	if r.trigger == nil {
		return
	}
	go func() {
		if _, err := r.trigger.TriggerSync(context.Background(), false); err != nil {
			r.logger.Printf("WARNING: background sync failed: %v", err)
		}
	}()
}

// ===== Refresh =====

func (r *repository) RefreshArea(ctx context.Context, area realtime.Area) error {
	entityType, ok := realtime.EntityTypeFor(area)
	if !ok {
		return fmt.Errorf("unknown domain area %q", area)
	}

	recs, err := r.client.FetchEntities(ctx, entityType)
	if err != nil {
		return fmt.Errorf("failed to refresh %s: %w", area, err)
	}

	applied, err := r.store.ApplySnapshot(ctx, recs)
	if err != nil {
		return fmt.Errorf("failed to apply %s refresh: %w", area, err)
	}
	if applied > 0 {
		r.logger.Printf("Refreshed %s: %d of %d records applied", area, applied, len(recs))
	}
	return nil
}
