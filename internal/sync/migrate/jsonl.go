// Package migrate reads and writes JSONL snapshots of the local store.
//
// A snapshot is one line per record (tombstones included) followed by one
// line per queued operation, so a device can be rebuilt or inspected from a
// single flat file. It is the disaster-recovery complement to a backend
// import: exports are atomic, and imports merge under versioning and never
// clobber unsynced local work.
package migrate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Johnsonbros/zeke/internal/sync/db"
	"github.com/Johnsonbros/zeke/internal/sync/schema"
)

// Snapshot line discriminators.
const (
	kindRecord    = "record"
	kindOperation = "operation"
)

// maxLineBytes bounds a single snapshot line. Payloads are far smaller in
// practice, but the scanner needs an explicit ceiling.
const maxLineBytes = 4 * 1024 * 1024

// snapshotLine is one line of a snapshot file: a discriminator plus exactly
// one populated body.
type snapshotLine struct {
	Kind      string                   `json:"kind"`
	Record    *schema.DomainRecord     `json:"record,omitempty"`
	Operation *schema.PendingOperation `json:"operation,omitempty"`
}

// ExportResult reports what a snapshot export wrote.
type ExportResult struct {
	Records    int
	Operations int
	Path       string
}

// ImportOptions controls how a snapshot is applied.
type ImportOptions struct {
	// DryRun parses and validates the snapshot and reports what would
	// change without writing anything.
	DryRun bool

	// Backup exports the store's current state next to the snapshot
	// before applying it, so a bad import can be rolled back.
	Backup bool
}

// ImportResult reports what a snapshot import did.
type ImportResult struct {
	RecordsApplied int
	RecordsSkipped int // stale lines the store already supersedes
	OpsQueued      int
	OpsSkipped     int // synced history, duplicates, and superseded lines
	BackupCreated  string
	Errors         []string // per-line failures, line-numbered
}

// Export writes every record and queued operation to a JSONL file at path.
// The snapshot lands under a temporary name and is renamed into place, so a
// reader never observes a partial file. Records come first, then operations
// in queue order.
func Export(ctx context.Context, store *db.DB, path string) (*ExportResult, error) {
	recs, err := store.AllRecords(ctx)
	if err != nil {
		return nil, err
	}
	ops, err := store.ListOps(ctx, "")
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".zeke-export-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		tmp.Close()
		os.Remove(tmpPath) // no-op once the rename has happened
	}()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, rec := range recs {
		if err := enc.Encode(snapshotLine{Kind: kindRecord, Record: rec}); err != nil {
			return nil, fmt.Errorf("failed to encode record %s: %w", rec.Key(), err)
		}
	}
	for _, op := range ops {
		if err := enc.Encode(snapshotLine{Kind: kindOperation, Operation: op}); err != nil {
			return nil, fmt.Errorf("failed to encode operation %s: %w", op.ID, err)
		}
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return nil, fmt.Errorf("failed to move snapshot into place: %w", err)
	}

	return &ExportResult{Records: len(recs), Operations: len(ops), Path: path}, nil
}

// Import merges the JSONL snapshot at path into the store.
//
// Records apply under versioning: a line lands only when its version is
// newer than the local row, and queued local edits are never touched, so
// unsynced work survives. Operations are restored with their identity,
// queue position, and status intact, with three exceptions: synced history
// is not resurrected, an operation id the store already knows is skipped,
// and a snapshot operation for an entity with queued local work is skipped
// because the local edit is the newer truth. In-flight lines return to
// pending, since no flush in this process holds their claim.
//
// Malformed lines are reported in the result and do not stop the import.
func Import(ctx context.Context, store *db.DB, path string, opts ImportOptions) (*ImportResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	result := &ImportResult{}

	if opts.Backup && !opts.DryRun {
		backupPath := path + ".backup." + time.Now().Format("20060102-150405")
		if _, err := Export(ctx, store, backupPath); err != nil {
			return nil, fmt.Errorf("failed to back up store before import: %w", err)
		}
		result.BackupCreated = backupPath
	}

	// Entities with queued local work; snapshot operations for these are
	// stale and must not replace them.
	active := make(map[string]bool)
	for _, status := range []schema.OpStatus{schema.StatusPending, schema.StatusSyncing} {
		ops, err := store.ListOps(ctx, status)
		if err != nil {
			return result, err
		}
		for _, op := range ops {
			active[op.EntityType+"/"+op.EntityID] = true
		}
	}

	// Local versions, tombstones included, for the dry-run prediction.
	existing := make(map[string]int64)
	if opts.DryRun {
		current, err := store.AllRecords(ctx)
		if err != nil {
			return result, err
		}
		for _, rec := range current {
			existing[rec.Key()] = rec.Version
		}
	}

	var recs []*schema.DomainRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	lineNum := 0
	for sc.Scan() {
		lineNum++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var line snapshotLine
		if err := json.Unmarshal(raw, &line); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: invalid JSON: %v", lineNum, err))
			continue
		}

		switch line.Kind {
		case kindRecord:
			if line.Record == nil {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: record line without a body", lineNum))
				continue
			}
			if err := line.Record.Validate(); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: invalid record: %v", lineNum, err))
				continue
			}
			recs = append(recs, line.Record)

		case kindOperation:
			op := line.Operation
			if op == nil {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: operation line without a body", lineNum))
				continue
			}
			if err := op.Validate(); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: invalid operation: %v", lineNum, err))
				continue
			}
			if op.Status == schema.StatusSynced {
				result.OpsSkipped++
				continue
			}
			if active[op.EntityType+"/"+op.EntityID] {
				result.OpsSkipped++
				continue
			}
			if _, err := store.GetOp(ctx, op.ID); err == nil {
				result.OpsSkipped++
				continue
			} else if !db.IsNotFound(err) {
				return result, fmt.Errorf("failed to check operation %s: %w", op.ID, err)
			}
			if op.Status == schema.StatusSyncing {
				op.ResetForRetry()
			}
			if opts.DryRun {
				result.OpsQueued++
				continue
			}
			if err := store.EnqueueOpContext(ctx, op); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("line %d: %v", lineNum, err))
				continue
			}
			if op.Status == schema.StatusPending {
				active[op.EntityType+"/"+op.EntityID] = true
			}
			result.OpsQueued++

		default:
			result.Errors = append(result.Errors, fmt.Sprintf("line %d: unknown line kind %q", lineNum, line.Kind))
		}
	}
	if err := sc.Err(); err != nil {
		return result, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if opts.DryRun {
		for _, rec := range recs {
			version, ok := existing[rec.Key()]
			if !ok || rec.Version > version {
				result.RecordsApplied++
			} else {
				result.RecordsSkipped++
			}
		}
		return result, nil
	}

	applied, err := store.ApplySnapshot(ctx, recs)
	result.RecordsApplied = applied
	result.RecordsSkipped = len(recs) - applied
	if err != nil {
		return result, fmt.Errorf("failed to apply snapshot records: %w", err)
	}
	return result, nil
}
