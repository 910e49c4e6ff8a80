package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Johnsonbros/zeke/internal/server/hub"
	"github.com/Johnsonbros/zeke/internal/server/kv"
	"github.com/Johnsonbros/zeke/internal/sync/remote"
	"github.com/Johnsonbros/zeke/internal/sync/schema"
)

// maxBodyBytes bounds request bodies. Payloads are small domain
// documents, not uploads.
const maxBodyBytes = 1 << 20

// mutationRequest is the wire form of an uploaded operation.
type mutationRequest struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// validate mirrors the store's rules so deterministic rejections happen
// before the idempotency key is claimed. A 400 must never consume a
// key, or the client's retry would stall on an outcome-less duplicate.
func (m *mutationRequest) validate() error {
	if m.EntityType == "" {
		return fmt.Errorf("entity_type is required")
	}
	if m.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	switch schema.OpKind(m.Kind) {
	case schema.OpCreate, schema.OpUpdate, schema.OpToggle:
		if len(m.Payload) == 0 {
			return fmt.Errorf("payload is required for %s", m.Kind)
		}
	case schema.OpDelete:
	default:
		return fmt.Errorf("unknown mutation kind %q", m.Kind)
	}
	return nil
}

// mutationResponse is the success body for an applied mutation.
type mutationResponse struct {
	Version int64 `json:"version"`
}

func (s *Server) handleMutation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req mutationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.metrics.mutationsTotal.WithLabelValues(resultRejected).Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	key := r.Header.Get(remote.HeaderIdempotencyKey)
	if key == "" {
		s.metrics.mutationsTotal.WithLabelValues(resultRejected).Inc()
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}

	if err := req.validate(); err != nil {
		s.metrics.mutationsTotal.WithLabelValues(resultRejected).Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	claim, err := s.guard.Claim(r.Context(), key)
	if err != nil {
		s.logger.Printf("Failed to claim idempotency key: %v", err)
		s.metrics.mutationsTotal.WithLabelValues(resultFailed).Inc()
		writeError(w, http.StatusInternalServerError, "failed to check idempotency key")
		return
	}

	if claim.IsDuplicate {
		if len(claim.Outcome) > 0 {
			s.logger.Printf("Replaying mutation %s (duplicate key)", req.ID)
			s.metrics.mutationsTotal.WithLabelValues(resultReplayed).Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(remote.HeaderIdempotentReply, "true")
			w.WriteHeader(http.StatusOK)
			w.Write(claim.Outcome)
			return
		}
		// First delivery claimed the key but has no outcome yet. Telling
		// the client to retry keeps this delivery from applying twice.
		s.metrics.mutationsTotal.WithLabelValues(resultConflict).Inc()
		writeError(w, http.StatusServiceUnavailable, "mutation with this key is in flight, retry shortly")
		return
	}

	version, err := s.store.ApplyMutation(r.Context(), req.EntityType, req.EntityID, schema.OpKind(req.Kind), req.Payload)
	if err != nil {
		// Free the key so the client's retry executes instead of
		// stalling on an outcome-less duplicate.
		if rerr := s.guard.Release(r.Context(), key); rerr != nil {
			s.logger.Printf("Warning: failed to release idempotency key after apply error: %v", rerr)
		}
		s.logger.Printf("Failed to apply mutation %s: %v", req.ID, err)
		s.metrics.mutationsTotal.WithLabelValues(resultFailed).Inc()
		writeError(w, http.StatusInternalServerError, "failed to apply mutation")
		return
	}

	outcome, err := json.Marshal(mutationResponse{Version: version})
	if err != nil {
		s.metrics.mutationsTotal.WithLabelValues(resultFailed).Inc()
		writeError(w, http.StatusInternalServerError, "failed to encode response")
		return
	}

	// The mutation is applied; a failure to record the outcome only
	// costs a future duplicate its replay, so the response stays 200.
	if err := s.guard.Record(r.Context(), key, outcome); err != nil {
		s.logger.Printf("Warning: failed to record mutation outcome: %v", err)
	}

	s.hub.Broadcast(hub.Message{
		Type:   req.EntityType,
		Action: actionForKind(schema.OpKind(req.Kind)),
		Data:   json.RawMessage(fmt.Sprintf(`{"entity_id":%q}`, req.EntityID)),
	})

	s.metrics.mutationsTotal.WithLabelValues(resultApplied).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(outcome)
}

// actionForKind maps a mutation kind onto the invalidation action
// clients see on the channel.
func actionForKind(kind schema.OpKind) string {
	switch kind {
	case schema.OpCreate:
		return hub.ActionCreated
	case schema.OpDelete:
		return hub.ActionDeleted
	case schema.OpToggle:
		return hub.ActionStatusChange
	default:
		return hub.ActionUpdated
	}
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("type")

	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since %q: must be RFC 3339", raw))
			return
		}
		since = parsed
	}

	records, err := s.store.Snapshot(r.Context(), entityType, since)
	if err != nil {
		s.logger.Printf("Failed to load snapshot: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load records")
		return
	}
	if records == nil {
		records = []*schema.DomainRecord{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	s.handleKVGet(w, r, kv.NamespaceSession, "conv:")
}

func (s *Server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	s.handleKVPut(w, r, kv.NamespaceSession, "conv:", s.sessionTTL)
}

func (s *Server) handleGetAutomationState(w http.ResponseWriter, r *http.Request) {
	s.handleKVGet(w, r, kv.NamespaceState, "auto:")
}

func (s *Server) handlePutAutomationState(w http.ResponseWriter, r *http.Request) {
	s.handleKVPut(w, r, kv.NamespaceState, "auto:", s.automationTTL)
}

// handleKVGet serves one KV-backed document as its stored JSON.
func (s *Server) handleKVGet(w http.ResponseWriter, r *http.Request, namespace, prefix string) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	value, err := s.kv.Get(r.Context(), namespace, prefix+id)
	if kv.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		s.logger.Printf("Failed to read %s %s: %v", namespace, id, err)
		writeError(w, http.StatusInternalServerError, "failed to read entry")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(value)
}

// handleKVPut stores one KV-backed document, replacing any previous
// value and restarting its TTL.
func (s *Server) handleKVPut(w http.ResponseWriter, r *http.Request, namespace, prefix string, ttl time.Duration) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if !json.Valid(body) {
		writeError(w, http.StatusBadRequest, "body must be valid JSON")
		return
	}

	if err := s.kv.Set(r.Context(), namespace, prefix+id, body, ttl); err != nil {
		s.logger.Printf("Failed to store %s %s: %v", namespace, id, err)
		writeError(w, http.StatusInternalServerError, "failed to store entry")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// pathID extracts the {id} route param, rejecting values the KV layer
// cannot key.
func pathID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid id")
		return "", false
	}
	return id, true
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
