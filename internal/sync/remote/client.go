// Package remote implements the HTTP client the sync engine uses to talk
// to the Zeke backend.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/Johnsonbros/zeke/internal/sync/schema"
)

// DefaultTimeout bounds a single backend call.
const DefaultTimeout = 15 * time.Second

// Header names shared with the server.
const (
	HeaderIdempotencyKey  = "Idempotency-Key"
	HeaderIdempotentReply = "X-Idempotent-Replay"
	HeaderClientVersion   = "X-Zeke-Client"
)

// Client performs backend calls for the sync engine.
//
// Implementations classify failures into the remote error taxonomy so the
// queue can tell retriable faults from terminal rejections.
type Client interface {
	// PushOperation uploads one queued mutation.
	//
	// The operation's idempotency key travels in the Idempotency-Key
	// header; the backend replays the recorded outcome for a duplicate
	// key instead of applying the mutation twice.
	PushOperation(ctx context.Context, op *schema.PendingOperation) (*PushResult, error)

	// FetchSnapshot downloads records changed since the given time.
	// A zero since fetches everything.
	FetchSnapshot(ctx context.Context, since time.Time) ([]*schema.DomainRecord, error)

	// FetchEntities downloads every record of one entity type. Used for
	// invalidation-driven refreshes of a single domain area.
	FetchEntities(ctx context.Context, entityType string) ([]*schema.DomainRecord, error)

	// Healthz checks that the backend answers at all.
	Healthz(ctx context.Context) error
}

// PushResult is the backend's answer to an uploaded mutation.
type PushResult struct {
	// Version is the canonical version the backend assigned to the
	// entity after applying (or replaying) the mutation.
	Version int64 `json:"version"`

	// Replayed is true when the backend recognized the idempotency key
	// and returned the recorded outcome instead of applying again.
	Replayed bool `json:"-"`
}

// mutationRequest is the wire form of an uploaded operation.
type mutationRequest struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// snapshotResponse is the wire form of a record download.
type snapshotResponse struct {
	Records []*schema.DomainRecord `json:"records"`
}

// errorResponse is the wire form of a backend rejection body.
type errorResponse struct {
	Error string `json:"error"`
}

// HTTPClient implements Client over the backend's REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	version string
	logger  *log.Logger
}

// NewHTTP creates a Client for the backend at baseURL.
//
// If client is nil, one with DefaultTimeout is used. version is advertised
// in the X-Zeke-Client header so the backend can gate incompatible
// clients; empty omits the header. If logger is nil, a default logger
// writing to stderr is used.
func NewHTTP(baseURL string, client *http.Client, version string, logger *log.Logger) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		version: version,
		logger:  logger,
	}
}

// PushOperation implements Client.PushOperation.
func (c *HTTPClient) PushOperation(ctx context.Context, op *schema.PendingOperation) (*PushResult, error) {
	body, err := json.Marshal(mutationRequest{
		ID:         op.ID,
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Kind:       string(op.Kind),
		Payload:    op.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal mutation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/mutations", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderIdempotencyKey, op.IdempotencyKey)
	if c.version != "" {
		req.Header.Set(HeaderClientVersion, c.version)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	var result PushResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode push result: %w", err)
	}
	result.Replayed = resp.Header.Get(HeaderIdempotentReply) == "true"

	if result.Replayed {
		c.logger.Printf("Mutation %s replayed by backend (duplicate key)", op.ID)
	}

	return &result, nil
}

// FetchSnapshot implements Client.FetchSnapshot.
func (c *HTTPClient) FetchSnapshot(ctx context.Context, since time.Time) ([]*schema.DomainRecord, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("since", since.UTC().Format(time.RFC3339))
	}
	return c.fetchRecords(ctx, params)
}

// FetchEntities implements Client.FetchEntities.
func (c *HTTPClient) FetchEntities(ctx context.Context, entityType string) ([]*schema.DomainRecord, error) {
	params := url.Values{}
	params.Set("type", entityType)
	return c.fetchRecords(ctx, params)
}

func (c *HTTPClient) fetchRecords(ctx context.Context, params url.Values) ([]*schema.DomainRecord, error) {
	endpoint := c.baseURL + "/v1/records"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.version != "" {
		req.Header.Set(HeaderClientVersion, c.version)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readError(resp)
	}

	var snapshot snapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	return snapshot.Records, nil
}

// Healthz implements Client.Healthz.
func (c *HTTPClient) Healthz(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readError(resp)
	}
	return nil
}

// classifyTransport maps a transport failure onto the error taxonomy.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	// net/http wraps timeouts in url.Error with Timeout() true
	var uerr *url.Error
	if errors.As(err, &uerr) && uerr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrOffline, err)
}

// readError turns a non-200 response into an *Error with the body detail.
func readError(resp *http.Response) error {
	detail := ""
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err == nil && len(body) > 0 {
		var er errorResponse
		if json.Unmarshal(body, &er) == nil && er.Error != "" {
			detail = er.Error
		} else {
			detail = strings.TrimSpace(string(body))
		}
	}
	return &Error{Status: resp.StatusCode, Message: detail}
}
