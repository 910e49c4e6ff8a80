// Package api implements the backend's HTTP surface.
//
// The server exposes the sync protocol the client engine speaks:
//
//	POST /v1/mutations               apply one mutation (idempotent)
//	GET  /v1/records                 snapshot feed for imports
//	GET  /v1/sessions/{id}           conversation context (KV-backed)
//	PUT  /v1/sessions/{id}
//	GET  /v1/automations/{id}/state  automation state (KV-backed)
//	PUT  /v1/automations/{id}/state
//	GET  /healthz                    liveness, the connectivity probe target
//	GET  /ws                         realtime invalidation channel
//	GET  /metrics                    Prometheus metrics
//
// Every applied mutation is broadcast on the invalidation channel so
// connected clients refresh the affected domain area.
package api

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/mod/semver"

	"github.com/Johnsonbros/zeke/internal/server/hub"
	"github.com/Johnsonbros/zeke/internal/server/idem"
	"github.com/Johnsonbros/zeke/internal/server/kv"
	"github.com/Johnsonbros/zeke/internal/server/store"
	"github.com/Johnsonbros/zeke/internal/sync/remote"
)

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default ":8787").
	Addr string

	// Store is the authoritative record store. Required.
	Store *store.Store

	// KV backs sessions, automation state, and the idempotency guard.
	// Defaults to the in-memory backend.
	KV kv.Store

	// Guard deduplicates mutations. Defaults to a guard over KV with
	// the standard retention window.
	Guard idem.Guard

	// MinClientVersion rejects older clients by their advertised
	// semver ("1.4.0"). Empty disables the gate.
	MinClientVersion string

	// SessionTTL bounds session entries (default 24h).
	SessionTTL time.Duration

	// AutomationTTL bounds automation state entries (default 1h).
	AutomationTTL time.Duration

	// CleanupInterval is the cadence of the expired-entry sweep
	// (default 1h).
	CleanupInterval time.Duration

	// Logger for server activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for everything but Store.
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":8787",
		SessionTTL:      24 * time.Hour,
		AutomationTTL:   time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Server is the backend HTTP server.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	store *store.Store
	kv    kv.Store
	guard idem.Guard
	hub   *hub.Hub

	minClientVersion string
	sessionTTL       time.Duration
	automationTTL    time.Duration
	cleanupInterval  time.Duration

	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a Server from the config.
func NewServer(config *Config) (*Server, error) {
	if config == nil || config.Store == nil {
		return nil, fmt.Errorf("store is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[api] ", log.LstdFlags)
	}

	kvStore := config.KV
	if kvStore == nil {
		kvStore = kv.NewMemory()
	}

	guard := config.Guard
	if guard == nil {
		var err error
		guard, err = idem.New(kvStore, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to build idempotency guard: %w", err)
		}
	}

	if config.MinClientVersion != "" && !semver.IsValid("v"+config.MinClientVersion) {
		return nil, fmt.Errorf("invalid minimum client version %q", config.MinClientVersion)
	}

	defaults := DefaultConfig()
	addr := config.Addr
	if addr == "" {
		addr = defaults.Addr
	}
	sessionTTL := config.SessionTTL
	if sessionTTL <= 0 {
		sessionTTL = defaults.SessionTTL
	}
	automationTTL := config.AutomationTTL
	if automationTTL <= 0 {
		automationTTL = defaults.AutomationTTL
	}
	cleanupInterval := config.CleanupInterval
	if cleanupInterval <= 0 {
		cleanupInterval = defaults.CleanupInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr:             addr,
		store:            config.Store,
		kv:               kvStore,
		guard:            guard,
		hub:              hub.New(logger),
		minClientVersion: config.MinClientVersion,
		sessionTTL:       sessionTTL,
		automationTTL:    automationTTL,
		cleanupInterval:  cleanupInterval,
		ctx:              ctx,
		cancel:           cancel,
		logger:           logger,
	}
	s.metrics = newMetrics(s.hub.ClientCount)
	return s, nil
}

// Hub returns the invalidation hub, for callers that broadcast outside
// the mutation path.
func (s *Server) Hub() *hub.Hub {
	return s.hub
}

// Addr returns the listening address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Start begins listening and serving. It returns once the listener is
// up; serving continues in the background until Stop.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.hub.Start()

	s.wg.Add(1)
	go s.cleanupLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("API server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping API server")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.hub.Stop()
	s.wg.Wait()

	s.logger.Println("API server stopped")
	return nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// Unversioned surfaces: the probe target must answer any client,
	// and the channel carries no version header.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/ws", s.hub.HandleWS)
	r.Get("/metrics", s.metrics.handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.metrics.instrument)
		r.Use(s.versionGate)

		r.Post("/v1/mutations", s.handleMutation)
		r.Get("/v1/records", s.handleRecords)

		r.Get("/v1/sessions/{id}", s.handleGetSession)
		r.Put("/v1/sessions/{id}", s.handlePutSession)

		r.Get("/v1/automations/{id}/state", s.handleGetAutomationState)
		r.Put("/v1/automations/{id}/state", s.handlePutAutomationState)
	})

	return r
}

// versionGate rejects clients advertising a version below the
// configured minimum. Clients that send no version pass; the gate
// exists to push known-incompatible clients to upgrade, not to demand
// the header.
func (s *Server) versionGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.minClientVersion == "" {
			next.ServeHTTP(w, r)
			return
		}
		version := r.Header.Get(remote.HeaderClientVersion)
		if version == "" {
			next.ServeHTTP(w, r)
			return
		}
		if !semver.IsValid("v" + version) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid client version %q", version))
			return
		}
		if semver.Compare("v"+version, "v"+s.minClientVersion) < 0 {
			writeError(w, http.StatusUpgradeRequired,
				fmt.Sprintf("client version %s is below the supported minimum %s", version, s.minClientVersion))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cleanupLoop sweeps expired KV entries on a slow cadence. Reads
// already ignore expired entries; the sweep just reclaims space.
func (s *Server) cleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			removed, err := s.kv.CleanupExpired(s.ctx)
			if err != nil {
				s.logger.Printf("KV cleanup failed: %v", err)
				continue
			}
			if removed > 0 {
				s.metrics.kvExpiredRemoved.Add(float64(removed))
				s.logger.Printf("KV cleanup removed %d expired entries", removed)
			}
		}
	}
}
