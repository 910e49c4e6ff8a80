package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/Johnsonbros/zeke/internal/sync/connectivity"
	"github.com/Johnsonbros/zeke/internal/sync/db"
	"github.com/Johnsonbros/zeke/internal/sync/orchestrator"
	"github.com/Johnsonbros/zeke/internal/sync/queue"
	"github.com/Johnsonbros/zeke/internal/sync/remote"
	"github.com/Johnsonbros/zeke/internal/sync/repo"
)

// stack is the composed client engine. Commands build one per
// invocation and Close it on the way out.
type stack struct {
	dbPath  string
	store   *db.DB
	monitor connectivity.Monitor
	client  remote.Client
	queue   *queue.Queue
	repo    repo.Repository
	engine  *orchestrator.Engine
}

// openStack wires the full client stack from the loaded config: local
// store, backend client, connectivity monitor, flush queue, repository
// facade, and the engine over all of them.
func openStack(logger *log.Logger) (*stack, error) {
	dbPath, err := cfg.Client.ResolvedDBPath()
	if err != nil {
		return nil, err
	}
	store, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	serverURL := cfg.Client.ResolvedServerURL()
	client := remote.NewHTTP(serverURL, nil, version, logger)
	monitor := connectivity.New(&connectivity.HTTPProber{URL: serverURL + "/healthz"}, cfg.Client.ProbeEvery(), logger)
	q := queue.New(store, client, monitor, queue.Options{}, logger)
	rep := repo.New(store, client, q, logger)

	engine, err := orchestrator.New(orchestrator.Config{
		Store:      store,
		Monitor:    monitor,
		Queue:      q,
		Repo:       rep,
		Client:     client,
		ChannelURL: cfg.Client.ResolvedChannelURL(),
		Logger:     logger,
	})
	if err != nil {
		q.Close()
		store.Close()
		return nil, err
	}

	return &stack{
		dbPath:  dbPath,
		store:   store,
		monitor: monitor,
		client:  client,
		queue:   q,
		repo:    rep,
		engine:  engine,
	}, nil
}

func (s *stack) Close() {
	s.queue.Close()
	if err := s.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
	}
}

// quietLogger silences component chatter for one-shot commands, whose
// own output is the interface.
func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// shortID trims an operation id for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate bounds free-form text (error messages) for one-line display.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
