package connectivity

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// DefaultProbeInterval is how often the monitor re-checks reachability.
const DefaultProbeInterval = 3 * time.Second

// Prober answers a single reachability check.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProbeFunc adapts a function to the Prober interface.
type ProbeFunc func(ctx context.Context) bool

// Probe implements Prober.
func (f ProbeFunc) Probe(ctx context.Context) bool {
	return f(ctx)
}

// HTTPProber checks reachability against a health endpoint.
//
// Any HTTP response counts as online, including server errors: a 500 still
// proves the network path works. Only transport failures count as offline.
type HTTPProber struct {
	// URL is the health endpoint, e.g. https://api.zeke.app/healthz.
	URL string
	// Client is the HTTP client to probe with. If nil, a client with a
	// 5 second timeout is used.
	Client *http.Client
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// monitor implements the Monitor interface.
type monitor struct {
	prober   Prober
	interval time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	online bool
	subs   map[int]func(online bool)
	nextID int
}

// New creates a new connectivity Monitor.
//
// The monitor starts offline; the first probe (from Start or Refresh)
// corrects the cache. An interval of 0 uses DefaultProbeInterval.
//
// If logger is nil, a default logger writing to stderr is used.
func New(prober Prober, interval time.Duration, logger *log.Logger) Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}
	return &monitor{
		prober:   prober,
		interval: interval,
		logger:   logger,
		subs:     make(map[int]func(online bool)),
	}
}

// IsOnline implements Monitor.IsOnline.
func (m *monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange implements Monitor.OnChange.
func (m *monitor) OnChange(fn func(online bool)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Refresh implements Monitor.Refresh.
func (m *monitor) Refresh(ctx context.Context) bool {
	online := m.prober.Probe(ctx)
	m.SetOnline(online)
	return online
}

// SetOnline implements Monitor.SetOnline.
func (m *monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	// Snapshot subscribers so dispatch happens outside the lock
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	if online {
		m.logger.Printf("Backend reachable")
	} else {
		m.logger.Printf("Backend unreachable")
	}

	for _, fn := range subs {
		go m.notify(fn, online)
	}
}

// notify runs one subscriber callback, containing panics so a broken
// subscriber cannot take down the probe loop.
func (m *monitor) notify(fn func(bool), online bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Printf("WARNING: connectivity subscriber panicked: %v", r)
		}
	}()
	fn(online)
}

// Start implements Monitor.Start.
func (m *monitor) Start(ctx context.Context) {
	m.Refresh(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Refresh(ctx)
		}
	}
}
