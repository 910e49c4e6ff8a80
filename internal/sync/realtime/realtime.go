// Package realtime maintains the live invalidation channel to the Zeke
// backend.
//
// The backend broadcasts a small notification whenever a record changes
// server-side. The listener maps each notification onto a domain area and
// hands it to the registered handler, which typically refreshes that area
// from the backend. The channel is live-only: messages sent while the
// listener is disconnected are gone, and nothing is replayed on
// reconnect. Periodic full syncs cover whatever the channel misses.
//
// The listener reconnects on its own with exponential backoff, resetting
// the delay after each successful connection. Malformed messages are
// logged and dropped without disturbing the connection.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/Johnsonbros/zeke/internal/sync/connectivity"
	"github.com/Johnsonbros/zeke/internal/sync/schema"
)

// Area identifies a client-side cache scope that an invalidation refreshes.
type Area string

const (
	AreaTasks      Area = "tasks"
	AreaJournal    Area = "journal"
	AreaChats      Area = "chats"
	AreaCalendar   Area = "calendar"
	AreaContacts   Area = "contacts"
	AreaLocations  Area = "locations"
	AreaLists      Area = "lists"
	AreaRecordings Area = "recordings"
)

// areaByType maps wire message types onto domain areas. A type missing
// here produces no invalidation.
var areaByType = map[string]Area{
	schema.EntityTask:      AreaTasks,
	schema.EntityJournal:   AreaJournal,
	schema.EntityChat:      AreaChats,
	schema.EntityCalendar:  AreaCalendar,
	schema.EntityContact:   AreaContacts,
	schema.EntityLocation:  AreaLocations,
	schema.EntityList:      AreaLists,
	schema.EntityRecording: AreaRecordings,
}

// AreaFor returns the domain area invalidated by a wire message type.
func AreaFor(wireType string) (Area, bool) {
	area, ok := areaByType[wireType]
	return area, ok
}

// EntityTypeFor returns the entity type behind a domain area, the inverse
// of AreaFor. Refresh paths use it to ask the backend for just that area.
func EntityTypeFor(area Area) (string, bool) {
	for wireType, a := range areaByType {
		if a == area {
			return wireType, true
		}
	}
	return "", false
}

// Message is one invalidation notification from the backend.
type Message struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Validate checks that the message carries the required fields.
func (m *Message) Validate() error {
	if m.Type == "" {
		return errors.New("message type is required")
	}
	if m.Action == "" {
		return errors.New("message action is required")
	}
	return nil
}

// Handler receives each invalidation that maps to a known area. It runs
// on the listener's read goroutine, so it should hand work off rather
// than block.
type Handler func(area Area, msg Message)

// State describes the channel's connection status.
type State int32

const (
	// StateDisconnected means the listener is stopped or never started.
	StateDisconnected State = iota
	// StateConnecting means the listener is dialing or waiting to redial.
	StateConnecting
	// StateConnected means the channel is up and delivering.
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Defaults for Options fields left zero.
const (
	DefaultReconnectBase = 1 * time.Second
	DefaultReconnectCap  = 30 * time.Second
	DefaultDialTimeout   = 10 * time.Second
)

// Options configures a Listener.
type Options struct {
	// ReconnectBase is the delay after the first failed connection
	// attempt (default 1s). The delay doubles per consecutive failure.
	ReconnectBase time.Duration
	// ReconnectCap bounds the reconnect delay (default 30s).
	ReconnectCap time.Duration
	// DialTimeout bounds each connection attempt (default 10s).
	DialTimeout time.Duration
}

// Listener owns the WebSocket connection and its reconnect loop.
type Listener struct {
	url     string
	handler Handler
	monitor connectivity.Monitor
	logger  *log.Logger

	reconnectBase time.Duration
	reconnectCap  time.Duration
	dialTimeout   time.Duration

	state atomic.Int32

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Listener for the given WebSocket URL.
//
// The monitor is optional; when present, each successful connection hints
// it online. If logger is nil, a default logger writing to stderr is used.
func New(url string, handler Handler, monitor connectivity.Monitor, opts Options, logger *log.Logger) *Listener {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = DefaultReconnectBase
	}
	if opts.ReconnectCap <= 0 {
		opts.ReconnectCap = DefaultReconnectCap
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if handler == nil {
		handler = func(Area, Message) {}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		url:           url,
		handler:       handler,
		monitor:       monitor,
		logger:        logger,
		reconnectBase: opts.ReconnectBase,
		reconnectCap:  opts.ReconnectCap,
		dialTimeout:   opts.DialTimeout,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start launches the connection loop. It returns immediately; use Stop to
// shut the listener down.
func (l *Listener) Start() {
	l.state.Store(int32(StateConnecting))
	l.wg.Add(1)
	go l.run()
}

// Stop closes the connection and waits for the loop to exit. Safe to call
// more than once.
func (l *Listener) Stop() {
	l.cancel()
	l.wg.Wait()
	l.state.Store(int32(StateDisconnected))
}

// Status reports the channel's connection state.
func (l *Listener) Status() State {
	return State(l.state.Load())
}

// Connected reports whether the channel is currently up.
func (l *Listener) Connected() bool {
	return l.Status() == StateConnected
}

// run dials, reads until the connection drops, and redials. The backoff
// delay doubles per consecutive dial failure and resets after a
// successful connection.
func (l *Listener) run() {
	defer l.wg.Done()

	delay := l.reconnectBase
	for {
		if l.ctx.Err() != nil {
			return
		}

		conn, err := l.dial()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.logger.Printf("Connect to %s failed: %v (retrying in %v)", l.url, err, delay)
			select {
			case <-l.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > l.reconnectCap {
				delay = l.reconnectCap
			}
			continue
		}

		delay = l.reconnectBase
		l.state.Store(int32(StateConnected))
		if l.monitor != nil {
			l.monitor.SetOnline(true)
		}
		l.logger.Printf("Invalidation channel connected")

		l.readLoop(conn)

		l.state.Store(int32(StateConnecting))
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if l.ctx.Err() != nil {
			return
		}
		l.logger.Printf("Invalidation channel lost, reconnecting")
		select {
		case <-l.ctx.Done():
			return
		case <-time.After(l.reconnectBase):
		}
	}
}

func (l *Listener) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(l.ctx, l.dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, l.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", l.url, err)
	}
	return conn, nil
}

// readLoop consumes messages until the connection drops or the listener
// stops.
func (l *Listener) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(l.ctx)
		if err != nil {
			return
		}
		l.dispatch(data)
	}
}

// dispatch parses one frame and routes it to the handler. Malformed
// frames and unknown types are dropped without touching the connection.
func (l *Listener) dispatch(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		l.logger.Printf("WARNING: dropping malformed invalidation message: %v", err)
		return
	}
	if err := msg.Validate(); err != nil {
		l.logger.Printf("WARNING: dropping malformed invalidation message: %v", err)
		return
	}
	area, ok := AreaFor(msg.Type)
	if !ok {
		l.logger.Printf("Ignoring invalidation with unknown type %q", msg.Type)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			l.logger.Printf("WARNING: invalidation handler panicked: %v", r)
		}
	}()
	l.handler(area, msg)
}
