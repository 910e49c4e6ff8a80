// Package hub implements the server end of the realtime invalidation
// channel.
//
// The mutation endpoint broadcasts a small notification whenever it
// applies a change; every connected client receives it and refreshes
// the affected domain area. The channel is live-only: nothing is
// buffered for disconnected clients, and a dropped message costs only
// latency, because clients converge through pulls regardless.
package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Actions carried by invalidation messages.
const (
	ActionCreated      = "created"
	ActionUpdated      = "updated"
	ActionDeleted      = "deleted"
	ActionStatusChange = "status_change"
)

// writeTimeout bounds one send to one client. A stalled client loses
// its connection rather than stalling the broadcast loop.
const writeTimeout = 5 * time.Second

// Message is one invalidation notification. The shape matches what the
// client listener decodes.
type Message struct {
	Type      string          `json:"type"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Hub fans invalidation messages out to connected websocket clients.
//
// Mount HandleWS on an HTTP route, Start the broadcast loop, and feed
// messages through Broadcast.
type Hub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// New creates a Hub. If logger is nil, a default logger writing to
// stderr is used.
func New(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stderr, "[hub] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start launches the broadcast loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

// Stop disconnects every client and stops the broadcast loop.
func (h *Hub) Stop() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// Broadcast queues a message for every connected client. It never
// blocks; when the queue is full the message is dropped, and clients
// catch up through their next pull.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	case <-h.ctx.Done():
	default:
		h.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// HandleWS upgrades the request to a websocket and keeps the client
// subscribed until it disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.clientsMu.Unlock()

	h.logger.Printf("Channel client connected (total: %d)", count)

	go h.readLoop(conn)
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case msg := <-h.broadcast:
			if msg.Timestamp.IsZero() {
				msg.Timestamp = time.Now().UTC()
			}

			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			h.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				conns = append(conns, conn)
			}
			h.clientsMu.RUnlock()

			// Writes happen outside the lock so a slow client cannot
			// block connects and disconnects.
			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					h.logger.Printf("Failed to send to client: %v", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

// readLoop drains inbound frames so the connection stays alive, and
// prunes the client when it disconnects. Clients have nothing to say on
// this channel; their messages are discarded.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; !exists {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, conn)
	count := len(h.clients)
	h.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Printf("Channel client disconnected (total: %d)", count)
}
