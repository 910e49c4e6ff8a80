package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	h := New(nil)
	h.Start()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		h.Stop()
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to decode message %s: %v", data, err)
	}
	return msg
}

func TestBroadcastReachesAllClients(t *testing.T) {
	h, url := startHub(t)

	first := dial(t, url)
	second := dial(t, url)
	waitFor(t, "both clients to register", func() bool { return h.ClientCount() == 2 })

	h.Broadcast(Message{
		Type:   "task",
		Action: ActionUpdated,
		Data:   json.RawMessage(`{"entity_id":"task-1"}`),
	})

	for _, conn := range []*websocket.Conn{first, second} {
		msg := readMessage(t, conn)
		if msg.Type != "task" {
			t.Errorf("Message type = %q, want task", msg.Type)
		}
		if msg.Action != ActionUpdated {
			t.Errorf("Message action = %q, want %q", msg.Action, ActionUpdated)
		}
		if string(msg.Data) != `{"entity_id":"task-1"}` {
			t.Errorf("Message data = %s, want entity reference", msg.Data)
		}
		if msg.Timestamp.IsZero() {
			t.Error("Broadcast did not stamp the message")
		}
	}
}

func TestDisconnectPrunesClient(t *testing.T) {
	h, url := startHub(t)

	conn := dial(t, url)
	waitFor(t, "client to register", func() bool { return h.ClientCount() == 1 })

	_ = conn.Close(websocket.StatusNormalClosure, "done")
	waitFor(t, "client to be pruned", func() bool { return h.ClientCount() == 0 })
}

func TestBroadcastWithNoClients(t *testing.T) {
	h, _ := startHub(t)

	// Nothing to deliver to; must not block or panic
	h.Broadcast(Message{Type: "task", Action: ActionCreated})

	if h.ClientCount() != 0 {
		t.Errorf("ClientCount() = %d, want 0", h.ClientCount())
	}
}

func TestStopDisconnectsClients(t *testing.T) {
	h := New(nil)
	h.Start()
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	defer srv.Close()

	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))
	waitFor(t, "client to register", func() bool { return h.ClientCount() == 1 })

	h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("Read() after Stop() succeeded, want connection closed")
	}
	if h.ClientCount() != 0 {
		t.Errorf("ClientCount() after Stop() = %d, want 0", h.ClientCount())
	}
}
