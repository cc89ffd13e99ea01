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

	"github.com/kcosr/termstation-sub005/internal/protocol"
)

// pair dials a throwaway WebSocket server and returns both ends.
func pair(t *testing.T) (server, client *websocket.Conn) {
	t.Helper()
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		accepted <- conn
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.CloseNow() })
	s := <-accepted
	t.Cleanup(func() { s.CloseNow() })
	return s, c
}

func readMsg(t *testing.T, conn *websocket.Conn, timeout time.Duration) (map[string]any, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m, true
}

func addClient(t *testing.T, h *Hub, id, username string, perms map[string]bool) *websocket.Conn {
	t.Helper()
	server, browser := pair(t)
	c := NewClient(id, server)
	c.Username = username
	c.Permissions = perms
	c.Authenticated = username != ""
	h.Register(c)
	return browser
}

func TestSendToClient(t *testing.T) {
	h := New(nil)
	browser := addClient(t, h, "c1", "alice", nil)

	if !h.SendToClient("c1", protocol.Pong{Type: protocol.TypePong}) {
		t.Fatalf("SendToClient failed")
	}
	msg, ok := readMsg(t, browser, 2*time.Second)
	if !ok || msg["type"] != protocol.TypePong {
		t.Errorf("got %v", msg)
	}

	if h.SendToClient("nope", protocol.Pong{Type: protocol.TypePong}) {
		t.Errorf("send to unknown client reported success")
	}
}

func TestBroadcastReachesAll(t *testing.T) {
	h := New(nil)
	b1 := addClient(t, h, "c1", "alice", nil)
	b2 := addClient(t, h, "c2", "bob", nil)

	h.Broadcast(protocol.Shutdown{Type: protocol.TypeShutdown}, "")
	for _, b := range []*websocket.Conn{b1, b2} {
		if msg, ok := readMsg(t, b, 2*time.Second); !ok || msg["type"] != protocol.TypeShutdown {
			t.Errorf("client missed broadcast: %v", msg)
		}
	}
}

func TestBroadcastExclude(t *testing.T) {
	h := New(nil)
	b1 := addClient(t, h, "c1", "alice", nil)
	b2 := addClient(t, h, "c2", "bob", nil)

	h.Broadcast(protocol.Pong{Type: protocol.TypePong}, "c1")
	if msg, ok := readMsg(t, b2, 2*time.Second); !ok || msg["type"] != protocol.TypePong {
		t.Errorf("c2 missed broadcast: %v", msg)
	}
	if _, ok := readMsg(t, b1, 300*time.Millisecond); ok {
		t.Errorf("excluded client received broadcast")
	}
}

func TestUserScopedDelivery(t *testing.T) {
	h := New(nil)
	alice := addClient(t, h, "c1", "alice", nil)
	bob := addClient(t, h, "c2", "bob", nil)

	h.Broadcast(protocol.NotificationUpdated{Type: protocol.TypeNotifUpdated, User: "alice"}, "")
	if msg, ok := readMsg(t, alice, 2*time.Second); !ok || msg["user"] != "alice" {
		t.Errorf("alice missed her notification: %v", msg)
	}
	if _, ok := readMsg(t, bob, 300*time.Millisecond); ok {
		t.Errorf("bob received alice's notification")
	}
}

func TestPrivateSessionVisibility(t *testing.T) {
	visibility := func(sessionID string) (string, bool, bool) {
		if sessionID == "s-private" {
			return "owner", true, true
		}
		return "", false, false
	}
	h := New(visibility)
	owner := addClient(t, h, "c1", "owner", nil)
	admin := addClient(t, h, "c2", "admin", map[string]bool{ManageAllSessions: true})
	bystander := addClient(t, h, "c3", "bob", nil)

	h.Broadcast(protocol.SessionUpdated{
		Type:       protocol.TypeSessionUpdated,
		UpdateType: protocol.UpdateUpdated,
		SessionID:  "s-private",
	}, "")

	for name, b := range map[string]*websocket.Conn{"owner": owner, "admin": admin} {
		if msg, ok := readMsg(t, b, 2*time.Second); !ok || msg["session_id"] != "s-private" {
			t.Errorf("%s missed private session update: %v", name, msg)
		}
	}
	if _, ok := readMsg(t, bystander, 300*time.Millisecond); ok {
		t.Errorf("bystander saw a private session update")
	}
}

func TestEvictOnFailedSend(t *testing.T) {
	h := New(nil)
	server, browser := pair(t)
	c := NewClient("c1", server)
	c.Username = "alice"
	c.Authenticated = true
	h.Register(c)

	browser.CloseNow()
	server.CloseNow()

	// First failed send evicts.
	h.Broadcast(protocol.Pong{Type: protocol.TypePong}, "")
	deadline := time.Now().Add(2 * time.Second)
	for h.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.Count() != 0 {
		t.Errorf("client not evicted after failed send, count=%d", h.Count())
	}
}
