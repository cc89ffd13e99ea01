// Package hub owns the registry of connected client WebSockets and the
// visibility-aware broadcast used to fan session events out to them.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/kcosr/termstation-sub005/internal/logger"
)

const sendTimeout = 5 * time.Second

// ManageAllSessions is the permission that reveals private sessions.
const ManageAllSessions = "manage_all_sessions"

// UserScoped messages are delivered only to clients of one username.
type UserScoped interface {
	TargetUser() string
}

// SessionScoped messages are filtered by the referenced session's
// visibility at delivery time.
type SessionScoped interface {
	SessionRef() string
}

// SessionVisibility resolves a session id to its owner and whether it is
// private. ok is false when the session is unknown (message goes to all).
type SessionVisibility func(sessionID string) (owner string, private bool, ok bool)

// Client is one connected WebSocket. A client may send I/O messages only
// after authenticating; the registry tracks the resolved identity.
type Client struct {
	ID            string
	Username      string
	Permissions   map[string]bool
	Authenticated bool

	conn    *websocket.Conn
	writeMu sync.Mutex
}

func NewClient(id string, conn *websocket.Conn) *Client {
	return &Client{ID: id, conn: conn}
}

// Send marshals msg as JSON and writes it with a bounded timeout.
// One attempt; the caller decides whether a failure evicts.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close closes the underlying WebSocket.
func (c *Client) Close(code websocket.StatusCode, reason string) {
	c.conn.Close(code, reason)
}

// Hub is the connection manager. It is the only writer of the client map;
// eviction happens exclusively through its APIs.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	visibility SessionVisibility
}

func New(visibility SessionVisibility) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		visibility: visibility,
	}
}

// Register adds a client to the registry.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
}

// Unregister removes a client. Idempotent.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	delete(h.clients, id)
	h.mu.Unlock()
}

// Get returns a registered client or nil.
func (h *Hub) Get(id string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

// Count returns the number of registered clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SendToClient delivers one message to one client. A failed send evicts
// the client and reports false.
func (h *Hub) SendToClient(id string, msg any) bool {
	c := h.Get(id)
	if c == nil {
		return false
	}
	if err := c.Send(msg); err != nil {
		logger.Debug("hub: send failed, evicting client", "client", id, "error", err)
		h.evict(c)
		return false
	}
	return true
}

// Broadcast delivers msg to every registered client that passes visibility
// filtering, skipping exclude. Failed sends evict; the loop never stops on
// a bad peer.
func (h *Hub) Broadcast(msg any, exclude string) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if c.ID == exclude {
			continue
		}
		if !h.allowed(c, msg) {
			continue
		}
		if err := c.Send(msg); err != nil {
			logger.Debug("hub: broadcast send failed, evicting client", "client", c.ID, "error", err)
			h.evict(c)
		}
	}
}

// allowed applies the visibility rules:
//   - user-scoped messages reach only that user's clients
//   - session-scoped messages about a private session reach the owner and
//     holders of manage_all_sessions
//   - everything else reaches everyone
func (h *Hub) allowed(c *Client, msg any) bool {
	if m, ok := msg.(UserScoped); ok {
		return c.Authenticated && c.Username == m.TargetUser()
	}
	m, ok := msg.(SessionScoped)
	if !ok || h.visibility == nil {
		return true
	}
	owner, private, known := h.visibility(m.SessionRef())
	if !known || !private {
		return true
	}
	if !c.Authenticated {
		return false
	}
	return c.Username == owner || c.Permissions[ManageAllSessions]
}

func (h *Hub) evict(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.ID)
	h.mu.Unlock()
	c.Close(websocket.StatusGoingAway, "send failed")
}

// CloseAll closes every client connection; used during shutdown after the
// shutdown notice has been broadcast.
func (h *Hub) CloseAll(code websocket.StatusCode, reason string) {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*Client)
	h.mu.Unlock()
	for _, c := range clients {
		c.Close(code, reason)
	}
}
