// Package hub tracks live client connections and fans domain events out to
// their recipients.
package hub

import (
	"log/slog"
	"sync"

	"github.com/serenmed/telecare/internal/domain"
)

// Conn is a live client connection. WebSocket connections and test fakes
// both implement it.
type Conn interface {
	// Send delivers one event to the client. A failed send is the
	// connection's problem; the hub never retries.
	Send(event domain.Event) error

	// Close tears the connection down.
	Close() error
}

// Hub manages active connections keyed by user id. A user may hold any
// number of simultaneous connections (multi-device).
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]Conn // userID -> connID -> conn
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{
		active: make(map[string]map[string]Conn),
	}
}

// Register adds a connection for a user. The user is online once their
// first connection registers.
func (h *Hub) Register(userID, connID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.active[userID]; !exists {
		h.active[userID] = make(map[string]Conn)
	}

	if existing, exists := h.active[userID][connID]; exists && existing != conn {
		_ = existing.Close()
	}

	h.active[userID][connID] = conn
	slog.Info("connection registered", "user_id", userID, "conn_id", connID)
}

// Unregister removes a connection. Safe to call from teardown paths
// triggered by network failure; unregistering a connection that was already
// replaced or removed is a no-op.
func (h *Hub) Unregister(userID, connID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.active[userID]
	if !ok {
		return
	}
	if current, exists := conns[connID]; exists && current == conn {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(h.active, userID)
		}
		slog.Info("connection unregistered", "user_id", userID, "conn_id", connID)
	}
}

// Publish delivers the event to every registered connection of every target
// user. Delivery to a disconnected user is dropped, not queued; durability
// is the store's job and catch-up is the resync protocol's.
//
// The recipient list is snapshotted under the read lock and sends happen
// outside it, so a slow client never blocks registration.
func (h *Hub) Publish(targetUserIDs []string, event domain.Event) {
	h.mu.RLock()
	var recipients []Conn
	for _, userID := range targetUserIDs {
		for _, conn := range h.active[userID] {
			recipients = append(recipients, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range recipients {
		if err := conn.Send(event); err != nil {
			slog.Debug("event delivery failed", "kind", event.Kind, "error", err)
		}
	}
}

// IsOnline reports whether the user has at least one registered connection.
// Advisory only: the user can disconnect immediately after this returns.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[userID]) > 0
}

// CloseUser forcefully closes every connection a user holds.
func (h *Hub) CloseUser(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.active[userID]
	if !ok {
		return
	}
	for connID, conn := range conns {
		_ = conn.Close()
		slog.Info("connection closed", "user_id", userID, "conn_id", connID)
	}
	delete(h.active, userID)
}
