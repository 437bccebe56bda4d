// Package relay implements the core of the chat service: the in-process
// connection registry, the cross-process publish/subscribe fan-out, and the
// per-connection protocol state machine.
package relay

import (
	"log/slog"
	"sync"
)

// Registry tracks live connections grouped by room. It is safe for
// arbitrary concurrent register/unregister/broadcast calls; a connection is
// never delivered to after Unregister returns and never skipped by a
// broadcast that snapshotted it beforehand.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[uint]map[*Client]struct{}
	logger *slog.Logger
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		rooms:  make(map[uint]map[*Client]struct{}),
		logger: logger,
	}
}

// Register adds the connection to its room's local set. It is called once
// per connection lifetime, after admission.
func (r *Registry) Register(c *Client) {
	r.mu.Lock()
	set, ok := r.rooms[c.roomID]
	if !ok {
		set = make(map[*Client]struct{})
		r.rooms[c.roomID] = set
	}
	set[c] = struct{}{}
	c.closed = false
	total := len(set)
	r.mu.Unlock()

	r.logger.Info("connection registered",
		"conn_id", c.id, "room_id", c.roomID, "username", c.identity.Username, "room_connections", total)
}

// Unregister removes the connection from its room and closes its send
// channel. Calling it again after the first removal is a no-op.
func (r *Registry) Unregister(c *Client) {
	r.mu.Lock()
	set, ok := r.rooms[c.roomID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, present := set[c]; !present {
		r.mu.Unlock()
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.rooms, c.roomID)
	}
	c.closed = true
	total := len(set)
	r.mu.Unlock()

	// Close after releasing the lock so the write pump can drain.
	close(c.send)
	r.logger.Info("connection unregistered",
		"conn_id", c.id, "room_id", c.roomID, "username", c.identity.Username, "room_connections", total)
}

// Send enqueues a payload for a single connection. It reports false when
// the connection is gone or its send buffer is full.
func (r *Registry) Send(c *Client, payload []byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sendLocked(c, payload)
}

// sendLocked delivers to one connection; the caller holds at least a read
// lock so the closed flag and room membership cannot change underneath.
func (r *Registry) sendLocked(c *Client, payload []byte) bool {
	if c.closed {
		return false
	}
	if set, ok := r.rooms[c.roomID]; !ok {
		return false
	} else if _, present := set[c]; !present {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// BroadcastLocal delivers the payload to every locally registered
// connection of the room in one pass. A connection that cannot accept the
// payload is evicted; delivery to the remaining connections continues.
func (r *Registry) BroadcastLocal(roomID uint, payload []byte) {
	clients := r.roomSnapshot(roomID)
	if len(clients) == 0 {
		return
	}

	var failed []*Client
	r.mu.RLock()
	for _, c := range clients {
		if !r.sendLocked(c, payload) {
			failed = append(failed, c)
		}
	}
	r.mu.RUnlock()

	r.evict(failed)
}

func (r *Registry) roomSnapshot(roomID uint) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.rooms[roomID]
	clients := make([]*Client, 0, len(set))
	for c := range set {
		clients = append(clients, c)
	}
	return clients
}

// evict removes connections whose sends failed mid-broadcast. Their send
// channels are closed only after the lock is released.
func (r *Registry) evict(failed []*Client) {
	if len(failed) == 0 {
		return
	}

	r.mu.Lock()
	var toClose []chan []byte
	for _, c := range failed {
		set, ok := r.rooms[c.roomID]
		if !ok {
			continue
		}
		if _, present := set[c]; !present {
			continue
		}
		delete(set, c)
		if len(set) == 0 {
			delete(r.rooms, c.roomID)
		}
		c.closed = true
		toClose = append(toClose, c.send)
		r.logger.Warn("connection evicted during broadcast",
			"conn_id", c.id, "room_id", c.roomID, "username", c.identity.Username)
	}
	r.mu.Unlock()

	for _, ch := range toClose {
		close(ch)
	}
}

// RoomCount returns the number of locally registered connections for a room.
func (r *Registry) RoomCount(roomID uint) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

// CloseAll force-closes every registered connection's transport. Used
// during shutdown; the read pumps then unwind through normal teardown.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	var clients []*Client
	for _, set := range r.rooms {
		for c := range set {
			clients = append(clients, c)
		}
	}
	r.mu.RUnlock()

	for _, c := range clients {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	}
}
