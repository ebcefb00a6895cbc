package server

import (
	"sync"

	"sealed-relay/internal/metrics"

	"github.com/google/uuid"
)

// Hub tracks authenticated sockets by user and by room. Every map is guarded
// by mu; Client.rooms is part of the same state.
type Hub struct {
	mu     sync.RWMutex
	users  map[uuid.UUID]map[string]*Client
	rooms  map[string]map[string]*Client
	logger *WebSocketLogger
}

func NewHub() *Hub {
	return &Hub{
		users:  make(map[uuid.UUID]map[string]*Client),
		rooms:  make(map[string]map[string]*Client),
		logger: NewWebSocketLogger(),
	}
}

// Register adds an authenticated client. first reports whether it is the
// user's only socket.
func (h *Hub) Register(c *Client) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID := c.UserID()
	if h.users[userID] == nil {
		h.users[userID] = make(map[string]*Client)
	}
	first = len(h.users[userID]) == 0
	h.users[userID][c.clientID] = c
	metrics.WebsocketConnections.Inc()
	return first
}

// Unregister removes the client from every map and closes its send queue.
// When it was the user's last socket, audience lists the sockets that shared
// a room with the user, captured before removal.
func (h *Hub) Unregister(c *Client) (last bool, audience []*Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID := c.UserID()
	userClients, ok := h.users[userID]
	if !ok || userClients[c.clientID] == nil {
		c.closeSend()
		return false, nil
	}

	if len(userClients) == 1 {
		last = true
		audience = h.audienceLocked(userID)
	}

	for room := range c.rooms {
		h.leaveLocked(c, room)
	}
	delete(userClients, c.clientID)
	if len(userClients) == 0 {
		delete(h.users, userID)
	}
	metrics.WebsocketConnections.Dec()
	c.closeSend()
	return last, audience
}

// Join admits c to room. newcomer reports whether no other socket of the
// same user was in the room already.
func (h *Hub) Join(c *Client, room string) (newcomer bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c.rooms[room] {
		return false
	}
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	newcomer = true
	userID := c.UserID()
	for _, other := range members {
		if other.UserID() == userID {
			newcomer = false
			break
		}
	}
	members[c.clientID] = c
	c.rooms[room] = true
	return newcomer
}

func (h *Hub) Leave(c *Client, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !c.rooms[room] {
		return false
	}
	h.leaveLocked(c, room)
	return true
}

func (h *Hub) leaveLocked(c *Client, room string) {
	delete(c.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, c.clientID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *Hub) InRoom(c *Client, room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return c.rooms[room]
}

// RoomUsers returns the distinct users with a socket in room.
func (h *Hub) RoomUsers(room string) []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[uuid.UUID]bool)
	var out []uuid.UUID
	for _, c := range h.rooms[room] {
		id := c.UserID()
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func (h *Hub) IsOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

func (h *Hub) SocketCount(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

// audienceLocked returns sockets of other users sharing any room with userID.
func (h *Hub) audienceLocked(userID uuid.UUID) []*Client {
	seen := make(map[string]bool)
	var out []*Client
	for _, own := range h.users[userID] {
		for room := range own.rooms {
			for id, peer := range h.rooms[room] {
				if peer.UserID() == userID || seen[id] {
					continue
				}
				seen[id] = true
				out = append(out, peer)
			}
		}
	}
	return out
}

// RoomAudience returns the sockets in room that belong to other users.
func (h *Hub) RoomAudience(room string, userID uuid.UUID) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Client
	for _, c := range h.rooms[room] {
		if c.UserID() != userID {
			out = append(out, c)
		}
	}
	return out
}

// UserSockets returns every socket of the given users.
func (h *Hub) UserSockets(userIDs []uuid.UUID) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []*Client
	for _, id := range userIDs {
		for _, c := range h.users[id] {
			out = append(out, c)
		}
	}
	return out
}

// Targets selects sockets for one delivery. Every field is optional and the
// result has no duplicates.
type Targets struct {
	Room   string
	UserID uuid.UUID
	// DeviceID restricts UserID to sockets mapped to that device.
	DeviceID int
	Except   *Client
}

func (h *Hub) collect(t Targets) map[string]*Client {
	out := make(map[string]*Client)
	if t.Room != "" {
		for id, c := range h.rooms[t.Room] {
			out[id] = c
		}
	}
	if t.UserID != uuid.Nil {
		for id, c := range h.users[t.UserID] {
			if t.DeviceID != 0 && c.DeviceID() != t.DeviceID {
				continue
			}
			out[id] = c
		}
	}
	if t.Except != nil {
		delete(out, t.Except.clientID)
	}
	return out
}

// Deliver queues data on every selected socket and returns how many
// accepted it. Full queues drop the frame.
func (h *Hub) Deliver(t Targets, data []byte) int {
	h.mu.RLock()
	targets := h.collect(t)
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Send(data) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) SendTo(clients []*Client, data []byte) {
	for _, c := range clients {
		c.Send(data)
	}
}

// Stop disconnects every socket.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, userClients := range h.users {
		for _, c := range userClients {
			c.closeSend()
			metrics.WebsocketConnections.Dec()
		}
	}
	h.users = make(map[uuid.UUID]map[string]*Client)
	h.rooms = make(map[string]map[string]*Client)
}
