package app

import (
	"sort"
	"sync"

	"virtual_space_service/internal/space/domain"
	"virtual_space_service/pkg"
	"virtual_space_service/pkg/logger"

	"go.uber.org/zap"
)

// RoomRegistry per-process map of space -> active connections.
// It is the source of truth for this process's broadcast fanout.
type RoomRegistry struct {
	mu     sync.RWMutex
	spaces map[string]map[string]*domain.Connection // spaceID -> connID -> conn
}

// NewRoomRegistry create RoomRegistry
func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{spaces: make(map[string]map[string]*domain.Connection)}
}

// AddUser registers conn in its space. Adding the same connection id twice is a no-op.
func (r *RoomRegistry) AddUser(conn *domain.Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.spaces[conn.SpaceID]
	if !ok {
		room = make(map[string]*domain.Connection)
		r.spaces[conn.SpaceID] = room
	}
	if _, exists := room[conn.ID]; exists {
		return false
	}
	room[conn.ID] = conn
	return true
}

// RemoveUser deregisters a connection, deleting the space entry once empty.
// Returns false when the connection was not registered.
func (r *RoomRegistry) RemoveUser(spaceID, connID string) (domain.Occupant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.spaces[spaceID]
	if !ok {
		return domain.Occupant{}, false
	}
	conn, ok := room[connID]
	if !ok {
		return domain.Occupant{}, false
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(r.spaces, spaceID)
	}
	return conn.Snapshot(), true
}

// UpdatePosition stores the accepted position of a connection
func (r *RoomRegistry) UpdatePosition(spaceID, connID string, p domain.Position) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.spaces[spaceID][connID]
	if !ok {
		return false
	}
	conn.SetPosition(p)
	return true
}

// Get returns a snapshot of one connection
func (r *RoomRegistry) Get(spaceID, connID string) (domain.Occupant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.spaces[spaceID][connID]
	if !ok {
		return domain.Occupant{}, false
	}
	return conn.Snapshot(), true
}

// ConnectionByUser finds the connection of userID in a space
func (r *RoomRegistry) ConnectionByUser(spaceID, userID string) (domain.Occupant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, conn := range r.spaces[spaceID] {
		if conn.UserID == userID {
			return conn.Snapshot(), true
		}
	}
	return domain.Occupant{}, false
}

// Occupants snapshot of a space ordered by userId
func (r *RoomRegistry) Occupants(spaceID string) []domain.Occupant {
	r.mu.RLock()
	room := r.spaces[spaceID]
	out := make([]domain.Occupant, 0, len(room))
	for _, conn := range room {
		out = append(out, conn.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID == out[j].UserID {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// Count number of connections in a space
func (r *RoomRegistry) Count(spaceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.spaces[spaceID])
}

// SpaceIDs spaces with at least one connection
func (r *RoomRegistry) SpaceIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.spaces))
	for id := range r.spaces {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Broadcast sends msg to every open connection of the space except excludeConnID.
// Sends happen outside the lock on a snapshot.
func (r *RoomRegistry) Broadcast(spaceID string, msg domain.Envelope, excludeConnID string) int {
	sent := 0
	for _, o := range r.Occupants(spaceID) {
		if o.ConnectionID == excludeConnID || !o.IsOpen() {
			continue
		}
		if err := o.Send(msg); err != nil {
			logger.Log.Debug("broadcast send failed",
				zap.String("spaceID", spaceID),
				zap.String("connID", o.ConnectionID),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

// BroadcastExceptUsers sends msg to every open connection of the space not owned by userIDs
func (r *RoomRegistry) BroadcastExceptUsers(spaceID string, msg domain.Envelope, userIDs ...string) int {
	sent := 0
	for _, o := range r.Occupants(spaceID) {
		if pkg.Contains(userIDs, o.UserID) || !o.IsOpen() {
			continue
		}
		if err := o.Send(msg); err != nil {
			logger.Log.Debug("broadcast send failed", zap.String("spaceID", spaceID), zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

// SendToUser sends msg to userID's connection in the space
func (r *RoomRegistry) SendToUser(spaceID, userID string, msg domain.Envelope) bool {
	o, ok := r.ConnectionByUser(spaceID, userID)
	if !ok || !o.IsOpen() {
		return false
	}
	if err := o.Send(msg); err != nil {
		logger.Log.Debug("send failed", zap.String("userID", userID), zap.Error(err))
		return false
	}
	return true
}

// Sweep connections whose socket is no longer open but were never deregistered
func (r *RoomRegistry) Sweep() []domain.Occupant {
	r.mu.RLock()
	var all []domain.Occupant
	for _, room := range r.spaces {
		for _, conn := range room {
			all = append(all, conn.Snapshot())
		}
	}
	r.mu.RUnlock()

	stale := all[:0]
	for _, o := range all {
		if !o.IsOpen() {
			stale = append(stale, o)
		}
	}
	return stale
}

// Stats number of spaces and connections
func (r *RoomRegistry) Stats() (spaces int, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, room := range r.spaces {
		connections += len(room)
	}
	return len(r.spaces), connections
}
