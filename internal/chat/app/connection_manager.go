package app

import (
	"context"
	"errors"
	"maps"
	"sort"
	"sync"
	"time"

	"virtual_space_service/internal/chat/domain"
	"virtual_space_service/internal/chat/repository"
	"virtual_space_service/pkg/logger"

	"go.uber.org/zap"
)

// ErrUnknownSocket socket 不存在或已被移除
var ErrUnknownSocket = errors.New("unknown socket")

const topologyTimeout = 2 * time.Second

// ConnectionManager in-memory view of this instance's chat sockets.
// roomUsers counts connections per user so a user leaves a room only
// when the last of their devices leaves it.
type ConnectionManager struct {
	mu              sync.Mutex
	connections     map[string]*domain.ChatConnection
	userConnections map[string]map[string]struct{}
	roomUsers       map[string]map[string]int
	roomSockets     map[string]map[string]struct{}

	instanceID string
	topology   repository.Publisher
	now        func() time.Time
}

// NewConnectionManager topology may be nil
func NewConnectionManager(instanceID string, topology repository.Publisher) *ConnectionManager {
	return &ConnectionManager{
		connections:     make(map[string]*domain.ChatConnection),
		userConnections: make(map[string]map[string]struct{}),
		roomUsers:       make(map[string]map[string]int),
		roomSockets:     make(map[string]map[string]struct{}),
		instanceID:      instanceID,
		topology:        topology,
		now:             time.Now,
	}
}

// Connect register a socket of userID
func (m *ConnectionManager) Connect(socketID, userID, username string) {
	m.mu.Lock()
	now := m.now()
	m.connections[socketID] = &domain.ChatConnection{
		SocketID:     socketID,
		UserID:       userID,
		Username:     username,
		JoinedAt:     now,
		LastActivity: now,
		Rooms:        make(map[string]struct{}),
	}
	if m.userConnections[userID] == nil {
		m.userConnections[userID] = make(map[string]struct{})
	}
	m.userConnections[userID][socketID] = struct{}{}
	m.mu.Unlock()

	m.publish(domain.TopologyEvent{Kind: domain.TopologyConnected, SocketID: socketID, UserID: userID})
}

// Disconnect removes the socket and every room it joined. lastIn lists the
// rooms where this was the user's last connection. ok is false when the
// socket was already gone.
func (m *ConnectionManager) Disconnect(socketID string) (conn domain.ChatConnection, lastIn []string, ok bool) {
	m.mu.Lock()
	c, found := m.connections[socketID]
	if !found {
		m.mu.Unlock()
		return domain.ChatConnection{}, nil, false
	}
	for roomID := range c.Rooms {
		if m.leaveLocked(c, roomID) {
			lastIn = append(lastIn, roomID)
		}
	}
	delete(m.connections, socketID)
	if set := m.userConnections[c.UserID]; set != nil {
		delete(set, socketID)
		if len(set) == 0 {
			delete(m.userConnections, c.UserID)
		}
	}
	conn = *c
	m.mu.Unlock()

	sort.Strings(lastIn)
	m.publish(domain.TopologyEvent{Kind: domain.TopologyDisconnected, SocketID: socketID, UserID: conn.UserID})
	return conn, lastIn, true
}

// JoinRoom first reports whether this is the user's first connection in the room.
// Joining a room the socket already joined changes nothing.
func (m *ConnectionManager) JoinRoom(socketID, roomID string) (first bool, err error) {
	m.mu.Lock()
	c, ok := m.connections[socketID]
	if !ok {
		m.mu.Unlock()
		return false, ErrUnknownSocket
	}
	if _, joined := c.Rooms[roomID]; joined {
		m.mu.Unlock()
		return false, nil
	}

	c.Rooms[roomID] = struct{}{}
	if m.roomSockets[roomID] == nil {
		m.roomSockets[roomID] = make(map[string]struct{})
	}
	m.roomSockets[roomID][socketID] = struct{}{}
	if m.roomUsers[roomID] == nil {
		m.roomUsers[roomID] = make(map[string]int)
	}
	m.roomUsers[roomID][c.UserID]++
	first = m.roomUsers[roomID][c.UserID] == 1
	userID := c.UserID
	m.mu.Unlock()

	m.publish(domain.TopologyEvent{Kind: domain.TopologyJoinedRoom, SocketID: socketID, UserID: userID, RoomID: roomID})
	return first, nil
}

// LeaveRoom last reports whether the user has no connection left in the room
func (m *ConnectionManager) LeaveRoom(socketID, roomID string) (last bool) {
	m.mu.Lock()
	c, ok := m.connections[socketID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if _, joined := c.Rooms[roomID]; !joined {
		m.mu.Unlock()
		return false
	}
	last = m.leaveLocked(c, roomID)
	userID := c.UserID
	m.mu.Unlock()

	m.publish(domain.TopologyEvent{Kind: domain.TopologyLeftRoom, SocketID: socketID, UserID: userID, RoomID: roomID})
	return last
}

func (m *ConnectionManager) leaveLocked(c *domain.ChatConnection, roomID string) bool {
	delete(c.Rooms, roomID)
	if set := m.roomSockets[roomID]; set != nil {
		delete(set, c.SocketID)
		if len(set) == 0 {
			delete(m.roomSockets, roomID)
		}
	}

	users := m.roomUsers[roomID]
	if users == nil {
		return false
	}
	users[c.UserID]--
	if users[c.UserID] > 0 {
		return false
	}
	delete(users, c.UserID)
	if len(users) == 0 {
		delete(m.roomUsers, roomID)
	}
	return true
}

// Touch 更新 last activity
func (m *ConnectionManager) Touch(socketID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.connections[socketID]; ok {
		c.LastActivity = m.now()
	}
}

// Connection copy of the socket's state
func (m *ConnectionManager) Connection(socketID string) (domain.ChatConnection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[socketID]
	if !ok {
		return domain.ChatConnection{}, false
	}
	cp := *c
	cp.Rooms = maps.Clone(c.Rooms)
	return cp, true
}

// InRoom socket has joined roomID
func (m *ConnectionManager) InRoom(socketID, roomID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.roomSockets[roomID][socketID]
	return ok
}

// SocketsInRoom local sockets that joined roomID
func (m *ConnectionManager) SocketsInRoom(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.roomSockets[roomID]))
	for id := range m.roomSockets[roomID] {
		ids = append(ids, id)
	}
	return ids
}

// RoomUsers users with at least one local connection in roomID
func (m *ConnectionManager) RoomUsers(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.roomUsers[roomID]))
	for id := range m.roomUsers[roomID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UserConnections sockets of userID
func (m *ConnectionManager) UserConnections(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.userConnections[userID]))
	for id := range m.userConnections[userID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stats snapshot
func (m *ConnectionManager) Stats() domain.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.Stats{
		Connections: len(m.connections),
		Users:       len(m.userConnections),
		Rooms:       len(m.roomUsers),
	}
}

// Idle sockets without activity for longer than threshold
func (m *ConnectionManager) Idle(threshold time.Duration) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-threshold)
	var ids []string
	for id, c := range m.connections {
		if c.LastActivity.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Sweep tears down idle sockets then publishes a stats snapshot.
// teardown must end in Disconnect, nil means Disconnect directly.
func (m *ConnectionManager) Sweep(idle time.Duration, teardown func(socketID string)) int {
	ids := m.Idle(idle)
	for _, id := range ids {
		logger.Log.Info("reaping idle chat connection", zap.String("socketID", id))
		if teardown != nil {
			teardown(id)
		} else {
			m.Disconnect(id)
		}
	}

	stats := m.Stats()
	m.publish(domain.TopologyEvent{Kind: domain.TopologyStats, Stats: &stats})
	if len(ids) > 0 {
		logger.Log.Info("chat heartbeat",
			zap.Int("reaped", len(ids)),
			zap.Int("connections", stats.Connections),
			zap.Int("rooms", stats.Rooms),
		)
	}
	return len(ids)
}

// StartHeartbeat runs Sweep every interval until ctx is done
func (m *ConnectionManager) StartHeartbeat(ctx context.Context, interval, idle time.Duration, teardown func(socketID string)) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep(idle, teardown)
			}
		}
	}()
}

func (m *ConnectionManager) publish(ev domain.TopologyEvent) {
	if m.topology == nil {
		return
	}
	ev.Instance = m.instanceID
	ev.At = m.now()

	ctx, cancel := context.WithTimeout(context.Background(), topologyTimeout)
	defer cancel()
	if err := m.topology.Publish(ctx, repository.TopologyChannel, ev); err != nil {
		logger.Log.Warn("publish topology failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
