package app

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"virtual_space_service/internal/space/domain"
	"virtual_space_service/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrCallNotFound no active call with that id
	ErrCallNotFound = errors.New("video call not found")
	// ErrNotParticipant sender is not part of the call
	ErrNotParticipant = errors.New("not a participant of this call")
)

// ProximitySettings thresholds of the proximity manager
type ProximitySettings struct {
	VideoCallRange int     // grid steps, activation
	ProximityRange float64 // pixels, awareness only
	TileSize       int
	CallTimeout    time.Duration
}

// VideoCallManager owns every call session. All transitions run under mu,
// so movement of both participants can never interleave a start with a teardown.
type VideoCallManager struct {
	mu       sync.Mutex
	registry *RoomRegistry
	history  *HistoryWriter
	cfg      ProximitySettings

	calls    map[string]*domain.VideoCallSession // callID -> session
	userCall map[string]string                   // userID -> callID

	now   func() time.Time
	newID func() string
}

// NewVideoCallManager create VideoCallManager
func NewVideoCallManager(registry *RoomRegistry, history *HistoryWriter, cfg ProximitySettings) *VideoCallManager {
	return &VideoCallManager{
		registry: registry,
		history:  history,
		cfg:      cfg,
		calls:    make(map[string]*domain.VideoCallSession),
		userCall: make(map[string]string),
		now:      time.Now,
		newID:    func() string { return uuid.New().String() },
	}
}

// OnMoved reacts to an accepted movement: proximity awareness first, then call state.
// The occupant snapshot is taken under mu so a concurrent disconnect, which leaves
// the registry before ending its call, is either seen as gone or ends the new call.
func (m *VideoCallManager) OnMoved(spaceID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	occupants := m.registry.Occupants(spaceID)
	mover, ok := findOccupant(occupants, userID)
	if !ok {
		return
	}

	m.sendProximityUpdate(mover, occupants)
	m.evaluateLocked(spaceID, mover, occupants)
}

// ScanSpace re-evaluates every occupant in ascending userId order.
func (m *VideoCallManager) ScanSpace(spaceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	occupants := m.registry.Occupants(spaceID)
	for _, o := range occupants {
		m.evaluateLocked(spaceID, o, occupants)
	}
}

func (m *VideoCallManager) sendProximityUpdate(mover domain.Occupant, occupants []domain.Occupant) {
	nearby := make([]domain.NearbyUser, 0)
	for _, o := range occupants {
		if o.UserID == mover.UserID {
			continue
		}
		d := PixelDistance(mover.Position, o.Position, m.cfg.TileSize)
		if d <= m.cfg.ProximityRange {
			nearby = append(nearby, domain.NearbyUser{UserID: o.UserID, Username: o.Username, Distance: d})
		}
	}
	sort.SliceStable(nearby, func(i, j int) bool { return nearby[i].Distance < nearby[j].Distance })

	if err := mover.Send(domain.Envelope{
		Type:    domain.MsgProximityUpdate,
		Payload: domain.ProximityUpdatePayload{NearbyUsers: nearby},
	}); err != nil {
		logger.Log.Debug("proximity update failed", zap.String("userID", mover.UserID), zap.Error(err))
	}
}

// evaluateLocked applies the pairing rules for one user.
//   - paired and partner still in range: keep the call, a closer arrival does not steal it
//   - paired and partner out of range: re-pair with the nearest free user (proximity_changed)
//     or end the call (proximity_lost)
//   - unpaired: pair with the nearest free user in range, ties broken by lowest userId
func (m *VideoCallManager) evaluateLocked(spaceID string, user domain.Occupant, occupants []domain.Occupant) {
	callID, inCall := m.userCall[user.UserID]
	if !inCall {
		if partner, ok := m.nearestFreeLocked(user, occupants, ""); ok {
			m.startLocked(spaceID, user.UserID, partner.UserID)
		}
		return
	}

	s := m.calls[callID]
	partnerID := s.Partner(user.UserID)
	partner, present := findOccupant(occupants, partnerID)
	if present && GridDistance(user.Position, partner.Position) <= m.cfg.VideoCallRange {
		return
	}

	next, ok := m.nearestFreeLocked(user, occupants, partnerID)
	if ok {
		m.endLocked(s, domain.ReasonProximityChanged)
		m.startLocked(spaceID, user.UserID, next.UserID)
	} else {
		m.endLocked(s, domain.ReasonProximityLost)
	}

	// 舊 partner 被釋放後, 也許能和附近其他人配對
	if present {
		if other, ok := m.nearestFreeLocked(partner, occupants, user.UserID); ok {
			m.startLocked(spaceID, partner.UserID, other.UserID)
		}
	}
}

// nearestFreeLocked nearest unpaired occupant within VIDEO_CALL_RANGE.
// occupants are sorted by userId, so a strict comparison keeps the lowest userId on ties.
func (m *VideoCallManager) nearestFreeLocked(user domain.Occupant, occupants []domain.Occupant, exclude string) (domain.Occupant, bool) {
	var (
		best  domain.Occupant
		bestD = -1
	)
	for _, o := range occupants {
		if o.UserID == user.UserID || o.UserID == exclude {
			continue
		}
		if _, busy := m.userCall[o.UserID]; busy {
			continue
		}
		d := GridDistance(user.Position, o.Position)
		if d > m.cfg.VideoCallRange {
			continue
		}
		if bestD == -1 || d < bestD {
			best, bestD = o, d
		}
	}
	return best, bestD != -1
}

func (m *VideoCallManager) startLocked(spaceID, a, b string) *domain.VideoCallSession {
	if _, busy := m.userCall[a]; busy {
		return nil
	}
	if _, busy := m.userCall[b]; busy {
		return nil
	}
	// 兩人都必須仍在 registry
	if _, ok := m.registry.ConnectionByUser(spaceID, a); !ok {
		return nil
	}
	if _, ok := m.registry.ConnectionByUser(spaceID, b); !ok {
		return nil
	}
	if b < a {
		a, b = b, a
	}

	s := &domain.VideoCallSession{
		CallID:       m.newID(),
		Participants: [2]string{a, b},
		SpaceID:      spaceID,
		StartedAt:    m.now(),
		Status:       domain.CallActive,
	}
	m.calls[s.CallID] = s
	m.userCall[a] = s.CallID
	m.userCall[b] = s.CallID
	m.history.started(*s)

	logger.Log.Info("video call started",
		zap.String("callID", s.CallID),
		zap.String("spaceID", spaceID),
		zap.Strings("participants", []string{a, b}),
	)

	start := domain.Envelope{
		Type: domain.MsgVideoCallStart,
		Payload: domain.VideoCallStartPayload{
			CallID:          s.CallID,
			Participants:    []string{a, b},
			IsProximityCall: true,
		},
	}
	m.registry.SendToUser(spaceID, a, start)
	m.registry.SendToUser(spaceID, b, start)
	m.registry.BroadcastExceptUsers(spaceID, domain.Envelope{
		Type:    domain.MsgUsersInVideoCall,
		Payload: domain.UsersInVideoCallPayload{UserIDs: []string{a, b}, CallID: s.CallID},
	}, a, b)

	return s
}

func (m *VideoCallManager) endLocked(s *domain.VideoCallSession, reason domain.EndReason) {
	s.Status = domain.CallEnded
	s.EndedAt = m.now()
	s.EndReason = reason

	for _, uid := range s.Participants {
		if m.userCall[uid] == s.CallID {
			delete(m.userCall, uid)
		}
	}
	delete(m.calls, s.CallID)
	m.history.ended(s.CallID, reason, s.EndedAt)

	logger.Log.Info("video call ended",
		zap.String("callID", s.CallID),
		zap.String("spaceID", s.SpaceID),
		zap.String("reason", string(reason)),
		zap.Duration("duration", s.EndedAt.Sub(s.StartedAt)),
	)

	end := domain.Envelope{
		Type:    domain.MsgVideoCallEnd,
		Payload: domain.VideoCallEndPayload{CallID: s.CallID, Reason: reason},
	}
	m.registry.SendToUser(s.SpaceID, s.Participants[0], end)
	m.registry.SendToUser(s.SpaceID, s.Participants[1], end)
	m.registry.BroadcastExceptUsers(s.SpaceID, end, s.Participants[0], s.Participants[1])
}

// EndCall ends callID with reason
func (m *VideoCallManager) EndCall(callID string, reason domain.EndReason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.calls[callID]
	if !ok {
		return false
	}
	m.endLocked(s, reason)
	return true
}

// EndCallForUser ends the active call of userID in spaceID, if any
func (m *VideoCallManager) EndCallForUser(spaceID, userID string, reason domain.EndReason) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	callID, ok := m.userCall[userID]
	if !ok {
		return false
	}
	s := m.calls[callID]
	if s.SpaceID != spaceID {
		return false
	}
	m.endLocked(s, reason)
	return true
}

// HangUp ends the call when userID is one of its participants
func (m *VideoCallManager) HangUp(userID, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	if !s.Has(userID) {
		return ErrNotParticipant
	}
	m.endLocked(s, domain.ReasonUserEnded)
	return nil
}

// HandleSignaling forwards opaque signaling data to the other participant only.
// An empty callID means the sender's active call.
func (m *VideoCallManager) HandleSignaling(fromUserID, callID string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if callID == "" {
		callID = m.userCall[fromUserID]
	}
	s, ok := m.calls[callID]
	if !ok {
		return ErrCallNotFound
	}
	if !s.Has(fromUserID) || m.userCall[fromUserID] != callID {
		logger.Log.Warn("signaling from non participant rejected",
			zap.String("callID", callID),
			zap.String("fromUserID", fromUserID),
		)
		return ErrNotParticipant
	}

	m.registry.SendToUser(s.SpaceID, s.Partner(fromUserID), domain.Envelope{
		Type: domain.MsgVideoCallSignaling,
		Payload: domain.VideoCallSignalingPayload{
			CallID:        callID,
			FromUserID:    fromUserID,
			SignalingData: data,
		},
	})
	return nil
}

// SweepExpired ends every session older than the call timeout
func (m *VideoCallManager) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []*domain.VideoCallSession
	for _, s := range m.calls {
		if now.Sub(s.StartedAt) >= m.cfg.CallTimeout {
			expired = append(expired, s)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].CallID < expired[j].CallID })

	for _, s := range expired {
		m.endLocked(s, domain.ReasonTimeout)
	}
	return len(expired)
}

// ActiveCall copy of userID's active session
func (m *VideoCallManager) ActiveCall(userID string) (domain.VideoCallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	callID, ok := m.userCall[userID]
	if !ok {
		return domain.VideoCallSession{}, false
	}
	return *m.calls[callID], true
}

// ActiveCount number of active sessions
func (m *VideoCallManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func findOccupant(occupants []domain.Occupant, userID string) (domain.Occupant, bool) {
	for _, o := range occupants {
		if o.UserID == userID {
			return o, true
		}
	}
	return domain.Occupant{}, false
}
