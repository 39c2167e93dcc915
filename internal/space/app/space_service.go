package app

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"virtual_space_service/internal/space/domain"
	"virtual_space_service/internal/space/repository"
	errprocess "virtual_space_service/pkg/err"
	"virtual_space_service/pkg/logger"
	"virtual_space_service/pkg/token"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// close reasons sent with 1008
const (
	ReasonInvalidToken  = "Invalid token"
	ReasonSpaceNotFound = "Space not found"
	ReasonReplaced      = "Replaced by new connection"
)

// ClosePolicyViolation websocket close code used for join failures
const ClosePolicyViolation = 1008

// ServiceSettings periods of the background loops
type ServiceSettings struct {
	RegistrySweep time.Duration
	ProximityScan time.Duration
	CallCleanup   time.Duration
}

// SpaceService glues the registry, the presence mirror and the call manager
// behind the join / move / disconnect operations of a socket.
type SpaceService struct {
	spaces   repository.SpaceRepository
	registry *RoomRegistry
	presence *PresenceMirror
	calls    *VideoCallManager
	cfg      ServiceSettings

	spawn func(space *domain.Space) domain.Position
	newID func() string
}

// NewSpaceService create SpaceService
func NewSpaceService(
	spaces repository.SpaceRepository,
	registry *RoomRegistry,
	presence *PresenceMirror,
	calls *VideoCallManager,
	cfg ServiceSettings,
) *SpaceService {
	return &SpaceService{
		spaces:   spaces,
		registry: registry,
		presence: presence,
		calls:    calls,
		cfg:      cfg,
		spawn:    randomSpawn,
		newID:    func() string { return uuid.New().String() },
	}
}

// randomSpawn uniform in [0,width) x [0,height)
func randomSpawn(space *domain.Space) domain.Position {
	return domain.Position{X: rand.Intn(space.Width), Y: rand.Intn(space.Height)}
}

// Join authenticates the token, places the user in the space and announces it.
// An Auth or NotFound error means the caller must close the socket with 1008.
func (s *SpaceService) Join(ctx context.Context, sender domain.Sender, req domain.JoinPayload) (*domain.Connection, *domain.Space, error) {
	claims, err := token.Verify(req.Token)
	if err != nil {
		logger.Log.Info("join rejected: invalid token", zap.String("spaceID", req.SpaceID), zap.Error(err))
		return nil, nil, errprocess.Auth(ReasonInvalidToken)
	}

	space, err := s.spaces.FindByID(ctx, req.SpaceID)
	if errors.Is(err, repository.ErrSpaceNotFound) {
		logger.Log.Info("join rejected: space not found", zap.String("spaceID", req.SpaceID), zap.String("userID", claims.MemberID))
		return nil, nil, errprocess.NotFound(ReasonSpaceNotFound)
	}
	if err != nil {
		return nil, nil, errprocess.Infrastructure("space lookup failed", err)
	}

	// 同一個 user 在同一個 space 只保留最新的連線
	if old, ok := s.registry.ConnectionByUser(space.ID, claims.MemberID); ok {
		logger.Log.Info("replacing existing connection",
			zap.String("spaceID", space.ID),
			zap.String("userID", claims.MemberID),
			zap.String("oldConnID", old.ConnectionID),
		)
		s.Disconnect(ctx, space.ID, old.ConnectionID)
		old.Close(ClosePolicyViolation, ReasonReplaced)
	}

	spawn := s.spawn(space)
	conn := domain.NewConnection(s.newID(), claims.MemberID, claims.Username, space.ID, spawn, sender)
	s.registry.AddUser(conn)
	s.mirror(ctx, conn.Snapshot())

	s.registry.Broadcast(space.ID, domain.Envelope{
		Type:    domain.MsgUserJoinedSpace,
		Payload: domain.UserPosition{UserID: conn.UserID, Username: conn.Username, X: spawn.X, Y: spawn.Y},
	}, conn.ID)

	if err := sender.Send(domain.Envelope{
		Type: domain.MsgSpaceJoined,
		Payload: domain.SpaceJoinedPayload{
			SpaceID: space.ID,
			Spawn:   spawn,
			Users:   s.visibleUsers(ctx, space.ID, conn.UserID),
		},
	}); err != nil {
		logger.Log.Warn("send Space-joined failed", zap.String("connID", conn.ID), zap.Error(err))
	}

	spaces, conns := s.registry.Stats()
	logger.Log.Info("user joined space",
		zap.String("spaceID", space.ID),
		zap.String("userID", conn.UserID),
		zap.String("connID", conn.ID),
		zap.Int("x", spawn.X),
		zap.Int("y", spawn.Y),
		zap.Int("spaces", spaces),
		zap.Int("connections", conns),
	)
	return conn, space, nil
}

// visibleUsers local occupants plus presence entries from other processes, deduplicated by userId
func (s *SpaceService) visibleUsers(ctx context.Context, spaceID, selfID string) []domain.UserPosition {
	users := make([]domain.UserPosition, 0)
	seen := map[string]struct{}{selfID: {}}

	for _, o := range s.registry.Occupants(spaceID) {
		if _, dup := seen[o.UserID]; dup {
			continue
		}
		seen[o.UserID] = struct{}{}
		users = append(users, domain.UserPosition{UserID: o.UserID, Username: o.Username, X: o.Position.X, Y: o.Position.Y})
	}

	entries, err := s.presence.ListSpace(ctx, spaceID)
	if err != nil {
		logger.Log.Warn("presence list failed", zap.String("spaceID", spaceID), zap.Error(err))
		return users
	}
	for _, e := range entries {
		if _, dup := seen[e.UserID]; dup {
			continue
		}
		seen[e.UserID] = struct{}{}
		users = append(users, domain.UserPosition{UserID: e.UserID, Username: e.Username, X: e.X, Y: e.Y})
	}
	return users
}

// Move applies a single step request. A rejected move is answered privately
// with the unchanged position and returns a validation error.
func (s *SpaceService) Move(ctx context.Context, space *domain.Space, connID string, target domain.Position) error {
	occ, ok := s.registry.Get(space.ID, connID)
	if !ok {
		return errprocess.NotFound("connection not in space")
	}

	if !ValidateMove(occ.Position, target) || !space.Contains(target) {
		logger.Log.Debug("move rejected",
			zap.String("userID", occ.UserID),
			zap.Int("fromX", occ.Position.X), zap.Int("fromY", occ.Position.Y),
			zap.Int("toX", target.X), zap.Int("toY", target.Y),
		)
		if err := occ.Send(domain.Envelope{
			Type:    domain.MsgMoveRejected,
			Payload: domain.UserPosition{UserID: occ.UserID, X: occ.Position.X, Y: occ.Position.Y},
		}); err != nil {
			logger.Log.Debug("send move-rejected failed", zap.String("connID", connID), zap.Error(err))
		}
		return errprocess.Validation("invalid move")
	}

	if !s.registry.UpdatePosition(space.ID, connID, target) {
		return errprocess.NotFound("connection not in space")
	}
	occ.Position = target
	s.mirror(ctx, occ)

	s.registry.Broadcast(space.ID, domain.Envelope{
		Type:    domain.MsgUserMoved,
		Payload: domain.UserPosition{UserID: occ.UserID, X: target.X, Y: target.Y},
	}, connID)

	s.calls.OnMoved(space.ID, occ.UserID)
	return nil
}

// Disconnect tears a connection down: call end, registry remove, presence delete, user-left.
// Safe to call more than once.
func (s *SpaceService) Disconnect(ctx context.Context, spaceID, connID string) {
	// 先離開 registry, 之後的 OnMoved / ScanSpace 就無法再把此使用者配對進通話
	occ, removed := s.registry.RemoveUser(spaceID, connID)
	if !removed {
		return
	}

	s.calls.EndCallForUser(spaceID, occ.UserID, domain.ReasonUserDisconnected)

	if err := s.presence.Remove(ctx, spaceID, occ.UserID, connID); err != nil {
		logger.Log.Warn("presence remove failed", zap.String("spaceID", spaceID), zap.String("userID", occ.UserID), zap.Error(err))
	}
	s.registry.Broadcast(spaceID, domain.Envelope{
		Type:    domain.MsgUserLeft,
		Payload: domain.UserLeftPayload{UserID: occ.UserID},
	}, connID)

	logger.Log.Info("user left space",
		zap.String("spaceID", spaceID),
		zap.String("userID", occ.UserID),
		zap.String("connID", connID),
	)
}

// Signal relays signaling data of connID's user to its call partner
func (s *SpaceService) Signal(spaceID, connID string, req domain.SignalingRequest) error {
	occ, ok := s.registry.Get(spaceID, connID)
	if !ok {
		return errprocess.NotFound("connection not in space")
	}
	return s.calls.HandleSignaling(occ.UserID, req.CallID, req.SignalingData)
}

// HangUp explicit end of a call by one of its participants
func (s *SpaceService) HangUp(spaceID, connID string, req domain.EndCallRequest) error {
	occ, ok := s.registry.Get(spaceID, connID)
	if !ok {
		return errprocess.NotFound("connection not in space")
	}
	return s.calls.HangUp(occ.UserID, req.CallID)
}

// RefreshPresence renews the lease of a still registered connection
func (s *SpaceService) RefreshPresence(ctx context.Context, spaceID, connID string) {
	occ, ok := s.registry.Get(spaceID, connID)
	if !ok {
		return
	}
	if err := s.presence.Refresh(ctx, presenceEntry(occ)); err != nil {
		logger.Log.Warn("presence refresh failed", zap.String("spaceID", spaceID), zap.String("userID", occ.UserID), zap.Error(err))
	}
}

// mirror presence is a discovery aid, failures are logged only
func (s *SpaceService) mirror(ctx context.Context, o domain.Occupant) {
	if err := s.presence.Put(ctx, presenceEntry(o)); err != nil {
		logger.Log.Warn("presence write failed", zap.String("spaceID", o.SpaceID), zap.String("userID", o.UserID), zap.Error(err))
	}
}

func presenceEntry(o domain.Occupant) domain.PresenceEntry {
	return domain.PresenceEntry{
		SpaceID:      o.SpaceID,
		UserID:       o.UserID,
		Username:     o.Username,
		X:            o.Position.X,
		Y:            o.Position.Y,
		ConnectionID: o.ConnectionID,
	}
}

// Sweep tears down registered connections whose socket already died
func (s *SpaceService) Sweep(ctx context.Context) int {
	stale := s.registry.Sweep()
	for _, o := range stale {
		s.Disconnect(ctx, o.SpaceID, o.ConnectionID)
	}
	if len(stale) > 0 {
		logger.Log.Info("registry sweep removed dead connections", zap.Int("count", len(stale)))
	}
	return len(stale)
}

// Run drives the periodic registry sweep, proximity scan and call cleanup until ctx ends
func (s *SpaceService) Run(ctx context.Context) {
	sweep := time.NewTicker(s.cfg.RegistrySweep)
	scan := time.NewTicker(s.cfg.ProximityScan)
	cleanup := time.NewTicker(s.cfg.CallCleanup)
	defer func() {
		sweep.Stop()
		scan.Stop()
		cleanup.Stop()
	}()

	for {
		select {
		case <-sweep.C:
			s.Sweep(ctx)
		case <-scan.C:
			for _, spaceID := range s.registry.SpaceIDs() {
				s.calls.ScanSpace(spaceID)
			}
		case <-cleanup.C:
			if n := s.calls.SweepExpired(); n > 0 {
				logger.Log.Info("expired video calls ended", zap.Int("count", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
