package app

import (
	"context"
	"sync"
	"time"

	"virtual_space_service/internal/space/domain"
	errprocess "virtual_space_service/pkg/err"
	"virtual_space_service/pkg/logger"

	"go.uber.org/zap"
)

// SessionState lifecycle of one socket
type SessionState int

const (
	// StateUnauthenticated socket open, no join yet
	StateUnauthenticated SessionState = iota
	// StateJoining join in progress
	StateJoining
	// StateInSpace joined, moves accepted
	StateInSpace
	// StateDisconnected terminal
	StateDisconnected
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateJoining:
		return "joining"
	case StateInSpace:
		return "in_space"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// close codes
const (
	closeNormal        = 1000
	closeInternalError = 1011
)

// UserSession per socket state machine. Handle is driven by the socket's read loop.
type UserSession struct {
	svc     *SpaceService
	sender  domain.Sender
	refresh time.Duration

	mu     sync.Mutex
	state  SessionState
	conn   *domain.Connection
	space  *domain.Space
	cancel context.CancelFunc
}

// NewUserSession create UserSession; refresh is the presence heartbeat period
func NewUserSession(svc *SpaceService, sender domain.Sender, refresh time.Duration) *UserSession {
	return &UserSession{svc: svc, sender: sender, refresh: refresh, state: StateUnauthenticated}
}

// State current state
func (u *UserSession) State() SessionState {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Handle decodes one client message and dispatches it
func (u *UserSession) Handle(ctx context.Context, raw []byte) {
	env, err := domain.ParseClientEnvelope(raw)
	if err != nil {
		logger.Log.Debug("dropping client message", zap.Error(err))
		return
	}

	switch env.Type {
	case domain.MsgJoin:
		var req domain.JoinPayload
		if err := env.Decode(&req); err != nil {
			logger.Log.Debug("bad join payload", zap.Error(err))
			return
		}
		u.join(ctx, req)

	case domain.MsgMove:
		var req domain.MovePayload
		if err := env.Decode(&req); err != nil {
			logger.Log.Debug("bad move payload", zap.Error(err))
			return
		}
		u.move(ctx, req)

	case domain.MsgLeave:
		u.leave(ctx)

	case domain.MsgVideoCallSignaling:
		var req domain.SignalingRequest
		if err := env.Decode(&req); err != nil {
			logger.Log.Debug("bad signaling payload", zap.Error(err))
			return
		}
		conn, space, ok := u.joined()
		if !ok {
			return
		}
		if err := u.svc.Signal(space.ID, conn.ID, req); err != nil {
			logger.Log.Debug("signaling dropped", zap.String("userID", conn.UserID), zap.Error(err))
		}

	case domain.MsgEndVideoCall:
		var req domain.EndCallRequest
		if err := env.Decode(&req); err != nil {
			logger.Log.Debug("bad end-video-call payload", zap.Error(err))
			return
		}
		conn, space, ok := u.joined()
		if !ok {
			return
		}
		if err := u.svc.HangUp(space.ID, conn.ID, req); err != nil {
			logger.Log.Debug("end-video-call ignored", zap.String("userID", conn.UserID), zap.Error(err))
		}
	}
}

func (u *UserSession) join(ctx context.Context, req domain.JoinPayload) {
	u.mu.Lock()
	if u.state != StateUnauthenticated {
		logger.Log.Debug("join ignored", zap.String("state", u.state.String()))
		u.mu.Unlock()
		return
	}
	u.state = StateJoining
	u.mu.Unlock()

	conn, space, err := u.svc.Join(ctx, u.sender, req)
	if err != nil {
		u.mu.Lock()
		u.state = StateDisconnected
		u.mu.Unlock()

		switch errprocess.KindOf(err) {
		case errprocess.KindAuth, errprocess.KindNotFound:
			u.sender.Close(ClosePolicyViolation, errprocess.Message(err))
		default:
			logger.Log.Error("join failed", zap.String("spaceID", req.SpaceID), zap.Error(err))
			u.sender.Close(closeInternalError, errprocess.Message(err))
		}
		return
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	u.mu.Lock()
	u.state = StateInSpace
	u.conn = conn
	u.space = space
	u.cancel = cancel
	u.mu.Unlock()

	go u.heartbeat(hbCtx, space.ID, conn.ID)
}

// heartbeat keeps the presence lease alive while the user stays in the space
func (u *UserSession) heartbeat(ctx context.Context, spaceID, connID string) {
	if u.refresh <= 0 {
		return
	}
	ticker := time.NewTicker(u.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			u.svc.RefreshPresence(ctx, spaceID, connID)
		case <-ctx.Done():
			return
		}
	}
}

func (u *UserSession) move(ctx context.Context, req domain.MovePayload) {
	conn, space, ok := u.joined()
	if !ok {
		logger.Log.Debug("move before join ignored")
		return
	}
	_ = u.svc.Move(ctx, space, conn.ID, domain.Position{X: req.X, Y: req.Y})
}

func (u *UserSession) leave(ctx context.Context) {
	if _, _, ok := u.joined(); !ok {
		return
	}
	u.Close(ctx)
	u.sender.Close(closeNormal, "left")
}

func (u *UserSession) joined() (*domain.Connection, *domain.Space, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state != StateInSpace {
		return nil, nil, false
	}
	return u.conn, u.space, true
}

// Close moves the session to Disconnected and runs the teardown once
func (u *UserSession) Close(ctx context.Context) {
	u.mu.Lock()
	prev := u.state
	u.state = StateDisconnected
	conn, space, cancel := u.conn, u.space, u.cancel
	u.cancel = nil
	u.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if prev == StateInSpace {
		u.svc.Disconnect(ctx, space.ID, conn.ID)
	}
}
