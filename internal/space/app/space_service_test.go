package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"virtual_space_service/internal/space/domain"
	"virtual_space_service/internal/space/repository"
	errprocess "virtual_space_service/pkg/err"
	"virtual_space_service/pkg/logger"
	"virtual_space_service/pkg/token"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type spaceEnv struct {
	clock    *fakeClock
	registry *RoomRegistry
	presence *PresenceMirror
	calls    *VideoCallManager
	spaces   *MockSpaceRepository
	svc      *SpaceService

	mu     sync.Mutex
	spawns []domain.Position
}

func newSpaceEnv(t *testing.T) *spaceEnv {
	t.Helper()
	logger.SetNewNop()

	clock := newFakeClock()
	e := &spaceEnv{
		clock:    clock,
		registry: NewRoomRegistry(),
		presence: NewPresenceMirror(newMemRedis[domain.PresenceEntry](clock), 2*time.Second).WithClock(clock.Now),
		spaces:   new(MockSpaceRepository),
	}
	e.calls = newTestCalls(e.registry, nil)
	e.svc = NewSpaceService(e.spaces, e.registry, e.presence, e.calls, ServiceSettings{
		RegistrySweep: 30 * time.Second,
		ProximityScan: 5 * time.Second,
		CallCleanup:   time.Minute,
	})
	e.svc.spawn = func(s *domain.Space) domain.Position {
		e.mu.Lock()
		defer e.mu.Unlock()
		if len(e.spawns) == 0 {
			return randomSpawn(s)
		}
		p := e.spawns[0]
		e.spawns = e.spawns[1:]
		return p
	}

	e.spaces.On("FindByID", mock.Anything, "s1").
		Return(&domain.Space{ID: "s1", Name: "lobby", Width: 100, Height: 100, OwnerID: "owner"}, nil)
	e.spaces.On("FindByID", mock.Anything, "missing").Return(nil, repository.ErrSpaceNotFound)
	e.spaces.On("FindByID", mock.Anything, "broken").Return(nil, errors.New("connection refused"))
	return e
}

func (e *spaceEnv) spawnAt(ps ...domain.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spawns = append(e.spawns, ps...)
}

func mustToken(t *testing.T, userID string) string {
	t.Helper()
	tok, err := token.GenerateJWT(userID, "name-"+userID, string(token.RoleUser), "test")
	require.NoError(t, err)
	return tok
}

func (e *spaceEnv) join(t *testing.T, userID string) (*domain.Connection, *domain.Space, *fakeSender) {
	t.Helper()
	snd := &fakeSender{}
	conn, space, err := e.svc.Join(context.Background(), snd, domain.JoinPayload{SpaceID: "s1", Token: mustToken(t, userID)})
	require.NoError(t, err)
	return conn, space, snd
}

func TestSpaceService_Join(t *testing.T) {
	ctx := context.Background()

	t.Run("加入後通知其他人並回傳現有使用者", func(t *testing.T) {
		e := newSpaceEnv(t)
		e.spawnAt(domain.Position{X: 10, Y: 10}, domain.Position{X: 50, Y: 50})

		_, _, a := e.join(t, "a")
		// 其他 process 的使用者只存在於 presence
		require.NoError(t, e.presence.Put(ctx, domain.PresenceEntry{SpaceID: "s1", UserID: "remote", Username: "r", X: 7, Y: 8, ConnectionID: "elsewhere"}))
		conn, space, b := e.join(t, "b")

		assert.Equal(t, "s1", space.ID)
		assert.Equal(t, domain.Position{X: 50, Y: 50}, conn.Position())

		joined := a.ofType(domain.MsgUserJoinedSpace)
		require.Len(t, joined, 1)
		assert.Equal(t, domain.UserPosition{UserID: "b", Username: "name-b", X: 50, Y: 50}, joined[0].Payload)

		replies := b.ofType(domain.MsgSpaceJoined)
		require.Len(t, replies, 1)
		p := replies[0].Payload.(domain.SpaceJoinedPayload)
		assert.Equal(t, domain.Position{X: 50, Y: 50}, p.Spawn)
		assert.ElementsMatch(t, []domain.UserPosition{
			{UserID: "a", Username: "name-a", X: 10, Y: 10},
			{UserID: "remote", Username: "r", X: 7, Y: 8},
		}, p.Users)

		entry, ok, err := e.presence.Get(ctx, "s1", "b")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, conn.ID, entry.ConnectionID)
	})

	t.Run("token 無效", func(t *testing.T) {
		e := newSpaceEnv(t)
		_, _, err := e.svc.Join(ctx, &fakeSender{}, domain.JoinPayload{SpaceID: "s1", Token: "garbage"})
		assert.Equal(t, errprocess.KindAuth, errprocess.KindOf(err))
		assert.Equal(t, ReasonInvalidToken, errprocess.Message(err))
		assert.Equal(t, 0, e.registry.Count("s1"))
	})

	t.Run("space 不存在", func(t *testing.T) {
		e := newSpaceEnv(t)
		_, _, err := e.svc.Join(ctx, &fakeSender{}, domain.JoinPayload{SpaceID: "missing", Token: mustToken(t, "a")})
		assert.Equal(t, errprocess.KindNotFound, errprocess.KindOf(err))
		assert.Equal(t, ReasonSpaceNotFound, errprocess.Message(err))
	})

	t.Run("資料庫錯誤", func(t *testing.T) {
		e := newSpaceEnv(t)
		_, _, err := e.svc.Join(ctx, &fakeSender{}, domain.JoinPayload{SpaceID: "broken", Token: mustToken(t, "a")})
		assert.Equal(t, errprocess.KindInfrastructure, errprocess.KindOf(err))
	})

	t.Run("同一使用者重新加入取代舊連線", func(t *testing.T) {
		e := newSpaceEnv(t)
		old, _, oldSnd := e.join(t, "a")
		_, _, b := e.join(t, "b")
		b.reset()

		conn, _, _ := e.join(t, "a")

		assert.True(t, oldSnd.closed)
		assert.Equal(t, ClosePolicyViolation, oldSnd.closeCode)
		assert.Equal(t, ReasonReplaced, oldSnd.closeReason)
		assert.Equal(t, 2, e.registry.Count("s1"))
		_, ok := e.registry.Get("s1", old.ID)
		assert.False(t, ok)
		assert.Equal(t, []domain.MessageType{domain.MsgUserLeft, domain.MsgUserJoinedSpace}, b.types())

		entry, ok, _ := e.presence.Get(ctx, "s1", "a")
		require.True(t, ok)
		assert.Equal(t, conn.ID, entry.ConnectionID)
	})
}

func TestSpaceService_Move(t *testing.T) {
	ctx := context.Background()
	e := newSpaceEnv(t)
	e.spawnAt(domain.Position{X: 10, Y: 10}, domain.Position{X: 50, Y: 50})

	a, space, aSnd := e.join(t, "a")
	_, _, bSnd := e.join(t, "b")
	aSnd.reset()
	bSnd.reset()

	require.NoError(t, e.svc.Move(ctx, space, a.ID, domain.Position{X: 11, Y: 10}))
	moved := bSnd.ofType(domain.MsgUserMoved)
	require.Len(t, moved, 1)
	assert.Equal(t, domain.UserPosition{UserID: "a", X: 11, Y: 10}, moved[0].Payload)
	assert.Empty(t, aSnd.ofType(domain.MsgUserMoved))

	bSnd.reset()
	err := e.svc.Move(ctx, space, a.ID, domain.Position{X: 13, Y: 10})
	assert.Equal(t, errprocess.KindValidation, errprocess.KindOf(err))

	rejected := aSnd.ofType(domain.MsgMoveRejected)
	require.Len(t, rejected, 1)
	assert.Equal(t, domain.UserPosition{UserID: "a", X: 11, Y: 10}, rejected[0].Payload)
	assert.Empty(t, bSnd.all())

	entry, ok, _ := e.presence.Get(ctx, "s1", "a")
	require.True(t, ok)
	assert.Equal(t, 11, entry.X)

	t.Run("超出邊界", func(t *testing.T) {
		e := newSpaceEnv(t)
		e.spawnAt(domain.Position{X: 0, Y: 99})
		a, space, snd := e.join(t, "a")

		assert.Error(t, e.svc.Move(ctx, space, a.ID, domain.Position{X: -1, Y: 99}))
		assert.Error(t, e.svc.Move(ctx, space, a.ID, domain.Position{X: 0, Y: 100}))
		assert.Len(t, snd.ofType(domain.MsgMoveRejected), 2)
	})
}

func TestSpaceService_RefreshPresence(t *testing.T) {
	ctx := context.Background()

	t.Run("續約保留最新位置", func(t *testing.T) {
		e := newSpaceEnv(t)
		e.spawnAt(domain.Position{X: 10, Y: 10})
		a, space, _ := e.join(t, "a")
		require.NoError(t, e.svc.Move(ctx, space, a.ID, domain.Position{X: 11, Y: 10}))

		e.clock.Advance(1500 * time.Millisecond)
		e.svc.RefreshPresence(ctx, "s1", a.ID)
		e.clock.Advance(1500 * time.Millisecond)

		entry, ok, err := e.presence.Get(ctx, "s1", "a")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 11, entry.X)
	})

	t.Run("已離開的連線不會重建", func(t *testing.T) {
		e := newSpaceEnv(t)
		a, _, _ := e.join(t, "a")
		e.svc.Disconnect(ctx, "s1", a.ID)

		e.svc.RefreshPresence(ctx, "s1", a.ID)

		_, ok, err := e.presence.Get(ctx, "s1", "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestSpaceService_Disconnect(t *testing.T) {
	ctx := context.Background()

	t.Run("通話中斷線先收到 video-call-end", func(t *testing.T) {
		e := newSpaceEnv(t)
		e.spawnAt(domain.Position{X: 10, Y: 10}, domain.Position{X: 12, Y: 10})
		_, _, aSnd := e.join(t, "a")
		b, space, _ := e.join(t, "b")
		require.NoError(t, e.svc.Move(ctx, space, b.ID, domain.Position{X: 11, Y: 10}))
		_, ok := e.calls.ActiveCall("a")
		require.True(t, ok)
		aSnd.reset()

		e.svc.Disconnect(ctx, "s1", b.ID)

		assert.Equal(t, []domain.MessageType{domain.MsgVideoCallEnd, domain.MsgUserLeft}, aSnd.types())
		end := aSnd.ofType(domain.MsgVideoCallEnd)[0].Payload.(domain.VideoCallEndPayload)
		assert.Equal(t, domain.ReasonUserDisconnected, end.Reason)
		assert.Equal(t, domain.UserLeftPayload{UserID: "b"}, aSnd.ofType(domain.MsgUserLeft)[0].Payload)

		_, ok, _ = e.presence.Get(ctx, "s1", "b")
		assert.False(t, ok)
		assert.Equal(t, 1, e.registry.Count("s1"))
	})

	t.Run("斷線途中 partner 移動不會與離開者重新配對", func(t *testing.T) {
		e := newSpaceEnv(t)
		e.spawnAt(domain.Position{X: 10, Y: 10}, domain.Position{X: 12, Y: 10})
		_, _, aSnd := e.join(t, "a")
		b, space, _ := e.join(t, "b")
		require.NoError(t, e.svc.Move(ctx, space, b.ID, domain.Position{X: 11, Y: 10}))
		_, ok := e.calls.ActiveCall("a")
		require.True(t, ok)

		// a 收到 video-call-end 的當下立刻送出移動
		done := make(chan struct{})
		var once sync.Once
		aSnd.setOnSend(func(msg domain.Envelope) {
			if msg.Type != domain.MsgVideoCallEnd {
				return
			}
			once.Do(func() {
				go func() {
					defer close(done)
					e.calls.OnMoved("s1", "a")
				}()
			})
		})

		e.svc.Disconnect(ctx, "s1", b.ID)

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("concurrent move did not finish")
		}
		e.calls.ScanSpace("s1")

		_, ok = e.calls.ActiveCall("a")
		assert.False(t, ok)
		_, ok = e.calls.ActiveCall("b")
		assert.False(t, ok)
		assert.Equal(t, 0, e.calls.ActiveCount())
		assert.Len(t, aSnd.ofType(domain.MsgVideoCallStart), 1)
	})

	t.Run("重複斷線只通知一次", func(t *testing.T) {
		e := newSpaceEnv(t)
		_, _, aSnd := e.join(t, "a")
		b, _, _ := e.join(t, "b")
		aSnd.reset()

		e.svc.Disconnect(ctx, "s1", b.ID)
		e.svc.Disconnect(ctx, "s1", b.ID)

		assert.Len(t, aSnd.ofType(domain.MsgUserLeft), 1)
	})

	t.Run("sweep 清除已死的連線", func(t *testing.T) {
		e := newSpaceEnv(t)
		_, _, aSnd := e.join(t, "a")
		_, _, bSnd := e.join(t, "b")
		aSnd.reset()
		bSnd.Close(1006, "")

		assert.Equal(t, 1, e.svc.Sweep(ctx))
		assert.Len(t, aSnd.ofType(domain.MsgUserLeft), 1)
		assert.Equal(t, 0, e.svc.Sweep(ctx))
	})
}
