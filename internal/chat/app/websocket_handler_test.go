package app

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"virtual_space_service/internal/chat/domain"
	"virtual_space_service/internal/chat/repository"
	"virtual_space_service/pkg"
	"virtual_space_service/pkg/logger"

	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memRooms in-memory RoomRepository
type memRooms struct {
	mu    sync.Mutex
	rooms map[string]*domain.Chatroom
}

func (r *memRooms) Create(_ context.Context, room *domain.Chatroom) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *room
	r.rooms[room.ID] = &cp
	return nil
}

func (r *memRooms) FindByID(_ context.Context, roomID string) (*domain.Chatroom, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil, repository.ErrRoomNotFound
	}
	cp := *room
	cp.Members = slices.Clone(room.Members)
	return &cp, nil
}

func (r *memRooms) AddMember(_ context.Context, roomID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return repository.ErrRoomNotFound
	}
	room.Members = pkg.AppendIfNotExists(room.Members, userID)
	return nil
}

// memMessages in-memory MessageRepository
type memMessages struct {
	mu      sync.Mutex
	msgs    []domain.Message
	inserts int
}

func (m *memMessages) Insert(_ context.Context, msg *domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, *msg)
	m.inserts++
	return nil
}

func (m *memMessages) FindRecent(_ context.Context, roomID string, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Message
	for i := len(m.msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if m.msgs[i].ChatroomID == roomID {
			out = append(out, m.msgs[i])
		}
	}
	return out, nil
}

// spaceMembers space id -> members
type spaceMembers map[string][]string

func (s spaceMembers) IsMember(_ context.Context, spaceID, userID string) (bool, error) {
	return slices.Contains(s[spaceID], userID), nil
}

type gatewayEnv struct {
	rooms *memRooms
	msgs  *memMessages
	bus   *memBus
	conns *ConnectionManager
	h     *ChatWebsocketHandler
}

func newGatewayEnv(t *testing.T) *gatewayEnv {
	t.Helper()
	logger.SetNewNop()

	e := &gatewayEnv{
		rooms: &memRooms{rooms: map[string]*domain.Chatroom{
			"lobby":  {ID: "lobby", SpaceID: "s1", Name: "lobby", Members: []string{"alice"}},
			"secret": {ID: "secret", SpaceID: "s1", Name: "secret", IsPrivate: true, Members: []string{"alice", "bob"}},
		}},
		msgs: &memMessages{},
		bus:  &memBus{},
	}
	e.conns = NewConnectionManager("node-1", e.bus)

	roomsUC := NewRoomUseCase(e.rooms, spaceMembers{"s1": {"alice", "bob", "carol"}})
	msgUC := NewMessageUseCase(e.msgs, newMemCache(50), newMemTyping(), e.bus, nil, MessageSettings{})
	t.Cleanup(msgUC.Wait)

	var seq int
	var mu sync.Mutex
	e.h = NewChatWebsocketHandler(roomsUC, msgUC, e.conns, e.bus, 0, 0)
	e.h.newID = func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("sock-%d", seq)
	}
	require.NoError(t, e.h.Listen(context.Background()))
	return e
}

func (e *gatewayEnv) connect(userID string) (*chatSocket, *fakeWriter) {
	w := &fakeWriter{}
	return e.h.attach(Author{UserID: userID, Username: strings.ToUpper(userID[:1]) + userID[1:]}, w), w
}

func (e *gatewayEnv) emit(sock *chatSocket, req map[string]interface{}) {
	raw, _ := json.Marshal(req)
	e.h.handle(context.Background(), sock, raw)
}

func errorMessages(w *fakeWriter) []string {
	var out []string
	for _, raw := range w.ofType(domain.EventError) {
		var p domain.ErrorPayload
		_ = json.Unmarshal(raw, &p)
		out = append(out, p.Message)
	}
	return out
}

func TestChatGateway_JoinAndSend(t *testing.T) {
	e := newGatewayEnv(t)
	a, aw := e.connect("alice")
	b, bw := e.connect("bob")

	e.emit(a, map[string]interface{}{"event": "join-room", "roomId": "lobby"})
	assert.Equal(t, []domain.EventType{domain.EventRoomJoined, domain.EventRecentMessages}, aw.events())

	e.emit(b, map[string]interface{}{"event": "join-room", "roomId": "lobby"})
	require.Empty(t, errorMessages(bw))

	// bob 是公開房間的新成員
	room, _ := e.rooms.FindByID(context.Background(), "lobby")
	assert.Contains(t, room.Members, "bob")

	joined := aw.ofType(domain.EventUserJoined)
	require.Len(t, joined, 1)
	assert.JSONEq(t, `{"roomId":"lobby","userId":"bob","username":"Bob"}`, string(joined[0]))
	assert.Empty(t, bw.ofType(domain.EventUserJoined), "不通知自己")

	aw.reset()
	bw.reset()
	e.emit(a, map[string]interface{}{"event": "send-message", "roomId": "lobby", "content": "hi bob"})

	for _, w := range []*fakeWriter{aw, bw} {
		got := w.ofType(domain.EventReceiveMessage)
		require.Len(t, got, 1)
		var rec domain.MessageRecord
		require.NoError(t, json.Unmarshal(got[0], &rec))
		assert.Equal(t, "hi bob", rec.Content)
		assert.Equal(t, "alice", rec.SenderID)
		assert.Equal(t, "lobby", rec.ChatroomID)
	}

	t.Run("歷史訊息在加入時重播", func(t *testing.T) {
		c, cw := e.connect("carol")
		e.emit(c, map[string]interface{}{"event": "join-room", "roomId": "lobby"})
		recent := cw.ofType(domain.EventRecentMessages)
		require.Len(t, recent, 1)
		var p domain.RecentMessagesPayload
		require.NoError(t, json.Unmarshal(recent[0], &p))
		require.Len(t, p.Messages, 1)
		assert.Equal(t, "hi bob", p.Messages[0].Content)
	})
}

func TestChatGateway_OversizedMessage(t *testing.T) {
	e := newGatewayEnv(t)
	a, aw := e.connect("alice")
	b, bw := e.connect("bob")
	e.emit(a, map[string]interface{}{"event": "join-room", "roomId": "lobby"})
	e.emit(b, map[string]interface{}{"event": "join-room", "roomId": "lobby"})
	aw.reset()
	bw.reset()

	e.emit(a, map[string]interface{}{"event": "send-message", "roomId": "lobby", "content": strings.Repeat("x", 2001)})

	assert.Equal(t, []string{"Message exceeds 2000 characters"}, errorMessages(aw))
	assert.Empty(t, bw.events())
	assert.Zero(t, e.msgs.inserts)
	for _, ev := range e.bus.on(repository.RoomChannel("lobby")) {
		assert.NotEqual(t, domain.EventReceiveMessage, ev.Event)
	}
}

func TestChatGateway_PrivateRoom(t *testing.T) {
	e := newGatewayEnv(t)
	a, _ := e.connect("alice")
	c, cw := e.connect("carol")

	e.emit(a, map[string]interface{}{"event": "join-room", "roomId": "secret"})
	e.emit(c, map[string]interface{}{"event": "join-room", "roomId": "secret"})

	assert.Equal(t, []string{"Not a member of this chatroom"}, errorMessages(cw))
	assert.False(t, e.conns.InRoom(c.id, "secret"))

	cw.reset()
	e.emit(a, map[string]interface{}{"event": "send-message", "roomId": "secret", "content": "psst"})
	assert.Empty(t, cw.events(), "未加入的 socket 收不到 fanout")

	e.emit(c, map[string]interface{}{"event": "send-message", "roomId": "secret", "content": "let me in"})
	assert.Equal(t, []string{"Not a member of this chatroom"}, errorMessages(cw))

	e.emit(c, map[string]interface{}{"event": "get-recent-messages", "roomId": "secret"})
	assert.Len(t, errorMessages(cw), 2)
}

func TestChatGateway_CreateChatroom(t *testing.T) {
	e := newGatewayEnv(t)
	c, cw := e.connect("carol")
	d, dw := e.connect("dave")

	e.emit(c, map[string]interface{}{"event": "create-chatroom", "spaceId": "s1", "name": "book club", "isPrivate": true})
	created := cw.ofType(domain.EventChatroomCreated)
	require.Len(t, created, 1)
	var room domain.Chatroom
	require.NoError(t, json.Unmarshal(created[0], &room))
	assert.Equal(t, "book club", room.Name)
	assert.Equal(t, []string{"carol"}, room.Members)

	e.emit(c, map[string]interface{}{"event": "join-room", "roomId": room.ID})
	assert.Empty(t, errorMessages(cw))

	e.emit(d, map[string]interface{}{"event": "create-chatroom", "spaceId": "s1", "name": "x"})
	assert.Equal(t, []string{"Not a member of this space"}, errorMessages(dw))
}

func TestChatGateway_Typing(t *testing.T) {
	e := newGatewayEnv(t)
	a, aw := e.connect("alice")
	b, bw := e.connect("bob")

	e.emit(a, map[string]interface{}{"event": "typing", "roomId": "lobby"})
	assert.Equal(t, []string{"Join the room first"}, errorMessages(aw))

	e.emit(a, map[string]interface{}{"event": "join-room", "roomId": "lobby"})
	e.emit(b, map[string]interface{}{"event": "join-room", "roomId": "lobby"})
	aw.reset()
	bw.reset()

	e.emit(a, map[string]interface{}{"event": "typing", "roomId": "lobby"})
	e.emit(a, map[string]interface{}{"event": "stop-typing", "roomId": "lobby"})

	assert.Equal(t, []domain.EventType{domain.EventUserTyping, domain.EventUserStopTyping}, bw.events())
	assert.Empty(t, aw.events(), "自己的 typing 不回送")

	t.Run("加入後被移出成員名單", func(t *testing.T) {
		e.rooms.mu.Lock()
		e.rooms.rooms["lobby"].Members = slices.DeleteFunc(e.rooms.rooms["lobby"].Members, func(id string) bool {
			return id == "alice"
		})
		e.rooms.mu.Unlock()
		aw.reset()
		bw.reset()

		e.emit(a, map[string]interface{}{"event": "typing", "roomId": "lobby"})
		e.emit(a, map[string]interface{}{"event": "stop-typing", "roomId": "lobby"})

		assert.Equal(t, []string{"Not a member of this chatroom", "Not a member of this chatroom"}, errorMessages(aw))
		assert.Empty(t, bw.events())
		assert.Empty(t, e.h.messages.Typing(context.Background(), "lobby"))
	})
}

func TestChatGateway_MultiDevice(t *testing.T) {
	e := newGatewayEnv(t)
	phone, _ := e.connect("alice")
	laptop, _ := e.connect("alice")
	b, bw := e.connect("bob")

	e.emit(b, map[string]interface{}{"event": "join-room", "roomId": "lobby"})
	e.emit(phone, map[string]interface{}{"event": "join-room", "roomId": "lobby"})
	e.emit(laptop, map[string]interface{}{"event": "join-room", "roomId": "lobby"})
	assert.Len(t, bw.ofType(domain.EventUserJoined), 1, "第二個裝置不再通知")

	e.emit(phone, map[string]interface{}{"event": "leave-room", "roomId": "lobby"})
	assert.Empty(t, bw.ofType(domain.EventUserLeft))

	e.h.detach(context.Background(), laptop.id)
	left := bw.ofType(domain.EventUserLeft)
	require.Len(t, left, 1)
	assert.JSONEq(t, `{"roomId":"lobby","userId":"alice","username":"Alice"}`, string(left[0]))

	// 重複 detach 不再通知
	e.h.detach(context.Background(), laptop.id)
	assert.Len(t, bw.ofType(domain.EventUserLeft), 1)
}

func TestChatGateway_IdleTeardown(t *testing.T) {
	e := newGatewayEnv(t)
	now := time.Unix(1700000000, 0)
	e.conns.now = func() time.Time { return now }

	a, aw := e.connect("alice")
	b, bw := e.connect("bob")
	e.emit(a, map[string]interface{}{"event": "join-room", "roomId": "lobby"})
	e.emit(b, map[string]interface{}{"event": "join-room", "roomId": "lobby"})

	now = now.Add(6 * time.Minute)
	e.conns.Touch(b.id)
	bw.reset()

	assert.Equal(t, 1, e.conns.Sweep(5*time.Minute, e.h.Teardown))

	assert.True(t, aw.closed)
	assert.Equal(t, websocket.CloseGoingAway, aw.closeCode)
	assert.Len(t, bw.ofType(domain.EventUserLeft), 1)
	assert.False(t, bw.closed)
}

func TestChatGateway_BadInput(t *testing.T) {
	e := newGatewayEnv(t)
	a, aw := e.connect("alice")

	e.h.handle(context.Background(), a, []byte("not json"))
	e.emit(a, map[string]interface{}{"event": "receive-message"})
	e.emit(a, map[string]interface{}{"event": "join-room", "roomId": "missing"})
	e.emit(a, map[string]interface{}{"event": "join-room"})

	assert.Equal(t, []string{
		"Invalid message format",
		"Unknown event",
		"Chatroom not found",
		"roomId is required",
	}, errorMessages(aw))
}
