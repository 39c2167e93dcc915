package app

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"virtual_space_service/internal/chat/domain"
	"virtual_space_service/internal/chat/repository"
	"virtual_space_service/pkg/wsconn"

	"github.com/stretchr/testify/mock"
)

// MockRoomRepository Mock RoomRepository
type MockRoomRepository struct {
	mock.Mock
}

// Create mock create room
func (m *MockRoomRepository) Create(ctx context.Context, room *domain.Chatroom) error {
	args := m.Called(ctx, room)
	return args.Error(0)
}

// FindByID mock find room by room id
func (m *MockRoomRepository) FindByID(ctx context.Context, roomID string) (*domain.Chatroom, error) {
	args := m.Called(ctx, roomID)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Chatroom), args.Error(1)
	}
	return nil, args.Error(1)
}

// AddMember mock add member
func (m *MockRoomRepository) AddMember(ctx context.Context, roomID, userID string) error {
	args := m.Called(ctx, roomID, userID)
	return args.Error(0)
}

// MockMessageRepository Mock MessageRepository
type MockMessageRepository struct {
	mock.Mock
}

// Insert mock insert msg
func (m *MockMessageRepository) Insert(ctx context.Context, msg *domain.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

// FindRecent mock find recent
func (m *MockMessageRepository) FindRecent(ctx context.Context, roomID string, limit int) ([]domain.Message, error) {
	args := m.Called(ctx, roomID, limit)
	if fn, ok := args.Get(0).(func(context.Context, string, int) []domain.Message); ok {
		return fn(ctx, roomID, limit), args.Error(1)
	}
	if args.Get(0) != nil {
		return args.Get(0).([]domain.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockSpaceMembership Mock SpaceMembership
type MockSpaceMembership struct {
	mock.Mock
}

// IsMember mock space membership
func (m *MockSpaceMembership) IsMember(ctx context.Context, spaceID, userID string) (bool, error) {
	args := m.Called(ctx, spaceID, userID)
	return args.Bool(0), args.Error(1)
}

// MockAnalytics Mock AnalyticsPublisher
type MockAnalytics struct {
	mock.Mock
}

// Publish mock analytics publish
func (m *MockAnalytics) Publish(ctx context.Context, rec domain.MessageRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

// Close mock close
func (m *MockAnalytics) Close() error {
	return nil
}

// memCache in-memory MessageCache, newest first like the redis list
type memCache struct {
	mu    sync.Mutex
	size  int
	lists map[string][]domain.MessageRecord
	fails error

	// onMiss 在 Push 回傳 ErrCacheMiss 之前呼叫
	onMiss func()
}

func newMemCache(size int) *memCache {
	return &memCache{size: size, lists: map[string][]domain.MessageRecord{}}
}

func (c *memCache) Push(_ context.Context, rec domain.MessageRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails != nil {
		return c.fails
	}
	l, ok := c.lists[rec.ChatroomID]
	if !ok {
		if hook := c.onMiss; hook != nil {
			c.onMiss = nil
			c.mu.Unlock()
			hook()
			c.mu.Lock()
		}
		return repository.ErrCacheMiss
	}
	for _, m := range l {
		if m.ID == rec.ID {
			return nil
		}
	}
	l = append([]domain.MessageRecord{rec}, l...)
	if len(l) > c.size {
		l = l[:c.size]
	}
	c.lists[rec.ChatroomID] = l
	return nil
}

func (c *memCache) Recent(_ context.Context, roomID string, limit int) ([]domain.MessageRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails != nil {
		return nil, c.fails
	}
	l, ok := c.lists[roomID]
	if !ok {
		return nil, repository.ErrCacheMiss
	}
	if len(l) > limit {
		l = l[:limit]
	}
	return append([]domain.MessageRecord(nil), l...), nil
}

func (c *memCache) Fill(_ context.Context, roomID string, recs []domain.MessageRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fails != nil {
		return c.fails
	}
	if _, ok := c.lists[roomID]; ok || len(recs) == 0 {
		return nil
	}
	c.lists[roomID] = append([]domain.MessageRecord(nil), recs...)
	return nil
}

// memTyping in-memory TypingRepository with a settable clock
type memTyping struct {
	mu   sync.Mutex
	now  time.Time
	keys map[string]typingEntry
}

type typingEntry struct {
	ind     domain.TypingIndicator
	expires time.Time
}

func newMemTyping() *memTyping {
	return &memTyping{now: time.Unix(1700000000, 0), keys: map[string]typingEntry{}}
}

func (t *memTyping) advance(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = t.now.Add(d)
}

func (t *memTyping) Set(_ context.Context, ind domain.TypingIndicator, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keys[repository.TypingKey(ind.RoomID, ind.UserID)] = typingEntry{ind: ind, expires: t.now.Add(ttl)}
	return nil
}

func (t *memTyping) Clear(_ context.Context, roomID, userID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.keys, repository.TypingKey(roomID, userID))
	return nil
}

func (t *memTyping) Active(_ context.Context, roomID string) ([]domain.TypingIndicator, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.TypingIndicator
	for k, e := range t.keys {
		if ok, _ := path.Match(repository.TypingKey(roomID, "*"), k); ok && t.now.Before(e.expires) {
			out = append(out, e.ind)
		}
	}
	return out, nil
}

// memBus synchronous in-process pub/sub, implements Publisher and Subscriber
type memBus struct {
	mu        sync.Mutex
	published []busMessage
	handlers  []busHandler
}

type busMessage struct {
	Channel string
	Payload []byte
}

type busHandler struct {
	patterns []string
	fn       func(channel string, payload []byte)
}

func (b *memBus) Publish(_ context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.published = append(b.published, busMessage{Channel: channel, Payload: data})
	handlers := append([]busHandler(nil), b.handlers...)
	b.mu.Unlock()

	for _, h := range handlers {
		for _, p := range h.patterns {
			if ok, _ := path.Match(p, channel); ok {
				h.fn(channel, data)
				break
			}
		}
	}
	return nil
}

func (b *memBus) PSubscribe(_ context.Context, handler func(channel string, payload []byte), patterns ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, busHandler{patterns: patterns, fn: handler})
	return nil
}

// on channel 上已發布的 RoomEvent
func (b *memBus) on(channel string) []domain.RoomEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.RoomEvent
	for _, m := range b.published {
		if m.Channel != channel {
			continue
		}
		var ev domain.RoomEvent
		if err := json.Unmarshal(m.Payload, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

// topology events published on chat:topology
func (b *memBus) topology() []domain.TopologyEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.TopologyEvent
	for _, m := range b.published {
		if m.Channel != repository.TopologyChannel {
			continue
		}
		var ev domain.TopologyEvent
		if err := json.Unmarshal(m.Payload, &ev); err == nil {
			out = append(out, ev)
		}
	}
	return out
}

// fakeWriter records frames written to a socket
type fakeWriter struct {
	mu          sync.Mutex
	frames      []domain.WSResponse
	closed      bool
	closeCode   int
	closeReason string
}

func (w *fakeWriter) SendJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return wsconn.ErrClosed
	}
	// 經過一次 JSON 讓 payload 形狀與 client 看到的一致
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var resp struct {
		Event   domain.EventType `json:"event"`
		Payload json.RawMessage  `json:"payload"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return err
	}
	w.frames = append(w.frames, domain.WSResponse{Event: resp.Event, Payload: resp.Payload})
	return nil
}

func (w *fakeWriter) IsOpen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.closed
}

func (w *fakeWriter) Close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	w.closeCode = code
	w.closeReason = reason
}

func (w *fakeWriter) events() []domain.EventType {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]domain.EventType, 0, len(w.frames))
	for _, f := range w.frames {
		out = append(out, f.Event)
	}
	return out
}

// ofType payloads of every frame of event, as raw JSON
func (w *fakeWriter) ofType(event domain.EventType) []json.RawMessage {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []json.RawMessage
	for _, f := range w.frames {
		if f.Event == event {
			out = append(out, f.Payload.(json.RawMessage))
		}
	}
	return out
}

func (w *fakeWriter) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames = nil
}
