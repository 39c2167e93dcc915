package app

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"sync"
	"time"

	"virtual_space_service/internal/space/domain"
	"virtual_space_service/pkg/database"

	"github.com/stretchr/testify/mock"
)

// MockSpaceRepository Mock SpaceRepository
type MockSpaceRepository struct {
	mock.Mock
}

// FindByID mock find space
func (m *MockSpaceRepository) FindByID(ctx context.Context, spaceID string) (*domain.Space, error) {
	args := m.Called(ctx, spaceID)
	if args.Get(0) != nil {
		return args.Get(0).(*domain.Space), args.Error(1)
	}
	return nil, args.Error(1)
}

// IsMember mock membership check
func (m *MockSpaceRepository) IsMember(ctx context.Context, spaceID, userID string) (bool, error) {
	args := m.Called(ctx, spaceID, userID)
	return args.Bool(0), args.Error(1)
}

// MockCallHistory Mock CallHistory
type MockCallHistory struct {
	mock.Mock
}

// Create mock insert call row
func (m *MockCallHistory) Create(ctx context.Context, s *domain.VideoCallSession) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

// MarkEnded mock close call row
func (m *MockCallHistory) MarkEnded(ctx context.Context, callID string, reason domain.EndReason, endedAt time.Time) error {
	args := m.Called(ctx, callID, reason, endedAt)
	return args.Error(0)
}

// fakeClock manual clock shared by the presence mirror and the in-memory redis
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type memItem struct {
	data     []byte
	expireAt time.Time
}

// memRedis in-memory RedisRepository honouring TTL on the fake clock.
// expire=false simulates a missed expiry so only the read-side filter hides stale entries.
type memRedis[T any] struct {
	mu     sync.Mutex
	clock  *fakeClock
	items  map[string]memItem
	expire bool
}

func newMemRedis[T any](clock *fakeClock) *memRedis[T] {
	return &memRedis[T]{clock: clock, items: make(map[string]memItem), expire: true}
}

func (r *memRedis[T]) live(key string) (memItem, bool) {
	it, ok := r.items[key]
	if !ok {
		return it, false
	}
	if r.expire && !it.expireAt.IsZero() && !r.clock.Now().Before(it.expireAt) {
		delete(r.items, key)
		return it, false
	}
	return it, true
}

func (r *memRedis[T]) Set(_ context.Context, key string, value T, ttl time.Duration) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	it := memItem{data: b}
	if ttl > 0 {
		it.expireAt = r.clock.Now().Add(ttl)
	}
	r.items[key] = it
	return nil
}

func (r *memRedis[T]) Get(_ context.Context, key string) (T, error) {
	var v T
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.live(key)
	if !ok {
		return v, database.ErrRedisNil
	}
	err := json.Unmarshal(it.data, &v)
	return v, err
}

func (r *memRedis[T]) Del(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, key)
	return nil
}

func (r *memRedis[T]) SetNX(_ context.Context, key string, value T, ttl time.Duration) (bool, error) {
	b, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live(key); ok {
		return false, nil
	}
	it := memItem{data: b}
	if ttl > 0 {
		it.expireAt = r.clock.Now().Add(ttl)
	}
	r.items[key] = it
	return true, nil
}

func (r *memRedis[T]) Update(_ context.Context, key string, ttl time.Duration, fn func(T) T) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.live(key)
	if !ok {
		return false, nil
	}
	var cur T
	if err := json.Unmarshal(it.data, &cur); err != nil {
		return false, err
	}
	b, err := json.Marshal(fn(cur))
	if err != nil {
		return false, err
	}
	it = memItem{data: b}
	if ttl > 0 {
		it.expireAt = r.clock.Now().Add(ttl)
	}
	r.items[key] = it
	return true, nil
}

func (r *memRedis[T]) Scan(_ context.Context, pattern string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var keys []string
	for k := range r.items {
		if _, ok := r.live(k); !ok {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *memRedis[T]) MGet(_ context.Context, keys ...string) ([]T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		it, ok := r.live(k)
		if !ok {
			continue
		}
		var v T
		if err := json.Unmarshal(it.data, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// fakeSender records every envelope sent to a socket
type fakeSender struct {
	mu          sync.Mutex
	msgs        []domain.Envelope
	closed      bool
	closeCode   int
	closeReason string

	// onSend 在訊息記錄後呼叫, 用來在送出當下插入其他操作
	onSend func(domain.Envelope)
}

func (s *fakeSender) Send(msg domain.Envelope) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSocketClosed
	}
	s.msgs = append(s.msgs, msg)
	hook := s.onSend
	s.mu.Unlock()

	if hook != nil {
		hook(msg)
	}
	return nil
}

func (s *fakeSender) setOnSend(fn func(domain.Envelope)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSend = fn
}

func (s *fakeSender) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *fakeSender) Close(code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
}

func (s *fakeSender) all() []domain.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Envelope(nil), s.msgs...)
}

func (s *fakeSender) ofType(t domain.MessageType) []domain.Envelope {
	var out []domain.Envelope
	for _, m := range s.all() {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSender) types() []domain.MessageType {
	var out []domain.MessageType
	for _, m := range s.all() {
		out = append(out, m.Type)
	}
	return out
}

func (s *fakeSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
}

// addOccupant registers userID at p with a recording sender
func addOccupant(r *RoomRegistry, spaceID, userID string, p domain.Position) *fakeSender {
	s := &fakeSender{}
	r.AddUser(domain.NewConnection("conn-"+userID, userID, "name-"+userID, spaceID, p, s))
	return s
}
