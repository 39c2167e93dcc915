package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"virtual_space_service/internal/chat/domain"
	"virtual_space_service/internal/chat/repository"
	errprocess "virtual_space_service/pkg/err"
	"virtual_space_service/pkg/logger"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const analyticsTimeout = 5 * time.Second

// Author identity of whoever sends or types
type Author struct {
	UserID   string
	Username string
}

// MessageSettings limits of the message manager
type MessageSettings struct {
	MaxLength int
	CacheSize int
	TypingTTL time.Duration
}

// MessageUseCase 負責處理聊天訊息
type MessageUseCase struct {
	msgRepo   repository.MessageRepository
	cache     repository.MessageCache
	typing    repository.TypingRepository
	pub       repository.Publisher
	analytics repository.AnalyticsPublisher
	breaker   *gobreaker.CircuitBreaker[struct{}]
	cfg       MessageSettings

	forwards sync.WaitGroup
	now      func() time.Time
	newID    func() string
}

// NewMessageUseCase init message use case
func NewMessageUseCase(
	msgRepo repository.MessageRepository,
	cache repository.MessageCache,
	typing repository.TypingRepository,
	pub repository.Publisher,
	analytics repository.AnalyticsPublisher,
	cfg MessageSettings,
) *MessageUseCase {
	if cfg.MaxLength <= 0 {
		cfg.MaxLength = 2000
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 50
	}
	if cfg.TypingTTL <= 0 {
		cfg.TypingTTL = 10 * time.Second
	}
	if analytics == nil {
		analytics = repository.NewNopAnalytics()
	}

	return &MessageUseCase{
		msgRepo:   msgRepo,
		cache:     cache,
		typing:    typing,
		pub:       pub,
		analytics: analytics,
		breaker:   newAnalyticsBreaker(),
		cfg:       cfg,
		now:       time.Now,
		newID:     func() string { return uuid.New().String() },
	}
}

// 連續失敗 5 次後 30 秒內直接略過 analytics
func newAnalyticsBreaker() *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "chat-analytics",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log.Warn("circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// SendMessage validate, persist, cache, fan out and forward to analytics.
// Only validation and the durable write can fail the call.
func (uc *MessageUseCase) SendMessage(ctx context.Context, roomID string, author Author, content string) (domain.MessageRecord, error) {
	if err := uc.validate(content); err != nil {
		return domain.MessageRecord{}, err
	}

	msg := domain.Message{
		ID:         uc.newID(),
		Content:    content,
		UserID:     author.UserID,
		Username:   author.Username,
		ChatroomID: roomID,
		// mongo 只保存到毫秒, cache 與 DB 必須一致
		CreatedAt: uc.now().UTC().Truncate(time.Millisecond),
	}
	if err := uc.msgRepo.Insert(ctx, &msg); err != nil {
		logger.Log.Error("persist message failed", zap.String("roomID", roomID), zap.Error(err))
		return domain.MessageRecord{}, errprocess.Infrastructure("Failed to send message", err)
	}
	rec := msg.Record()

	uc.cacheRecord(ctx, rec)

	ev, err := domain.NewRoomEvent(domain.EventReceiveMessage, roomID, rec, "")
	if err == nil {
		err = uc.pub.Publish(ctx, repository.RoomChannel(roomID), ev)
	}
	if err != nil {
		// 已寫入 DB, client 可透過 get-recent-messages 補回
		logger.Log.Warn("publish message failed", zap.String("roomID", roomID), zap.Error(err))
	}

	uc.forward(rec)
	return rec, nil
}

func (uc *MessageUseCase) validate(content string) error {
	if strings.TrimSpace(content) == "" {
		return errprocess.Validation("Message cannot be empty")
	}
	if utf8.RuneCountInString(content) > uc.cfg.MaxLength {
		return errprocess.Validation(fmt.Sprintf("Message exceeds %d characters", uc.cfg.MaxLength))
	}
	return nil
}

// cacheRecord push onto a cached room, warm a missing one from mongo.
// The list may have been created from an older snapshot in the meantime,
// so rec is pushed again after warming; Push skips ids already cached.
func (uc *MessageUseCase) cacheRecord(ctx context.Context, rec domain.MessageRecord) {
	err := uc.cache.Push(ctx, rec)
	if errors.Is(err, repository.ErrCacheMiss) {
		if _, err = uc.warm(ctx, rec.ChatroomID); err == nil {
			err = uc.cache.Push(ctx, rec)
		}
	}
	if errors.Is(err, repository.ErrCacheMiss) {
		err = nil
	}
	if err != nil {
		logger.Log.Warn("message cache update failed", zap.String("roomID", rec.ChatroomID), zap.Error(err))
	}
}

// warm loads the newest CacheSize messages (newest first) and fills an absent cache
func (uc *MessageUseCase) warm(ctx context.Context, roomID string) ([]domain.MessageRecord, error) {
	msgs, err := uc.msgRepo.FindRecent(ctx, roomID, uc.cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	recs := make([]domain.MessageRecord, 0, len(msgs))
	for _, m := range msgs {
		recs = append(recs, m.Record())
	}
	if err := uc.cache.Fill(ctx, roomID, recs); err != nil {
		logger.Log.Warn("message cache fill failed", zap.String("roomID", roomID), zap.Error(err))
	}
	return recs, nil
}

// GetRecentMessages cache first, oldest to newest. limit is clamped to
// [1, CacheSize], zero or negative means CacheSize.
func (uc *MessageUseCase) GetRecentMessages(ctx context.Context, roomID string, limit int) ([]domain.MessageRecord, error) {
	if limit <= 0 || limit > uc.cfg.CacheSize {
		limit = uc.cfg.CacheSize
	}

	recs, err := uc.cache.Recent(ctx, roomID, limit)
	if err != nil {
		if !errors.Is(err, repository.ErrCacheMiss) {
			logger.Log.Warn("message cache read failed", zap.String("roomID", roomID), zap.Error(err))
		}
		recs, err = uc.warm(ctx, roomID)
		if err != nil {
			logger.Log.Error("load messages failed", zap.String("roomID", roomID), zap.Error(err))
			return nil, errprocess.Infrastructure("Failed to load messages", err)
		}
		if len(recs) > limit {
			recs = recs[:limit]
		}
	}

	out := slices.Clone(recs)
	slices.Reverse(out)
	return out, nil
}

// forward copy rec to the analytics stream without blocking the sender
func (uc *MessageUseCase) forward(rec domain.MessageRecord) {
	uc.forwards.Add(1)
	go func() {
		defer uc.forwards.Done()

		ctx, cancel := context.WithTimeout(context.Background(), analyticsTimeout)
		defer cancel()

		_, err := uc.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, uc.analytics.Publish(ctx, rec)
		})
		switch {
		case err == nil:
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			logger.Log.Debug("analytics circuit open, skip", zap.String("messageID", rec.ID))
		default:
			logger.Log.Warn("analytics forward failed", zap.String("messageID", rec.ID), zap.Error(err))
		}
	}()
}

// Wait blocks until in-flight analytics forwards finish
func (uc *MessageUseCase) Wait() {
	uc.forwards.Wait()
}

// SetTyping 設定 typing key (TTL) 並通知房間其他人
func (uc *MessageUseCase) SetTyping(ctx context.Context, roomID string, author Author) error {
	ind := domain.TypingIndicator{
		RoomID:    roomID,
		UserID:    author.UserID,
		Username:  author.Username,
		StartedAt: uc.now().UTC(),
	}
	if err := uc.typing.Set(ctx, ind, uc.cfg.TypingTTL); err != nil {
		return errprocess.Infrastructure("Failed to update typing status", err)
	}
	uc.publishTyping(ctx, domain.EventUserTyping, roomID, author)
	return nil
}

// StopTyping 刪除 typing key 並通知房間其他人
func (uc *MessageUseCase) StopTyping(ctx context.Context, roomID string, author Author) error {
	if err := uc.typing.Clear(ctx, roomID, author.UserID); err != nil {
		return errprocess.Infrastructure("Failed to update typing status", err)
	}
	uc.publishTyping(ctx, domain.EventUserStopTyping, roomID, author)
	return nil
}

// Typing users currently typing in roomID, failures read as nobody typing
func (uc *MessageUseCase) Typing(ctx context.Context, roomID string) []domain.RoomUserPayload {
	inds, err := uc.typing.Active(ctx, roomID)
	if err != nil {
		logger.Log.Warn("read typing failed", zap.String("roomID", roomID), zap.Error(err))
		return nil
	}
	users := make([]domain.RoomUserPayload, 0, len(inds))
	for _, ind := range inds {
		users = append(users, domain.RoomUserPayload{RoomID: roomID, UserID: ind.UserID, Username: ind.Username})
	}
	return users
}

func (uc *MessageUseCase) publishTyping(ctx context.Context, event domain.EventType, roomID string, author Author) {
	uc.publishRoomUser(ctx, repository.TypingChannel(roomID), event, roomID, author)
}

// PublishPresence user-joined / user-left on the room channel, the user's own sockets are skipped
func (uc *MessageUseCase) PublishPresence(ctx context.Context, event domain.EventType, roomID string, author Author) {
	uc.publishRoomUser(ctx, repository.RoomChannel(roomID), event, roomID, author)
}

func (uc *MessageUseCase) publishRoomUser(ctx context.Context, channel string, event domain.EventType, roomID string, author Author) {
	ev, err := domain.NewRoomEvent(event, roomID, domain.RoomUserPayload{
		RoomID:   roomID,
		UserID:   author.UserID,
		Username: author.Username,
	}, author.UserID)
	if err == nil {
		err = uc.pub.Publish(ctx, channel, ev)
	}
	if err != nil {
		logger.Log.Warn("publish room event failed",
			zap.String("roomID", roomID),
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
}
