package repository

import (
	"context"
	"errors"
	"time"

	"virtual_space_service/internal/chat/domain"
	"virtual_space_service/pkg/database"
)

// TypingRepository typing:{roomID}:{userID} TTL keys
type TypingRepository interface {
	Set(ctx context.Context, ind domain.TypingIndicator, ttl time.Duration) error
	Clear(ctx context.Context, roomID, userID string) error
	// Active 目前仍在 TTL 內的 typing indicator
	Active(ctx context.Context, roomID string) ([]domain.TypingIndicator, error)
}

type typingRepository struct {
	redis database.RedisRepository[domain.TypingIndicator]
}

// NewTypingRepository create TypingRepository
func NewTypingRepository(r database.RedisRepository[domain.TypingIndicator]) TypingRepository {
	return &typingRepository{redis: r}
}

// TypingKey key of one user's indicator
func TypingKey(roomID, userID string) string {
	return "typing:" + roomID + ":" + userID
}

func (t *typingRepository) Set(ctx context.Context, ind domain.TypingIndicator, ttl time.Duration) error {
	return t.redis.Set(ctx, TypingKey(ind.RoomID, ind.UserID), ind, ttl)
}

func (t *typingRepository) Clear(ctx context.Context, roomID, userID string) error {
	err := t.redis.Del(ctx, TypingKey(roomID, userID))
	if errors.Is(err, database.ErrRedisNil) {
		return nil
	}
	return err
}

func (t *typingRepository) Active(ctx context.Context, roomID string) ([]domain.TypingIndicator, error) {
	keys, err := t.redis.Scan(ctx, TypingKey(roomID, "*"))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return t.redis.MGet(ctx, keys...)
}
