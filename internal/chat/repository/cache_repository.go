package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"virtual_space_service/internal/chat/domain"
	"virtual_space_service/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrCacheMiss chat:cache:{room} 不存在
var ErrCacheMiss = errors.New("message cache miss")

// MessageCache capped newest-first list of recent messages per room
type MessageCache interface {
	// Push prepends rec when the room is cached, ErrCacheMiss otherwise.
	// A record whose id is already cached is skipped.
	Push(ctx context.Context, rec domain.MessageRecord) error
	// Recent 回傳最新的 limit 則, 新到舊
	Recent(ctx context.Context, roomID string, limit int) ([]domain.MessageRecord, error)
	// Fill creates the cached list from recs (newest first) only when the room
	// is not cached yet. An existing list is never replaced.
	Fill(ctx context.Context, roomID string, recs []domain.MessageRecord) error
}

// pushScript KEYS[1] list, ARGV[1] record, ARGV[2] id, ARGV[3] size, ARGV[4] ttl ms
var pushScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
for _, raw in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
	local ok, rec = pcall(cjson.decode, raw)
	if ok and rec.id == ARGV[2] then
		return 0
	end
end
redis.call('LPUSH', KEYS[1], ARGV[1])
redis.call('LTRIM', KEYS[1], 0, tonumber(ARGV[3]) - 1)
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return 1
`)

// fillScript KEYS[1] list, ARGV[1] ttl ms, ARGV[2..] records
var fillScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('RPUSH', KEYS[1], unpack(ARGV, 2))
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return 1
`)

type redisMessageCache struct {
	client *redis.Client
	size   int
	ttl    time.Duration
}

// NewRedisMessageCache create a MessageCache holding size records per room for ttl
func NewRedisMessageCache(client *redis.Client, size int, ttl time.Duration) MessageCache {
	return &redisMessageCache{client: client, size: size, ttl: ttl}
}

// CacheKey redis list of a room
func CacheKey(roomID string) string {
	return "chat:cache:" + roomID
}

func (r *redisMessageCache) Push(ctx context.Context, rec domain.MessageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := CacheKey(rec.ChatroomID)

	// 不存在的 key 不會被建立, 不完整的 list 不會出現
	n, err := pushScript.Run(ctx, r.client, []string{key}, data, rec.ID, r.size, r.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("push %s: %w", key, err)
	}
	if n < 0 {
		return ErrCacheMiss
	}
	return nil
}

func (r *redisMessageCache) Recent(ctx context.Context, roomID string, limit int) ([]domain.MessageRecord, error) {
	key := CacheKey(roomID)

	pipe := r.client.Pipeline()
	exists := pipe.Exists(ctx, key)
	items := pipe.LRange(ctx, key, 0, int64(limit-1))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("range %s: %w", key, err)
	}
	if exists.Val() == 0 {
		return nil, ErrCacheMiss
	}

	recs := make([]domain.MessageRecord, 0, len(items.Val()))
	for _, raw := range items.Val() {
		var rec domain.MessageRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			logger.Log.Error("message cache decode failed", zap.String("key", key), zap.Error(err))
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (r *redisMessageCache) Fill(ctx context.Context, roomID string, recs []domain.MessageRecord) error {
	if len(recs) == 0 {
		return nil
	}
	if len(recs) > r.size {
		recs = recs[:r.size]
	}

	args := make([]interface{}, 0, len(recs)+1)
	args = append(args, r.ttl.Milliseconds())
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		args = append(args, data)
	}

	// 讀取 DB 的快照可能比其他人剛寫入的 list 舊, 只在 key 不存在時建立
	key := CacheKey(roomID)
	if err := fillScript.Run(ctx, r.client, []string{key}, args...).Err(); err != nil {
		return fmt.Errorf("fill %s: %w", key, err)
	}
	return nil
}
