package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"virtual_space_service/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrRedisNil key 不存在
var ErrRedisNil = errors.New("redis: key not found")

// RedisRepository 定义接口
type RedisRepository[T any] interface {
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	Get(ctx context.Context, key string) (T, error)
	Del(ctx context.Context, key string) error
	// SetNX writes value only when key does not exist yet.
	SetNX(ctx context.Context, key string, value T, ttl time.Duration) (bool, error)
	// Update rewrites key with fn(current) and ttl inside a WATCH transaction,
	// retried when another client changes key meanwhile. A missing key stays
	// missing and reports false.
	Update(ctx context.Context, key string, ttl time.Duration, fn func(T) T) (bool, error)
	// Scan returns every key matching pattern (SCAN, not KEYS).
	Scan(ctx context.Context, pattern string) ([]string, error)
	// MGet returns the decoded values that still exist, missing keys are skipped.
	MGet(ctx context.Context, keys ...string) ([]T, error)
}

type redisRepository[T any] struct {
	client *redis.Client
}

// NewRedisClient init Redis Sentinel connection
func NewRedisClient(masterName string, sentinelAddrs []string, db int) (*redis.Client, error) {
	rdb := redis.NewFailoverClient(&redis.FailoverOptions{
		MasterName:    masterName,
		SentinelAddrs: sentinelAddrs,
		DB:            db,
	})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis sentinel: %w", err)
	}

	return rdb, nil
}

// NewRedisSingleClient init a standalone Redis connection
func NewRedisSingleClient(addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis %s: %w", addr, err)
	}

	return rdb, nil
}

// NewRedisRepository wrap a connected client into a typed JSON repository
func NewRedisRepository[T any](client *redis.Client) RedisRepository[T] {
	return &redisRepository[T]{client: client}
}

func (r *redisRepository[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return r.client.Set(ctx, key, data, ttl).Err()
}

func (r *redisRepository[T]) Get(ctx context.Context, key string) (T, error) {
	var zeroValue T

	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return zeroValue, ErrRedisNil
	} else if err != nil {
		return zeroValue, fmt.Errorf("failed to get %s: %w", key, err)
	}

	var result T
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		logger.Log.Error("redis decode failed", zap.String("key", key), zap.Error(err))
		return zeroValue, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	return result, nil
}

func (r *redisRepository[T]) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *redisRepository[T]) SetNX(ctx context.Context, key string, value T, ttl time.Duration) (bool, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	ok, err := r.client.SetNX(ctx, key, data, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx %s: %w", key, err)
	}
	return ok, nil
}

// updateRetries WATCH 衝突時最多重試次數
const updateRetries = 10

func (r *redisRepository[T]) Update(ctx context.Context, key string, ttl time.Duration, fn func(T) T) (bool, error) {
	for i := 0; i < updateRetries; i++ {
		found := false
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			val, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				return nil
			} else if err != nil {
				return err
			}

			var cur T
			if err := json.Unmarshal([]byte(val), &cur); err != nil {
				return fmt.Errorf("failed to unmarshal %s: %w", key, err)
			}
			data, err := json.Marshal(fn(cur))
			if err != nil {
				return fmt.Errorf("failed to marshal %s: %w", key, err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, ttl)
				return nil
			})
			found = err == nil
			return err
		}, key)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("failed to update %s: %w", key, err)
		}
		return found, nil
	}
	return false, fmt.Errorf("failed to update %s: too many concurrent writes", key)
}

func (r *redisRepository[T]) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

func (r *redisRepository[T]) MGet(ctx context.Context, keys ...string) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget: %w", err)
	}

	out := make([]T, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// 已過期或被刪除
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			logger.Log.Warn("redis decode failed", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		out = append(out, item)
	}
	return out, nil
}
