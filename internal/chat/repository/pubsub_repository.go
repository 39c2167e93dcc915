package repository

import (
	"context"
	"encoding/json"
	"strings"

	"virtual_space_service/pkg/logger"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	roomChannelPrefix   = "chat:room:"
	typingChannelPrefix = "chat:typing:"

	// RoomPattern every room fanout channel
	RoomPattern = roomChannelPrefix + "*"
	// TypingPattern every typing channel
	TypingPattern = typingChannelPrefix + "*"
	// TopologyChannel connection manager transitions
	TopologyChannel = "chat:topology"
)

// RoomChannel fanout channel of a room
func RoomChannel(roomID string) string {
	return roomChannelPrefix + roomID
}

// TypingChannel typing channel of a room
func TypingChannel(roomID string) string {
	return typingChannelPrefix + roomID
}

// RoomFromChannel 從 channel 名稱取出 room id
func RoomFromChannel(channel string) (string, bool) {
	for _, prefix := range []string{roomChannelPrefix, typingChannelPrefix} {
		if id, ok := strings.CutPrefix(channel, prefix); ok && id != "" {
			return id, true
		}
	}
	return "", false
}

// Publisher publish a JSON message on a channel
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) error
}

// RedisPubSub definition redis pub/sub
type RedisPubSub struct {
	client *redis.Client
}

// NewRedisPubSub create RedisPubSub
func NewRedisPubSub(client *redis.Client) *RedisPubSub {
	return &RedisPubSub{client: client}
}

// Publish 將 message 序列化後，發布到指定 channel
func (r *RedisPubSub) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, channel, data).Err()
}

// PSubscribe 訂閱 patterns，收到訊息後呼叫 handler 處理, ctx 結束時關閉訂閱
func (r *RedisPubSub) PSubscribe(ctx context.Context, handler func(channel string, payload []byte), patterns ...string) error {
	sub := r.client.PSubscribe(ctx, patterns...)
	// 等待訂閱確認
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return err
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()

		for {
			select {
			case m, ok := <-ch:
				if !ok {
					return
				}
				handler(m.Channel, []byte(m.Payload))
			case <-ctx.Done():
				logger.Log.Info("psubscribe closed", zap.Strings("patterns", patterns))
				return
			}
		}
	}()
	return nil
}
