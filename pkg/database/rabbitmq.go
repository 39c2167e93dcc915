package database

import (
	"errors"
	"time"

	"virtual_space_service/pkg/logger"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// RabbitRepo publish side of a RabbitMQ channel
type RabbitRepo interface {
	DeclareExchange(name, kind string) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	// Close closes the channel, and the connection when the repo owns it
	Close() error
}

type rabbitRepo struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewRabbitRepository wrap an existing channel, the caller keeps the connection
func NewRabbitRepository(ch *amqp.Channel) RabbitRepo {
	return &rabbitRepo{channel: ch}
}

// DialRabbitRepository connect, open a channel and own both
func DialRabbitRepository(d Connection) (RabbitRepo, error) {
	conn, err := ConnectRabbitMQWithRetry(d)
	if err != nil {
		return nil, err
	}
	ch, err := GetRabbitMQChannelWithRetry(conn, d.RetryCount, d.RetryInterval)
	if err != nil {
		conn.Close()
		return nil, err
	}

	go func() {
		if e, ok := <-conn.NotifyClose(make(chan *amqp.Error, 1)); ok && e != nil {
			logger.Log.Warn("RabbitMQ connection closed", zap.Int("code", e.Code), zap.String("reason", e.Reason))
		}
	}()
	return &rabbitRepo{conn: conn, channel: ch}, nil
}

// ConnectRabbitMQWithRetry 嘗試連線到 RabbitMQ
func ConnectRabbitMQWithRetry(d Connection) (*amqp.Connection, error) {
	var conn *amqp.Connection
	err := retry("RabbitMQ", d.RetryCount, d.RetryInterval, func() error {
		c, err := amqp.Dial(d.ConnectStr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	return conn, err
}

// GetRabbitMQChannelWithRetry 使用已有的 RabbitMQ 連線取得 Channel
func GetRabbitMQChannelWithRetry(conn *amqp.Connection, maxRetries int, baseDelay time.Duration) (*amqp.Channel, error) {
	var ch *amqp.Channel
	err := retry("RabbitMQ channel", maxRetries, baseDelay, func() error {
		c, err := conn.Channel()
		if err != nil {
			return err
		}
		ch = c
		return nil
	})
	return ch, err
}

// DeclareExchange declares a durable exchange
func (r *rabbitRepo) DeclareExchange(name, kind string) error {
	return r.channel.ExchangeDeclare(name, kind, true, false, false, false, nil)
}

func (r *rabbitRepo) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return r.channel.Publish(exchange, key, mandatory, immediate, msg)
}

func (r *rabbitRepo) Close() error {
	err := r.channel.Close()
	if r.conn != nil {
		err = errors.Join(err, r.conn.Close())
	}
	return err
}
