package repository

import (
	"context"
	"encoding/json"

	"virtual_space_service/internal/chat/domain"
	"virtual_space_service/pkg/database"

	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"
)

// AnalyticsPublisher analytics / backup stream of sent messages
type AnalyticsPublisher interface {
	Publish(ctx context.Context, rec domain.MessageRecord) error
	Close() error
}

type kafkaAnalytics struct {
	writer *kafka.Writer
}

// NewKafkaAnalytics messages keyed by chatroom so a room stays ordered in one partition
func NewKafkaAnalytics(w *kafka.Writer) AnalyticsPublisher {
	return &kafkaAnalytics{writer: w}
}

func (k *kafkaAnalytics) Publish(ctx context.Context, rec domain.MessageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.ChatroomID),
		Value: data,
		Time:  rec.ServerTimestamp,
	})
}

func (k *kafkaAnalytics) Close() error {
	return k.writer.Close()
}

type rabbitAnalytics struct {
	repo     database.RabbitRepo
	exchange string
}

// NewRabbitAnalytics declare a topic exchange, routing key chat.message.{roomID}
func NewRabbitAnalytics(repo database.RabbitRepo, exchange string) (AnalyticsPublisher, error) {
	if err := repo.DeclareExchange(exchange, amqp.ExchangeTopic); err != nil {
		return nil, err
	}
	return &rabbitAnalytics{repo: repo, exchange: exchange}, nil
}

func (r *rabbitAnalytics) Publish(_ context.Context, rec domain.MessageRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.repo.Publish(r.exchange, "chat.message."+rec.ChatroomID, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    rec.ID,
		Timestamp:    rec.ServerTimestamp,
		Body:         data,
	})
}

func (r *rabbitAnalytics) Close() error {
	return r.repo.Close()
}

type nopAnalytics struct{}

// NewNopAnalytics analytics driver "none"
func NewNopAnalytics() AnalyticsPublisher {
	return nopAnalytics{}
}

func (nopAnalytics) Publish(context.Context, domain.MessageRecord) error { return nil }
func (nopAnalytics) Close() error { return nil }
