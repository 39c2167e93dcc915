package database

import (
	"context"
	"errors"
	"time"

	"virtual_space_service/pkg/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// NewKafkaWriterWithRetry 確認 broker 可連線後建立 Kafka Writer
func NewKafkaWriterWithRetry(k KafkaConnection) (*kafka.Writer, error) {
	if len(k.Brokers) == 0 || k.Brokers[0] == "" {
		return nil, errors.New("kafka: no brokers configured")
	}

	if err := retry("kafka "+k.Brokers[0], k.RetryCount, k.RetryInterval, func() error {
		return pingKafka(k.Brokers[0])
	}); err != nil {
		return nil, err
	}
	logger.Log.Info("Kafka broker reachable", zap.Strings("brokers", k.Brokers), zap.String("topic", k.Topic))

	return &kafka.Writer{
		Addr:         kafka.TCP(k.Brokers...),
		Topic:        k.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		// 寫入失敗不重送, 呼叫端自行決定
		MaxAttempts:            1,
		AllowAutoTopicCreation: true,
	}, nil
}

func pingKafka(broker string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Brokers()
	return err
}
