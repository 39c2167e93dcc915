package database

import (
	"time"

	"go.mongodb.org/mongo-driver/mongo"
)

// Connection definition sql / broker setting
type Connection struct {
	ConnectStr string

	// RetryCount 總嘗試次數, 0 視為 1
	RetryCount int
	// RetryInterval 以秒為單位
	RetryInterval time.Duration
}

// MongoDB definition mongo db
type MongoDB struct {
	Client   *mongo.Client
	Database *mongo.Database
}

// KafkaConnection definition kafka, Brokers[0] 用來確認連線
type KafkaConnection struct {
	Brokers       []string
	Topic         string
	RetryCount    int
	RetryInterval time.Duration
}
