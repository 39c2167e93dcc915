package database

import (
	"fmt"
	"time"

	"virtual_space_service/pkg/logger"

	"go.uber.org/zap"
)

// retry 最少執行一次 fn, 失敗後等待 interval 秒再試, 共 count 次
func retry(name string, count int, interval time.Duration, fn func() error) error {
	attempts := max(1, count)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			if attempt > 1 {
				logger.Log.Info(name+" connected", zap.Int("attempt", attempt))
			}
			return nil
		}

		logger.Log.Warn(
			fmt.Sprintf("Failed to connect to %s, retrying...", name),
			zap.Int("attempt", attempt),
			zap.Int("max", attempts),
			zap.Error(err),
		)
		if attempt < attempts {
			time.Sleep(interval * time.Second)
		}
	}
	return fmt.Errorf("%s unavailable after %d attempts: %w", name, attempts, err)
}
