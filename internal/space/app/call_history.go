package app

import (
	"context"
	"time"

	"virtual_space_service/internal/space/domain"
	"virtual_space_service/pkg/logger"

	"go.uber.org/zap"
)

// CallHistory durable record of video calls
type CallHistory interface {
	Create(ctx context.Context, s *domain.VideoCallSession) error
	MarkEnded(ctx context.Context, callID string, reason domain.EndReason, endedAt time.Time) error
}

type historyJob struct {
	name   string
	callID string
	run    func(ctx context.Context) error
}

// HistoryWriter applies call history writes in order on a single goroutine,
// so the call manager never blocks on the database.
type HistoryWriter struct {
	repo CallHistory
	jobs chan historyJob
}

// NewHistoryWriter create HistoryWriter; a nil repo disables history
func NewHistoryWriter(repo CallHistory, buffer int) *HistoryWriter {
	return &HistoryWriter{repo: repo, jobs: make(chan historyJob, buffer)}
}

func (w *HistoryWriter) started(s domain.VideoCallSession) {
	if w == nil || w.repo == nil {
		return
	}
	w.enqueue(historyJob{name: "create", callID: s.CallID, run: func(ctx context.Context) error {
		return w.repo.Create(ctx, &s)
	}})
}

func (w *HistoryWriter) ended(callID string, reason domain.EndReason, at time.Time) {
	if w == nil || w.repo == nil {
		return
	}
	w.enqueue(historyJob{name: "end", callID: callID, run: func(ctx context.Context) error {
		return w.repo.MarkEnded(ctx, callID, reason, at)
	}})
}

func (w *HistoryWriter) enqueue(j historyJob) {
	select {
	case w.jobs <- j:
	default:
		logger.Log.Warn("call history queue full, dropping write", zap.String("op", j.name), zap.String("callID", j.callID))
	}
}

// Run drains the queue until ctx is cancelled
func (w *HistoryWriter) Run(ctx context.Context) {
	for {
		select {
		case j := <-w.jobs:
			jobCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := j.run(jobCtx); err != nil {
				logger.Log.Error("call history write failed",
					zap.String("op", j.name),
					zap.String("callID", j.callID),
					zap.Error(err),
				)
			}
			cancel()
		case <-ctx.Done():
			return
		}
	}
}
