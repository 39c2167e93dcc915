package repository

import (
	"context"
	"time"

	"virtual_space_service/internal/space/domain"

	"gorm.io/gorm"
)

// CallRecord video call history row
type CallRecord struct {
	ID        uint   `gorm:"primaryKey"`
	CallID    string `gorm:"uniqueIndex;size:64"`
	SpaceID   string `gorm:"index;size:64"`
	UserA     string `gorm:"size:64"`
	UserB     string `gorm:"size:64"`
	Status    string `gorm:"size:16;index"`
	EndReason string `gorm:"size:32"`
	StartedAt time.Time
	EndedAt   *time.Time
}

// TableName gorm table name
func (CallRecord) TableName() string {
	return "video_calls"
}

// CallRepository definition video call history
type CallRepository interface {
	AutoMigrate() error
	Create(ctx context.Context, s *domain.VideoCallSession) error
	MarkEnded(ctx context.Context, callID string, reason domain.EndReason, endedAt time.Time) error
	// CloseStale ends active rows started before cutoff, left behind by a crashed process.
	CloseStale(ctx context.Context, cutoff time.Time, endedAt time.Time) (int64, error)
}

type callRepository struct {
	db *gorm.DB
}

// NewCallRepository create CallRepository
func NewCallRepository(db *gorm.DB) CallRepository {
	return &callRepository{db: db}
}

func (r *callRepository) AutoMigrate() error {
	return r.db.AutoMigrate(&CallRecord{})
}

func (r *callRepository) Create(ctx context.Context, s *domain.VideoCallSession) error {
	rec := CallRecord{
		CallID:    s.CallID,
		SpaceID:   s.SpaceID,
		UserA:     s.Participants[0],
		UserB:     s.Participants[1],
		Status:    string(domain.CallActive),
		StartedAt: s.StartedAt,
	}
	return r.db.WithContext(ctx).Create(&rec).Error
}

func (r *callRepository) MarkEnded(ctx context.Context, callID string, reason domain.EndReason, endedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&CallRecord{}).
		Where("call_id = ?", callID).
		Updates(map[string]interface{}{
			"status":     string(domain.CallEnded),
			"end_reason": string(reason),
			"ended_at":   endedAt,
		}).Error
}

func (r *callRepository) CloseStale(ctx context.Context, cutoff time.Time, endedAt time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&CallRecord{}).
		Where("status = ? AND started_at < ?", string(domain.CallActive), cutoff).
		Updates(map[string]interface{}{
			"status":     string(domain.CallEnded),
			"end_reason": string(domain.ReasonTimeout),
			"ended_at":   endedAt,
		})
	return res.RowsAffected, res.Error
}
