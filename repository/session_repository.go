// Package repository is the data-access layer for audit records. All writes
// are best effort: the synchronization hot path never blocks on MySQL.
package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/casspangell/drone-choir-app-sub000/logger"
	"github.com/casspangell/drone-choir-app-sub000/model"
)

// SessionRepository persists session lifecycle and controller hand-off
// events. Shaped to plug in as the hub's audit recorder.
type SessionRepository interface {
	RecordSession(rec *model.SessionRecord)
	RecordHandoff(ev *model.HandoffEvent)

	// Queries for the REST surface.
	RecentSessions(ctx context.Context, limit int) ([]*model.SessionRecord, error)
	RecentHandoffs(ctx context.Context, limit int) ([]*model.HandoffEvent, error)
}

type gormSessionRepository struct {
	db *gorm.DB
}

// NewGormSessionRepository creates a GORM-backed session repository.
func NewGormSessionRepository(db *gorm.DB) SessionRepository {
	return &gormSessionRepository{db: db}
}

func (r *gormSessionRepository) RecordSession(rec *model.SessionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		logger.Warn("session record write failed",
			logger.ErrorField(err),
			logger.String("instance", rec.InstanceID),
			logger.String("event", rec.Event))
	}
}

func (r *gormSessionRepository) RecordHandoff(ev *model.HandoffEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := r.db.WithContext(ctx).Create(ev).Error; err != nil {
		logger.Warn("handoff record write failed",
			logger.ErrorField(err),
			logger.String("new", ev.NewInstanceID),
			logger.String("reason", ev.Reason))
	}
}

func (r *gormSessionRepository) RecentSessions(ctx context.Context, limit int) ([]*model.SessionRecord, error) {
	var records []*model.SessionRecord
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

func (r *gormSessionRepository) RecentHandoffs(ctx context.Context, limit int) ([]*model.HandoffEvent, error) {
	var events []*model.HandoffEvent
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Limit(limit).
		Find(&events).Error
	return events, err
}
