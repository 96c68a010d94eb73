package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/teleop/broker/internal/db"
)

type gormSessionRepository struct {
	database *gorm.DB
	enabled  bool
}

// NewSessionRepository creates a SessionRepository backed by GORM. enabled
// toggles whether the session table is present — when false, every query
// behaves as if no sessions exist, which disables locks/sessions entirely.
func NewSessionRepository(database *gorm.DB, enabled bool) SessionRepository {
	return &gormSessionRepository{database: database, enabled: enabled}
}

func (r *gormSessionRepository) Create(ctx context.Context, s *db.Session) error {
	if !r.enabled {
		return nil
	}
	return r.database.WithContext(ctx).Create(s).Error
}

func (r *gormSessionRepository) GetActiveByUserAndRobot(ctx context.Context, userID, robotID string) (*db.Session, error) {
	if !r.enabled {
		return nil, ErrNotFound
	}
	var s db.Session
	err := r.database.WithContext(ctx).
		Where("user_id = ? AND robot_id = ? AND status = ?", userID, robotID, "active").
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *gormSessionRepository) GetActiveByRobot(ctx context.Context, robotID string) (*db.Session, error) {
	if !r.enabled {
		return nil, ErrNotFound
	}
	var s db.Session
	err := r.database.WithContext(ctx).
		Where("robot_id = ? AND status = ?", robotID, "active").
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *gormSessionRepository) ListActiveByUser(ctx context.Context, userID string) ([]db.Session, error) {
	if !r.enabled {
		return nil, nil
	}
	var sessions []db.Session
	err := r.database.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, "active").
		Find(&sessions).Error
	return sessions, err
}

func (r *gormSessionRepository) ListActiveByConnection(ctx context.Context, connectionID string) ([]db.Session, error) {
	if !r.enabled {
		return nil, nil
	}
	var sessions []db.Session
	err := r.database.WithContext(ctx).
		Where("connection_id = ? AND status = ?", connectionID, "active").
		Find(&sessions).Error
	return sessions, err
}

func (r *gormSessionRepository) Complete(ctx context.Context, id string, endedAt, durationSeconds int64) error {
	if !r.enabled {
		return nil
	}
	return r.database.WithContext(ctx).Model(&db.Session{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           "completed",
			"ended_at":         endedAt,
			"duration_seconds": durationSeconds,
		}).Error
}
