package repositories

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/teleop/broker/internal/db"
)

type gormRobotPresenceRepository struct {
	database *gorm.DB
}

// NewRobotPresenceRepository creates a RobotPresenceRepository backed by GORM.
func NewRobotPresenceRepository(database *gorm.DB) RobotPresenceRepository {
	return &gormRobotPresenceRepository{database: database}
}

func (r *gormRobotPresenceRepository) Get(ctx context.Context, robotID string) (*db.RobotPresence, error) {
	var p db.RobotPresence
	err := r.database.WithContext(ctx).First(&p, "robot_id = ?", robotID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// Claim realizes a conditional put: the row has no owner, or its owner
// matches ownerUserID, via an upsert
// guarded by a WHERE clause whose affected-row count tells us whether the
// condition held. force lets an admin caller bypass the condition entirely.
func (r *gormRobotPresenceRepository) Claim(ctx context.Context, robotID, ownerUserID, connectionID string, force bool) (bool, error) {
	now := time.Now().UnixMilli()

	if force {
		err := r.database.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "robot_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"owner_user_id", "connection_id", "status", "updated_at"}),
		}).Create(&db.RobotPresence{
			RobotID:      robotID,
			OwnerUserID:  ownerUserID,
			ConnectionID: connectionID,
			Status:       "online",
			UpdatedAt:    now,
		}).Error
		return err == nil, err
	}

	// Try the insert path first (attribute_not_exists(ownerUserId)).
	res := r.database.WithContext(ctx).Clauses(clause.OnConflict{
		DoNothing: true,
	}).Create(&db.RobotPresence{
		RobotID:      robotID,
		OwnerUserID:  ownerUserID,
		ConnectionID: connectionID,
		Status:       "online",
		UpdatedAt:    now,
	})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	// Row already exists — allow the update only if the row has no owner
	// or the caller is already the owner (ownerUserId = :me).
	upd := r.database.WithContext(ctx).Model(&db.RobotPresence{}).
		Where("robot_id = ? AND (owner_user_id = '' OR owner_user_id = ?)", robotID, ownerUserID).
		Updates(map[string]interface{}{
			"owner_user_id": ownerUserID,
			"connection_id": connectionID,
			"status":        "online",
			"updated_at":    now,
		})
	if upd.Error != nil {
		return false, upd.Error
	}
	return upd.RowsAffected > 0, nil
}

// ListStale returns every RobotPresence row last updated before cutoff.
func (r *gormRobotPresenceRepository) ListStale(ctx context.Context, cutoff int64) ([]db.RobotPresence, error) {
	var rows []db.RobotPresence
	if err := r.database.WithContext(ctx).Where("updated_at < ?", cutoff).Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
