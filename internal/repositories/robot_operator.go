package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/teleop/broker/internal/db"
)

type gormRobotOperatorRepository struct {
	database *gorm.DB
}

// NewRobotOperatorRepository creates a RobotOperatorRepository backed by
// GORM. This table backs the delegation grants that ownership checks
// consult alongside the presence row's recorded owner.
func NewRobotOperatorRepository(database *gorm.DB) RobotOperatorRepository {
	return &gormRobotOperatorRepository{database: database}
}

func (r *gormRobotOperatorRepository) IsDelegate(ctx context.Context, robotID, userID string) (bool, error) {
	var count int64
	err := r.database.WithContext(ctx).Model(&db.RobotOperator{}).
		Where("robot_id = ? AND user_id = ?", robotID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *gormRobotOperatorRepository) Grant(ctx context.Context, robotID, userID, grantedBy string) error {
	already, err := r.IsDelegate(ctx, robotID, userID)
	if err != nil {
		return err
	}
	if already {
		return nil
	}
	return r.database.WithContext(ctx).Create(&db.RobotOperator{
		ID:        uuid.NewString(),
		RobotID:   robotID,
		UserID:    userID,
		GrantedBy: grantedBy,
		CreatedAt: time.Now().UnixMilli(),
	}).Error
}

func (r *gormRobotOperatorRepository) Revoke(ctx context.Context, robotID, userID string) error {
	return r.database.WithContext(ctx).
		Where("robot_id = ? AND user_id = ?", robotID, userID).
		Delete(&db.RobotOperator{}).Error
}
