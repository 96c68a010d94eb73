package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/teleop/broker/internal/db"
)

type gormRobotRepository struct {
	database *gorm.DB
}

// NewRobotRepository creates a RobotRepository backed by GORM.
func NewRobotRepository(database *gorm.DB) RobotRepository {
	return &gormRobotRepository{database: database}
}

// Get returns ErrNotFound when no ACL/pricing row exists for robotID. Callers
// in internal/authz treat that as the legacy-compatible allow path rather
// than an error condition.
func (r *gormRobotRepository) Get(ctx context.Context, robotID string) (*db.Robot, error) {
	var robot db.Robot
	err := r.database.WithContext(ctx).First(&robot, "robot_id = ?", robotID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &robot, nil
}
