package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/teleop/broker/internal/db"
)

type gormConnectionRepository struct {
	database *gorm.DB
}

// NewConnectionRepository creates a ConnectionRepository backed by GORM.
func NewConnectionRepository(database *gorm.DB) ConnectionRepository {
	return &gormConnectionRepository{database: database}
}

// Put creates or replaces a Connection row. Used both on handshake (insert)
// and on protocol promotion (update).
func (r *gormConnectionRepository) Put(ctx context.Context, c *db.Connection) error {
	return r.database.WithContext(ctx).Save(c).Error
}

func (r *gormConnectionRepository) Get(ctx context.Context, connectionID string) (*db.Connection, error) {
	var c db.Connection
	err := r.database.WithContext(ctx).First(&c, "connection_id = ?", connectionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *gormConnectionRepository) Delete(ctx context.Context, connectionID string) error {
	return r.database.WithContext(ctx).Delete(&db.Connection{}, "connection_id = ?", connectionID).Error
}

// SetKind mutates a connection to kind=monitor (or back to client), recording
// which robot it monitors.
func (r *gormConnectionRepository) SetKind(ctx context.Context, connectionID, kind, monitoringRobotID string) error {
	res := r.database.WithContext(ctx).Model(&db.Connection{}).
		Where("connection_id = ?", connectionID).
		Updates(map[string]interface{}{
			"kind":                kind,
			"monitoring_robot_id": monitoringRobotID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetProtocol promotes a connection's persisted protocol from legacy to
// modulr-v0 on receipt of any versioned frame.
func (r *gormConnectionRepository) SetProtocol(ctx context.Context, connectionID, protocol string) error {
	res := r.database.WithContext(ctx).Model(&db.Connection{}).
		Where("connection_id = ?", connectionID).
		Update("protocol", protocol)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByMonitoringRobotID queries the monitoringRobotIdIndex GSI to fan out
// a frame to every monitor watching a robot.
func (r *gormConnectionRepository) ListByMonitoringRobotID(ctx context.Context, robotID string) ([]db.Connection, error) {
	var conns []db.Connection
	err := r.database.WithContext(ctx).
		Where("kind = ? AND monitoring_robot_id = ?", "monitor", robotID).
		Find(&conns).Error
	return conns, err
}
