package repositories

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/teleop/broker/internal/db"
)

type gormRevokedTokenRepository struct {
	database *gorm.DB
}

// NewRevokedTokenRepository creates a RevokedTokenRepository backed by GORM.
func NewRevokedTokenRepository(database *gorm.DB) RevokedTokenRepository {
	return &gormRevokedTokenRepository{database: database}
}

// IsRevoked reports whether a row exists for tokenID. Presence of the row is
// itself the revocation signal — no other field is consulted.
func (r *gormRevokedTokenRepository) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	var t db.RevokedToken
	err := r.database.WithContext(ctx).First(&t, "token_id = ?", tokenID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// PruneOlderThan deletes revocation rows recorded before cutoff.
func (r *gormRevokedTokenRepository) PruneOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	res := r.database.WithContext(ctx).Where("revoked_at < ?", cutoff).Delete(&db.RevokedToken{})
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
