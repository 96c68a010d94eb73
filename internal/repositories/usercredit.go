package repositories

import (
	"context"
	"errors"
	"math"

	"gorm.io/gorm"

	"github.com/teleop/broker/internal/db"
)

type gormUserCreditRepository struct {
	database *gorm.DB
	enabled  bool
}

// NewUserCreditRepository creates a UserCreditRepository backed by GORM.
// enabled toggles whether the user-credits table is present; when false,
// GetCredits returns an effectively-unlimited balance so billing never
// blocks a deployment that doesn't wire credits at all.
func NewUserCreditRepository(database *gorm.DB, enabled bool) UserCreditRepository {
	return &gormUserCreditRepository{database: database, enabled: enabled}
}

func (r *gormUserCreditRepository) GetCredits(ctx context.Context, userID string) (float64, error) {
	if !r.enabled {
		return math.MaxFloat64, nil
	}
	var uc db.UserCredit
	err := r.database.WithContext(ctx).First(&uc, "user_id = ?", userID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return uc.Credits, nil
}
