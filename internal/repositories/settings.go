package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/teleop/broker/internal/db"
)

const markupSettingKey = "platformMarkupPercent"

// defaultMarkupPercent is used when the platform_settings table has no row
// for markupSettingKey, or the table is disabled entirely.
const defaultMarkupPercent = 30.0

// gormPlatformSettingsRepository is the GORM-backed implementation of
// PlatformSettingsRepository.
type gormPlatformSettingsRepository struct {
	database *gorm.DB
	enabled  bool
}

// NewPlatformSettingsRepository creates a PlatformSettingsRepository backed
// by GORM. enabled toggles whether the platform-settings table is present —
// when false, GetMarkupPercent always returns the default without a query.
func NewPlatformSettingsRepository(database *gorm.DB, enabled bool) PlatformSettingsRepository {
	return &gormPlatformSettingsRepository{database: database, enabled: enabled}
}

// GetMarkupPercent returns the configured markup percentage, falling back to
// defaultMarkupPercent when the table is disabled, the row is absent, or the
// stored value fails to parse.
func (r *gormPlatformSettingsRepository) GetMarkupPercent(ctx context.Context) (float64, error) {
	if !r.enabled {
		return defaultMarkupPercent, nil
	}

	var s db.PlatformSetting
	err := r.database.WithContext(ctx).First(&s, "setting_key = ?", markupSettingKey).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return defaultMarkupPercent, nil
		}
		return defaultMarkupPercent, err
	}

	var pct float64
	if _, scanErr := fmt.Sscan(s.Value, &pct); scanErr != nil {
		return defaultMarkupPercent, nil
	}
	return pct, nil
}
