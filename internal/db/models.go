package db

import "time"

// Connection is the registry of live transport connections. Exactly one row
// exists per open socket; it is created on successful handshake and deleted
// on $disconnect.
type Connection struct {
	ConnectionID       string `gorm:"column:connection_id;primaryKey"`
	UserID             string `gorm:"column:user_id"`
	Username           string `gorm:"column:username"`
	Email              string `gorm:"column:email"`
	Groups             string `gorm:"column:groups"`
	Kind               string `gorm:"column:kind"` // client | monitor
	MonitoringRobotID  string `gorm:"column:monitoring_robot_id;index:monitoring_robot_id_index"`
	Protocol           string `gorm:"column:protocol"` // legacy | modulr-v0
	TS                 int64  `gorm:"column:ts"`
}

func (Connection) TableName() string { return "connections" }

// RobotPresence maps a robot's stable identifier to the connection it is
// currently attached through. Rows are never deleted on disconnect — the
// relay detects staleness by delivery failure instead.
type RobotPresence struct {
	RobotID      string `gorm:"column:robot_id;primaryKey"`
	OwnerUserID  string `gorm:"column:owner_user_id"`
	ConnectionID string `gorm:"column:connection_id"`
	Status       string `gorm:"column:status"` // online
	UpdatedAt    int64  `gorm:"column:updated_at"`
}

func (RobotPresence) TableName() string { return "robot_presence" }

// RevokedToken's mere presence, keyed by the hex digest of the token, marks
// that token as revoked.
type RevokedToken struct {
	TokenID   string `gorm:"column:token_id;primaryKey"`
	RevokedAt int64  `gorm:"column:revoked_at"`
}

func (RevokedToken) TableName() string { return "revoked_tokens" }

// Robot is the ACL and pricing view of a robot. Absence of a row for a given
// robotId is a legacy-compatible allow, not a deny (see authz.CanAccessRobot).
type Robot struct {
	RobotID           string `gorm:"column:robot_id;primaryKey;index:robot_id_index"`
	AllowedUsers      string `gorm:"column:allowed_users"` // comma-joined, lowercased
	HourlyRateCredits float64 `gorm:"column:hourly_rate_credits"`
}

func (Robot) TableName() string { return "robots" }

// RobotOperator is a delegation grant: presence of a row lets userId act as
// owner/admin for robotId without being the recorded owner.
type RobotOperator struct {
	ID         string `gorm:"column:id;primaryKey"`
	RobotID    string `gorm:"column:robot_id;index:robot_id_user_id_index,priority:1"`
	UserID     string `gorm:"column:user_id;index:robot_id_user_id_index,priority:2"`
	GrantedBy  string `gorm:"column:granted_by"`
	CreatedAt  int64  `gorm:"column:created_at"`
}

func (RobotOperator) TableName() string { return "robot_operators" }

// Session is one billable signaling session between a user and a robot.
type Session struct {
	ID              string  `gorm:"column:id;primaryKey"`
	UserID          string  `gorm:"column:user_id;index:user_id_index"`
	UserEmail       string  `gorm:"column:user_email"`
	RobotID         string  `gorm:"column:robot_id;index:robot_id_index"`
	ConnectionID    string  `gorm:"column:connection_id;index:connection_id_index"`
	Status          string  `gorm:"column:status"` // active | completed
	StartedAt       int64   `gorm:"column:started_at"`
	EndedAt         *int64  `gorm:"column:ended_at"`
	DurationSeconds *int64  `gorm:"column:duration_seconds"`
}

func (Session) TableName() string { return "sessions" }

// UserCredit is a read-only view onto an external ledger's balance.
type UserCredit struct {
	UserID  string  `gorm:"column:user_id;primaryKey"`
	Credits float64 `gorm:"column:credits"`
}

func (UserCredit) TableName() string { return "user_credits" }

// PlatformSetting is a read-only flat key/value settings table. Only
// platformMarkupPercent is consulted by this service.
type PlatformSetting struct {
	SettingKey string `gorm:"column:setting_key;primaryKey"`
	Value      string `gorm:"column:value"`
}

func (PlatformSetting) TableName() string { return "platform_settings" }

// nowMillis is a small seam so tests can avoid wall-clock nondeterminism if
// ever needed; production code just wraps time.Now().
func nowMillis() int64 { return time.Now().UnixMilli() }
