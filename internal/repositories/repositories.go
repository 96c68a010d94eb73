// Package repositories provides typed access to the durable store backing
// the signaling broker. Every entity in the data model gets its own
// interface and GORM-backed implementation, following the one-interface-per-
// table convention the rest of the pack uses.
package repositories

import (
	"context"

	"github.com/teleop/broker/internal/db"
)

// ConnectionRepository is the Connections table: one row per live
// transport connection.
type ConnectionRepository interface {
	Put(ctx context.Context, c *db.Connection) error
	Get(ctx context.Context, connectionID string) (*db.Connection, error)
	Delete(ctx context.Context, connectionID string) error
	SetKind(ctx context.Context, connectionID, kind, monitoringRobotID string) error
	SetProtocol(ctx context.Context, connectionID, protocol string) error
	ListByMonitoringRobotID(ctx context.Context, robotID string) ([]db.Connection, error)
}

// RobotPresenceRepository is the RobotPresence table.
type RobotPresenceRepository interface {
	Get(ctx context.Context, robotID string) (*db.RobotPresence, error)
	// Claim performs a conditional put: succeeds when the row has no owner
	// or the owner matches ownerUserID. force bypasses the condition for
	// admin callers. Returns (claimed, error); claimed is false on a
	// non-forced conditional failure.
	Claim(ctx context.Context, robotID, ownerUserID, connectionID string, force bool) (bool, error)
	// ListStale returns every row whose updatedAt is before cutoff. Rows are
	// never auto-deleted — this exists purely so the maintenance sweep can
	// report them, never mutate them.
	ListStale(ctx context.Context, cutoff int64) ([]db.RobotPresence, error)
}

// RevokedTokenRepository is the RevokedTokens table.
type RevokedTokenRepository interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	// PruneOlderThan deletes revocation rows recorded before cutoff and
	// returns the number removed. Safe to run unconditionally: a pruned
	// token's JWT has long since expired on its own `exp` claim, so removing
	// its revocation record cannot reopen access.
	PruneOlderThan(ctx context.Context, cutoff int64) (int64, error)
}

// RobotRepository is the Robots ACL/pricing view.
type RobotRepository interface {
	Get(ctx context.Context, robotID string) (*db.Robot, error)
}

// RobotOperatorRepository is the delegation grant table backing
// owner-or-delegate authorization checks.
type RobotOperatorRepository interface {
	IsDelegate(ctx context.Context, robotID, userID string) (bool, error)
	Grant(ctx context.Context, robotID, userID, grantedBy string) error
	Revoke(ctx context.Context, robotID, userID string) error
}

// SessionRepository is the Sessions table.
type SessionRepository interface {
	Create(ctx context.Context, s *db.Session) error
	GetActiveByUserAndRobot(ctx context.Context, userID, robotID string) (*db.Session, error)
	GetActiveByRobot(ctx context.Context, robotID string) (*db.Session, error)
	ListActiveByUser(ctx context.Context, userID string) ([]db.Session, error)
	ListActiveByConnection(ctx context.Context, connectionID string) ([]db.Session, error)
	Complete(ctx context.Context, id string, endedAt, durationSeconds int64) error
}

// UserCreditRepository is the read-only UserCredits view.
type UserCreditRepository interface {
	GetCredits(ctx context.Context, userID string) (float64, error)
}

// PlatformSettingsRepository is the read-only PlatformSettings view.
type PlatformSettingsRepository interface {
	GetMarkupPercent(ctx context.Context) (float64, error)
}
