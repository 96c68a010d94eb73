package repositories_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/teleop/broker/internal/db"
	"github.com/teleop/broker/internal/repositories"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return database
}

func TestRobotPresenceClaim(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	repo := repositories.NewRobotPresenceRepository(database)

	claimed, err := repo.Claim(ctx, "r-1", "alice", "R1", false)
	require.NoError(t, err)
	require.True(t, claimed, "first claim by any user should succeed")

	claimed, err = repo.Claim(ctx, "r-1", "bob", "R2", false)
	require.NoError(t, err)
	require.False(t, claimed, "second claim by a different non-admin user must fail")

	p, err := repo.Get(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, "alice", p.OwnerUserID, "the row must still record the original owner")

	claimed, err = repo.Claim(ctx, "r-1", "alice", "R3", false)
	require.NoError(t, err)
	require.True(t, claimed, "the same owner re-registering must always succeed")

	claimed, err = repo.Claim(ctx, "r-1", "bob", "R4", true)
	require.NoError(t, err)
	require.True(t, claimed, "an admin force-claim must always succeed")

	p, err = repo.Get(ctx, "r-1")
	require.NoError(t, err)
	require.Equal(t, "bob", p.OwnerUserID)
}

func TestRevokedTokenRepository(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	repo := repositories.NewRevokedTokenRepository(database)

	revoked, err := repo.IsRevoked(ctx, "abc123")
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, database.Create(&revokedTokenRow{TokenID: "abc123"}).Error)

	revoked, err = repo.IsRevoked(ctx, "abc123")
	require.NoError(t, err)
	require.True(t, revoked)
}

// revokedTokenRow is a test-local row type mapped onto the revoked_tokens
// table, used to seed a revocation directly without going through the
// repository under test.
type revokedTokenRow struct {
	TokenID   string `gorm:"column:token_id;primaryKey"`
	RevokedAt int64  `gorm:"column:revoked_at"`
}

func (revokedTokenRow) TableName() string { return "revoked_tokens" }

func TestRobotOperatorDelegation(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	repo := repositories.NewRobotOperatorRepository(database)

	is, err := repo.IsDelegate(ctx, "r-1", "carol")
	require.NoError(t, err)
	require.False(t, is)

	require.NoError(t, repo.Grant(ctx, "r-1", "carol", "alice"))

	is, err = repo.IsDelegate(ctx, "r-1", "carol")
	require.NoError(t, err)
	require.True(t, is)

	require.NoError(t, repo.Revoke(ctx, "r-1", "carol"))

	is, err = repo.IsDelegate(ctx, "r-1", "carol")
	require.NoError(t, err)
	require.False(t, is)
}

func TestSessionRepositoryDisabledIsInert(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	repo := repositories.NewSessionRepository(database, false)

	_, err := repo.GetActiveByUserAndRobot(ctx, "alice", "r-1")
	require.ErrorIs(t, err, repositories.ErrNotFound)

	sessions, err := repo.ListActiveByUser(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestPlatformSettingsDefaultMarkup(t *testing.T) {
	database := openTestDB(t)
	ctx := context.Background()
	repo := repositories.NewPlatformSettingsRepository(database, true)

	pct, err := repo.GetMarkupPercent(ctx)
	require.NoError(t, err)
	require.Equal(t, 30.0, pct, "absent row must fall back to the documented default")
}
