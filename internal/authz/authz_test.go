package authz_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teleop/broker/internal/auth"
	"github.com/teleop/broker/internal/authz"
	"github.com/teleop/broker/internal/db"
	"github.com/teleop/broker/internal/repositories"
)

type fakePresence struct {
	rows map[string]*db.RobotPresence
}

func (f *fakePresence) Get(ctx context.Context, robotID string) (*db.RobotPresence, error) {
	if p, ok := f.rows[robotID]; ok {
		return p, nil
	}
	return nil, repositories.ErrNotFound
}
func (f *fakePresence) Claim(ctx context.Context, robotID, ownerUserID, connectionID string, force bool) (bool, error) {
	return false, nil
}
func (f *fakePresence) ListStale(ctx context.Context, cutoff int64) ([]db.RobotPresence, error) {
	return nil, nil
}

type fakeRobots struct {
	rows map[string]*db.Robot
	err  error
}

func (f *fakeRobots) Get(ctx context.Context, robotID string) (*db.Robot, error) {
	if f.err != nil {
		return nil, f.err
	}
	if r, ok := f.rows[robotID]; ok {
		return r, nil
	}
	return nil, repositories.ErrNotFound
}

type fakeOperators struct {
	delegates map[string]bool
	err       error
}

func (f *fakeOperators) IsDelegate(ctx context.Context, robotID, userID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.delegates[robotID+"/"+userID], nil
}
func (f *fakeOperators) Grant(ctx context.Context, robotID, userID, grantedBy string) error  { return nil }
func (f *fakeOperators) Revoke(ctx context.Context, robotID, userID string) error            { return nil }

type fakeSessions struct {
	active map[string]db.Session
}

func (f *fakeSessions) Create(ctx context.Context, s *db.Session) error { return nil }
func (f *fakeSessions) GetActiveByUserAndRobot(ctx context.Context, userID, robotID string) (*db.Session, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeSessions) GetActiveByRobot(ctx context.Context, robotID string) (*db.Session, error) {
	if s, ok := f.active[robotID]; ok {
		return &s, nil
	}
	return nil, repositories.ErrNotFound
}
func (f *fakeSessions) ListActiveByUser(ctx context.Context, userID string) ([]db.Session, error) { return nil, nil }
func (f *fakeSessions) ListActiveByConnection(ctx context.Context, connectionID string) ([]db.Session, error) {
	return nil, nil
}
func (f *fakeSessions) Complete(ctx context.Context, id string, endedAt, durationSeconds int64) error {
	return nil
}

func TestIsOwnerOrAdmin(t *testing.T) {
	presence := &fakePresence{rows: map[string]*db.RobotPresence{"r-1": {RobotID: "r-1", OwnerUserID: "alice"}}}
	operators := &fakeOperators{delegates: map[string]bool{"r-1/carol": true}}
	engine := authz.New(presence, &fakeRobots{}, operators, &fakeSessions{}, zap.NewNop())

	ok, err := engine.IsOwnerOrAdmin(context.Background(), "r-1", auth.Claims{UserID: "alice"})
	require.NoError(t, err)
	require.True(t, ok, "the recorded owner must be owner-or-admin")

	ok, err = engine.IsOwnerOrAdmin(context.Background(), "r-1", auth.Claims{UserID: "bob"})
	require.NoError(t, err)
	require.False(t, ok, "a non-owner non-delegate non-admin must be denied")

	ok, err = engine.IsOwnerOrAdmin(context.Background(), "r-1", auth.Claims{UserID: "carol"})
	require.NoError(t, err)
	require.True(t, ok, "a delegate must be owner-or-admin")

	ok, err = engine.IsOwnerOrAdmin(context.Background(), "r-1", auth.Claims{UserID: "dave", Groups: []string{"ADMINS"}})
	require.NoError(t, err)
	require.True(t, ok, "an admin must be owner-or-admin regardless of ownership")
}

func TestIsOwnerOrAdminDelegationLookupFailsClosed(t *testing.T) {
	presence := &fakePresence{rows: map[string]*db.RobotPresence{}}
	operators := &fakeOperators{err: errors.New("store down")}
	engine := authz.New(presence, &fakeRobots{}, operators, &fakeSessions{}, zap.NewNop())

	ok, err := engine.IsOwnerOrAdmin(context.Background(), "r-1", auth.Claims{UserID: "bob"})
	require.NoError(t, err)
	require.False(t, ok, "delegation lookup errors must fail closed (deny)")
}

func TestCanAccessRobotMissingRowIsAllow(t *testing.T) {
	engine := authz.New(&fakePresence{rows: map[string]*db.RobotPresence{}}, &fakeRobots{}, &fakeOperators{}, &fakeSessions{}, zap.NewNop())

	require.True(t, engine.CanAccessRobot(context.Background(), "unknown-robot", auth.Claims{UserID: "bob"}, ""),
		"a robot absent from the ACL table is a legacy-compatible allow")
}

func TestCanAccessRobotDeniesOutsideACL(t *testing.T) {
	robots := &fakeRobots{rows: map[string]*db.Robot{"r-1": {RobotID: "r-1", AllowedUsers: "alice@x"}}}
	engine := authz.New(&fakePresence{rows: map[string]*db.RobotPresence{}}, robots, &fakeOperators{}, &fakeSessions{}, zap.NewNop())

	require.False(t, engine.CanAccessRobot(context.Background(), "r-1", auth.Claims{UserID: "bob", Email: "bob@x"}, ""))
	require.True(t, engine.CanAccessRobot(context.Background(), "r-1", auth.Claims{UserID: "whoever", Email: "alice@x"}, ""))
}

func TestCanAccessRobotFailsOpenOnStoreError(t *testing.T) {
	robots := &fakeRobots{err: errors.New("store down")}
	engine := authz.New(&fakePresence{rows: map[string]*db.RobotPresence{}}, robots, &fakeOperators{}, &fakeSessions{}, zap.NewNop())

	require.True(t, engine.CanAccessRobot(context.Background(), "r-1", auth.Claims{UserID: "bob"}, ""),
		"ACL store errors must fail open")
}

func TestCheckSessionLock(t *testing.T) {
	sessions := &fakeSessions{active: map[string]db.Session{"r-1": {RobotID: "r-1", UserID: "alice", Status: "active"}}}
	engine := authz.New(&fakePresence{rows: map[string]*db.RobotPresence{}}, &fakeRobots{}, &fakeOperators{}, sessions, zap.NewNop())

	lock, err := engine.CheckSessionLock(context.Background(), "r-1", "bob")
	require.NoError(t, err)
	require.NotNil(t, lock)
	require.Equal(t, "alice", lock.LockedBy)

	lock, err = engine.CheckSessionLock(context.Background(), "r-1", "alice")
	require.NoError(t, err)
	require.Nil(t, lock, "the lock holder is never locked out of their own session")
}
