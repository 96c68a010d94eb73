package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teleop/broker/internal/auth"
	"github.com/teleop/broker/internal/db"
	"github.com/teleop/broker/internal/repositories"
)

type fakeRevokedTokenRepo struct {
	revoked map[string]bool
	err     error
}

func (f *fakeRevokedTokenRepo) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.revoked[tokenID], nil
}

func (f *fakeRevokedTokenRepo) PruneOlderThan(ctx context.Context, cutoff int64) (int64, error) {
	return 0, nil
}

func TestRevocationCheckerFailsOpenOnStoreError(t *testing.T) {
	repo := &fakeRevokedTokenRepo{err: errors.New("store unavailable")}
	checker := auth.NewRevocationChecker(repo, nil, 0, nil, zap.NewNop())

	require.False(t, checker.IsRevoked(context.Background(), "tok-1"),
		"revocation store errors must fail open, never block the caller")
}

func TestRevocationCheckerDetectsRevokedToken(t *testing.T) {
	repo := &fakeRevokedTokenRepo{revoked: map[string]bool{"tok-1": true}}
	checker := auth.NewRevocationChecker(repo, nil, 0, nil, zap.NewNop())

	require.True(t, checker.IsRevoked(context.Background(), "tok-1"))
	require.False(t, checker.IsRevoked(context.Background(), "tok-2"))
}

func TestTokenIDIsDeterministic(t *testing.T) {
	require.Equal(t, auth.TokenID("same-token"), auth.TokenID("same-token"))
	require.NotEqual(t, auth.TokenID("token-a"), auth.TokenID("token-b"))
}

func TestClaimsIsAdmin(t *testing.T) {
	require.True(t, auth.Claims{Groups: []string{"ADMINS"}}.IsAdmin())
	require.True(t, auth.Claims{Groups: []string{"admin"}}.IsAdmin())
	require.False(t, auth.Claims{Groups: []string{"operators"}}.IsAdmin())
}

func TestClaimsIdentifiersLowercased(t *testing.T) {
	c := auth.Claims{UserID: "U1", Email: "Alice@Example.com", Username: "Alice"}
	ids := c.Identifiers("")
	require.Contains(t, ids, "alice@example.com")
	require.Contains(t, ids, "alice")
	require.Contains(t, ids, "u1")
}

func TestResolverFastPathReturnsNilWhenRowMissing(t *testing.T) {
	resolver := auth.NewResolver(fakeConnRepo{}, nil, nil, false, nil)
	claims, err := resolver.FromConnection(context.Background(), "missing")
	require.NoError(t, err)
	require.Nil(t, claims)
}

type fakeConnRepo struct{ repositories.ConnectionRepository }

func (fakeConnRepo) Get(ctx context.Context, connectionID string) (*db.Connection, error) {
	return nil, repositories.ErrNotFound
}
