package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/teleop/broker/internal/metrics"
	"github.com/teleop/broker/internal/repositories"
)

// DevClaims is the fixed synthetic claims set substituted for both
// resolution paths when dev-mode bypass (ALLOW_NO_TOKEN) is enabled. Never
// enabled in production — config.Validate rejects the bypass when
// BROKER_ENV=production; NewResolver itself does not check.
var DevClaims = Claims{
	UserID:   "dev-user",
	Groups:   []string{"ADMINS"},
	Email:    "dev@localhost",
	Username: "dev-user",
}

// Resolver implements a two-path authentication strategy: a cheap
// connection-backed fast path for per-frame traffic, and a JWKS-verifying
// slow path used on handshake (or as a fallback when the connection row is
// missing).
type Resolver struct {
	conns      repositories.ConnectionRepository
	verifier   *Verifier
	revocation *RevocationChecker
	allowNoToken bool
	reg        *metrics.Registry
}

// NewResolver builds a Resolver. allowNoToken must only ever be true outside
// production — callers are responsible for gating it off of environment
// configuration before construction. reg may be nil.
func NewResolver(conns repositories.ConnectionRepository, verifier *Verifier, revocation *RevocationChecker, allowNoToken bool, reg *metrics.Registry) *Resolver {
	return &Resolver{conns: conns, verifier: verifier, revocation: revocation, allowNoToken: allowNoToken, reg: reg}
}

// FromConnection implements the fast path: read the Connections row by
// connectionId and synthesize Claims from its stored fields. Returns
// (nil, nil) when no usable row exists, signaling the caller should fall
// back to the slow path.
func (r *Resolver) FromConnection(ctx context.Context, connectionID string) (*Claims, error) {
	c, err := r.conns.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			r.reg.IncAuthFastPath("unauthorized")
			return nil, nil
		}
		r.reg.IncAuthFastPath("error")
		return nil, err
	}
	if c.UserID == "" {
		r.reg.IncAuthFastPath("unauthorized")
		return nil, nil
	}
	r.reg.IncAuthFastPath("ok")
	return &Claims{
		UserID:   c.UserID,
		Groups:   splitGroups(c.Groups),
		Email:    c.Email,
		Username: c.Username,
	}, nil
}

// FromToken implements the slow path: revocation check (fail open),
// signature/issuer/expiry verification, claims projection.
func (r *Resolver) FromToken(ctx context.Context, rawToken string) (*Claims, error) {
	if rawToken == "" {
		if r.allowNoToken {
			r.reg.IncAuthSlowPath("ok")
			return &DevClaims, nil
		}
		r.reg.IncAuthSlowPath("error")
		return nil, ErrNoToken
	}

	if r.revocation.IsRevoked(ctx, TokenID(rawToken)) {
		r.reg.IncAuthSlowPath("revoked")
		return nil, ErrTokenRevoked
	}

	claims, err := r.verifier.Verify(ctx, rawToken)
	if err != nil {
		r.reg.IncAuthSlowPath("invalid")
		return nil, err
	}
	r.reg.IncAuthSlowPath("ok")
	return claims, nil
}

// ConnectionFields projects Claims back into the stored-column shape used
// when creating a Connection row on handshake.
func ConnectionFields(c Claims) (userID, username, email, groups string) {
	return c.UserID, c.Username, c.Email, strings.Join(c.Groups, ",")
}

func splitGroups(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
