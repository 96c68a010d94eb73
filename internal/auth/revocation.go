package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/teleop/broker/internal/metrics"
	"github.com/teleop/broker/internal/repositories"
)

// TokenID computes the revocation-table primary key for a raw bearer token:
// the hex digest of its SHA-256 hash.
// The hashing pattern is the same one arkeep's local.go used for refresh
// tokens — only the stdlib hash itself is reused, not the argon2 dependency.
func TokenID(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}

// RevocationChecker answers "is this token revoked?" against the durable
// RevokedTokenRepository, optionally fronted by a Redis negative cache.
// Both the store lookup and the cache follow a fail-open policy: any error
// checking revocation status is logged and treated as "not revoked" rather
// than blocking the caller.
type RevocationChecker struct {
	repo   repositories.RevokedTokenRepository
	cache  *redis.Client
	cacheTTL time.Duration
	reg    *metrics.Registry
	logger *zap.Logger
}

// NewRevocationChecker builds a checker. cache may be nil, in which case
// every check goes straight to the store. reg may be nil.
func NewRevocationChecker(repo repositories.RevokedTokenRepository, cache *redis.Client, cacheTTL time.Duration, reg *metrics.Registry, logger *zap.Logger) *RevocationChecker {
	return &RevocationChecker{repo: repo, cache: cache, cacheTTL: cacheTTL, reg: reg, logger: logger.Named("revocation")}
}

// IsRevoked reports whether tokenID is revoked. It never returns an error —
// store and cache failures fail open, logged at warn level.
func (c *RevocationChecker) IsRevoked(ctx context.Context, tokenID string) bool {
	if c.cache != nil {
		cached, err := c.cache.Get(ctx, revocationCacheKey(tokenID)).Result()
		if err == nil {
			c.reg.IncRevocationCacheHit()
			return cached == "1"
		}
		if err != redis.Nil {
			c.logger.Warn("revocation cache read failed, falling through to store", zap.Error(err))
		}
		c.reg.IncRevocationCacheMiss()
	}

	revoked, err := c.repo.IsRevoked(ctx, tokenID)
	if err != nil {
		c.logger.Warn("revocation store lookup failed, failing open", zap.Error(err))
		return false
	}

	if c.cache != nil && revoked {
		if err := c.cache.Set(ctx, revocationCacheKey(tokenID), "1", c.cacheTTL).Err(); err != nil {
			c.logger.Warn("revocation cache write failed", zap.Error(err))
		}
	}

	return revoked
}

func revocationCacheKey(tokenID string) string {
	return "broker:revoked:" + tokenID
}
