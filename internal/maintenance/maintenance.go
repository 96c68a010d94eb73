// Package maintenance runs the broker's background upkeep jobs on gocron,
// following the singleton-job-by-tag pattern arkeep's internal/scheduler
// uses for policy ticks: each job gets its own tag, runs in singleton mode
// so a slow tick is skipped rather than overlapped, and is independently
// removable.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/teleop/broker/internal/auth"
	"github.com/teleop/broker/internal/repositories"
)

const (
	jwksRefreshTag      = "jwks-refresh"
	revocationPruneTag  = "revocation-prune"
	stalePresenceTag    = "stale-presence-sweep"
	revocationRetention = 30 * 24 * time.Hour
)

// Scheduler owns the gocron instance backing every maintenance job. The
// zero value is not usable — build one with New.
type Scheduler struct {
	cron gocron.Scheduler

	verifier *auth.Verifier
	revoked  repositories.RevokedTokenRepository
	presence repositories.RobotPresenceRepository

	stalePresenceThreshold time.Duration
	logger                 *zap.Logger
}

// New constructs a Scheduler. verifier may be nil (dev-mode, no JWKS
// backing) — the JWKS refresh job is simply skipped in that case.
func New(
	verifier *auth.Verifier,
	revoked repositories.RevokedTokenRepository,
	presence repositories.RobotPresenceRepository,
	stalePresenceThreshold time.Duration,
	logger *zap.Logger,
) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:                   cron,
		verifier:               verifier,
		revoked:                revoked,
		presence:               presence,
		stalePresenceThreshold: stalePresenceThreshold,
		logger:                 logger.Named("maintenance"),
	}, nil
}

// Start registers every job and starts the underlying gocron scheduler.
func (s *Scheduler) Start() error {
	if s.verifier != nil {
		if err := s.addJWKSRefresh(); err != nil {
			return err
		}
	}
	if err := s.addRevocationPrune(); err != nil {
		return err
	}
	if err := s.addStalePresenceSweep(); err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info("maintenance scheduler started")
	return nil
}

// Stop gracefully shuts down the scheduler, waiting for any in-flight job
// run to finish.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("maintenance scheduler shutdown error: %w", err)
	}
	s.logger.Info("maintenance scheduler stopped")
	return nil
}

// addJWKSRefresh schedules a periodic re-fetch of the remote signing key
// set, so a rotated key is effective before any token verification would
// otherwise force the lazy re-fetch.
func (s *Scheduler) addJWKSRefresh() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(15*time.Minute),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			s.verifier.Refresh(ctx)
			s.logger.Debug("jwks key set refreshed")
		}),
		gocron.WithTags(jwksRefreshTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule jwks refresh: %w", err)
	}
	return nil
}

// addRevocationPrune schedules deletion of revocation rows old enough that
// the JWTs they reference have long since expired on their own exp claim —
// keeping the durable revoked-tokens table from growing without bound. The
// Redis cache is not touched; its entries expire on their own TTL.
func (s *Scheduler) addRevocationPrune() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(1*time.Hour),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			cutoff := time.Now().Add(-revocationRetention).UnixMilli()
			removed, err := s.revoked.PruneOlderThan(ctx, cutoff)
			if err != nil {
				s.logger.Error("revocation prune failed", zap.Error(err))
				return
			}
			if removed > 0 {
				s.logger.Info("pruned expired revocation records", zap.Int64("removed", removed))
			}
		}),
		gocron.WithTags(revocationPruneTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule revocation prune: %w", err)
	}
	return nil
}

// addStalePresenceSweep schedules an observability-only sweep: it logs
// RobotPresence rows that look abandoned, but never deletes or mutates
// them — these rows are not auto-deleted.
func (s *Scheduler) addStalePresenceSweep() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(10*time.Minute),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			cutoff := time.Now().Add(-s.stalePresenceThreshold).UnixMilli()
			stale, err := s.presence.ListStale(ctx, cutoff)
			if err != nil {
				s.logger.Error("stale presence sweep failed", zap.Error(err))
				return
			}
			for _, p := range stale {
				s.logger.Warn("robot presence looks stale",
					zap.String("robotId", p.RobotID),
					zap.String("connectionId", p.ConnectionID),
					zap.Int64("updatedAt", p.UpdatedAt),
				)
			}
		}),
		gocron.WithTags(stalePresenceTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule stale presence sweep: %w", err)
	}
	return nil
}
