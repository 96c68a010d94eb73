// Package billing implements the session lifecycle state machine: idempotent
// session creation on the first offer forwarded to a robot, a balance check
// against the robot's hourly rate, and session closure on disconnect.
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teleop/broker/internal/db"
	"github.com/teleop/broker/internal/metrics"
	"github.com/teleop/broker/internal/repositories"
)

// ErrInsufficientCredits is returned by StartSession when the caller's
// balance cannot cover at least one minute at the robot's billed rate.
var ErrInsufficientCredits = errors.New("billing: insufficient credits")

// SessionService owns the Sessions table's lifecycle.
type SessionService struct {
	sessions repositories.SessionRepository
	credits  repositories.UserCreditRepository
	robots   repositories.RobotRepository
	settings repositories.PlatformSettingsRepository
	reg      *metrics.Registry
	logger   *zap.Logger
}

// New builds a SessionService. reg may be nil.
func New(sessions repositories.SessionRepository, credits repositories.UserCreditRepository, robots repositories.RobotRepository, settings repositories.PlatformSettingsRepository, reg *metrics.Registry, logger *zap.Logger) *SessionService {
	return &SessionService{sessions: sessions, credits: credits, robots: robots, settings: settings, reg: reg, logger: logger.Named("billing")}
}

// StartSession reuses an existing active session for (userID, robotID) if
// one exists, otherwise checks the caller's balance and opens a new one,
// closing any other session the same user holds elsewhere first. A robot
// with hourlyRateCredits of 0, or no Robot row at all, skips the balance
// check entirely.
func (s *SessionService) StartSession(ctx context.Context, userID, email, robotID, connectionID string) (*db.Session, error) {
	existing, err := s.sessions.GetActiveByUserAndRobot(ctx, userID, robotID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}

	if err := s.checkBalance(ctx, userID, robotID); err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			s.reg.IncSessionDenied()
		}
		return nil, err
	}

	if err := s.closeOtherSessions(ctx, userID); err != nil {
		s.logger.Warn("failed to close prior sessions", zap.String("userId", userID), zap.Error(err))
	}

	session := &db.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		UserEmail:    email,
		RobotID:      robotID,
		ConnectionID: connectionID,
		Status:       "active",
		StartedAt:    time.Now().UnixMilli(),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	s.reg.IncSessionStarted()
	return session, nil
}

// checkBalance implements the documented (rate/60)*(1+markup/100) cost
// formula against the caller's own credit balance. A missing Robot row or a
// zero hourly rate means the robot isn't billed and the check is skipped.
func (s *SessionService) checkBalance(ctx context.Context, userID, robotID string) error {
	robot, err := s.robots.Get(ctx, robotID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil
		}
		return err
	}
	if robot.HourlyRateCredits == 0 {
		return nil
	}

	markupPercent, err := s.settings.GetMarkupPercent(ctx)
	if err != nil {
		return err
	}
	costPerMinute := (robot.HourlyRateCredits / 60) * (1 + markupPercent/100)

	credits, err := s.credits.GetCredits(ctx, userID)
	if err != nil {
		return err
	}
	if credits < costPerMinute {
		return ErrInsufficientCredits
	}
	return nil
}

// closeOtherSessions ends every other active session the user holds so a
// user can only ever drive one robot at a time.
func (s *SessionService) closeOtherSessions(ctx context.Context, userID string) error {
	active, err := s.sessions.ListActiveByUser(ctx, userID)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, session := range active {
		duration := (now - session.StartedAt) / 1000
		if err := s.sessions.Complete(ctx, session.ID, now, duration); err != nil {
			s.logger.Warn("failed to complete stale session", zap.String("sessionId", session.ID), zap.Error(err))
			continue
		}
		s.reg.IncSessionEnded()
	}
	return nil
}

// EndSession handles the disconnect path: every session still active
// against connectionID is completed with its elapsed duration.
func (s *SessionService) EndSession(ctx context.Context, connectionID string) error {
	active, err := s.sessions.ListActiveByConnection(ctx, connectionID)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	for _, session := range active {
		duration := (now - session.StartedAt) / 1000
		if err := s.sessions.Complete(ctx, session.ID, now, duration); err != nil {
			s.logger.Warn("failed to complete session on disconnect", zap.String("sessionId", session.ID), zap.Error(err))
			continue
		}
		s.reg.IncSessionEnded()
	}
	return nil
}
