// Package authz implements ownership, delegation, ACL, and session-lock
// resolution for a (user, robot, action) tuple.
package authz

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/teleop/broker/internal/auth"
	"github.com/teleop/broker/internal/repositories"
)

// Engine evaluates ownership, ACL access, and session-lock predicates.
type Engine struct {
	presence  repositories.RobotPresenceRepository
	robots    repositories.RobotRepository
	operators repositories.RobotOperatorRepository
	sessions  repositories.SessionRepository
	logger    *zap.Logger
}

// New builds an Engine.
func New(presence repositories.RobotPresenceRepository, robots repositories.RobotRepository, operators repositories.RobotOperatorRepository, sessions repositories.SessionRepository, logger *zap.Logger) *Engine {
	return &Engine{presence: presence, robots: robots, operators: operators, sessions: sessions, logger: logger.Named("authz")}
}

// IsOwnerOrAdmin reports whether claims represents an owner or admin for
// robotID: true iff the caller owns the robot's presence row, belongs to an admin
// group, or holds a delegation grant. Delegation lookup errors fail closed
// (deny) — the documented asymmetry with CanAccessRobot's fail-open policy.
func (e *Engine) IsOwnerOrAdmin(ctx context.Context, robotID string, claims auth.Claims) (bool, error) {
	if claims.IsAdmin() {
		return true, nil
	}

	presence, err := e.presence.Get(ctx, robotID)
	if err == nil && presence.OwnerUserID == claims.UserID {
		return true, nil
	}

	isDelegate, err := e.operators.IsDelegate(ctx, robotID, claims.UserID)
	if err != nil {
		e.logger.Error("delegation lookup failed, failing closed", zap.String("robotId", robotID), zap.Error(err))
		return false, nil
	}
	return isDelegate, nil
}

// CanAccessRobot reports whether claims may access robotID: allow if
// owner/admin/delegate, if the robot has no ACL, or
// if any of the caller's lowercased identifiers appears in the lowercased
// ACL. A missing Robot row is a legacy-compatible allow. Store errors fail
// open with a logged warning.
func (e *Engine) CanAccessRobot(ctx context.Context, robotID string, claims auth.Claims, identifier string) bool {
	ownerOrAdmin, err := e.IsOwnerOrAdmin(ctx, robotID, claims)
	if err == nil && ownerOrAdmin {
		return true
	}

	robot, err := e.robots.Get(ctx, robotID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return true
		}
		e.logger.Warn("robot ACL lookup failed, failing open", zap.String("robotId", robotID), zap.Error(err))
		return true
	}

	if robot.AllowedUsers == "" {
		return true
	}

	allowed := strings.Split(strings.ToLower(robot.AllowedUsers), ",")
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[strings.TrimSpace(a)] = true
	}

	for _, id := range claims.Identifiers(identifier) {
		if allowedSet[id] {
			return true
		}
	}
	return false
}

// SessionLock is the outcome of CheckSessionLock: a non-nil LockedBy means
// another user already holds an active session for the robot.
type SessionLock struct {
	LockedBy string
}

// CheckSessionLock returns the locking user's identity iff an active
// Session exists for robotID with a different userId. Used only on a fresh
// offer targeting a robot.
func (e *Engine) CheckSessionLock(ctx context.Context, robotID, currentUserIdentifier string) (*SessionLock, error) {
	session, err := e.sessions.GetActiveByRobot(ctx, robotID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if session.UserID == currentUserIdentifier {
		return nil, nil
	}
	return &SessionLock{LockedBy: session.UserID}, nil
}
