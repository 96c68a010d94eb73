// Package relay implements target resolution, per-peer envelope
// translation, monitor fan-out, and the session-start trigger on the first
// offer forwarded to a robot.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teleop/broker/internal/auth"
	"github.com/teleop/broker/internal/authz"
	"github.com/teleop/broker/internal/billing"
	"github.com/teleop/broker/internal/db"
	"github.com/teleop/broker/internal/metrics"
	"github.com/teleop/broker/internal/monitor"
	"github.com/teleop/broker/internal/normalize"
	"github.com/teleop/broker/internal/repositories"
	"github.com/teleop/broker/internal/sink"
)

// Error is a relay-produced error kind with its associated HTTP/close status.
type Error struct {
	Kind   string
	Status int
}

func (e *Error) Error() string { return e.Kind }

var (
	ErrMissingFields   = &Error{Kind: "missing_field", Status: 400}
	ErrInvalidTarget   = &Error{Kind: "invalid_target", Status: 400}
	ErrForbiddenACL    = &Error{Kind: "forbidden_acl", Status: 403}
	ErrSessionLocked   = &Error{Kind: "session_locked", Status: 423}
	ErrTargetOffline   = &Error{Kind: "not_found_robot_offline", Status: 404}
)

// Relay bundles the relay engine's collaborators.
type Relay struct {
	presence repositories.RobotPresenceRepository
	conns    repositories.ConnectionRepository
	authz    *authz.Engine
	fanout   *monitor.Fanout
	sink     sink.Sink
	sessions *billing.SessionService
	reg      *metrics.Registry

	// LenientMissingClientTarget restores the legacy "emit monitor copy,
	// skip send, return 200" behavior for target=client frames with no
	// clientConnectionId, instead of the strict 400 default.
	LenientMissingClientTarget bool

	logger *zap.Logger
}

// New builds a Relay. reg may be nil.
func New(presence repositories.RobotPresenceRepository, conns repositories.ConnectionRepository, authzEngine *authz.Engine, fanout *monitor.Fanout, sk sink.Sink, sessions *billing.SessionService, reg *metrics.Registry, logger *zap.Logger) *Relay {
	return &Relay{presence: presence, conns: conns, authz: authzEngine, fanout: fanout, sink: sk, sessions: sessions, reg: reg, logger: logger.Named("relay")}
}

func kindFromType(msgType string) Kind {
	switch msgType {
	case "offer", "signalling.offer":
		return KindOffer
	case "answer", "signalling.answer":
		return KindAnswer
	case "ice-candidate", "signalling.ice_candidate":
		return KindICECandidate
	default:
		return ""
	}
}

// Handle resolves the target, enforces ACL and session-lock, formats the
// frame for the destination's protocol, and delivers it. source is the
// Connection row for the frame's originating socket.
func (r *Relay) Handle(ctx context.Context, source db.Connection, msg normalize.InboundMessage) (int, error) {
	kind := kindFromType(msg.Type)
	if kind == "" || msg.RobotID == "" {
		r.reg.IncRelayFrame("unknown", "dropped")
		return 400, ErrMissingFields
	}

	claims := claimsFromConnection(source)

	presence, presenceErr := r.presence.Get(ctx, msg.RobotID)
	fromRobot := presenceErr == nil && presence.ConnectionID == source.ConnectionID

	target := "robot"
	if fromRobot {
		target = "client"
	}
	if msg.Target != "" {
		target = msg.Target
	}

	if target == "robot" {
		if !r.authz.CanAccessRobot(ctx, msg.RobotID, claims, claims.Email) {
			r.pushError(ctx, source, "access_denied", "you do not have access to this robot", msg.RobotID)
			r.reg.IncRelayFrame(string(kind), "forbidden")
			return 403, ErrForbiddenACL
		}

		if kind == KindOffer {
			// currentUserIdentifier must match what StartSession stores as
			// Session.UserID (the caller's sub), or the lock holder's own
			// renegotiation offer would appear locked by a stranger.
			lock, err := r.authz.CheckSessionLock(ctx, msg.RobotID, claims.UserID)
			if err != nil {
				r.logger.Error("session lock check failed", zap.Error(err))
			}
			if lock != nil {
				r.pushFrame(ctx, source.ConnectionID, source.Protocol, Frame{
					Kind:     KindSessionLocked,
					RobotID:  msg.RobotID,
					LockedBy: lock.LockedBy,
				})
				r.reg.IncRelayFrame(string(kind), "locked")
				return 423, ErrSessionLocked
			}
		}
	}

	destConnectionID, ok := r.resolveDestination(ctx, target, msg, source, presence, presenceErr)
	if !ok {
		if target == "client" {
			if r.LenientMissingClientTarget {
				r.emitMonitorOnly(ctx, msg, source, target, frameFor(kind, msg, source, "", target))
				r.reg.IncRelayFrame(string(kind), "dropped")
				return 200, nil
			}
			r.reg.IncRelayFrame(string(kind), "dropped")
			return 400, ErrInvalidTarget
		}
		r.pushError(ctx, source, "target_offline", "target robot is offline", msg.RobotID)
		r.reg.IncRelayFrame(string(kind), "offline")
		return 404, ErrTargetOffline
	}

	destConn, err := r.conns.Get(ctx, destConnectionID)
	destProtocol := "legacy"
	if err == nil {
		destProtocol = destConn.Protocol
	}

	frame := frameFor(kind, msg, source, destConnectionID, target)

	// Emit the monitor copy before attempting real delivery so observers see
	// the frame even if delivery fails.
	direction := "client-to-robot"
	if fromRobot {
		direction = "robot-to-client"
	}
	r.fanout.Emit(ctx, msg.RobotID, source.ConnectionID, destConnectionID, direction, Format(destProtocol, frame))

	body := marshalFrame(Format(destProtocol, frame))
	if err := r.sink.Post(destConnectionID, body); err != nil {
		if errors.Is(err, sink.ErrGone) {
			r.logger.Warn("delivery target gone", zap.String("connectionId", destConnectionID))
			r.reg.IncRelayFrame(string(kind), "offline")
		} else {
			r.logger.Error("delivery failed", zap.String("connectionId", destConnectionID), zap.Error(err))
			r.reg.IncRelayFrame(string(kind), "dropped")
		}
		return 200, nil
	}
	r.reg.IncRelayFrame(string(kind), "delivered")

	if target == "robot" && kind == KindOffer {
		session, err := r.sessions.StartSession(ctx, claims.UserID, claims.Email, msg.RobotID, source.ConnectionID)
		if err != nil {
			if errors.Is(err, billing.ErrInsufficientCredits) {
				r.pushError(ctx, source, "insufficient_funds", "insufficient credit balance to start a billed session", msg.RobotID)
			} else {
				r.logger.Error("session start failed", zap.Error(err))
			}
		} else {
			r.pushFrame(ctx, source.ConnectionID, source.Protocol, Frame{
				Kind:      KindSessionCreated,
				SessionID: session.ID,
			})
		}
	}

	return 200, nil
}

func (r *Relay) resolveDestination(ctx context.Context, target string, msg normalize.InboundMessage, source db.Connection, presence *db.RobotPresence, presenceErr error) (string, bool) {
	if target == "client" {
		if msg.ClientConnectionID != "" {
			return msg.ClientConnectionID, true
		}
		// Last-chance re-extraction from the original body's "to" field
		// when the frame is from the robot.
		fromRobot := presenceErr == nil && presence != nil && presence.ConnectionID == source.ConnectionID
		if to, ok := msg.Raw["to"].(string); ok && to != "" && fromRobot {
			return to, true
		}
		return "", false
	}

	if presenceErr != nil || presence == nil || presence.ConnectionID == "" {
		return "", false
	}
	return presence.ConnectionID, true
}

func frameFor(kind Kind, msg normalize.InboundMessage, source db.Connection, destConnectionID, target string) Frame {
	f := Frame{
		Kind:      kind,
		ID:        uuid.NewString(),
		Timestamp: strconv.FormatInt(time.Now().UnixMilli(), 10),
		Version:   "0.0",
		Extra:     map[string]any{},
	}

	if sdp, ok := msg.Payload["sdp"].(string); ok {
		f.SDP = sdp
	}
	if sdpType, ok := msg.Payload["sdpType"].(string); ok {
		f.SDPType = sdpType
	} else if kind == KindOffer {
		f.SDPType = "offer"
	} else if kind == KindAnswer {
		f.SDPType = "answer"
	}
	if candidate, ok := msg.Payload["candidate"]; ok {
		f.Candidate = candidate
	}

	if target == "robot" {
		f.To = msg.RobotID
		f.From = source.ConnectionID
		f.ConnectionID = source.ConnectionID
	} else {
		f.To = destConnectionID
		f.From = msg.RobotID
		f.ConnectionID = msg.ClientConnectionID
		if f.ConnectionID == "" {
			f.ConnectionID = destConnectionID
		}
	}

	return f
}

func (r *Relay) emitMonitorOnly(ctx context.Context, msg normalize.InboundMessage, source db.Connection, target string, frame Frame) {
	r.fanout.Emit(ctx, msg.RobotID, source.ConnectionID, "", "robot-to-client", FormatLegacy(frame))
}

func (r *Relay) pushError(ctx context.Context, source db.Connection, code, message, robotID string) {
	r.pushFrame(ctx, source.ConnectionID, source.Protocol, Frame{
		Kind:         KindError,
		ErrorCode:    code,
		ErrorMessage: message,
		RobotID:      robotID,
	})
}

func (r *Relay) pushFrame(ctx context.Context, connectionID, protocol string, frame Frame) {
	body := marshalFrame(Format(protocol, frame))
	if err := r.sink.Post(connectionID, body); err != nil && !errors.Is(err, sink.ErrGone) {
		r.logger.Warn("failed to push in-band frame", zap.String("connectionId", connectionID), zap.Error(err))
	}
}

// claimsFromConnection rebuilds the Claims a Connection row was registered
// with, the same projection auth.Resolver.FromConnection performs.
func claimsFromConnection(c db.Connection) auth.Claims {
	var groups []string
	if c.Groups != "" {
		groups = strings.Split(c.Groups, ",")
	}
	return auth.Claims{UserID: c.UserID, Groups: groups, Email: c.Email, Username: c.Username}
}

// marshalFrame serializes a formatted envelope map. Formatting never
// produces values json.Marshal rejects, so an error here indicates a bug in
// a formatter rather than bad input.
func marshalFrame(envelope map[string]any) []byte {
	body, err := json.Marshal(envelope)
	if err != nil {
		panic(fmt.Sprintf("relay: formatted envelope did not marshal: %v", err))
	}
	return body
}
