// Package dispatch implements the top-level router that maps
// (routeKey, messageType) to one of {connect, disconnect, register,
// takeover, monitor, signal, ping, pong, ready}. It is the sole entry point
// the transport layer calls for every socket event.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/teleop/broker/internal/relay"
	"github.com/teleop/broker/internal/repositories"
	"github.com/teleop/broker/internal/sink"
)

// Result is what every dispatch entry point returns: an HTTP-style status
// code (200/400/401/403/404/409/423/500) and, for $connect, the body to write
// back over the same socket before the handler returns.
type Result struct {
	Status int
	Body   []byte
}

// Dispatcher wires authentication, authorization, relay, billing, and
// monitor fan-out behind a single (routeKey, type) router.
type Dispatcher struct {
	resolver *auth.Resolver
	conns    repositories.ConnectionRepository
	presence repositories.RobotPresenceRepository
	authz    *authz.Engine
	relay    *relay.Relay
	sessions *billing.SessionService
	fanout   *monitor.Fanout
	sink     sink.Sink
	reg      *metrics.Registry
	logger   *zap.Logger
}

// New builds a Dispatcher. reg may be nil.
func New(
	resolver *auth.Resolver,
	conns repositories.ConnectionRepository,
	presence repositories.RobotPresenceRepository,
	authzEngine *authz.Engine,
	relayEngine *relay.Relay,
	sessions *billing.SessionService,
	fanout *monitor.Fanout,
	sk sink.Sink,
	reg *metrics.Registry,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		resolver: resolver,
		conns:    conns,
		presence: presence,
		authz:    authzEngine,
		relay:    relayEngine,
		sessions: sessions,
		fanout:   fanout,
		sink:     sk,
		reg:      reg,
		logger:   logger.Named("dispatch"),
	}
}

// Connect handles the $connect route: authenticate via token, write the
// Connection row, reply welcome{connectionId} on the same socket.
func (d *Dispatcher) Connect(ctx context.Context, connectionID, bearerToken string) Result {
	claims, err := d.resolver.FromToken(ctx, bearerToken)
	if err != nil || claims == nil {
		d.logger.Info("handshake rejected", zap.String("connectionId", connectionID), zap.Error(err))
		return Result{Status: 401}
	}

	userID, username, email, groups := auth.ConnectionFields(*claims)
	conn := &db.Connection{
		ConnectionID: connectionID,
		UserID:       userID,
		Username:     username,
		Email:        email,
		Groups:       groups,
		Kind:         "client",
		Protocol:     "legacy",
		TS:           time.Now().UnixMilli(),
	}
	if err := d.conns.Put(ctx, conn); err != nil {
		d.logger.Error("failed to persist connection", zap.Error(err))
		return Result{Status: 500}
	}
	d.reg.IncConnection()

	body, _ := json.Marshal(map[string]any{"type": "welcome", "connectionId": connectionID})
	return Result{Status: 200, Body: body}
}

// Disconnect handles the $disconnect route: end every active session tied
// to the connection, then delete the Connection row.
func (d *Dispatcher) Disconnect(ctx context.Context, connectionID string) Result {
	if err := d.sessions.EndSession(ctx, connectionID); err != nil {
		d.logger.Error("failed to end sessions on disconnect", zap.String("connectionId", connectionID), zap.Error(err))
	}
	if err := d.conns.Delete(ctx, connectionID); err != nil {
		d.logger.Error("failed to delete connection", zap.String("connectionId", connectionID), zap.Error(err))
		return Result{Status: 500}
	}
	d.reg.DecConnection()
	return Result{Status: 200}
}

// Default handles every $default frame: normalize the raw body, resolve the
// caller's Claims via the fast (connection-backed) path, promote the
// connection's persisted protocol on any versioned frame, then route by
// normalized type.
func (d *Dispatcher) Default(ctx context.Context, connectionID string, raw map[string]any) Result {
	msg := normalize.Normalize(raw)

	source, err := d.conns.Get(ctx, connectionID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return Result{Status: 401}
		}
		d.logger.Error("connection lookup failed", zap.Error(err))
		return Result{Status: 500}
	}

	if isVersioned(msg.Type) && source.Protocol != "modulr-v0" {
		if err := d.conns.SetProtocol(ctx, connectionID, "modulr-v0"); err != nil {
			d.logger.Warn("failed to promote protocol", zap.String("connectionId", connectionID), zap.Error(err))
		} else {
			source.Protocol = "modulr-v0"
		}
	}

	claims, err := d.resolver.FromConnection(ctx, connectionID)
	if err != nil {
		d.logger.Error("fast-path claims resolution failed", zap.Error(err))
		return Result{Status: 500}
	}
	if claims == nil {
		return Result{Status: 401}
	}

	switch msg.Type {
	case "register":
		return d.handleRegister(ctx, *source, *claims, msg)
	case "monitor":
		return d.handleMonitor(ctx, *source, *claims, msg)
	case "takeover":
		return d.handleTakeover(ctx, *source, *claims, msg)
	case "offer", "answer", "ice-candidate",
		"signalling.offer", "signalling.answer", "signalling.ice_candidate":
		status, err := d.relay.Handle(ctx, *source, msg)
		if err != nil {
			return Result{Status: status}
		}
		return Result{Status: status}
	case "signalling.capabilities":
		return d.handleCapabilities(ctx, *source, msg)
	case "ping", "agent.ping":
		return d.handlePing(ctx, *source, msg)
	case "pong", "agent.pong":
		return Result{Status: 200}
	case "ready":
		return d.handleReady(ctx, *source)
	default:
		return Result{Status: 400}
	}
}

func isVersioned(msgType string) bool {
	return strings.HasPrefix(msgType, "signalling.") || strings.HasPrefix(msgType, "agent.")
}

// handleRegister implements the register flow: conditional claim of the
// RobotPresence row, admin force-overwrite on conflict, monitor copy on any
// success.
func (d *Dispatcher) handleRegister(ctx context.Context, source db.Connection, claims auth.Claims, msg normalize.InboundMessage) Result {
	if msg.RobotID == "" {
		return Result{Status: 400}
	}

	force := claims.IsAdmin()
	claimed, err := d.presence.Claim(ctx, msg.RobotID, claims.UserID, source.ConnectionID, force)
	if err != nil {
		d.logger.Error("presence claim failed", zap.String("robotId", msg.RobotID), zap.Error(err))
		d.reg.IncRegister("error")
		return Result{Status: 500}
	}
	if !claimed {
		d.reg.IncRegister("conflict")
		return Result{Status: 409}
	}
	d.reg.IncRegister("claimed")

	d.fanout.Emit(ctx, msg.RobotID, source.ConnectionID, "", "register", map[string]any{
		"type":    "register",
		"robotId": msg.RobotID,
	})
	return Result{Status: 200}
}

// handleMonitor implements the monitor subscription: requires
// CanAccessRobot, upserts the connection to kind=monitor, replies
// monitor-confirmed.
func (d *Dispatcher) handleMonitor(ctx context.Context, source db.Connection, claims auth.Claims, msg normalize.InboundMessage) Result {
	if msg.RobotID == "" {
		return Result{Status: 400}
	}
	if !d.authz.CanAccessRobot(ctx, msg.RobotID, claims, claims.Email) {
		return Result{Status: 403}
	}
	if err := d.conns.SetKind(ctx, source.ConnectionID, "monitor", msg.RobotID); err != nil {
		d.logger.Error("failed to promote connection to monitor", zap.Error(err))
		return Result{Status: 500}
	}

	body, _ := json.Marshal(map[string]any{"type": "monitor-confirmed", "robotId": msg.RobotID})
	if err := d.sink.Post(source.ConnectionID, body); err != nil {
		d.logger.Warn("monitor-confirmed delivery failed", zap.Error(err))
	}
	return Result{Status: 200}
}

// handleTakeover implements the admin-takeover path: requires
// IsOwnerOrAdmin, pushes admin-takeover to the robot's current connection.
func (d *Dispatcher) handleTakeover(ctx context.Context, source db.Connection, claims auth.Claims, msg normalize.InboundMessage) Result {
	if msg.RobotID == "" {
		return Result{Status: 400}
	}
	allowed, err := d.authz.IsOwnerOrAdmin(ctx, msg.RobotID, claims)
	if err != nil {
		d.logger.Error("ownership check failed", zap.Error(err))
		return Result{Status: 500}
	}
	if !allowed {
		return Result{Status: 403}
	}

	presence, err := d.presence.Get(ctx, msg.RobotID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return Result{Status: 404}
		}
		d.logger.Error("presence lookup failed", zap.Error(err))
		return Result{Status: 500}
	}

	body, _ := json.Marshal(map[string]any{"type": "admin-takeover", "robotId": msg.RobotID})
	if err := d.sink.Post(presence.ConnectionID, body); err != nil {
		if !errors.Is(err, sink.ErrGone) {
			d.logger.Error("admin-takeover delivery failed", zap.Error(err))
		}
	}
	return Result{Status: 200}
}

// handlePing replies with a matching-protocol pong. The legacy dialect just
// echoes {type:pong}; the versioned dialect replies agent.pong with a
// correlationId matching the request id.
func (d *Dispatcher) handlePing(ctx context.Context, source db.Connection, msg normalize.InboundMessage) Result {
	var body []byte
	if msg.Type == "agent.ping" {
		id, _ := msg.Raw["id"].(string)
		body, _ = json.Marshal(map[string]any{
			"type":          "agent.pong",
			"version":       "0.0",
			"id":            id + "-pong",
			"correlationId": id,
			"timestamp":     time.Now().UnixMilli(),
		})
	} else {
		body, _ = json.Marshal(map[string]any{"type": "pong"})
	}
	if err := d.sink.Post(source.ConnectionID, body); err != nil && !errors.Is(err, sink.ErrGone) {
		d.logger.Warn("pong delivery failed", zap.Error(err))
	}
	return Result{Status: 200}
}

// handleReady replies welcome.
func (d *Dispatcher) handleReady(ctx context.Context, source db.Connection) Result {
	body, _ := json.Marshal(map[string]any{"type": "welcome", "connectionId": source.ConnectionID})
	if err := d.sink.Post(source.ConnectionID, body); err != nil && !errors.Is(err, sink.ErrGone) {
		d.logger.Warn("welcome delivery failed", zap.Error(err))
	}
	return Result{Status: 200}
}

// handleCapabilities replies to a signalling.capabilities probe with the
// supported protocol versions ({"0.0", "0.1"}).
func (d *Dispatcher) handleCapabilities(ctx context.Context, source db.Connection, msg normalize.InboundMessage) Result {
	id, _ := msg.Raw["id"].(string)
	if id == "" {
		id = uuid.NewString()
	}
	body, _ := json.Marshal(map[string]any{
		"type":    "signalling.capabilities",
		"version": "0.0",
		"id":      id,
		"payload": map[string]any{"supportedVersions": []string{"0.0", "0.1"}},
	})
	if err := d.sink.Post(source.ConnectionID, body); err != nil && !errors.Is(err, sink.ErrGone) {
		d.logger.Warn("capabilities reply delivery failed", zap.Error(err))
	}
	return Result{Status: 200}
}
