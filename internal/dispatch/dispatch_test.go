package dispatch_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/teleop/broker/internal/auth"
	"github.com/teleop/broker/internal/authz"
	"github.com/teleop/broker/internal/billing"
	"github.com/teleop/broker/internal/db"
	"github.com/teleop/broker/internal/dispatch"
	"github.com/teleop/broker/internal/monitor"
	"github.com/teleop/broker/internal/relay"
	"github.com/teleop/broker/internal/repositories"
	"github.com/teleop/broker/internal/sink"
)

// capturingSink records every posted frame instead of delivering it
// anywhere, so tests can assert on exactly what the relay/dispatcher sent.
type capturingSink struct {
	mu    sync.Mutex
	posts map[string][][]byte
}

func newCapturingSink() *capturingSink {
	return &capturingSink{posts: make(map[string][][]byte)}
}

func (s *capturingSink) Post(connectionID string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[connectionID] = append(s.posts[connectionID], body)
	return nil
}

func (s *capturingSink) last(connectionID string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames := s.posts[connectionID]
	if len(frames) == 0 {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal(frames[len(frames)-1], &out)
	return out
}

var _ sink.Sink = (*capturingSink)(nil)

// harness wires a real Dispatcher against an in-memory sqlite database and a
// capturing sink, for concrete end-to-end connect/register/relay scenarios.
type harness struct {
	d     *dispatch.Dispatcher
	sink  *capturingSink
	conns repositories.ConnectionRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zap.NewNop()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      "file:" + t.Name() + "?mode=memory&cache=shared",
		Logger:   logger,
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	conns := repositories.NewConnectionRepository(database)
	presence := repositories.NewRobotPresenceRepository(database)
	robots := repositories.NewRobotRepository(database)
	operators := repositories.NewRobotOperatorRepository(database)
	sessions := repositories.NewSessionRepository(database, true)
	credits := repositories.NewUserCreditRepository(database, true)
	settings := repositories.NewPlatformSettingsRepository(database, true)
	revoked := repositories.NewRevokedTokenRepository(database)

	revocation := auth.NewRevocationChecker(revoked, nil, 0, nil, logger)
	resolver := auth.NewResolver(conns, nil, revocation, true, nil) // dev bypass: token-free handshakes in tests

	authzEngine := authz.New(presence, robots, operators, sessions, logger)
	billingSvc := billing.New(sessions, credits, robots, settings, nil, logger)
	sk := newCapturingSink()
	fanout := monitor.New(conns, sk, nil, logger)
	relayEngine := relay.New(presence, conns, authzEngine, fanout, sk, billingSvc, nil, logger)

	d := dispatch.New(resolver, conns, presence, authzEngine, relayEngine, billingSvc, fanout, sk, nil, logger)
	return &harness{d: d, sink: sk, conns: conns}
}

// putConnection registers a Connection row directly, bypassing token
// verification, so tests can exercise distinct real user identities without
// standing up a JWKS server.
func (h *harness) putConnection(t *testing.T, connectionID, userID string) {
	t.Helper()
	require.NoError(t, h.conns.Put(context.Background(), &db.Connection{
		ConnectionID: connectionID,
		UserID:       userID,
		Email:        userID + "@example.com",
		Kind:         "client",
		Protocol:     "legacy",
	}))
}

func TestConnectWritesConnectionAndRepliesWelcome(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res := h.d.Connect(ctx, "C1", "")
	require.Equal(t, 200, res.Status)

	var body map[string]any
	require.NoError(t, json.Unmarshal(res.Body, &body))
	require.Equal(t, "welcome", body["type"])
	require.Equal(t, "C1", body["connectionId"])
}

func TestRegisterOwnershipClaimAndConflict(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.putConnection(t, "R1", "alice")
	res := h.d.Default(ctx, "R1", map[string]any{"type": "register", "robotId": "r-1"})
	require.Equal(t, 200, res.Status, "first register by any user should claim ownership")

	res = h.d.Default(ctx, "R1", map[string]any{"type": "register", "robotId": "r-1"})
	require.Equal(t, 200, res.Status, "re-registering by the same owner is idempotent")

	h.putConnection(t, "R2", "bob")
	res = h.d.Default(ctx, "R2", map[string]any{"type": "register", "robotId": "r-1"})
	require.Equal(t, 409, res.Status, "a different non-admin user must not be able to steal ownership")
}

func TestDefaultRejectsUnknownType(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, 200, h.d.Connect(ctx, "C1", "").Status)

	res := h.d.Default(ctx, "C1", map[string]any{"type": "frobnicate"})
	require.Equal(t, 400, res.Status)
}

func TestDefaultRejectsFramesFromUnknownConnection(t *testing.T) {
	h := newHarness(t)
	res := h.d.Default(context.Background(), "ghost", map[string]any{"type": "ping"})
	require.Equal(t, 401, res.Status)
}

func TestRelayOfferToOfflineRobotReturns404(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.Equal(t, 200, h.d.Connect(ctx, "C1", "").Status)

	res := h.d.Default(ctx, "C1", map[string]any{
		"type":    "offer",
		"robotId": "r-missing",
		"payload": map[string]any{"sdp": "v=0..."},
	})
	require.Equal(t, 404, res.Status)
}

func TestRelayOfferDeliversToRegisteredRobot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.Equal(t, 200, h.d.Connect(ctx, "R1", "").Status)
	require.Equal(t, 200, h.d.Default(ctx, "R1", map[string]any{"type": "register", "robotId": "r-1"}).Status)

	require.Equal(t, 200, h.d.Connect(ctx, "C1", "").Status)
	res := h.d.Default(ctx, "C1", map[string]any{
		"type":    "offer",
		"robotId": "r-1",
		"payload": map[string]any{"sdp": "v=0..."},
	})
	require.Equal(t, 200, res.Status)

	forwarded := h.sink.last("R1")
	require.NotNil(t, forwarded)
	require.Equal(t, "offer", forwarded["type"])
	require.Equal(t, "r-1", forwarded["to"])
	require.Equal(t, "C1", forwarded["from"])
}

func TestTakeoverDeniedForNonOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.putConnection(t, "R1", "alice")
	require.Equal(t, 200, h.d.Default(ctx, "R1", map[string]any{"type": "register", "robotId": "r-1"}).Status)

	h.putConnection(t, "C1", "bob")
	res := h.d.Default(ctx, "C1", map[string]any{"type": "takeover", "robotId": "r-1"})
	require.Equal(t, 403, res.Status, "bob is neither owner, admin, nor delegate of r-1")
}

func TestDisconnectDeletesConnectionAndIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.Equal(t, 200, h.d.Connect(ctx, "C1", "").Status)
	res := h.d.Disconnect(ctx, "C1")
	require.Equal(t, 200, res.Status)

	_, err := h.conns.Get(ctx, "C1")
	require.ErrorIs(t, err, repositories.ErrNotFound)

	// GORM's Delete is a no-op (not an error) when no row matches, so a
	// second disconnect on an already-deleted connection still returns 200.
	res = h.d.Disconnect(ctx, "C1")
	require.Equal(t, 200, res.Status)
}
