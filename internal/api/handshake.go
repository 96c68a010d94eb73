package api

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teleop/broker/internal/dispatch"
	"github.com/teleop/broker/internal/transport"
)

// HandshakeHandler serves the $connect route: a single long-lived HTTP
// endpoint that every browser and robot agent opens a WebSocket against.
// The bearer token travels as a `token` query parameter — browsers cannot
// set custom headers on the WebSocket handshake request.
type HandshakeHandler struct {
	hub        *transport.Hub
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

// NewHandshakeHandler creates a HandshakeHandler.
func NewHandshakeHandler(hub *transport.Hub, dispatcher *dispatch.Dispatcher, logger *zap.Logger) *HandshakeHandler {
	return &HandshakeHandler{hub: hub, dispatcher: dispatcher, logger: logger.Named("handshake")}
}

// ServeHTTP authenticates the connecting peer, assigns it a fresh opaque
// connectionId, runs the $connect dispatch step, and — only on success —
// upgrades the HTTP request to a WebSocket and blocks for the lifetime of
// the connection. $disconnect dispatch runs unconditionally once the socket
// closes, whether or not the upgrade itself ever completed.
func (h *HandshakeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	connectionID := uuid.NewString()

	result := h.dispatcher.Connect(r.Context(), connectionID, token)
	if result.Status != http.StatusOK {
		JSON(w, result.Status, envelope{"error": "handshake rejected"})
		return
	}

	client, err := transport.Upgrade(h.hub, w, r, connectionID, h.logger)
	if err != nil {
		h.logger.Warn("ws upgrade failed", zap.String("connectionId", connectionID), zap.Error(err))
		h.dispatcher.Disconnect(r.Context(), connectionID)
		return
	}

	h.logger.Info("connection established", zap.String("connectionId", connectionID), zap.String("remoteAddr", r.RemoteAddr))
	client.Run(result.Body)
	h.logger.Info("connection closed", zap.String("connectionId", connectionID))

	h.dispatcher.Disconnect(r.Context(), connectionID)
}
