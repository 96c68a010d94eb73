// Package transport implements the bidirectional socket transport that
// carries frames between the broker and each connected peer, using
// gorilla/websocket as a two-way frame pump: every inbound frame is handed
// to the Dispatcher, and every outbound post(connectionId, bytes) call —
// whether local or relayed over NATS from another broker process — is
// written back to the client's socket.
package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending
	// a ping before considering the connection dead.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frame size — signaling payloads (SDP,
	// ICE candidates) are small text blobs, not media.
	maxMessageSize = 1 << 16

	// sendBufferSize is the capacity of the per-client outbound channel. If
	// it fills, further frames for the client are dropped (the connection
	// stays open) — the relay's delivery is at-most-once regardless.
	sendBufferSize = 64
)

// upgrader performs the HTTP → WebSocket protocol upgrade. Origin validation
// is left to the reverse proxy in front of the broker, matching the
// teacher's documented trust boundary.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client is a single connected transport peer — a browser or a robot
// agent; the transport layer does not distinguish between them. Each
// Client runs two goroutines: readPump (decodes inbound frames and calls the
// Dispatcher) and writePump (the only goroutine allowed to write to conn).
type Client struct {
	hub          *Hub
	conn         *websocket.Conn
	connectionID string
	send         chan []byte
	natsSub      *nats.Subscription
	logger       *zap.Logger
}

// Upgrade completes the HTTP→WebSocket handshake for connectionID and
// registers the resulting Client with hub. The caller (the $connect HTTP
// handler) is responsible for having already authenticated the request and
// run Dispatcher.Connect before calling Upgrade.
func Upgrade(hub *Hub, w http.ResponseWriter, r *http.Request, connectionID string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		hub:          hub,
		conn:         conn,
		connectionID: connectionID,
		send:         make(chan []byte, sendBufferSize),
		logger:       logger.With(zap.String("connectionId", connectionID)),
	}
	return c, nil
}

// Run registers the client with the hub, starts the write pump, delivers
// welcomeBody as the peer's first frame (the $connect dispatch result, e.g.
// {"type":"welcome","connectionId":...}), and blocks on the read pump until
// the connection closes. Callers invoke $disconnect handling after Run
// returns. welcomeBody may be nil if $connect produced no body to deliver.
func (c *Client) Run(welcomeBody []byte) {
	c.hub.register(c)
	defer c.hub.unregister(c)

	go c.writePump()
	if welcomeBody != nil {
		if !c.Deliver(welcomeBody) {
			c.logger.Warn("ws: send buffer full delivering welcome frame")
		}
	}
	c.readPump()
}

// readPump decodes every inbound frame as JSON and hands it to the hub's
// Dispatcher. A frame that is not valid JSON is dropped with a logged
// warning — the normalizer never runs on malformed input; a parse failure
// short-circuits before any store access.
func (c *Client) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			c.logger.Warn("ws: dropping non-JSON frame", zap.Error(err))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		result := c.hub.dispatcher.Default(ctx, c.connectionID, raw)
		cancel()
		if result.Status >= 400 {
			c.logger.Debug("ws: frame handling returned non-2xx",
				zap.Int("status", result.Status),
				zap.Any("type", raw["type"]),
			)
		}
	}
}

// writePump is the only goroutine that writes to conn (gorilla/websocket
// connections are not safe for concurrent writes). It forwards frames
// enqueued via Deliver and sends periodic pings so readPump can detect a
// stale peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case body, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}

// Deliver enqueues body for delivery to this client. Returns false if the
// client's send buffer is full — the caller treats this the same as a
// "gone" sink signal: delivery is at-most-once, never retried.
func (c *Client) Deliver(body []byte) bool {
	select {
	case c.send <- body:
		return true
	default:
		return false
	}
}
