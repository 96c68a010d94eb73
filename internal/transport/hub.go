package transport

import (
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/teleop/broker/internal/dispatch"
	"github.com/teleop/broker/internal/sink"
)

// Hub is the in-process registry of locally-attached Clients, keyed by
// connectionId. It is a transport optimization only — never the source of
// truth for presence or session state. The durable Connections table
// in internal/repositories remains authoritative; this map exists purely so
// a local write can skip the NATS round trip when the destination happens
// to be attached to this same process, and so the NATS subscription for
// sink.Subscribe has somewhere to deliver.
type Hub struct {
	mu         sync.RWMutex
	clients    map[string]*Client
	dispatcher *dispatch.Dispatcher
	subscriber interface {
		Subscribe(connectionID string, handler func(body []byte)) (*nats.Subscription, error)
	}
	logger *zap.Logger
}

// NewHub builds a Hub. subscriber is typically the same *sink.NATSSink the
// Dispatcher posts through — registering one NATS responder per
// locally-attached connection is what lets other broker processes' Post
// calls reach this client (see internal/sink/nats.go).
//
// The dispatcher is supplied separately via SetDispatcher rather than as a
// constructor argument: a Dispatcher needs a Sink to post through, and the
// recommended Sink (NewLocalFirstSink) needs a Hub to check for
// locally-attached clients before falling through to NATS — so the Hub must
// exist before the Dispatcher that will later be attached to it.
func NewHub(subscriber *sink.NATSSink, logger *zap.Logger) *Hub {
	h := &Hub{
		clients: make(map[string]*Client),
		logger:  logger.Named("transport"),
	}
	// Storing a nil *sink.NATSSink directly in the interface field would
	// make the nil check in register() see a non-nil interface wrapping a
	// nil pointer; only assign when a real subscriber was supplied.
	if subscriber != nil {
		h.subscriber = subscriber
	}
	return h
}

// SetDispatcher attaches the Dispatcher that readPump hands inbound frames
// to. Must be called once, before the HTTP server starts accepting
// connections.
func (h *Hub) SetDispatcher(d *dispatch.Dispatcher) {
	h.dispatcher = d
}

// register attaches a client locally and subscribes it to its NATS delivery
// subject so cross-process Post calls can reach it.
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c.connectionID] = c
	h.mu.Unlock()

	if h.subscriber == nil {
		return
	}
	sub, err := h.subscriber.Subscribe(c.connectionID, func(body []byte) {
		if !c.Deliver(body) {
			h.logger.Warn("dropping frame: client send buffer full", zap.String("connectionId", c.connectionID))
		}
	})
	if err != nil {
		h.logger.Error("failed to subscribe client to delivery subject", zap.String("connectionId", c.connectionID), zap.Error(err))
		return
	}
	c.natsSub = sub
}

// unregister detaches a client and drains its NATS subscription.
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c.connectionID)
	h.mu.Unlock()

	if c.natsSub != nil {
		_ = c.natsSub.Unsubscribe()
	}
}

// Count returns the number of locally-attached clients, for /healthz and
// metrics.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var _ sink.Sink = (*localFirstSink)(nil)

// localFirstSink is an optional optimization: deliver directly to a locally
// attached Client when one exists, falling back to the real Sink (NATS)
// otherwise. Never required for correctness — the durable registry is the
// only source of truth — but it saves a network hop for the very
// common case of both peers being attached to the same broker process.
type localFirstSink struct {
	hub  *Hub
	next sink.Sink
}

// NewLocalFirstSink wraps next so that posts to a connection currently
// attached to hub are delivered in-process instead of round-tripping
// through NATS.
func NewLocalFirstSink(hub *Hub, next sink.Sink) sink.Sink {
	return &localFirstSink{hub: hub, next: next}
}

func (s *localFirstSink) Post(connectionID string, body []byte) error {
	s.hub.mu.RLock()
	c, ok := s.hub.clients[connectionID]
	s.hub.mu.RUnlock()

	if ok {
		if !c.Deliver(body) {
			return sink.ErrGone
		}
		return nil
	}
	return s.next.Post(connectionID, body)
}
