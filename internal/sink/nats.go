package sink

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// connSubject maps a connectionId to the NATS subject carrying frames for
// it. Grounded on adred-codev-ws_poc/go-server/pkg/nats/client.go's
// Subjects helper-struct idiom.
func connSubject(connectionID string) string {
	return fmt.Sprintf("broker.conn.%s.deliver", connectionID)
}

// Config mirrors the connection-tuning knobs adred's NATS client exposes.
type Config struct {
	URL             string
	MaxReconnects   int
	ReconnectWait   time.Duration
	ReconnectJitter time.Duration
	RequestTimeout  time.Duration
}

// NATSSink posts frames to a connectionId's subject and treats "no
// responders" / request timeout as the documented gone signal — the
// attached transport process answers every delivery request, so silence
// means no process currently holds that connection.
type NATSSink struct {
	conn           *nats.Conn
	requestTimeout time.Duration
	logger         *zap.Logger
}

// NewNATSSink connects to the NATS server described by cfg.
func NewNATSSink(cfg Config, logger *zap.Logger) (*NATSSink, error) {
	logger = logger.Named("sink")

	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(cfg.ReconnectJitter, cfg.ReconnectJitter),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("reconnected to NATS", zap.String("url", c.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn("NATS error", zap.Error(err))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("sink: connecting to NATS: %w", err)
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 2 * time.Second
	}

	return &NATSSink{conn: conn, requestTimeout: timeout, logger: logger}, nil
}

// Post implements Sink.Post. It is a request, not a bare publish: the
// transport process attached to connectionID must reply once it has queued
// the frame for write, so this function can distinguish "delivered to a live
// local handler" from "no process has this connection anymore" (ErrGone).
func (s *NATSSink) Post(connectionID string, body []byte) error {
	_, err := s.conn.Request(connSubject(connectionID), body, s.requestTimeout)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, nats.ErrTimeout) {
			return ErrGone
		}
		return fmt.Errorf("sink: publishing to %s: %w", connectionID, err)
	}
	return nil
}

// Subscribe registers handler as the responder for connectionID's subject.
// internal/transport calls this once per locally-attached connection so
// cross-process Post calls can reach it; the reply (an empty ack) is what
// lets Post distinguish delivered-somewhere from gone.
func (s *NATSSink) Subscribe(connectionID string, handler func(body []byte)) (*nats.Subscription, error) {
	subject := connSubject(connectionID)
	return s.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
		if msg.Reply != "" {
			_ = s.conn.Publish(msg.Reply, nil)
		}
	})
}

// Close closes the underlying NATS connection without draining it.
func (s *NATSSink) Close() {
	s.conn.Close()
}
