// Package sink abstracts the outbound socket transport collaborator:
// post(connectionId, bytes) with a documented "gone" error for closed peers.
// It is implemented over NATS so that any broker process can deliver to a
// connection owned by any other process — the local in-process websocket
// map (internal/transport) is a pure transport optimization, never the
// source of truth.
package sink

import "errors"

// ErrGone is the documented "gone" signal: no live handler accepted the
// frame — no broker process answered for the destination connection in
// time, or a locally attached client's send buffer was full. Callers
// swallow it; the relay logs it at warn level.
var ErrGone = errors.New("sink: connection gone")

// Sink is the post(connectionId, bytes) collaborator every delivery path
// goes through.
type Sink interface {
	Post(connectionID string, body []byte) error
}
