package relay

// Kind is the canonical, dialect-independent identity of an outbound frame.
// The normalizer maps every inbound dialect to one InboundMessage; the
// formatters below are the mirror image for outbound frames — a single
// internal canonical form plus a per-destination formatter.
type Kind string

const (
	KindOffer            Kind = "offer"
	KindAnswer           Kind = "answer"
	KindICECandidate     Kind = "ice-candidate"
	KindError            Kind = "error"
	KindSessionCreated   Kind = "session-created"
	KindSessionLocked    Kind = "session-locked"
	KindWelcome          Kind = "welcome"
	KindAdminTakeover    Kind = "admin-takeover"
	KindMonitorConfirmed Kind = "monitor-confirmed"
	KindAgentPong        Kind = "agent.pong"
	KindCapabilities     Kind = "signalling.capabilities"
)

// signalingKinds map canonical signaling Kinds to their versioned
// signalling.* wire type.
var signalingKinds = map[Kind]string{
	KindOffer:        "signalling.offer",
	KindAnswer:       "signalling.answer",
	KindICECandidate: "signalling.ice_candidate",
}

// platformKinds pass through unwrapped in modulr-v0: welcome, session-locked,
// session-created, admin-takeover, and monitor-confirmed carry no signaling
// payload to wrap.
var platformKinds = map[Kind]bool{
	KindWelcome:          true,
	KindSessionLocked:    true,
	KindSessionCreated:   true,
	KindAdminTakeover:    true,
	KindMonitorConfirmed: true,
}

// Frame is the neutral representation of any outbound message the relay,
// dispatcher, or session lifecycle ever emits. Only the fields relevant to
// Kind are populated; FormatLegacy and FormatModulrV0 each project the
// subset they need.
type Frame struct {
	Kind Kind

	// Signaling routing identity.
	To   string // destination identity: robotId or client connectionId
	From string // source identity: connectionId or robotId

	// Signaling payload.
	SDP           string
	SDPType       string
	Candidate     any
	SDPMid        *string
	SDPMLineIndex *int
	ConnectionID  string // payload.connectionId — the client connection id

	// Versioned envelope metadata.
	ID        string
	Timestamp string
	Version   string

	// Errors.
	ErrorCode    string
	ErrorMessage string
	RobotID      string

	// Platform frames.
	LockedBy          string
	SessionID         string
	SupportedVersions []string
	CorrelationID     string

	// Additional payload/top-level keys passed through verbatim.
	Extra map[string]any
}

// FormatLegacy builds the legacy envelope: {type, to, from, sdp?,
// candidate?}; an ICE frame's type is always "candidate", never
// "ice-candidate".
// Additional payload keys are passed through at top level.
func FormatLegacy(f Frame) map[string]any {
	out := map[string]any{}
	for k, v := range f.Extra {
		out[k] = v
	}

	switch f.Kind {
	case KindICECandidate:
		out["type"] = "candidate"
	case KindError:
		out["type"] = "error"
		out["error"] = f.ErrorCode
		out["message"] = f.ErrorMessage
		if f.RobotID != "" {
			out["robotId"] = f.RobotID
		}
		return out
	case KindSessionLocked:
		out["type"] = "session-locked"
		out["robotId"] = f.RobotID
		out["lockedBy"] = f.LockedBy
		return out
	case KindSessionCreated:
		out["type"] = "session-created"
		out["sessionId"] = f.SessionID
		return out
	case KindWelcome:
		out["type"] = "welcome"
		out["connectionId"] = f.ConnectionID
		return out
	case KindAdminTakeover:
		out["type"] = "admin-takeover"
		out["robotId"] = f.RobotID
		return out
	case KindMonitorConfirmed:
		out["type"] = "monitor-confirmed"
		out["robotId"] = f.RobotID
		return out
	default:
		out["type"] = string(f.Kind)
	}

	out["to"] = f.To
	out["from"] = f.From
	if f.SDP != "" {
		out["sdp"] = f.SDP
	}
	if f.Candidate != nil {
		out["candidate"] = f.Candidate
	}
	return out
}

// FormatModulrV0 builds the versioned envelope: {type: signalling.<kind>,
// version, id, timestamp, payload:{...}}. Errors are re-wrapped as
// signalling.error; platform frames pass through unwrapped.
func FormatModulrV0(f Frame) map[string]any {
	if platformKinds[f.Kind] {
		return FormatLegacy(f)
	}

	if f.Kind == KindError {
		payload := map[string]any{"code": f.ErrorCode, "message": f.ErrorMessage}
		if f.RobotID != "" {
			payload["robotId"] = f.RobotID
		}
		return map[string]any{
			"type":    "signalling.error",
			"payload": payload,
		}
	}

	if f.Kind == KindAgentPong {
		return map[string]any{
			"type":          "agent.pong",
			"version":       f.Version,
			"id":            f.ID,
			"correlationId": f.CorrelationID,
			"timestamp":     f.Timestamp,
		}
	}

	if f.Kind == KindCapabilities {
		return map[string]any{
			"type":    "signalling.capabilities",
			"version": f.Version,
			"id":      f.ID,
			"payload": map[string]any{"supportedVersions": f.SupportedVersions},
		}
	}

	wireType, ok := signalingKinds[f.Kind]
	if !ok {
		wireType = string(f.Kind)
	}

	payload := map[string]any{}
	for k, v := range f.Extra {
		payload[k] = v
	}
	if f.SDP != "" {
		payload["sdp"] = f.SDP
	}
	if f.SDPType != "" {
		payload["sdpType"] = f.SDPType
	}
	if f.Candidate != nil {
		payload["candidate"] = f.Candidate
	}
	if f.SDPMid != nil {
		payload["sdpMid"] = *f.SDPMid
	}
	if f.SDPMLineIndex != nil {
		payload["sdpMLineIndex"] = *f.SDPMLineIndex
	}
	if f.ConnectionID != "" {
		payload["connectionId"] = f.ConnectionID
	}

	return map[string]any{
		"type":      wireType,
		"version":   f.Version,
		"id":        f.ID,
		"timestamp": f.Timestamp,
		"payload":   payload,
	}
}

// Format dispatches to the formatter for protocol ("legacy" or "modulr-v0").
// Unknown protocols fall back to legacy.
func Format(protocol string, f Frame) map[string]any {
	if protocol == "modulr-v0" {
		return FormatModulrV0(f)
	}
	return FormatLegacy(f)
}
