// Package normalize collapses the broker's three historical wire dialects —
// legacy flat signaling frames, the versioned "modulr-v0" envelope, and plain
// control frames — into one internal InboundMessage shape. It is
// pure: no I/O, no store access, no logging.
package normalize

import "strings"

// InboundMessage is the single internal form every dialect normalizes into.
// Any field may be left zero-valued when the source frame did not carry it.
type InboundMessage struct {
	Type               string
	RobotID            string
	Target             string
	ClientConnectionID string
	Payload            map[string]any
	Raw                map[string]any
}

var legacyTypeAliases = map[string]string{
	"register":      "register",
	"offer":         "offer",
	"answer":        "answer",
	"ice-candidate": "ice-candidate",
	"candidate":     "ice-candidate",
	"takeover":      "takeover",
	"monitor":       "monitor",
	"ping":          "ping",
	"pong":          "pong",
	"ready":         "ready",
}

var versionedTypes = map[string]bool{
	"signalling.offer":         true,
	"signalling.answer":        true,
	"signalling.ice_candidate": true,
	"signalling.connected":     true,
	"signalling.disconnected":  true,
	"signalling.capabilities":  true,
	"signalling.error":         true,
	"agent.ping":               true,
	"agent.pong":               true,
}

// Normalize maps an arbitrary JSON-decoded object to an InboundMessage. The
// returned message's Type is empty when the input carries no recognizable
// type — the dispatcher answers that with the unknown-type 400.
func Normalize(raw map[string]any) InboundMessage {
	msg := InboundMessage{Raw: raw}

	rawType, _ := raw["type"].(string)
	msg.Type = mapType(rawType)

	msg.RobotID = extractRobotID(raw, msg.Type)
	msg.Payload = extractPayload(raw)

	if target, ok := raw["target"].(string); ok {
		msg.Target = strings.ToLower(target)
	}

	msg.ClientConnectionID = extractClientConnectionID(raw, msg.RobotID)

	return msg
}

// mapType implements case-insensitive type mapping: legacy
// tokens collapse to their canonical form (candidate → ice-candidate);
// versioned tokens pass through verbatim; anything else is left empty.
func mapType(rawType string) string {
	lower := strings.ToLower(rawType)
	if canonical, ok := legacyTypeAliases[lower]; ok {
		return canonical
	}
	if versionedTypes[rawType] {
		return rawType
	}
	return ""
}

// extractRobotID follows a fixed extraction order: explicit top-level
// robotId; else for versioned envelopes payload.connectionId; else for
// register messages "from"; else for legacy signaling, whichever of to/from
// begins with "robot-", then whichever is non-empty.
func extractRobotID(raw map[string]any, msgType string) string {
	if id, ok := raw["robotId"].(string); ok && id != "" {
		return id
	}

	if strings.HasPrefix(msgType, "signalling.") || strings.HasPrefix(msgType, "agent.") {
		if payload, ok := raw["payload"].(map[string]any); ok {
			if id, ok := payload["connectionId"].(string); ok && id != "" {
				return id
			}
		}
	}

	if msgType == "register" {
		if from, ok := raw["from"].(string); ok && from != "" {
			return from
		}
	}

	to, _ := raw["to"].(string)
	from, _ := raw["from"].(string)

	if strings.HasPrefix(to, "robot-") {
		return to
	}
	if strings.HasPrefix(from, "robot-") {
		return from
	}
	if to != "" {
		return to
	}
	return from
}

// extractPayload starts from the payload object if present, folding
// top-level sdp/candidate (legacy dialect) into it.
func extractPayload(raw map[string]any) map[string]any {
	payload := map[string]any{}
	if p, ok := raw["payload"].(map[string]any); ok {
		for k, v := range p {
			payload[k] = v
		}
	}
	if sdp, ok := raw["sdp"]; ok {
		payload["sdp"] = sdp
	}
	if candidate, ok := raw["candidate"]; ok {
		payload["candidate"] = candidate
	}
	return payload
}

// extractClientConnectionID extracts clientConnectionId: explicit field
// wins; otherwise, for legacy signaling frames
// where "from" equals the computed robotId, interpret top-level "to" as the
// client connection id (robot-to-client direction).
func extractClientConnectionID(raw map[string]any, robotID string) string {
	if id, ok := raw["clientConnectionId"].(string); ok && id != "" {
		return id
	}

	from, _ := raw["from"].(string)
	to, _ := raw["to"].(string)
	if from != "" && from == robotID && to != "" {
		return to
	}
	return ""
}
