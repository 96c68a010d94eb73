package normalize_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/teleop/broker/internal/normalize"
)

func TestNormalizeLegacyOffer(t *testing.T) {
	msg := normalize.Normalize(map[string]any{
		"type": "offer",
		"to":   "robot-1",
		"from": "C1",
		"sdp":  "v=0...",
	})

	require.Equal(t, "offer", msg.Type)
	require.Equal(t, "robot-1", msg.RobotID)
	require.Equal(t, "v=0...", msg.Payload["sdp"])
}

func TestNormalizeLegacyCandidateAliasesToIceCandidate(t *testing.T) {
	msg := normalize.Normalize(map[string]any{
		"type":      "candidate",
		"to":        "robot-1",
		"from":      "C1",
		"candidate": map[string]any{"sdpMid": "0"},
	})

	require.Equal(t, "ice-candidate", msg.Type)
	require.NotNil(t, msg.Payload["candidate"])
}

func TestNormalizeRegisterUsesFromAsRobotID(t *testing.T) {
	msg := normalize.Normalize(map[string]any{
		"type": "register",
		"from": "robot-9",
	})

	require.Equal(t, "register", msg.Type)
	require.Equal(t, "robot-9", msg.RobotID)
}

func TestNormalizeRobotToClientDirectionInfersClientConnectionID(t *testing.T) {
	msg := normalize.Normalize(map[string]any{
		"type": "answer",
		"from": "robot-1",
		"to":   "C1",
		"sdp":  "v=0...",
	})

	require.Equal(t, "robot-1", msg.RobotID)
	require.Equal(t, "C1", msg.ClientConnectionID)
}

func TestNormalizeVersionedEnvelopePassesThrough(t *testing.T) {
	msg := normalize.Normalize(map[string]any{
		"type":    "signalling.offer",
		"version": "0.0",
		"id":      "m1",
		"payload": map[string]any{
			"connectionId": "C1",
			"sdp":          "v=0...",
			"sdpType":      "offer",
		},
	})

	require.Equal(t, "signalling.offer", msg.Type)
	require.Equal(t, "C1", msg.RobotID, "versioned envelopes extract robotId from payload.connectionId")
	require.Equal(t, "offer", msg.Payload["sdpType"])
}

func TestNormalizeUnknownTypeIsEmpty(t *testing.T) {
	msg := normalize.Normalize(map[string]any{"type": "bogus"})
	require.Empty(t, msg.Type)
}

func TestNormalizeExplicitTargetLowercased(t *testing.T) {
	msg := normalize.Normalize(map[string]any{"type": "offer", "target": "CLIENT", "robotId": "r-1"})
	require.Equal(t, "client", msg.Target)
}

func TestNormalizeAgentPing(t *testing.T) {
	msg := normalize.Normalize(map[string]any{"type": "agent.ping", "id": "p1"})
	require.Equal(t, "agent.ping", msg.Type)
}
