package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoomNames(t *testing.T) {
	assert.Equal(t, "session:abc-123", SessionRoom("abc-123"))
	assert.Equal(t, "asset:550e8400-e29b-41d4-a716-446655440000",
		AssetRoom("550e8400-e29b-41d4-a716-446655440000"))
	assert.Equal(t, "global", GlobalRoom)
}

func TestEventEnvelopeWireShape(t *testing.T) {
	ev := NewSession(TypeHuntObservation, "s1", ObservationPayload{
		HuntID:   "h1",
		StepID:   "check_listening_ports",
		Command:  "ss -tlnpu",
		ExitCode: "0",
	})
	ev.AssetID = "a1"

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "hunt.observation", wire["event_type"])
	assert.Equal(t, "s1", wire["session_id"])
	assert.Equal(t, "a1", wire["asset_id"])
	assert.Contains(t, wire, "timestamp")

	payload, ok := wire["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "h1", payload["hunt_id"])
	assert.NotContains(t, payload, "stdout_truncated", "omitempty keeps false flags off the wire")
}

func TestNewStampsTimestamp(t *testing.T) {
	before := time.Now()
	ev := New(TypeSystemError, SystemErrorPayload{Severity: "error", Message: "boom"})
	assert.False(t, ev.Timestamp.Before(before))
	assert.Empty(t, ev.SessionID)
}

func TestEventTypesDistinct(t *testing.T) {
	types := []Type{
		TypeSessionCreated, TypeSessionStateChanged, TypeSessionModeChanged,
		TypeSessionLocked, TypeSessionUnlocked, TypeSessionTerminated,
		TypeSSHConnecting, TypeSSHConnected, TypeSSHDisconnected, TypeSSHError,
		TypeSSHCommandStarted, TypeSSHCommandOutput, TypeSSHCommandCompleted,
		TypeTerminalStarted, TypeTerminalData, TypeTerminalResize, TypeTerminalClosed,
		TypeHuntStarted, TypeHuntStepStarted, TypeHuntObservation,
		TypeHuntStepCompleted, TypeHuntCompleted, TypeHuntFailed, TypeHuntCancelled,
		TypeAIReasoningStarted, TypeAIReasoningChunk, TypeAIReasoningCompleted,
		TypeAIFindingGenerated, TypeAIError,
		TypeTimelineRecorded, TypeSystemError, TypeSystemBackpressure,
	}
	seen := make(map[Type]bool)
	for _, typ := range types {
		assert.NotEmpty(t, typ)
		assert.False(t, seen[typ], "duplicate event type: %s", typ)
		seen[typ] = true
	}
}
