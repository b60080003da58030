package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientMessage_Subscribe(t *testing.T) {
	raw := []byte(`{"type":"subscribe","sessionId":"s1","level":"full","sinceSeq":100,"requestId":"r1"}`)
	msg, err := DecodeClientMessage(raw)
	require.NoError(t, err)

	sub, ok := msg.(*Subscribe)
	require.True(t, ok)
	assert.Equal(t, "s1", sub.SessionID)
	assert.Equal(t, LevelFull, sub.Level)
	require.NotNil(t, sub.SinceSeq)
	assert.EqualValues(t, 100, *sub.SinceSeq)
	assert.Equal(t, "r1", sub.RequestID)
	assert.Equal(t, ClientSubscribe, sub.MsgType())
}

func TestDecodeClientMessage_UnknownType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"type":"nonsense"}`))
	require.Error(t, err)
}

func TestDecodeClientMessage_MissingType(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`{"sessionId":"s1"}`))
	require.Error(t, err)
}

func TestDecodeClientMessage_MalformedJSON(t *testing.T) {
	_, err := DecodeClientMessage([]byte(`not json`))
	require.Error(t, err)
}

func TestServerMessage_RoundTripsByteForByte(t *testing.T) {
	msg := WithEnvelope(&TurnAck{
		ClientTurnID: "T1",
		RequestID:    "R1",
		Stage:        StageAccepted,
	}, "sess-1", 5, 1_700_000_000_000)

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded TurnAck
	require.NoError(t, json.Unmarshal(data, &decoded))

	reencoded, err := json.Marshal(&decoded)
	require.NoError(t, err)
	assert.Equal(t, string(data), string(reencoded))
}

func TestTurnAckStage_MonotonicOrder(t *testing.T) {
	assert.True(t, StageAccepted.LessThan(StageDispatched))
	assert.True(t, StageDispatched.LessThan(StageStarted))
	assert.False(t, StageStarted.LessThan(StageAccepted))
	assert.False(t, StageAccepted.LessThan(StageAccepted))
}

func TestTimestampsAreUnixMillis(t *testing.T) {
	now := time.Now().UnixMilli()
	msg := WithEnvelope(&AgentStart{}, "s1", 1, now)
	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	ts, ok := decoded["timestamp"].(float64)
	require.True(t, ok)
	assert.Greater(t, ts, float64(1e12))
}
