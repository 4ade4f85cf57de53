package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("twitch", "channel.cheer", map[string]any{"bits": 500})
	require.NoError(t, err)

	assert.Equal(t, "channel.cheer", env.EventType)
	assert.Equal(t, "twitch", env.Source)
	assert.NotEmpty(t, env.EventID)
	assert.WithinDuration(t, time.Now(), env.Timestamp, 5*time.Second)
	assert.JSONEq(t, `{"bits":500}`, string(env.Payload))
}

func TestEnvelopeDecodePayloadField(t *testing.T) {
	raw := `{
		"event_type": "channel.subscribe",
		"source": "twitch",
		"timestamp": "2026-08-20T19:04:05Z",
		"payload": {"tier": "1000", "user_name": "avalonstar"}
	}`

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	assert.Equal(t, "channel.subscribe", env.EventType)
	assert.Equal(t, "twitch", env.Source)

	var payload struct {
		Tier     string `json:"tier"`
		UserName string `json:"user_name"`
	}
	require.NoError(t, env.DecodePayload(&payload))
	assert.Equal(t, "1000", payload.Tier)
	assert.Equal(t, "avalonstar", payload.UserName)
}

func TestEnvelopeDecodeDataAlias(t *testing.T) {
	// Some producers publish under "data"; consumers must still decode it.
	raw := `{
		"event_type": "performance",
		"source": "obs",
		"timestamp": "2026-08-20T19:04:05Z",
		"data": {"cpu_usage": 12.5}
	}`

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.JSONEq(t, `{"cpu_usage":12.5}`, string(env.Payload))
}

func TestEnvelopePayloadWinsOverData(t *testing.T) {
	raw := `{
		"event_type": "performance",
		"source": "obs",
		"timestamp": "2026-08-20T19:04:05Z",
		"payload": {"from": "payload"},
		"data": {"from": "data"}
	}`

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.JSONEq(t, `{"from":"payload"}`, string(env.Payload))
}

func TestEnvelopeMember(t *testing.T) {
	raw := `{
		"event_type": "channel.raid",
		"source": "twitch",
		"timestamp": "2026-08-20T19:04:05Z",
		"payload": {},
		"member": {"twitch_id": "12826", "username": "twitch", "display_name": "Twitch"}
	}`

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	require.NotNil(t, env.Member)
	assert.Equal(t, "12826", env.Member.TwitchID)
	assert.Equal(t, "Twitch", env.Member.DisplayName)
}

func TestEnvelopeCommunityGiftID(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{
			name:    "gift in a community batch",
			payload: `{"tier": "1000", "community_gift_id": "batch-42"}`,
			want:    "batch-42",
		},
		{
			name:    "standalone gift",
			payload: `{"tier": "1000"}`,
			want:    "",
		},
		{
			name:    "non-string id ignored",
			payload: `{"community_gift_id": 42}`,
			want:    "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Envelope{EventType: "channel.subscription.gift", Payload: json.RawMessage(tt.payload)}
			assert.Equal(t, tt.want, env.CommunityGiftID())
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope("campaign", "milestone_unlocked", map[string]any{"threshold": 25})
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, env.EventType, decoded.EventType)
	assert.Equal(t, env.EventID, decoded.EventID)
	assert.JSONEq(t, string(env.Payload), string(decoded.Payload))
}

func TestEnvelopeRejectsBadTimestamp(t *testing.T) {
	raw := `{"event_type": "x", "source": "y", "timestamp": "yesterday"}`
	var env Envelope
	assert.Error(t, json.Unmarshal([]byte(raw), &env))
}

func TestPayloadStringMissingCases(t *testing.T) {
	var empty Envelope
	_, ok := empty.PayloadString("anything")
	assert.False(t, ok)

	malformed := Envelope{Payload: json.RawMessage(`not json`)}
	_, ok = malformed.PayloadString("anything")
	assert.False(t, ok)
}
