package overlay

import (
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
)

func testEnvelope(t *testing.T, source, eventType string, payload map[string]any) bus.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return bus.Envelope{
		EventType: eventType,
		Source:    source,
		Timestamp: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		Payload:   raw,
		Member:    &bus.Member{TwitchID: "100", Username: "viewer"},
	}
}

func frameTypes(frames []outbound) []string {
	if len(frames) == 0 {
		return nil
	}
	types := make([]string, 0, len(frames))
	for _, f := range frames {
		types = append(types, f.Type)
	}
	return types
}

func TestClassifyRoutingTable(t *testing.T) {
	tests := []struct {
		name      string
		source    string
		eventType string
		payload   map[string]any
		want      []string
	}{
		{
			name: "limitbreak update", source: "limitbreak", eventType: "limitbreak.update",
			payload: map[string]any{"count": 150},
			want:    []string{"limitbreak:update"},
		},
		{
			name: "limitbreak executed", source: "limitbreak", eventType: "limitbreak.executed",
			payload: map[string]any{"count": 300},
			want:    []string{"limitbreak:executed"},
		},
		{
			name: "music update", source: "music", eventType: "music.update",
			payload: map[string]any{"track": "x"},
			want:    []string{"music:update"},
		},
		{
			name: "status update", source: "status", eventType: "status.update",
			payload: map[string]any{"status": "brb"},
			want:    []string{"status:update"},
		},
		{
			name: "mic mute", source: "osc", eventType: "audio.mic.mute",
			payload: map[string]any{"mic": 1, "muted": true},
			want:    []string{"audio:rme:update"},
		},
		{
			name: "mic level", source: "osc", eventType: "audio.mic.level",
			payload: map[string]any{"mic": 1, "level": 0.5},
			want:    []string{"audio:rme:update"},
		},
		{
			name: "channel state", source: "osc", eventType: "audio.channels.update",
			payload: map[string]any{"channels": []int{1, 2}},
			want:    []string{"audio:channels:update"},
		},
		{
			name: "chat message", source: "twitch", eventType: "channel.chat.message",
			payload: map[string]any{"message": map[string]any{"text": "hi"}},
			want:    []string{"chat:message"},
		},
		{
			name: "campaign forward", source: "campaign", eventType: "campaign:milestone",
			payload: map[string]any{"threshold": 25},
			want:    []string{"campaign:milestone"},
		},
		{
			name: "obs event", source: "obs", eventType: "obs.recording.changed",
			payload: map[string]any{"recording": true},
			want:    []string{"obs:update"},
		},
		{
			name: "obs scene change hits base too", source: "obs", eventType: "obs.scene.changed",
			payload: map[string]any{"scene": "BRB"},
			want:    []string{"obs:update", "base:obs_scene_changed"},
		},
		{
			name: "follow fans out", source: "twitch", eventType: "channel.follow",
			payload: map[string]any{"user_id": "100"},
			want:    []string{"timeline:push", "base:update", "alerts:push"},
		},
		{
			name: "cheer fans out", source: "twitch", eventType: "channel.cheer",
			payload: map[string]any{"bits": 500},
			want:    []string{"timeline:push", "base:update", "alerts:push"},
		},
		{
			name: "resub notification fans out", source: "twitch", eventType: "channel.chat.notification",
			payload: map[string]any{"notice_type": "resub"},
			want:    []string{"timeline:push", "base:update", "alerts:push"},
		},
		{
			name: "announcement stays off overlays", source: "twitch", eventType: "channel.chat.notification",
			payload: map[string]any{"notice_type": "announcement"},
			want:    nil,
		},
		{
			name: "unraid stays off overlays", source: "twitch", eventType: "channel.chat.notification",
			payload: map[string]any{"notice_type": "unraid"},
			want:    nil,
		},
		{
			name: "shared chat variants stay off overlays", source: "twitch", eventType: "channel.chat.notification",
			payload: map[string]any{"notice_type": "shared_chat_sub"},
			want:    nil,
		},
		{
			name: "unrouted event produces nothing", source: "twitch", eventType: "channel.poll.begin",
			payload: map[string]any{"id": "p1"},
			want:    nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := testEnvelope(t, tt.source, tt.eventType, tt.payload)
			frames := classify(env, slog.Default())
			assert.Equal(t, tt.want, frameTypes(frames))
		})
	}
}

func TestInteractionFramesCarryAttribution(t *testing.T) {
	env := testEnvelope(t, "twitch", "channel.cheer", map[string]any{"bits": 500})
	frames := classify(env, slog.Default())
	require.Len(t, frames, 3)

	payload, ok := frames[0].Payload.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "channel.cheer", payload["event_type"])
	assert.Equal(t, env.Member, payload["member"])
	assert.Equal(t, env.Payload, payload["data"])
}

func TestFFBotStatsBuilder(t *testing.T) {
	env := testEnvelope(t, "ffbot", "stats", map[string]any{
		"player": "avalonstar", "gil": 1200, "wins": 3,
	})
	frames := classify(env, slog.Default())
	require.Len(t, frames, 1)
	assert.Equal(t, "ffbot:stats", frames[0].Type)

	payload := frames[0].Payload.(map[string]any)
	assert.Equal(t, "avalonstar", payload["player"])
	assert.Equal(t, env.Member, payload["member"])
	assert.Equal(t, env.Payload, payload["data"], "stats frames carry the whole event payload")
}

func TestFFBotHireBuilder(t *testing.T) {
	env := testEnvelope(t, "ffbot", "hire", map[string]any{
		"player":    "avalonstar",
		"character": "Locke",
		"cost":      float64(500),
		"stats":     map[string]any{"gil": 700},
	})
	frames := classify(env, slog.Default())
	require.Len(t, frames, 1)
	assert.Equal(t, "ffbot:hire", frames[0].Type)

	payload := frames[0].Payload.(map[string]any)
	assert.Equal(t, "Locke", payload["character"])
	assert.Equal(t, float64(500), payload["cost"])
	assert.Equal(t, map[string]any{"gil": float64(700)}, payload["data"])
}

func TestFFBotChangeBuilder(t *testing.T) {
	env := testEnvelope(t, "ffbot", "change", map[string]any{
		"player": "avalonstar",
		"from":   "Locke",
		"to":     "Celes",
		"stats":  map[string]any{"gil": 200},
	})
	frames := classify(env, slog.Default())
	require.Len(t, frames, 1)

	payload := frames[0].Payload.(map[string]any)
	assert.Equal(t, "Locke", payload["from"])
	assert.Equal(t, "Celes", payload["to"])
	assert.Equal(t, map[string]any{"gil": float64(200)}, payload["data"])
}

func TestFFBotSaveBuilder(t *testing.T) {
	env := testEnvelope(t, "ffbot", "save", map[string]any{
		"player_count": float64(12),
		"metadata":     map[string]any{"slot": float64(1)},
	})
	frames := classify(env, slog.Default())
	require.Len(t, frames, 1)
	assert.Equal(t, "ffbot:save", frames[0].Type)

	payload := frames[0].Payload.(map[string]any)
	assert.Equal(t, float64(12), payload["player_count"])
	assert.Equal(t, map[string]any{"slot": float64(1)}, payload["metadata"])
	assert.NotContains(t, payload, "member")
}

func TestFFBotPassThroughBuilder(t *testing.T) {
	env := testEnvelope(t, "ffbot", "preference", map[string]any{
		"player":     "avalonstar",
		"preference": "aggressive",
		"stats":      map[string]any{"gil": 50},
	})
	frames := classify(env, slog.Default())
	require.Len(t, frames, 1)
	assert.Equal(t, "ffbot:preference", frames[0].Type)

	payload := frames[0].Payload.(map[string]any)
	assert.Equal(t, "aggressive", payload["preference"])
	assert.Equal(t, env.Member, payload["member"])
	assert.Equal(t, map[string]any{"gil": float64(50)}, payload["data"])
}

func TestFFBotUnknownSubTypeDropped(t *testing.T) {
	env := testEnvelope(t, "ffbot", "explode", map[string]any{"player": "x"})
	assert.Empty(t, classify(env, slog.Default()))
}

func TestTimelineWorthy(t *testing.T) {
	for _, notice := range []string{
		"sub", "resub", "sub_gift", "community_sub_gift", "gift_paid_upgrade",
		"prime_paid_upgrade", "pay_it_forward", "raid", "bits_badge_tier", "charity_donation",
	} {
		assert.True(t, timelineWorthy(notice), notice)
	}
	for _, notice := range []string{
		"announcement", "unraid", "shared_chat_sub", "shared_chat_raid", "shared_chat_announcement", "",
	} {
		assert.False(t, timelineWorthy(notice), notice)
	}
}
