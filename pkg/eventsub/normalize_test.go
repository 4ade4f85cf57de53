package eventsub

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
)

func notificationFrame(t *testing.T, subType, messageID string, event map[string]any) (frame, notificationPayload) {
	t.Helper()

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var f frame
	f.Metadata.MessageID = messageID
	f.Metadata.MessageType = "notification"
	f.Metadata.MessageTimestamp = time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	f.Metadata.SubscriptionType = subType

	var n notificationPayload
	n.Subscription.Type = subType
	n.Subscription.Version = "1"
	n.Event = raw
	return f, n
}

func TestNormalizeRoutesChatMessages(t *testing.T) {
	f, n := notificationFrame(t, "channel.chat.message", "msg-1", map[string]any{
		"chatter_user_id":    "100",
		"chatter_user_login": "viewer",
		"chatter_user_name":  "Viewer",
		"message":            map[string]any{"text": "hello"},
	})

	channel, env, drop := normalize(f, n)
	require.False(t, drop)
	assert.Equal(t, bus.ChannelChat, channel)
	assert.Equal(t, "channel.chat.message", env.EventType)
	assert.Equal(t, "twitch", env.Source)
	assert.Equal(t, "msg-1", env.EventID)
	require.NotNil(t, env.Member)
	assert.Equal(t, "100", env.Member.TwitchID)
	assert.Equal(t, "viewer", env.Member.Username)
}

func TestNormalizeRoutesEverythingElseToTwitch(t *testing.T) {
	f, n := notificationFrame(t, "channel.cheer", "msg-2", map[string]any{
		"user_id":    "200",
		"user_login": "cheerer",
		"user_name":  "Cheerer",
		"bits":       500,
	})

	channel, env, drop := normalize(f, n)
	require.False(t, drop)
	assert.Equal(t, bus.ChannelTwitch, channel)
	require.NotNil(t, env.Member)
	assert.Equal(t, "200", env.Member.TwitchID)
}

func TestNormalizeDropsCommunityGiftCopies(t *testing.T) {
	f, n := notificationFrame(t, "channel.chat.notification", "msg-3", map[string]any{
		"notice_type": "sub_gift",
		"sub_gift":    map[string]any{"sub_tier": "1000", "community_gift_id": "G1"},
	})

	_, _, drop := normalize(f, n)
	assert.True(t, drop)
}

func TestNormalizeKeepsStandaloneGifts(t *testing.T) {
	f, n := notificationFrame(t, "channel.chat.notification", "msg-4", map[string]any{
		"notice_type": "sub_gift",
		"sub_gift":    map[string]any{"sub_tier": "1000"},
	})

	channel, env, drop := normalize(f, n)
	require.False(t, drop)
	assert.Equal(t, bus.ChannelTwitch, channel)
	assert.Empty(t, env.CommunityGiftID())
}

func TestNormalizeStampsCommunityGiftBatches(t *testing.T) {
	f, n := notificationFrame(t, "channel.chat.notification", "msg-5", map[string]any{
		"notice_type":        "community_sub_gift",
		"chatter_user_id":    "300",
		"chatter_user_login": "generous",
		"community_sub_gift": map[string]any{"id": "G1", "total": 5, "sub_tier": "1000"},
	})

	_, env, drop := normalize(f, n)
	require.False(t, drop)
	assert.Equal(t, "G1", env.CommunityGift)
	assert.Equal(t, "G1", env.CommunityGiftID())

	// The stamp must survive a round trip through the wire format.
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	var decoded bus.Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "G1", decoded.CommunityGiftID())
}

func TestNormalizeDefaultsMissingTimestamp(t *testing.T) {
	f, n := notificationFrame(t, "channel.follow", "msg-6", map[string]any{"user_id": "400"})
	f.Metadata.MessageTimestamp = time.Time{}

	_, env, drop := normalize(f, n)
	require.False(t, drop)
	assert.False(t, env.Timestamp.IsZero())
}

func TestDedupSetEvictsOldestHalf(t *testing.T) {
	d := newDedupSet(4)

	assert.False(t, d.Seen("a"))
	assert.False(t, d.Seen("b"))
	assert.False(t, d.Seen("c"))
	assert.False(t, d.Seen("d"))
	assert.True(t, d.Seen("b"))
	assert.Equal(t, 4, d.Len())

	assert.False(t, d.Seen("e"))
	assert.Equal(t, 3, d.Len())
	assert.False(t, d.Seen("a"), "oldest half was evicted")
	assert.True(t, d.Seen("d"))
}

func TestBuildRequestConditions(t *testing.T) {
	tests := []struct {
		name string
		kind conditionKind
		want map[string]string
	}{
		{
			name: "broadcaster",
			kind: condBroadcaster,
			want: map[string]string{"broadcaster_user_id": "12345"},
		},
		{
			name: "moderator",
			kind: condModerator,
			want: map[string]string{"broadcaster_user_id": "12345", "moderator_user_id": "12345"},
		},
		{
			name: "chat user",
			kind: condUser,
			want: map[string]string{"broadcaster_user_id": "12345", "user_id": "67890"},
		},
		{
			name: "raid target",
			kind: condRaidTo,
			want: map[string]string{"to_broadcaster_user_id": "12345"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := buildRequest(catalogueEntry{Type: "x", Version: "1", Condition: tt.kind},
				"12345", "67890", "sess-1")
			assert.Equal(t, tt.want, req.Condition)
			assert.Equal(t, "sess-1", req.SessionID)
		})
	}
}

func TestBuildRequestChatFallsBackToBroadcaster(t *testing.T) {
	req := buildRequest(catalogueEntry{Type: "channel.chat.message", Version: "1", Condition: condUser},
		"12345", "", "sess-1")
	assert.Equal(t, "12345", req.Condition["user_id"])
}

func TestCatalogueCoversCoreTopics(t *testing.T) {
	types := make(map[string]struct{}, len(catalogue))
	for _, e := range catalogue {
		types[e.Type] = struct{}{}
	}

	for _, required := range []string{
		"stream.online", "stream.offline",
		"channel.subscribe", "channel.cheer", "channel.raid",
		"channel.chat.message", "channel.chat.notification",
		"channel.channel_points_custom_reward_redemption.add",
		"channel.ad_break.begin",
	} {
		_, ok := types[required]
		assert.True(t, ok, "catalogue missing %s", required)
	}
}
