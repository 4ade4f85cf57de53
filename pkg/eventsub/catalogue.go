package eventsub

import "github.com/bryanveloso/synthform-sub000/pkg/twitch"

// conditionKind selects how a subscription's condition object is built from
// the configured identities.
type conditionKind int

const (
	// condBroadcaster: {broadcaster_user_id}.
	condBroadcaster conditionKind = iota
	// condModerator: {broadcaster_user_id, moderator_user_id} — follow v2,
	// shoutouts, ad breaks.
	condModerator
	// condUser: {broadcaster_user_id, user_id} — chat subscriptions.
	condUser
	// condRaidTo: {to_broadcaster_user_id}.
	condRaidTo
)

// catalogueEntry is one subscription the adapter maintains on every session.
type catalogueEntry struct {
	Type      string
	Version   string
	Condition conditionKind
}

// catalogue is the full subscription set, re-registered after every fresh
// welcome. Order matters only for log readability.
var catalogue = []catalogueEntry{
	{"stream.online", "1", condBroadcaster},
	{"stream.offline", "1", condBroadcaster},
	{"channel.update", "2", condBroadcaster},
	{"channel.follow", "2", condModerator},
	{"channel.subscribe", "1", condBroadcaster},
	{"channel.subscription.end", "1", condBroadcaster},
	{"channel.subscription.gift", "1", condBroadcaster},
	{"channel.subscription.message", "1", condBroadcaster},
	{"channel.cheer", "1", condBroadcaster},
	{"channel.raid", "1", condRaidTo},
	{"channel.chat.clear", "1", condUser},
	{"channel.chat.clear_user_messages", "1", condUser},
	{"channel.chat.message", "1", condUser},
	{"channel.chat.notification", "1", condUser},
	{"channel.channel_points_custom_reward.add", "1", condBroadcaster},
	{"channel.channel_points_custom_reward.update", "1", condBroadcaster},
	{"channel.channel_points_custom_reward.remove", "1", condBroadcaster},
	{"channel.channel_points_custom_reward_redemption.add", "1", condBroadcaster},
	{"channel.channel_points_custom_reward_redemption.update", "1", condBroadcaster},
	{"channel.poll.begin", "1", condBroadcaster},
	{"channel.poll.progress", "1", condBroadcaster},
	{"channel.poll.end", "1", condBroadcaster},
	{"channel.prediction.begin", "1", condBroadcaster},
	{"channel.prediction.progress", "1", condBroadcaster},
	{"channel.prediction.lock", "1", condBroadcaster},
	{"channel.prediction.end", "1", condBroadcaster},
	{"channel.charity_campaign.donate", "1", condBroadcaster},
	{"channel.goal.begin", "1", condBroadcaster},
	{"channel.goal.progress", "1", condBroadcaster},
	{"channel.goal.end", "1", condBroadcaster},
	{"channel.shoutout.create", "1", condModerator},
	{"channel.shoutout.receive", "1", condModerator},
	{"channel.vip.add", "1", condBroadcaster},
	{"channel.vip.remove", "1", condBroadcaster},
	{"channel.ad_break.begin", "1", condBroadcaster},
}

// buildRequest materialises a catalogue entry against the configured
// broadcaster and bot identities for the given session.
func buildRequest(e catalogueEntry, broadcasterID, botUserID, sessionID string) twitch.SubscriptionRequest {
	cond := map[string]string{}
	switch e.Condition {
	case condRaidTo:
		cond["to_broadcaster_user_id"] = broadcasterID
	case condModerator:
		cond["broadcaster_user_id"] = broadcasterID
		cond["moderator_user_id"] = broadcasterID
	case condUser:
		cond["broadcaster_user_id"] = broadcasterID
		userID := botUserID
		if userID == "" {
			userID = broadcasterID
		}
		cond["user_id"] = userID
	default:
		cond["broadcaster_user_id"] = broadcasterID
	}
	return twitch.SubscriptionRequest{
		Type:      e.Type,
		Version:   e.Version,
		Condition: cond,
		SessionID: sessionID,
	}
}
