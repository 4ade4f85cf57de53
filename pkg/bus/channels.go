// Package bus carries the event envelope format and the Redis pub/sub
// fabric that connects producers (EventSub, OBS, music, ironmon, ffbot,
// scheduler) to consumers (campaign aggregator, overlay fan-out, chat bot).
package bus

// Event channels. Producers publish to exactly one channel; the overlay
// multiplexer subscribes to all of them.
const (
	ChannelTwitch     = "events:twitch"
	ChannelOBS        = "events:obs"
	ChannelLimitbreak = "events:limitbreak"
	ChannelMusic      = "events:music"
	ChannelStatus     = "events:status"
	ChannelChat       = "events:chat"
	ChannelAudio      = "events:audio"
	ChannelCampaign   = "events:campaign"
	ChannelAds        = "events:ads"
	ChannelFFBot      = "events:games:ffbot"
	ChannelIronmon    = "events:games:ironmon"
)

// ChannelBotAds carries ad-break notices for the chat bot rather than the
// overlay, so countdowns can be relayed to viewers in chat.
const ChannelBotAds = "bot:ads"

// EventChannels returns every events:* channel in a stable order. The
// overlay multiplexer subscribes to this full set.
func EventChannels() []string {
	return []string{
		ChannelTwitch,
		ChannelOBS,
		ChannelLimitbreak,
		ChannelMusic,
		ChannelStatus,
		ChannelChat,
		ChannelAudio,
		ChannelCampaign,
		ChannelAds,
		ChannelFFBot,
		ChannelIronmon,
	}
}
