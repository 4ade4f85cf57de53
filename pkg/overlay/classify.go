package overlay

import (
	"log/slog"
	"strings"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
)

// Producer sources with dedicated routing.
const (
	sourceFFBot    = "ffbot"
	sourceCampaign = "campaign"
	sourceOBS      = "obs"
)

// frameCampaignSync is special-cased: the dispatcher replaces its payload
// with a fresh campaign snapshot before delivery.
const frameCampaignSync = LayerCampaign + ":sync"

// timelineNotices is the set of chat-notification notice types worth a
// timeline/base/alerts append. Announcements, unraids, and every
// shared-chat variant stay off the overlays.
var timelineNotices = map[string]struct{}{
	"sub":                {},
	"resub":              {},
	"sub_gift":           {},
	"community_sub_gift": {},
	"gift_paid_upgrade":  {},
	"prime_paid_upgrade": {},
	"pay_it_forward":     {},
	"raid":               {},
	"bits_badge_tier":    {},
	"charity_donation":   {},
}

func timelineWorthy(noticeType string) bool {
	if strings.HasPrefix(noticeType, "shared_chat_") {
		return false
	}
	_, ok := timelineNotices[noticeType]
	return ok
}

// classify maps one bus envelope onto zero or more overlay frames.
// Envelopes no layer cares about produce no frames.
func classify(env bus.Envelope, logger *slog.Logger) []outbound {
	switch env.Source {
	case sourceFFBot:
		return ffbotFrames(env, logger)
	case sourceCampaign:
		// Aggregator event types are already "campaign:<verb>".
		return []outbound{{Type: env.EventType, Payload: env.Payload}}
	case sourceOBS:
		out := []outbound{{Type: "obs:update", Payload: env.Payload}}
		if env.EventType == "obs.scene.changed" {
			out = append(out, outbound{Type: "base:obs_scene_changed", Payload: env.Payload})
		}
		return out
	}

	switch env.EventType {
	case "limitbreak.update":
		return []outbound{{Type: "limitbreak:update", Payload: env.Payload}}
	case "limitbreak.executed":
		return []outbound{{Type: "limitbreak:executed", Payload: env.Payload}}
	case "music.update":
		return []outbound{{Type: "music:update", Payload: env.Payload}}
	case "music.sync":
		return []outbound{{Type: "music:sync", Payload: env.Payload}}
	case "status.update":
		return []outbound{{Type: "status:update", Payload: env.Payload}}
	case "audio.mic.mute", "audio.mic.level":
		return []outbound{{Type: "audio:rme:update", Payload: env.Payload}}
	case "audio.channels.update":
		return []outbound{{Type: "audio:channels:update", Payload: env.Payload}}
	case "channel.chat.message":
		return []outbound{{Type: "chat:message", Payload: env.Payload}}
	case "channel.follow", "channel.cheer":
		return interactionFrames(env)
	case "channel.chat.notification":
		notice, _ := env.PayloadString("notice_type")
		if !timelineWorthy(notice) {
			return nil
		}
		return interactionFrames(env)
	}
	return nil
}

// interactionFrames fans a viewer interaction out to the timeline, base,
// and alerts layers.
func interactionFrames(env bus.Envelope) []outbound {
	payload := map[string]any{
		"event_type": env.EventType,
		"member":     env.Member,
		"data":       env.Payload,
		"timestamp":  env.Timestamp,
	}
	return []outbound{
		{Type: "timeline:push", Payload: payload},
		{Type: "base:update", Payload: payload},
		{Type: "alerts:push", Payload: payload},
	}
}

// knownFFBot lists the game sub-types with a client-shaped payload.
// stats/hire/change/save carry dedicated shapes; the rest pass through.
var knownFFBot = map[string]struct{}{
	"stats":      {},
	"hire":       {},
	"change":     {},
	"save":       {},
	"preference": {},
}

// ffbotFrames builds the ffbot layer frame for a game event. Unknown
// sub-types are logged and dropped.
func ffbotFrames(env bus.Envelope, logger *slog.Logger) []outbound {
	if _, ok := knownFFBot[env.EventType]; !ok {
		logger.Warn("dropping unknown ffbot event", "event_type", env.EventType)
		return nil
	}

	var fields map[string]any
	if err := env.DecodePayload(&fields); err != nil {
		logger.Warn("malformed ffbot payload", "event_type", env.EventType, "error", err)
		return nil
	}

	frameType := "ffbot:" + env.EventType
	switch env.EventType {
	case "stats":
		return []outbound{{Type: frameType, Payload: map[string]any{
			"player":    fields["player"],
			"member":    env.Member,
			"data":      env.Payload,
			"timestamp": env.Timestamp,
		}}}
	case "hire":
		return []outbound{{Type: frameType, Payload: map[string]any{
			"player":    fields["player"],
			"member":    env.Member,
			"character": fields["character"],
			"cost":      fields["cost"],
			"data":      fields["stats"],
			"timestamp": env.Timestamp,
		}}}
	case "change":
		return []outbound{{Type: frameType, Payload: map[string]any{
			"player":    fields["player"],
			"member":    env.Member,
			"from":      fields["from"],
			"to":        fields["to"],
			"data":      fields["stats"],
			"timestamp": env.Timestamp,
		}}}
	case "save":
		return []outbound{{Type: frameType, Payload: map[string]any{
			"player_count": fields["player_count"],
			"metadata":     fields["metadata"],
			"timestamp":    env.Timestamp,
		}}}
	}

	// Remaining known sub-types pass the raw fields through alongside the
	// standard attribution keys.
	payload := make(map[string]any, len(fields)+4)
	for k, v := range fields {
		payload[k] = v
	}
	payload["player"] = fields["player"]
	payload["member"] = env.Member
	payload["data"] = fields["stats"]
	payload["timestamp"] = env.Timestamp
	return []outbound{{Type: frameType, Payload: payload}}
}
