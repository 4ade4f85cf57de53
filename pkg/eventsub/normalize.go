package eventsub

import (
	"encoding/json"
	"time"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
)

// frame is one raw EventSub websocket message.
type frame struct {
	Metadata struct {
		MessageID        string    `json:"message_id"`
		MessageType      string    `json:"message_type"`
		MessageTimestamp time.Time `json:"message_timestamp"`
		SubscriptionType string    `json:"subscription_type"`
	} `json:"metadata"`
	Payload json.RawMessage `json:"payload"`
}

// sessionPayload is the body of session_welcome and session_reconnect.
type sessionPayload struct {
	Session struct {
		ID                      string `json:"id"`
		Status                  string `json:"status"`
		KeepaliveTimeoutSeconds int    `json:"keepalive_timeout_seconds"`
		ReconnectURL            string `json:"reconnect_url"`
	} `json:"session"`
}

// notificationPayload is the body of a notification frame.
type notificationPayload struct {
	Subscription struct {
		Type    string `json:"type"`
		Version string `json:"version"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// revocationPayload is the body of a revocation frame.
type revocationPayload struct {
	Subscription struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
}

// eventIdentity is the subset of payload fields used for member extraction
// and the community-gift policy. Everything else stays raw.
type eventIdentity struct {
	UserID    string `json:"user_id"`
	UserLogin string `json:"user_login"`
	UserName  string `json:"user_name"`

	ChatterUserID    string `json:"chatter_user_id"`
	ChatterUserLogin string `json:"chatter_user_login"`
	ChatterUserName  string `json:"chatter_user_name"`

	NoticeType string `json:"notice_type"`
	SubGift    *struct {
		CommunityGiftID string `json:"community_gift_id"`
	} `json:"sub_gift"`
	CommunitySubGift *struct {
		ID string `json:"id"`
	} `json:"community_sub_gift"`
}

// normalize converts one notification into its bus channel and envelope.
// drop is true for events the gift policy removes from the stream entirely.
func normalize(f frame, n notificationPayload) (channel string, env bus.Envelope, drop bool) {
	var id eventIdentity
	// Identity extraction is best-effort; an undecodable payload still
	// publishes, just unattributed.
	_ = json.Unmarshal(n.Event, &id)

	if n.Subscription.Type == "channel.chat.notification" {
		switch id.NoticeType {
		case "sub_gift":
			// Per-recipient copy of a community gift: the batch event
			// already carried the full total.
			if id.SubGift != nil && id.SubGift.CommunityGiftID != "" {
				return "", bus.Envelope{}, true
			}
		case "community_sub_gift":
			if id.CommunitySubGift != nil {
				env.CommunityGift = id.CommunitySubGift.ID
			}
		}
	}

	env.EventType = n.Subscription.Type
	env.Source = "twitch"
	env.Timestamp = f.Metadata.MessageTimestamp
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	env.Payload = n.Event
	env.EventID = f.Metadata.MessageID
	env.Member = extractMember(id)

	channel = bus.ChannelTwitch
	if n.Subscription.Type == "channel.chat.message" {
		channel = bus.ChannelChat
	}
	return channel, env, false
}

// extractMember attributes the event to a viewer when the payload names one.
// Chat events identify the chatter; everything else uses the user fields.
func extractMember(id eventIdentity) *bus.Member {
	if id.ChatterUserID != "" {
		return &bus.Member{
			TwitchID:    id.ChatterUserID,
			Username:    id.ChatterUserLogin,
			DisplayName: id.ChatterUserName,
		}
	}
	if id.UserID != "" {
		return &bus.Member{
			TwitchID:    id.UserID,
			Username:    id.UserLogin,
			DisplayName: id.UserName,
		}
	}
	return nil
}
