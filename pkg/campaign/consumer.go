package campaign

import (
	"context"
	"log/slog"
	"strings"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
)

// seenCap bounds the consumer's event-id dedup set. On overflow the oldest
// half is evicted, so a replayed burst inside the retention window is still
// caught.
const seenCap = 1000

// seenSet is an insertion-ordered set of event IDs with bounded memory.
// Not safe for concurrent use; the consumer is single-goroutine.
type seenSet struct {
	max   int
	order []string
	ids   map[string]struct{}
}

func newSeenSet(max int) *seenSet {
	return &seenSet{max: max, ids: make(map[string]struct{}, max)}
}

// Seen reports whether id was observed before, recording it either way.
func (s *seenSet) Seen(id string) bool {
	if _, ok := s.ids[id]; ok {
		return true
	}
	if len(s.order) >= s.max {
		drop := s.order[:s.max/2]
		for _, old := range drop {
			delete(s.ids, old)
		}
		s.order = append(s.order[:0], s.order[s.max/2:]...)
	}
	s.ids[id] = struct{}{}
	s.order = append(s.order, id)
	return false
}

// Consumer maps platform events from the bus onto aggregator operations.
type Consumer struct {
	agg          *Aggregator
	bus          bus.Bus
	voteRewardID string
	seen         *seenSet
	logger       *slog.Logger
}

// NewConsumer creates the bus consumer feeding the aggregator.
// voteRewardID may be empty, which disables vote counting.
func NewConsumer(agg *Aggregator, b bus.Bus, voteRewardID string) *Consumer {
	return &Consumer{
		agg:          agg,
		bus:          b,
		voteRewardID: voteRewardID,
		seen:         newSeenSet(seenCap),
		logger:       slog.Default().With("component", "campaign-consumer"),
	}
}

// Run subscribes to the platform channels and processes events until the
// context is cancelled or the bus shuts down. Individual event failures are
// logged and skipped; the loop keeps going.
func (c *Consumer) Run(ctx context.Context) error {
	sub, err := c.bus.Subscribe(ctx, bus.ChannelTwitch, bus.ChannelChat)
	if err != nil {
		return err
	}
	defer sub.Close()

	c.logger.Info("Campaign consumer started", "channels", sub.Channels())

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			c.handle(ctx, msg.Envelope)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, env bus.Envelope) {
	if env.EventID != "" && c.seen.Seen(env.EventID) {
		return
	}

	var err error
	switch env.EventType {
	case "channel.subscribe":
		err = c.handleSubscribe(ctx, env)
	case "channel.cheer":
		err = c.handleCheer(ctx, env)
	case "channel.chat.notification":
		err = c.handleChatNotification(ctx, env)
	case "channel.channel_points_custom_reward_redemption.add":
		err = c.handleRedemption(ctx, env)
	default:
		return
	}
	if err != nil {
		c.logger.Error("Failed to process campaign event",
			"event_type", env.EventType, "event_id", env.EventID, "error", err)
	}
}

func (c *Consumer) handleSubscribe(ctx context.Context, env bus.Envelope) error {
	var p struct {
		Tier   string `json:"tier"`
		IsGift bool   `json:"is_gift"`
	}
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	// Gifted subs arrive through chat notifications with gifter attribution;
	// counting the channel.subscribe copy would double them.
	if p.IsGift {
		return nil
	}

	_, err := c.agg.ProcessSubscription(ctx, SubscriptionInput{Tier: parseTier(p.Tier)})
	return err
}

func (c *Consumer) handleCheer(ctx context.Context, env bus.Envelope) error {
	var p struct {
		Bits int `json:"bits"`
	}
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	_, err := c.agg.ProcessBits(ctx, p.Bits)
	return err
}

func (c *Consumer) handleChatNotification(ctx context.Context, env bus.Envelope) error {
	var p struct {
		NoticeType    string `json:"notice_type"`
		ChatterUserID string `json:"chatter_user_id"`
		ChatterLogin  string `json:"chatter_user_login"`
		ChatterName   string `json:"chatter_user_name"`
		ChatterIsAnon bool   `json:"chatter_is_anonymous"`
		Sub           *struct {
			SubTier string `json:"sub_tier"`
		} `json:"sub"`
		SubGift *struct {
			SubTier         string `json:"sub_tier"`
			CommunityGiftID string `json:"community_gift_id"`
		} `json:"sub_gift"`
		CommunitySubGift *struct {
			ID      string `json:"id"`
			Total   int    `json:"total"`
			SubTier string `json:"sub_tier"`
		} `json:"community_sub_gift"`
	}
	if err := env.DecodePayload(&p); err != nil {
		return err
	}

	switch p.NoticeType {
	case "sub":
		tier := 1
		if p.Sub != nil {
			tier = parseTier(p.Sub.SubTier)
		}
		_, err := c.agg.ProcessSubscription(ctx, SubscriptionInput{Tier: tier})
		return err

	case "resub":
		_, err := c.agg.ProcessResub(ctx)
		return err

	case "sub_gift":
		// Per-recipient copies of a community gift are dropped upstream;
		// mirror that here in case an unfiltered producer slips one through.
		if env.CommunityGiftID() != "" {
			return nil
		}
		if p.SubGift != nil && p.SubGift.CommunityGiftID != "" {
			return nil
		}
		in := SubscriptionInput{Tier: 1, IsGift: true}
		if p.SubGift != nil {
			in.Tier = parseTier(p.SubGift.SubTier)
		}
		if !p.ChatterIsAnon {
			in.GifterTwitchID = p.ChatterUserID
			in.GifterUsername = p.ChatterLogin
			in.GifterDisplayName = p.ChatterName
		}
		_, err := c.agg.ProcessSubscription(ctx, in)
		return err

	case "community_sub_gift":
		if p.CommunitySubGift == nil {
			return nil
		}
		in := SubscriptionInput{
			Tier:   parseTier(p.CommunitySubGift.SubTier),
			Count:  p.CommunitySubGift.Total,
			IsGift: true,
		}
		if !p.ChatterIsAnon {
			in.GifterTwitchID = p.ChatterUserID
			in.GifterUsername = p.ChatterLogin
			in.GifterDisplayName = p.ChatterName
		}
		_, err := c.agg.ProcessSubscription(ctx, in)
		return err
	}
	return nil
}

func (c *Consumer) handleRedemption(ctx context.Context, env bus.Envelope) error {
	if c.voteRewardID == "" {
		return nil
	}

	var p struct {
		UserInput string `json:"user_input"`
		Reward    struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"reward"`
	}
	if err := env.DecodePayload(&p); err != nil {
		return err
	}
	if p.Reward.ID != c.voteRewardID {
		return nil
	}

	option := strings.ToLower(strings.TrimSpace(p.UserInput))
	if option == "" {
		option = strings.ToLower(strings.TrimSpace(p.Reward.Title))
	}
	if option == "" {
		return nil
	}

	_, err := c.agg.UpdateVote(ctx, option, 1)
	return err
}
