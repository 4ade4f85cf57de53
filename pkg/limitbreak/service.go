package limitbreak

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/config"
	"github.com/bryanveloso/synthform-sub000/pkg/kv"
	"github.com/bryanveloso/synthform-sub000/pkg/tokens"
)

// Bus event types published on events:limitbreak.
const (
	Source        = "limitbreak"
	EventUpdate   = "limitbreak.update"
	EventExecuted = "limitbreak.executed"
)

// rewardRedemption is the platform event type the gauge listens for.
const rewardRedemption = "channel.channel_points_custom_reward_redemption.add"

// RedemptionCounter is the Helix slice the gauge needs. Implemented by
// twitch.Client.
type RedemptionCounter interface {
	GetRedemptionCount(ctx context.Context, accessToken, broadcasterID, rewardID string) (int, error)
}

// TokenSource provides platform credentials. Implemented by tokens.Store.
type TokenSource interface {
	Get(ctx context.Context, service, userID string) (*tokens.Token, error)
}

// Service keeps the gauge count warm in the KV cache and translates
// redemption events into limitbreak frames.
type Service struct {
	cfg           *config.LimitbreakConfig
	broadcasterID string
	helix         RedemptionCounter
	tokens        TokenSource
	kv            *kv.Store
	bus           bus.Bus
	logger        *slog.Logger
}

// NewService creates the gauge service. Returns nil when no reward is
// configured, so callers can skip wiring it.
func NewService(cfg *config.Config, helix RedemptionCounter, tok TokenSource, kvStore *kv.Store, b bus.Bus) *Service {
	if cfg.Limitbreak == nil || cfg.Limitbreak.RewardID == "" {
		return nil
	}
	return &Service{
		cfg:           cfg.Limitbreak,
		broadcasterID: cfg.Twitch.BroadcasterUserID,
		helix:         helix,
		tokens:        tok,
		kv:            kvStore,
		bus:           b,
		logger:        slog.Default().With("component", "limitbreak"),
	}
}

// Count returns the current redemption count: the short-lived cache when
// fresh, otherwise Helix, otherwise the long-lived fallback so a Helix
// outage degrades to stale data instead of an empty gauge.
func (s *Service) Count(ctx context.Context) (int, error) {
	cached, fresh, ok, err := s.kv.LimitbreakCount(ctx, s.cfg.RewardID)
	if err != nil {
		return 0, err
	}
	if fresh {
		return cached, nil
	}

	n, err := s.fetchCount(ctx)
	if err != nil {
		if ok {
			s.logger.Warn("falling back to cached limitbreak count", "error", err)
			return cached, nil
		}
		return 0, err
	}

	if err := s.cacheCount(ctx, n); err != nil {
		s.logger.Warn("failed to cache limitbreak count", "error", err)
	}
	return n, nil
}

// State returns the gauge rendered as bars. Used by the overlay's
// limitbreak:sync snapshot.
func (s *Service) State(ctx context.Context) (*State, error) {
	n, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}
	st := computeState(n, s.cfg.MaxCount)
	return &st, nil
}

// Run consumes reward redemptions from the bus until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	sub, err := s.bus.Subscribe(ctx, bus.ChannelTwitch)
	if err != nil {
		return fmt.Errorf("failed to subscribe for limitbreak events: %w", err)
	}
	defer sub.Close()

	s.logger.Info("limitbreak gauge running", "reward_id", s.cfg.RewardID)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := s.handle(ctx, msg.Envelope); err != nil {
				s.logger.Error("failed to handle redemption", "error", err)
			}
		}
	}
}

func (s *Service) handle(ctx context.Context, env bus.Envelope) error {
	if env.EventType != rewardRedemption {
		return nil
	}

	var payload struct {
		Reward struct {
			ID    string `json:"id"`
			Title string `json:"title"`
		} `json:"reward"`
	}
	if err := env.DecodePayload(&payload); err != nil {
		return err
	}

	switch payload.Reward.ID {
	case s.cfg.RewardID:
		return s.charge(ctx, env.Member)
	case s.cfg.ExecuteRewardID:
		return s.execute(ctx, env.Member)
	}
	return nil
}

// charge bumps the gauge by one redemption and publishes the new state.
func (s *Service) charge(ctx context.Context, member *bus.Member) error {
	n, err := s.Count(ctx)
	if err != nil {
		return err
	}
	n++
	if err := s.cacheCount(ctx, n); err != nil {
		return err
	}
	return s.publish(ctx, EventUpdate, computeState(n, s.cfg.MaxCount), member)
}

// execute fires the gauge at its current charge and resets it.
func (s *Service) execute(ctx context.Context, member *bus.Member) error {
	n, err := s.Count(ctx)
	if err != nil {
		return err
	}
	if err := s.publish(ctx, EventExecuted, computeState(n, s.cfg.MaxCount), member); err != nil {
		return err
	}

	if err := s.cacheCount(ctx, 0); err != nil {
		return err
	}
	return s.publish(ctx, EventUpdate, computeState(0, s.cfg.MaxCount), member)
}

func (s *Service) publish(ctx context.Context, eventType string, state State, member *bus.Member) error {
	env, err := bus.NewEnvelope(Source, eventType, state)
	if err != nil {
		return err
	}
	env.Member = member
	return s.bus.Publish(ctx, bus.ChannelLimitbreak, env)
}

func (s *Service) cacheCount(ctx context.Context, n int) error {
	return s.kv.SetLimitbreakCount(ctx, s.cfg.RewardID, n, s.cfg.CacheTTL, s.cfg.FallbackTTL)
}

// fetchCount pulls the fulfilled-redemption total from Helix.
func (s *Service) fetchCount(ctx context.Context) (int, error) {
	tok, err := s.tokens.Get(ctx, "twitch", s.broadcasterID)
	if err != nil {
		return 0, fmt.Errorf("failed to load credentials for limitbreak: %w", err)
	}

	helixCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.helix.GetRedemptionCount(helixCtx, tok.AccessToken, s.broadcasterID, s.cfg.RewardID)
}
