package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBusConfig tunes publish timeouts and per-subscription buffering.
type RedisBusConfig struct {
	PublishTimeout time.Duration
	BufferSize     int
}

// DefaultRedisBusConfig returns production defaults.
func DefaultRedisBusConfig() RedisBusConfig {
	return RedisBusConfig{
		PublishTimeout: 5 * time.Second,
		BufferSize:     256,
	}
}

// RedisBus implements Bus over Redis pub/sub. The underlying client is
// owned by the caller and shared with the KV facade; Close stops
// subscriptions without closing the client.
type RedisBus struct {
	rdb    *redis.Client
	config RedisBusConfig

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewRedisBus creates a bus over an existing Redis client.
func NewRedisBus(rdb *redis.Client, cfg ...RedisBusConfig) *RedisBus {
	config := DefaultRedisBusConfig()
	if len(cfg) > 0 {
		config = cfg[0]
	}
	return &RedisBus{
		rdb:    rdb,
		config: config,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

// Publish marshals the envelope and publishes it to the channel. Failures
// are returned to the caller; publishing is fire-and-forget with respect to
// subscribers (Redis pub/sub has no delivery guarantee).
func (b *RedisBus) Publish(ctx context.Context, channel string, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for %s: %w", channel, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.config.PublishTimeout)
	defer cancel()

	if err := b.rdb.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on the given channels. The returned feed
// is buffered; when a consumer falls behind, messages are dropped with a
// warning rather than blocking the pump.
func (b *RedisBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("subscribe requires at least one channel")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.New("bus is closed")
	}
	b.mu.Unlock()

	pubsub := b.rdb.Subscribe(ctx, channels...)

	// Wait for the subscription confirmation so a publish immediately after
	// Subscribe returns is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to confirm subscription: %w", err)
	}

	pumpCtx, cancel := context.WithCancel(context.Background())
	sub := &redisSubscription{
		bus:      b,
		pubsub:   pubsub,
		channels: append([]string(nil), channels...),
		out:      make(chan Message, b.config.BufferSize),
		cancel:   cancel,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		_ = pubsub.Close()
		return nil, errors.New("bus is closed")
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	b.wg.Add(1)
	go b.pump(pumpCtx, sub)

	slog.Info("Bus subscription opened", "channels", channels)
	return sub, nil
}

// pump moves messages from the Redis connection to the subscriber feed.
// go-redis reconnects the pub/sub connection internally; the pump only ends
// on Close.
func (b *RedisBus) pump(ctx context.Context, sub *redisSubscription) {
	defer b.wg.Done()
	defer func() {
		sub.closeOnce.Do(func() {
			if err := sub.pubsub.Close(); err != nil {
				slog.Error("Failed to close pubsub connection", "error", err)
			}
		})
		close(sub.out)

		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()

		slog.Info("Bus subscription closed", "channels", sub.channels)
	}()

	ch := sub.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				slog.Warn("Dropping malformed envelope",
					"channel", msg.Channel,
					"error", err)
				continue
			}

			select {
			case sub.out <- Message{Channel: msg.Channel, Envelope: env, Raw: []byte(msg.Payload)}:
			default:
				slog.Warn("Dropping message for slow subscriber",
					"channel", msg.Channel,
					"event_type", env.EventType)
			}
		}
	}
}

// Close ends every subscription and waits for the pumps to finish. The
// Redis client itself stays open for other users.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	local := make([]*redisSubscription, 0, len(b.subs))
	for sub := range b.subs {
		local = append(local, sub)
	}
	b.mu.Unlock()

	for _, sub := range local {
		sub.cancel()
	}
	b.wg.Wait()

	slog.Info("Redis bus closed", "subscriptions", len(local))
	return nil
}

type redisSubscription struct {
	bus       *RedisBus
	pubsub    *redis.PubSub
	channels  []string
	out       chan Message
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *redisSubscription) C() <-chan Message { return s.out }

func (s *redisSubscription) Channels() []string {
	return append([]string(nil), s.channels...)
}

// Close stops the pump; C is closed once the pump drains.
func (s *redisSubscription) Close() error {
	s.cancel()
	return nil
}
