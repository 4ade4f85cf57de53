package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// MemoryBus is an in-process Bus with the same drop-on-slow-subscriber
// semantics as RedisBus. It backs tests and single-process deployments
// where Redis is not available.
type MemoryBus struct {
	bufferSize int

	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	closed bool
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		bufferSize: DefaultRedisBusConfig().BufferSize,
		subs:       make(map[*memorySubscription]struct{}),
	}
}

// Publish fans the envelope out to every subscription listening on the
// channel. Slow subscribers lose messages instead of blocking the caller.
func (b *MemoryBus) Publish(ctx context.Context, channel string, env Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope for %s: %w", channel, err)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("bus is closed")
	}

	msg := Message{Channel: channel, Envelope: env, Raw: data}
	for sub := range b.subs {
		if !sub.listensTo(channel) {
			continue
		}
		select {
		case sub.out <- msg:
		default:
			slog.Warn("Dropping message for slow subscriber",
				"channel", channel,
				"event_type", env.EventType)
		}
	}
	return nil
}

// Subscribe opens a feed over the given channels.
func (b *MemoryBus) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if len(channels) == 0 {
		return nil, errors.New("subscribe requires at least one channel")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("bus is closed")
	}

	sub := &memorySubscription{
		bus:      b,
		channels: make(map[string]struct{}, len(channels)),
		ordered:  append([]string(nil), channels...),
		out:      make(chan Message, b.bufferSize),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		sub.closeLocked()
	}
	b.subs = make(map[*memorySubscription]struct{})
	return nil
}

type memorySubscription struct {
	bus      *MemoryBus
	channels map[string]struct{}
	ordered  []string
	out      chan Message

	closeOnce sync.Once
}

func (s *memorySubscription) listensTo(channel string) bool {
	_, ok := s.channels[channel]
	return ok
}

func (s *memorySubscription) C() <-chan Message { return s.out }

func (s *memorySubscription) Channels() []string {
	return append([]string(nil), s.ordered...)
}

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs, s)
	s.closeLocked()
	return nil
}

// closeLocked closes the feed channel. Callers hold bus.mu, which also
// serializes against Publish sends.
func (s *memorySubscription) closeLocked() {
	s.closeOnce.Do(func() { close(s.out) })
}
