package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveOne(t *testing.T, sub Subscription) Message {
	t.Helper()
	select {
	case msg, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func TestMemoryBusDeliversToSubscribedChannel(t *testing.T) {
	b := NewMemoryBus()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, ChannelTwitch, ChannelOBS)
	require.NoError(t, err)

	env, err := NewEnvelope("twitch", "channel.follow", map[string]any{"user_name": "ixis"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, ChannelTwitch, env))

	msg := receiveOne(t, sub)
	assert.Equal(t, ChannelTwitch, msg.Channel)
	assert.Equal(t, "channel.follow", msg.Envelope.EventType)
	assert.NotEmpty(t, msg.Raw)
}

func TestMemoryBusSkipsOtherChannels(t *testing.T) {
	b := NewMemoryBus()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, ChannelMusic)
	require.NoError(t, err)

	env, err := NewEnvelope("twitch", "channel.follow", nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, ChannelTwitch, env))

	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected message on %s feed: %+v", ChannelMusic, msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusFanout(t *testing.T) {
	b := NewMemoryBus()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	first, err := b.Subscribe(ctx, ChannelCampaign)
	require.NoError(t, err)
	second, err := b.Subscribe(ctx, ChannelCampaign)
	require.NoError(t, err)

	env, err := NewEnvelope("campaign", "timer_started", nil)
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, ChannelCampaign, env))

	assert.Equal(t, "timer_started", receiveOne(t, first).Envelope.EventType)
	assert.Equal(t, "timer_started", receiveOne(t, second).Envelope.EventType)
}

func TestMemoryBusDropsWhenSubscriberIsFull(t *testing.T) {
	b := NewMemoryBus()
	b.bufferSize = 1
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, ChannelTwitch)
	require.NoError(t, err)

	env, err := NewEnvelope("twitch", "channel.cheer", nil)
	require.NoError(t, err)

	// Publish must never block, even with nobody draining the feed.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			_ = b.Publish(ctx, ChannelTwitch, env)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	// The single buffered message is still deliverable.
	msg := receiveOne(t, sub)
	assert.Equal(t, "channel.cheer", msg.Envelope.EventType)
}

func TestMemoryBusCloseEndsFeeds(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, ChannelStatus)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	select {
	case _, ok := <-sub.C():
		assert.False(t, ok, "feed should be closed")
	case <-time.After(time.Second):
		t.Fatal("feed not closed after bus shutdown")
	}

	_, err = b.Subscribe(ctx, ChannelStatus)
	assert.Error(t, err, "subscribe after close must fail")

	env, _ := NewEnvelope("status", "status_changed", nil)
	assert.Error(t, b.Publish(ctx, ChannelStatus, env))
}

func TestMemoryBusSubscriptionClose(t *testing.T) {
	b := NewMemoryBus()
	defer func() { _ = b.Close() }()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, ChannelTwitch)
	require.NoError(t, err)
	assert.Equal(t, []string{ChannelTwitch}, sub.Channels())

	require.NoError(t, sub.Close())

	_, ok := <-sub.C()
	assert.False(t, ok)

	// Publishing after the subscription closed must not panic.
	env, _ := NewEnvelope("twitch", "channel.follow", nil)
	assert.NoError(t, b.Publish(ctx, ChannelTwitch, env))
}

func TestEventChannelsCoverEveryAdapter(t *testing.T) {
	channels := EventChannels()
	assert.Contains(t, channels, ChannelTwitch)
	assert.Contains(t, channels, ChannelFFBot)
	assert.Contains(t, channels, ChannelIronmon)
	assert.NotContains(t, channels, ChannelBotAds, "bot:ads is for the chat bot, not the overlay")
	assert.Len(t, channels, 11)
}
