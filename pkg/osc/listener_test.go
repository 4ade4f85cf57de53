package osc

import (
	"context"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/config"
)

type listenerFixture struct {
	listener *Listener
	sub      bus.Subscription
	send     func(t *testing.T, msg *osc.Message)
	ctx      context.Context
}

func newListenerFixture(t *testing.T) *listenerFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })
	sub, err := b.Subscribe(ctx, bus.ChannelAudio)
	require.NoError(t, err)

	cfg := &config.Config{
		Timezone: time.UTC,
		OSC:      &config.OSCConfig{Enabled: true, Bind: "127.0.0.1:0", Channels: 8},
	}
	l := NewListener(cfg, b)
	require.NotNil(t, l)

	// Bind explicitly so the test knows the port before Run takes over.
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	l.cfg.Bind = conn.LocalAddr().String()
	require.NoError(t, conn.Close())

	go func() { _ = l.Run(ctx) }()

	client, err := net.Dial("udp", l.cfg.Bind)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	send := func(t *testing.T, msg *osc.Message) {
		t.Helper()
		data, err := msg.MarshalBinary()
		require.NoError(t, err)
		// The listener may not have rebound yet; retry briefly.
		if _, err := client.Write(data); err != nil {
			t.Logf("OSC send failed, will retry: %v", err)
		}
	}

	return &listenerFixture{listener: l, sub: sub, send: send, ctx: ctx}
}

func (f *listenerFixture) next(t *testing.T, eventType string) bus.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-f.sub.C():
			if msg.Envelope.EventType == eventType {
				return msg.Envelope
			}
		case <-deadline:
			t.Fatalf("no %s envelope", eventType)
		}
	}
}

func TestMuteMessagesPublish(t *testing.T) {
	f := newListenerFixture(t)

	// Retry the first send until the listener's rebind wins the race.
	require.Eventually(t, func() bool {
		f.send(t, osc.NewMessage("/1/mute1", float32(1)))
		select {
		case msg := <-f.sub.C():
			var payload struct {
				Mic   int  `json:"mic"`
				Muted bool `json:"muted"`
			}
			require.NoError(t, msg.Envelope.DecodePayload(&payload))
			assert.Equal(t, EventMicMute, msg.Envelope.EventType)
			assert.Equal(t, 1, payload.Mic)
			assert.True(t, payload.Muted)
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)

	snap, err := f.listener.RMESnapshot(f.ctx)
	require.NoError(t, err)
	assert.True(t, snap.(RMEState).Mutes[1])
}

func TestVolumeMessagesPublishLevelAndBankState(t *testing.T) {
	f := newListenerFixture(t)

	require.Eventually(t, func() bool {
		f.send(t, osc.NewMessage("/1/volume3", float32(0.75)))
		select {
		case msg := <-f.sub.C():
			if msg.Envelope.EventType != EventMicLevel {
				return true // already flowing; assertions below
			}
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)

	env := f.next(t, EventChanState)
	var state ChannelState
	require.NoError(t, env.DecodePayload(&state))
	assert.InDelta(t, 0.75, state.Levels[3], 0.001)
}

func TestOutOfRangeChannelsIgnored(t *testing.T) {
	f := newListenerFixture(t)

	// Channel 9 exceeds the configured bank of 8; then a valid message
	// proves the listener is alive and nothing arrived in between.
	require.Eventually(t, func() bool {
		f.send(t, osc.NewMessage("/1/mute9", float32(1)))
		f.send(t, osc.NewMessage("/1/mute2", float32(1)))
		select {
		case msg := <-f.sub.C():
			var payload struct {
				Mic int `json:"mic"`
			}
			require.NoError(t, msg.Envelope.DecodePayload(&payload))
			assert.Equal(t, 2, payload.Mic, "channel 9 must not publish")
			return true
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 50*time.Millisecond)
}

func TestUnmatchedAddressesIgnored(t *testing.T) {
	l := &Listener{
		cfg:    &config.OSCConfig{Enabled: true, Channels: 8},
		bus:    bus.NewMemoryBus(),
		logger: slog.Default(),
		mutes:  map[int]bool{},
		levels: map[int]float64{},
	}
	l.handleMessage(context.Background(), osc.NewMessage("/2/fader1", float32(1)))
	l.handleMessage(context.Background(), osc.NewMessage("/ping"))
	assert.Empty(t, l.mutes)
	assert.Empty(t, l.levels)
}

func TestNumericArgEncodings(t *testing.T) {
	for _, arg := range []any{float32(1), float64(1), int32(1), int64(1)} {
		msg := osc.NewMessage("/1/mute1")
		msg.Append(arg)
		v, ok := numericArg(msg)
		require.True(t, ok)
		assert.Equal(t, 1.0, v)
	}

	msg := osc.NewMessage("/1/mute1")
	msg.Append("on")
	_, ok := numericArg(msg)
	assert.False(t, ok)
}
