package intake

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/config"
	"github.com/bryanveloso/synthform-sub000/pkg/store"
	"github.com/bryanveloso/synthform-sub000/test/util"
)

type poolFixture struct {
	pool  *Pool
	store *store.Store
	sub   bus.Subscription
	ctx   context.Context
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	st := store.NewFromDB(util.SetupTestDatabase(t))
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	sub, err := b.Subscribe(ctx, bus.ChannelFFBot)
	require.NoError(t, err)

	cfg := &config.Config{
		Timezone: time.UTC,
		Intake:   &config.IntakeConfig{WorkerCount: 2, QueueSize: 16},
	}
	p := NewPool(cfg, st, b)
	p.Start(ctx)
	t.Cleanup(p.Stop)

	return &poolFixture{pool: p, store: st, sub: sub, ctx: ctx}
}

func (f *poolFixture) enqueue(t *testing.T, body map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, f.pool.Enqueue(raw))
}

func (f *poolFixture) next(t *testing.T) bus.Envelope {
	t.Helper()
	select {
	case msg := <-f.sub.C():
		return msg.Envelope
	case <-time.After(5 * time.Second):
		t.Fatal("no game envelope published")
		return bus.Envelope{}
	}
}

func TestStatsEventUpsertsPlayerAndPublishes(t *testing.T) {
	f := newPoolFixture(t)

	f.enqueue(t, map[string]any{
		"type":         "stats",
		"twitch_id":    "9001",
		"player":       "avalonstar",
		"display_name": "Avalonstar",
		"stats":        map[string]any{"level": 42, "gil": 123456},
	})

	env := f.next(t)
	assert.Equal(t, Source, env.Source)
	assert.Equal(t, "stats", env.EventType)
	require.NotNil(t, env.Member)
	assert.Equal(t, "9001", env.Member.TwitchID)
	assert.Equal(t, "avalonstar", env.Member.Username)

	member, err := f.store.MemberByTwitchID(f.ctx, "9001")
	require.NoError(t, err)

	player, err := f.store.FFBotPlayer(f.ctx, member.ID)
	require.NoError(t, err)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(player.Snapshot, &stats))
	assert.EqualValues(t, 42, stats["level"])
}

func TestSaveEventPublishesWithoutAttribution(t *testing.T) {
	f := newPoolFixture(t)

	f.enqueue(t, map[string]any{
		"type":         "save",
		"player_count": 12,
		"metadata":     map[string]any{"slot": 3},
	})

	env := f.next(t)
	assert.Equal(t, "save", env.EventType)
	assert.Nil(t, env.Member)

	count, ok := env.PayloadString("type")
	require.True(t, ok)
	assert.Equal(t, "save", count)
}

func TestRepeatEventsRefreshSnapshot(t *testing.T) {
	f := newPoolFixture(t)

	f.enqueue(t, map[string]any{
		"type": "stats", "twitch_id": "9002", "player": "cait",
		"stats": map[string]any{"level": 1},
	})
	f.next(t)
	f.enqueue(t, map[string]any{
		"type": "hire", "twitch_id": "9002", "player": "cait",
		"character": "Edgar", "cost": 1500,
		"stats": map[string]any{"level": 2},
	})
	f.next(t)

	member, err := f.store.MemberByTwitchID(f.ctx, "9002")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		player, err := f.store.FFBotPlayer(f.ctx, member.ID)
		if err != nil {
			return false
		}
		var stats map[string]any
		if json.Unmarshal(player.Snapshot, &stats) != nil {
			return false
		}
		level, _ := stats["level"].(float64)
		return level == 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestMalformedEventsAreDropped(t *testing.T) {
	f := newPoolFixture(t)

	require.NoError(t, f.pool.Enqueue(json.RawMessage(`{"no_type":true}`)))
	f.enqueue(t, map[string]any{"type": "save"})

	// The malformed event produced nothing; the save still flows.
	env := f.next(t)
	assert.Equal(t, "save", env.EventType)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	cfg := &config.Config{
		Timezone: time.UTC,
		Intake:   &config.IntakeConfig{WorkerCount: 1, QueueSize: 1},
	}
	// Never started: nothing drains the queue.
	p := NewPool(cfg, nil, bus.NewMemoryBus())

	require.NoError(t, p.Enqueue(json.RawMessage(`{"type":"save"}`)))
	assert.ErrorIs(t, p.Enqueue(json.RawMessage(`{"type":"save"}`)), ErrQueueFull)
	assert.Equal(t, 1, p.Depth())
}
