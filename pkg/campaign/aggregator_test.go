package campaign

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/store"
	"github.com/bryanveloso/synthform-sub000/test/util"
)

type aggFixture struct {
	store *store.Store
	bus   *bus.MemoryBus
	agg   *Aggregator
	sub   bus.Subscription
}

func newAggFixture(t *testing.T) *aggFixture {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping database test in short mode")
	}

	db := util.SetupTestDatabase(t)
	st := store.NewFromDB(db)
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	sub, err := b.Subscribe(context.Background(), bus.ChannelCampaign)
	require.NoError(t, err)

	return &aggFixture{store: st, bus: b, agg: NewAggregator(st, b), sub: sub}
}

func (f *aggFixture) createCampaign(t *testing.T, mutate func(*store.Campaign)) *store.Campaign {
	t.Helper()
	c := &store.Campaign{
		Name:                "Subathon 2026",
		Slug:                "subathon-2026",
		IsActive:            true,
		TimerMode:           true,
		TimerInitialSeconds: 3600,
		SecondsPerSub:       180,
		SecondsPerTier2:     360,
		SecondsPerTier3:     900,
	}
	if mutate != nil {
		mutate(c)
	}
	require.NoError(t, f.store.CreateCampaign(context.Background(), c))
	return c
}

// drain returns every envelope currently queued on the campaign channel.
func (f *aggFixture) drain() []bus.Envelope {
	var out []bus.Envelope
	for {
		select {
		case msg := <-f.sub.C():
			out = append(out, msg.Envelope)
		default:
			return out
		}
	}
}

func decodeUpdate(t *testing.T, env bus.Envelope) UpdatePayload {
	t.Helper()
	var p UpdatePayload
	require.NoError(t, env.DecodePayload(&p))
	return p
}

func TestGiftBurstTalliesOnce(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	f.createCampaign(t, nil)

	_, err := f.agg.StartTimer(ctx)
	require.NoError(t, err)
	f.drain()

	// One community gift of five tier-1 subs arrives as a single batch; the
	// five per-recipient copies were dropped before publication.
	res, err := f.agg.ProcessSubscription(ctx, SubscriptionInput{
		Tier:              1,
		Count:             5,
		IsGift:            true,
		GifterTwitchID:    "501",
		GifterUsername:    "generous",
		GifterDisplayName: "Generous",
	})
	require.NoError(t, err)
	require.True(t, res.Applied())

	assert.Equal(t, 5, res.Metrics.TotalSubs)
	assert.Equal(t, 3600+5*180, res.Metrics.TimerSecondsRemaining)
	assert.Equal(t, 900, res.TimerSecondsAdded)

	envs := f.drain()
	require.Len(t, envs, 1)
	assert.Equal(t, EventUpdate, envs[0].EventType)
	update := decodeUpdate(t, envs[0])
	assert.Equal(t, 5, update.TotalSubs)
	assert.Equal(t, 900, update.TimerSecondsAdded)

	board, err := f.agg.GiftLeaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, "generous", board[0].Member.Username)
	assert.Equal(t, 5, board[0].TotalCount)
}

func TestMilestoneJumpUnlocksEveryCrossed(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	c := f.createCampaign(t, nil)

	for _, threshold := range []int{10, 25, 50} {
		require.NoError(t, f.store.CreateMilestone(ctx, &store.Milestone{
			CampaignID: c.ID,
			Threshold:  threshold,
			Title:      "goal",
		}))
	}

	// 9 singles, then a batch of 16 pushes the total straight to 25.
	for i := 0; i < 9; i++ {
		_, err := f.agg.ProcessSubscription(ctx, SubscriptionInput{Tier: 1})
		require.NoError(t, err)
	}
	f.drain()

	res, err := f.agg.ProcessSubscription(ctx, SubscriptionInput{Tier: 1, Count: 16})
	require.NoError(t, err)
	assert.Equal(t, 25, res.Metrics.TotalSubs)

	require.Len(t, res.Unlocked, 2)
	assert.Equal(t, 25, res.Unlocked[0].Threshold)
	assert.Equal(t, 10, res.Unlocked[1].Threshold)
	for _, m := range res.Unlocked {
		assert.True(t, m.IsUnlocked)
		require.NotNil(t, m.UnlockedAt)
	}

	envs := f.drain()
	require.Len(t, envs, 3) // one update + two milestone frames
	assert.Equal(t, EventUpdate, envs[0].EventType)
	assert.Equal(t, EventMilestone, envs[1].EventType)
	assert.Equal(t, EventMilestone, envs[2].EventType)

	// Crossing the same thresholds again must not re-fire.
	res, err = f.agg.ProcessSubscription(ctx, SubscriptionInput{Tier: 1})
	require.NoError(t, err)
	assert.Empty(t, res.Unlocked)
}

func TestSubsWithoutStartedTimerAddNoSeconds(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	f.createCampaign(t, nil)

	res, err := f.agg.ProcessSubscription(ctx, SubscriptionInput{Tier: 3})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Metrics.TotalSubs)
	assert.Equal(t, 0, res.TimerSecondsAdded)
	assert.Equal(t, 0, res.Metrics.TimerSecondsRemaining)

	envs := f.drain()
	require.Len(t, envs, 1)
	assert.Equal(t, 0, decodeUpdate(t, envs[0]).TimerSecondsAdded)
}

func TestNoActiveCampaignIsNoOp(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()

	res, err := f.agg.ProcessSubscription(ctx, SubscriptionInput{Tier: 1})
	require.NoError(t, err)
	assert.False(t, res.Applied())

	res, err = f.agg.ProcessBits(ctx, 500)
	require.NoError(t, err)
	assert.False(t, res.Applied())

	res, err = f.agg.StartTimer(ctx)
	require.NoError(t, err)
	assert.False(t, res.Applied())

	board, err := f.agg.GiftLeaderboard(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, board)

	assert.Empty(t, f.drain(), "no-ops must not publish")
}

func TestStartTimerSeedsThenExtends(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	f.createCampaign(t, nil)

	res, err := f.agg.StartTimer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3600, res.Metrics.TimerSecondsRemaining)
	require.NotNil(t, res.Metrics.TimerStartedAt)
	assert.Nil(t, res.Metrics.TimerPausedAt)

	res, err = f.agg.StartTimer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7200, res.Metrics.TimerSecondsRemaining)

	envs := f.drain()
	require.Len(t, envs, 2)
	assert.Equal(t, EventTimerStarted, envs[0].EventType)
	assert.Equal(t, EventTimerStarted, envs[1].EventType)
}

func TestPauseTimerEmits(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	f.createCampaign(t, nil)

	_, err := f.agg.StartTimer(ctx)
	require.NoError(t, err)
	f.drain()

	res, err := f.agg.PauseTimer(ctx)
	require.NoError(t, err)
	require.NotNil(t, res.Metrics.TimerPausedAt)

	envs := f.drain()
	require.Len(t, envs, 1)
	assert.Equal(t, EventTimerPaused, envs[0].EventType)
}

func TestTimerOpsRequireTimerMode(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	f.createCampaign(t, func(c *store.Campaign) { c.TimerMode = false })

	_, err := f.agg.StartTimer(ctx)
	assert.ErrorIs(t, err, ErrTimerModeRequired)

	_, err = f.agg.PauseTimer(ctx)
	assert.ErrorIs(t, err, ErrTimerModeRequired)
}

func TestUpdateVoteAccumulates(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	f.createCampaign(t, nil)

	_, err := f.agg.UpdateVote(ctx, "dancer", 1)
	require.NoError(t, err)
	res, err := f.agg.UpdateVote(ctx, "dancer", 2)
	require.NoError(t, err)

	var extra struct {
		Votes map[string]int `json:"ffxiv_votes"`
	}
	require.NoError(t, json.Unmarshal(res.Metrics.Extra, &extra))
	assert.Equal(t, 3, extra.Votes["dancer"])
}

func TestProcessBitsRejectsNegative(t *testing.T) {
	f := newAggFixture(t)
	f.createCampaign(t, nil)

	_, err := f.agg.ProcessBits(context.Background(), -1)
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	c := f.createCampaign(t, nil)
	require.NoError(t, f.store.CreateMilestone(ctx, &store.Milestone{
		CampaignID: c.ID, Threshold: 10, Title: "goal",
	}))

	snap, err := f.agg.Snapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, c.ID, snap.Campaign.ID)
	assert.Equal(t, 0, snap.Metrics.TotalSubs)
	require.Len(t, snap.Milestones, 1)
}

func TestSnapshotWithoutCampaign(t *testing.T) {
	f := newAggFixture(t)

	snap, err := f.agg.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

// --- consumer ---

func notification(t *testing.T, eventID string, payload map[string]any) bus.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return bus.Envelope{
		EventType: "channel.chat.notification",
		Source:    "twitch",
		Timestamp: time.Now().UTC(),
		EventID:   eventID,
		Payload:   raw,
	}
}

func TestConsumerCommunityGiftPolicy(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	f.createCampaign(t, nil)
	consumer := NewConsumer(f.agg, f.bus, "")

	consumer.handle(ctx, notification(t, "evt-1", map[string]any{
		"notice_type":          "community_sub_gift",
		"chatter_user_id":      "501",
		"chatter_user_login":   "generous",
		"chatter_user_name":    "Generous",
		"community_sub_gift":   map[string]any{"id": "G1", "total": 5, "sub_tier": "1000"},
		"chatter_is_anonymous": false,
	}))

	// Per-recipient copies of the same batch carry the community gift id and
	// must not tally again.
	for i := 0; i < 5; i++ {
		consumer.handle(ctx, notification(t, "", map[string]any{
			"notice_type":        "sub_gift",
			"chatter_user_id":    "501",
			"chatter_user_login": "generous",
			"sub_gift":           map[string]any{"sub_tier": "1000", "community_gift_id": "G1"},
		}))
	}

	m := requireMetrics(t, f)
	assert.Equal(t, 5, m.TotalSubs)

	board, err := f.agg.GiftLeaderboard(ctx, 10)
	require.NoError(t, err)
	require.Len(t, board, 1)
	assert.Equal(t, 5, board[0].TotalCount)
}

func TestConsumerDeduplicatesByEventID(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	f.createCampaign(t, nil)
	consumer := NewConsumer(f.agg, f.bus, "")

	env := notification(t, "evt-dup", map[string]any{
		"notice_type": "sub",
		"sub":         map[string]any{"sub_tier": "1000"},
	})
	consumer.handle(ctx, env)
	consumer.handle(ctx, env)

	assert.Equal(t, 1, requireMetrics(t, f).TotalSubs)
}

func TestConsumerSkipsGiftedChannelSubscribe(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	f.createCampaign(t, nil)
	consumer := NewConsumer(f.agg, f.bus, "")

	raw, err := json.Marshal(map[string]any{"tier": "1000", "is_gift": true})
	require.NoError(t, err)
	consumer.handle(ctx, bus.Envelope{
		EventType: "channel.subscribe",
		Source:    "twitch",
		EventID:   "evt-gifted",
		Payload:   raw,
	})

	assert.Equal(t, 0, requireMetrics(t, f).TotalSubs)
}

func TestConsumerVoteRedemption(t *testing.T) {
	f := newAggFixture(t)
	ctx := context.Background()
	f.createCampaign(t, nil)
	consumer := NewConsumer(f.agg, f.bus, "reward-vote")

	raw, err := json.Marshal(map[string]any{
		"user_input": " Dancer ",
		"reward":     map[string]any{"id": "reward-vote", "title": "FFXIV Job Vote"},
	})
	require.NoError(t, err)
	consumer.handle(ctx, bus.Envelope{
		EventType: "channel.channel_points_custom_reward_redemption.add",
		Source:    "twitch",
		EventID:   "evt-vote",
		Payload:   raw,
	})

	var extra struct {
		Votes map[string]int `json:"ffxiv_votes"`
	}
	require.NoError(t, json.Unmarshal(requireMetrics(t, f).Extra, &extra))
	assert.Equal(t, 1, extra.Votes["dancer"])

	// A different reward is ignored.
	raw, err = json.Marshal(map[string]any{
		"user_input": "dancer",
		"reward":     map[string]any{"id": "reward-other", "title": "Hydrate"},
	})
	require.NoError(t, err)
	consumer.handle(ctx, bus.Envelope{
		EventType: "channel.channel_points_custom_reward_redemption.add",
		Source:    "twitch",
		EventID:   "evt-other",
		Payload:   raw,
	})

	require.NoError(t, json.Unmarshal(requireMetrics(t, f).Extra, &extra))
	assert.Equal(t, 1, extra.Votes["dancer"])
}

func requireMetrics(t *testing.T, f *aggFixture) *store.Metrics {
	t.Helper()
	c, err := f.store.ActiveCampaign(context.Background())
	require.NoError(t, err)
	m, err := f.store.Metrics(context.Background(), c.ID)
	require.NoError(t, err)
	return m
}
