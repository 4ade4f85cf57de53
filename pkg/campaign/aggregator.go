// Package campaign turns viewer interactions into campaign state: sub and
// bit tallies, gift leaderboards, milestone unlocks, and the subathon
// countdown. Every mutation runs in one database transaction against the
// active campaign and emits envelopes on the campaign channel.
package campaign

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/store"
)

// Source identifies aggregator emissions on the bus.
const Source = "campaign"

// Emitted event types.
const (
	EventUpdate       = "campaign:update"
	EventMilestone    = "campaign:milestone"
	EventTimerStarted = "campaign:timer:started"
	EventTimerPaused  = "campaign:timer:paused"
	EventSync         = "campaign:sync"
)

// ErrTimerModeRequired is returned by timer operations on a campaign that
// was not configured with a countdown.
var ErrTimerModeRequired = errors.New("campaign is not in timer mode")

// SubscriptionInput describes one subscription (or a community-gift batch)
// to tally.
type SubscriptionInput struct {
	Tier   int // 1..3
	Count  int // batch size; 0 and 1 both mean a single sub
	IsGift bool

	// Gifter identity, when the platform exposes it. Anonymous gifts tally
	// subs but produce no leaderboard row.
	GifterTwitchID    string
	GifterUsername    string
	GifterDisplayName string
}

// Result reports what one aggregator operation changed. A Result with a nil
// Campaign means no campaign was active and the operation was a no-op.
type Result struct {
	Campaign          *store.Campaign
	Metrics           *store.Metrics
	TimerSecondsAdded int
	Unlocked          []store.Milestone
}

// Applied reports whether the operation found an active campaign to mutate.
func (r *Result) Applied() bool { return r != nil && r.Campaign != nil }

// Aggregator applies interaction events to the active campaign.
type Aggregator struct {
	store  *store.Store
	bus    bus.Bus
	logger *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewAggregator creates a campaign aggregator.
func NewAggregator(st *store.Store, b bus.Bus) *Aggregator {
	return &Aggregator{
		store:  st,
		bus:    b,
		logger: slog.Default().With("component", "campaign"),
		now:    time.Now,
	}
}

// ProcessSubscription tallies a subscription, extends the subathon timer
// when it is running, records the gifter's contribution, and unlocks every
// milestone the new total has crossed.
func (a *Aggregator) ProcessSubscription(ctx context.Context, in SubscriptionInput) (*Result, error) {
	c, err := a.activeCampaign(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return &Result{}, nil
	}

	count := in.Count
	if count < 1 {
		count = 1
	}

	var gifter *store.Member
	if in.IsGift && in.GifterTwitchID != "" {
		gifter, err = a.store.UpsertMember(ctx, in.GifterTwitchID, in.GifterUsername, in.GifterDisplayName)
		if err != nil {
			return nil, fmt.Errorf("failed to upsert gifter: %w", err)
		}
	}

	res := &Result{Campaign: c}
	err = a.store.WithTx(ctx, func(tx *stdsql.Tx) error {
		m, err := a.store.MetricsForUpdate(ctx, tx, c.ID)
		if err != nil {
			return err
		}

		added := timerAddition(c, m, in.Tier, count)
		m, err = a.store.ApplyMetricsDelta(ctx, tx, c.ID, store.MetricsDelta{
			Subs:              count,
			TimerSecondsAdded: added,
		})
		if err != nil {
			return err
		}

		if gifter != nil {
			if _, err := a.store.RecordGift(ctx, tx, c.ID, gifter.ID, in.Tier, count, a.now()); err != nil {
				return err
			}
		}

		unlocked, err := a.unlockCrossedMilestones(ctx, tx, c.ID, m.TotalSubs)
		if err != nil {
			return err
		}

		res.Metrics = m
		res.TimerSecondsAdded = added
		res.Unlocked = unlocked
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.emitUpdate(ctx, res)
	for i := range res.Unlocked {
		a.emit(ctx, EventMilestone, res.Unlocked[i])
	}
	return res, nil
}

// ProcessResub tallies a resubscription. Resubs never extend the timer.
func (a *Aggregator) ProcessResub(ctx context.Context) (*Result, error) {
	return a.applyDelta(ctx, store.MetricsDelta{Resubs: 1})
}

// ProcessBits tallies a cheer.
func (a *Aggregator) ProcessBits(ctx context.Context, bits int) (*Result, error) {
	if bits < 0 {
		return nil, fmt.Errorf("bits must be non-negative, got %d", bits)
	}
	return a.applyDelta(ctx, store.MetricsDelta{Bits: bits})
}

// UpdateVote adds votes for an option in the campaign's poll tally.
func (a *Aggregator) UpdateVote(ctx context.Context, option string, votes int) (*Result, error) {
	c, err := a.activeCampaign(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return &Result{}, nil
	}

	res := &Result{Campaign: c}
	err = a.store.WithTx(ctx, func(tx *stdsql.Tx) error {
		if _, err := a.store.MetricsForUpdate(ctx, tx, c.ID); err != nil {
			return err
		}
		m, err := a.store.AddVote(ctx, tx, c.ID, option, votes)
		if err != nil {
			return err
		}
		res.Metrics = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.emitUpdate(ctx, res)
	return res, nil
}

// StartTimer starts the subathon countdown, or extends a running one by the
// campaign's initial seconds. Requires timer mode.
func (a *Aggregator) StartTimer(ctx context.Context) (*Result, error) {
	return a.timerOp(ctx, EventTimerStarted, func(tx *stdsql.Tx, c *store.Campaign) (*store.Metrics, error) {
		return a.store.StartTimer(ctx, tx, c.ID, c.TimerInitialSeconds, a.now())
	})
}

// PauseTimer freezes the countdown display. Counters keep accruing.
func (a *Aggregator) PauseTimer(ctx context.Context) (*Result, error) {
	return a.timerOp(ctx, EventTimerPaused, func(tx *stdsql.Tx, c *store.Campaign) (*store.Metrics, error) {
		return a.store.PauseTimer(ctx, tx, c.ID, a.now())
	})
}

// GiftLeaderboard returns the ranked gifter list for the active campaign.
// No active campaign yields an empty list.
func (a *Aggregator) GiftLeaderboard(ctx context.Context, limit int) ([]store.GiftLeaderboardEntry, error) {
	c, err := a.activeCampaign(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}
	return a.store.GiftLeaderboard(ctx, c.ID, limit)
}

// Snapshot assembles the overlay sync payload: active campaign, committed
// metrics, and the milestone list. Returns nil when no campaign is active.
func (a *Aggregator) Snapshot(ctx context.Context) (*Snapshot, error) {
	c, err := a.activeCampaign(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, nil
	}

	m, err := a.store.Metrics(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	milestones, err := a.store.Milestones(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Campaign: c, Metrics: m, Milestones: milestones}, nil
}

// Snapshot is the overlay-facing view of the active campaign.
type Snapshot struct {
	Campaign   *store.Campaign   `json:"campaign"`
	Metrics    *store.Metrics    `json:"metrics"`
	Milestones []store.Milestone `json:"milestones"`
}

// --- internals ---

func (a *Aggregator) activeCampaign(ctx context.Context) (*store.Campaign, error) {
	c, err := a.store.ActiveCampaign(ctx)
	if errors.Is(err, store.ErrNoActiveCampaign) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a *Aggregator) applyDelta(ctx context.Context, d store.MetricsDelta) (*Result, error) {
	c, err := a.activeCampaign(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return &Result{}, nil
	}

	res := &Result{Campaign: c}
	err = a.store.WithTx(ctx, func(tx *stdsql.Tx) error {
		if _, err := a.store.MetricsForUpdate(ctx, tx, c.ID); err != nil {
			return err
		}
		m, err := a.store.ApplyMetricsDelta(ctx, tx, c.ID, d)
		if err != nil {
			return err
		}
		res.Metrics = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.emitUpdate(ctx, res)
	return res, nil
}

func (a *Aggregator) timerOp(ctx context.Context, eventType string, op func(tx *stdsql.Tx, c *store.Campaign) (*store.Metrics, error)) (*Result, error) {
	c, err := a.activeCampaign(ctx)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return &Result{}, nil
	}
	if !c.TimerMode {
		return nil, fmt.Errorf("campaign %s: %w", c.Slug, ErrTimerModeRequired)
	}

	res := &Result{Campaign: c}
	err = a.store.WithTx(ctx, func(tx *stdsql.Tx) error {
		if _, err := a.store.MetricsForUpdate(ctx, tx, c.ID); err != nil {
			return err
		}
		m, err := op(tx, c)
		if err != nil {
			return err
		}
		res.Metrics = m
		return nil
	})
	if err != nil {
		return nil, err
	}

	a.emit(ctx, eventType, updatePayload(res))
	return res, nil
}

// unlockCrossedMilestones flips every milestone the new total has crossed,
// highest first. Each unlock happens exactly once; a milestone raced away by
// a concurrent transaction is simply skipped.
func (a *Aggregator) unlockCrossedMilestones(ctx context.Context, tx *stdsql.Tx, campaignID uuid.UUID, totalSubs int) ([]store.Milestone, error) {
	var unlocked []store.Milestone
	for {
		next, err := a.store.NextUnlockableMilestone(ctx, tx, campaignID, totalSubs)
		if errors.Is(err, store.ErrNotFound) {
			return unlocked, nil
		}
		if err != nil {
			return nil, err
		}

		m, err := a.store.UnlockMilestone(ctx, tx, next.ID, a.now())
		if errors.Is(err, store.ErrNotFound) {
			return unlocked, nil
		}
		if err != nil {
			return nil, err
		}
		unlocked = append(unlocked, *m)
	}
}

// UpdatePayload is the body of campaign:update and timer envelopes.
type UpdatePayload struct {
	CampaignID            string          `json:"campaign_id"`
	Slug                  string          `json:"slug"`
	TotalSubs             int             `json:"total_subs"`
	TotalResubs           int             `json:"total_resubs"`
	TotalBits             int             `json:"total_bits"`
	TotalDonations        float64         `json:"total_donations"`
	TimerSecondsRemaining int             `json:"timer_seconds_remaining"`
	TimerSecondsAdded     int             `json:"timer_seconds_added"`
	TimerStartedAt        *time.Time      `json:"timer_started_at,omitempty"`
	TimerPausedAt         *time.Time      `json:"timer_paused_at,omitempty"`
	Extra                 json.RawMessage `json:"extra,omitempty"`
}

func updatePayload(res *Result) UpdatePayload {
	p := UpdatePayload{
		CampaignID:        res.Campaign.ID.String(),
		Slug:              res.Campaign.Slug,
		TimerSecondsAdded: res.TimerSecondsAdded,
	}
	if m := res.Metrics; m != nil {
		p.TotalSubs = m.TotalSubs
		p.TotalResubs = m.TotalResubs
		p.TotalBits = m.TotalBits
		p.TotalDonations = m.TotalDonations
		p.TimerSecondsRemaining = m.TimerSecondsRemaining
		p.TimerStartedAt = m.TimerStartedAt
		p.TimerPausedAt = m.TimerPausedAt
		p.Extra = m.Extra
	}
	return p
}

func (a *Aggregator) emitUpdate(ctx context.Context, res *Result) {
	a.emit(ctx, EventUpdate, updatePayload(res))
}

// emit publishes on the campaign channel. The mutation is already committed
// by the time we publish, so a bus failure is logged rather than propagated.
func (a *Aggregator) emit(ctx context.Context, eventType string, payload any) {
	env, err := bus.NewEnvelope(Source, eventType, payload)
	if err != nil {
		a.logger.Error("Failed to build campaign envelope", "event_type", eventType, "error", err)
		return
	}
	if err := a.bus.Publish(ctx, bus.ChannelCampaign, env); err != nil {
		a.logger.Error("Failed to publish campaign event", "event_type", eventType, "error", err)
	}
}
