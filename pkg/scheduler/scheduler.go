// Package scheduler drives the recurring ticks: the automated ad-break
// schedule and the EventSub silence probe. All state lives in the shared
// KV store, so multiple scheduler instances race safely on the warning
// lock instead of double-announcing a break.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/config"
	"github.com/bryanveloso/synthform-sub000/pkg/kv"
	"github.com/bryanveloso/synthform-sub000/pkg/notify"
	"github.com/bryanveloso/synthform-sub000/pkg/tokens"
)

// Source marks envelopes published on events:ads and bot:ads.
const Source = "scheduler"

// Ad-break event types.
const (
	EventAdsWarning   = "ads:warning"
	EventAdsCountdown = "ads:countdown"
	EventAdsStarted   = "ads:started"
)

// probeSilence is how long EventSub may go quiet during streaming hours
// before the probe requests an adapter restart. Distinct from the
// adapter's own watchdog threshold, which reacts much faster.
const probeSilence = 4 * time.Hour

// botMilestones are the countdown marks relayed to the chat bot. The
// overlay gets every tick; chat only hears these.
var botMilestones = []int{60, 30, 10, 5}

// CommercialStarter is the Helix slice the ad tick needs. Implemented by
// twitch.Client.
type CommercialStarter interface {
	StartCommercial(ctx context.Context, accessToken, broadcasterID string, length int) error
}

// TokenSource provides platform credentials. Implemented by tokens.Store.
type TokenSource interface {
	Get(ctx context.Context, service, userID string) (*tokens.Token, error)
}

// Scheduler owns the cron entries for one process.
type Scheduler struct {
	cfg      *config.Config
	kv       *kv.Store
	bus      bus.Bus
	helix    CommercialStarter
	tokens   TokenSource
	notifier *notify.Notifier
	logger   *slog.Logger

	cron *cron.Cron

	// now is swappable for tests.
	now func() time.Time
}

// New creates the scheduler. The notifier may be nil.
func New(cfg *config.Config, kvStore *kv.Store, b bus.Bus, helix CommercialStarter, tok TokenSource, notifier *notify.Notifier) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		kv:       kvStore,
		bus:      b,
		helix:    helix,
		tokens:   tok,
		notifier: notifier,
		logger:   slog.Default().With("component", "scheduler"),
		now:      time.Now,
	}
}

// Run installs the cron entries and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New(cron.WithSeconds(), cron.WithLocation(s.cfg.Timezone))

	if _, err := c.AddFunc("*/10 * * * * *", func() { s.adTick(ctx) }); err != nil {
		return fmt.Errorf("failed to install ad tick: %w", err)
	}
	if _, err := c.AddFunc("0 */2 * * * *", func() { s.healthProbe(ctx) }); err != nil {
		return fmt.Errorf("failed to install health probe: %w", err)
	}

	s.cron = c
	c.Start()
	s.logger.Info("scheduler running",
		"ad_interval_minutes", s.cfg.Ads.IntervalMinutes,
		"warning_seconds", s.cfg.Ads.WarningSeconds)

	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// adTick runs every 10 seconds and walks the break through its phases:
// idle, pre-break warning countdown, start commercial, reschedule.
func (s *Scheduler) adTick(ctx context.Context) {
	enabled, err := s.kv.AdsEnabled(ctx)
	if err != nil {
		s.logger.Error("failed to read ads switch", "error", err)
		return
	}
	if !enabled {
		return
	}

	next, ok, err := s.kv.NextAdBreak(ctx)
	if err != nil {
		// A schedule we cannot parse means we cannot know when the break
		// is due. Running commercials at the wrong time is worse than
		// running none, so the switch flips off until an operator fixes it.
		s.logger.Error("unreadable ad schedule, disabling ads", "error", err)
		if err := s.kv.SetAdsEnabled(ctx, false); err != nil {
			s.logger.Error("failed to disable ads", "error", err)
		}
		return
	}
	if !ok {
		return
	}

	until := next.Sub(s.now())
	if until <= 0 {
		s.startBreak(ctx)
		return
	}

	warningWindow := time.Duration(s.cfg.Ads.WarningSeconds) * time.Second
	if until > warningWindow {
		return
	}

	active, err := s.kv.AdsWarningActive(ctx)
	if err != nil {
		s.logger.Error("failed to read warning state", "error", err)
		return
	}
	seconds := int(until.Seconds())
	if !active {
		s.announceWarning(ctx, seconds)
		return
	}
	s.countdown(ctx, seconds)
}

// announceWarning starts the pre-break countdown exactly once across all
// scheduler instances: only the tick that wins the KV lock announces.
func (s *Scheduler) announceWarning(ctx context.Context, seconds int) {
	won, err := s.kv.AcquireWarningLock(ctx)
	if err != nil {
		s.logger.Error("failed to acquire warning lock", "error", err)
		return
	}
	if !won {
		return
	}

	if err := s.kv.SetAdsWarningActive(ctx, true); err != nil {
		s.logger.Error("failed to latch warning state", "error", err)
	}
	s.logger.Info("ad break warning", "seconds", seconds)
	s.publish(ctx, EventAdsWarning, seconds, bus.ChannelAds, bus.ChannelBotAds)
}

// countdown relays progress while the warning is active. The overlay hears
// every tick; chat only hears the milestone marks.
func (s *Scheduler) countdown(ctx context.Context, seconds int) {
	s.publish(ctx, EventAdsCountdown, seconds, bus.ChannelAds)
	for _, m := range botMilestones {
		if seconds <= m && seconds+10 > m {
			s.publish(ctx, EventAdsCountdown, m, bus.ChannelBotAds)
			return
		}
	}
}

// startBreak calls Helix and schedules the next run. A failed call
// reschedules on the short retry interval instead of the full gap.
func (s *Scheduler) startBreak(ctx context.Context) {
	err := s.startCommercial(ctx)
	if err != nil {
		s.logger.Error("failed to start commercial", "error", err)
		s.notifier.AdsCommercialFailed(ctx, err)

		retry := s.now().Add(time.Duration(s.cfg.Ads.RetryMinutes) * time.Minute)
		if err := s.kv.SetNextAdBreak(ctx, retry); err != nil {
			s.logger.Error("failed to reschedule ad break", "error", err)
		}
	} else {
		s.logger.Info("commercial started", "duration_seconds", s.cfg.Ads.DurationSeconds)
		s.publish(ctx, EventAdsStarted, s.cfg.Ads.DurationSeconds, bus.ChannelAds, bus.ChannelBotAds)

		next := s.now().Add(time.Duration(s.cfg.Ads.IntervalMinutes) * time.Minute)
		if err := s.kv.SetNextAdBreak(ctx, next); err != nil {
			s.logger.Error("failed to schedule next ad break", "error", err)
		}
	}

	if err := s.kv.SetAdsWarningActive(ctx, false); err != nil {
		s.logger.Error("failed to clear warning state", "error", err)
	}
}

func (s *Scheduler) startCommercial(ctx context.Context) error {
	tok, err := s.tokens.Get(ctx, "twitch", s.cfg.Twitch.BroadcasterUserID)
	if err != nil {
		return fmt.Errorf("failed to load credentials for commercial: %w", err)
	}

	helixCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.helix.StartCommercial(helixCtx, tok.AccessToken, s.cfg.Twitch.BroadcasterUserID, s.cfg.Ads.DurationSeconds)
}

// healthProbe runs every two minutes and flags a silent EventSub adapter
// during streaming hours. Outside streaming hours silence is expected.
func (s *Scheduler) healthProbe(ctx context.Context) {
	last, ok, err := s.kv.EventSubLastEvent(ctx)
	if err != nil {
		s.logger.Error("failed to read last event time", "error", err)
		return
	}
	if !ok {
		return
	}

	now := s.now()
	gap := now.Sub(last)
	if err := s.kv.SetEventSubSilence(ctx, gap); err != nil {
		s.logger.Error("failed to record silence gap", "error", err)
	}

	if gap <= probeSilence || !s.cfg.StreamingHours(now) {
		return
	}

	reason := fmt.Sprintf("no events for %s during streaming hours", gap.Round(time.Minute))
	s.logger.Warn("eventsub silent, requesting restart", "gap", gap, "last_event", last)
	if err := s.kv.RequestEventSubRestart(ctx, reason); err != nil {
		s.logger.Error("failed to request eventsub restart", "error", err)
		return
	}
	s.notifier.EventSubSilence(ctx, gap, last)
}

type adPayload struct {
	Seconds int `json:"seconds"`
}

func (s *Scheduler) publish(ctx context.Context, eventType string, seconds int, channels ...string) {
	env, err := bus.NewEnvelope(Source, eventType, adPayload{Seconds: seconds})
	if err != nil {
		s.logger.Error("failed to build ad envelope", "type", eventType, "error", err)
		return
	}
	for _, ch := range channels {
		if err := s.bus.Publish(ctx, ch, env); err != nil {
			s.logger.Error("failed to publish ad event", "type", eventType, "channel", ch, "error", err)
		}
	}
}
