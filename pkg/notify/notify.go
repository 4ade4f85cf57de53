// Package notify delivers operator alerts to Slack. Every notification is
// fail-open: a Slack outage is logged and swallowed, never propagated into
// the event pipeline.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
)

// Config holds the parameters needed to construct a Notifier.
type Config struct {
	Token   string
	Channel string
	// APIURL overrides the Slack API endpoint. Tests point it at a local
	// server; production leaves it empty.
	APIURL string
}

// Notifier posts operator alerts to a Slack channel.
// Nil-safe: all methods are no-ops when the notifier is nil.
type Notifier struct {
	client  *slack.Client
	channel string
	logger  *slog.Logger
}

// New creates a Slack notifier. Returns nil if Token or Channel is empty,
// which disables notifications for the whole process.
func New(cfg Config) *Notifier {
	if cfg.Token == "" || cfg.Channel == "" {
		return nil
	}

	opts := []slack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}

	return &Notifier{
		client:  slack.New(cfg.Token, opts...),
		channel: cfg.Channel,
		logger:  slog.Default().With("component", "notify"),
	}
}

// EventSubSilence reports that no events have arrived for longer than the
// health threshold during streaming hours.
func (n *Notifier) EventSubSilence(ctx context.Context, silentFor time.Duration, lastEvent time.Time) {
	if n == nil {
		return
	}
	n.post(ctx, fmt.Sprintf(
		":warning: EventSub has been silent for %s (last event at %s). Requesting adapter restart.",
		silentFor.Round(time.Minute), lastEvent.Format(time.RFC3339)))
}

// TokenRevoked reports a revoked OAuth token. This one is operator-critical:
// the adapter cannot recover without a manual re-authorization.
func (n *Notifier) TokenRevoked(ctx context.Context, service, userID string) {
	if n == nil {
		return
	}
	n.post(ctx, fmt.Sprintf(
		":rotating_light: %s token for user %s was revoked. Re-authorization required; adapter is exiting.",
		service, userID))
}

// AuthFailure reports a failed token refresh or validation.
func (n *Notifier) AuthFailure(ctx context.Context, service string, err error) {
	if n == nil {
		return
	}
	n.post(ctx, fmt.Sprintf(":warning: %s authentication failure: %v", service, err))
}

// RestartRequested reports that a component asked the EventSub adapter to
// restart, with the reason it gave.
func (n *Notifier) RestartRequested(ctx context.Context, reason string) {
	if n == nil {
		return
	}
	n.post(ctx, fmt.Sprintf(":arrows_counterclockwise: EventSub restart requested: %s", reason))
}

// OBSPerformance reports frame drops above the alert threshold since the
// last sample.
func (n *Notifier) OBSPerformance(ctx context.Context, renderSkipped, outputSkipped int64) {
	if n == nil {
		return
	}
	n.post(ctx, fmt.Sprintf(
		":film_frames: OBS is dropping frames: %d render / %d output skipped since last check.",
		renderSkipped, outputSkipped))
}

// DailyRestart reports the scheduled maintenance restart of the adapter.
func (n *Notifier) DailyRestart(ctx context.Context) {
	if n == nil {
		return
	}
	n.post(ctx, ":recycle: Daily scheduled EventSub adapter restart.")
}

// AdsCommercialFailed reports that the scheduler could not start a
// commercial break.
func (n *Notifier) AdsCommercialFailed(ctx context.Context, err error) {
	if n == nil {
		return
	}
	n.post(ctx, fmt.Sprintf(":no_entry: Failed to start scheduled commercial: %v", err))
}

func (n *Notifier) post(ctx context.Context, text string) {
	_, _, err := n.client.PostMessageContext(ctx, n.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl())
	if err != nil {
		n.logger.Error("Failed to send Slack notification", "error", err)
		return
	}
	n.logger.Debug("Sent Slack notification", "channel", n.channel)
}
