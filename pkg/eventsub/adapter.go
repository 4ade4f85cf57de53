// Package eventsub maintains the push-subscription websocket to the
// platform: it registers the subscription catalogue on every session,
// normalises notifications into bus envelopes, persists viewer
// interactions, and keeps reconnecting until told to stop.
package eventsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/robfig/cron/v3"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/config"
	"github.com/bryanveloso/synthform-sub000/pkg/kv"
	"github.com/bryanveloso/synthform-sub000/pkg/notify"
	"github.com/bryanveloso/synthform-sub000/pkg/store"
	"github.com/bryanveloso/synthform-sub000/pkg/tokens"
	"github.com/bryanveloso/synthform-sub000/pkg/twitch"
)

// ErrTokenRevoked is returned from Run when the platform revokes the
// subscription credentials. The process should exit and wait for manual
// re-authorization; reconnecting would just loop.
var ErrTokenRevoked = errors.New("platform token revoked")

// subscribePacing spaces subscription requests so a fresh session does not
// trip the platform's rate limit.
const subscribePacing = 150 * time.Millisecond

// watchdogInterval is how often the adapter checks for silence and consumes
// restart requests.
const watchdogInterval = 30 * time.Second

// Adapter owns the EventSub websocket connection.
type Adapter struct {
	cfg      *config.EventSubConfig
	twitch   *config.TwitchConfig
	hours    func(time.Time) bool
	zone     *time.Location
	client   *twitch.Client
	tokens   *tokens.Store
	store    *store.Store
	kv       *kv.Store
	bus      bus.Bus
	notifier *notify.Notifier
	logger   *slog.Logger

	dedup *dedupSet

	mu            sync.Mutex
	lastEvent     time.Time
	cancelSession context.CancelFunc

	// exit and pacing are swappable for tests.
	exit   func(code int)
	pacing time.Duration
}

// NewAdapter wires the EventSub adapter.
func NewAdapter(cfg *config.Config, client *twitch.Client, tok *tokens.Store, st *store.Store, kvStore *kv.Store, b bus.Bus, notifier *notify.Notifier) *Adapter {
	return &Adapter{
		cfg:       cfg.EventSub,
		twitch:    cfg.Twitch,
		hours:     cfg.StreamingHours,
		zone:      cfg.Timezone,
		client:    client,
		tokens:    tok,
		store:     st,
		kv:        kvStore,
		bus:       b,
		notifier:  notifier,
		logger:    slog.Default().With("component", "eventsub"),
		dedup:     newDedupSet(dedupCap),
		lastEvent: time.Now(),
		exit:      os.Exit,
		pacing:    subscribePacing,
	}
}

// Run connects and keeps the session alive until the context is cancelled
// or the credentials are revoked.
func (a *Adapter) Run(ctx context.Context) error {
	stopCron, err := a.startDailyRestart()
	if err != nil {
		return err
	}
	defer stopCron()

	go a.watchdog(ctx)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0 // keep retrying forever

	for {
		err := a.runSession(ctx, bo)
		if errors.Is(err, ErrTokenRevoked) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if kvErr := a.kv.SetEventSubConnected(ctx, false); kvErr != nil {
			a.logger.Warn("Failed to mirror disconnect to KV", "error", kvErr)
		}
		attempts, _ := a.kv.IncrEventSubReconnectAttempts(ctx)

		wait := bo.NextBackOff()
		a.logger.Warn("EventSub session ended, reconnecting",
			"error", err, "attempt", attempts, "backoff", wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runSession dials, registers the catalogue, and reads frames until the
// connection dies or the watchdog cancels it.
func (a *Adapter) runSession(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.setSessionCancel(cancel)
	defer a.setSessionCancel(nil)

	conn, welcome, err := a.dial(sessCtx, a.cfg.URL)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "session over")

	keepalive := keepaliveTimeout(welcome)
	a.logger.Info("EventSub session established",
		"session_id", welcome.Session.ID, "keepalive", keepalive)

	if err := a.subscribeAll(sessCtx, welcome.Session.ID); err != nil {
		return err
	}

	bo.Reset()
	if err := a.kv.SetEventSubConnected(sessCtx, true); err != nil {
		a.logger.Warn("Failed to mirror connect to KV", "error", err)
	}
	if err := a.kv.ResetEventSubReconnectAttempts(sessCtx); err != nil {
		a.logger.Warn("Failed to reset reconnect counter", "error", err)
	}

	for {
		readCtx, readCancel := context.WithTimeout(sessCtx, keepalive+15*time.Second)
		_, data, err := conn.Read(readCtx)
		readCancel()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			a.logger.Warn("Discarding undecodable frame", "error", err)
			continue
		}

		switch f.Metadata.MessageType {
		case "session_keepalive":
			// Connection is alive; nothing to do.

		case "notification":
			a.handleNotification(sessCtx, f)

		case "session_reconnect":
			newConn, newWelcome, err := a.reconnectTo(sessCtx, f)
			if err != nil {
				return err
			}
			conn.Close(websocket.StatusNormalClosure, "migrated")
			conn = newConn
			keepalive = keepaliveTimeout(newWelcome)
			a.logger.Info("EventSub session migrated", "session_id", newWelcome.Session.ID)

		case "revocation":
			return a.handleRevocation(sessCtx, f)

		default:
			a.logger.Warn("Unknown EventSub message type", "message_type", f.Metadata.MessageType)
		}
	}
}

// dial opens a websocket and waits for the session welcome.
func (a *Adapter) dial(ctx context.Context, url string) (*websocket.Conn, *sessionPayload, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{})
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(1 << 20)

	welcome, err := a.readWelcome(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "no welcome")
		return nil, nil, err
	}
	return conn, welcome, nil
}

func (a *Adapter) readWelcome(ctx context.Context, conn *websocket.Conn) (*sessionPayload, error) {
	readCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, data, err := conn.Read(readCtx)
	if err != nil {
		return nil, fmt.Errorf("read welcome: %w", err)
	}

	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode welcome: %w", err)
	}
	if f.Metadata.MessageType != "session_welcome" {
		return nil, fmt.Errorf("expected session_welcome, got %s", f.Metadata.MessageType)
	}

	var welcome sessionPayload
	if err := json.Unmarshal(f.Payload, &welcome); err != nil {
		return nil, fmt.Errorf("decode welcome payload: %w", err)
	}
	return &welcome, nil
}

// reconnectTo follows a session_reconnect frame: the new socket must be
// welcomed before the old one is abandoned, and subscriptions carry over.
func (a *Adapter) reconnectTo(ctx context.Context, f frame) (*websocket.Conn, *sessionPayload, error) {
	var p sessionPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		return nil, nil, fmt.Errorf("decode reconnect payload: %w", err)
	}
	if p.Session.ReconnectURL == "" {
		return nil, nil, errors.New("session_reconnect without reconnect_url")
	}
	return a.dial(ctx, p.Session.ReconnectURL)
}

// subscribeAll registers the catalogue on a fresh session, pacing requests
// and absorbing the recoverable failure modes.
func (a *Adapter) subscribeAll(ctx context.Context, sessionID string) error {
	tok, err := a.tokens.Get(ctx, "twitch", a.twitch.BroadcasterUserID)
	if err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	refreshed := false
	for i := 0; i < len(catalogue); i++ {
		entry := catalogue[i]
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.pacing):
			}
		}

		req := buildRequest(entry, a.twitch.BroadcasterUserID, a.twitch.BotUserID, sessionID)
		err := a.client.CreateEventSubSubscription(ctx, tok.AccessToken, req)
		if err == nil {
			continue
		}
		if errors.Is(err, twitch.ErrDuplicateSubscription) {
			a.logger.Warn("Subscription already exists", "type", entry.Type)
			continue
		}

		var httpErr *twitch.HTTPError
		if errors.As(err, &httpErr) {
			switch {
			case httpErr.Status == http.StatusTooManyRequests:
				a.logger.Warn("Rate limited while subscribing", "type", entry.Type)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(2 * time.Second):
				}
				i-- // retry this entry
				continue

			case httpErr.Status == http.StatusUnauthorized && !refreshed:
				a.logger.Info("Access token rejected, refreshing")
				tok, err = a.tokens.Refresh(ctx, tok)
				if err != nil {
					a.notifier.AuthFailure(ctx, "twitch", err)
					return fmt.Errorf("refresh credentials: %w", err)
				}
				refreshed = true
				i-- // retry with the new token
				continue

			case httpErr.Status == http.StatusUnauthorized:
				a.notifier.AuthFailure(ctx, "twitch", httpErr)
				return fmt.Errorf("subscribe %s: %w", entry.Type, httpErr)

			case httpErr.Status == http.StatusBadRequest &&
				strings.Contains(httpErr.Message, "transport session"):
				// The session died under us; abandon the batch and redial.
				return fmt.Errorf("subscribe %s: %w", entry.Type, httpErr)
			}
		}

		a.logger.Error("Failed to subscribe", "type", entry.Type, "error", err)
	}

	a.logger.Info("Subscription catalogue registered", "count", len(catalogue))
	return nil
}

// handleNotification deduplicates, normalises, persists, and publishes one
// notification. Failures are logged; the read loop keeps going.
func (a *Adapter) handleNotification(ctx context.Context, f frame) {
	if f.Metadata.MessageID != "" && a.dedup.Seen(f.Metadata.MessageID) {
		return
	}

	var n notificationPayload
	if err := json.Unmarshal(f.Payload, &n); err != nil {
		a.logger.Warn("Discarding undecodable notification", "error", err)
		return
	}

	a.touchLastEvent(ctx, f.Metadata.MessageTimestamp)

	channel, env, drop := normalize(f, n)
	if drop {
		return
	}

	a.persist(ctx, &env)

	if err := a.bus.Publish(ctx, channel, env); err != nil {
		a.logger.Error("Failed to publish event",
			"event_type", env.EventType, "channel", channel, "error", err)
	}
}

// persist stores viewer interactions append-only and mutates the day
// session on stream online/offline. DB failures never block publishing.
func (a *Adapter) persist(ctx context.Context, env *bus.Envelope) {
	now := env.Timestamp
	switch env.EventType {
	case "stream.online":
		sess, err := a.store.SessionForDate(ctx, now.In(a.zone))
		if err == nil {
			err = a.store.StartSession(ctx, sess.ID, now)
		}
		if err != nil {
			a.logger.Error("Failed to start session", "error", err)
		}
		return

	case "stream.offline":
		sess, err := a.store.LiveSession(ctx)
		if err == nil {
			err = a.store.EndSession(ctx, sess.ID, now)
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			a.logger.Error("Failed to end session", "error", err)
		}
		return
	}

	if !bus.IsViewerInteraction(env.EventType) {
		return
	}

	event := &store.Event{
		Source:        env.Source,
		EventType:     env.EventType,
		Payload:       env.Payload,
		OccurredAt:    now,
		SourceEventID: env.EventID,
	}

	if m := env.Member; m != nil && m.TwitchID != "" {
		member, err := a.store.UpsertMember(ctx, m.TwitchID, m.Username, m.DisplayName)
		if err != nil {
			a.logger.Error("Failed to upsert member", "twitch_id", m.TwitchID, "error", err)
		} else {
			event.MemberID = &member.ID
			m.ID = member.ID.String()
			m.Pronouns = member.Pronouns
		}
	}

	if sess, err := a.store.SessionForDate(ctx, now.In(a.zone)); err != nil {
		a.logger.Error("Failed to resolve session", "error", err)
	} else {
		event.SessionID = &sess.ID
	}

	if _, err := a.store.AppendEvent(ctx, event); err != nil {
		a.logger.Error("Failed to persist event", "event_type", env.EventType, "error", err)
	}
}

func (a *Adapter) handleRevocation(ctx context.Context, f frame) error {
	var p revocationPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		a.logger.Warn("Discarding undecodable revocation", "error", err)
	}

	a.logger.Error("Subscription revoked",
		"type", p.Subscription.Type, "status", p.Subscription.Status)
	a.notifier.TokenRevoked(ctx, "twitch", a.twitch.BroadcasterUserID)
	if err := a.kv.SetEventSubConnected(ctx, false); err != nil {
		a.logger.Warn("Failed to mirror disconnect to KV", "error", err)
	}
	return fmt.Errorf("%s %s: %w", p.Subscription.Type, p.Subscription.Status, ErrTokenRevoked)
}

// watchdog flags silence during streaming hours and consumes restart
// requests left in KV by the scheduler.
func (a *Adapter) watchdog(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		gap := now.Sub(a.lastEventTime())
		if gap > a.cfg.MaxSilence && a.hours(now) {
			a.logger.Warn("No events during streaming hours",
				"silent_for", gap.Round(time.Second))
			if err := a.kv.SetEventSubSilence(ctx, gap); err != nil {
				a.logger.Warn("Failed to record silence", "error", err)
			}
		}

		reason, ok, err := a.kv.ConsumeEventSubRestart(ctx)
		if err != nil {
			a.logger.Warn("Failed to check restart request", "error", err)
			continue
		}
		if ok {
			a.logger.Warn("Restart requested, recycling session", "reason", reason)
			a.notifier.RestartRequested(ctx, reason)
			a.cancelCurrentSession()
		}
	}
}

// startDailyRestart schedules the maintenance exit at the configured local
// time. The supervisor brings the process back up with a clean slate.
func (a *Adapter) startDailyRestart() (stop func(), err error) {
	if a.cfg.RestartTime == "" {
		return func() {}, nil
	}

	var hour, minute int
	if _, err := fmt.Sscanf(a.cfg.RestartTime, "%d:%d", &hour, &minute); err != nil {
		return nil, fmt.Errorf("invalid restart_time %q: %w", a.cfg.RestartTime, err)
	}

	c := cron.New(cron.WithLocation(a.zone))
	spec := fmt.Sprintf("%d %d * * *", minute, hour)
	if _, err := c.AddFunc(spec, func() {
		a.logger.Info("Daily scheduled restart")
		a.notifier.DailyRestart(context.Background())
		a.exit(0)
	}); err != nil {
		return nil, fmt.Errorf("schedule daily restart: %w", err)
	}

	c.Start()
	return func() { c.Stop() }, nil
}

// --- small helpers ---

func (a *Adapter) touchLastEvent(ctx context.Context, at time.Time) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	a.mu.Lock()
	a.lastEvent = at
	a.mu.Unlock()
	if err := a.kv.TouchEventSubLastEvent(ctx, at); err != nil {
		a.logger.Warn("Failed to record last event time", "error", err)
	}
}

func (a *Adapter) lastEventTime() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastEvent
}

func (a *Adapter) setSessionCancel(cancel context.CancelFunc) {
	a.mu.Lock()
	a.cancelSession = cancel
	a.mu.Unlock()
}

func (a *Adapter) cancelCurrentSession() {
	a.mu.Lock()
	cancel := a.cancelSession
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func keepaliveTimeout(welcome *sessionPayload) time.Duration {
	secs := welcome.Session.KeepaliveTimeoutSeconds
	if secs <= 0 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}
