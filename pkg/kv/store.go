// Package kv is a typed facade over the reserved Redis keys that carry
// operational state between the server, eventsub, and scheduler processes.
// Every key this module touches is declared here; nothing else in the
// codebase builds Redis key strings by hand.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Reserved keys.
const (
	keyAdsEnabled       = "ads:enabled"
	keyAdsNextTime      = "ads:next_time"
	keyAdsWarningActive = "ads:warning_active"
	keyAdsWarningLock   = "ads:warning_lock"

	keyEventSubConnected = "eventsub:connected"
	keyEventSubLastEvent = "eventsub:last_event_time"
	keyEventSubSilence   = "eventsub:seconds_since_last_event"
	keyEventSubAttempts  = "eventsub:reconnect_attempts"
	keyEventSubRestart   = "eventsub:restart_requested"
	keyEventSubRestartAt = "eventsub:restart_requested_at"

	keyOBSPrevOutputSkipped = "obs:performance:prev_output_skipped"
	keyOBSPrevOutputTotal   = "obs:performance:prev_output_total"
	keyOBSPrevRenderSkipped = "obs:performance:prev_render_skipped"
	keyOBSPrevRenderTotal   = "obs:performance:prev_render_total"
	keyOBSWarningActive     = "obs:performance:warning_active"

	keyIronmonState      = "ironmon:current_state"
	keyBroadcasterStatus = "broadcaster:status"

	limitbreakCountKey = "limitbreak:count:%s"
)

// TTLs for keys that expire. The warning lock outlives the scheduler tick
// interval so two racing ticks cannot both announce the same break.
const (
	warningLockTTL    = 10 * time.Second
	restartRequestTTL = 10 * time.Minute
)

// Store wraps a shared Redis client. The client is owned by the caller.
type Store struct {
	rdb *redis.Client
}

// New creates a Store over an existing Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Ping verifies the Redis connection for health checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

// --- ads ---

// SetAdsEnabled flips the master switch for automated ad scheduling.
func (s *Store) SetAdsEnabled(ctx context.Context, enabled bool) error {
	if err := s.rdb.Set(ctx, keyAdsEnabled, strconv.FormatBool(enabled), 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", keyAdsEnabled, err)
	}
	return nil
}

// AdsEnabled reports whether automated ad scheduling is on. Absent key
// means enabled; disabling is the explicit action.
func (s *Store) AdsEnabled(ctx context.Context) (bool, error) {
	val, err := s.rdb.Get(ctx, keyAdsEnabled).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", keyAdsEnabled, err)
	}
	return val == "true", nil
}

// SetNextAdBreak records when the next ad break should run.
func (s *Store) SetNextAdBreak(ctx context.Context, at time.Time) error {
	if err := s.rdb.Set(ctx, keyAdsNextTime, at.UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", keyAdsNextTime, err)
	}
	return nil
}

// NextAdBreak returns the scheduled break time. ok is false when no break
// is scheduled.
func (s *Store) NextAdBreak(ctx context.Context) (time.Time, bool, error) {
	return s.getTime(ctx, keyAdsNextTime)
}

// ClearNextAdBreak removes the schedule, pausing automated breaks until a
// new one is set.
func (s *Store) ClearNextAdBreak(ctx context.Context) error {
	if err := s.rdb.Del(ctx, keyAdsNextTime).Err(); err != nil {
		return fmt.Errorf("failed to clear %s: %w", keyAdsNextTime, err)
	}
	return nil
}

// SetAdsWarningActive latches whether the pre-break countdown is running.
func (s *Store) SetAdsWarningActive(ctx context.Context, active bool) error {
	if !active {
		if err := s.rdb.Del(ctx, keyAdsWarningActive).Err(); err != nil {
			return fmt.Errorf("failed to clear %s: %w", keyAdsWarningActive, err)
		}
		return nil
	}
	if err := s.rdb.Set(ctx, keyAdsWarningActive, "true", 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", keyAdsWarningActive, err)
	}
	return nil
}

// AdsWarningActive reports whether a pre-break countdown is running.
func (s *Store) AdsWarningActive(ctx context.Context) (bool, error) {
	val, err := s.rdb.Get(ctx, keyAdsWarningActive).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", keyAdsWarningActive, err)
	}
	return val == "true", nil
}

// AcquireWarningLock takes the short-lived lock that makes the pre-break
// countdown fire exactly once even when scheduler ticks race. The lock
// expires on its own; there is no release.
func (s *Store) AcquireWarningLock(ctx context.Context) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, keyAdsWarningLock, "1", warningLockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire %s: %w", keyAdsWarningLock, err)
	}
	return ok, nil
}

// --- eventsub ---

// SetEventSubConnected publishes the adapter's liveness for the health probe.
func (s *Store) SetEventSubConnected(ctx context.Context, connected bool) error {
	if err := s.rdb.Set(ctx, keyEventSubConnected, strconv.FormatBool(connected), 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", keyEventSubConnected, err)
	}
	return nil
}

// EventSubConnected reports the adapter's last published liveness.
func (s *Store) EventSubConnected(ctx context.Context) (bool, error) {
	val, err := s.rdb.Get(ctx, keyEventSubConnected).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", keyEventSubConnected, err)
	}
	return val == "true", nil
}

// TouchEventSubLastEvent records the arrival time of the latest notification.
func (s *Store) TouchEventSubLastEvent(ctx context.Context, at time.Time) error {
	if err := s.rdb.Set(ctx, keyEventSubLastEvent, at.UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", keyEventSubLastEvent, err)
	}
	return nil
}

// EventSubLastEvent returns when the adapter last saw a notification.
func (s *Store) EventSubLastEvent(ctx context.Context) (time.Time, bool, error) {
	return s.getTime(ctx, keyEventSubLastEvent)
}

// SetEventSubSilence mirrors the health probe's computed gap for dashboards.
func (s *Store) SetEventSubSilence(ctx context.Context, gap time.Duration) error {
	secs := int64(gap / time.Second)
	if err := s.rdb.Set(ctx, keyEventSubSilence, secs, 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", keyEventSubSilence, err)
	}
	return nil
}

// IncrEventSubReconnectAttempts bumps the adapter's reconnect counter and
// returns the new value.
func (s *Store) IncrEventSubReconnectAttempts(ctx context.Context) (int64, error) {
	n, err := s.rdb.Incr(ctx, keyEventSubAttempts).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to incr %s: %w", keyEventSubAttempts, err)
	}
	return n, nil
}

// ResetEventSubReconnectAttempts clears the counter after a stable connect.
func (s *Store) ResetEventSubReconnectAttempts(ctx context.Context) error {
	if err := s.rdb.Del(ctx, keyEventSubAttempts).Err(); err != nil {
		return fmt.Errorf("failed to reset %s: %w", keyEventSubAttempts, err)
	}
	return nil
}

// RequestEventSubRestart asks the eventsub process to restart, recording
// why and when. The request expires if nothing consumes it, so a stale
// flag cannot restart the adapter days later.
func (s *Store) RequestEventSubRestart(ctx context.Context, reason string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, keyEventSubRestart, reason, restartRequestTTL)
	pipe.Set(ctx, keyEventSubRestartAt, now, restartRequestTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set %s: %w", keyEventSubRestart, err)
	}
	return nil
}

// ConsumeEventSubRestart atomically reads and clears the restart request,
// returning the recorded reason.
func (s *Store) ConsumeEventSubRestart(ctx context.Context) (string, bool, error) {
	reason, err := s.rdb.GetDel(ctx, keyEventSubRestart).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to consume %s: %w", keyEventSubRestart, err)
	}
	_ = s.rdb.Del(ctx, keyEventSubRestartAt).Err()
	return reason, true, nil
}

// --- obs ---

// OBSPerfCounters are the cumulative frame counters from the compositor's
// stats endpoint. The performance monitor stores the previous sample so the
// next tick can compute a per-interval delta.
type OBSPerfCounters struct {
	OutputSkipped int64
	OutputTotal   int64
	RenderSkipped int64
	RenderTotal   int64
}

// SetOBSPerfCounters stores the latest cumulative sample.
func (s *Store) SetOBSPerfCounters(ctx context.Context, c OBSPerfCounters) error {
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, keyOBSPrevOutputSkipped, c.OutputSkipped, 0)
	pipe.Set(ctx, keyOBSPrevOutputTotal, c.OutputTotal, 0)
	pipe.Set(ctx, keyOBSPrevRenderSkipped, c.RenderSkipped, 0)
	pipe.Set(ctx, keyOBSPrevRenderTotal, c.RenderTotal, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store obs performance counters: %w", err)
	}
	return nil
}

// OBSPerfCounters returns the previous cumulative sample. ok is false when
// no sample has been stored yet (first tick after a restart).
func (s *Store) OBSPerfCounters(ctx context.Context) (OBSPerfCounters, bool, error) {
	vals, err := s.rdb.MGet(ctx,
		keyOBSPrevOutputSkipped, keyOBSPrevOutputTotal,
		keyOBSPrevRenderSkipped, keyOBSPrevRenderTotal).Result()
	if err != nil {
		return OBSPerfCounters{}, false, fmt.Errorf("failed to load obs performance counters: %w", err)
	}

	var c OBSPerfCounters
	dst := []*int64{&c.OutputSkipped, &c.OutputTotal, &c.RenderSkipped, &c.RenderTotal}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			return OBSPerfCounters{}, false, nil
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return OBSPerfCounters{}, false, fmt.Errorf("corrupt obs performance counter: %w", err)
		}
		*dst[i] = n
	}
	return c, true, nil
}

// SetOBSPerfWarningActive latches the skipped-frames alert so one bad
// stretch produces one operator notification, not one per tick.
func (s *Store) SetOBSPerfWarningActive(ctx context.Context, active bool) error {
	if !active {
		if err := s.rdb.Del(ctx, keyOBSWarningActive).Err(); err != nil {
			return fmt.Errorf("failed to clear %s: %w", keyOBSWarningActive, err)
		}
		return nil
	}
	if err := s.rdb.Set(ctx, keyOBSWarningActive, "true", 0).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", keyOBSWarningActive, err)
	}
	return nil
}

// OBSPerfWarningActive reports whether the skipped-frames alert is latched.
func (s *Store) OBSPerfWarningActive(ctx context.Context) (bool, error) {
	val, err := s.rdb.Get(ctx, keyOBSWarningActive).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", keyOBSWarningActive, err)
	}
	return val == "true", nil
}

// --- limitbreak ---

// SetLimitbreakCount caches a redemption count under a short-lived key and
// a long-lived fallback, so a Helix outage degrades to slightly stale data
// instead of zero.
func (s *Store) SetLimitbreakCount(ctx context.Context, rewardID string, count int, cacheTTL, fallbackTTL time.Duration) error {
	key := fmt.Sprintf(limitbreakCountKey, rewardID)
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, key, count, cacheTTL)
	pipe.Set(ctx, key+":fallback", count, fallbackTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache limitbreak count for %s: %w", rewardID, err)
	}
	return nil
}

// LimitbreakCount returns the cached count. fresh is true when the value
// came from the short-lived cache rather than the fallback.
func (s *Store) LimitbreakCount(ctx context.Context, rewardID string) (count int, fresh, ok bool, err error) {
	key := fmt.Sprintf(limitbreakCountKey, rewardID)

	val, err := s.rdb.Get(ctx, key).Int()
	if err == nil {
		return val, true, true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, false, false, fmt.Errorf("failed to get limitbreak count for %s: %w", rewardID, err)
	}

	val, err = s.rdb.Get(ctx, key+":fallback").Int()
	if err == nil {
		return val, false, true, nil
	}
	if !errors.Is(err, redis.Nil) {
		return 0, false, false, fmt.Errorf("failed to get limitbreak fallback for %s: %w", rewardID, err)
	}
	return 0, false, false, nil
}

// --- ironmon ---

// SetIronmonState snapshots the current run so late-joining overlays can
// render without waiting for the next TCP message.
func (s *Store) SetIronmonState(ctx context.Context, state any) error {
	return s.setJSON(ctx, keyIronmonState, state, 0)
}

// IronmonState loads the snapshot into v. ok is false when no run is live.
func (s *Store) IronmonState(ctx context.Context, v any) (bool, error) {
	return s.getJSON(ctx, keyIronmonState, v)
}

// ClearIronmonState drops the snapshot when a run ends.
func (s *Store) ClearIronmonState(ctx context.Context) error {
	if err := s.rdb.Del(ctx, keyIronmonState).Err(); err != nil {
		return fmt.Errorf("failed to clear %s: %w", keyIronmonState, err)
	}
	return nil
}

// --- broadcaster status ---

// SetBroadcasterStatus mirrors the database singleton for cheap reads.
func (s *Store) SetBroadcasterStatus(ctx context.Context, status any) error {
	return s.setJSON(ctx, keyBroadcasterStatus, status, 0)
}

// BroadcasterStatus loads the mirrored status into v.
func (s *Store) BroadcasterStatus(ctx context.Context, v any) (bool, error) {
	return s.getJSON(ctx, keyBroadcasterStatus, v)
}

// --- helpers ---

func (s *Store) getTime(ctx context.Context, key string) (time.Time, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	t, err := time.Parse(time.RFC3339, val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("corrupt timestamp in %s: %w", key, err)
	}
	return t, true, nil
}

func (s *Store) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

func (s *Store) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("corrupt value in %s: %w", key, err)
	}
	return true, nil
}
