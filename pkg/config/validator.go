package config

import (
	"fmt"
	"time"
)

// Validator performs cross-field validation on a loaded Config.
type Validator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll checks every section. The first failure is returned; startup
// treats any error here as fatal.
func (v *Validator) ValidateAll() error {
	checks := []func() error{
		v.validateServer,
		v.validateRedis,
		v.validateTwitch,
		v.validateEventSub,
		v.validateAds,
		v.validateOBS,
		v.validateOSC,
		v.validateMusic,
		v.validateIronmon,
		v.validateLimitbreak,
		v.validateAudio,
		v.validateIntake,
		v.validateRetention,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return fmt.Errorf("%w: %w", ErrValidationFailed, err)
		}
	}
	return nil
}

func (v *Validator) validateServer() error {
	s := v.cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return NewValidationError("server", "port", fmt.Errorf("%w: %d", ErrInvalidValue, s.Port))
	}
	return nil
}

func (v *Validator) validateRedis() error {
	if v.cfg.Redis.URL == "" {
		return NewValidationError("redis", "url", ErrMissingRequiredField)
	}
	return nil
}

func (v *Validator) validateTwitch() error {
	t := v.cfg.Twitch
	if t.ClientID == "" {
		return NewValidationError("twitch", "client_id", ErrMissingRequiredField)
	}
	if t.BroadcasterUserID == "" {
		return NewValidationError("twitch", "broadcaster_user_id", ErrMissingRequiredField)
	}
	if t.Timeout <= 0 {
		return NewValidationError("twitch", "timeout", fmt.Errorf("%w: %s", ErrInvalidValue, t.Timeout))
	}
	return nil
}

func (v *Validator) validateEventSub() error {
	e := v.cfg.EventSub
	if e.URL == "" {
		return NewValidationError("eventsub", "url", ErrMissingRequiredField)
	}
	if e.MaxSilence <= 0 {
		return NewValidationError("eventsub", "max_silence", fmt.Errorf("%w: %s", ErrInvalidValue, e.MaxSilence))
	}
	for field, hour := range map[string]int{
		"streaming_hours.start": e.StreamingHoursStart,
		"streaming_hours.end":   e.StreamingHoursEnd,
	} {
		if hour < 0 || hour > 23 {
			return NewValidationError("eventsub", field, fmt.Errorf("%w: %d", ErrInvalidValue, hour))
		}
	}
	if _, err := time.Parse("15:04", e.RestartTime); err != nil {
		return NewValidationError("eventsub", "restart_time",
			fmt.Errorf("%w: %q (want HH:MM)", ErrInvalidValue, e.RestartTime))
	}
	return nil
}

func (v *Validator) validateAds() error {
	a := v.cfg.Ads
	for field, val := range map[string]int{
		"interval_minutes": a.IntervalMinutes,
		"duration_seconds": a.DurationSeconds,
		"warning_seconds":  a.WarningSeconds,
		"retry_minutes":    a.RetryMinutes,
	} {
		if val <= 0 {
			return NewValidationError("ads", field, fmt.Errorf("%w: %d", ErrInvalidValue, val))
		}
	}
	return nil
}

func (v *Validator) validateOBS() error {
	o := v.cfg.OBS
	if !o.Enabled {
		return nil
	}
	if o.URL == "" {
		return NewValidationError("obs", "url", ErrMissingRequiredField)
	}
	if o.StatsInterval <= 0 {
		return NewValidationError("obs", "stats_interval", fmt.Errorf("%w: %s", ErrInvalidValue, o.StatsInterval))
	}
	return nil
}

func (v *Validator) validateOSC() error {
	o := v.cfg.OSC
	if !o.Enabled {
		return nil
	}
	if o.Bind == "" {
		return NewValidationError("osc", "bind", ErrMissingRequiredField)
	}
	if o.Channels < 1 || o.Channels > 64 {
		return NewValidationError("osc", "channels", fmt.Errorf("%w: %d", ErrInvalidValue, o.Channels))
	}
	return nil
}

func (v *Validator) validateMusic() error {
	m := v.cfg.Music
	if !m.Enabled {
		return nil
	}
	if m.PollURL == "" {
		return NewValidationError("music", "poll_url", ErrMissingRequiredField)
	}
	if m.PollInterval <= 0 {
		return NewValidationError("music", "poll_interval", fmt.Errorf("%w: %s", ErrInvalidValue, m.PollInterval))
	}
	return nil
}

func (v *Validator) validateIronmon() error {
	i := v.cfg.Ironmon
	if i.Enabled && i.Bind == "" {
		return NewValidationError("ironmon", "bind", ErrMissingRequiredField)
	}
	return nil
}

func (v *Validator) validateLimitbreak() error {
	lb := v.cfg.Limitbreak
	if lb.MaxCount <= 0 {
		return NewValidationError("limitbreak", "max_count", fmt.Errorf("%w: %d", ErrInvalidValue, lb.MaxCount))
	}
	if lb.CacheTTL <= 0 || lb.FallbackTTL <= 0 {
		return NewValidationError("limitbreak", "cache_ttl", ErrInvalidValue)
	}
	return nil
}

func (v *Validator) validateAudio() error {
	a := v.cfg.Audio
	for field, val := range map[string]int{
		"max_string_length":     a.MaxStringLength,
		"max_data_size":         a.MaxDataSize,
		"rate_limit_per_second": a.RateLimitPerSecond,
	} {
		if val <= 0 {
			return NewValidationError("audio", field, fmt.Errorf("%w: %d", ErrInvalidValue, val))
		}
	}
	return nil
}

func (v *Validator) validateRetention() error {
	r := v.cfg.Retention
	if r.EventRetentionDays < 1 {
		return NewValidationError("retention", "event_retention_days", fmt.Errorf("%w: %d", ErrInvalidValue, r.EventRetentionDays))
	}
	if r.CleanupInterval <= 0 {
		return NewValidationError("retention", "cleanup_interval", fmt.Errorf("%w: %s", ErrInvalidValue, r.CleanupInterval))
	}
	return nil
}

func (v *Validator) validateIntake() error {
	i := v.cfg.Intake
	if i.WorkerCount < 1 {
		return NewValidationError("intake", "worker_count", fmt.Errorf("%w: %d", ErrInvalidValue, i.WorkerCount))
	}
	if i.QueueSize < 1 {
		return NewValidationError("intake", "queue_size", fmt.Errorf("%w: %d", ErrInvalidValue, i.QueueSize))
	}
	return nil
}
