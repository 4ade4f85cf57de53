package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// SynthformYAMLConfig represents the complete synthform.yaml file structure.
// Sections whose runtime form carries time.Duration fields use dedicated
// YAML-side structs with string durations; plain sections decode straight
// into their runtime structs and are merged over the built-in defaults.
type SynthformYAMLConfig struct {
	System     *SystemYAMLConfig     `yaml:"system"`
	Server     *ServerConfig         `yaml:"server"`
	Redis      *RedisConfig          `yaml:"redis"`
	Twitch     *TwitchYAMLConfig     `yaml:"twitch"`
	EventSub   *EventSubYAMLConfig   `yaml:"eventsub"`
	Ads        *AdsConfig            `yaml:"ads"`
	OBS        *OBSYAMLConfig        `yaml:"obs"`
	OSC        *OSCConfig            `yaml:"osc"`
	Music      *MusicYAMLConfig      `yaml:"music"`
	Ironmon    *IronmonConfig        `yaml:"ironmon"`
	Limitbreak *LimitbreakYAMLConfig `yaml:"limitbreak"`
	Audio      *AudioConfig          `yaml:"audio"`
	Intake     *IntakeConfig         `yaml:"intake"`
	Tokens     *TokensConfig         `yaml:"tokens"`
	Retention  *RetentionYAMLConfig  `yaml:"retention"`
}

// RetentionYAMLConfig holds event-log retention settings from YAML.
type RetentionYAMLConfig struct {
	EventRetentionDays int    `yaml:"event_retention_days,omitempty"`
	CleanupInterval    string `yaml:"cleanup_interval,omitempty"` // Parsed to time.Duration
}

// SystemYAMLConfig groups system-wide settings.
type SystemYAMLConfig struct {
	Timezone string           `yaml:"timezone"`
	Slack    *SlackYAMLConfig `yaml:"slack"`
}

// SlackYAMLConfig holds operator-notification settings from YAML.
type SlackYAMLConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// TwitchYAMLConfig holds platform API settings from YAML.
type TwitchYAMLConfig struct {
	ClientID          string `yaml:"client_id"`
	ClientSecretEnv   string `yaml:"client_secret_env,omitempty"`
	BroadcasterUserID string `yaml:"broadcaster_user_id"`
	BotUserID         string `yaml:"bot_user_id,omitempty"`
	VoteRewardID      string `yaml:"vote_reward_id,omitempty"`
	HelixURL          string `yaml:"helix_url,omitempty"`
	OAuthURL          string `yaml:"oauth_url,omitempty"`
	Timeout           string `yaml:"timeout,omitempty"` // Parsed to time.Duration
}

// EventSubYAMLConfig holds EventSub adapter settings from YAML.
type EventSubYAMLConfig struct {
	URL            string              `yaml:"url,omitempty"`
	MaxSilence     string              `yaml:"max_silence,omitempty"` // Parsed to time.Duration
	StreamingHours *StreamingHoursYAML `yaml:"streaming_hours,omitempty"`
	RestartTime    string              `yaml:"restart_time,omitempty"` // "HH:MM" local
}

// StreamingHoursYAML bounds the local-time window in which the broadcaster
// is expected to be live.
type StreamingHoursYAML struct {
	Start *int `yaml:"start"`
	End   *int `yaml:"end"`
}

// OBSYAMLConfig holds compositor adapter settings from YAML.
type OBSYAMLConfig struct {
	Enabled          *bool    `yaml:"enabled,omitempty"`
	URL              string   `yaml:"url,omitempty"`
	PasswordEnv      string   `yaml:"password_env,omitempty"`
	BrowserSources   []string `yaml:"browser_sources,omitempty"`
	RefreshOnConnect *bool    `yaml:"refresh_on_connect,omitempty"`
	StatsInterval    string   `yaml:"stats_interval,omitempty"` // Parsed to time.Duration
}

// MusicYAMLConfig holds music poller settings from YAML.
type MusicYAMLConfig struct {
	Enabled        *bool  `yaml:"enabled,omitempty"`
	PollURL        string `yaml:"poll_url,omitempty"`
	PollInterval   string `yaml:"poll_interval,omitempty"`    // Parsed to time.Duration
	BreakerMaxWait string `yaml:"breaker_max_wait,omitempty"` // Parsed to time.Duration
}

// LimitbreakYAMLConfig holds channel-points gauge settings from YAML.
type LimitbreakYAMLConfig struct {
	RewardID        string `yaml:"reward_id,omitempty"`
	ExecuteRewardID string `yaml:"execute_reward_id,omitempty"`
	MaxCount        int    `yaml:"max_count,omitempty"`
	CacheTTL        string `yaml:"cache_ttl,omitempty"`    // Parsed to time.Duration
	FallbackTTL     string `yaml:"fallback_ttl,omitempty"` // Parsed to time.Duration
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load synthform.yaml from configDir
//  2. Expand environment variables
//  3. Merge user values over built-in defaults
//  4. Validate all configuration
//  5. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"timezone", cfg.Timezone.String(),
		"adapters", stats.Adapters,
		"slack", stats.SlackEnabled)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	raw, err := loader.loadSynthformYAML()
	if err != nil {
		return nil, NewLoadError("synthform.yaml", err)
	}

	tz, err := resolveTimezone(raw.System)
	if err != nil {
		return nil, NewLoadError("synthform.yaml", err)
	}

	// Plain sections: merge user config over built-in defaults.
	// Non-zero user values override; unset fields keep their defaults.
	server := DefaultServerConfig()
	if raw.Server != nil {
		if err := mergo.Merge(server, raw.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge server config: %w", err)
		}
	}
	redisCfg := DefaultRedisConfig()
	if raw.Redis != nil {
		if err := mergo.Merge(redisCfg, raw.Redis, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge redis config: %w", err)
		}
	}
	ads := DefaultAdsConfig()
	if raw.Ads != nil {
		if err := mergo.Merge(ads, raw.Ads, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge ads config: %w", err)
		}
	}
	osc := DefaultOSCConfig()
	if raw.OSC != nil {
		if err := mergo.Merge(osc, raw.OSC, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge osc config: %w", err)
		}
	}
	ironmon := DefaultIronmonConfig()
	if raw.Ironmon != nil {
		if err := mergo.Merge(ironmon, raw.Ironmon, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge ironmon config: %w", err)
		}
	}
	audio := DefaultAudioConfig()
	if raw.Audio != nil {
		if err := mergo.Merge(audio, raw.Audio, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge audio config: %w", err)
		}
	}
	intake := DefaultIntakeConfig()
	if raw.Intake != nil {
		if err := mergo.Merge(intake, raw.Intake, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge intake config: %w", err)
		}
	}
	tokens := DefaultTokensConfig()
	if raw.Tokens != nil {
		if err := mergo.Merge(tokens, raw.Tokens, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge tokens config: %w", err)
		}
	}

	return &Config{
		configDir:  configDir,
		Timezone:   tz,
		Server:     server,
		Redis:      redisCfg,
		Twitch:     resolveTwitchConfig(raw.Twitch),
		EventSub:   resolveEventSubConfig(raw.EventSub),
		Ads:        ads,
		OBS:        resolveOBSConfig(raw.OBS),
		OSC:        osc,
		Music:      resolveMusicConfig(raw.Music),
		Ironmon:    ironmon,
		Limitbreak: resolveLimitbreakConfig(raw.Limitbreak),
		Audio:      audio,
		Intake:     intake,
		Tokens:     tokens,
		Retention:  resolveRetentionConfig(raw.Retention),
		Slack:      resolveSlackConfig(raw.System),
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes the original data through on parse/execution errors,
	// letting the YAML parser produce the clearer error message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadSynthformYAML() (*SynthformYAMLConfig, error) {
	var config SynthformYAMLConfig
	if err := l.loadYAML("synthform.yaml", &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// parseDuration parses a user-supplied duration string, falling back to the
// default (with a WARN) when the value does not parse.
func parseDuration(section, field, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"section", section,
			"field", field,
			"value", value,
			"default", def,
			"error", err)
		return def
	}
	return d
}

func resolveTimezone(sys *SystemYAMLConfig) (*time.Location, error) {
	name := DefaultTimezoneName
	if sys != nil && sys.Timezone != "" {
		name = sys.Timezone
	}
	tz, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: system.timezone %q: %v", ErrInvalidValue, name, err)
	}
	return tz, nil
}

// resolveTwitchConfig resolves platform API configuration, applying defaults.
func resolveTwitchConfig(t *TwitchYAMLConfig) *TwitchConfig {
	cfg := DefaultTwitchConfig()
	if t == nil {
		return cfg
	}
	if t.ClientID != "" {
		cfg.ClientID = t.ClientID
	}
	if t.ClientSecretEnv != "" {
		cfg.ClientSecretEnv = t.ClientSecretEnv
	}
	if t.BroadcasterUserID != "" {
		cfg.BroadcasterUserID = t.BroadcasterUserID
	}
	if t.BotUserID != "" {
		cfg.BotUserID = t.BotUserID
	}
	if t.VoteRewardID != "" {
		cfg.VoteRewardID = t.VoteRewardID
	}
	if t.HelixURL != "" {
		cfg.HelixURL = t.HelixURL
	}
	if t.OAuthURL != "" {
		cfg.OAuthURL = t.OAuthURL
	}
	cfg.Timeout = parseDuration("twitch", "timeout", t.Timeout, cfg.Timeout)
	return cfg
}

// resolveEventSubConfig resolves EventSub adapter configuration, applying defaults.
func resolveEventSubConfig(e *EventSubYAMLConfig) *EventSubConfig {
	cfg := DefaultEventSubConfig()
	if e == nil {
		return cfg
	}
	if e.URL != "" {
		cfg.URL = e.URL
	}
	cfg.MaxSilence = parseDuration("eventsub", "max_silence", e.MaxSilence, cfg.MaxSilence)
	if e.StreamingHours != nil {
		if e.StreamingHours.Start != nil {
			cfg.StreamingHoursStart = *e.StreamingHours.Start
		}
		if e.StreamingHours.End != nil {
			cfg.StreamingHoursEnd = *e.StreamingHours.End
		}
	}
	if e.RestartTime != "" {
		cfg.RestartTime = e.RestartTime
	}
	return cfg
}

// resolveOBSConfig resolves compositor adapter configuration, applying defaults.
func resolveOBSConfig(o *OBSYAMLConfig) *OBSConfig {
	cfg := DefaultOBSConfig()
	if o == nil {
		return cfg
	}
	if o.Enabled != nil {
		cfg.Enabled = *o.Enabled
	}
	if o.URL != "" {
		cfg.URL = o.URL
	}
	if o.PasswordEnv != "" {
		cfg.PasswordEnv = o.PasswordEnv
	}
	if len(o.BrowserSources) > 0 {
		cfg.BrowserSources = o.BrowserSources
	}
	if o.RefreshOnConnect != nil {
		cfg.RefreshOnConnect = *o.RefreshOnConnect
	}
	cfg.StatsInterval = parseDuration("obs", "stats_interval", o.StatsInterval, cfg.StatsInterval)
	return cfg
}

// resolveMusicConfig resolves music poller configuration, applying defaults.
func resolveMusicConfig(m *MusicYAMLConfig) *MusicConfig {
	cfg := DefaultMusicConfig()
	if m == nil {
		return cfg
	}
	if m.Enabled != nil {
		cfg.Enabled = *m.Enabled
	}
	if m.PollURL != "" {
		cfg.PollURL = m.PollURL
	}
	cfg.PollInterval = parseDuration("music", "poll_interval", m.PollInterval, cfg.PollInterval)
	cfg.BreakerMaxWait = parseDuration("music", "breaker_max_wait", m.BreakerMaxWait, cfg.BreakerMaxWait)
	return cfg
}

// resolveLimitbreakConfig resolves channel-points gauge configuration, applying defaults.
func resolveLimitbreakConfig(lb *LimitbreakYAMLConfig) *LimitbreakConfig {
	cfg := DefaultLimitbreakConfig()
	if lb == nil {
		return cfg
	}
	if lb.RewardID != "" {
		cfg.RewardID = lb.RewardID
	}
	if lb.ExecuteRewardID != "" {
		cfg.ExecuteRewardID = lb.ExecuteRewardID
	}
	if lb.MaxCount > 0 {
		cfg.MaxCount = lb.MaxCount
	}
	cfg.CacheTTL = parseDuration("limitbreak", "cache_ttl", lb.CacheTTL, cfg.CacheTTL)
	cfg.FallbackTTL = parseDuration("limitbreak", "fallback_ttl", lb.FallbackTTL, cfg.FallbackTTL)
	return cfg
}

// resolveRetentionConfig resolves event-log retention configuration, applying defaults.
func resolveRetentionConfig(r *RetentionYAMLConfig) *RetentionConfig {
	cfg := DefaultRetentionConfig()
	if r == nil {
		return cfg
	}
	if r.EventRetentionDays > 0 {
		cfg.EventRetentionDays = r.EventRetentionDays
	}
	cfg.CleanupInterval = parseDuration("retention", "cleanup_interval", r.CleanupInterval, cfg.CleanupInterval)
	return cfg
}

// resolveSlackConfig resolves notification configuration from system YAML, applying defaults.
func resolveSlackConfig(sys *SystemYAMLConfig) *SlackConfig {
	cfg := DefaultSlackConfig()
	if sys == nil || sys.Slack == nil {
		return cfg
	}

	s := sys.Slack
	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	if s.TokenEnv != "" {
		cfg.TokenEnv = s.TokenEnv
	}
	if s.Channel != "" {
		cfg.Channel = s.Channel
	}

	return cfg
}
