// Package config loads and validates synthform configuration from a config
// directory (synthform.yaml + .env), expanding {{.ENV_VAR}} references and
// applying built-in defaults for everything the file leaves unset.
package config

import "time"

// Config is the umbrella configuration object returned by Initialize()
// and handed to every process mode at startup.
type Config struct {
	configDir string // Configuration directory path (for reference)

	Timezone *time.Location // Broadcaster-local zone; gates streaming hours and the daily restart

	Server     *ServerConfig
	Redis      *RedisConfig
	Twitch     *TwitchConfig
	EventSub   *EventSubConfig
	Ads        *AdsConfig
	OBS        *OBSConfig
	OSC        *OSCConfig
	Music      *MusicConfig
	Ironmon    *IronmonConfig
	Limitbreak *LimitbreakConfig
	Audio      *AudioConfig
	Intake     *IntakeConfig
	Tokens     *TokensConfig
	Retention  *RetentionConfig
	Slack      *SlackConfig
}

// ServerConfig holds the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Host             string   `yaml:"host"`
	Port             int      `yaml:"port"`
	AllowedWSOrigins []string `yaml:"allowed_ws_origins"`
}

// RedisConfig points at the pub/sub + key-value store.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// TwitchConfig holds platform API credentials and endpoints.
// The client secret stays in the environment; only its variable name is
// configured here.
type TwitchConfig struct {
	ClientID          string
	ClientSecretEnv   string
	BroadcasterUserID string
	BotUserID         string
	VoteRewardID      string // channel-points reward counted as a campaign vote
	HelixURL          string
	OAuthURL          string
	Timeout           time.Duration
}

// EventSubConfig controls the platform push-subscription adapter.
type EventSubConfig struct {
	URL                 string
	MaxSilence          time.Duration // silence watchdog threshold during streaming hours
	StreamingHoursStart int           // local hour, inclusive
	StreamingHoursEnd   int           // local hour, exclusive
	RestartTime         string        // "HH:MM" local; daily process restart
}

// AdsConfig drives the ad-break scheduler tick.
type AdsConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"` // gap between commercials
	DurationSeconds int `yaml:"duration_seconds"` // commercial length requested from the platform
	WarningSeconds  int `yaml:"warning_seconds"`  // lead time for the on-stream warning
	RetryMinutes    int `yaml:"retry_minutes"`    // reschedule delay after a failed start-commercial call
}

// OBSConfig controls the scene-compositor adapter.
type OBSConfig struct {
	Enabled          bool
	URL              string
	PasswordEnv      string
	BrowserSources   []string // inputs refreshed on a fresh connect
	RefreshOnConnect bool
	StatsInterval    time.Duration // performance-monitor poll cadence
}

// OSCConfig controls the audio control-surface listener.
type OSCConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Bind     string `yaml:"bind"`
	Channels int    `yaml:"channels"` // mixer channel count mapped from /1/volumeN addresses
}

// MusicConfig controls the now-playing HTTP poller.
type MusicConfig struct {
	Enabled        bool
	PollURL        string
	PollInterval   time.Duration
	BreakerMaxWait time.Duration // circuit-breaker cooldown cap
}

// IronmonConfig controls the game-plugin TCP ingest server.
type IronmonConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

// LimitbreakConfig controls the channel-points gauge.
type LimitbreakConfig struct {
	RewardID        string
	ExecuteRewardID string
	MaxCount        int
	CacheTTL        time.Duration
	FallbackTTL     time.Duration
}

// AudioConfig bounds inbound binary audio frames on /ws/audio/.
type AudioConfig struct {
	MaxStringLength    int `yaml:"max_string_length"`
	MaxDataSize        int `yaml:"max_data_size"`
	RateLimitPerSecond int `yaml:"rate_limit_per_second"`
}

// IntakeConfig sizes the async worker pool behind the game HTTP intake.
type IntakeConfig struct {
	WorkerCount int `yaml:"worker_count"`
	QueueSize   int `yaml:"queue_size"`
}

// TokensConfig names the environment variable carrying the 32-byte
// credential-encryption key.
type TokensConfig struct {
	EncryptionKeyEnv string `yaml:"encryption_key_env"`
}

// RetentionConfig bounds the event log. Events older than the retention
// window are pruned on the cleanup interval.
type RetentionConfig struct {
	EventRetentionDays int           // prune events older than this many days
	CleanupInterval    time.Duration // how often the pruner runs
}

// SlackConfig holds operator-notification settings.
type SlackConfig struct {
	Enabled  bool
	TokenEnv string
	Channel  string
}

// Stats contains a summary of the loaded configuration for startup logging.
type Stats struct {
	Adapters     []string
	SlackEnabled bool
}

// Stats returns which optional adapters are enabled.
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.OBS != nil && c.OBS.Enabled {
		s.Adapters = append(s.Adapters, "obs")
	}
	if c.OSC != nil && c.OSC.Enabled {
		s.Adapters = append(s.Adapters, "osc")
	}
	if c.Music != nil && c.Music.Enabled {
		s.Adapters = append(s.Adapters, "music")
	}
	if c.Ironmon != nil && c.Ironmon.Enabled {
		s.Adapters = append(s.Adapters, "ironmon")
	}
	if c.Slack != nil {
		s.SlackEnabled = c.Slack.Enabled
	}
	return s
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// StreamingHours reports whether the given time (converted to the
// broadcaster-local zone) falls inside the configured streaming window.
// The window may wrap past midnight (e.g. 18 → 2).
func (c *Config) StreamingHours(t time.Time) bool {
	start := c.EventSub.StreamingHoursStart
	end := c.EventSub.StreamingHoursEnd
	hour := t.In(c.Timezone).Hour()
	if start == end {
		return true // degenerate window means always on
	}
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
