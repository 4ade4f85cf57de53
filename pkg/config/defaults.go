package config

import "time"

// Built-in defaults. Values here are what a bare synthform.yaml gets; the
// user file overrides field by field.

// DefaultServerConfig returns the built-in HTTP listener defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host: "0.0.0.0",
		Port: 7175,
	}
}

// DefaultRedisConfig returns the built-in Redis defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL: "redis://localhost:6379/0",
	}
}

// DefaultTwitchConfig returns the built-in platform API defaults.
func DefaultTwitchConfig() *TwitchConfig {
	return &TwitchConfig{
		ClientSecretEnv: "TWITCH_CLIENT_SECRET",
		HelixURL:        "https://api.twitch.tv/helix",
		OAuthURL:        "https://id.twitch.tv/oauth2",
		Timeout:         10 * time.Second,
	}
}

// DefaultEventSubConfig returns the built-in EventSub adapter defaults.
func DefaultEventSubConfig() *EventSubConfig {
	return &EventSubConfig{
		URL:                 "wss://eventsub.wss.twitch.tv/ws",
		MaxSilence:          30 * time.Minute,
		StreamingHoursStart: 9,
		StreamingHoursEnd:   23,
		RestartTime:         "07:00",
	}
}

// DefaultAdsConfig returns the built-in ad scheduler defaults.
func DefaultAdsConfig() *AdsConfig {
	return &AdsConfig{
		IntervalMinutes: 30,
		DurationSeconds: 90,
		WarningSeconds:  60,
		RetryMinutes:    5,
	}
}

// DefaultOBSConfig returns the built-in compositor adapter defaults.
func DefaultOBSConfig() *OBSConfig {
	return &OBSConfig{
		Enabled:          false,
		URL:              "ws://localhost:4455",
		PasswordEnv:      "OBS_WEBSOCKET_PASSWORD",
		RefreshOnConnect: true,
		StatsInterval:    60 * time.Second,
	}
}

// DefaultOSCConfig returns the built-in control-surface listener defaults.
func DefaultOSCConfig() *OSCConfig {
	return &OSCConfig{
		Enabled:  false,
		Bind:     "0.0.0.0:9001",
		Channels: 8,
	}
}

// DefaultMusicConfig returns the built-in music poller defaults.
func DefaultMusicConfig() *MusicConfig {
	return &MusicConfig{
		Enabled:        false,
		PollInterval:   10 * time.Second,
		BreakerMaxWait: 60 * time.Second,
	}
}

// DefaultIronmonConfig returns the built-in game TCP server defaults.
func DefaultIronmonConfig() *IronmonConfig {
	return &IronmonConfig{
		Enabled: false,
		Bind:    ":8080",
	}
}

// DefaultLimitbreakConfig returns the built-in channel-points gauge defaults.
func DefaultLimitbreakConfig() *LimitbreakConfig {
	return &LimitbreakConfig{
		MaxCount:    300,
		CacheTTL:    30 * time.Second,
		FallbackTTL: time.Hour,
	}
}

// DefaultAudioConfig returns the built-in audio frame limits.
func DefaultAudioConfig() *AudioConfig {
	return &AudioConfig{
		MaxStringLength:    256,
		MaxDataSize:        1 << 20, // 1 MiB per chunk
		RateLimitPerSecond: 100,
	}
}

// DefaultIntakeConfig returns the built-in intake worker-pool defaults.
func DefaultIntakeConfig() *IntakeConfig {
	return &IntakeConfig{
		WorkerCount: 2,
		QueueSize:   256,
	}
}

// DefaultTokensConfig returns the built-in token-encryption defaults.
func DefaultTokensConfig() *TokensConfig {
	return &TokensConfig{
		EncryptionKeyEnv: "TOKEN_ENCRYPTION_KEY",
	}
}

// DefaultRetentionConfig returns the built-in event-log retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		EventRetentionDays: 90,
		CleanupInterval:    6 * time.Hour,
	}
}

// DefaultSlackConfig returns the built-in notification defaults.
func DefaultSlackConfig() *SlackConfig {
	return &SlackConfig{
		Enabled:  false,
		TokenEnv: "SLACK_BOT_TOKEN",
	}
}

// DefaultTimezoneName is the broadcaster-local zone applied when the file
// does not set system.timezone.
const DefaultTimezoneName = "America/Los_Angeles"
