package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig drops a synthform.yaml with the given content into a temp
// config dir and returns the dir.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	err := os.WriteFile(filepath.Join(dir, "synthform.yaml"), []byte(content), 0o600)
	require.NoError(t, err)
	return dir
}

const minimalYAML = `
twitch:
  client_id: test-client
  broadcaster_user_id: "12345"
`

func TestInitializeMinimalConfig(t *testing.T) {
	dir := writeConfig(t, minimalYAML)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	// Required fields from the file.
	assert.Equal(t, "test-client", cfg.Twitch.ClientID)
	assert.Equal(t, "12345", cfg.Twitch.BroadcasterUserID)

	// Everything else falls back to built-in defaults.
	assert.Equal(t, 7175, cfg.Server.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, "wss://eventsub.wss.twitch.tv/ws", cfg.EventSub.URL)
	assert.Equal(t, "07:00", cfg.EventSub.RestartTime)
	assert.Equal(t, 30*time.Minute, cfg.EventSub.MaxSilence)
	assert.Equal(t, 30, cfg.Ads.IntervalMinutes)
	assert.Equal(t, 90, cfg.Ads.DurationSeconds)
	assert.Equal(t, 60, cfg.Ads.WarningSeconds)
	assert.Equal(t, 300, cfg.Limitbreak.MaxCount)
	assert.Equal(t, 30*time.Second, cfg.Limitbreak.CacheTTL)
	assert.Equal(t, time.Hour, cfg.Limitbreak.FallbackTTL)
	assert.Equal(t, DefaultTimezoneName, cfg.Timezone.String())
	assert.False(t, cfg.OBS.Enabled)
	assert.False(t, cfg.Slack.Enabled)
}

func TestInitializeFullConfig(t *testing.T) {
	dir := writeConfig(t, `
system:
  timezone: America/New_York
  slack:
    enabled: true
    channel: "#ops"
server:
  host: 127.0.0.1
  port: 9000
  allowed_ws_origins:
    - https://overlay.example.com
redis:
  url: redis://cache:6379/2
twitch:
  client_id: cid
  broadcaster_user_id: "999"
  bot_user_id: "1000"
  timeout: 5s
eventsub:
  max_silence: 45m
  streaming_hours:
    start: 18
    end: 2
  restart_time: "06:30"
ads:
  interval_minutes: 20
  duration_seconds: 60
obs:
  enabled: true
  url: ws://obs.local:4455
  browser_sources:
    - overlay
    - ticker
  refresh_on_connect: false
  stats_interval: 30s
osc:
  enabled: true
  bind: 0.0.0.0:9002
  channels: 12
music:
  enabled: true
  poll_url: http://localhost:5000/now-playing
  poll_interval: 15s
ironmon:
  enabled: true
  bind: ":8080"
limitbreak:
  reward_id: reward-1
  execute_reward_id: reward-2
  cache_ttl: 10s
intake:
  worker_count: 4
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, "America/New_York", cfg.Timezone.String())
	assert.True(t, cfg.Slack.Enabled)
	assert.Equal(t, "#ops", cfg.Slack.Channel)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, []string{"https://overlay.example.com"}, cfg.Server.AllowedWSOrigins)
	assert.Equal(t, "redis://cache:6379/2", cfg.Redis.URL)
	assert.Equal(t, 5*time.Second, cfg.Twitch.Timeout)
	assert.Equal(t, 45*time.Minute, cfg.EventSub.MaxSilence)
	assert.Equal(t, 18, cfg.EventSub.StreamingHoursStart)
	assert.Equal(t, 2, cfg.EventSub.StreamingHoursEnd)
	assert.Equal(t, "06:30", cfg.EventSub.RestartTime)
	assert.Equal(t, 20, cfg.Ads.IntervalMinutes)
	assert.Equal(t, 5, cfg.Ads.RetryMinutes, "unset ads field keeps default")
	assert.True(t, cfg.OBS.Enabled)
	assert.False(t, cfg.OBS.RefreshOnConnect)
	assert.Equal(t, []string{"overlay", "ticker"}, cfg.OBS.BrowserSources)
	assert.Equal(t, 30*time.Second, cfg.OBS.StatsInterval)
	assert.Equal(t, 12, cfg.OSC.Channels)
	assert.True(t, cfg.Music.Enabled)
	assert.Equal(t, 15*time.Second, cfg.Music.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.Music.BreakerMaxWait, "unset breaker wait keeps default")
	assert.True(t, cfg.Ironmon.Enabled)
	assert.Equal(t, "reward-1", cfg.Limitbreak.RewardID)
	assert.Equal(t, 10*time.Second, cfg.Limitbreak.CacheTTL)
	assert.Equal(t, 4, cfg.Intake.WorkerCount)
	assert.Equal(t, 256, cfg.Intake.QueueSize, "unset intake field keeps default")
}

func TestInitializeExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_TWITCH_CLIENT", "expanded-client")
	dir := writeConfig(t, `
twitch:
  client_id: "{{.TEST_TWITCH_CLIENT}}"
  broadcaster_user_id: "1"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "expanded-client", cfg.Twitch.ClientID)
}

func TestInitializeMissingFile(t *testing.T) {
	_, err := Initialize(context.Background(), t.TempDir())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigNotFound)

	var loadErr *LoadError
	assert.ErrorAs(t, err, &loadErr)
	assert.Equal(t, "synthform.yaml", loadErr.File)
}

func TestInitializeInvalidYAML(t *testing.T) {
	dir := writeConfig(t, "twitch: [unclosed")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeMissingRequiredTwitchFields(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "no twitch section", yaml: "server:\n  port: 7175\n"},
		{name: "missing client_id", yaml: "twitch:\n  broadcaster_user_id: \"1\"\n"},
		{name: "missing broadcaster", yaml: "twitch:\n  client_id: cid\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeConfig(t, tt.yaml)

			_, err := Initialize(context.Background(), dir)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrValidationFailed)
			assert.ErrorIs(t, err, ErrMissingRequiredField)
		})
	}
}

func TestInitializeInvalidTimezone(t *testing.T) {
	dir := writeConfig(t, minimalYAML+`
system:
  timezone: Not/AZone
`)

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidValue)
}

func TestInitializeInvalidDurationFallsBack(t *testing.T) {
	dir := writeConfig(t, minimalYAML+`
eventsub:
  max_silence: "not-a-duration"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err, "bad durations warn and fall back, they do not fail startup")
	assert.Equal(t, 30*time.Minute, cfg.EventSub.MaxSilence)
}

func TestStreamingHoursWindow(t *testing.T) {
	dir := writeConfig(t, minimalYAML+`
system:
  timezone: UTC
eventsub:
  streaming_hours:
    start: 18
    end: 2
`)
	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	at := func(hour int) time.Time {
		return time.Date(2026, 3, 14, hour, 30, 0, 0, time.UTC)
	}

	assert.True(t, cfg.StreamingHours(at(19)), "inside wrapped window, before midnight")
	assert.True(t, cfg.StreamingHours(at(1)), "inside wrapped window, after midnight")
	assert.False(t, cfg.StreamingHours(at(3)))
	assert.False(t, cfg.StreamingHours(at(17)))
}

func TestValidationErrorUnwraps(t *testing.T) {
	err := NewValidationError("eventsub", "restart_time", ErrInvalidValue)
	assert.True(t, errors.Is(err, ErrInvalidValue))
	assert.Contains(t, err.Error(), "eventsub")
	assert.Contains(t, err.Error(), "restart_time")
}
