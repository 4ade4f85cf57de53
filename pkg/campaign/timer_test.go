package campaign

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bryanveloso/synthform-sub000/pkg/store"
)

func subathonCampaign(timerMode bool) *store.Campaign {
	return &store.Campaign{
		TimerMode:           timerMode,
		TimerInitialSeconds: 3600,
		SecondsPerSub:       180,
		SecondsPerTier2:     360,
		SecondsPerTier3:     900,
	}
}

func TestTimerAddition(t *testing.T) {
	started := time.Now()

	tests := []struct {
		name     string
		campaign *store.Campaign
		metrics  *store.Metrics
		tier     int
		count    int
		want     int
	}{
		{
			name:     "tier1 single",
			campaign: subathonCampaign(true),
			metrics:  &store.Metrics{TimerStartedAt: &started},
			tier:     1, count: 1, want: 180,
		},
		{
			name:     "tier2 single",
			campaign: subathonCampaign(true),
			metrics:  &store.Metrics{TimerStartedAt: &started},
			tier:     2, count: 1, want: 360,
		},
		{
			name:     "tier3 batch of five",
			campaign: subathonCampaign(true),
			metrics:  &store.Metrics{TimerStartedAt: &started},
			tier:     3, count: 5, want: 4500,
		},
		{
			name:     "timer mode off",
			campaign: subathonCampaign(false),
			metrics:  &store.Metrics{TimerStartedAt: &started},
			tier:     1, count: 1, want: 0,
		},
		{
			name:     "timer never started",
			campaign: subathonCampaign(true),
			metrics:  &store.Metrics{},
			tier:     1, count: 1, want: 0,
		},
		{
			name:     "paused timer still accrues",
			campaign: subathonCampaign(true),
			metrics:  &store.Metrics{TimerStartedAt: &started, TimerPausedAt: &started},
			tier:     1, count: 2, want: 360,
		},
		{
			name:     "zero count",
			campaign: subathonCampaign(true),
			metrics:  &store.Metrics{TimerStartedAt: &started},
			tier:     1, count: 0, want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, timerAddition(tt.campaign, tt.metrics, tt.tier, tt.count))
		})
	}
}

func TestParseTier(t *testing.T) {
	assert.Equal(t, 1, parseTier("1000"))
	assert.Equal(t, 2, parseTier("2000"))
	assert.Equal(t, 3, parseTier("3000"))
	assert.Equal(t, 1, parseTier("Prime"))
	assert.Equal(t, 1, parseTier(""))
}

func TestSeenSetEvictsOldestHalf(t *testing.T) {
	s := newSeenSet(4)

	assert.False(t, s.Seen("a"))
	assert.False(t, s.Seen("b"))
	assert.False(t, s.Seen("c"))
	assert.False(t, s.Seen("d"))
	assert.True(t, s.Seen("d"))

	// Fifth insert evicts the oldest half (a, b).
	assert.False(t, s.Seen("e"))
	assert.False(t, s.Seen("a"))
	assert.True(t, s.Seen("c"))
	assert.True(t, s.Seen("d"))
	assert.True(t, s.Seen("e"))
}
