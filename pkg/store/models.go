package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Member is a viewer known to the system, keyed by Twitch user ID.
type Member struct {
	ID          uuid.UUID `json:"id"`
	TwitchID    string    `json:"twitch_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	Pronouns    string    `json:"pronouns,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Session is one calendar day of streaming.
type Session struct {
	ID              uuid.UUID  `json:"id"`
	Date            time.Time  `json:"date"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	Live            bool       `json:"live"`
	DurationSeconds int64      `json:"duration_seconds"`
}

// Event is one row of the append-only event log.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	Source        string          `json:"source"`
	EventType     string          `json:"event_type"`
	MemberID      *uuid.UUID      `json:"member_id,omitempty"`
	SessionID     *uuid.UUID      `json:"session_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    time.Time       `json:"timestamp"`
	SourceEventID string          `json:"source_event_id,omitempty"`
}

// Campaign configures a subathon-style drive. When TimerMode is on,
// subscriptions extend a countdown according to the per-tier rates.
type Campaign struct {
	ID                  uuid.UUID  `json:"id"`
	Name                string     `json:"name"`
	Slug                string     `json:"slug"`
	Description         string     `json:"description,omitempty"`
	StartDate           *time.Time `json:"start_date,omitempty"`
	EndDate             *time.Time `json:"end_date,omitempty"`
	IsActive            bool       `json:"is_active"`
	TimerMode           bool       `json:"timer_mode"`
	TimerInitialSeconds int        `json:"timer_initial_seconds"`
	SecondsPerSub       int        `json:"seconds_per_sub"`
	SecondsPerTier2     int        `json:"seconds_per_tier2"`
	SecondsPerTier3     int        `json:"seconds_per_tier3"`
	MaxTimerSeconds     *int       `json:"max_timer_seconds,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Metrics is the running tally for one campaign. One row per campaign,
// always mutated under a row lock.
type Metrics struct {
	ID                    uuid.UUID       `json:"id"`
	CampaignID            uuid.UUID       `json:"campaign_id"`
	TotalSubs             int             `json:"total_subs"`
	TotalResubs           int             `json:"total_resubs"`
	TotalBits             int             `json:"total_bits"`
	TotalDonations        float64         `json:"total_donations"`
	TimerSecondsRemaining int             `json:"timer_seconds_remaining"`
	TimerStartedAt        *time.Time      `json:"timer_started_at,omitempty"`
	TimerPausedAt         *time.Time      `json:"timer_paused_at,omitempty"`
	Extra                 json.RawMessage `json:"extra,omitempty"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// Milestone is a reward unlocked when campaign progress crosses Threshold.
type Milestone struct {
	ID          uuid.UUID  `json:"id"`
	CampaignID  uuid.UUID  `json:"campaign_id"`
	Threshold   int        `json:"threshold"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	ImageURL    string     `json:"image_url,omitempty"`
	IsUnlocked  bool       `json:"is_unlocked"`
	UnlockedAt  *time.Time `json:"unlocked_at,omitempty"`
}

// GiftContribution accumulates one member's gifted subs within a campaign.
type GiftContribution struct {
	ID          uuid.UUID `json:"id"`
	CampaignID  uuid.UUID `json:"campaign_id"`
	MemberID    uuid.UUID `json:"member_id"`
	Tier1Count  int       `json:"tier1_count"`
	Tier2Count  int       `json:"tier2_count"`
	Tier3Count  int       `json:"tier3_count"`
	TotalCount  int       `json:"total_count"`
	FirstGiftAt time.Time `json:"first_gift_at"`
	LastGiftAt  time.Time `json:"last_gift_at"`
}

// GiftLeaderboardEntry is one row of the ranked gifter list.
type GiftLeaderboardEntry struct {
	Member     Member `json:"member"`
	TotalCount int    `json:"total_count"`
	Rank       int    `json:"rank"`
}

// ServiceToken holds encrypted OAuth credentials for an external service.
// Access and refresh tokens are ciphertext; pkg/tokens owns the sealing.
type ServiceToken struct {
	ID           uuid.UUID  `json:"id"`
	Service      string     `json:"service"`
	UserID       string     `json:"user_id"`
	AccessToken  []byte     `json:"-"`
	RefreshToken []byte     `json:"-"`
	Scopes       string     `json:"scopes"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// BroadcasterStatus is the single-row published status.
type BroadcasterStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FFBotPlayer is the persisted game snapshot for one member.
type FFBotPlayer struct {
	MemberID  uuid.UUID       `json:"member_id"`
	Snapshot  json.RawMessage `json:"snapshot"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IronmonRun is one attempt in the IronMON challenge.
type IronmonRun struct {
	ID        uuid.UUID       `json:"id"`
	SeedID    *int64          `json:"seed_id,omitempty"`
	Game      string          `json:"game,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	StartedAt time.Time       `json:"started_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// IronmonCheckpoint records a cleared checkpoint within a run.
type IronmonCheckpoint struct {
	ID        uuid.UUID       `json:"id"`
	RunID     uuid.UUID       `json:"run_id"`
	Name      string          `json:"name"`
	Data      json.RawMessage `json:"data,omitempty"`
	ClearedAt time.Time       `json:"cleared_at"`
}
