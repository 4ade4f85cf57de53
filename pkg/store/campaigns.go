package store

import (
	"context"
	stdsql "database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const campaignColumns = `id, name, slug, description, start_date, end_date, is_active,
	timer_mode, timer_initial_seconds, seconds_per_sub, seconds_per_tier2,
	seconds_per_tier3, max_timer_seconds, created_at, updated_at`

const metricsColumns = `id, campaign_id, total_subs, total_resubs, total_bits,
	total_donations, timer_seconds_remaining, timer_started_at, timer_paused_at,
	extra, updated_at`

const milestoneColumns = "id, campaign_id, threshold, title, description, image_url, is_unlocked, unlocked_at"

// CreateCampaign inserts a campaign and its metrics row.
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return s.WithTx(ctx, func(tx *stdsql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO campaigns (id, name, slug, description, start_date, end_date, is_active,
			                       timer_mode, timer_initial_seconds, seconds_per_sub,
			                       seconds_per_tier2, seconds_per_tier3, max_timer_seconds)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			c.ID, c.Name, c.Slug, c.Description, nullTime(c.StartDate), nullTime(c.EndDate),
			c.IsActive, c.TimerMode, c.TimerInitialSeconds, c.SecondsPerSub,
			c.SecondsPerTier2, c.SecondsPerTier3, c.MaxTimerSeconds)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("campaign %s: %w", c.Slug, ErrConflict)
			}
			return fmt.Errorf("failed to create campaign %s: %w", c.Slug, err)
		}
		if _, err := ensureMetrics(ctx, tx, c.ID); err != nil {
			return err
		}
		return nil
	})
}

// ActiveCampaign returns the currently active campaign. Exactly one active
// campaign is the intended state; when several are flagged, the oldest wins
// so every process picks the same one.
func (s *Store) ActiveCampaign(ctx context.Context) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE is_active ORDER BY created_at, id LIMIT 1")

	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, ErrNoActiveCampaign
		}
		return nil, fmt.Errorf("failed to load active campaign: %w", err)
	}
	return c, nil
}

// CampaignBySlug looks a campaign up by its URL slug.
func (s *Store) CampaignBySlug(ctx context.Context, slug string) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+campaignColumns+" FROM campaigns WHERE slug = $1", slug)

	c, err := scanCampaign(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("campaign %s: %w", slug, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load campaign %s: %w", slug, err)
	}
	return c, nil
}

// Metrics returns the committed counters for a campaign without locking.
func (s *Store) Metrics(ctx context.Context, campaignID uuid.UUID) (*Metrics, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+metricsColumns+" FROM campaign_metrics WHERE campaign_id = $1", campaignID)

	m, err := scanMetrics(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("metrics for campaign %s: %w", campaignID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load metrics for campaign %s: %w", campaignID, err)
	}
	return m, nil
}

// MetricsForUpdate locks the campaign's metrics row for the duration of the
// transaction, creating it if the campaign predates the metrics table.
// Every aggregator mutation starts here so concurrent mutators serialise.
func (s *Store) MetricsForUpdate(ctx context.Context, q Querier, campaignID uuid.UUID) (*Metrics, error) {
	if _, err := ensureMetrics(ctx, q, campaignID); err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx,
		"SELECT "+metricsColumns+" FROM campaign_metrics WHERE campaign_id = $1 FOR UPDATE", campaignID)

	m, err := scanMetrics(row)
	if err != nil {
		return nil, fmt.Errorf("failed to lock metrics for campaign %s: %w", campaignID, err)
	}
	return m, nil
}

// MetricsDelta is one aggregator mutation expressed as increments. Counters
// are applied as field expressions so two concurrent transactions compose
// instead of overwriting each other.
type MetricsDelta struct {
	Subs              int
	Resubs            int
	Bits              int
	Donations         float64
	TimerSecondsAdded int
}

// ApplyMetricsDelta applies the increments and returns the committed values.
// The timer addition is clamped to [0, max_timer_seconds] when a cap is set.
func (s *Store) ApplyMetricsDelta(ctx context.Context, q Querier, campaignID uuid.UUID, d MetricsDelta) (*Metrics, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE campaign_metrics m
		SET total_subs = m.total_subs + $2,
		    total_resubs = m.total_resubs + $3,
		    total_bits = m.total_bits + $4,
		    total_donations = m.total_donations + $5,
		    timer_seconds_remaining = GREATEST(0, LEAST(
		        COALESCE(c.max_timer_seconds, 2147483647),
		        m.timer_seconds_remaining + $6)),
		    updated_at = now()
		FROM campaigns c
		WHERE m.campaign_id = $1 AND c.id = m.campaign_id
		RETURNING `+prefixColumns("m", metricsColumns),
		campaignID, d.Subs, d.Resubs, d.Bits, d.Donations, d.TimerSecondsAdded)

	m, err := scanMetrics(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("metrics for campaign %s: %w", campaignID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update metrics for campaign %s: %w", campaignID, err)
	}
	return m, nil
}

// StartTimer starts or extends the subathon countdown. The first start seeds
// the counter with the campaign's initial seconds; starting again while
// running adds the initial seconds on top. Clears any pause.
func (s *Store) StartTimer(ctx context.Context, q Querier, campaignID uuid.UUID, initialSeconds int, at time.Time) (*Metrics, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE campaign_metrics m
		SET timer_seconds_remaining = CASE
		        WHEN m.timer_started_at IS NULL THEN $2
		        ELSE LEAST(COALESCE(c.max_timer_seconds, 2147483647),
		                   m.timer_seconds_remaining + $2)
		    END,
		    timer_started_at = $3,
		    timer_paused_at = NULL,
		    updated_at = now()
		FROM campaigns c
		WHERE m.campaign_id = $1 AND c.id = m.campaign_id
		RETURNING `+prefixColumns("m", metricsColumns),
		campaignID, initialSeconds, at.UTC())

	m, err := scanMetrics(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("metrics for campaign %s: %w", campaignID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to start timer for campaign %s: %w", campaignID, err)
	}
	return m, nil
}

// PauseTimer freezes the countdown; overlays hold the displayed value until
// the timer is started again.
func (s *Store) PauseTimer(ctx context.Context, q Querier, campaignID uuid.UUID, at time.Time) (*Metrics, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE campaign_metrics
		SET timer_paused_at = $2, updated_at = now()
		WHERE campaign_id = $1
		RETURNING `+metricsColumns,
		campaignID, at.UTC())

	m, err := scanMetrics(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("metrics for campaign %s: %w", campaignID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to pause timer for campaign %s: %w", campaignID, err)
	}
	return m, nil
}

// AddVote accumulates a poll vote inside the metrics extra blob under
// ffxiv_votes.<option>. Additive: concurrent votes for the same option sum.
func (s *Store) AddVote(ctx context.Context, q Querier, campaignID uuid.UUID, option string, votes int) (*Metrics, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE campaign_metrics
		SET extra = jsonb_set(
		        jsonb_set(extra, '{ffxiv_votes}', COALESCE(extra->'ffxiv_votes', '{}'::jsonb), true),
		        ARRAY['ffxiv_votes', $2],
		        to_jsonb(COALESCE((extra#>>ARRAY['ffxiv_votes', $2])::int, 0) + $3),
		        true),
		    updated_at = now()
		WHERE campaign_id = $1
		RETURNING `+metricsColumns,
		campaignID, option, votes)

	m, err := scanMetrics(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("metrics for campaign %s: %w", campaignID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to record vote for campaign %s: %w", campaignID, err)
	}
	return m, nil
}

// --- milestones ---

// CreateMilestone adds an unlock threshold to a campaign.
func (s *Store) CreateMilestone(ctx context.Context, m *Milestone) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO milestones (id, campaign_id, threshold, title, description, image_url)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.CampaignID, m.Threshold, m.Title, m.Description, m.ImageURL)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("milestone at %d: %w", m.Threshold, ErrConflict)
		}
		return fmt.Errorf("failed to create milestone at %d: %w", m.Threshold, err)
	}
	return nil
}

// Milestones lists a campaign's milestones in threshold order.
func (s *Store) Milestones(ctx context.Context, campaignID uuid.UUID) ([]Milestone, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+milestoneColumns+" FROM milestones WHERE campaign_id = $1 ORDER BY threshold", campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list milestones for campaign %s: %w", campaignID, err)
	}
	defer rows.Close()

	var milestones []Milestone
	for rows.Next() {
		m, err := scanMilestoneRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan milestone: %w", err)
		}
		milestones = append(milestones, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read milestones: %w", err)
	}
	return milestones, nil
}

// NextUnlockableMilestone returns the highest locked milestone whose
// threshold the progress has crossed, or ErrNotFound when none remain.
func (s *Store) NextUnlockableMilestone(ctx context.Context, q Querier, campaignID uuid.UUID, progress int) (*Milestone, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+milestoneColumns+`
		FROM milestones
		WHERE campaign_id = $1 AND threshold <= $2 AND NOT is_unlocked
		ORDER BY threshold DESC
		LIMIT 1
		FOR UPDATE`,
		campaignID, progress)

	m, err := scanMilestoneRow(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("unlockable milestone: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("failed to find unlockable milestone: %w", err)
	}
	return m, nil
}

// UnlockMilestone flips a milestone to unlocked exactly once. A second
// unlock attempt (a racing transaction) reports ErrNotFound.
func (s *Store) UnlockMilestone(ctx context.Context, q Querier, id uuid.UUID, at time.Time) (*Milestone, error) {
	row := q.QueryRowContext(ctx, `
		UPDATE milestones
		SET is_unlocked = true, unlocked_at = $2
		WHERE id = $1 AND NOT is_unlocked
		RETURNING `+milestoneColumns,
		id, at.UTC())

	m, err := scanMilestoneRow(row)
	if err != nil {
		if errors.Is(err, stdsql.ErrNoRows) {
			return nil, fmt.Errorf("milestone %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to unlock milestone %s: %w", id, err)
	}
	return m, nil
}

// --- gifts ---

// RecordGift accumulates gifted subs for one gifter within a campaign.
// First gift creates the row; later gifts bump the per-tier and total
// counters and refresh last_gift_at.
func (s *Store) RecordGift(ctx context.Context, q Querier, campaignID, memberID uuid.UUID, tier, count int, at time.Time) (*GiftContribution, error) {
	var t1, t2, t3 int
	switch tier {
	case 3:
		t3 = count
	case 2:
		t2 = count
	default:
		t1 = count
	}

	row := q.QueryRowContext(ctx, `
		INSERT INTO gift_contributions (id, campaign_id, member_id, tier1_count, tier2_count,
		                                tier3_count, total_count, first_gift_at, last_gift_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (campaign_id, member_id)
		DO UPDATE SET tier1_count = gift_contributions.tier1_count + EXCLUDED.tier1_count,
		              tier2_count = gift_contributions.tier2_count + EXCLUDED.tier2_count,
		              tier3_count = gift_contributions.tier3_count + EXCLUDED.tier3_count,
		              total_count = gift_contributions.total_count + EXCLUDED.total_count,
		              last_gift_at = EXCLUDED.last_gift_at
		RETURNING id, campaign_id, member_id, tier1_count, tier2_count, tier3_count,
		          total_count, first_gift_at, last_gift_at`,
		uuid.New(), campaignID, memberID, t1, t2, t3, count, at.UTC())

	var g GiftContribution
	if err := row.Scan(&g.ID, &g.CampaignID, &g.MemberID, &g.Tier1Count, &g.Tier2Count,
		&g.Tier3Count, &g.TotalCount, &g.FirstGiftAt, &g.LastGiftAt); err != nil {
		return nil, fmt.Errorf("failed to record gift for member %s: %w", memberID, err)
	}
	return &g, nil
}

// GiftLeaderboard ranks gifters by total gifted subs; ties go to whoever
// reached their count first. limit is clamped to [1, 100].
func (s *Store) GiftLeaderboard(ctx context.Context, campaignID uuid.UUID, limit int) ([]GiftLeaderboardEntry, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.twitch_id, m.username, m.display_name, m.pronouns, m.created_at, m.updated_at,
		       g.total_count
		FROM gift_contributions g
		JOIN members m ON m.id = g.member_id
		WHERE g.campaign_id = $1
		ORDER BY g.total_count DESC, g.last_gift_at ASC
		LIMIT $2`,
		campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query gift leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []GiftLeaderboardEntry
	for rows.Next() {
		var (
			entry    GiftLeaderboardEntry
			twitchID stdsql.NullString
		)
		if err := rows.Scan(&entry.Member.ID, &twitchID, &entry.Member.Username,
			&entry.Member.DisplayName, &entry.Member.Pronouns,
			&entry.Member.CreatedAt, &entry.Member.UpdatedAt, &entry.TotalCount); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard entry: %w", err)
		}
		entry.Member.TwitchID = twitchID.String
		entry.Rank = len(entries) + 1
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read leaderboard: %w", err)
	}
	return entries, nil
}

// --- scan helpers ---

func ensureMetrics(ctx context.Context, q Querier, campaignID uuid.UUID) (stdsql.Result, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO campaign_metrics (id, campaign_id)
		VALUES ($1, $2)
		ON CONFLICT (campaign_id) DO NOTHING`,
		uuid.New(), campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure metrics for campaign %s: %w", campaignID, err)
	}
	return res, nil
}

func scanCampaign(row rowScanner) (*Campaign, error) {
	var (
		c         Campaign
		startDate stdsql.NullTime
		endDate   stdsql.NullTime
		maxTimer  stdsql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Slug, &c.Description, &startDate, &endDate,
		&c.IsActive, &c.TimerMode, &c.TimerInitialSeconds, &c.SecondsPerSub,
		&c.SecondsPerTier2, &c.SecondsPerTier3, &maxTimer, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.StartDate = timePtr(startDate)
	c.EndDate = timePtr(endDate)
	if maxTimer.Valid {
		v := int(maxTimer.Int64)
		c.MaxTimerSeconds = &v
	}
	return &c, nil
}

func scanMetrics(row rowScanner) (*Metrics, error) {
	var (
		m         Metrics
		startedAt stdsql.NullTime
		pausedAt  stdsql.NullTime
	)
	if err := row.Scan(&m.ID, &m.CampaignID, &m.TotalSubs, &m.TotalResubs, &m.TotalBits,
		&m.TotalDonations, &m.TimerSecondsRemaining, &startedAt, &pausedAt,
		&m.Extra, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.TimerStartedAt = timePtr(startedAt)
	m.TimerPausedAt = timePtr(pausedAt)
	return &m, nil
}

func scanMilestoneRow(row rowScanner) (*Milestone, error) {
	var (
		m          Milestone
		unlockedAt stdsql.NullTime
	)
	if err := row.Scan(&m.ID, &m.CampaignID, &m.Threshold, &m.Title, &m.Description,
		&m.ImageURL, &m.IsUnlocked, &unlockedAt); err != nil {
		return nil, err
	}
	m.UnlockedAt = timePtr(unlockedAt)
	return &m, nil
}

// prefixColumns qualifies a comma-separated column list with a table alias
// for RETURNING clauses on UPDATE ... FROM statements.
func prefixColumns(alias, columns string) string {
	out := ""
	for i, col := range splitColumns(columns) {
		if i > 0 {
			out += ", "
		}
		out += alias + "." + col
	}
	return out
}

func splitColumns(columns string) []string {
	var cols []string
	field := ""
	for _, r := range columns {
		switch r {
		case ',':
			cols = append(cols, field)
			field = ""
		case ' ', '\t', '\n':
		default:
			field += string(r)
		}
	}
	if field != "" {
		cols = append(cols, field)
	}
	return cols
}
