package cleanup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanveloso/synthform-sub000/pkg/config"
	"github.com/bryanveloso/synthform-sub000/pkg/store"
	"github.com/bryanveloso/synthform-sub000/test/util"
)

func appendEventAt(t *testing.T, st *store.Store, eventType string, at time.Time) {
	t.Helper()
	_, err := st.AppendEvent(context.Background(), &store.Event{
		Source:     "twitch",
		EventType:  eventType,
		OccurredAt: at,
	})
	require.NoError(t, err)
}

func TestPruneRemovesOnlyExpiredEvents(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	st := store.NewFromDB(util.SetupTestDatabase(t))

	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	appendEventAt(t, st, "channel.follow", now.AddDate(0, 0, -120))
	appendEventAt(t, st, "channel.cheer", now.AddDate(0, 0, -91))
	appendEventAt(t, st, "channel.follow", now.AddDate(0, 0, -10))
	appendEventAt(t, st, "channel.raid", now.Add(-time.Hour))

	svc := NewService(config.DefaultRetentionConfig(), st)
	svc.now = func() time.Time { return now }
	svc.prune(ctx)

	kept, err := st.RecentEvents(ctx, 10, "channel.follow", "channel.cheer", "channel.raid")
	require.NoError(t, err)
	require.Len(t, kept, 2)
	for _, e := range kept {
		assert.True(t, e.OccurredAt.After(now.AddDate(0, 0, -90)))
	}
}

func TestPruneIsIdempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	st := store.NewFromDB(util.SetupTestDatabase(t))

	now := time.Now().UTC()
	appendEventAt(t, st, "channel.follow", now.AddDate(0, 0, -200))

	svc := NewService(config.DefaultRetentionConfig(), st)
	svc.prune(ctx)
	svc.prune(ctx)

	kept, err := st.RecentEvents(ctx, 10, "channel.follow")
	require.NoError(t, err)
	assert.Empty(t, kept)
}

func TestStartStopLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	st := store.NewFromDB(util.SetupTestDatabase(t))

	cfg := &config.RetentionConfig{EventRetentionDays: 90, CleanupInterval: time.Hour}
	svc := NewService(cfg, st)
	svc.Start(context.Background())
	svc.Start(context.Background()) // second Start is a no-op
	svc.Stop()
}
