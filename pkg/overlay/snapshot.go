package overlay

import (
	"context"
	"time"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/store"
)

// timelineSyncLimit caps the timeline catch-up delivered on connect.
const timelineSyncLimit = 20

// EventLog is the slice of the store the multiplexer needs for the base,
// timeline, and ticker sync frames. Implemented by store.Store.
type EventLog interface {
	RecentEvents(ctx context.Context, limit int, eventTypes ...string) ([]store.Event, error)
}

// Snapshotter produces the current state of one overlay layer for its
// sync frame. A (nil, nil) return means the layer has nothing to show.
type Snapshotter interface {
	LayerSnapshot(ctx context.Context) (any, error)
}

// SnapshotFunc adapts a function to Snapshotter.
type SnapshotFunc func(ctx context.Context) (any, error)

func (f SnapshotFunc) LayerSnapshot(ctx context.Context) (any, error) { return f(ctx) }

// Providers wires the adapter-backed layers. Nil entries sync a null
// payload, except Limitbreak, Music, and Status whose sync frame is
// skipped entirely when there is nothing to show.
type Providers struct {
	OBS           Snapshotter
	AudioRME      Snapshotter
	AudioChannels Snapshotter
	Campaign      Snapshotter
	Limitbreak    Snapshotter
	Music         Snapshotter
	Status        Snapshotter
}

// baseSnapshot returns the most recent viewer interaction, or nil when the
// event log is empty.
func (m *Manager) baseSnapshot(ctx context.Context) (any, error) {
	events, err := m.events.RecentEvents(ctx, 1, bus.ViewerInteractionTypes()...)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	return events[0], nil
}

// timelineSnapshot returns the newest timeline-worthy events, oldest
// first. Chat notifications are filtered to the timeline notice types.
func (m *Manager) timelineSnapshot(ctx context.Context) ([]store.Event, error) {
	// Over-fetch so filtered-out notifications still leave a full page.
	events, err := m.events.RecentEvents(ctx, timelineSyncLimit*3,
		"channel.follow", "channel.cheer", "channel.raid", "channel.chat.notification")
	if err != nil {
		return nil, err
	}

	kept := make([]store.Event, 0, timelineSyncLimit)
	for _, e := range events {
		if e.EventType == "channel.chat.notification" {
			env := bus.Envelope{Payload: e.Payload}
			notice, _ := env.PayloadString("notice_type")
			if !timelineWorthy(notice) {
				continue
			}
		}
		kept = append(kept, e)
		if len(kept) == timelineSyncLimit {
			break
		}
	}

	// RecentEvents is newest-first; the timeline renders oldest-first.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept, nil
}

// tickerItem is one rotating entry on the ticker layer.
type tickerItem struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// tickerSnapshot assembles the curated ticker rotation: recent follows
// plus today's interaction counts by type.
func (m *Manager) tickerSnapshot(ctx context.Context) ([]tickerItem, error) {
	follows, err := m.events.RecentEvents(ctx, 10, "channel.follow")
	if err != nil {
		return nil, err
	}

	items := make([]tickerItem, 0, len(follows)+1)
	for _, f := range follows {
		items = append(items, tickerItem{Type: "recent_follow", Payload: f})
	}

	recent, err := m.events.RecentEvents(ctx, 200, bus.ViewerInteractionTypes()...)
	if err != nil {
		return nil, err
	}
	midnight := m.now().UTC().Truncate(24 * time.Hour)
	counts := make(map[string]int)
	for _, e := range recent {
		if e.OccurredAt.Before(midnight) {
			continue
		}
		counts[e.EventType]++
	}
	if len(counts) > 0 {
		items = append(items, tickerItem{Type: "daily_counts", Payload: counts})
	}
	return items, nil
}

// layerSync describes one connect-time sync frame. skippable layers emit
// nothing when their snapshot is nil.
type layerSync struct {
	layer     string
	snapshot  func(ctx context.Context) (any, error)
	skippable bool
}

func provided(s Snapshotter) func(ctx context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		if s == nil {
			return nil, nil
		}
		return s.LayerSnapshot(ctx)
	}
}

// syncPlan returns the per-layer sync frames in emission order.
func (m *Manager) syncPlan() []layerSync {
	return []layerSync{
		{layer: LayerBase, snapshot: m.baseSnapshot},
		{layer: LayerTimeline, snapshot: func(ctx context.Context) (any, error) { return m.timelineSnapshot(ctx) }},
		{layer: LayerTicker, snapshot: func(ctx context.Context) (any, error) { return m.tickerSnapshot(ctx) }},
		{layer: LayerAlerts, snapshot: func(context.Context) (any, error) { return []any{}, nil }},
		{layer: LayerOBS, snapshot: provided(m.providers.OBS)},
		{layer: LayerAudioRME, snapshot: provided(m.providers.AudioRME)},
		{layer: LayerAudioChannels, snapshot: provided(m.providers.AudioChannels)},
		{layer: LayerCampaign, snapshot: provided(m.providers.Campaign)},
		{layer: LayerLimitbreak, snapshot: provided(m.providers.Limitbreak), skippable: true},
		{layer: LayerMusic, snapshot: provided(m.providers.Music), skippable: true},
		{layer: LayerStatus, snapshot: provided(m.providers.Status), skippable: true},
	}
}
