// Package music polls the now-playing endpoint, publishes track-change
// deltas, and keeps the current track for overlay snapshots. A circuit
// breaker stops the poller from hammering a dead endpoint.
package music

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/config"
)

// Bus event types published on events:music.
const (
	Source      = "music"
	EventUpdate = "music.update"
)

// defaultPollInterval matches the agent-side cadence.
const defaultPollInterval = 10 * time.Second

// defaultBreakerWait caps how long the breaker stays open before probing.
const defaultBreakerWait = time.Minute

// consecutiveFailuresToTrip is how many failed polls open the breaker.
const consecutiveFailuresToTrip = 3

// Track is one now-playing entry.
type Track struct {
	Title   string `json:"title"`
	Artist  string `json:"artist"`
	Album   string `json:"album,omitempty"`
	ArtURL  string `json:"art_url,omitempty"`
	Station string `json:"station,omitempty"`
}

// State is the payload carried by music.update and the music:sync layer.
type State struct {
	TunedIn bool   `json:"tuned_in"`
	Track   *Track `json:"track,omitempty"`
}

// nowPlayingResponse is the poll endpoint's wire shape.
type nowPlayingResponse struct {
	IsPlaying bool   `json:"is_playing"`
	Title     string `json:"title"`
	Artist    string `json:"artist"`
	Album     string `json:"album"`
	ArtURL    string `json:"art_url"`
	Station   string `json:"station"`
}

// Poller watches the now-playing endpoint and emits deltas.
type Poller struct {
	cfg     *config.MusicConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	bus     bus.Bus
	logger  *slog.Logger

	mu    sync.RWMutex
	state State
}

// NewPoller creates the music poller. Returns nil when the adapter is
// disabled or no endpoint is configured.
func NewPoller(cfg *config.Config, b bus.Bus) *Poller {
	if cfg.Music == nil || !cfg.Music.Enabled || cfg.Music.PollURL == "" {
		return nil
	}
	wait := cfg.Music.BreakerMaxWait
	if wait <= 0 {
		wait = defaultBreakerWait
	}

	return &Poller{
		cfg:    cfg.Music,
		client: &http.Client{Timeout: 10 * time.Second},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "music",
			Timeout: wait,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= consecutiveFailuresToTrip
			},
		}),
		bus:    b,
		logger: slog.Default().With("component", "music"),
	}
}

// Run polls until ctx is done. It also folds agent pushes arriving on
// events:music into the snapshot, so either source keeps it current.
func (p *Poller) Run(ctx context.Context) error {
	interval := p.cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	sub, err := p.bus.Subscribe(ctx, bus.ChannelMusic)
	if err != nil {
		return fmt.Errorf("failed to subscribe for music pushes: %w", err)
	}
	defer sub.Close()

	p.logger.Info("music poller running", "url", p.cfg.PollURL, "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			p.absorb(msg.Envelope)
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// Snapshot returns the current state for the music:sync layer, or nil when
// nothing is playing so the layer's sync can be skipped.
func (p *Poller) Snapshot(context.Context) (any, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.state.TunedIn && p.state.Track == nil {
		return nil, nil
	}
	return p.state, nil
}

func (p *Poller) poll(ctx context.Context) {
	result, err := p.breaker.Execute(func() (any, error) {
		return p.fetch(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) {
			return // cooling off
		}
		p.logger.Warn("now-playing poll failed", "error", err)
		return
	}

	next := result.(State)
	p.applyDelta(ctx, next)
}

// applyDelta publishes only on transitions: a new track, or tuning out.
func (p *Poller) applyDelta(ctx context.Context, next State) {
	p.mu.Lock()
	prev := p.state
	p.state = next
	p.mu.Unlock()

	switch {
	case next.TunedIn && !sameTrack(prev.Track, next.Track):
		p.publish(ctx, next)
	case !next.TunedIn && prev.TunedIn:
		p.logger.Info("listener tuned out")
		p.publish(ctx, next)
	}
}

// absorb folds a music.update from another producer (the agent socket)
// into the snapshot without re-publishing it.
func (p *Poller) absorb(env bus.Envelope) {
	if env.EventType != EventUpdate || env.Source == Source {
		return
	}
	var state State
	if err := env.DecodePayload(&state); err != nil {
		p.logger.Warn("malformed music push", "source", env.Source, "error", err)
		return
	}
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

func (p *Poller) fetch(ctx context.Context) (State, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.cfg.PollURL, nil)
	if err != nil {
		return State{}, fmt.Errorf("failed to build now-playing request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return State{}, fmt.Errorf("now-playing request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return State{}, fmt.Errorf("now-playing endpoint returned HTTP %d", resp.StatusCode)
	}

	var body nowPlayingResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return State{}, fmt.Errorf("failed to decode now-playing response: %w", err)
	}

	if !body.IsPlaying {
		return State{}, nil
	}
	return State{
		TunedIn: true,
		Track: &Track{
			Title:   body.Title,
			Artist:  body.Artist,
			Album:   body.Album,
			ArtURL:  body.ArtURL,
			Station: body.Station,
		},
	}, nil
}

func (p *Poller) publish(ctx context.Context, state State) {
	env, err := bus.NewEnvelope(Source, EventUpdate, state)
	if err != nil {
		p.logger.Error("failed to build music envelope", "error", err)
		return
	}
	if err := p.bus.Publish(ctx, bus.ChannelMusic, env); err != nil {
		p.logger.Error("failed to publish music update", "error", err)
	}
}

func sameTrack(a, b *Track) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Title == b.Title && a.Artist == b.Artist && a.Station == b.Station
}
