package music

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/config"
)

// nowPlayingStub serves a mutable now-playing response and counts hits.
type nowPlayingStub struct {
	srv *httptest.Server

	mu     sync.Mutex
	body   nowPlayingResponse
	status int
	hits   int
}

func newNowPlayingStub(t *testing.T) *nowPlayingStub {
	t.Helper()
	s := &nowPlayingStub{status: http.StatusOK}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.hits++
		if s.status != http.StatusOK {
			w.WriteHeader(s.status)
			return
		}
		_ = json.NewEncoder(w).Encode(s.body)
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *nowPlayingStub) set(body nowPlayingResponse, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.body = body
	s.status = status
}

func (s *nowPlayingStub) hitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits
}

func newPoller(t *testing.T, stub *nowPlayingStub) (*Poller, bus.Subscription) {
	t.Helper()
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	cfg := &config.Config{
		Timezone: time.UTC,
		Music: &config.MusicConfig{
			Enabled:        true,
			PollURL:        stub.srv.URL,
			PollInterval:   25 * time.Millisecond,
			BreakerMaxWait: time.Minute,
		},
	}
	p := NewPoller(cfg, b)
	require.NotNil(t, p)

	sub, err := b.Subscribe(context.Background(), bus.ChannelMusic)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Close() })
	return p, sub
}

func nextState(t *testing.T, sub bus.Subscription) State {
	t.Helper()
	select {
	case msg := <-sub.C():
		require.Equal(t, EventUpdate, msg.Envelope.EventType)
		var state State
		require.NoError(t, msg.Envelope.DecodePayload(&state))
		return state
	case <-time.After(5 * time.Second):
		t.Fatal("no music.update published")
		return State{}
	}
}

func TestTrackChangePublishesOnce(t *testing.T) {
	stub := newNowPlayingStub(t)
	stub.set(nowPlayingResponse{IsPlaying: true, Title: "Terra", Artist: "Uematsu", Station: "chiptune"}, http.StatusOK)

	p, sub := newPoller(t, stub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	state := nextState(t, sub)
	require.NotNil(t, state.Track)
	assert.Equal(t, "Terra", state.Track.Title)
	assert.True(t, state.TunedIn)

	// The same track keeps polling but publishes nothing new.
	select {
	case msg := <-sub.C():
		t.Fatalf("unexpected duplicate update: %s", msg.Raw)
	case <-time.After(150 * time.Millisecond):
	}

	stub.set(nowPlayingResponse{IsPlaying: true, Title: "Locke", Artist: "Uematsu", Station: "chiptune"}, http.StatusOK)
	state = nextState(t, sub)
	assert.Equal(t, "Locke", state.Track.Title)
}

func TestTunedOutPublishesEmptyState(t *testing.T) {
	stub := newNowPlayingStub(t)
	stub.set(nowPlayingResponse{IsPlaying: true, Title: "Terra", Artist: "Uematsu"}, http.StatusOK)

	p, sub := newPoller(t, stub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	nextState(t, sub)

	stub.set(nowPlayingResponse{IsPlaying: false}, http.StatusOK)
	state := nextState(t, sub)
	assert.False(t, state.TunedIn)
	assert.Nil(t, state.Track)

	// Staying tuned out is not news.
	select {
	case <-sub.C():
		t.Fatal("tuned-out republished")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestBreakerStopsHammeringDeadEndpoint(t *testing.T) {
	stub := newNowPlayingStub(t)
	stub.set(nowPlayingResponse{}, http.StatusBadGateway)

	p, _ := newPoller(t, stub)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = p.Run(ctx) }()

	// Three consecutive failures trip the breaker; after that the hit
	// count stops climbing for the cooldown window.
	require.Eventually(t, func() bool {
		return stub.hitCount() >= consecutiveFailuresToTrip
	}, 5*time.Second, 10*time.Millisecond)

	settled := stub.hitCount()
	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, stub.hitCount(), settled+1, "breaker should hold the poller back")
}

func TestSnapshotSkippableWhenIdle(t *testing.T) {
	stub := newNowPlayingStub(t)
	p, _ := newPoller(t, stub)

	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestAbsorbAgentPush(t *testing.T) {
	stub := newNowPlayingStub(t)
	p, _ := newPoller(t, stub)

	env, err := bus.NewEnvelope("apple", EventUpdate, State{
		TunedIn: true,
		Track:   &Track{Title: "Dancing Mad", Artist: "Uematsu"},
	})
	require.NoError(t, err)
	p.absorb(env)

	snap, err := p.Snapshot(context.Background())
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, "Dancing Mad", snap.(State).Track.Title)
}

func TestDisabledPollerReturnsNil(t *testing.T) {
	cfg := &config.Config{Timezone: time.UTC, Music: &config.MusicConfig{Enabled: false}}
	assert.Nil(t, NewPoller(cfg, bus.NewMemoryBus()))
}
