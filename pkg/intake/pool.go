// Package intake runs the async worker pool behind the game HTTP endpoint.
// The API acknowledges a posted game event immediately; workers here do the
// durable part: upsert the member, refresh the player snapshot, and publish
// the event on the game channel.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/config"
	"github.com/bryanveloso/synthform-sub000/pkg/store"
)

// Source marks envelopes published on events:games:ffbot.
const Source = "ffbot"

// ErrQueueFull signals that the intake buffer is saturated and the event
// was not accepted.
var ErrQueueFull = errors.New("intake queue full")

// processTimeout bounds one event's DB work so a stalled database cannot
// pin a worker forever.
const processTimeout = 10 * time.Second

// Pool is a fixed-size worker pool draining posted game events.
type Pool struct {
	cfg    *config.IntakeConfig
	store  *store.Store
	bus    bus.Bus
	logger *slog.Logger

	jobs     chan json.RawMessage
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

// NewPool creates the intake pool sized by configuration.
func NewPool(cfg *config.Config, st *store.Store, b bus.Bus) *Pool {
	return &Pool{
		cfg:    cfg.Intake,
		store:  st,
		bus:    b,
		logger: slog.Default().With("component", "intake"),
		jobs:   make(chan json.RawMessage, cfg.Intake.QueueSize),
		stopCh: make(chan struct{}),
	}
}

// Start spawns the worker goroutines. Safe to call more than once;
// subsequent calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		p.logger.Warn("intake pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	p.logger.Info("starting intake pool",
		"worker_count", p.cfg.WorkerCount,
		"queue_size", p.cfg.QueueSize)

	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
}

// Stop signals the workers and waits for them to finish their current
// events. Queued events that no worker has picked up yet are dropped.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	if n := len(p.jobs); n > 0 {
		p.logger.Warn("intake pool stopped with events still queued", "dropped", n)
	}
}

// Enqueue hands one posted event to the pool without blocking the caller.
func (p *Pool) Enqueue(raw json.RawMessage) error {
	select {
	case p.jobs <- raw:
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth reports how many events are waiting for a worker.
func (p *Pool) Depth() int {
	return len(p.jobs)
}

func (p *Pool) run(ctx context.Context) {
	for {
		select {
		case raw := <-p.jobs:
			p.process(ctx, raw)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// event carries the fields the pool itself needs. The full body travels
// on the bus untouched; overlay builders pick out the rest.
type event struct {
	Type        string          `json:"type"`
	TwitchID    string          `json:"twitch_id"`
	Username    string          `json:"username"`
	Player      string          `json:"player"`
	DisplayName string          `json:"display_name"`
	Stats       json.RawMessage `json:"stats"`
}

func (p *Pool) process(ctx context.Context, raw json.RawMessage) {
	ctx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()

	var evt event
	if err := json.Unmarshal(raw, &evt); err != nil || evt.Type == "" {
		p.logger.Warn("dropping malformed game event", "error", err)
		return
	}

	env, err := bus.NewEnvelope(Source, evt.Type, raw)
	if err != nil {
		p.logger.Error("failed to build game envelope", "type", evt.Type, "error", err)
		return
	}

	// Aggregate events like "save" carry no player; they publish without
	// attribution and touch no rows.
	if evt.TwitchID != "" {
		member, err := p.upsertPlayer(ctx, evt)
		if err != nil {
			p.logger.Error("failed to record game player",
				"type", evt.Type,
				"twitch_id", evt.TwitchID,
				"error", err)
		} else {
			env.Member = &bus.Member{
				ID:          member.ID.String(),
				TwitchID:    member.TwitchID,
				Username:    member.Username,
				DisplayName: member.DisplayName,
				Pronouns:    member.Pronouns,
			}
		}
	}

	if err := p.bus.Publish(ctx, bus.ChannelFFBot, env); err != nil {
		p.logger.Error("failed to publish game event", "type", evt.Type, "error", err)
	}
}

// upsertPlayer refreshes the member row and the player's stats snapshot.
func (p *Pool) upsertPlayer(ctx context.Context, evt event) (*store.Member, error) {
	username := evt.Username
	if username == "" {
		username = evt.Player
	}
	displayName := evt.DisplayName
	if displayName == "" {
		displayName = username
	}

	member, err := p.store.UpsertMember(ctx, evt.TwitchID, username, displayName)
	if err != nil {
		return nil, err
	}

	snapshot := evt.Stats
	if len(snapshot) == 0 {
		snapshot = []byte("{}")
	}
	if _, err := p.store.UpsertFFBotPlayer(ctx, member.ID, snapshot); err != nil {
		return nil, err
	}
	return member, nil
}
