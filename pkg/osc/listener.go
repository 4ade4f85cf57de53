// Package osc ingests control-surface messages from the audio interface
// over UDP and turns mute/volume changes into bus envelopes. The listener
// also keeps the last-known mixer state for overlay snapshots.
package osc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"

	"github.com/hypebeast/go-osc/osc"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/config"
)

// Bus event types published on events:audio.
const (
	Source         = "osc"
	EventMicMute   = "audio.mic.mute"
	EventMicLevel  = "audio.mic.level"
	EventChanState = "audio.channels.update"
)

// maxDatagram is the largest OSC packet the listener accepts. Control
// surfaces send tiny messages; anything bigger is noise.
const maxDatagram = 4096

// address matches the control surface's page-one fader/mute layout:
// /1/mute<N> and /1/volume<N>.
var address = regexp.MustCompile(`^/1/(mute|volume)(\d+)$`)

// RMEState is the mic mute map keyed by channel number.
type RMEState struct {
	Mutes map[int]bool `json:"mutes"`
}

// ChannelState is the fader level map keyed by channel number.
type ChannelState struct {
	Levels map[int]float64 `json:"levels"`
}

// Listener binds a UDP port and publishes decoded control messages.
type Listener struct {
	cfg    *config.OSCConfig
	bus    bus.Bus
	logger *slog.Logger

	mu     sync.RWMutex
	mutes  map[int]bool
	levels map[int]float64
}

// NewListener creates the control-surface listener. Returns nil when the
// adapter is disabled.
func NewListener(cfg *config.Config, b bus.Bus) *Listener {
	if cfg.OSC == nil || !cfg.OSC.Enabled {
		return nil
	}
	return &Listener{
		cfg:    cfg.OSC,
		bus:    b,
		logger: slog.Default().With("component", "osc"),
		mutes:  make(map[int]bool),
		levels: make(map[int]float64),
	}
}

// Run listens until ctx is done. Malformed packets are logged and skipped;
// only a socket failure ends the loop.
func (l *Listener) Run(ctx context.Context) error {
	conn, err := net.ListenPacket("udp", l.cfg.Bind)
	if err != nil {
		return fmt.Errorf("failed to bind OSC listener on %s: %w", l.cfg.Bind, err)
	}
	l.logger.Info("OSC listener running", "bind", l.cfg.Bind)

	// Closing the socket unblocks ReadFrom when ctx ends.
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("OSC read failed: %w", err)
		}

		packet, err := osc.ParsePacket(string(buf[:n]))
		if err != nil {
			l.logger.Warn("dropping malformed OSC packet", "error", err)
			continue
		}
		l.handlePacket(ctx, packet)
	}
}

// RMESnapshot returns the mic mute states for the audio:rme layer.
func (l *Listener) RMESnapshot(context.Context) (any, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	mutes := make(map[int]bool, len(l.mutes))
	for k, v := range l.mutes {
		mutes[k] = v
	}
	return RMEState{Mutes: mutes}, nil
}

// ChannelsSnapshot returns the fader levels for the audio:channels layer.
func (l *Listener) ChannelsSnapshot(context.Context) (any, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	levels := make(map[int]float64, len(l.levels))
	for k, v := range l.levels {
		levels[k] = v
	}
	return ChannelState{Levels: levels}, nil
}

func (l *Listener) handlePacket(ctx context.Context, packet osc.Packet) {
	switch p := packet.(type) {
	case *osc.Message:
		l.handleMessage(ctx, p)
	case *osc.Bundle:
		for _, msg := range p.Messages {
			l.handleMessage(ctx, msg)
		}
	}
}

func (l *Listener) handleMessage(ctx context.Context, msg *osc.Message) {
	m := address.FindStringSubmatch(msg.Address)
	if m == nil {
		return
	}
	channel, err := strconv.Atoi(m[2])
	if err != nil || channel < 1 || (l.cfg.Channels > 0 && channel > l.cfg.Channels) {
		return
	}
	value, ok := numericArg(msg)
	if !ok {
		l.logger.Warn("OSC message without numeric argument", "address", msg.Address)
		return
	}

	switch m[1] {
	case "mute":
		muted := value >= 0.5
		l.mu.Lock()
		l.mutes[channel] = muted
		l.mu.Unlock()
		l.publish(ctx, EventMicMute, map[string]any{"mic": channel, "muted": muted})
	case "volume":
		l.mu.Lock()
		l.levels[channel] = value
		l.mu.Unlock()
		l.publish(ctx, EventMicLevel, map[string]any{"mic": channel, "level": value})
		l.publishChannels(ctx)
	}
}

// publishChannels mirrors the whole fader bank after any level change, so
// the audio:channels layer never has to stitch deltas together.
func (l *Listener) publishChannels(ctx context.Context) {
	state, _ := l.ChannelsSnapshot(ctx)
	l.publish(ctx, EventChanState, state)
}

func (l *Listener) publish(ctx context.Context, eventType string, payload any) {
	env, err := bus.NewEnvelope(Source, eventType, payload)
	if err != nil {
		l.logger.Error("failed to build OSC envelope", "event_type", eventType, "error", err)
		return
	}
	if err := l.bus.Publish(ctx, bus.ChannelAudio, env); err != nil {
		l.logger.Error("failed to publish OSC event", "event_type", eventType, "error", err)
	}
}

// numericArg extracts the first argument as a float, accepting the integer
// and float encodings different surfaces send.
func numericArg(msg *osc.Message) (float64, bool) {
	if len(msg.Arguments) == 0 {
		return 0, false
	}
	switch v := msg.Arguments[0].(type) {
	case float32:
		return float64(v), true
	case float64:
		return v, true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
