package ironmon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/config"
	"github.com/bryanveloso/synthform-sub000/pkg/kv"
	"github.com/bryanveloso/synthform-sub000/pkg/store"
)

// Source marks envelopes published on events:games:ironmon.
const Source = "ironmon"

// The plugin's message vocabulary. Unknown types are logged and ignored
// so a plugin upgrade cannot kill the stream.
const (
	msgInit           = "init"
	msgSeed           = "seed"
	msgCheckpoint     = "checkpoint"
	msgLocation       = "location"
	msgBattleStarted  = "battle_started"
	msgBattleEnded    = "battle_ended"
	msgTeamUpdate     = "team_update"
	msgItemUsage      = "item_usage"
	msgHealingSummary = "healing_summary"
	msgError          = "error"
	msgHeartbeat      = "heartbeat"
)

// State is the per-run transient snapshot kept in KV so consumers that
// join mid-run can render without waiting for the next message.
type State struct {
	Game       string          `json:"game,omitempty"`
	Version    string          `json:"version,omitempty"`
	RunID      string          `json:"run_id,omitempty"`
	SeedCount  int64           `json:"seed_count,omitempty"`
	Checkpoint string          `json:"checkpoint,omitempty"`
	Location   string          `json:"location,omitempty"`
	InBattle   bool            `json:"in_battle"`
	Team       json.RawMessage `json:"team,omitempty"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Server accepts the plugin's TCP stream.
type Server struct {
	cfg    *config.IronmonConfig
	store  *store.Store
	kv     *kv.Store
	bus    bus.Bus
	logger *slog.Logger

	mu    sync.Mutex
	state State
	runID *uuid.UUID

	// now is swappable for tests.
	now func() time.Time
}

// NewServer creates the game ingest server. Returns nil when disabled.
func NewServer(cfg *config.Config, st *store.Store, kvStore *kv.Store, b bus.Bus) *Server {
	if cfg.Ironmon == nil || !cfg.Ironmon.Enabled {
		return nil
	}
	return &Server{
		cfg:    cfg.Ironmon,
		store:  st,
		kv:     kvStore,
		bus:    b,
		logger: slog.Default().With("component", "ironmon"),
		now:    time.Now,
	}
}

// Run binds the configured address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Bind)
	if err != nil {
		return fmt.Errorf("failed to bind ironmon server on %s: %w", s.cfg.Bind, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts plugin connections on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.logger.Info("ironmon server running", "bind", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("ironmon accept failed: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

// handleConn reads frames until the plugin disconnects. One frame failing
// to parse ends the connection: the length prefix makes resynchronization
// inside a corrupt stream impossible.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	s.logger.Info("plugin connected", "remote", remote)

	r := bufio.NewReader(conn)
	for {
		if ctx.Err() != nil {
			return
		}
		raw, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("plugin stream ended", "remote", remote, "error", err)
			}
			return
		}
		s.handleMessage(ctx, raw)
	}
}

func (s *Server) handleMessage(ctx context.Context, raw json.RawMessage) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil || head.Type == "" {
		s.logger.Warn("ironmon message without type")
		return
	}

	switch head.Type {
	case msgInit:
		s.handleInit(ctx, raw)
	case msgSeed:
		s.handleSeed(ctx, raw)
	case msgCheckpoint:
		s.handleCheckpoint(ctx, raw)
	case msgLocation:
		s.handleLocation(ctx, raw)
	case msgBattleStarted, msgBattleEnded:
		s.handleBattle(ctx, head.Type, raw)
	case msgTeamUpdate:
		s.handleTeam(ctx, raw)
	case msgItemUsage, msgHealingSummary:
		s.mergeRunData(ctx, head.Type, raw)
	case msgError:
		s.logger.Warn("plugin reported an error", "payload", string(raw))
	case msgHeartbeat:
		s.touch(ctx)
	default:
		s.logger.Warn("unknown ironmon message type", "type", head.Type)
	}
}

func (s *Server) handleInit(ctx context.Context, raw json.RawMessage) {
	var msg struct {
		Game    string `json:"game"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("malformed init message", "error", err)
		return
	}

	s.mu.Lock()
	s.state.Game = msg.Game
	s.state.Version = msg.Version
	s.mu.Unlock()

	s.saveState(ctx)
	s.publish(ctx, msgInit, raw)
}

// handleSeed opens a new run record. Every seed message means a fresh
// attempt, so the transient state resets.
func (s *Server) handleSeed(ctx context.Context, raw json.RawMessage) {
	var msg struct {
		Count int64 `json:"count"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("malformed seed message", "error", err)
		return
	}

	s.mu.Lock()
	game := s.state.Game
	version := s.state.Version
	s.mu.Unlock()

	run, err := s.store.CreateIronmonRun(ctx, &msg.Count, game, raw)
	if err != nil {
		s.logger.Error("failed to create ironmon run", "error", err)
		return
	}

	s.mu.Lock()
	s.runID = &run.ID
	s.state = State{
		Game:      game,
		Version:   version,
		RunID:     run.ID.String(),
		SeedCount: msg.Count,
	}
	s.mu.Unlock()

	s.saveState(ctx)
	s.publish(ctx, msgSeed, raw)
}

func (s *Server) handleCheckpoint(ctx context.Context, raw json.RawMessage) {
	var msg struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Name == "" {
		s.logger.Warn("malformed checkpoint message", "error", err)
		return
	}

	s.mu.Lock()
	runID := s.runID
	s.state.Checkpoint = msg.Name
	s.mu.Unlock()

	if runID != nil {
		inserted, err := s.store.RecordIronmonCheckpoint(ctx, *runID, msg.Name, raw, s.now())
		if err != nil {
			s.logger.Error("failed to record checkpoint", "name", msg.Name, "error", err)
		} else if !inserted {
			s.logger.Debug("checkpoint replay ignored", "name", msg.Name)
		}
	}

	s.saveState(ctx)
	s.publish(ctx, msgCheckpoint, raw)
}

func (s *Server) handleLocation(ctx context.Context, raw json.RawMessage) {
	var msg struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("malformed location message", "error", err)
		return
	}

	s.mu.Lock()
	s.state.Location = msg.Name
	s.mu.Unlock()

	s.saveState(ctx)
	s.publish(ctx, msgLocation, raw)
}

func (s *Server) handleBattle(ctx context.Context, msgType string, raw json.RawMessage) {
	s.mu.Lock()
	s.state.InBattle = msgType == msgBattleStarted
	s.mu.Unlock()

	s.saveState(ctx)
	s.publish(ctx, msgType, raw)
}

func (s *Server) handleTeam(ctx context.Context, raw json.RawMessage) {
	s.mu.Lock()
	s.state.Team = raw
	runID := s.runID
	s.mu.Unlock()

	if runID != nil {
		if err := s.store.UpdateIronmonRunData(ctx, *runID, wrapRunData(msgTeamUpdate, raw)); err != nil {
			s.logger.Error("failed to update run data", "error", err)
		}
	}

	s.saveState(ctx)
	s.publish(ctx, msgTeamUpdate, raw)
}

// mergeRunData folds auxiliary summaries into the run's blob keyed by
// message type, so the latest of each kind is queryable later.
func (s *Server) mergeRunData(ctx context.Context, msgType string, raw json.RawMessage) {
	s.mu.Lock()
	runID := s.runID
	s.mu.Unlock()

	if runID != nil {
		if err := s.store.UpdateIronmonRunData(ctx, *runID, wrapRunData(msgType, raw)); err != nil {
			s.logger.Error("failed to update run data", "type", msgType, "error", err)
		}
	}
	s.publish(ctx, msgType, raw)
}

func (s *Server) touch(ctx context.Context) {
	s.saveState(ctx)
}

// Snapshot returns the current transient state.
func (s *Server) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Server) saveState(ctx context.Context) {
	s.mu.Lock()
	s.state.UpdatedAt = s.now().UTC()
	state := s.state
	s.mu.Unlock()

	if err := s.kv.SetIronmonState(ctx, state); err != nil {
		s.logger.Error("failed to save ironmon state", "error", err)
	}
}

func (s *Server) publish(ctx context.Context, msgType string, raw json.RawMessage) {
	env, err := bus.NewEnvelope(Source, "ironmon."+msgType, raw)
	if err != nil {
		s.logger.Error("failed to build ironmon envelope", "type", msgType, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, bus.ChannelIronmon, env); err != nil {
		s.logger.Error("failed to publish ironmon event", "type", msgType, "error", err)
	}
}

func wrapRunData(key string, raw json.RawMessage) json.RawMessage {
	data, err := json.Marshal(map[string]json.RawMessage{key: raw})
	if err != nil {
		return []byte("{}")
	}
	return data
}
