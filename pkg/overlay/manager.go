package overlay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
)

// defaultWriteTimeout bounds each frame write so one stalled client cannot
// pin its writer goroutine indefinitely.
const defaultWriteTimeout = 5 * time.Second

// errorPause is how long the stream loop idles after a recoverable
// classification or snapshot failure before reading the next message.
const errorPause = time.Second

// Manager owns every overlay connection. Each connection gets its own bus
// subscription and its own writer goroutine, so frame sequencing needs no
// cross-connection coordination.
type Manager struct {
	events    EventLog
	bus       bus.Bus
	providers Providers

	connections map[string]*connection
	mu          sync.RWMutex

	writeTimeout time.Duration
	pause        time.Duration
	logger       *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// connection is one overlay client. seq is owned by the single writer
// goroutine (HandleConnection), so it needs no lock.
type connection struct {
	id     string
	conn   *websocket.Conn
	seq    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates an overlay multiplexer fed by the given bus.
func NewManager(events EventLog, b bus.Bus, providers Providers) *Manager {
	return &Manager{
		events:       events,
		bus:          b,
		providers:    providers,
		connections:  make(map[string]*connection),
		writeTimeout: defaultWriteTimeout,
		pause:        errorPause,
		logger:       slog.Default().With("component", "overlay"),
		now:          time.Now,
	}
}

// HandleConnection runs the lifecycle of one overlay client: register,
// subscribe, sync every layer, then stream classified frames until the
// socket or the context closes. Called by the WebSocket HTTP handler
// after upgrade; blocks until the connection ends.
func (m *Manager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{
		id:     uuid.NewString()[:8],
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}

	m.register(c)
	defer m.unregister(c)

	// Subscribe before syncing so events published during the sync are not
	// lost; they queue behind it and deliver in order.
	sub, err := m.bus.Subscribe(ctx, bus.EventChannels()...)
	if err != nil {
		m.logger.Error("overlay bus subscription failed",
			"connection_id", c.id, "error", err)
		return
	}
	defer sub.Close()

	go m.readLoop(c)

	m.logger.Info("overlay client connected", "connection_id", c.id)
	if err := m.syncLayers(ctx, c); err != nil {
		m.logger.Warn("overlay sync aborted",
			"connection_id", c.id, "error", err)
		return
	}
	m.stream(ctx, c, sub)
}

// ActiveConnections returns the number of connected overlay clients.
func (m *Manager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// readLoop drains inbound client messages. The client-to-server direction
// is reserved; invalid JSON is logged and skipped, valid messages are
// ignored. A read error means the client went away.
func (m *Manager) readLoop(c *connection) {
	defer c.cancel()
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		if !json.Valid(data) {
			m.logger.Warn("invalid overlay client message",
				"connection_id", c.id)
		}
	}
}

// syncLayers emits one <layer>:sync frame per layer. Snapshot failures on
// a single layer degrade to a null payload rather than aborting the
// connection; only write failures do that.
func (m *Manager) syncLayers(ctx context.Context, c *connection) error {
	for _, ls := range m.syncPlan() {
		snapshot, err := ls.snapshot(ctx)
		if err != nil {
			m.logger.Warn("overlay layer snapshot failed",
				"connection_id", c.id, "layer", ls.layer, "error", err)
			snapshot = nil
		}
		if snapshot == nil && ls.skippable {
			continue
		}
		if err := m.send(c, ls.layer+":sync", snapshot); err != nil {
			return err
		}
	}
	return nil
}

// stream delivers classified live frames until the subscription or the
// connection ends. Classification and snapshot errors never propagate
// into the socket; the loop logs, pauses briefly, and continues.
func (m *Manager) stream(ctx context.Context, c *connection, sub bus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if err := m.dispatch(ctx, c, msg); err != nil {
				m.logger.Info("overlay client disconnected",
					"connection_id", c.id, "error", err)
				return
			}
		}
	}
}

// dispatch classifies one bus message and writes the resulting frames.
// Returns an error only when the socket write fails.
func (m *Manager) dispatch(ctx context.Context, c *connection, msg bus.Message) error {
	frames := classify(msg.Envelope, m.logger)
	for _, f := range frames {
		payload := f.Payload
		if f.Type == frameCampaignSync {
			// A campaign sync on the bus means "state changed wholesale";
			// deliver a fresh snapshot instead of the trigger payload.
			fresh, err := provided(m.providers.Campaign)(ctx)
			if err != nil {
				m.logger.Warn("campaign re-snapshot failed",
					"connection_id", c.id, "error", err)
				time.Sleep(m.pause)
				continue
			}
			payload = fresh
		}
		if err := m.send(c, f.Type, payload); err != nil {
			return err
		}
	}
	return nil
}

// send writes one sequenced frame with the write timeout. The sequence
// advances only on delivered frames, keeping it gapless.
func (m *Manager) send(c *connection, frameType string, payload any) error {
	frame := Frame{
		Type:      frameType,
		Payload:   payload,
		Timestamp: m.now().UTC(),
		Sequence:  c.seq,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		m.logger.Warn("failed to marshal overlay frame",
			"connection_id", c.id, "type", frameType, "error", err)
		return nil
	}

	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return err
	}
	c.seq++
	return nil
}

func (m *Manager) register(c *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.id] = c
}

func (m *Manager) unregister(c *connection) {
	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
