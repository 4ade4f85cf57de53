package obs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/config"
	"github.com/bryanveloso/synthform-sub000/pkg/kv"
	"github.com/bryanveloso/synthform-sub000/pkg/notify"
)

// Bus event types published on events:obs.
const (
	Source              = "obs"
	EventSceneChanged   = "obs.scene.changed"
	EventRecordChanged  = "obs.recording.changed"
	EventStreamChanged  = "obs.streaming.changed"
	EventInputMuted     = "obs.input.muted"
	EventConnectChanged = "obs.connection.changed"
)

// requestTimeout bounds one request/response round trip.
const requestTimeout = 10 * time.Second

// Snapshot is the compositor state the overlay's obs layer syncs from.
type Snapshot struct {
	Connected bool   `json:"connected"`
	Scene     string `json:"scene,omitempty"`
	Recording bool   `json:"recording"`
	Streaming bool   `json:"streaming"`
}

// Client is the compositor adapter. It reconnects forever and degrades
// silently: when OBS is down the snapshot reports connected=false and no
// requests succeed, but nothing else in the system notices.
type Client struct {
	cfg      *config.OBSConfig
	password string
	bus      bus.Bus
	kv       *kv.Store
	notifier *notify.Notifier
	logger   *slog.Logger

	mu    sync.RWMutex
	conn  *websocket.Conn
	state Snapshot

	pendingMu sync.Mutex
	pending   map[string]chan requestResponseBody

	writeMu sync.Mutex
}

// NewClient creates the compositor adapter. Returns nil when the adapter
// is disabled in configuration.
func NewClient(cfg *config.Config, b bus.Bus, kvStore *kv.Store, notifier *notify.Notifier) *Client {
	if cfg.OBS == nil || !cfg.OBS.Enabled {
		return nil
	}
	return &Client{
		cfg:      cfg.OBS,
		password: os.Getenv(cfg.OBS.PasswordEnv),
		bus:      b,
		kv:       kvStore,
		notifier: notifier,
		logger:   slog.Default().With("component", "obs"),
		pending:  make(map[string]chan requestResponseBody),
	}
}

// Run connects and serves until ctx is done, reconnecting with exponential
// backoff after every failure.
func (c *Client) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = time.Minute
	bo.MaxElapsedTime = 0

	for {
		if err := c.session(ctx, bo); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Warn("compositor session ended", "error", err)
		}
		c.setConnected(ctx, false)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// Snapshot returns the current compositor state.
func (c *Client) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// LayerSnapshot implements the overlay provider contract.
func (c *Client) LayerSnapshot(context.Context) (any, error) {
	return c.Snapshot(), nil
}

// --- requests ---

// SetCurrentProgramScene switches the program output to the named scene.
func (c *Client) SetCurrentProgramScene(ctx context.Context, scene string) error {
	_, err := c.request(ctx, "SetCurrentProgramScene", map[string]any{"sceneName": scene})
	return err
}

// StartRecord begins a recording.
func (c *Client) StartRecord(ctx context.Context) error {
	_, err := c.request(ctx, "StartRecord", nil)
	return err
}

// StopRecord ends the recording.
func (c *Client) StopRecord(ctx context.Context) error {
	_, err := c.request(ctx, "StopRecord", nil)
	return err
}

// StartStream begins streaming.
func (c *Client) StartStream(ctx context.Context) error {
	_, err := c.request(ctx, "StartStream", nil)
	return err
}

// StopStream ends the stream.
func (c *Client) StopStream(ctx context.Context) error {
	_, err := c.request(ctx, "StopStream", nil)
	return err
}

// RefreshBrowserSource presses the "Refresh cache of current page" button
// on a browser source, forcing the overlay page to reload.
func (c *Client) RefreshBrowserSource(ctx context.Context, inputName string) error {
	_, err := c.request(ctx, "PressInputPropertiesButton", map[string]any{
		"inputName":    inputName,
		"propertyName": "refreshnocache",
	})
	return err
}

// --- session ---

var errNotConnected = errors.New("compositor is not connected")

func (c *Client) session(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to dial compositor at %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(1 << 20)
	defer conn.Close(websocket.StatusNormalClosure, "")

	if err := c.identify(ctx, conn); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	bo.Reset()
	c.setConnected(ctx, true)
	c.logger.Info("compositor connected", "url", c.cfg.URL)

	sessionCtx, cancelSession := context.WithCancel(ctx)
	defer cancelSession()
	go c.afterConnect(sessionCtx)
	go c.monitorPerformance(sessionCtx)

	for {
		var msg message
		if err := readJSON(ctx, conn, &msg); err != nil {
			return err
		}
		switch msg.Op {
		case opEvent:
			var ev eventBody
			if err := json.Unmarshal(msg.D, &ev); err != nil {
				c.logger.Warn("malformed compositor event", "error", err)
				continue
			}
			c.handleEvent(ctx, ev)
		case opRequestResponse:
			var resp requestResponseBody
			if err := json.Unmarshal(msg.D, &resp); err != nil {
				c.logger.Warn("malformed compositor response", "error", err)
				continue
			}
			c.resolve(resp)
		}
	}
}

// identify runs the Hello → Identify → Identified handshake, answering the
// auth challenge when the compositor requires a password.
func (c *Client) identify(ctx context.Context, conn *websocket.Conn) error {
	var msg message
	if err := readJSON(ctx, conn, &msg); err != nil {
		return fmt.Errorf("failed to read hello: %w", err)
	}
	if msg.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", msg.Op)
	}
	var hello helloBody
	if err := json.Unmarshal(msg.D, &hello); err != nil {
		return fmt.Errorf("malformed hello: %w", err)
	}

	identify := identifyBody{
		RPCVersion:         rpcVersion,
		EventSubscriptions: eventSubscriptionsAll,
	}
	if hello.Authentication != nil {
		identify.Authentication = authResponse(c.password,
			hello.Authentication.Salt, hello.Authentication.Challenge)
	}
	if err := writeJSON(ctx, conn, message{Op: opIdentify, D: mustMarshal(identify)}); err != nil {
		return fmt.Errorf("failed to send identify: %w", err)
	}

	if err := readJSON(ctx, conn, &msg); err != nil {
		return fmt.Errorf("failed to read identified: %w", err)
	}
	if msg.Op != opIdentified {
		return fmt.Errorf("authentication rejected (op %d)", msg.Op)
	}
	return nil
}

// afterConnect seeds the snapshot from the live state and refreshes the
// configured browser sources so overlays reload against the fresh server.
func (c *Client) afterConnect(ctx context.Context) {
	c.seedSnapshot(ctx)

	if !c.cfg.RefreshOnConnect {
		return
	}
	for _, input := range c.cfg.BrowserSources {
		if err := c.RefreshBrowserSource(ctx, input); err != nil {
			c.logger.Warn("browser source refresh failed", "input", input, "error", err)
		}
	}
}

func (c *Client) seedSnapshot(ctx context.Context) {
	if data, err := c.request(ctx, "GetCurrentProgramScene", nil); err == nil {
		var out struct {
			SceneName string `json:"currentProgramSceneName"`
		}
		if json.Unmarshal(data, &out) == nil {
			c.mu.Lock()
			c.state.Scene = out.SceneName
			c.mu.Unlock()
		}
	}
	if data, err := c.request(ctx, "GetRecordStatus", nil); err == nil {
		var out struct {
			Active bool `json:"outputActive"`
		}
		if json.Unmarshal(data, &out) == nil {
			c.mu.Lock()
			c.state.Recording = out.Active
			c.mu.Unlock()
		}
	}
	if data, err := c.request(ctx, "GetStreamStatus", nil); err == nil {
		var out struct {
			Active bool `json:"outputActive"`
		}
		if json.Unmarshal(data, &out) == nil {
			c.mu.Lock()
			c.state.Streaming = out.Active
			c.mu.Unlock()
		}
	}
}

// handleEvent maps compositor events onto bus envelopes and keeps the
// snapshot current.
func (c *Client) handleEvent(ctx context.Context, ev eventBody) {
	switch ev.EventType {
	case "CurrentProgramSceneChanged":
		var data struct {
			SceneName string `json:"sceneName"`
		}
		if err := json.Unmarshal(ev.EventData, &data); err != nil {
			return
		}
		c.mu.Lock()
		c.state.Scene = data.SceneName
		c.mu.Unlock()
		c.publish(ctx, EventSceneChanged, map[string]any{"scene": data.SceneName})

	case "RecordStateChanged":
		var data struct {
			Active bool `json:"outputActive"`
		}
		if err := json.Unmarshal(ev.EventData, &data); err != nil {
			return
		}
		c.mu.Lock()
		c.state.Recording = data.Active
		c.mu.Unlock()
		c.publish(ctx, EventRecordChanged, map[string]any{"recording": data.Active})

	case "StreamStateChanged":
		var data struct {
			Active bool `json:"outputActive"`
		}
		if err := json.Unmarshal(ev.EventData, &data); err != nil {
			return
		}
		c.mu.Lock()
		c.state.Streaming = data.Active
		c.mu.Unlock()
		c.publish(ctx, EventStreamChanged, map[string]any{"streaming": data.Active})

	case "InputMuteStateChanged":
		var data struct {
			InputName  string `json:"inputName"`
			InputMuted bool   `json:"inputMuted"`
		}
		if err := json.Unmarshal(ev.EventData, &data); err != nil {
			return
		}
		c.publish(ctx, EventInputMuted, map[string]any{
			"input": data.InputName,
			"muted": data.InputMuted,
		})
	}
}

func (c *Client) publish(ctx context.Context, eventType string, payload any) {
	env, err := bus.NewEnvelope(Source, eventType, payload)
	if err != nil {
		c.logger.Error("failed to build obs envelope", "event_type", eventType, "error", err)
		return
	}
	if err := c.bus.Publish(ctx, bus.ChannelOBS, env); err != nil {
		c.logger.Error("failed to publish obs event", "event_type", eventType, "error", err)
	}
}

// request performs one correlated request/response round trip.
func (c *Client) request(ctx context.Context, requestType string, data any) (json.RawMessage, error) {
	c.mu.RLock()
	conn := c.conn
	connected := c.state.Connected
	c.mu.RUnlock()
	if conn == nil || !connected {
		return nil, errNotConnected
	}

	id := uuid.NewString()
	ch := make(chan requestResponseBody, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	body := requestBody{RequestType: requestType, RequestID: id, RequestData: data}
	if err := c.write(ctx, conn, message{Op: opRequest, D: mustMarshal(body)}); err != nil {
		return nil, fmt.Errorf("failed to send %s: %w", requestType, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(requestTimeout):
		return nil, fmt.Errorf("%s timed out", requestType)
	case resp := <-ch:
		if !resp.RequestStatus.Result {
			return nil, fmt.Errorf("%s failed: %s (code %d)",
				requestType, resp.RequestStatus.Comment, resp.RequestStatus.Code)
		}
		return resp.ResponseData, nil
	}
}

func (c *Client) resolve(resp requestResponseBody) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.RequestID]
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) setConnected(ctx context.Context, connected bool) {
	c.mu.Lock()
	changed := c.state.Connected != connected
	c.state.Connected = connected
	if !connected {
		c.conn = nil
	}
	c.mu.Unlock()

	if changed {
		c.publish(ctx, EventConnectChanged, map[string]any{"connected": connected})
	}
}

// write serializes frame writes; requests and the perf monitor share the
// connection with the handshake goroutine.
func (c *Client) write(ctx context.Context, conn *websocket.Conn, msg message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeJSON(ctx, conn, msg)
}

func readJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
