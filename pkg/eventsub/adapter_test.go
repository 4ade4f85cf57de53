package eventsub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanveloso/synthform-sub000/pkg/bus"
	"github.com/bryanveloso/synthform-sub000/pkg/config"
	"github.com/bryanveloso/synthform-sub000/pkg/kv"
	"github.com/bryanveloso/synthform-sub000/pkg/store"
	"github.com/bryanveloso/synthform-sub000/pkg/tokens"
	"github.com/bryanveloso/synthform-sub000/pkg/twitch"
	"github.com/bryanveloso/synthform-sub000/test/util"
)

// fakeEventSub is a minimal platform websocket endpoint: it welcomes each
// connection and relays frames pushed through send.
type fakeEventSub struct {
	srv  *httptest.Server
	send chan []byte
}

func newFakeEventSub(t *testing.T) *fakeEventSub {
	t.Helper()
	f := &fakeEventSub{send: make(chan []byte, 16)}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx := r.Context()
		welcome := fmt.Sprintf(`{
			"metadata": {"message_id": "welcome-1", "message_type": "session_welcome",
			             "message_timestamp": %q},
			"payload": {"session": {"id": "sess-1", "keepalive_timeout_seconds": 10}}}`,
			time.Now().UTC().Format(time.RFC3339))
		if err := conn.Write(ctx, websocket.MessageText, []byte(welcome)); err != nil {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case data := <-f.send:
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeEventSub) wsURL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

func (f *fakeEventSub) notification(t *testing.T, messageID, subType string, event map[string]any) {
	t.Helper()
	raw, err := json.Marshal(event)
	require.NoError(t, err)
	frame := fmt.Sprintf(`{
		"metadata": {"message_id": %q, "message_type": "notification",
		             "message_timestamp": %q, "subscription_type": %q},
		"payload": {"subscription": {"type": %q, "version": "1"}, "event": %s}}`,
		messageID, time.Now().UTC().Format(time.RFC3339), subType, subType, raw)
	f.send <- []byte(frame)
}

func (f *fakeEventSub) revocation(subType, status string) {
	frame := fmt.Sprintf(`{
		"metadata": {"message_id": "revoke-1", "message_type": "revocation"},
		"payload": {"subscription": {"type": %q, "status": %q}}}`, subType, status)
	f.send <- []byte(frame)
}

type adapterFixture struct {
	adapter  *Adapter
	store    *store.Store
	bus      *bus.MemoryBus
	eventsub *fakeEventSub
	subCount *atomic.Int64
}

func newAdapterFixture(t *testing.T) *adapterFixture {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	db := util.SetupTestDatabase(t)
	st := store.NewFromDB(db)
	kvStore := kv.New(util.SetupTestRedis(t))
	b := bus.NewMemoryBus()
	t.Cleanup(func() { _ = b.Close() })

	var subCount atomic.Int64
	helix := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/eventsub/subscriptions" {
			subCount.Add(1)
			w.WriteHeader(http.StatusAccepted)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(helix.Close)

	client := twitch.New(twitch.Config{
		ClientID: "client-id", ClientSecret: "secret",
		HelixURL: helix.URL, OAuthURL: helix.URL,
	})

	key := make([]byte, 32)
	cipher, err := tokens.NewCipher(key)
	require.NoError(t, err)
	tokenStore := tokens.NewStore(st, cipher, client)
	require.NoError(t, tokenStore.Save(ctx, &tokens.Token{
		Service: "twitch", UserID: "12345",
		AccessToken: "access", RefreshToken: "refresh",
	}))

	fake := newFakeEventSub(t)
	cfg := &config.Config{
		Timezone: time.UTC,
		EventSub: &config.EventSubConfig{
			URL:                 fake.wsURL(),
			MaxSilence:          4 * time.Hour,
			StreamingHoursStart: 0,
			StreamingHoursEnd:   0, // always-on window
		},
		Twitch: &config.TwitchConfig{BroadcasterUserID: "12345", BotUserID: "67890"},
	}

	a := NewAdapter(cfg, client, tokenStore, st, kvStore, b, nil)
	a.pacing = time.Millisecond
	return &adapterFixture{adapter: a, store: st, bus: b, eventsub: fake, subCount: &subCount}
}

func (f *adapterFixture) waitSubscribed(t *testing.T) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		if int(f.subCount.Load()) >= len(catalogue) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("catalogue never registered (%d/%d)", f.subCount.Load(), len(catalogue))
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestAdapterPublishesAndPersists(t *testing.T) {
	f := newAdapterFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := f.bus.Subscribe(ctx, bus.ChannelTwitch)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- f.adapter.Run(ctx) }()
	f.waitSubscribed(t)

	f.eventsub.notification(t, "msg-cheer-1", "channel.cheer", map[string]any{
		"user_id": "200", "user_login": "cheerer", "user_name": "Cheerer", "bits": 500,
	})

	select {
	case msg := <-sub.C():
		assert.Equal(t, "channel.cheer", msg.Envelope.EventType)
		assert.Equal(t, "msg-cheer-1", msg.Envelope.EventID)
		require.NotNil(t, msg.Envelope.Member)
		assert.Equal(t, "cheerer", msg.Envelope.Member.Username)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published event")
	}

	// Redelivery of the same message id is dropped.
	f.eventsub.notification(t, "msg-cheer-1", "channel.cheer", map[string]any{
		"user_id": "200", "user_login": "cheerer", "bits": 500,
	})
	select {
	case msg := <-sub.C():
		t.Fatalf("duplicate was published: %s", msg.Envelope.EventID)
	case <-time.After(500 * time.Millisecond):
	}

	// The interaction was persisted with member attribution.
	events, err := f.store.RecentEvents(ctx, 10, "channel.cheer")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "msg-cheer-1", events[0].SourceEventID)
	require.NotNil(t, events[0].MemberID)

	member, err := f.store.MemberByTwitchID(ctx, "200")
	require.NoError(t, err)
	assert.Equal(t, "cheerer", member.Username)

	cancel()
	<-errCh
}

func TestAdapterSessionLifecycleFromStream(t *testing.T) {
	f := newAdapterFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- f.adapter.Run(ctx) }()
	f.waitSubscribed(t)

	f.eventsub.notification(t, "msg-online-1", "stream.online", map[string]any{
		"broadcaster_user_id": "12345",
	})

	require.Eventually(t, func() bool {
		sess, err := f.store.LiveSession(ctx)
		return err == nil && sess.Live
	}, 5*time.Second, 50*time.Millisecond, "stream.online never started a session")

	f.eventsub.notification(t, "msg-offline-1", "stream.offline", map[string]any{
		"broadcaster_user_id": "12345",
	})

	require.Eventually(t, func() bool {
		_, err := f.store.LiveSession(ctx)
		return err != nil
	}, 5*time.Second, 50*time.Millisecond, "stream.offline never ended the session")

	cancel()
	<-errCh
}

func TestAdapterExitsOnRevocation(t *testing.T) {
	f := newAdapterFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- f.adapter.Run(ctx) }()
	f.waitSubscribed(t)

	f.eventsub.revocation("channel.subscribe", "authorization_revoked")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrTokenRevoked)
	case <-time.After(5 * time.Second):
		t.Fatal("adapter did not exit on revocation")
	}
}
