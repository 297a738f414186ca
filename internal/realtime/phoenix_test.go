package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// phxServer is a minimal phoenix-channels endpoint: it acks joins and
// presence tracks, echoes broadcasts back to the sender, and pushes a
// presence_state after join.
type phxServer struct {
	t  *testing.T
	up websocket.Upgrader

	mu       sync.Mutex
	joins    []phxMessage
	tracks   []phxMessage
	lastConn *websocket.Conn
}

func (s *phxServer) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.lastConn = conn
	s.mu.Unlock()
	for {
		var msg phxMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Event {
		case "phx_join":
			s.mu.Lock()
			s.joins = append(s.joins, msg)
			s.mu.Unlock()
			s.reply(conn, msg, "ok")
			s.pushPresenceState(conn, msg.Topic)
		case "presence":
			s.mu.Lock()
			s.tracks = append(s.tracks, msg)
			s.mu.Unlock()
			s.reply(conn, msg, "ok")
		case "broadcast":
			// Self-delivery: send the broadcast right back.
			echo := phxMessage{Topic: msg.Topic, Event: "broadcast", Payload: msg.Payload}
			_ = conn.WriteJSON(echo)
		case "heartbeat":
			s.reply(conn, msg, "ok")
		}
	}
}

func (s *phxServer) reply(conn *websocket.Conn, to phxMessage, status string) {
	payload, _ := json.Marshal(map[string]any{"status": status, "response": map[string]any{}})
	_ = conn.WriteJSON(phxMessage{Topic: to.Topic, Event: "phx_reply", Payload: payload, Ref: to.Ref})
}

func (s *phxServer) pushPresenceState(conn *websocket.Conn, topic string) {
	payload, _ := json.Marshal(map[string]any{
		"Alice": map[string]any{"metas": []map[string]any{{"username": "Alice", "status": "online"}}},
		"Bob":   map[string]any{"metas": []map[string]any{{"username": "Bob", "status": "online"}}},
	})
	_ = conn.WriteJSON(phxMessage{Topic: topic, Event: "presence_state", Payload: payload})
}

func newPhxFixture(t *testing.T, h Handlers) (*phxServer, Transport) {
	t.Helper()
	srv := &phxServer{t: t}
	ts := httptest.NewServer(http.HandlerFunc(srv.handler))
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")
	factory := NewPhoenixFactory(PhoenixConfig{
		URL:          wsURL,
		APIKey:       "test-key",
		ReplyTimeout: 2 * time.Second,
	})
	tr := factory(h)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	require.NoError(t, tr.Connect(ctx))
	t.Cleanup(func() { _ = tr.Close() })
	return srv, tr
}

func TestPhoenixTransport_JoinTrackBroadcast(t *testing.T) {
	var mu sync.Mutex
	var events []string
	var payloads []map[string]any
	h := Handlers{
		OnBroadcast: func(event string, payload map[string]any) {
			mu.Lock()
			events = append(events, event)
			payloads = append(payloads, payload)
			mu.Unlock()
		},
	}
	srv, tr := newPhxFixture(t, h)

	require.NoError(t, tr.Join("general", "Alice"))
	srv.mu.Lock()
	require.Len(t, srv.joins, 1)
	join := srv.joins[0]
	srv.mu.Unlock()
	assert.Equal(t, "realtime:general", join.Topic)

	var joinCfg struct {
		Config struct {
			Broadcast struct {
				Self bool `json:"self"`
			} `json:"broadcast"`
			Presence struct {
				Key string `json:"key"`
			} `json:"presence"`
		} `json:"config"`
	}
	require.NoError(t, json.Unmarshal(join.Payload, &joinCfg))
	assert.True(t, joinCfg.Config.Broadcast.Self)
	assert.Equal(t, "Alice", joinCfg.Config.Presence.Key)

	require.NoError(t, tr.Track(PresenceMeta{Username: "Alice", Status: "online"}))
	srv.mu.Lock()
	assert.Len(t, srv.tracks, 1)
	srv.mu.Unlock()

	require.NoError(t, tr.Send(WireEvent, map[string]any{"username": "Alice"}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, WireEvent, events[0])
	assert.Equal(t, "Alice", payloads[0]["username"])
	mu.Unlock()
}

func TestPhoenixTransport_PresenceStateAndDiff(t *testing.T) {
	var mu sync.Mutex
	var rosters []map[string]PresenceMeta
	h := Handlers{
		OnPresenceSync: func(present map[string]PresenceMeta) {
			mu.Lock()
			rosters = append(rosters, present)
			mu.Unlock()
		},
	}
	srv, tr := newPhxFixture(t, h)
	require.NoError(t, tr.Join("general", "Alice"))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rosters) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, tr.Presence(), 2)

	// Bob leaves, Carol joins.
	diff, _ := json.Marshal(map[string]any{
		"joins":  map[string]any{"Carol": map[string]any{"metas": []map[string]any{{"username": "Carol"}}}},
		"leaves": map[string]any{"Bob": map[string]any{"metas": []map[string]any{{"username": "Bob"}}}},
	})
	srv.mu.Lock()
	conn := srv.lastConn
	srv.mu.Unlock()
	require.NoError(t, conn.WriteJSON(phxMessage{Topic: "realtime:general", Event: "presence_diff", Payload: diff}))

	require.Eventually(t, func() bool {
		present := tr.Presence()
		_, hasCarol := present["Carol"]
		_, hasBob := present["Bob"]
		return hasCarol && !hasBob
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPhoenixTransport_DisconnectCallbackOnServerClose(t *testing.T) {
	dropped := make(chan error, 1)
	h := Handlers{OnDisconnect: func(err error) { dropped <- err }}
	srv, tr := newPhxFixture(t, h)
	require.NoError(t, tr.Join("general", "Alice"))

	srv.mu.Lock()
	conn := srv.lastConn
	srv.mu.Unlock()
	require.NoError(t, conn.Close())

	select {
	case err := <-dropped:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback never fired")
	}
}

func TestPhoenixTransport_CloseSuppressesDisconnectCallback(t *testing.T) {
	dropped := make(chan error, 1)
	h := Handlers{OnDisconnect: func(err error) { dropped <- err }}
	_, tr := newPhxFixture(t, h)
	require.NoError(t, tr.Join("general", "Alice"))

	require.NoError(t, tr.Close())
	select {
	case <-dropped:
		t.Fatal("deliberate close must not report a disconnect")
	case <-time.After(200 * time.Millisecond):
	}
}
