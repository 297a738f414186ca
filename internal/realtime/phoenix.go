package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// PhoenixConfig points the transport at a phoenix-channels realtime
// endpoint (Supabase realtime speaks this protocol).
type PhoenixConfig struct {
	// URL is the websocket endpoint, e.g.
	// wss://<project>.supabase.co/realtime/v1/websocket.
	URL    string
	APIKey string

	// HeartbeatInterval is the protocol-level heartbeat on the "phoenix"
	// topic, distinct from the bridge's presence heartbeat. Default 25 s.
	HeartbeatInterval time.Duration

	// ReplyTimeout bounds waits for join/track acknowledgements.
	ReplyTimeout time.Duration
}

// NewPhoenixFactory returns a TransportFactory producing one-shot
// phoenix transports.
func NewPhoenixFactory(cfg PhoenixConfig) TransportFactory {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 25 * time.Second
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 10 * time.Second
	}
	return func(h Handlers) Transport {
		return &phoenixTransport{cfg: cfg, handlers: h}
	}
}

// phxMessage is the phoenix channels frame.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type phoenixTransport struct {
	cfg      PhoenixConfig
	handlers Handlers

	conn    *websocket.Conn
	writeMu sync.Mutex // gorilla allows one concurrent writer

	topic   string
	joinRef string
	refSeq  atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage

	presenceMu sync.Mutex
	presence   map[string]PresenceMeta

	closed atomic.Bool
	stopHB chan struct{}
	done   chan struct{}
}

func (t *phoenixTransport) Connect(ctx context.Context) error {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return fmt.Errorf("realtime url: %w", err)
	}
	q := u.Query()
	q.Set("vsn", "1.0.0")
	if t.cfg.APIKey != "" {
		q.Set("apikey", t.cfg.APIKey)
	}
	u.RawQuery = q.Encode()

	header := http.Header{}
	if t.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+t.cfg.APIKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("realtime dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("realtime dial: %w", err)
	}

	t.conn = conn
	t.pending = make(map[string]chan json.RawMessage)
	t.presence = make(map[string]PresenceMeta)
	t.stopHB = make(chan struct{})
	t.done = make(chan struct{})
	go t.readLoop()
	go t.heartbeatLoop()
	return nil
}

func (t *phoenixTransport) Join(channel, presenceKey string) error {
	t.topic = "realtime:" + channel
	t.joinRef = t.nextRef()
	payload := map[string]any{
		"config": map[string]any{
			"broadcast": map[string]any{"self": true},
			"presence":  map[string]any{"key": presenceKey},
		},
	}
	reply, err := t.call(t.topic, "phx_join", payload, t.joinRef)
	if err != nil {
		return fmt.Errorf("channel join: %w", err)
	}
	if status := replyStatus(reply); status != "ok" {
		return fmt.Errorf("channel join rejected: %s", status)
	}
	return nil
}

func (t *phoenixTransport) Track(meta PresenceMeta) error {
	_, err := t.call(t.topic, "presence", map[string]any{
		"type":    "presence",
		"event":   "track",
		"payload": meta,
	}, "")
	if err != nil {
		return fmt.Errorf("presence track: %w", err)
	}
	return nil
}

func (t *phoenixTransport) Send(event string, payload map[string]any) error {
	return t.push(t.topic, "broadcast", map[string]any{
		"type":    "broadcast",
		"event":   event,
		"payload": payload,
	}, t.nextRef())
}

func (t *phoenixTransport) Presence() map[string]PresenceMeta {
	t.presenceMu.Lock()
	defer t.presenceMu.Unlock()
	out := make(map[string]PresenceMeta, len(t.presence))
	for k, v := range t.presence {
		out[k] = v
	}
	return out
}

func (t *phoenixTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.topic != "" {
		// Best effort; the server also reaps on socket close.
		_ = t.push(t.topic, "phx_leave", map[string]any{}, t.nextRef())
	}
	close(t.stopHB)
	err := t.conn.Close()
	select {
	case <-t.done:
	case <-time.After(3 * time.Second):
	}
	return err
}

// call pushes a frame and waits for its phx_reply.
func (t *phoenixTransport) call(topic, event string, payload any, ref string) (json.RawMessage, error) {
	if ref == "" {
		ref = t.nextRef()
	}
	ch := make(chan json.RawMessage, 1)
	t.pendingMu.Lock()
	t.pending[ref] = ch
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, ref)
		t.pendingMu.Unlock()
	}()

	if err := t.push(topic, event, payload, ref); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-t.done:
		return nil, fmt.Errorf("connection closed awaiting reply")
	case <-time.After(t.cfg.ReplyTimeout):
		return nil, fmt.Errorf("no reply within %s", t.cfg.ReplyTimeout)
	}
}

func (t *phoenixTransport) push(topic, event string, payload any, ref string) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	msg := phxMessage{Topic: topic, Event: event, Payload: raw, Ref: ref}
	if topic == t.topic && t.joinRef != "" {
		msg.JoinRef = t.joinRef
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return t.conn.WriteJSON(msg)
}

func (t *phoenixTransport) readLoop() {
	defer close(t.done)
	readWait := 2 * t.cfg.HeartbeatInterval
	for {
		_ = t.conn.SetReadDeadline(time.Now().Add(readWait))
		var msg phxMessage
		if err := t.conn.ReadJSON(&msg); err != nil {
			if !t.closed.Load() && t.handlers.OnDisconnect != nil {
				t.handlers.OnDisconnect(err)
			}
			return
		}
		t.dispatch(msg)
	}
}

func (t *phoenixTransport) dispatch(msg phxMessage) {
	switch msg.Event {
	case "phx_reply":
		t.pendingMu.Lock()
		ch := t.pending[msg.Ref]
		t.pendingMu.Unlock()
		if ch != nil {
			ch <- msg.Payload
		}
	case "broadcast":
		var body struct {
			Event   string         `json:"event"`
			Payload map[string]any `json:"payload"`
		}
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			log.Debug().Err(err).Msg("broadcast frame decode failed")
			return
		}
		if t.handlers.OnBroadcast != nil {
			t.handlers.OnBroadcast(body.Event, body.Payload)
		}
	case "presence_state":
		t.applyPresenceState(msg.Payload)
	case "presence_diff":
		t.applyPresenceDiff(msg.Payload)
	case "phx_error", "phx_close":
		log.Debug().Str("event", msg.Event).Str("topic", msg.Topic).Msg("channel signal")
	}
}

// presenceEntry is the per-key presence payload: a list of metas, one
// per tracked connection. The newest meta wins.
type presenceEntry struct {
	Metas []PresenceMeta `json:"metas"`
}

func (t *phoenixTransport) applyPresenceState(raw json.RawMessage) {
	var state map[string]presenceEntry
	if err := json.Unmarshal(raw, &state); err != nil {
		log.Debug().Err(err).Msg("presence_state decode failed")
		return
	}
	t.presenceMu.Lock()
	t.presence = make(map[string]PresenceMeta, len(state))
	for key, entry := range state {
		if len(entry.Metas) > 0 {
			t.presence[key] = entry.Metas[len(entry.Metas)-1]
		}
	}
	t.presenceMu.Unlock()
	t.syncPresence()
}

func (t *phoenixTransport) applyPresenceDiff(raw json.RawMessage) {
	var diff struct {
		Joins  map[string]presenceEntry `json:"joins"`
		Leaves map[string]presenceEntry `json:"leaves"`
	}
	if err := json.Unmarshal(raw, &diff); err != nil {
		log.Debug().Err(err).Msg("presence_diff decode failed")
		return
	}
	t.presenceMu.Lock()
	for key := range diff.Leaves {
		delete(t.presence, key)
	}
	for key, entry := range diff.Joins {
		if len(entry.Metas) > 0 {
			t.presence[key] = entry.Metas[len(entry.Metas)-1]
		}
	}
	t.presenceMu.Unlock()
	t.syncPresence()
}

func (t *phoenixTransport) syncPresence() {
	if t.handlers.OnPresenceSync != nil {
		t.handlers.OnPresenceSync(t.Presence())
	}
}

// heartbeatLoop keeps the socket alive on the reserved "phoenix" topic.
func (t *phoenixTransport) heartbeatLoop() {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopHB:
			return
		case <-ticker.C:
			if err := t.push("phoenix", "heartbeat", map[string]any{}, t.nextRef()); err != nil {
				log.Debug().Err(err).Msg("protocol heartbeat failed")
				return
			}
		}
	}
}

func (t *phoenixTransport) nextRef() string {
	return strconv.FormatUint(t.refSeq.Add(1), 10)
}

func replyStatus(raw json.RawMessage) string {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "unparseable"
	}
	return body.Status
}
