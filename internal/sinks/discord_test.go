package sinks

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type webhookRecorder struct {
	mu       sync.Mutex
	contents []string
}

func (w *webhookRecorder) server(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.mu.Lock()
		w.contents = append(w.contents, body["content"])
		w.mu.Unlock()
		rw.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func (w *webhookRecorder) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.contents)
}

type fixedMode struct{ ea bool }

func (f fixedMode) InEAMode() bool { return f.ea }

func TestDiscordSink_SendsToWebhook(t *testing.T) {
	rec := &webhookRecorder{}
	srv := rec.server(t)

	s := NewDiscordSink(DiscordConfig{Webhook: srv.URL, Enabled: true}, nil)
	s.Send("Bob killed Carol")
	require.True(t, s.Join(5*time.Second))

	require.Equal(t, 1, rec.count())
	assert.Equal(t, "Bob killed Carol", rec.contents[0])
}

func TestDiscordSink_DisabledDropsSilently(t *testing.T) {
	rec := &webhookRecorder{}
	srv := rec.server(t)

	s := NewDiscordSink(DiscordConfig{Webhook: srv.URL, Enabled: false}, nil)
	s.Send("suppressed")
	require.True(t, s.Join(time.Second))
	assert.Zero(t, rec.count())

	s.SetEnabled(true)
	s.Send("delivered")
	require.True(t, s.Join(5*time.Second))
	assert.Equal(t, 1, rec.count())
}

func TestDiscordSink_ModeSelectsWebhook(t *testing.T) {
	liveRec := &webhookRecorder{}
	acRec := &webhookRecorder{}
	live := liveRec.server(t)
	ac := acRec.server(t)

	cfg := DiscordConfig{LiveWebhook: live.URL, ACWebhook: ac.URL, Enabled: true}

	s := NewDiscordSink(cfg, fixedMode{ea: false})
	s.Send("pu event")
	require.True(t, s.Join(5*time.Second))
	assert.Equal(t, 1, liveRec.count())
	assert.Zero(t, acRec.count())

	s = NewDiscordSink(cfg, fixedMode{ea: true})
	s.Send("ac event")
	require.True(t, s.Join(5*time.Second))
	assert.Equal(t, 1, acRec.count())
}

func TestDiscordSink_EmptyContentAndURL(t *testing.T) {
	s := NewDiscordSink(DiscordConfig{Enabled: true}, nil)
	s.Send("")
	s.Send("no webhook configured")
	assert.True(t, s.Join(time.Second))
}

func TestTechnicalNotifier_PostsLifecycleNotices(t *testing.T) {
	rec := &webhookRecorder{}
	srv := rec.server(t)

	n := NewTechnicalNotifier(srv.URL)
	n.Startup("Alice", "1.2.3")
	n.Shutdown("Alice")

	require.Equal(t, 2, rec.count())
	assert.Contains(t, rec.contents[0], "started")
	assert.Contains(t, rec.contents[0], "Alice")
	assert.Contains(t, rec.contents[1], "stopped")
}

func TestTechnicalNotifier_NoURLIsNoop(t *testing.T) {
	n := NewTechnicalNotifier("")
	n.Startup("Alice", "1.2.3") // must not panic or block
	n.Shutdown("Alice")
}
