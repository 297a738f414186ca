package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/versewatch/versewatch/internal/config"
	"github.com/versewatch/versewatch/internal/dispatch"
)

func baseConfig(t *testing.T, logPath string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		LogFilePath:         logPath,
		Username:            "Alice",
		GoogleSheetsWebhook: "http://127.0.0.1:1/unused",
		RegexPatterns: map[string]string{
			"player_death": `(?P<player>[\w-]+) was killed by (?P<killer>[\w-]+)`,
		},
		Messages: map[string]string{
			"player_death": "{player} was killed by {killer}",
		},
		GoogleSheetsMapping: map[string]string{
			"player_death": "Deaths",
		},
		StatusListen: "127.0.0.1:0",
	}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

func writeLog(t *testing.T, dir string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, "Game.log")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

type batchRecorder struct {
	mu      sync.Mutex
	batches [][]dispatch.Item
}

func (r *batchRecorder) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		var batch []dispatch.Item
		require.NoError(t, json.Unmarshal(body, &batch))
		r.mu.Lock()
		r.batches = append(r.batches, batch)
		r.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}
}

func (r *batchRecorder) items() []dispatch.Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []dispatch.Item
	for _, b := range r.batches {
		all = append(all, b...)
	}
	return all
}

func TestNew_DatasourceOverrideRejectsUnknown(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(t, writeLog(t, dir))

	_, err := New(cfg, Options{Datasource: "carrier-pigeon"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "carrier-pigeon")
}

func TestNew_BuildsWithDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(t, writeLog(t, dir))

	m, err := New(cfg, Options{Version: "1.2.3"})
	require.NoError(t, err)

	status := m.StatusSnapshot()
	assert.False(t, status.Monitoring)
	assert.False(t, status.RealtimeConnected)
	assert.Equal(t, "Alice", status.Username)
}

func TestResolveLogPath_AutoDetectionPicksNewest(t *testing.T) {
	dir := t.TempDir()
	live := filepath.Join(dir, "LIVE", "Game.log")
	ptu := filepath.Join(dir, "PTU", "Game.log")
	require.NoError(t, os.MkdirAll(filepath.Dir(live), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Dir(ptu), 0o755))
	require.NoError(t, os.WriteFile(live, []byte("live\n"), 0o644))
	require.NoError(t, os.WriteFile(ptu, []byte("ptu\n"), 0o644))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(live, old, old))

	cfg := baseConfig(t, live)
	cfg.AutoEnvironmentDetection = true
	cfg.LiveLogPath = live
	cfg.PTULogPath = ptu

	m, err := New(cfg, Options{})
	require.NoError(t, err)
	assert.Equal(t, ptu, m.logPath)

	// Flip the timestamps and the choice follows.
	require.NoError(t, os.Chtimes(ptu, old, old))
	now := time.Now()
	require.NoError(t, os.Chtimes(live, now, now))
	assert.Equal(t, live, m.resolveLogPath())
}

func TestResolveLogPath_DetectionOffUsesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	logPath := writeLog(t, dir)
	cfg := baseConfig(t, logPath)
	cfg.AutoEnvironmentDetection = false
	cfg.PTULogPath = filepath.Join(dir, "nowhere.log")

	m, err := New(cfg, Options{})
	require.NoError(t, err)
	assert.Equal(t, logPath, m.logPath)
}

func TestRun_ProcessOnceDrainsLogToProvider(t *testing.T) {
	rec := &batchRecorder{}
	webhook := httptest.NewServer(rec.handler(t))
	defer webhook.Close()

	dir := t.TempDir()
	logPath := writeLog(t, dir,
		"<2026-08-24T10:00:00.000Z> Bob_123456789 was killed by Eve_987654321",
		"<2026-08-24T10:00:01.000Z> some line nothing matches",
		"<2026-08-24T10:00:02.000Z> Mallory-X was killed by Bob_123456789",
	)
	cfg := baseConfig(t, logPath)
	cfg.GoogleSheetsWebhook = webhook.URL

	m, err := New(cfg, Options{ProcessOnce: true, Version: "test"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("one-shot run did not finish")
	}

	items := rec.items()
	require.Len(t, items, 2)
	assert.Equal(t, "Deaths", items[0].Sheet)
	assert.Equal(t, "Bob", items[0].Data["player"])
	assert.Equal(t, "Mallory-X", items[1].Data["player"])

	status := m.StatusSnapshot()
	assert.False(t, status.Monitoring)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	cfg := baseConfig(t, writeLog(t, dir, "nothing interesting"))

	m, err := New(cfg, Options{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	// Let startup settle, then ask for shutdown.
	time.Sleep(200 * time.Millisecond)
	assert.True(t, m.StatusSnapshot().Monitoring)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("run did not stop on cancel")
	}
	assert.False(t, m.StatusSnapshot().Monitoring)
}
