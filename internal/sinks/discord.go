// Package sinks holds outbound notification endpoints: the Discord
// webhooks events are mirrored to, and the technical webhook used for
// monitor lifecycle notices.
package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/versewatch/versewatch/internal/ratelimit"
)

// ModeSource tells the sink whether the player is in an Arena Commander
// mode, which routes to a different webhook.
type ModeSource interface {
	InEAMode() bool
}

// DiscordConfig holds the webhook endpoints. LiveWebhook and ACWebhook
// fall back to Webhook when empty.
type DiscordConfig struct {
	Webhook     string
	LiveWebhook string
	ACWebhook   string
	Enabled     bool
}

// DiscordSink mirrors rendered events to Discord. Sends are paced under
// Discord's per-webhook limit and run on their own goroutines so the
// pattern engine never blocks on network I/O.
type DiscordSink struct {
	cfg     DiscordConfig
	mode    ModeSource
	pacer   *ratelimit.WebhookPacer
	client  *http.Client
	enabled atomic.Bool
	wg      sync.WaitGroup
}

// NewDiscordSink builds the sink; mode may be nil, in which case the
// default webhook is always used.
func NewDiscordSink(cfg DiscordConfig, mode ModeSource) *DiscordSink {
	s := &DiscordSink{
		cfg:  cfg,
		mode: mode,
		// Discord allows ~30 req/min per webhook; half that leaves room
		// for retries.
		pacer:  ratelimit.NewWebhookPacer(0.25, 5),
		client: &http.Client{Timeout: 10 * time.Second},
	}
	s.enabled.Store(cfg.Enabled)
	return s
}

// SetEnabled gates dispatch at runtime (--no-discord, config toggle).
func (s *DiscordSink) SetEnabled(on bool) { s.enabled.Store(on) }

// Enabled reports the gate state.
func (s *DiscordSink) Enabled() bool { return s.enabled.Load() }

// Send posts content to the webhook for the current mode. Returns
// immediately; delivery is asynchronous and failures are logged only.
func (s *DiscordSink) Send(content string) {
	if !s.enabled.Load() || content == "" {
		return
	}
	url := s.webhookURL()
	if url == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.pacer.Wait(ctx); err != nil {
			log.Warn().Err(err).Msg("discord send abandoned waiting for pacer")
			return
		}
		if err := post(ctx, s.client, url, map[string]string{"content": content}); err != nil {
			log.Warn().Err(err).Msg("discord webhook post failed")
		}
	}()
}

// Join waits for in-flight sends, bounded by timeout.
func (s *DiscordSink) Join(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *DiscordSink) webhookURL() string {
	if s.mode != nil && s.mode.InEAMode() && s.cfg.ACWebhook != "" {
		return s.cfg.ACWebhook
	}
	if s.cfg.LiveWebhook != "" {
		return s.cfg.LiveWebhook
	}
	return s.cfg.Webhook
}

func post(ctx context.Context, client *http.Client, url string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}
