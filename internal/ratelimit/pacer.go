package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// WebhookPacer paces calls to a webhook endpoint using a token bucket.
// Discord enforces per-webhook limits server-side; staying under them
// locally avoids 429 retry storms.
type WebhookPacer struct {
	limiter *rate.Limiter
}

// NewWebhookPacer creates a pacer allowing rps requests per second with
// the given burst capacity.
func NewWebhookPacer(rps float64, burst int) *WebhookPacer {
	return &WebhookPacer{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow reports whether a request may proceed immediately.
func (p *WebhookPacer) Allow() bool {
	return p.limiter.Allow()
}

// Wait blocks until a request is allowed or the context is cancelled.
func (p *WebhookPacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Tokens reports the tokens currently available.
func (p *WebhookPacer) Tokens() float64 {
	return p.limiter.Tokens()
}
