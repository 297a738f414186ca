package sinks

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// TechnicalNotifier posts monitor lifecycle notices to the operator's
// technical webhook. Everything here is best effort: a missing or
// failing webhook never affects monitoring.
type TechnicalNotifier struct {
	url    string
	client *http.Client
}

func NewTechnicalNotifier(url string) *TechnicalNotifier {
	return &TechnicalNotifier{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

// Startup announces the monitor coming online.
func (n *TechnicalNotifier) Startup(username, version string) {
	n.notify(fmt.Sprintf("🟢 monitor started: user=%s version=%s", username, version))
}

// Shutdown announces a clean stop.
func (n *TechnicalNotifier) Shutdown(username string) {
	n.notify(fmt.Sprintf("🔴 monitor stopped: user=%s", username))
}

func (n *TechnicalNotifier) notify(content string) {
	if n == nil || n.url == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := post(ctx, n.client, n.url, map[string]string{"content": content}); err != nil {
		log.Debug().Err(err).Msg("technical webhook post failed")
	}
}
