package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// SheetsProvider ships batches to the Google Sheets webhook (an Apps
// Script endpoint). The script appends each item's data to the tab named
// by its sheet field.
type SheetsProvider struct {
	webhookURL string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewSheetsProvider creates the webhook provider. An empty URL yields a
// provider that reports disconnected and drops batches with a warning.
func NewSheetsProvider(webhookURL string) *SheetsProvider {
	return &SheetsProvider{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 15 * time.Second},
		breaker:    newProviderBreaker("googlesheets"),
	}
}

// IsConnected reports whether the webhook is configured and the breaker
// allows traffic.
func (s *SheetsProvider) IsConnected() bool {
	return s.webhookURL != "" && s.breaker.State() != gobreaker.StateOpen
}

// ProcessData POSTs the batch as a JSON array to the webhook.
func (s *SheetsProvider) ProcessData(ctx context.Context, batch []Item) error {
	if s.webhookURL == "" {
		return fmt.Errorf("google sheets webhook not configured")
	}
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	_, err = s.breaker.Execute(func() (any, error) {
		return nil, s.post(ctx, body)
	})
	return err
}

func (s *SheetsProvider) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook post: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// FetchData GETs rows for one sheet, optionally filtered by username.
func (s *SheetsProvider) FetchData(ctx context.Context, sheet, username string) ([]map[string]any, error) {
	if s.webhookURL == "" {
		return nil, fmt.Errorf("google sheets webhook not configured")
	}
	q := url.Values{"sheet": {sheet}}
	if username != "" {
		q.Set("username", username)
	}
	rows, err := s.breaker.Execute(func() (any, error) {
		return s.get(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	return rows.([]map[string]any), nil
}

func (s *SheetsProvider) get(ctx context.Context, q url.Values) ([]map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.webhookURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook get: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var rows []map[string]any
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("webhook get: decode rows: %w", err)
	}
	return rows, nil
}

// Purge asks the script to clear one sheet tab.
func (s *SheetsProvider) Purge(ctx context.Context, sheet string) error {
	body, _ := json.Marshal(map[string]string{"action": "purge", "sheet": sheet})
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.post(ctx, body)
	})
	return err
}

// FetchRecordHashes returns the script-computed row hashes for dedup.
func (s *SheetsProvider) FetchRecordHashes(ctx context.Context, sheet string) ([]string, error) {
	q := url.Values{"sheet": {sheet}, "action": {"hashes"}}
	rows, err := s.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.webhookURL+"?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook hashes: unexpected status %d", resp.StatusCode)
		}
		var hashes []string
		if err := json.NewDecoder(resp.Body).Decode(&hashes); err != nil {
			return nil, err
		}
		return hashes, nil
	})
	if err != nil {
		return nil, err
	}
	return rows.([]string), nil
}

// EnsureDynamicViews is a no-op: tab queries only apply to the database
// provider.
func (s *SheetsProvider) EnsureDynamicViews(ctx context.Context, tabs map[string]string) error {
	if len(tabs) > 0 {
		log.Debug().Int("tabs", len(tabs)).Msg("dynamic views ignored by sheets provider")
	}
	return nil
}

// ViewExists always reports false for the sheets provider.
func (s *SheetsProvider) ViewExists(ctx context.Context, name string) (bool, error) {
	return false, nil
}
