// Package dispatch batches matched events and hands them to a pluggable
// data provider: the spreadsheet webhook or the Supabase Postgres store.
package dispatch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Item is one queued record: the extracted data plus its target sheet.
type Item struct {
	Data  map[string]any `json:"data"`
	Sheet string         `json:"sheet"`
}

// DataProvider is the durable-sink contract. Implementations exist for
// the spreadsheet webhook backend and the Supabase Postgres backend.
type DataProvider interface {
	IsConnected() bool
	FetchData(ctx context.Context, sheet, username string) ([]map[string]any, error)
	ProcessData(ctx context.Context, batch []Item) error
	Purge(ctx context.Context, sheet string) error
	FetchRecordHashes(ctx context.Context, sheet string) ([]string, error)
	EnsureDynamicViews(ctx context.Context, tabs map[string]string) error
	ViewExists(ctx context.Context, name string) (bool, error)
}

// newProviderBreaker builds the circuit breaker wrapped around provider
// calls: 5 consecutive failures open it for 30 s, a half-open probe
// closes it again.
func newProviderBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("provider", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("provider circuit breaker state change")
		},
	})
}
