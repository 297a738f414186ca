// Package httpapi serves the local status endpoint: liveness, a JSON
// status snapshot, and Prometheus metrics.
package httpapi

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRegistry holds all Prometheus metrics for the monitor.
type MetricsRegistry struct {
	registry *prometheus.Registry

	// Bus and engine throughput.
	MessagesPublished *prometheus.CounterVec
	LinesProcessed    prometheus.Counter
	RuleMatches       *prometheus.CounterVec

	// Rate limiting.
	RateLimitDrops *prometheus.CounterVec

	// Dispatch pipeline.
	DispatchBatches prometheus.Counter
	DispatchItems   prometheus.Counter
	DispatchErrors  prometheus.Counter
	QueueDrops      prometheus.Counter

	// Realtime bridge.
	BroadcastsSent    prometheus.Counter
	BroadcastsDropped prometheus.Counter
	Reconnects        prometheus.Counter
	PingLossEvents    prometheus.Counter
	RealtimeConnected prometheus.Gauge
}

// NewMetricsRegistry builds the monitor's metric set on a private
// registry, keeping default Go collectors out of the scrape.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		registry: prometheus.NewRegistry(),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "versewatch_messages_published_total",
				Help: "Messages published on the bus by level",
			},
			[]string{"level"},
		),
		LinesProcessed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "versewatch_log_lines_total",
				Help: "Log lines handed to the pattern engine",
			},
		),
		RuleMatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "versewatch_rule_matches_total",
				Help: "Pattern rule matches by rule name",
			},
			[]string{"rule"},
		),
		RateLimitDrops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "versewatch_rate_limit_drops_total",
				Help: "Events suppressed by the duplicate rate limiter",
			},
			[]string{"type"},
		),
		DispatchBatches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "versewatch_dispatch_batches_total",
				Help: "Batches submitted to the data provider",
			},
		),
		DispatchItems: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "versewatch_dispatch_items_total",
				Help: "Items submitted to the data provider",
			},
		),
		DispatchErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "versewatch_dispatch_errors_total",
				Help: "Provider submissions that failed",
			},
		),
		QueueDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "versewatch_dispatch_queue_drops_total",
				Help: "Items dropped because the dispatch queue was full",
			},
		),
		BroadcastsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "versewatch_broadcasts_sent_total",
				Help: "Realtime broadcasts sent to peers",
			},
		),
		BroadcastsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "versewatch_broadcasts_filtered_total",
				Help: "Inbound broadcasts dropped by the filter pipeline",
			},
		),
		Reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "versewatch_realtime_reconnects_total",
				Help: "Successful realtime reconnect cycles",
			},
		),
		PingLossEvents: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "versewatch_realtime_ping_loss_total",
				Help: "Ping-loss gaps flagged by the watchdog",
			},
		),
		RealtimeConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "versewatch_realtime_connected",
				Help: "1 when the realtime channel is up",
			},
		),
	}

	m.registry.MustRegister(
		m.MessagesPublished,
		m.LinesProcessed,
		m.RuleMatches,
		m.RateLimitDrops,
		m.DispatchBatches,
		m.DispatchItems,
		m.DispatchErrors,
		m.QueueDrops,
		m.BroadcastsSent,
		m.BroadcastsDropped,
		m.Reconnects,
		m.PingLossEvents,
		m.RealtimeConnected,
	)
	return m
}

// Gatherer exposes the underlying registry for the /metrics handler and
// for tests.
func (m *MetricsRegistry) Gatherer() prometheus.Gatherer { return m.registry }

// Observe adapts the registry to the MetricsCallback signature the bus,
// engine, dispatch pipeline, and bridge report through. Unknown metric
// names are ignored so callers can emit freely.
func (m *MetricsRegistry) Observe(metric string, value float64, tags map[string]string) {
	switch metric {
	case "bus_messages_published_total":
		m.MessagesPublished.WithLabelValues(tags["level"]).Add(value)
	case "engine_lines_total":
		m.LinesProcessed.Add(value)
	case "engine_rule_matches_total":
		m.RuleMatches.WithLabelValues(tags["rule"]).Add(value)
	case "rate_limit_drops_total":
		m.RateLimitDrops.WithLabelValues(tags["type"]).Add(value)
	case "dispatch_batches_total":
		m.DispatchBatches.Add(value)
	case "dispatch_enqueued_total":
		m.DispatchItems.Add(value)
	case "dispatch_batches_failed_total":
		m.DispatchErrors.Add(value)
	case "dispatch_dropped_total":
		m.QueueDrops.Add(value)
	case "realtime_broadcasts_total":
		m.BroadcastsSent.Add(value)
	case "realtime_filtered_total":
		m.BroadcastsDropped.Add(value)
	case "realtime_reconnects_total":
		m.Reconnects.Add(value)
	case "realtime_ping_loss_total":
		m.PingLossEvents.Add(value)
	}
}
