package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StatusSource supplies the live snapshot served on /status.
type StatusSource interface {
	StatusSnapshot() Status
}

// Status is the JSON shape of /status.
type Status struct {
	Monitoring        bool   `json:"monitoring"`
	RealtimeConnected bool   `json:"realtime_connected"`
	Username          string `json:"username"`
	Shard             string `json:"shard"`
	Version           string `json:"version"`
	Mode              string `json:"mode"`
}

// Server is the local status endpoint. It binds loopback by default;
// nothing here is authenticated.
type Server struct {
	srv *http.Server
}

// NewServer builds the router: /healthz, /status, /metrics.
func NewServer(addr string, source StatusSource, metrics *MetricsRegistry) *Server {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(source.StatusSnapshot())
	}).Methods(http.MethodGet)

	r.Handle("/metrics", promhttp.HandlerFor(metrics.Gatherer(), promhttp.HandlerOpts{})).
		Methods(http.MethodGet)

	return &Server{srv: &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn().Err(err).Str("addr", s.srv.Addr).Msg("status server stopped")
		}
	}()
	log.Info().Str("addr", s.srv.Addr).Msg("status server listening")
}

// Shutdown stops the server, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
