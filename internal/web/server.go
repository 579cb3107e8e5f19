// Package web serves the Prometheus scrape endpoint.
//
// DESIGN: A plain http.Server with two routes:
//   - /metrics: promhttp over the default registry (process and Go runtime
//     collectors included alongside the bridge collector)
//   - /healthz: JSON liveness with sync state and sensor count
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/karoo-obs/katcp-exporter/internal/bridge"
	"github.com/karoo-obs/katcp-exporter/internal/config"
)

// Server is the metrics HTTP listener.
type Server struct {
	httpServer *http.Server
	bridge     *bridge.Bridge
}

// New creates the listener for cfg over b.
func New(cfg config.MetricsConfig, b *bridge.Bridge) *Server {
	s := &Server{bridge: b}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      withRecovery(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

// Start blocks serving requests until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("metrics listener started")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sync_state": s.bridge.State().String(),
		"sensors":    s.bridge.SensorCount(),
		"time":       time.Now().UTC().Format(time.RFC3339),
	})
}

// withRecovery catches handler panics, returns 500, and logs the stack.
func withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("handler panic recovered")
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
