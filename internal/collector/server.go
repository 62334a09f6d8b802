// SPDX-License-Identifier: MIT

// Package collector implements the local receiver daemon: the HTTP surface
// the pipeline's beacon and keepalive channels point at during development.
// Received batches are archived to disk; Prometheus metrics and health
// probes ride on the same router.
package collector

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/toolary/telemetry/internal/config"
	"github.com/toolary/telemetry/internal/event"
	"github.com/toolary/telemetry/internal/log"
	"github.com/toolary/telemetry/internal/metrics"
)

// maxBodyBytes bounds one submission. A batch is at most a few dozen events;
// anything near this limit is not a batch.
const maxBodyBytes = 1 << 20

// Server is the collector HTTP surface. The router is rebuilt on Apply so a
// hot-reloaded rate limit takes effect without restarting the daemon.
type Server struct {
	archive *Archive
	logger  zerolog.Logger

	mu     sync.RWMutex
	cfg    config.Collector
	router chi.Router
}

// New creates a collector server writing received batches into archive.
func New(cfg config.Collector, archive *Archive) *Server {
	s := &Server{
		cfg:     cfg,
		archive: archive,
		logger:  log.WithComponent("collector"),
	}
	s.router = s.routes(cfg)
	return s
}

// Apply swaps in a reloaded collector configuration. Only request-path
// settings (the rate limit) take effect here; the listen address and data dir
// are bound at startup and need a restart.
func (s *Server) Apply(cfg config.Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.RateLimit == s.cfg.RateLimit {
		s.cfg = cfg
		return
	}
	s.logger.Info().Int("rate_limit", cfg.RateLimit).Str("event", "collector.config_applied").
		Msg("rate limit updated")
	s.cfg = cfg
	s.router = s.routes(cfg)
}

// Handler returns a stable handler that always serves through the current
// router.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.RLock()
		router := s.router
		s.mu.RUnlock()
		router.ServeHTTP(w, r)
	})
}

func (s *Server) routes(cfg config.Collector) chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestLog)
	if cfg.RateLimit > 0 {
		r.Use(httprate.Limit(cfg.RateLimit, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))
	}

	r.Post("/v1/batch", s.handleBatch("beacon"))
	r.Post("/v1/keepalive", s.handleBatch("keepalive"))
	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// handleBatch accepts one serialized batch, validates it and archives it.
// The channel label only records which submission path was used.
func (s *Server) handleBatch(channel string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var batch event.Batch
		if err := json.NewDecoder(body).Decode(&batch); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				metrics.IncCollectorRejected("too_large")
				http.Error(w, `{"error":"batch too large"}`, http.StatusRequestEntityTooLarge)
				return
			}
			metrics.IncCollectorRejected("decode")
			http.Error(w, `{"error":"invalid batch"}`, http.StatusBadRequest)
			return
		}
		if batch.Len() == 0 {
			metrics.IncCollectorRejected("empty")
			http.Error(w, `{"error":"empty batch"}`, http.StatusBadRequest)
			return
		}

		if err := s.archive.Write(batch); err != nil {
			s.logger.Error().Err(err).Str("batch", batch.ID).Str("event", "collector.archive_failed").Msg("batch not archived")
			http.Error(w, `{"error":"archive failed"}`, http.StatusInternalServerError)
			return
		}

		metrics.IncCollectorReceived(channel)
		s.logger.Debug().Str("batch", batch.ID).Int("events", batch.Len()).
			Str("channel", channel).Str("event", "collector.batch_received").Msg("batch archived")
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// requestLog logs each request at debug level with method, path and timing.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}
