// Package httpapi exposes the optional ops surface: health, module and loop
// snapshots, system stats, and prometheus metrics. It is read-only; control
// actions stay on the embedding application's API.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/dcs/registry"
	"github.com/seantiz/dcs/sched"
	"github.com/seantiz/dcs/telemetry"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Source is the read-only view of the control system the API serves.
type Source interface {
	Running() bool
	Modules() []registry.ModuleInfo
	Loops() []sched.LoopStatus
	Metrics() telemetry.SystemMetrics
}

// Server wraps the chi router and the HTTP listener.
type Server struct {
	router *chi.Mux
	source Source
	logger *slog.Logger
	addr   string

	srv *http.Server
}

// New creates and configures the ops server. promReg backs the /metrics
// endpoint.
func New(addr string, source Source, promReg *prometheus.Registry, logger *slog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		source: source,
		logger: logger,
		addr:   addr,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	s.router.Get("/v1/modules", s.handleListModules)
	s.router.Get("/v1/loops", s.handleListLoops)
	s.router.Get("/v1/stats", s.handleGetStats)

	return s
}

// Router returns the chi router, for tests and embedding.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}
	go func() {
		s.logger.Info("ops api listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops api server error", "error", err)
		}
	}()
}

// Shutdown stops the listener, waiting up to the shutdown bound.
func (s *Server) Shutdown() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Error("ops api shutdown", "error", err)
	}
	s.srv = nil
}

type healthResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Running: s.source.Running()})
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.Modules())
}

func (s *Server) handleListLoops(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.source.Loops())
}

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryBytes     uint64  `json:"memory_bytes"`
	AvgLatencyMS    float64 `json:"avg_latency_ms"`
	MaxLatencyMS    float64 `json:"max_latency_ms"`
	TotalMessages   uint64  `json:"total_messages"`
	DroppedMessages uint64  `json:"dropped_messages"`
	UptimeS         float64 `json:"uptime_s"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	m := s.source.Metrics()
	s.writeJSON(w, http.StatusOK, statsResponse{
		CPUPercent:      m.CPUPercent,
		MemoryBytes:     m.MemoryBytes,
		AvgLatencyMS:    float64(m.AvgLatency) / float64(time.Millisecond),
		MaxLatencyMS:    float64(m.MaxLatency) / float64(time.Millisecond),
		TotalMessages:   m.TotalMessages,
		DroppedMessages: m.DroppedMessages,
		UptimeS:         m.Uptime.Seconds(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
