package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/vortex-trading/vortex/internal/detector"
	"github.com/vortex-trading/vortex/internal/ingest"
	"github.com/vortex-trading/vortex/internal/observability"
	"github.com/vortex-trading/vortex/internal/riskgate"
)

// ---------------------------------------------------------------------------
// Control Surface — read-only views plus halt/resume
// ---------------------------------------------------------------------------

// Config configures the control surface.
type Config struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns server defaults.
func DefaultConfig() Config {
	return Config{Addr: ":8080"}
}

// Server exposes the pipeline to the operator dashboard.
type Server struct {
	config   Config
	detector *detector.Detector
	gate     *riskgate.Gate
	health   *observability.HealthMonitor
	venues   *ingest.HealthTracker

	httpServer *http.Server
}

// New creates a control-surface server.
func New(config Config, det *detector.Detector, gate *riskgate.Gate, health *observability.HealthMonitor, venues *ingest.HealthTracker) *Server {
	s := &Server{
		config:   config,
		detector: det,
		gate:     gate,
		health:   health,
		venues:   venues,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /opportunities", s.handleOpportunities)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /admin/halt", s.handleHalt)
	mux.HandleFunc("POST /admin/resume", s.handleResume)

	s.httpServer = &http.Server{
		Addr:              config.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.config.Addr).Msg("control surface listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type opportunityView struct {
	Cycle      uint32    `json:"cycle"`
	Trigger    string    `json:"trigger"`
	EdgeBps    uint32    `json:"edge_bps"`
	Hops       int       `json:"hops"`
	DetectedAt time.Time `json:"detected_at"`
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	recent := s.detector.Recent()
	views := make([]opportunityView, 0, len(recent))
	for _, c := range recent {
		views = append(views, opportunityView{
			Cycle:      c.Cycle,
			Trigger:    c.Trigger.String(),
			EdgeBps:    c.EdgeBps,
			Hops:       len(c.Hops),
			DetectedAt: c.DetectedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"opportunities": views})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.health.Snapshot()
	code := http.StatusOK
	if snap.Status == observability.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, snap)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.gate.StatusSnapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"risk":   st,
		"venues": s.venues.Snapshot(),
	})
}

func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	s.gate.Halt()
	log.Warn().Str("remote", r.RemoteAddr).Msg("operator halt")
	writeJSON(w, http.StatusOK, map[string]string{"state": "halted"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.gate.Resume()
	log.Warn().Str("remote", r.RemoteAddr).Msg("operator resume")
	writeJSON(w, http.StatusOK, map[string]string{"state": "normal"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("control surface: encode response")
	}
}
