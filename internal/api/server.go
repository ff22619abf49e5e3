// Package api is the operator surface: health, status, stream toggles,
// manual-buy registration, and live tracker-config swaps. It is a small
// stdlib HTTP server; everything observability-grade stays in logs.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"stopkeeper/internal/config"
	"stopkeeper/pkg/types"
)

// StreamControl toggles and inspects one WebSocket feed.
type StreamControl interface {
	SetEnabled(on bool)
	Enabled() bool
	Connected() bool
}

// StatusSource exposes the reconciler state the status endpoint reports.
type StatusSource interface {
	CacheSizes() map[string]int
	LastReconnectAt() time.Time
	RehydrationComplete() bool
}

// Lifecycle is the slice of the lifecycle engine the API drives.
type Lifecycle interface {
	ActiveEntries() []types.StopLimitEntry
	RegisterPendingBuy(brokerOrderID string)
}

// TrackerConfig reads and swaps the live trailing-stop table.
type TrackerConfig interface {
	Current() *config.TrackerConfig
	Update(cfg config.TrackerConfig) error
}

// Server is the operator HTTP server.
type Server struct {
	httpServer *http.Server
	streams    map[string]StreamControl
	status     StatusSource
	lifecycle  Lifecycle
	tracker    TrackerConfig
	healthy    func() bool
	logger     *slog.Logger
}

// New builds the server on the given port. streams is keyed by stream name
// (orders, positions, quotes).
func New(port int, streams map[string]StreamControl, status StatusSource,
	lc Lifecycle, tc TrackerConfig, healthy func() bool, logger *slog.Logger) *Server {
	s := &Server{
		streams:   streams,
		status:    status,
		lifecycle: lc,
		tracker:   tc,
		healthy:   healthy,
		logger:    logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/stream/enable", s.handleStreamToggle(true))
	mux.HandleFunc("/api/stream/disable", s.handleStreamToggle(false))
	mux.HandleFunc("/api/orders/track", s.handleTrackOrder)
	mux.HandleFunc("/api/tracker/config", s.handleTrackerConfig)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("operator API listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests with a 10 s grace period.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.healthy() {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}

	streams := make(map[string]map[string]bool, len(s.streams))
	for name, f := range s.streams {
		streams[name] = map[string]bool{"enabled": f.Enabled(), "connected": f.Connected()}
	}

	var lastReconnect string
	if ts := s.status.LastReconnectAt(); !ts.IsZero() {
		lastReconnect = ts.UTC().Format(time.RFC3339)
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"streams":             streams,
		"cacheSizes":          s.status.CacheSizes(),
		"lastReconnectAt":     lastReconnect,
		"activeStopLimits":    s.lifecycle.ActiveEntries(),
		"rehydrationComplete": s.status.RehydrationComplete(),
	})
}

func (s *Server) handleStreamToggle(enable bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			s.writeError(w, http.StatusMethodNotAllowed, "POST only")
			return
		}
		var req struct {
			Stream string `json:"stream"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		feed, ok := s.streams[req.Stream]
		if !ok {
			s.writeError(w, http.StatusNotFound, "unknown stream: "+req.Stream)
			return
		}
		feed.SetEnabled(enable)
		s.logger.Info("stream toggled", "stream", req.Stream, "enabled", enable)
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"stream": req.Stream, "enabled": enable})
	}
}

func (s *Server) handleTrackOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req struct {
		OrderID string `json:"orderId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		s.writeError(w, http.StatusBadRequest, "orderId required")
		return
	}
	s.lifecycle.RegisterPendingBuy(req.OrderID)
	s.logger.Info("buy order registered for tracking", "order", req.OrderID)
	s.writeJSON(w, http.StatusOK, map[string]string{"tracked": req.OrderID})
}

func (s *Server) handleTrackerConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, http.StatusOK, s.tracker.Current())
	case http.MethodPost:
		var cfg config.TrackerConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid body")
			return
		}
		if err := s.tracker.Update(cfg); err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]int{"version": cfg.Version})
	default:
		s.writeError(w, http.StatusMethodNotAllowed, "GET or POST")
	}
}
