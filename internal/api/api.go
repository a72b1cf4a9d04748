// Package api is the Control/API Surface: a small local JSON API for
// listing and inspecting captured flows, clearing the store, and reading or
// switching the proxy's outbound TLS fingerprint profile.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/siphonhq/siphon/internal/config"
	"github.com/siphonhq/siphon/internal/store"
	"github.com/siphonhq/siphon/internal/transport"
)

// Server is the REST API server.
type Server struct {
	cfg         *config.Config
	store       store.Store
	transport   *transport.Switcher
	logger      *slog.Logger
	mux         *http.ServeMux
	startTime   time.Time
	rateLimiter *RateLimiter
}

// NewServer creates a new API server. ts may be nil if TLS profile
// switching isn't wired in (tests exercising only flow endpoints).
func NewServer(cfg *config.Config, dataStore store.Store, ts *transport.Switcher, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:         cfg,
		store:       dataStore,
		transport:   ts,
		logger:      logger,
		mux:         http.NewServeMux(),
		startTime:   time.Now(),
		rateLimiter: NewRateLimiter(20, 100),
	}

	s.mux.HandleFunc("GET /api/flows", s.authMiddleware(s.listFlows))
	s.mux.HandleFunc("DELETE /api/flows", s.authMiddleware(s.clearFlows))
	s.mux.HandleFunc("GET /api/flows/{id}", s.authMiddleware(s.getFlow))
	s.mux.HandleFunc("GET /api/flows/{id}/events", s.authMiddleware(s.getFlowEvents))
	s.mux.HandleFunc("GET /api/flows/{id}/raw", s.authMiddleware(s.getFlowRaw))
	s.mux.HandleFunc("GET /api/stats", s.authMiddleware(s.getStats))
	s.mux.HandleFunc("GET /api/debug/raw-flows", s.authMiddleware(s.debugRawFlows))
	s.mux.HandleFunc("GET /api/tls/config", s.authMiddleware(s.getTLSConfig))
	s.mux.HandleFunc("POST /api/tls/profile/{profile}", s.authMiddleware(s.setTLSProfile))
	s.mux.HandleFunc("GET /api/health", s.healthCheck)

	return s
}

// Handler returns the HTTP handler for the API: CORS -> rate limit -> routes.
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.rateLimiter.Middleware(s.mux))
}

// authMiddleware wraps a handler with bearer token authentication. Accepts
// the token via Authorization header, a "siphon_session" cookie, or a
// ?token= query param (kept for parity with the WebSocket handler, which
// needs it since browsers can't set custom headers during the upgrade).
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.isAuthorized(r) {
			s.logger.Debug("auth failed", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) isAuthorized(r *http.Request) bool {
	expected := s.cfg.Auth.Token
	if expected == "" {
		return true
	}

	if auth := r.Header.Get("Authorization"); auth != "" {
		if subtle.ConstantTimeCompare([]byte(auth), []byte("Bearer "+expected)) == 1 {
			return true
		}
	}
	if c, err := r.Cookie("siphon_session"); err == nil {
		if subtle.ConstantTimeCompare([]byte(c.Value), []byte(expected)) == 1 {
			return true
		}
	}
	if v := r.URL.Query().Get("token"); v != "" {
		if subtle.ConstantTimeCompare([]byte(v), []byte(expected)) == 1 {
			return true
		}
	}
	return false
}

// corsMiddleware adds CORS headers for local-dashboard development, scoped
// to localhost origins only.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && isLocalOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func isLocalOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1")
}

// listFlows returns every captured flow.
func (s *Server) listFlows(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	flows, err := s.store.ListFlows(ctx)
	if err != nil {
		s.logger.Error("failed to list flows", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]any{
		"count": len(flows),
		"flows": flows,
	})
}

// clearFlows empties the store.
func (s *Server) clearFlows(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	if err := s.store.Clear(ctx); err != nil {
		s.logger.Error("failed to clear flows", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]any{"cleared": true})
}

// getFlow returns a single flow by ID.
func (s *Server) getFlow(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id := r.PathValue("id")
	flow, err := s.store.GetFlow(ctx, id)
	if err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, flow)
}

// getFlowEvents returns the parsed stream events recorded for a flow.
func (s *Server) getFlowEvents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id := r.PathValue("id")
	if _, err := s.store.GetFlow(ctx, id); err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	events, err := s.store.GetEvents(ctx, id)
	if err != nil {
		s.logger.Error("failed to get events", "flow_id", id, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, map[string]any{
		"count":  len(events),
		"events": events,
	})
}

// getFlowRaw returns the retained raw wire bytes for a flow, if any.
func (s *Server) getFlowRaw(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	id := r.PathValue("id")
	if _, err := s.store.GetFlow(ctx, id); err != nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	raw, err := s.store.GetRaw(ctx, id)
	if err != nil || raw == nil {
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, map[string]any{
		"request":  string(raw.Request),
		"response": string(raw.Response),
	})
}

// debugRawFlows lists the IDs of flows currently retaining raw wire bytes.
func (s *Server) debugRawFlows(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	flows, err := s.store.ListFlows(ctx)
	if err != nil {
		s.logger.Error("failed to list flows", "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	ids := make([]string, 0)
	for _, f := range flows {
		if raw, err := s.store.GetRaw(ctx, f.ID); err == nil && raw != nil {
			ids = append(ids, f.ID)
		}
	}

	s.writeJSON(w, map[string]any{
		"count":   len(ids),
		"flowIds": ids,
	})
}

// getStats returns the lightweight store/connection counters.
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	stats := s.store.Stats()
	s.writeJSON(w, map[string]any{
		"requestCount":     stats.FlowCount,
		"uptime":           int64(time.Since(s.startTime).Seconds()),
		"connectedClients": stats.ConnectedClients,
		"eventCount":       stats.EventCount,
		"droppedEvents":    stats.DroppedEvents,
	})
}

// getTLSConfig reports the active outbound transport and switchable
// fingerprint profiles.
func (s *Server) getTLSConfig(w http.ResponseWriter, r *http.Request) {
	active := "native"
	if s.transport != nil {
		active = s.transport.Name()
	}

	s.writeJSON(w, map[string]any{
		"active":   active,
		"profiles": append([]string{"native"}, transport.KnownProfiles...),
	})
}

// setTLSProfile switches the proxy's outbound transport to the named
// fingerprint profile, falling back to native if the sidecar process isn't
// available.
func (s *Server) setTLSProfile(w http.ResponseWriter, r *http.Request) {
	if s.transport == nil {
		http.Error(w, "TLS profile switching not available", http.StatusServiceUnavailable)
		return
	}

	profile := r.PathValue("profile")
	s.transport.Switch(profile)
	s.logger.Info("tls profile switched", "profile", profile)

	s.writeJSON(w, map[string]any{
		"active": s.transport.Name(),
	})
}

// healthCheck is an unauthenticated liveness probe.
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}
