package server

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gobwas/ws"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ixws "github.com/omochice/ix-interface/internal/transport/ws"
)

// routes builds the HTTP handler served on the relay port.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.origins(),
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get(WebSocketPath, s.handleWebSocket)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) origins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

// originAllowed reports whether a browser origin may open a WebSocket.
// Requests without an Origin header come from non-browser clients.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	allowed := s.origins()
	if slices.Contains(allowed, "*") {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, a := range allowed {
		if strings.EqualFold(a, origin) || strings.EqualFold(a, u.Host) {
			return true
		}
	}
	return false
}

// handleWebSocket upgrades the request and runs the session on the handler
// goroutine until it ends.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.originAllowed(r.Header.Get("Origin")) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("failed to upgrade connection")
		return
	}

	err = s.manager.Serve(s.ctx, ixws.NewConn(conn, rw.Reader, r.RemoteAddr))
	s.logServeResult(r.RemoteAddr, protocolHTTP, err)
}

type check struct {
	Status  string `json:"status"` // "pass" or "fail"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status    string           `json:"status"` // "healthy" or "degraded"
	Sessions  int              `json:"sessions"`
	Relations int              `json:"relations"`
	Checks    map[string]check `json:"checks,omitempty"`
	Timestamp string           `json:"timestamp"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "healthy",
		Sessions:  s.sessions.Len(),
		Relations: s.relations.Len(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	if len(s.checks) > 0 {
		resp.Checks = make(map[string]check, len(s.checks))
	}
	for name, run := range s.checks {
		start := time.Now()
		if err := run(ctx); err != nil {
			resp.Checks[name] = check{Status: "fail", Message: "connection failed"}
			resp.Status = "degraded"
			continue
		}
		resp.Checks[name] = check{Status: "pass", Latency: time.Since(start).String()}
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	sonic.ConfigStd.NewEncoder(w).Encode(data)
}
