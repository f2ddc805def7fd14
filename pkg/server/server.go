// Package server exposes a read-only HTTP API over a running
// civilization for dashboards and inspection. All mutation happens
// through the agents themselves.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/agentciv/agentciv/pkg/civ"
)

// Server serves civilization state as JSON.
type Server struct {
	civ  *civ.Civilization
	http *http.Server
}

// New builds a server for addr ("host:port").
func New(c *civ.Civilization, addr string) *Server {
	s := &Server{civ: c}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/civilization", s.handleCivilization)
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("GET /api/tools", s.handleTools)
	mux.HandleFunc("GET /api/alliances", s.handleAlliances)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("GET /api/usage", s.handleUsage)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      cors(mux),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	slog.Info("Dashboard API listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleCivilization(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"id":               s.civ.ID(),
		"name":             s.civ.Name(),
		"primary_agent_id": s.civ.PrimaryAgentID(),
		"agent_count":      len(s.civ.Agents()),
		"tool_count":       len(s.civ.Registry().All()),
	})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.civ.Agents())
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if q := r.URL.Query().Get("q"); q != "" {
		writeJSON(w, s.civ.Registry().Search(q))
		return
	}
	writeJSON(w, s.civ.Registry().All())
}

func (s *Server) handleAlliances(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.civ.Alliances())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	n := 50
	if v := r.URL.Query().Get("n"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = parsed
		}
	}
	if t := r.URL.Query().Get("type"); t != "" {
		writeJSON(w, s.civ.Events().RecentByType(t, n))
		return
	}
	writeJSON(w, s.civ.Events().Recent(n))
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.civ.Usage())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
