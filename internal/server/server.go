// Package server implements the local HTTP API used by the Clubhouse app.
package server

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sevir/clubhoused/internal/events"
	"github.com/sevir/clubhoused/pkg/models"
)

// AgentManager is the lifecycle surface the API exposes.
type AgentManager interface {
	SpawnAgent(ctx context.Context, req models.SpawnRequest) error
	KillAgent(ctx context.Context, agentID, projectPath, override string) error
	CheckAvailability(ctx context.Context, projectPath, orchestratorID string) models.Availability
	GetAvailableOrchestrators() []models.OrchestratorInfo
	Agent(agentID string) (models.AgentRecord, bool)
	Agents() []models.AgentRecord
	UntrackAgent(agentID string)
}

// Server is the app-facing HTTP API.
type Server struct {
	manager    AgentManager
	events     *events.Broadcaster
	addr       string
	version    string
	commit     string
	httpServer *http.Server
	upgrader   websocket.Upgrader
}

// Config holds server configuration.
type Config struct {
	Addr        string
	Manager     AgentManager
	Broadcaster *events.Broadcaster
	Version     string
	Commit      string
}

// New creates a new API server.
func New(cfg Config) *Server {
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = events.NewBroadcaster()
	}

	s := &Server{
		manager: cfg.Manager,
		events:  cfg.Broadcaster,
		addr:    cfg.Addr,
		version: cfg.Version,
		commit:  cfg.Commit,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return allowedOrigin(r.Header.Get("Origin"))
		},
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.corsMiddleware(s.newGinEngine()),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // No timeout for the event stream
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	log.Printf("API server starting on %s", s.addr)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// corsMiddleware only answers browsers running on this machine; the API can
// start processes.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !allowedOrigin(origin) {
				http.Error(w, `{"error":"origin not allowed"}`, http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// allowedOrigin accepts an empty origin (non-browser clients) and loopback
// origins.
func allowedOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
