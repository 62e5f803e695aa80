// Package handlers exposes the scenario control API and the terminal
// websocket.
package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/chaoslab/control-plane/internal/database"
	"github.com/chaoslab/control-plane/internal/expiry"
	"github.com/chaoslab/control-plane/internal/membership"
	"github.com/chaoslab/control-plane/internal/relay"
	"github.com/chaoslab/control-plane/internal/scenario"
	"github.com/chaoslab/control-plane/internal/teardown"
)

// WebsocketPath is where browser terminals connect.
const WebsocketPath = "/terminal_ws"

// Provisioner creates sessions.
type Provisioner interface {
	Provision(ctx context.Context, repo string) (scenario.Session, time.Time, error)
}

// History reads and appends the audit trail.
type History interface {
	Recent(limit int) ([]database.ScenarioEvent, error)
	Record(sessionID, repo, kind, detail string)
}

// Server holds everything the handlers touch.
type Server struct {
	Provisioner Provisioner
	Registry    *scenario.Registry
	Timers      *expiry.Timers
	Members     *membership.Tracker
	Relay       *relay.Engine
	Teardown    *teardown.Coordinator
	History     History

	BackendName       string
	AllowedOrigins    []string
	LastClientGrace   time.Duration
	SlowClientTimeout time.Duration
}

// Router builds the HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", s.HealthCheck)
	r.Get(WebsocketPath, s.TerminalWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/server-logs", GetServerLogs)
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", s.ListScenarios)
			r.Post("/", s.CreateScenario)
			r.Get("/history", s.ScenarioHistory)
			r.Get("/{sessionID}", s.GetScenario)
			r.Delete("/{sessionID}", s.DeleteScenario)
			r.Post("/{sessionID}/extend_timer", s.ExtendTimer)
		})
	})
	return r
}

func (s *Server) originPatterns() ([]string, bool) {
	for _, o := range s.AllowedOrigins {
		if strings.TrimSpace(o) == "*" {
			return nil, true
		}
	}
	return s.AllowedOrigins, false
}
