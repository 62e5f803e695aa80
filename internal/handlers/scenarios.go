package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/chaoslab/control-plane/internal/database"
	"github.com/chaoslab/control-plane/internal/logutil"
	"github.com/chaoslab/control-plane/internal/provision"
	"github.com/chaoslab/control-plane/internal/relay"
	"github.com/chaoslab/control-plane/internal/scenario"
	"github.com/chaoslab/control-plane/internal/teardown"
)

type createScenarioRequest struct {
	Repo string `json:"repo"`
}

type createScenarioResponse struct {
	SessionID     string  `json:"sessionId"`
	WebsocketPath string  `json:"websocketPath"`
	EndTime       float64 `json:"endTime"`
}

type scenarioView struct {
	SessionID   string    `json:"sessionId"`
	Repo        string    `json:"repo"`
	Status      string    `json:"status"`
	Backend     string    `json:"backend"`
	HostAddress string    `json:"hostAddress,omitempty"`
	EndTime     *float64  `json:"endTime"`
	Subscribers int       `json:"subscribers"`
	Terminal    bool      `json:"terminalActive"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Server) view(sess scenario.Session) scenarioView {
	v := scenarioView{
		SessionID:   sess.ID,
		Repo:        sess.Repo,
		Status:      string(sess.Status),
		Backend:     sess.Cleanup.Backend,
		HostAddress: sess.HostAddress,
		Subscribers: s.Members.Count(sess.ID),
		Terminal:    s.Relay.Active(sess.ID),
		CreatedAt:   sess.CreatedAt,
	}
	if d, ok := s.Timers.Deadline(sess.ID); ok {
		end := epochSeconds(d)
		v.EndTime = &end
	}
	return v
}

func (s *Server) CreateScenario(w http.ResponseWriter, r *http.Request) {
	var req createScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "No data provided", "")
		return
	}
	if req.Repo == "" {
		writeError(w, http.StatusBadRequest, "Missing required parameter: repo", "")
		return
	}

	// Provisioning runs to completion or teardown even if the caller goes away.
	ctx := context.WithoutCancel(r.Context())
	sess, deadline, err := s.Provisioner.Provision(ctx, req.Repo)
	if err != nil {
		switch {
		case errors.Is(err, provision.ErrValidation):
			writeError(w, http.StatusBadRequest, "Invalid scenario request", err.Error())
		default:
			log.Printf("[api] provision %s failed: %v", logutil.SanitizeForLog(req.Repo), err)
			writeError(w, http.StatusInternalServerError, "Failed to provision scenario", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, createScenarioResponse{
		SessionID:     sess.ID,
		WebsocketPath: WebsocketPath,
		EndTime:       epochSeconds(deadline),
	})
}

func (s *Server) ExtendTimer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !s.Registry.Has(id) {
		writeError(w, http.StatusNotFound, "Session not found or timer not active", "")
		return
	}
	deadline, ok := s.Timers.Extend(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found or timer not active", "")
		return
	}
	if deadline.Before(time.Now()) {
		writeError(w, http.StatusInternalServerError, "Failed to extend timer", "extended deadline is in the past")
		return
	}

	end := epochSeconds(deadline)
	if s.History != nil {
		sess, _ := s.Registry.Get(id)
		s.History.Record(id, sess.Repo, database.EventExtended, deadline.Format(time.RFC3339))
	}
	s.Relay.Broadcast(id, relay.Event{Type: relay.EventTimerUpdate, Data: map[string]float64{"endTime": end}})
	log.Printf("[api] session %s extended to %s", logutil.SanitizeForLog(id), deadline.Format(time.RFC3339))

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":    "Timer extended successfully.",
		"newEndTime": end,
	})
}

func (s *Server) GetScenario(w http.ResponseWriter, r *http.Request) {
	sess, err := s.Registry.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "Session not found", "")
		return
	}
	writeJSON(w, http.StatusOK, s.view(sess))
}

func (s *Server) ListScenarios(w http.ResponseWriter, r *http.Request) {
	sessions := s.Registry.List()
	out := make([]scenarioView, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, s.view(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) DeleteScenario(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if !s.Registry.Has(id) {
		writeError(w, http.StatusNotFound, "Session not found", "")
		return
	}
	s.Teardown.Schedule(id, teardown.ReasonAPI)
	writeJSON(w, http.StatusAccepted, map[string]string{"sessionId": id, "status": string(scenario.StatusTearingDown)})
}

func (s *Server) ScenarioHistory(w http.ResponseWriter, r *http.Request) {
	if s.History == nil {
		writeJSON(w, http.StatusOK, []database.ScenarioEvent{})
		return
	}
	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	events, err := s.History.Recent(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to read history", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, events)
}
