package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/foundryci/foundry/internal/agentdir"
)

type registerAgentRequest struct {
	ID         string            `json:"id"`
	Pools      []string          `json:"pools,omitempty"`
	Properties map[string]string `json:"properties,omitempty"`
	Workspaces []string          `json:"workspaces,omitempty"`
}

// handleRegisterAgent creates or refreshes an agent registration and opens a
// new session for it. Re-registering keeps a pending conform flag.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req registerAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid")
		return
	}
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required", "invalid")
		return
	}
	sessionID := uuid.NewString()
	s.agents.Register(agentdir.Agent{
		ID:         req.ID,
		Pools:      req.Pools,
		Properties: req.Properties,
		Workspaces: req.Workspaces,
		Enabled:    true,
		SessionID:  sessionID,
	})
	a, err := s.agents.GetAgent(r.Context(), req.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	s.log.Info("agent registered", "agent", req.ID, "session", sessionID)
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.agents.ListAgents(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "count": len(agents)})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.agents.Heartbeat(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "not_found")
		return
	}
	a, err := s.agents.GetAgent(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"requires_conform": a.RequiresConform,
	})
}

func (s *Server) handleConformComplete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.agents.ClearConform(r.Context(), id); err != nil {
		writeError(w, http.StatusNotFound, err.Error(), "not_found")
		return
	}
	s.log.Info("agent conform complete", "agent", id)
	w.WriteHeader(http.StatusNoContent)
}

// handleRequestWork long-polls for a lease. 204 means no work: the poll was
// cancelled or the agent should ask again.
func (s *Server) handleRequestWork(w http.ResponseWriter, r *http.Request) {
	lease, err := s.queue.RequestWork(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusConflict, err.Error(), "conflict")
		return
	}
	if lease == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, lease)
}

func (s *Server) handleCancelWait(w http.ResponseWriter, r *http.Request) {
	s.queue.CancelWait(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}
