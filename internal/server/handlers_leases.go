package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foundryci/foundry/internal/job"
)

type leaseOutcomeRequest struct {
	JobID   string `json:"job_id"`
	BatchID string `json:"batch_id"`
	AgentID string `json:"agent_id"`
	// Outcome is one of success, incomplete, lost_connection, cancelled.
	Outcome string `json:"outcome"`
}

// handleLeaseOutcome settles a finished lease: the batch completes with the
// reported cause, the agent's lease slot frees up, and an incomplete run
// flags the host for conform.
func (s *Server) handleLeaseOutcome(w http.ResponseWriter, r *http.Request) {
	leaseID := chi.URLParam(r, "id")
	var req leaseOutcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid")
		return
	}

	var cause job.BatchError
	switch req.Outcome {
	case "success", "":
		cause = job.BatchErrorNone
	case "incomplete":
		cause = job.BatchErrorIncomplete
	case "lost_connection":
		cause = job.BatchErrorLostConnection
	case "cancelled":
		cause = job.BatchErrorCancelled
	default:
		writeError(w, http.StatusBadRequest, "unknown outcome "+req.Outcome, "invalid")
		return
	}

	batchID, err := job.ParseSubResourceID(req.BatchID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid")
		return
	}
	j, err := s.coord.Store().Get(r.Context(), req.JobID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	batch := j.Batch(batchID)
	if batch == nil {
		writeError(w, http.StatusNotFound, "batch not found", "not_found")
		return
	}
	if batch.LeaseID != leaseID {
		writeError(w, http.StatusConflict, "lease "+leaseID+" does not own batch "+req.BatchID, "conflict")
		return
	}

	j, err = s.coord.CompleteBatch(r.Context(), req.JobID, batch.ID, cause)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if req.AgentID != "" {
		if err := s.agents.ClearLease(r.Context(), req.AgentID); err != nil {
			s.log.Warn("clearing agent lease failed", "agent", req.AgentID, "err", err)
		}
		if cause == job.BatchErrorIncomplete {
			if newly, err := s.agents.MarkForConform(r.Context(), req.AgentID); err != nil {
				s.log.Warn("marking agent for conform failed", "agent", req.AgentID, "err", err)
			} else if newly {
				s.log.Info("agent flagged for conform", "agent", req.AgentID, "job", req.JobID, "batch", req.BatchID)
			}
		}
	}
	writeJSON(w, http.StatusOK, j)
}
