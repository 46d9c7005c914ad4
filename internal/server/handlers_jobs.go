package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foundryci/foundry/internal/graph"
	"github.com/foundryci/foundry/internal/job"
	"github.com/foundryci/foundry/internal/jobstore"
)

type createJobRequest struct {
	StreamID        string   `json:"stream_id"`
	TemplateID      string   `json:"template_id"`
	Name            string   `json:"name"`
	GraphHash       string   `json:"graph_hash"`
	Change          int      `json:"change"`
	CodeChange      int      `json:"code_change,omitempty"`
	PreflightChange int      `json:"preflight_change,omitempty"`
	Priority        int      `json:"priority,omitempty"`
	StartedBy       string   `json:"started_by,omitempty"`
	Arguments       []string `json:"arguments,omitempty"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid")
		return
	}
	if req.StreamID == "" || req.GraphHash == "" {
		writeError(w, http.StatusBadRequest, "stream_id and graph_hash are required", "invalid")
		return
	}
	j, err := s.coord.Create(r.Context(), jobstore.CreateRequest{
		StreamID:        req.StreamID,
		TemplateID:      req.TemplateID,
		Name:            req.Name,
		GraphHash:       req.GraphHash,
		Change:          req.Change,
		CodeChange:      req.CodeChange,
		PreflightChange: req.PreflightChange,
		Priority:        graph.Priority(req.Priority),
		StartedByUser:   req.StartedBy,
		Arguments:       req.Arguments,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.coord.Store().Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type searchJobsRequest struct {
	StreamID      string    `json:"stream_id,omitempty"`
	TemplateID    string    `json:"template_id,omitempty"`
	MinChange     int       `json:"min_change,omitempty"`
	MaxChange     int       `json:"max_change,omitempty"`
	ModifiedAfter time.Time `json:"modified_after,omitempty"`
	Index         int       `json:"index,omitempty"`
	Count         int       `json:"count,omitempty"`
}

func (s *Server) handleSearchJobs(w http.ResponseWriter, r *http.Request) {
	var req searchJobsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid")
		return
	}
	jobs, err := s.coord.Store().Find(r.Context(), jobstore.Filter{
		StreamID:      req.StreamID,
		TemplateID:    req.TemplateID,
		MinChange:     req.MinChange,
		MaxChange:     req.MaxChange,
		ModifiedAfter: req.ModifiedAfter,
		Index:         req.Index,
		Count:         req.Count,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AbortedBy string `json:"aborted_by"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid")
		return
	}
	j, err := s.coord.AbortJob(r.Context(), chi.URLParam(r, "id"), req.AbortedBy)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateBatchRequest struct {
	SessionID string  `json:"session_id"`
	State     *string `json:"state,omitempty"`
	LogID     *string `json:"log_id,omitempty"`
}

func (s *Server) handleUpdateBatch(w http.ResponseWriter, r *http.Request) {
	var req updateBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid")
		return
	}
	upd := jobstore.UpdateBatchRequest{
		SessionID: req.SessionID,
		LogID:     req.LogID,
	}
	if req.State != nil {
		st := job.BatchState(*req.State)
		upd.State = &st
	}
	batchID, err := job.ParseSubResourceID(chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid")
		return
	}
	j, err := s.coord.UpdateBatch(r.Context(), chi.URLParam(r, "id"), batchID, upd)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type updateStepRequest struct {
	State          *string `json:"state,omitempty"`
	Outcome        *string `json:"outcome,omitempty"`
	LogID          *string `json:"log_id,omitempty"`
	Priority       *int    `json:"priority,omitempty"`
	Retry          bool    `json:"retry,omitempty"`
	RetriedBy      string  `json:"retried_by,omitempty"`
	AbortRequested bool    `json:"abort_requested,omitempty"`
	AbortedBy      string  `json:"aborted_by,omitempty"`
}

func (s *Server) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	var req updateStepRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", "invalid")
		return
	}
	upd := jobstore.UpdateStepRequest{
		LogID:          req.LogID,
		Retry:          req.Retry,
		RetriedByUser:  req.RetriedBy,
		AbortRequested: req.AbortRequested,
		AbortedByUser:  req.AbortedBy,
	}
	if req.State != nil {
		st := job.StepState(*req.State)
		upd.State = &st
	}
	if req.Outcome != nil {
		oc := job.StepOutcome(*req.Outcome)
		upd.Outcome = &oc
	}
	if req.Priority != nil {
		p := graph.Priority(*req.Priority)
		upd.Priority = &p
	}
	batchID, err := job.ParseSubResourceID(chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid")
		return
	}
	stepID, err := job.ParseSubResourceID(chi.URLParam(r, "stepID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid")
		return
	}
	j, err := s.coord.UpdateStep(r.Context(), chi.URLParam(r, "id"), batchID, stepID, upd)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}
