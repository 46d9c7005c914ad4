package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/foundryci/foundry/internal/graph"
)

// handleRegisterGraph validates a graph definition, content-hashes it and
// stores it. Registering the same definition twice is a no-op returning the
// same hash.
func (s *Server) handleRegisterGraph(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	data, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading request body", "invalid")
		return
	}
	g, err := graph.ParseDefinition(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "invalid")
		return
	}
	if err := s.graphs.Put(r.Context(), g); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"hash":   g.Hash,
		"groups": len(g.Groups),
		"nodes":  g.NumNodes(),
	})
}

func (s *Server) handleGetGraph(w http.ResponseWriter, r *http.Request) {
	g, err := s.graphs.Get(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		if errors.Is(err, graph.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error(), "not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "internal")
		return
	}
	writeJSON(w, http.StatusOK, g)
}
