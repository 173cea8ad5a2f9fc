package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/babel/internal/backend"
	"github.com/seantiz/babel/internal/model"
)

// translateRequest is the JSON body for POST /v1/engines/{id}/translate.
type translateRequest struct {
	Segments []string `json:"segments"`
}

// handleTranslate runs inference under a read lock on the engine's model, so
// it never observes artifacts that an active build is rewriting. A build
// holding or waiting for the write lock makes the call fail with 409.
func (s *Server) handleTranslate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req translateRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Segments) == 0 {
		s.writeError(w, http.StatusBadRequest, "segments are required")
		return
	}

	e, err := s.store.GetEngine(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "engine", "get engine")
		return
	}
	client, err := s.engines.Resolve(e.Type)
	if err != nil {
		s.writeServiceError(w, err, "engine", "resolve engine")
		return
	}

	resource := model.EngineResourceID(id)
	claim, err := s.locks.AcquireRead(r.Context(), resource, s.hostID, s.readLease, s.readTimeout)
	if err != nil {
		s.writeServiceError(w, err, "engine", "lock engine model")
		return
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()
		if err := s.locks.Release(ctx, resource, claim.ID); err != nil {
			s.logger.Warn("release read lock", "resource", resource, "lock_id", claim.ID, "error", err)
		}
	}()

	res, err := client.Translate(r.Context(), backend.TranslateRequest{EngineID: id, Segments: req.Segments})
	if err != nil {
		s.writeServiceError(w, err, "engine", "translate")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}
