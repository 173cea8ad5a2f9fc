package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/babel/internal/model"
	"github.com/seantiz/babel/internal/outbox"
	"github.com/seantiz/babel/internal/store"
)

// createEngineRequest is the JSON body for POST /v1/engines.
type createEngineRequest struct {
	Owner          string `json:"owner"`
	Type           string `json:"type"`
	SourceLanguage string `json:"source_language"`
	TargetLanguage string `json:"target_language"`
}

// updateEngineRequest is the JSON body for PUT /v1/engines/{id}. Omitted
// fields keep their value.
type updateEngineRequest struct {
	SourceLanguage *string `json:"source_language"`
	TargetLanguage *string `json:"target_language"`
}

func (s *Server) handleCreateEngine(w http.ResponseWriter, r *http.Request) {
	var req createEngineRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	req.Owner = strings.TrimSpace(req.Owner)
	switch {
	case req.Owner == "":
		s.writeError(w, http.StatusBadRequest, "owner is required")
		return
	case req.Type == "":
		s.writeError(w, http.StatusBadRequest, "type is required")
		return
	case req.SourceLanguage == "" || req.TargetLanguage == "":
		s.writeError(w, http.StatusBadRequest, "source_language and target_language are required")
		return
	case !s.engines.Has(req.Type):
		s.writeError(w, http.StatusBadRequest, "unknown engine type")
		return
	}

	e := &model.Engine{
		ID:             model.NewID(),
		Owner:          req.Owner,
		Type:           req.Type,
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
		CreatedAt:      time.Now().UTC(),
	}
	err := s.store.InTx(r.Context(), func(tx store.Tx) error {
		if err := tx.CreateEngine(r.Context(), e); err != nil {
			return err
		}
		_, err := outbox.Enqueue(r.Context(), tx, e.QueueRef(), model.KindCreateEngine, outbox.NewEngineCommand(e))
		return err
	})
	if err != nil {
		s.writeServiceError(w, err, "engine", "create engine")
		return
	}
	s.outbox.Notify()

	s.logger.Info("engine created", "engine_id", e.ID, "type", e.Type, "owner", e.Owner)
	s.writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleGetEngine(w http.ResponseWriter, r *http.Request) {
	e, err := s.store.GetEngine(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err, "engine", "get engine")
		return
	}
	s.writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleUpdateEngine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req updateEngineRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if (req.SourceLanguage != nil && *req.SourceLanguage == "") ||
		(req.TargetLanguage != nil && *req.TargetLanguage == "") {
		s.writeError(w, http.StatusBadRequest, "languages must not be empty")
		return
	}

	var e *model.Engine
	err := store.InTxRetry(r.Context(), s.store, func(tx store.Tx) error {
		var err error
		e, err = tx.GetEngine(r.Context(), id)
		if err != nil {
			return err
		}
		if req.SourceLanguage != nil {
			e.SourceLanguage = *req.SourceLanguage
		}
		if req.TargetLanguage != nil {
			e.TargetLanguage = *req.TargetLanguage
		}
		if err := tx.UpdateEngine(r.Context(), e); err != nil {
			return err
		}
		_, err = outbox.Enqueue(r.Context(), tx, e.QueueRef(), model.KindUpdateEngine, outbox.NewEngineCommand(e))
		return err
	})
	if err != nil {
		s.writeServiceError(w, err, "engine", "update engine")
		return
	}
	s.outbox.Notify()

	s.writeJSON(w, http.StatusOK, e)
}

// handleDeleteEngine removes the engine and its builds. An engine that is
// still building may be deleted; the build's write lock is released here
// because no engine callback can finish the build any more.
func (s *Server) handleDeleteEngine(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var heldLock string
	err := store.InTxRetry(r.Context(), s.store, func(tx store.Tx) error {
		heldLock = ""
		e, err := tx.GetEngine(r.Context(), id)
		if err != nil {
			return err
		}
		if e.IsBuilding {
			b, err := tx.GetBuild(r.Context(), e.CurrentBuildID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if b != nil {
				heldLock = b.LockID
			}
		}
		if err := tx.DeleteEngine(r.Context(), id); err != nil {
			return err
		}
		_, err = outbox.Enqueue(r.Context(), tx, e.QueueRef(), model.KindDeleteEngine, outbox.NewEngineCommand(e))
		return err
	})
	if err != nil {
		s.writeServiceError(w, err, "engine", "delete engine")
		return
	}
	s.outbox.Notify()

	if heldLock != "" {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
		defer cancel()
		if err := s.locks.Release(ctx, model.EngineResourceID(id), heldLock); err != nil {
			s.logger.Warn("release lock of deleted engine", "engine_id", id, "lock_id", heldLock, "error", err)
		}
	}

	s.logger.Info("engine deleted", "engine_id", id)
	w.WriteHeader(http.StatusNoContent)
}
