package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/babel/internal/model"
)

// startBuildRequest is the optional JSON body for POST /v1/engines/{id}/builds.
type startBuildRequest struct {
	Options json.RawMessage `json:"options"`
}

// finishBuildRequest is the JSON body of the finished callback.
type finishBuildRequest struct {
	State   string `json:"state"`
	Message string `json:"message"`
}

// callbackResponse tells an engine whether its report changed the build.
// Stale or duplicate reports are accepted but not applied.
type callbackResponse struct {
	Applied bool `json:"applied"`
}

func (s *Server) handleStartBuild(w http.ResponseWriter, r *http.Request) {
	var req startBuildRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	b, err := s.tracker.Submit(r.Context(), chi.URLParam(r, "id"), req.Options)
	if err != nil {
		s.writeServiceError(w, err, "engine", "start build")
		return
	}
	s.outbox.Notify()

	s.writeJSON(w, http.StatusCreated, b)
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	b, err := s.tracker.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err, "engine", "cancel build")
		return
	}
	s.outbox.Notify()

	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetEngine(r.Context(), id); err != nil {
		s.writeServiceError(w, err, "engine", "get engine")
		return
	}

	builds, err := s.store.ListBuilds(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "engine", "list builds")
		return
	}
	if builds == nil {
		builds = []*model.Build{}
	}
	s.writeJSON(w, http.StatusOK, builds)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBuild(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err, "build", "get build")
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleBuildStarted(w http.ResponseWriter, r *http.Request) {
	applied, err := s.tracker.Start(r.Context(), chi.URLParam(r, "id"))
	observeCallback("started", applied, err)
	if err != nil {
		s.writeServiceError(w, err, "build", "start build")
		return
	}
	s.writeJSON(w, http.StatusOK, callbackResponse{Applied: applied})
}

func (s *Server) handleBuildProgress(w http.ResponseWriter, r *http.Request) {
	var p model.Progress
	if err := decodeBody(w, r, &p, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if p.PercentCompleted < 0 || p.PercentCompleted > 1 {
		s.writeError(w, http.StatusBadRequest, "percent_completed must be between 0 and 1")
		return
	}

	applied, err := s.tracker.ReportProgress(r.Context(), chi.URLParam(r, "id"), p)
	observeCallback("progress", applied, err)
	if err != nil {
		s.writeServiceError(w, err, "build", "report progress")
		return
	}
	s.writeJSON(w, http.StatusOK, callbackResponse{Applied: applied})
}

func (s *Server) handleBuildFinished(w http.ResponseWriter, r *http.Request) {
	var req finishBuildRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !model.IsTerminal(req.State) {
		s.writeError(w, http.StatusBadRequest, "state must be completed, canceled or faulted")
		return
	}

	applied, err := s.tracker.Finish(r.Context(), chi.URLParam(r, "id"), req.State, req.Message)
	observeCallback("finished", applied, err)
	if err != nil {
		s.writeServiceError(w, err, "build", "finish build")
		return
	}
	s.writeJSON(w, http.StatusOK, callbackResponse{Applied: applied})
}
