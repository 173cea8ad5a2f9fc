package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/seantiz/babel/internal/backend"
	"github.com/seantiz/babel/internal/build"
	"github.com/seantiz/babel/internal/lock"
	"github.com/seantiz/babel/internal/store"
	"github.com/seantiz/babel/internal/webhook"
)

const maxBodySize = 1 << 20 // 1 MB

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps an error from the domain packages to a response.
// what names the record for not-found messages; op is logged for errors
// that end up as 500.
func (s *Server) writeServiceError(w http.ResponseWriter, err error, what, op string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, what+" not found")
	case errors.Is(err, lock.ErrTimedOut):
		s.writeError(w, http.StatusConflict, "resource busy")
	case errors.Is(err, build.ErrAlreadyBuilding),
		errors.Is(err, build.ErrNotBuilding),
		errors.Is(err, build.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, backend.ErrEngineNotFound):
		s.writeError(w, http.StatusConflict, "engine not ready")
	case errors.Is(err, webhook.ErrInvalidWebhook),
		errors.Is(err, backend.ErrUnknownType):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error(op, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

// decodeBody decodes a size-limited JSON request body into v. An empty body
// leaves v untouched when optional is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	err := json.NewDecoder(r.Body).Decode(v)
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
