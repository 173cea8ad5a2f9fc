package api

import "net/http"

func (s *Server) handleListEngineTypes(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engines.List())
}
