package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/babel/internal/model"
)

// createWebhookRequest is the JSON body for POST /v1/webhooks.
type createWebhookRequest struct {
	Owner  string   `json:"owner"`
	URL    string   `json:"url"`
	Secret string   `json:"secret"`
	Events []string `json:"events"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	h, err := s.webhooks.Subscribe(r.Context(), req.Owner, req.URL, req.Secret, req.Events)
	if err != nil {
		s.writeServiceError(w, err, "webhook", "create webhook")
		return
	}
	s.writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		s.writeError(w, http.StatusBadRequest, "owner is required")
		return
	}

	hooks, err := s.store.ListWebhooks(r.Context(), owner)
	if err != nil {
		s.writeServiceError(w, err, "webhook", "list webhooks")
		return
	}
	if hooks == nil {
		hooks = []*model.Webhook{}
	}
	s.writeJSON(w, http.StatusOK, hooks)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteWebhook(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err, "webhook", "delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetWebhook(r.Context(), id); err != nil {
		s.writeServiceError(w, err, "webhook", "get webhook")
		return
	}

	deliveries, err := s.store.ListWebhookDeliveries(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, err, "webhook", "list deliveries")
		return
	}
	if deliveries == nil {
		deliveries = []*model.WebhookDelivery{}
	}
	s.writeJSON(w, http.StatusOK, deliveries)
}
