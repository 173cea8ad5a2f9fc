package api

import (
	"net/http"

	"github.com/seantiz/babel/internal/model"
)

// outboxResponse is the JSON response for GET /v1/outbox.
type outboxResponse struct {
	Pending int                  `json:"pending"`
	Queues  []model.QueueBacklog `json:"queues"`
}

func (s *Server) handleGetOutbox(w http.ResponseWriter, r *http.Request) {
	queues, err := s.outbox.Pending(r.Context())
	if err != nil {
		s.logger.Error("get outbox backlog", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get outbox backlog")
		return
	}

	resp := outboxResponse{Queues: queues}
	if resp.Queues == nil {
		resp.Queues = []model.QueueBacklog{}
	}
	for _, q := range queues {
		resp.Pending += q.Pending
	}
	s.writeJSON(w, http.StatusOK, resp)
}
