package audit

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/taskforge/pkg/cerr"
)

// Server exposes the audit trail over the JSON API.
type Server struct {
	repo Repository
}

func NewServer(repo Repository) *Server {
	return &Server{repo: repo}
}

func (s *Server) Register(r chi.Router) {
	r.Get("/tasks/{taskID}/events", s.listByTask)
}

type listEventsResponse struct {
	Events []*Event `json:"events"`
}

func (s *Server) listByTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	events, err := s.repo.ListByTask(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, listEventsResponse{Events: events})
}
