package task

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/taskforge/pkg/cerr"
)

// Server exposes read access to task records over the JSON API.
type Server struct {
	store *Store
}

func NewServer(store *Store) *Server {
	return &Server{store: store}
}

func (s *Server) Register(r chi.Router) {
	r.Get("/tasks", s.list)
	r.Get("/tasks/{taskID}", s.get)
}

type listTasksResponse struct {
	Tasks []*Task `json:"tasks"`
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filter := Filter{
		Status:         Status(r.URL.Query().Get("status")),
		Assignee:       r.URL.Query().Get("assignee"),
		CoordinatorRef: r.URL.Query().Get("coordinator_ref"),
	}
	tasks, err := s.store.List(ctx, filter)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, listTasksResponse{Tasks: tasks})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.store.Get(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}
