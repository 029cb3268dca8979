package worker

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/taskforge/pkg/cerr"
)

// Server exposes the worker catalogue over the JSON API.
type Server struct {
	registry *Registry
}

func NewServer(registry *Registry) *Server {
	return &Server{registry: registry}
}

func (s *Server) Register(r chi.Router) {
	r.Get("/workers", s.list)
	r.Get("/workers/{slug}", s.get)
}

type listWorkersResponse struct {
	Workers []*Descriptor `json:"workers"`
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cerr.SetJSONResponse(ctx, listWorkersResponse{Workers: s.registry.All()})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := s.registry.Get(chi.URLParam(r, "slug"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, d)
}
