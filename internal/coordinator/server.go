package coordinator

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taskforge/taskforge/internal/confirmation"
	"github.com/taskforge/taskforge/internal/monitor"
	"github.com/taskforge/taskforge/pkg/cerr"
)

// Server exposes the coordinator-facing API and the worker completion
// callback.
type Server struct {
	coordinator   *Coordinator
	confirmations confirmation.Repository
}

func NewServer(c *Coordinator, confirmations confirmation.Repository) *Server {
	return &Server{coordinator: c, confirmations: confirmations}
}

func (s *Server) Register(r chi.Router) {
	r.Post("/goals", s.submitGoal)
	r.Get("/tasks/{taskID}/status", s.getStatus)
	r.Post("/tasks/{taskID}/cancel", s.cancel)
	r.Post("/tasks/{taskID}/confirm", s.confirmPlan)
	r.Post("/tasks/{taskID}/complete", s.complete)
	r.Get("/tasks/{taskID}/confirmation", s.pendingConfirmation)
}

type submitGoalResponse struct {
	TaskIDs []string `json:"task_ids"`
}

func (s *Server) submitGoal(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var goal GoalSpec
	if err := json.NewDecoder(r.Body).Decode(&goal); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid goal spec", err)
		return
	}
	ids, err := s.coordinator.SubmitGoal(ctx, &goal)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, submitGoalResponse{TaskIDs: ids})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.coordinator.GetStatus(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

type cancelResponse struct {
	TaskID string `json:"task_id"`
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")
	if err := s.coordinator.Cancel(ctx, taskID); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, cancelResponse{TaskID: taskID})
}

type confirmPlanRequest struct {
	Decision   string `json:"decision"`
	RedirectTo string `json:"redirect_to"`
}

type confirmPlanResponse struct {
	TaskID   string `json:"task_id"`
	Decision string `json:"decision"`
}

func (s *Server) confirmPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")
	var req confirmPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid confirm request", err)
		return
	}
	if err := s.coordinator.ConfirmPlan(ctx, taskID, confirmation.Decision(req.Decision), req.RedirectTo); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, confirmPlanResponse{TaskID: taskID, Decision: req.Decision})
}

type completeRequest struct {
	Outcome    string   `json:"outcome"`
	Reason     string   `json:"reason"`
	ResultRefs []string `json:"result_refs"`
}

type completeResponse struct {
	TaskID string `json:"task_id"`
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := chi.URLParam(r, "taskID")
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "invalid completion request", err)
		return
	}
	outcome := monitor.Outcome{
		Kind:       monitor.OutcomeKind(req.Outcome),
		Reason:     req.Reason,
		ResultRefs: req.ResultRefs,
	}
	if err := s.coordinator.Complete(ctx, taskID, outcome); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, completeResponse{TaskID: taskID})
}

func (s *Server) pendingConfirmation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conf, err := s.confirmations.GetPendingByTask(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, conf)
}
