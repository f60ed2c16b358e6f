package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"changegate/internal/audit"
	"changegate/internal/governance"
	"changegate/internal/metrics"
	"changegate/internal/model"
	"changegate/internal/planner"
)

// Governance is the set of front-door operations the transport exposes.
type Governance interface {
	Submit(ctx context.Context, user, rawText string) (model.Request, error)
	Status(ctx context.Context, requestID string, tail int) (governance.Status, error)
	Audit(ctx context.Context, requestID string) ([]model.AuditEntry, error)
	ProposePlan(ctx context.Context, requestID, actor string, steps []model.PlanStep) (model.Plan, error)
	GeneratePlan(ctx context.Context, requestID, actor string) (model.Plan, error)
	Approve(ctx context.Context, planID string, version int, user, comment string) (model.Plan, error)
	Reject(ctx context.Context, planID string, version int, user, comment string) (model.Plan, error)
	Cancel(ctx context.Context, planID, user, reason string) (model.Plan, error)
	Execution(ctx context.Context, planID string) (model.ExecutionReport, error)
	AcknowledgeAnomaly(ctx context.Context, planID string, step int, user, remoteRef, note string) (model.Plan, error)
}

type Server struct {
	Mux         *http.ServeMux
	Service     Governance
	OAuth       OAuthFlow
	Logins      *LoginStates
	RateLimiter *RateLimiter
	Checks      map[string]ReadinessCheck
	Goroutines  *GoroutineTracker
}

func NewServer(svc Governance, flow OAuthFlow) *Server {
	s := &Server{
		Mux:     http.NewServeMux(),
		Service: svc,
		OAuth:   flow,
		Logins:  NewLoginStates(DefaultLoginTTL),
		Checks:  map[string]ReadinessCheck{},
	}
	s.registerRoutes()
	return s
}

// Handler is the root handler with request metrics.
func (s *Server) Handler() http.Handler {
	return metrics.Middleware(s.Mux)
}

func (s *Server) withRateLimit(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.RateLimiter == nil {
			h.ServeHTTP(w, r)
			return
		}
		RateLimitMiddleware(s.RateLimiter)(h).ServeHTTP(w, r)
	})
}

func (s *Server) route(pattern string, h http.HandlerFunc) {
	s.Mux.Handle(pattern, s.withRateLimit(RequireUser(h)))
}

func (s *Server) registerRoutes() {
	s.Mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.Mux.HandleFunc("GET /readyz", s.handleReadyz)
	s.Mux.Handle("GET /metrics", metrics.Handler())

	s.route("POST /v1/requests", s.handleSubmit)
	s.route("GET /v1/requests/{id}", s.handleStatus)
	s.route("GET /v1/requests/{id}/audit", s.handleAudit)
	s.route("POST /v1/requests/{id}/plans", s.handlePropose)
	s.route("POST /v1/requests/{id}/plans/generate", s.handleGenerate)
	s.route("POST /v1/plans/{id}/approve", s.handleDecision(true))
	s.route("POST /v1/plans/{id}/reject", s.handleDecision(false))
	s.route("POST /v1/plans/{id}/cancel", s.handleCancel)
	s.route("GET /v1/plans/{id}/execution", s.handleExecution)
	s.route("POST /v1/plans/{id}/anomalies/{step}/ack", s.handleAcknowledge)

	s.route("GET /oauth/start", s.handleOAuthStart)
	s.route("POST /oauth/logout", s.handleOAuthLogout)
	// The callback is a browser redirect from the platform; the user comes
	// from the login state, not the identity header.
	s.Mux.Handle("GET /oauth/callback", s.withRateLimit(http.HandlerFunc(s.handleOAuthCallback)))
}

func actor(r *http.Request) string {
	user, _ := UserFromContext(r.Context())
	return user
}

type submitBody struct {
	RawText string `json:"raw_text"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := decodeBody(w, r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	if strings.TrimSpace(body.RawText) == "" {
		badRequest(w, "raw_text required")
		return
	}
	req, err := s.Service.Submit(r.Context(), actor(r), body.RawText)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tail := 0
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			badRequest(w, "tail must be a non-negative integer")
			return
		}
		tail = n
	}
	status, err := s.Service.Status(r.Context(), r.PathValue("id"), tail)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type auditResponse struct {
	Entries    []model.AuditEntry `json:"entries"`
	ChainValid bool               `json:"chain_valid"`
	ChainError string             `json:"chain_error,omitempty"`
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.Service.Audit(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := auditResponse{Entries: entries, ChainValid: true}
	if err := audit.Verify(entries); err != nil {
		resp.ChainValid = false
		resp.ChainError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// proposeBody accepts either structured steps or raw planner output.
type proposeBody struct {
	Steps    []model.PlanStep `json:"steps"`
	PlanText string           `json:"plan_text"`
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var body proposeBody
	if err := decodeBody(w, r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	steps := body.Steps
	if strings.TrimSpace(body.PlanText) != "" {
		parsed, err := planner.ParseCandidate(body.PlanText)
		if err != nil {
			badRequest(w, err.Error())
			return
		}
		steps = parsed
	} else if steps == nil {
		badRequest(w, "steps or plan_text required")
		return
	}
	plan, err := s.Service.ProposePlan(r.Context(), r.PathValue("id"), actor(r), steps)
	s.writePlanResult(w, r, plan, err)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	plan, err := s.Service.GeneratePlan(r.Context(), r.PathValue("id"), actor(r))
	s.writePlanResult(w, r, plan, err)
}

// writePlanResult answers a proposal. A rejected plan is still recorded, so
// the 422 body carries it alongside the violations.
func (s *Server) writePlanResult(w http.ResponseWriter, r *http.Request, plan model.Plan, err error) {
	var verr *model.ValidationError
	if err != nil && errors.As(err, &verr) && plan.ID != "" {
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:      "plan-rejected",
			Message:    err.Error(),
			Violations: verr.Violations,
			Plan:       &plan,
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

type decisionBody struct {
	Version int    `json:"version"`
	Comment string `json:"comment"`
}

func (s *Server) handleDecision(approve bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body decisionBody
		if err := decodeBody(w, r, &body); err != nil {
			badRequest(w, err.Error())
			return
		}
		if body.Version <= 0 {
			badRequest(w, "version required")
			return
		}
		decide := s.Service.Reject
		if approve {
			decide = s.Service.Approve
		}
		plan, err := decide(r.Context(), r.PathValue("id"), body.Version, actor(r), body.Comment)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, plan)
	}
}

type cancelBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body cancelBody
	if err := decodeBody(w, r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	plan, err := s.Service.Cancel(r.Context(), r.PathValue("id"), actor(r), body.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleExecution(w http.ResponseWriter, r *http.Request) {
	report, err := s.Service.Execution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type acknowledgeBody struct {
	RemoteReference string `json:"remote_reference"`
	Note            string `json:"note"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	step, err := strconv.Atoi(r.PathValue("step"))
	if err != nil || step < 1 {
		badRequest(w, "step must be a positive integer")
		return
	}
	var body acknowledgeBody
	if err := decodeBody(w, r, &body); err != nil {
		badRequest(w, err.Error())
		return
	}
	plan, err := s.Service.AcknowledgeAnomaly(r.Context(), r.PathValue("id"), step, actor(r), strings.TrimSpace(body.RemoteReference), body.Note)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}
