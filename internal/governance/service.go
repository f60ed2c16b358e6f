package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"changegate/internal/approvals"
	"changegate/internal/audit"
	"changegate/internal/metrics"
	"changegate/internal/model"
	"changegate/internal/policy"
	"changegate/internal/workflows"
)

type Store interface {
	CreateRequest(ctx context.Context, req model.Request, entry model.AuditEntry) error
	GetRequest(ctx context.Context, id string) (model.Request, error)
	InsertPlan(ctx context.Context, plan model.Plan, entry model.AuditEntry) error
	GetPlan(ctx context.Context, id string) (model.Plan, error)
	ListPlans(ctx context.Context, requestID string) ([]model.Plan, error)
	GetDecision(ctx context.Context, planID string) (model.ApprovalDecision, error)
	audit.Writer
}

// Planner turns a request's raw text into candidate steps. Its output is
// untrusted and always goes through validation.
type Planner interface {
	Plan(ctx context.Context, req model.Request) ([]model.PlanStep, error)
}

type Reporter interface {
	Report(ctx context.Context, planID string) (model.ExecutionReport, error)
}

type Service struct {
	Store     Store
	Gate      *approvals.Gate
	Validator *policy.Validator
	Ledger    *audit.Ledger
	Planner   Planner
	Starter   workflows.Starter
	Reporter  Reporter
	Now       func() time.Time
}

// Status is what the front door shows for a request: the latest plan
// version and the tail of the ledger.
type Status struct {
	Request  model.Request           `json:"request"`
	Plan     *model.Plan             `json:"plan,omitempty"`
	Versions int                     `json:"versions"`
	Decision *model.ApprovalDecision `json:"decision,omitempty"`
	Audit    []model.AuditEntry      `json:"audit"`
}

const DefaultAuditTail = 20

var ErrPlannerUnavailable = errors.New("planner not configured")

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) ledger() *audit.Ledger {
	if s.Ledger != nil {
		return s.Ledger
	}
	return &audit.Ledger{Store: s.Store, Now: s.now}
}

// Submit records a new request.
func (s *Service) Submit(ctx context.Context, user, rawText string) (model.Request, error) {
	user = strings.TrimSpace(user)
	if user == "" {
		return model.Request{}, errors.New("submitted_by required")
	}
	if strings.TrimSpace(rawText) == "" {
		return model.Request{}, errors.New("raw_text required")
	}
	req := model.Request{
		ID:          model.NewID("req"),
		SubmittedBy: user,
		RawText:     rawText,
		CreatedAt:   s.now().UTC(),
	}
	entry, err := audit.NewEntry(req.ID, model.EventRequestSubmitted, map[string]string{
		"submitted_by": req.SubmittedBy,
		"raw_text":     req.RawText,
	}, req.CreatedAt)
	if err != nil {
		return model.Request{}, err
	}
	if err := s.Store.CreateRequest(ctx, req, entry); err != nil {
		return model.Request{}, err
	}
	slog.Info("request submitted", "request_id", req.ID, "user", user)
	return req, nil
}

// ProposePlan records a new plan version for the request, validates it and,
// when clean, puts it up for approval. Earlier open versions are superseded.
// A rejected plan is returned together with a *model.ValidationError.
func (s *Service) ProposePlan(ctx context.Context, requestID, actor string, steps []model.PlanStep) (model.Plan, error) {
	var out model.Plan
	var rejected []model.Violation
	err := s.Gate.WithLock(ctx, requestID, func(tx *approvals.Tx) error {
		req, err := s.Store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		versions, err := s.Store.ListPlans(ctx, requestID)
		if err != nil {
			return err
		}
		next := 1
		for _, p := range versions {
			switch p.Status {
			case model.StatusApproved, model.StatusExecuting, model.StatusCompleted:
				return fmt.Errorf("%w: version %d is %s", model.ErrRequestClosed, p.Version, p.Status)
			}
			if p.Version >= next {
				next = p.Version + 1
			}
		}

		canonical := s.Validator.Canonicalize(steps)
		for i := range canonical {
			canonical[i].IdempotencyKey = model.StepIdempotencyKey(req.ID, next, canonical[i].Index)
		}
		now := s.now().UTC()
		plan := model.Plan{
			ID:        model.NewID("plan"),
			RequestID: req.ID,
			Version:   next,
			Steps:     canonical,
			Status:    model.StatusDraft,
			CreatedAt: now,
			UpdatedAt: now,
		}
		violations, err := s.Validator.Validate(ctx, plan)
		if err != nil {
			return err
		}

		entry, err := audit.NewEntry(req.ID, model.EventPlanProposed, map[string]any{
			"plan_id": plan.ID,
			"version": plan.Version,
			"actor":   actor,
			"steps":   plan.Steps,
		}, now)
		if err != nil {
			return err
		}
		if err := s.Store.InsertPlan(ctx, plan, entry); err != nil {
			return err
		}
		for _, p := range versions {
			if p.Status != model.StatusValidated && p.Status != model.StatusPendingApproval {
				continue
			}
			if _, err := tx.Supersede(ctx, p, actor, plan.Version); err != nil {
				return err
			}
		}

		plan, err = tx.RecordValidation(ctx, plan, violations)
		if err != nil {
			return err
		}
		if len(violations) > 0 {
			metrics.PlanValidationsTotal.WithLabelValues("rejected").Inc()
			rejected = violations
			out = plan
			return nil
		}
		metrics.PlanValidationsTotal.WithLabelValues("validated").Inc()
		out, err = tx.Submit(ctx, plan, actor)
		return err
	})
	if err != nil {
		return model.Plan{}, err
	}
	if len(rejected) > 0 {
		slog.Info("plan rejected", "request_id", requestID, "plan_id", out.ID, "violations", len(rejected))
		return out, &model.ValidationError{PlanID: out.ID, Violations: rejected}
	}
	slog.Info("plan pending approval", "request_id", requestID, "plan_id", out.ID, "version", out.Version)
	return out, nil
}

// GeneratePlan asks the planner for candidate steps and proposes them.
func (s *Service) GeneratePlan(ctx context.Context, requestID, actor string) (model.Plan, error) {
	if s.Planner == nil {
		return model.Plan{}, ErrPlannerUnavailable
	}
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return model.Plan{}, err
	}
	steps, err := s.Planner.Plan(ctx, req)
	if err != nil {
		return model.Plan{}, fmt.Errorf("planner: %w", err)
	}
	return s.ProposePlan(ctx, requestID, actor, steps)
}

// Approve records the binding decision and dispatches execution. A failed
// dispatch leaves the plan approved; startup reconciliation picks it up.
func (s *Service) Approve(ctx context.Context, planID string, version int, user, comment string) (model.Plan, error) {
	plan, err := s.Gate.Approve(ctx, planID, version, user, comment)
	if err != nil {
		metrics.ApprovalsTotal.WithLabelValues(decisionOutcome(err)).Inc()
		return model.Plan{}, err
	}
	metrics.ApprovalsTotal.WithLabelValues(string(model.StatusApproved)).Inc()
	if s.Starter != nil {
		if _, err := s.Starter.StartExecution(ctx, plan.ID, false); err != nil {
			slog.Error("dispatch execution", "request_id", plan.RequestID, "plan_id", plan.ID, "error", err)
		}
	}
	return plan, nil
}

func (s *Service) Reject(ctx context.Context, planID string, version int, user, comment string) (model.Plan, error) {
	plan, err := s.Gate.Reject(ctx, planID, version, user, comment)
	if err != nil {
		metrics.ApprovalsTotal.WithLabelValues(decisionOutcome(err)).Inc()
		return model.Plan{}, err
	}
	metrics.ApprovalsTotal.WithLabelValues(string(model.StatusDenied)).Inc()
	return plan, nil
}

func decisionOutcome(err error) string {
	switch {
	case errors.Is(err, model.ErrApprovalExpired):
		return string(model.StatusExpired)
	case errors.Is(err, model.ErrVersionMismatch):
		return "version_mismatch"
	default:
		return "refused"
	}
}

func (s *Service) Cancel(ctx context.Context, planID, user, reason string) (model.Plan, error) {
	return s.Gate.Cancel(ctx, planID, user, reason)
}

// Status returns the request, its latest plan version and the last tail
// ledger entries (DefaultAuditTail when tail <= 0).
func (s *Service) Status(ctx context.Context, requestID string, tail int) (Status, error) {
	req, err := s.Store.GetRequest(ctx, requestID)
	if err != nil {
		return Status{}, err
	}
	versions, err := s.Store.ListPlans(ctx, requestID)
	if err != nil {
		return Status{}, err
	}
	if tail <= 0 {
		tail = DefaultAuditTail
	}
	entries, err := s.ledger().Tail(ctx, requestID, tail)
	if err != nil {
		return Status{}, err
	}
	out := Status{Request: req, Versions: len(versions), Audit: entries}
	if len(versions) > 0 {
		latest := versions[len(versions)-1]
		out.Plan = &latest
		if d, err := s.Store.GetDecision(ctx, latest.ID); err == nil {
			out.Decision = &d
		} else if !errors.Is(err, model.ErrNotFound) {
			return Status{}, err
		}
	}
	return out, nil
}

// Audit returns the full ledger of a request.
func (s *Service) Audit(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	if _, err := s.Store.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	return s.ledger().Entries(ctx, requestID)
}

func (s *Service) Execution(ctx context.Context, planID string) (model.ExecutionReport, error) {
	if s.Reporter == nil {
		return model.ExecutionReport{}, errors.New("execution reports unavailable")
	}
	return s.Reporter.Report(ctx, planID)
}

// AcknowledgeAnomaly records an operator's inspection of an attempt that
// started without a recorded outcome. remoteRef is the entity the operator
// found on the platform, empty if none was created. Once the plan has no
// unacknowledged anomaly left, execution resumes.
func (s *Service) AcknowledgeAnomaly(ctx context.Context, planID string, step int, user, remoteRef, note string) (model.Plan, error) {
	plan, err := s.Store.GetPlan(ctx, planID)
	if err != nil {
		return model.Plan{}, err
	}
	remaining := 0
	err = s.Gate.WithLock(ctx, plan.RequestID, func(tx *approvals.Tx) error {
		plan, err = tx.Plan(ctx, planID)
		if err != nil {
			return err
		}
		if plan.Status != model.StatusExecuting {
			return fmt.Errorf("%w: plan is %s", model.ErrInvalidTransition, plan.Status)
		}
		entries, err := s.Store.ListAudit(ctx, plan.RequestID)
		if err != nil {
			return err
		}
		open := audit.Unresolved(audit.Anomalies(entries, planID))
		var target *audit.Anomaly
		for i := range open {
			if open[i].StepIndex == step {
				target = &open[i]
			}
		}
		if target == nil {
			return fmt.Errorf("%w: no open anomaly for step %d", model.ErrNotFound, step)
		}
		_, err = s.ledger().Append(ctx, plan.RequestID, model.EventAnomalyAcknowledged, model.AnomalyPayload{
			PlanID:          planID,
			StepIndex:       step,
			Attempt:         target.Attempt,
			Actor:           user,
			RemoteReference: strings.TrimSpace(remoteRef),
			Note:            note,
		})
		if err != nil {
			return err
		}
		remaining = len(open) - 1
		return nil
	})
	if err != nil {
		return model.Plan{}, err
	}
	metrics.ReconciliationAnomalies.Dec()
	slog.Info("anomaly acknowledged", "request_id", plan.RequestID, "plan_id", planID, "step", step, "user", user)
	if remaining == 0 && s.Starter != nil {
		if _, err := s.Starter.StartExecution(ctx, planID, true); err != nil {
			slog.Error("dispatch resume", "plan_id", planID, "error", err)
		}
	}
	return plan, nil
}

// Dispatch hands the plans found by startup reconciliation to the starter:
// interrupted executions resume, approved plans start.
func (s *Service) Dispatch(ctx context.Context, res workflows.ReconcileResult) {
	if s.Starter == nil {
		return
	}
	for _, id := range res.Interrupted {
		if _, err := s.Starter.StartExecution(ctx, id, true); err != nil {
			slog.Error("dispatch resume", "plan_id", id, "error", err)
		}
	}
	for _, id := range res.Approved {
		if _, err := s.Starter.StartExecution(ctx, id, false); err != nil {
			slog.Error("dispatch execution", "plan_id", id, "error", err)
		}
	}
}
