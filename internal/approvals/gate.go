package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"changegate/internal/audit"
	"changegate/internal/locks"
	"changegate/internal/model"
)

type Store interface {
	GetPlan(ctx context.Context, planID string) (model.Plan, error)
	ListPlansByStatus(ctx context.Context, status model.PlanStatus) ([]model.Plan, error)
	ApplyTransition(ctx context.Context, t model.Transition) (model.Plan, error)
}

// Notifier mirrors approval state to reviewers. Failures never block a
// transition.
type Notifier interface {
	PlanPending(ctx context.Context, plan model.Plan) error
	PlanDecided(ctx context.Context, plan model.Plan) error
}

// Gate is the approval state machine. Every public method serialises on the
// plan's request lock; WithLock exposes the same operations to callers that
// need several transitions under one lock.
type Gate struct {
	Store    Store
	Locks    locks.Locker
	Timeout  time.Duration
	Now      func() time.Time
	Notifier Notifier
}

const DefaultTimeout = 24 * time.Hour

func NewGate(store Store, locker locks.Locker, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Gate{Store: store, Locks: locker, Timeout: timeout, Now: time.Now}
}

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// Tx performs transitions while the request lock is held.
type Tx struct {
	g         *Gate
	requestID string
}

func (g *Gate) WithLock(ctx context.Context, requestID string, fn func(tx *Tx) error) error {
	if g == nil || g.Store == nil {
		return errors.New("approval gate not initialized")
	}
	if g.Locks != nil {
		unlock, err := g.Locks.Lock(ctx, locks.RequestKey(requestID))
		if err != nil {
			return fmt.Errorf("%w: %v", model.ErrLocked, err)
		}
		defer unlock()
	}
	return fn(&Tx{g: g, requestID: requestID})
}

func (g *Gate) withPlan(ctx context.Context, planID string, fn func(tx *Tx, plan model.Plan) (model.Plan, error)) (model.Plan, error) {
	if g == nil || g.Store == nil {
		return model.Plan{}, errors.New("approval gate not initialized")
	}
	plan, err := g.Store.GetPlan(ctx, planID)
	if err != nil {
		return model.Plan{}, err
	}
	var out model.Plan
	err = g.WithLock(ctx, plan.RequestID, func(tx *Tx) error {
		// Re-read under the lock; the unlocked read only located the request.
		current, err := g.Store.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		out, err = fn(tx, current)
		return err
	})
	return out, err
}

type change struct {
	kind       string
	actor      string
	reason     string
	deadline   *time.Time
	decision   *model.ApprovalDecision
	violations []model.Violation
	failedStep int
}

func (tx *Tx) apply(ctx context.Context, plan model.Plan, to model.PlanStatus, c change) (model.Plan, error) {
	if plan.RequestID != tx.requestID {
		return model.Plan{}, fmt.Errorf("plan %s does not belong to request %s", plan.ID, tx.requestID)
	}
	if !model.CanTransition(plan.Status, to) {
		return model.Plan{}, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, plan.Status, to)
	}
	now := tx.g.now()
	if c.kind == "" {
		c.kind = model.EventPlanTransition
	}
	payload := model.TransitionPayload{
		PlanID:   plan.ID,
		Version:  plan.Version,
		From:     plan.Status,
		To:       to,
		Actor:    c.actor,
		Reason:   c.reason,
		Decision: c.decision,
	}
	var body any = payload
	if c.violations != nil || c.kind == model.EventPlanValidated || c.kind == model.EventPlanRejected {
		body = struct {
			model.TransitionPayload
			Violations []model.Violation `json:"violations"`
		}{payload, nonNil(c.violations)}
	}
	entry, err := audit.NewEntry(plan.RequestID, c.kind, body, now)
	if err != nil {
		return model.Plan{}, err
	}
	return tx.g.Store.ApplyTransition(ctx, model.Transition{
		PlanID:        plan.ID,
		From:          plan.Status,
		To:            to,
		At:            now,
		Deadline:      c.deadline,
		Decision:      c.decision,
		Violations:    c.violations,
		FailedStep:    c.failedStep,
		FailureReason: c.reason,
		Audit:         entry,
	})
}

func nonNil(vs []model.Violation) []model.Violation {
	if vs == nil {
		return []model.Violation{}
	}
	return vs
}

// Plan reads a plan of the locked request.
func (tx *Tx) Plan(ctx context.Context, planID string) (model.Plan, error) {
	plan, err := tx.g.Store.GetPlan(ctx, planID)
	if err != nil {
		return model.Plan{}, err
	}
	if plan.RequestID != tx.requestID {
		return model.Plan{}, model.ErrNotFound
	}
	return plan, nil
}

// RecordValidation moves a draft to validated, or to rejected carrying the
// full violation list.
func (tx *Tx) RecordValidation(ctx context.Context, plan model.Plan, violations []model.Violation) (model.Plan, error) {
	if len(violations) > 0 {
		return tx.apply(ctx, plan, model.StatusRejected, change{
			kind:       model.EventPlanRejected,
			actor:      model.ActorSystem,
			reason:     "policy violations",
			violations: violations,
		})
	}
	return tx.apply(ctx, plan, model.StatusValidated, change{kind: model.EventPlanValidated, actor: model.ActorSystem})
}

// Submit moves a validated plan to pending approval and starts its timeout
// clock.
func (tx *Tx) Submit(ctx context.Context, plan model.Plan, actor string) (model.Plan, error) {
	deadline := tx.g.now().Add(tx.g.timeout())
	out, err := tx.apply(ctx, plan, model.StatusPendingApproval, change{actor: actor, deadline: &deadline})
	if err != nil {
		return model.Plan{}, err
	}
	tx.g.notify(ctx, out, true)
	return out, nil
}

// Supersede retires an earlier open version in favour of a newer one.
func (tx *Tx) Supersede(ctx context.Context, plan model.Plan, actor string, newVersion int) (model.Plan, error) {
	out, err := tx.apply(ctx, plan, model.StatusSuperseded, change{
		actor:  actor,
		reason: fmt.Sprintf("superseded by version %d", newVersion),
	})
	if err != nil {
		return model.Plan{}, err
	}
	if plan.Status == model.StatusPendingApproval {
		tx.g.notify(ctx, out, false)
	}
	return out, nil
}

func (g *Gate) timeout() time.Duration {
	if g.Timeout <= 0 {
		return DefaultTimeout
	}
	return g.Timeout
}

func (g *Gate) notify(ctx context.Context, plan model.Plan, pending bool) {
	if g.Notifier == nil {
		return
	}
	var err error
	if pending {
		err = g.Notifier.PlanPending(ctx, plan)
	} else {
		err = g.Notifier.PlanDecided(ctx, plan)
	}
	if err != nil {
		logNotifyError(plan, err)
	}
}

func (g *Gate) Submit(ctx context.Context, planID, actor string) (model.Plan, error) {
	return g.withPlan(ctx, planID, func(tx *Tx, plan model.Plan) (model.Plan, error) {
		return tx.Submit(ctx, plan, actor)
	})
}

// Approve records the single binding approval for the named version.
func (g *Gate) Approve(ctx context.Context, planID string, version int, user, comment string) (model.Plan, error) {
	return g.decide(ctx, planID, version, user, model.DecisionApprove, comment)
}

// Reject records a human rejection; the plan ends denied.
func (g *Gate) Reject(ctx context.Context, planID string, version int, user, comment string) (model.Plan, error) {
	return g.decide(ctx, planID, version, user, model.DecisionReject, comment)
}

func (g *Gate) decide(ctx context.Context, planID string, version int, user string, decision model.Decision, comment string) (model.Plan, error) {
	if user == "" {
		return model.Plan{}, errors.New("decided_by required")
	}
	var expired bool
	out, err := g.withPlan(ctx, planID, func(tx *Tx, plan model.Plan) (model.Plan, error) {
		if plan.Version != version || plan.Status == model.StatusSuperseded {
			return model.Plan{}, fmt.Errorf("%w: plan %s is at version %d, decision named %d", model.ErrVersionMismatch, plan.ID, plan.Version, version)
		}
		if plan.Status == model.StatusExpired {
			return model.Plan{}, model.ErrApprovalExpired
		}
		if plan.Status != model.StatusPendingApproval {
			return model.Plan{}, fmt.Errorf("%w: plan is %s", model.ErrInvalidTransition, plan.Status)
		}
		now := g.now()
		if !plan.ApprovalDeadline.IsZero() && !now.Before(plan.ApprovalDeadline) {
			expired = true
			return tx.expire(ctx, plan)
		}
		to := model.StatusApproved
		if decision == model.DecisionReject {
			to = model.StatusDenied
		}
		return tx.apply(ctx, plan, to, change{
			actor:  user,
			reason: comment,
			decision: &model.ApprovalDecision{
				PlanID:    plan.ID,
				Version:   plan.Version,
				DecidedBy: user,
				Decision:  decision,
				Timestamp: now,
				Comment:   comment,
			},
		})
	})
	if err != nil {
		return model.Plan{}, err
	}
	g.notify(ctx, out, false)
	if expired {
		return out, model.ErrApprovalExpired
	}
	return out, nil
}

func (tx *Tx) expire(ctx context.Context, plan model.Plan) (model.Plan, error) {
	return tx.apply(ctx, plan, model.StatusExpired, change{actor: model.ActorSystem, reason: "approval timeout elapsed"})
}

// Cancel withdraws a plan awaiting approval. Any other state refuses.
func (g *Gate) Cancel(ctx context.Context, planID, user, reason string) (model.Plan, error) {
	out, err := g.withPlan(ctx, planID, func(tx *Tx, plan model.Plan) (model.Plan, error) {
		if plan.Status != model.StatusPendingApproval {
			return model.Plan{}, fmt.Errorf("%w: plan is %s", model.ErrCancelRefused, plan.Status)
		}
		return tx.apply(ctx, plan, model.StatusCancelled, change{actor: user, reason: reason})
	})
	if err != nil {
		return model.Plan{}, err
	}
	g.notify(ctx, out, false)
	return out, nil
}

// ExpireDue expires every pending plan whose deadline has passed and
// reports how many it expired.
func (g *Gate) ExpireDue(ctx context.Context) (int, error) {
	if g == nil || g.Store == nil {
		return 0, errors.New("approval gate not initialized")
	}
	pending, err := g.Store.ListPlansByStatus(ctx, model.StatusPendingApproval)
	if err != nil {
		return 0, err
	}
	now := g.now()
	count := 0
	var errs []error
	for _, candidate := range pending {
		if candidate.ApprovalDeadline.IsZero() || now.Before(candidate.ApprovalDeadline) {
			continue
		}
		out, err := g.withPlan(ctx, candidate.ID, func(tx *Tx, plan model.Plan) (model.Plan, error) {
			// A decision may have landed between the listing and the lock.
			if plan.Status != model.StatusPendingApproval || g.now().Before(plan.ApprovalDeadline) {
				return plan, errSkip
			}
			return tx.expire(ctx, plan)
		})
		if errors.Is(err, errSkip) {
			continue
		}
		if err != nil {
			slog.Error("expire plan", "plan_id", candidate.ID, "request_id", candidate.RequestID, "error", err)
			errs = append(errs, fmt.Errorf("expire %s: %w", candidate.ID, err))
			continue
		}
		g.notify(ctx, out, false)
		count++
	}
	return count, errors.Join(errs...)
}

var errSkip = errors.New("skip")

// BeginExecution is the single approved -> executing transition.
func (g *Gate) BeginExecution(ctx context.Context, planID string) (model.Plan, error) {
	return g.withPlan(ctx, planID, func(tx *Tx, plan model.Plan) (model.Plan, error) {
		if plan.Status != model.StatusApproved {
			return model.Plan{}, fmt.Errorf("%w: plan is %s", model.ErrInvalidTransition, plan.Status)
		}
		return tx.apply(ctx, plan, model.StatusExecuting, change{actor: model.ActorSystem})
	})
}

// Finish closes an executing plan: completed when failedStep is 0, failed
// otherwise.
func (g *Gate) Finish(ctx context.Context, planID string, failedStep int, reason string) (model.Plan, error) {
	return g.withPlan(ctx, planID, func(tx *Tx, plan model.Plan) (model.Plan, error) {
		to := model.StatusCompleted
		if failedStep > 0 || reason != "" {
			to = model.StatusFailed
		}
		return tx.apply(ctx, plan, to, change{actor: model.ActorSystem, reason: reason, failedStep: failedStep})
	})
}
