package workflows

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"changegate/internal/audit"
	"changegate/internal/locks"
	"changegate/internal/metrics"
	"changegate/internal/model"
)

// ReconcileResult lists what a startup scan found. Anomalies block their
// plan until acknowledged; Interrupted plans can resume right away; Approved
// plans never started and need dispatching. Running plans are still being
// executed by a live process and were left alone.
type ReconcileResult struct {
	Anomalies   []audit.Anomaly
	Interrupted []string
	Approved    []string
	Running     []string
}

// Reconciler inspects executing plans after a restart. With Locks set, a
// plan is only inspected while its execution lock can be taken.
type Reconciler struct {
	Store Store
	Locks locks.TryLocker
	Now   func() time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Reconcile scans executing plans for attempts that were started but never
// recorded an outcome. Each one is audited once as a reconciliation anomaly.
func (r *Reconciler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var out ReconcileResult
	if r == nil || r.Store == nil {
		return out, errors.New("store required")
	}
	executing, err := r.Store.ListPlansByStatus(ctx, model.StatusExecuting)
	if err != nil {
		return out, err
	}
	for _, plan := range executing {
		running, err := r.inspect(ctx, plan, &out)
		if err != nil {
			return out, err
		}
		if running {
			slog.Info("plan still executing elsewhere, skipped", "request_id", plan.RequestID, "plan_id", plan.ID)
			out.Running = append(out.Running, plan.ID)
		}
	}
	approved, err := r.Store.ListPlansByStatus(ctx, model.StatusApproved)
	if err != nil {
		return out, err
	}
	for _, plan := range approved {
		out.Approved = append(out.Approved, plan.ID)
	}
	metrics.ReconciliationAnomalies.Set(float64(len(out.Anomalies)))
	return out, nil
}

// inspect audits unresolved attempts of one executing plan. It reports
// running=true without touching the plan when its execution lock is held.
func (r *Reconciler) inspect(ctx context.Context, plan model.Plan, out *ReconcileResult) (bool, error) {
	if r.Locks != nil {
		unlock, ok, err := r.Locks.TryLock(ctx, locks.ExecutionKey(plan.ID))
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		defer unlock()
	}
	entries, err := r.Store.ListAudit(ctx, plan.RequestID)
	if err != nil {
		return false, err
	}
	open := audit.Unresolved(audit.Anomalies(entries, plan.ID))
	if len(open) == 0 {
		out.Interrupted = append(out.Interrupted, plan.ID)
		return false, nil
	}
	for _, a := range open {
		out.Anomalies = append(out.Anomalies, a)
		if audit.Reported(entries, a) {
			continue
		}
		payload := model.AnomalyPayload{
			PlanID:    a.PlanID,
			StepIndex: a.StepIndex,
			Attempt:   a.Attempt,
			Actor:     model.ActorSystem,
			Note:      "attempt started without a recorded outcome",
		}
		entry, err := audit.NewEntry(plan.RequestID, model.EventReconciliationAnomaly, payload, r.now())
		if err != nil {
			return false, err
		}
		if _, err := r.Store.AppendAudit(ctx, entry); err != nil {
			return false, err
		}
		slog.Warn("reconciliation anomaly",
			"request_id", plan.RequestID,
			"plan_id", a.PlanID,
			"step", a.StepIndex,
			"attempt", a.Attempt,
			"idempotency_key", a.IdempotencyKey,
		)
	}
	return false, nil
}
