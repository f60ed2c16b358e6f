package workflows

import (
	"context"

	"changegate/internal/audit"
	"changegate/internal/model"
)

// BuildReport folds recorded attempts into per-step outcomes. An
// acknowledged anomaly with a remote reference counts as a success for its
// step.
func BuildReport(plan model.Plan, attempts []model.ExecutionAttempt, anomalies []audit.Anomaly) model.ExecutionReport {
	report := model.ExecutionReport{
		PlanID:     plan.ID,
		RequestID:  plan.RequestID,
		Status:     plan.Status,
		FailedStep: plan.FailedStep,
		Reason:     plan.FailureReason,
		Steps:      make([]model.StepOutcome, 0, len(plan.Steps)),
	}
	byStep := map[int][]model.ExecutionAttempt{}
	for _, a := range attempts {
		byStep[a.StepIndex] = append(byStep[a.StepIndex], a)
	}
	acked := map[int]audit.Anomaly{}
	pending := map[int]bool{}
	for _, an := range anomalies {
		if an.Acknowledged && an.RemoteReference != "" {
			acked[an.StepIndex] = an
		} else if !an.Acknowledged {
			pending[an.StepIndex] = true
		}
	}
	for _, step := range plan.Steps {
		out := model.StepOutcome{Index: step.Index, OperationType: step.OperationType, Status: model.StepNotStarted}
		for _, a := range byStep[step.Index] {
			out.Attempts++
			switch a.Result {
			case model.ResultSuccess:
				out.Status = model.StepSucceeded
				out.RemoteReference = a.RemoteReference
				out.Reason = ""
			default:
				if out.Status != model.StepSucceeded {
					out.Status = model.StepFailed
					out.Reason = a.Reason
				}
			}
		}
		if an, ok := acked[step.Index]; ok && out.Status != model.StepSucceeded {
			out.Attempts++
			out.Status = model.StepSucceeded
			out.RemoteReference = an.RemoteReference
			out.Reason = ""
		}
		if out.Status != model.StepSucceeded && (pending[step.Index] || (plan.Status == model.StatusExecuting && out.Status == model.StepFailed && step.Index != plan.FailedStep)) {
			out.Status = model.StepInProgress
		}
		if out.Status == model.StepSucceeded && out.RemoteReference != "" {
			report.References = append(report.References, out.RemoteReference)
		}
		report.Steps = append(report.Steps, out)
	}
	return report
}

// Report rebuilds the execution report of a plan from persisted state.
func (e *Engine) Report(ctx context.Context, planID string) (model.ExecutionReport, error) {
	plan, err := e.Store.GetPlan(ctx, planID)
	if err != nil {
		return model.ExecutionReport{}, err
	}
	attempts, err := e.Store.ListAttempts(ctx, planID)
	if err != nil {
		return model.ExecutionReport{}, err
	}
	entries, err := e.Store.ListAudit(ctx, plan.RequestID)
	if err != nil {
		return model.ExecutionReport{}, err
	}
	return BuildReport(plan, attempts, audit.Anomalies(entries, planID)), nil
}
