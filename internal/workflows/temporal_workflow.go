package workflows

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

const (
	ExecutePlanActivity = "ExecutePlan"
	DefaultTaskQueue    = "changegate-executions"
)

// PlanExecutionWorkflow runs a whole plan as one activity. Step retries live
// in the engine, so the activity itself is never retried and no credential
// passes through workflow history.
func PlanExecutionWorkflow(ctx workflow.Context, input PlanExecutionInput) (PlanExecutionResult, error) {
	if input.PlanID == "" {
		return PlanExecutionResult{}, errors.New("plan_id required")
	}
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	}
	ctx = workflow.WithActivityOptions(ctx, ao)
	var result PlanExecutionResult
	if err := workflow.ExecuteActivity(ctx, ExecutePlanActivity, input).Get(ctx, &result); err != nil {
		workflow.GetLogger(ctx).Error("plan execution failed", "plan_id", input.PlanID, "error", err)
		return PlanExecutionResult{}, err
	}
	return result, nil
}
