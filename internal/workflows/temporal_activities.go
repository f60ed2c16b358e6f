package workflows

import (
	"context"
	"errors"
)

type Activities struct {
	Engine *Engine
}

func (a *Activities) ExecutePlan(ctx context.Context, input PlanExecutionInput) (PlanExecutionResult, error) {
	if a == nil || a.Engine == nil {
		return PlanExecutionResult{}, errors.New("engine required")
	}
	run := a.Engine.Execute
	if input.Resume {
		run = a.Engine.Resume
	}
	report, err := run(ctx, input.PlanID)
	if err != nil {
		return PlanExecutionResult{}, err
	}
	return PlanExecutionResult{Report: report}, nil
}
