package workflows

import "changegate/internal/model"

type PlanExecutionInput struct {
	PlanID    string
	RequestID string
	// Resume continues an interrupted execution instead of starting one.
	Resume bool
}

type PlanExecutionResult struct {
	Report model.ExecutionReport
}
