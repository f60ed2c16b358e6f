package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/testsuite"

	"changegate/internal/audit"
	"changegate/internal/model"
)

func TestPlanExecutionWorkflowSuccess(t *testing.T) {
	var got PlanExecutionInput
	calls := 0

	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(PlanExecutionWorkflow)
	env.RegisterActivityWithOptions(func(ctx context.Context, input PlanExecutionInput) (PlanExecutionResult, error) {
		calls++
		got = input
		return PlanExecutionResult{Report: model.ExecutionReport{PlanID: input.PlanID, Status: model.StatusCompleted}}, nil
	}, activity.RegisterOptions{Name: ExecutePlanActivity})

	env.ExecuteWorkflow(PlanExecutionWorkflow, PlanExecutionInput{PlanID: "plan_1"})
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow err: %v", err)
	}
	var result PlanExecutionResult
	if err := env.GetWorkflowResult(&result); err != nil {
		t.Fatalf("result: %v", err)
	}
	if calls != 1 || got.PlanID != "plan_1" || result.Report.Status != model.StatusCompleted {
		t.Fatalf("calls=%d input=%#v result=%#v", calls, got, result)
	}
}

func TestPlanExecutionWorkflowDoesNotRetryActivity(t *testing.T) {
	calls := 0
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(PlanExecutionWorkflow)
	env.RegisterActivityWithOptions(func(ctx context.Context, input PlanExecutionInput) (PlanExecutionResult, error) {
		calls++
		return PlanExecutionResult{}, errors.New("boom")
	}, activity.RegisterOptions{Name: ExecutePlanActivity})

	env.ExecuteWorkflow(PlanExecutionWorkflow, PlanExecutionInput{PlanID: "plan_1"})
	if err := env.GetWorkflowError(); err == nil {
		t.Fatalf("expected error")
	}
	if calls != 1 {
		t.Fatalf("activity calls: %d", calls)
	}
}

func TestPlanExecutionWorkflowRequiresPlanID(t *testing.T) {
	suite := testsuite.WorkflowTestSuite{}
	env := suite.NewTestWorkflowEnvironment()
	env.RegisterWorkflow(PlanExecutionWorkflow)
	env.ExecuteWorkflow(PlanExecutionWorkflow, PlanExecutionInput{})
	if err := env.GetWorkflowError(); err == nil {
		t.Fatalf("expected error")
	}
}

func TestActivitiesExecutePlan(t *testing.T) {
	h := newHarness(t)
	h.approvedPlan(t, catalogSteps())
	acts := &Activities{Engine: h.engine}
	res, err := acts.ExecutePlan(context.Background(), PlanExecutionInput{PlanID: "plan_1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Report.Status != model.StatusCompleted {
		t.Fatalf("report: %#v", res.Report)
	}
	if _, err := (&Activities{}).ExecutePlan(context.Background(), PlanExecutionInput{}); err == nil {
		t.Fatalf("expected engine error")
	}
}

func TestAsyncStarter(t *testing.T) {
	h := newHarness(t)
	h.approvedPlan(t, catalogSteps())
	s := &AsyncStarter{Engine: h.engine}
	id, err := s.StartExecution(context.Background(), "plan_1", false)
	if err != nil || id != "local-plan_1" {
		t.Fatalf("start: %s %v", id, err)
	}
	s.Wait()
	plan, _ := h.mem.GetPlan(context.Background(), "plan_1")
	if plan.Status != model.StatusCompleted {
		t.Fatalf("status: %s", plan.Status)
	}
}

func TestAsyncStarterQueuesBeyondLimit(t *testing.T) {
	h := newHarness(t)
	h.approvedPlan(t, catalogSteps())
	s := &AsyncStarter{Engine: h.engine, Limit: 1}
	if err := s.slots().Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.StartExecution(context.Background(), "plan_1", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	plan, _ := h.mem.GetPlan(context.Background(), "plan_1")
	if plan.Status != model.StatusApproved || len(h.platform.calls) != 0 {
		t.Fatalf("execution ran without a free slot: %s", plan.Status)
	}
	s.slots().Release(1)
	s.Wait()
	plan, _ = h.mem.GetPlan(context.Background(), "plan_1")
	if plan.Status != model.StatusCompleted {
		t.Fatalf("status: %s", plan.Status)
	}
}

func TestAsyncStarterQueuedExecutionStopsOnShutdown(t *testing.T) {
	h := newHarness(t)
	h.approvedPlan(t, catalogSteps())
	base, cancel := context.WithCancel(context.Background())
	s := &AsyncStarter{Engine: h.engine, Base: base, Limit: 1}
	if err := s.slots().Acquire(context.Background(), 1); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := s.StartExecution(context.Background(), "plan_1", false); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancel()
	s.Wait()
	plan, _ := h.mem.GetPlan(context.Background(), "plan_1")
	if plan.Status != model.StatusApproved || len(h.platform.calls) != 0 {
		t.Fatalf("queued execution ran after shutdown: %s", plan.Status)
	}
}

func TestTemporalStarterRequiresClient(t *testing.T) {
	if _, err := (&TemporalStarter{}).StartExecution(context.Background(), "plan_1", false); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBuildReportPendingAnomaly(t *testing.T) {
	plan := model.Plan{ID: "plan_1", RequestID: "req_1", Status: model.StatusExecuting, Steps: []model.PlanStep{
		{Index: 1, OperationType: "create_catalog_item"},
		{Index: 2, OperationType: "create_variable"},
	}}
	attempts := []model.ExecutionAttempt{{PlanID: "plan_1", StepIndex: 1, AttemptNumber: 1, Result: model.ResultSuccess, RemoteReference: "sys_1"}}
	report := BuildReport(plan, attempts, nil)
	if report.Steps[0].Status != model.StepSucceeded || report.Steps[1].Status != model.StepNotStarted {
		t.Fatalf("steps: %#v", report.Steps)
	}
	report = BuildReport(plan, attempts, []audit.Anomaly{{PlanID: "plan_1", StepIndex: 2, Attempt: 1}})
	if report.Steps[1].Status != model.StepInProgress {
		t.Fatalf("step 2: %#v", report.Steps[1])
	}
}
