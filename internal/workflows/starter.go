package workflows

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"golang.org/x/sync/semaphore"
)

// Starter dispatches approved plans for execution.
type Starter interface {
	StartExecution(ctx context.Context, planID string, resume bool) (string, error)
}

type TemporalStarter struct {
	Client    client.Client
	TaskQueue string
}

func (s *TemporalStarter) StartExecution(ctx context.Context, planID string, resume bool) (string, error) {
	if s == nil || s.Client == nil {
		return "", errors.New("temporal client required")
	}
	if planID == "" {
		return "", errors.New("plan_id required")
	}
	queue := s.TaskQueue
	if queue == "" {
		queue = DefaultTaskQueue
	}
	id := "exec-" + planID
	if resume {
		id = "resume-" + planID
	}
	opts := client.StartWorkflowOptions{
		ID:                    id,
		TaskQueue:             queue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
	if resume {
		opts.WorkflowIDReusePolicy = enumspb.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE
	}
	run, err := s.Client.ExecuteWorkflow(ctx, opts, PlanExecutionWorkflow, PlanExecutionInput{PlanID: planID, Resume: resume})
	if err != nil {
		return "", err
	}
	return run.GetID(), nil
}

// AsyncStarter runs executions in-process on background goroutines, at most
// Limit at a time. Wait blocks until every started execution has returned.
type AsyncStarter struct {
	Engine *Engine
	// Base is the parent context of every execution; executions outlive
	// the request that approved them.
	Base  context.Context
	Limit int

	wg      sync.WaitGroup
	semOnce sync.Once
	sem     *semaphore.Weighted
}

func (s *AsyncStarter) slots() *semaphore.Weighted {
	s.semOnce.Do(func() {
		n := s.Limit
		if n <= 0 {
			n = DefaultMaxConcurrent
		}
		s.sem = semaphore.NewWeighted(int64(n))
	})
	return s.sem
}

func (s *AsyncStarter) StartExecution(ctx context.Context, planID string, resume bool) (string, error) {
	if s == nil || s.Engine == nil {
		return "", errors.New("engine required")
	}
	base := s.Base
	if base == nil {
		base = context.Background()
	}
	run := s.Engine.Execute
	if resume {
		run = s.Engine.Resume
	}
	slots := s.slots()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// Queued plans stay approved until a slot frees up.
		if err := slots.Acquire(base, 1); err != nil {
			slog.Warn("execution not started", "plan_id", planID, "error", err)
			return
		}
		defer slots.Release(1)
		if _, err := run(base, planID); err != nil {
			slog.Error("execution failed", "plan_id", planID, "error", err)
		}
	}()
	return "local-" + planID, nil
}

func (s *AsyncStarter) Wait() {
	s.wg.Wait()
}
