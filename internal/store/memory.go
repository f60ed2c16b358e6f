package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"changegate/internal/audit"
	"changegate/internal/model"
)

var ErrDuplicateVersion = errors.New("plan version already exists")

// Memory keeps every record in process memory behind one mutex. It backs
// tests and single-process development runs; state is lost on restart.
type Memory struct {
	mu        sync.Mutex
	requests  map[string]model.Request
	plans     map[string]model.Plan
	byRequest map[string][]string
	decisions map[string]model.ApprovalDecision
	attempts  map[string][]model.ExecutionAttempt
	ledger    map[string][]model.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		requests:  map[string]model.Request{},
		plans:     map[string]model.Plan{},
		byRequest: map[string][]string{},
		decisions: map[string]model.ApprovalDecision{},
		attempts:  map[string][]model.ExecutionAttempt{},
		ledger:    map[string][]model.AuditEntry{},
	}
}

func (m *Memory) appendLocked(e model.AuditEntry) model.AuditEntry {
	list := m.ledger[e.RequestID]
	var prev *model.AuditEntry
	if len(list) > 0 {
		prev = &list[len(list)-1]
	}
	sealed := audit.Seal(prev, e)
	m.ledger[e.RequestID] = append(list, sealed)
	return sealed
}

func (m *Memory) AppendAudit(ctx context.Context, e model.AuditEntry) (model.AuditEntry, error) {
	if e.RequestID == "" {
		return model.AuditEntry{}, errors.New("request_id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(e), nil
}

func (m *Memory) ListAudit(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEntry(nil), m.ledger[requestID]...), nil
}

func (m *Memory) CreateRequest(ctx context.Context, req model.Request, entry model.AuditEntry) error {
	if req.ID == "" {
		return errors.New("request id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return fmt.Errorf("request %s already exists", req.ID)
	}
	m.requests[req.ID] = req
	m.appendLocked(entry)
	return nil
}

func (m *Memory) GetRequest(ctx context.Context, id string) (model.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return model.Request{}, model.ErrNotFound
	}
	return req, nil
}

func (m *Memory) InsertPlan(ctx context.Context, plan model.Plan, entry model.AuditEntry) error {
	if plan.ID == "" {
		return errors.New("plan id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[plan.RequestID]; !ok {
		return model.ErrNotFound
	}
	for _, id := range m.byRequest[plan.RequestID] {
		if m.plans[id].Version == plan.Version {
			return ErrDuplicateVersion
		}
	}
	m.plans[plan.ID] = clonePlan(plan)
	m.byRequest[plan.RequestID] = append(m.byRequest[plan.RequestID], plan.ID)
	m.appendLocked(entry)
	return nil
}

func (m *Memory) GetPlan(ctx context.Context, id string) (model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[id]
	if !ok {
		return model.Plan{}, model.ErrNotFound
	}
	return clonePlan(plan), nil
}

// ListPlans returns every version of a request, oldest first.
func (m *Memory) ListPlans(ctx context.Context, requestID string) ([]model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Plan, 0, len(m.byRequest[requestID]))
	for _, id := range m.byRequest[requestID] {
		out = append(out, clonePlan(m.plans[id]))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *Memory) ListPlansByStatus(ctx context.Context, status model.PlanStatus) ([]model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Plan
	for _, plan := range m.plans {
		if plan.Status == status {
			out = append(out, clonePlan(plan))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ApplyTransition(ctx context.Context, t model.Transition) (model.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	plan, ok := m.plans[t.PlanID]
	if !ok {
		return model.Plan{}, model.ErrNotFound
	}
	if plan.Status != t.From || !model.CanTransition(t.From, t.To) {
		return model.Plan{}, fmt.Errorf("%w: plan is %s, expected %s", model.ErrInvalidTransition, plan.Status, t.From)
	}
	if t.Decision != nil {
		if _, exists := m.decisions[t.PlanID]; exists {
			return model.Plan{}, fmt.Errorf("%w: plan already decided", model.ErrInvalidTransition)
		}
		m.decisions[t.PlanID] = *t.Decision
	}
	plan.Status = t.To
	plan.UpdatedAt = t.At
	if t.Deadline != nil {
		plan.ApprovalDeadline = *t.Deadline
	}
	if t.Violations != nil {
		plan.Violations = t.Violations
	}
	if t.To == model.StatusFailed {
		plan.FailedStep = t.FailedStep
		plan.FailureReason = t.FailureReason
	}
	m.plans[t.PlanID] = plan
	m.appendLocked(t.Audit)
	return clonePlan(plan), nil
}

func (m *Memory) GetDecision(ctx context.Context, planID string) (model.ApprovalDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[planID]
	if !ok {
		return model.ApprovalDecision{}, model.ErrNotFound
	}
	return d, nil
}

// RecordAttempt stores an attempt together with its result audit entry.
func (m *Memory) RecordAttempt(ctx context.Context, attempt model.ExecutionAttempt, entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plans[attempt.PlanID]; !ok {
		return model.ErrNotFound
	}
	for _, a := range m.attempts[attempt.PlanID] {
		if a.StepIndex == attempt.StepIndex && a.AttemptNumber == attempt.AttemptNumber {
			return fmt.Errorf("attempt %d of step %d already recorded", attempt.AttemptNumber, attempt.StepIndex)
		}
	}
	m.attempts[attempt.PlanID] = append(m.attempts[attempt.PlanID], attempt)
	m.appendLocked(entry)
	return nil
}

func (m *Memory) ListAttempts(ctx context.Context, planID string) ([]model.ExecutionAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]model.ExecutionAttempt(nil), m.attempts[planID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StepIndex != out[j].StepIndex {
			return out[i].StepIndex < out[j].StepIndex
		}
		return out[i].AttemptNumber < out[j].AttemptNumber
	})
	return out, nil
}

func clonePlan(p model.Plan) model.Plan {
	p.Steps = append([]model.PlanStep(nil), p.Steps...)
	p.Violations = append([]model.Violation(nil), p.Violations...)
	return p
}
