package approvals

import (
	"context"
	"errors"
	"testing"

	"changegate/internal/model"
)

type fakeApprovalClient struct {
	issues    []Issue
	createErr error
	listErr   error
	updateErr error
	created   []string
	updates   []string
}

func (f *fakeApprovalClient) CreateApprovalIssue(ctx context.Context, plan model.Plan) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, plan.ID)
	return "issue_" + plan.ID, nil
}

func (f *fakeApprovalClient) ListApprovalIssues(ctx context.Context) ([]Issue, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.issues, nil
}

func (f *fakeApprovalClient) UpdateApprovalStatus(ctx context.Context, issueID, status string) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, issueID+":"+status)
	return nil
}

func TestExtractPlanID(t *testing.T) {
	id, ok := extractPlanID("Plan ID: plan_3f2a-bc19\nRequest")
	if !ok || id != "plan_3f2a-bc19" {
		t.Fatalf("id: %q %v", id, ok)
	}
	if _, ok := extractPlanID("no plan here"); ok {
		t.Fatalf("expected miss")
	}
	if _, ok := extractPlanID("plan_ xyz"); ok {
		t.Fatalf("expected miss")
	}
}

func TestLinearNotifierPendingThenDecided(t *testing.T) {
	client := &fakeApprovalClient{}
	n := NewLinearNotifier(client)
	plan := model.Plan{ID: "plan_a1", Status: model.StatusPendingApproval}
	if err := n.PlanPending(context.Background(), plan); err != nil {
		t.Fatalf("pending: %v", err)
	}
	plan.Status = model.StatusApproved
	if err := n.PlanDecided(context.Background(), plan); err != nil {
		t.Fatalf("decided: %v", err)
	}
	if len(client.updates) != 1 || client.updates[0] != "issue_plan_a1:approved" {
		t.Fatalf("updates: %v", client.updates)
	}
}

func TestLinearNotifierFallsBackToListing(t *testing.T) {
	client := &fakeApprovalClient{issues: []Issue{
		{ID: "other", Description: "Plan ID: plan_b2"},
		{ID: "issue_9", Title: "Approval required: plan_c3 v2"},
	}}
	n := NewLinearNotifier(client)
	if err := n.PlanDecided(context.Background(), model.Plan{ID: "plan_c3", Status: model.StatusExpired}); err != nil {
		t.Fatalf("decided: %v", err)
	}
	if client.updates[0] != "issue_9:expired" {
		t.Fatalf("updates: %v", client.updates)
	}
	if err := n.PlanDecided(context.Background(), model.Plan{ID: "plan_zz"}); err == nil {
		t.Fatalf("expected not found")
	}
}

func TestLinearNotifierErrors(t *testing.T) {
	n := &LinearNotifier{}
	if err := n.PlanPending(context.Background(), model.Plan{}); err == nil {
		t.Fatalf("expected client error")
	}
	if err := n.PlanDecided(context.Background(), model.Plan{}); err == nil {
		t.Fatalf("expected client error")
	}
	n = NewLinearNotifier(&fakeApprovalClient{createErr: errors.New("x")})
	if err := n.PlanPending(context.Background(), model.Plan{ID: "plan_1"}); err == nil {
		t.Fatalf("expected create error")
	}
	n = NewLinearNotifier(&fakeApprovalClient{listErr: errors.New("x")})
	if err := n.PlanDecided(context.Background(), model.Plan{ID: "plan_1"}); err == nil {
		t.Fatalf("expected list error")
	}
}
