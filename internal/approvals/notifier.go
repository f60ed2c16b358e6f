package approvals

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"changegate/internal/model"
)

// LinearNotifier opens a Linear issue when a plan awaits review and relabels
// it once the plan leaves pending approval. Decisions are never read back
// from Linear; they must come through the authenticated API.
type LinearNotifier struct {
	Client ApprovalClient

	mu     sync.Mutex
	issues map[string]string
}

func NewLinearNotifier(client ApprovalClient) *LinearNotifier {
	return &LinearNotifier{Client: client, issues: map[string]string{}}
}

func (n *LinearNotifier) PlanPending(ctx context.Context, plan model.Plan) error {
	if n.Client == nil {
		return errors.New("approval client required")
	}
	id, err := n.Client.CreateApprovalIssue(ctx, plan)
	if err != nil {
		return err
	}
	n.mu.Lock()
	if n.issues == nil {
		n.issues = map[string]string{}
	}
	n.issues[plan.ID] = id
	n.mu.Unlock()
	return nil
}

func (n *LinearNotifier) PlanDecided(ctx context.Context, plan model.Plan) error {
	if n.Client == nil {
		return errors.New("approval client required")
	}
	id, err := n.issueFor(ctx, plan.ID)
	if err != nil {
		return err
	}
	if err := n.Client.UpdateApprovalStatus(ctx, id, string(plan.Status)); err != nil {
		return err
	}
	n.mu.Lock()
	delete(n.issues, plan.ID)
	n.mu.Unlock()
	return nil
}

// issueFor falls back to scanning open approval issues after a restart
// dropped the in-memory index.
func (n *LinearNotifier) issueFor(ctx context.Context, planID string) (string, error) {
	n.mu.Lock()
	id, ok := n.issues[planID]
	n.mu.Unlock()
	if ok {
		return id, nil
	}
	issues, err := n.Client.ListApprovalIssues(ctx)
	if err != nil {
		return "", err
	}
	for _, issue := range issues {
		found, ok := extractPlanID(issue.Description)
		if !ok {
			found, ok = extractPlanID(issue.Title)
		}
		if ok && found == planID {
			return issue.ID, nil
		}
	}
	return "", errors.New("approval issue not found for " + planID)
}

func logNotifyError(plan model.Plan, err error) {
	slog.Warn("approval notification failed", "request_id", plan.RequestID, "plan_id", plan.ID, "status", plan.Status, "error", err)
}
