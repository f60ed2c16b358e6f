package model

type PlanStatus string

const (
	StatusDraft           PlanStatus = "draft"
	StatusValidated       PlanStatus = "validated"
	StatusRejected        PlanStatus = "rejected"
	StatusPendingApproval PlanStatus = "pending_approval"
	StatusApproved        PlanStatus = "approved"
	StatusDenied          PlanStatus = "denied"
	StatusExpired         PlanStatus = "expired"
	StatusCancelled       PlanStatus = "cancelled"
	StatusSuperseded      PlanStatus = "superseded"
	StatusExecuting       PlanStatus = "executing"
	StatusCompleted       PlanStatus = "completed"
	StatusFailed          PlanStatus = "failed"
)

var transitions = map[PlanStatus][]PlanStatus{
	StatusDraft:           {StatusValidated, StatusRejected},
	StatusValidated:       {StatusPendingApproval, StatusSuperseded},
	StatusPendingApproval: {StatusApproved, StatusDenied, StatusExpired, StatusCancelled, StatusSuperseded},
	StatusApproved:        {StatusExecuting},
	StatusExecuting:       {StatusCompleted, StatusFailed},
}

// CanTransition reports whether the plan state machine permits from -> to.
func CanTransition(from, to PlanStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s PlanStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

// Open reports whether the version can still be superseded by a newer one.
func (s PlanStatus) Open() bool {
	return s == StatusDraft || s == StatusValidated || s == StatusPendingApproval
}
