package model

// Audit event kinds.
const (
	EventRequestSubmitted      = "request-submitted"
	EventPlanProposed          = "plan-proposed"
	EventPlanValidated         = "plan-validated"
	EventPlanRejected          = "plan-rejected"
	EventPlanTransition        = "plan-transition"
	EventExecutionAttempted    = "execution-attempted"
	EventExecutionResult       = "execution-result"
	EventReconciliationAnomaly = "reconciliation-anomaly"
	EventAnomalyAcknowledged   = "anomaly-acknowledged"
)

// ActorSystem names transitions not driven by a person (timeouts, engine).
const ActorSystem = "system"

type TransitionPayload struct {
	PlanID   string            `json:"plan_id"`
	Version  int               `json:"version"`
	From     PlanStatus        `json:"from"`
	To       PlanStatus        `json:"to"`
	Actor    string            `json:"actor"`
	Reason   string            `json:"reason,omitempty"`
	Decision *ApprovalDecision `json:"decision,omitempty"`
}

type AttemptPayload struct {
	PlanID          string        `json:"plan_id"`
	StepIndex       int           `json:"step_index"`
	Attempt         int           `json:"attempt"`
	OperationType   string        `json:"operation_type"`
	IdempotencyKey  string        `json:"idempotency_key"`
	Result          AttemptResult `json:"result,omitempty"`
	RemoteReference string        `json:"remote_reference,omitempty"`
	Reason          string        `json:"reason,omitempty"`
}

type AnomalyPayload struct {
	PlanID          string `json:"plan_id"`
	StepIndex       int    `json:"step_index"`
	Attempt         int    `json:"attempt"`
	Actor           string `json:"actor,omitempty"`
	RemoteReference string `json:"remote_reference,omitempty"`
	Note            string `json:"note,omitempty"`
}
