package model

import (
	"encoding/json"
	"time"
)

type Request struct {
	ID          string    `json:"request_id"`
	SubmittedBy string    `json:"submitted_by"`
	RawText     string    `json:"raw_text"`
	CreatedAt   time.Time `json:"created_at"`
}

// PlanStep is one proposed platform operation. Index is 1-based and steps
// execute strictly in index order.
type PlanStep struct {
	Index          int            `json:"index"`
	OperationType  string         `json:"operation_type"`
	TargetEntity   string         `json:"target_entity"`
	Record         string         `json:"record,omitempty"`
	Parameters     map[string]any `json:"parameters"`
	IdempotencyKey string         `json:"idempotency_key"`
}

type Plan struct {
	ID               string      `json:"plan_id"`
	RequestID        string      `json:"request_id"`
	Version          int         `json:"version"`
	Steps            []PlanStep  `json:"steps"`
	Status           PlanStatus  `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
	ApprovalDeadline time.Time   `json:"approval_deadline,omitempty"`
	Violations       []Violation `json:"violations,omitempty"`
	FailedStep       int         `json:"failed_step,omitempty"`
	FailureReason    string      `json:"failure_reason,omitempty"`
}

type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

type ApprovalDecision struct {
	PlanID    string    `json:"plan_id"`
	Version   int       `json:"version"`
	DecidedBy string    `json:"decided_by"`
	Decision  Decision  `json:"decision"`
	Timestamp time.Time `json:"timestamp"`
	Comment   string    `json:"comment,omitempty"`
}

type AttemptResult string

const (
	ResultSuccess          AttemptResult = "success"
	ResultTransientFailure AttemptResult = "transient_failure"
	ResultPermanentFailure AttemptResult = "permanent_failure"
)

type ExecutionAttempt struct {
	PlanID          string        `json:"plan_id"`
	StepIndex       int           `json:"step_index"`
	AttemptNumber   int           `json:"attempt_number"`
	IdempotencyKey  string        `json:"idempotency_key"`
	StartedAt       time.Time     `json:"started_at"`
	FinishedAt      time.Time     `json:"finished_at"`
	Result          AttemptResult `json:"result"`
	RemoteReference string        `json:"remote_reference,omitempty"`
	Reason          string        `json:"reason,omitempty"`
}

type AuditEntry struct {
	Sequence  int64           `json:"sequence_number"`
	RequestID string          `json:"request_id"`
	Kind      string          `json:"event_kind"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

// Violation is one failed guardrail check. StepIndex is 0 for plan-wide
// violations such as the total step quota.
type Violation struct {
	Code      string `json:"code"`
	StepIndex int    `json:"step_index"`
	Field     string `json:"field,omitempty"`
	Message   string `json:"message"`
}

type StepStatus string

const (
	StepSucceeded  StepStatus = "success"
	StepFailed     StepStatus = "permanent_failure"
	StepNotStarted StepStatus = "not_started"
	StepInProgress StepStatus = "in_progress"
)

type StepOutcome struct {
	Index           int        `json:"index"`
	OperationType   string     `json:"operation_type"`
	Status          StepStatus `json:"status"`
	Attempts        int        `json:"attempts"`
	RemoteReference string     `json:"remote_reference,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

// ExecutionReport is the confirmation summary returned to the requester.
type ExecutionReport struct {
	PlanID     string        `json:"plan_id"`
	RequestID  string        `json:"request_id"`
	Status     PlanStatus    `json:"status"`
	Steps      []StepOutcome `json:"steps"`
	FailedStep int           `json:"failed_step,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	References []string      `json:"remote_references,omitempty"`
}

// Transition is one compare-and-set status change, persisted atomically
// with its audit entry. Stores refuse it unless the plan is still in From.
type Transition struct {
	PlanID        string
	From          PlanStatus
	To            PlanStatus
	At            time.Time
	Deadline      *time.Time
	Decision      *ApprovalDecision
	Violations    []Violation
	FailedStep    int
	FailureReason string
	Audit         AuditEntry
}
