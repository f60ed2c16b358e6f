package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrVersionMismatch   = errors.New("version-mismatch")
	ErrApprovalExpired   = errors.New("approval expired")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrCancelRefused     = errors.New("cancellation refused")
	ErrRequestClosed     = errors.New("request closed")
	ErrUnresolvedAnomaly = errors.New("unresolved execution anomaly")
	ErrLocked            = errors.New("request locked")
)

// ValidationError carries every violated guardrail of a rejected plan.
type ValidationError struct {
	PlanID     string
	Violations []Violation
}

func (e *ValidationError) Error() string {
	codes := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		codes = append(codes, fmt.Sprintf("%s@%d", v.Code, v.StepIndex))
	}
	return "plan rejected: " + strings.Join(codes, ", ")
}

const (
	AuthorizationExpired = "authorization-expired"
	AuthorizationRevoked = "authorization-revoked"
	AuthorizationMissing = "authorization-missing"
)

type AuthorizationError struct {
	Code   string
	UserID string
	Err    error
}

func (e *AuthorizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s for user %s: %v", e.Code, e.UserID, e.Err)
	}
	return fmt.Sprintf("%s for user %s", e.Code, e.UserID)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

// TransientError marks a platform failure worth retrying (network, timeout,
// 5xx, 429).
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient platform error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient platform error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError carries the platform's reported reason for a non-retryable
// failure.
type PermanentError struct {
	Status int
	Reason string
}

func (e *PermanentError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("permanent platform error (status %d): %s", e.Status, e.Reason)
	}
	return "permanent platform error: " + e.Reason
}

// Classify maps an execution error onto an attempt result.
func Classify(err error) AttemptResult {
	if err == nil {
		return ResultSuccess
	}
	var transient *TransientError
	if errors.As(err, &transient) {
		return ResultTransientFailure
	}
	return ResultPermanentFailure
}
