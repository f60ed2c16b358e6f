package workflows

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"changegate/internal/audit"
	"changegate/internal/locks"
	"changegate/internal/metrics"
	"changegate/internal/model"
	"changegate/internal/platform"
	"changegate/internal/policy"
)

type Store interface {
	GetRequest(ctx context.Context, id string) (model.Request, error)
	GetPlan(ctx context.Context, id string) (model.Plan, error)
	ListPlansByStatus(ctx context.Context, status model.PlanStatus) ([]model.Plan, error)
	ListAttempts(ctx context.Context, planID string) ([]model.ExecutionAttempt, error)
	RecordAttempt(ctx context.Context, attempt model.ExecutionAttempt, entry model.AuditEntry) error
	audit.Writer
}

// Gate owns the executing/completed/failed transitions.
type Gate interface {
	BeginExecution(ctx context.Context, planID string) (model.Plan, error)
	Finish(ctx context.Context, planID string, failedStep int, reason string) (model.Plan, error)
}

type Credentials interface {
	Token(ctx context.Context) (string, error)
}

type Sessions interface {
	OpenSession(ctx context.Context, userID string) (Credentials, error)
}

// Revoker is implemented by sessions that can drop a user's stored grant.
type Revoker interface {
	Revoke(ctx context.Context, userID string) error
}

type Platform interface {
	Apply(ctx context.Context, call platform.Call) (platform.Response, error)
}

type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

var (
	errAborted       = errors.New("execution aborted")
	marshalReport    = json.Marshal
	defaultSleepFunc = func(ctx context.Context, d time.Duration) error {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			return nil
		}
	}
)

// Engine applies approved plans step by step with the submitting user's
// credentials. Each attempt is bracketed by an attempted and a result audit
// entry; the remote call never happens unless the attempted entry is
// durable.
type Engine struct {
	Store          Store
	Gate           Gate
	Sessions       Sessions
	Platform       Platform
	Policy         *policy.Policy
	Locks          locks.Locker
	Archive        BlobStore
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
	Now            func() time.Time
	Sleep          func(ctx context.Context, d time.Duration) error
}

const (
	DefaultMaxAttempts    = 5
	DefaultBaseBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff     = 30 * time.Second
	DefaultAttemptTimeout = 30 * time.Second
	DefaultMaxConcurrent  = 8
)

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) maxAttempts() int {
	if e.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return e.MaxAttempts
}

func (e *Engine) attemptTimeout() time.Duration {
	if e.AttemptTimeout <= 0 {
		return DefaultAttemptTimeout
	}
	return e.AttemptTimeout
}

// backoff is the wait after the given failed attempt: base, 2*base, 4*base
// and so on, capped at MaxBackoff.
func (e *Engine) backoff(attempt int) time.Duration {
	base := e.BaseBackoff
	if base <= 0 {
		base = DefaultBaseBackoff
	}
	maxWait := e.MaxBackoff
	if maxWait <= 0 {
		maxWait = DefaultMaxBackoff
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxWait {
			return maxWait
		}
	}
	if d > maxWait {
		return maxWait
	}
	return d
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) error {
	if e.Sleep != nil {
		return e.Sleep(ctx, d)
	}
	return defaultSleepFunc(ctx, d)
}

func (e *Engine) validate() error {
	switch {
	case e == nil || e.Store == nil:
		return errors.New("store required")
	case e.Gate == nil:
		return errors.New("gate required")
	case e.Sessions == nil:
		return errors.New("sessions required")
	case e.Platform == nil:
		return errors.New("platform required")
	case e.Policy == nil:
		return errors.New("policy required")
	}
	return nil
}

// Execute starts an approved plan. It fails without side effects unless the
// plan is exactly Approved.
func (e *Engine) Execute(ctx context.Context, planID string) (model.ExecutionReport, error) {
	if err := e.validate(); err != nil {
		return model.ExecutionReport{}, err
	}
	unlock, err := e.lockRun(ctx, planID)
	if err != nil {
		return model.ExecutionReport{}, err
	}
	defer unlock()
	plan, err := e.Gate.BeginExecution(ctx, planID)
	if err != nil {
		return model.ExecutionReport{}, err
	}
	return e.run(ctx, plan, nil)
}

// Resume continues an interrupted execution once every anomaly of the plan
// has been acknowledged. Steps with a recorded success, or an acknowledged
// remote reference, are not called again.
func (e *Engine) Resume(ctx context.Context, planID string) (model.ExecutionReport, error) {
	if err := e.validate(); err != nil {
		return model.ExecutionReport{}, err
	}
	unlock, err := e.lockRun(ctx, planID)
	if err != nil {
		return model.ExecutionReport{}, err
	}
	defer unlock()
	plan, err := e.Store.GetPlan(ctx, planID)
	if err != nil {
		return model.ExecutionReport{}, err
	}
	if plan.Status != model.StatusExecuting {
		return model.ExecutionReport{}, fmt.Errorf("%w: plan is %s", model.ErrInvalidTransition, plan.Status)
	}
	entries, err := e.Store.ListAudit(ctx, plan.RequestID)
	if err != nil {
		return model.ExecutionReport{}, err
	}
	anomalies := audit.Anomalies(entries, plan.ID)
	if open := audit.Unresolved(anomalies); len(open) > 0 {
		return model.ExecutionReport{}, fmt.Errorf("%w: step %d attempt %d", model.ErrUnresolvedAnomaly, open[0].StepIndex, open[0].Attempt)
	}
	return e.run(ctx, plan, anomalies)
}

// revokeGrant drops a grant the platform refused so later executions ask
// the user to log in again instead of reusing it.
func (e *Engine) revokeGrant(ctx context.Context, userID string) {
	r, ok := e.Sessions.(Revoker)
	if !ok {
		return
	}
	if err := r.Revoke(ctx, userID); err != nil {
		slog.Warn("drop revoked grant", "user", userID, "error", err)
		return
	}
	slog.Info("revoked grant dropped", "user", userID)
}

func (e *Engine) lockRun(ctx context.Context, planID string) (func(), error) {
	if e.Locks == nil {
		return func() {}, nil
	}
	unlock, err := e.Locks.Lock(ctx, locks.ExecutionKey(planID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrLocked, err)
	}
	return unlock, nil
}

type stepState struct {
	lastAttempt int
	reference   string
	done        bool
}

func (e *Engine) priorState(ctx context.Context, plan model.Plan, anomalies []audit.Anomaly) (map[int]*stepState, error) {
	attempts, err := e.Store.ListAttempts(ctx, plan.ID)
	if err != nil {
		return nil, err
	}
	state := map[int]*stepState{}
	get := func(i int) *stepState {
		if state[i] == nil {
			state[i] = &stepState{}
		}
		return state[i]
	}
	for _, a := range attempts {
		s := get(a.StepIndex)
		if a.AttemptNumber > s.lastAttempt {
			s.lastAttempt = a.AttemptNumber
		}
		if a.Result == model.ResultSuccess {
			s.done = true
			s.reference = a.RemoteReference
		}
	}
	for _, an := range anomalies {
		s := get(an.StepIndex)
		if an.Attempt > s.lastAttempt {
			s.lastAttempt = an.Attempt
		}
		if an.Acknowledged && an.RemoteReference != "" && !s.done {
			s.done = true
			s.reference = an.RemoteReference
		}
	}
	return state, nil
}

func (e *Engine) run(ctx context.Context, plan model.Plan, anomalies []audit.Anomaly) (model.ExecutionReport, error) {
	log := slog.With("request_id", plan.RequestID, "plan_id", plan.ID)
	state, err := e.priorState(ctx, plan, anomalies)
	if err != nil {
		return model.ExecutionReport{}, err
	}
	refs := map[int]string{}
	for i, s := range state {
		if s.done {
			refs[i] = s.reference
		}
	}
	firstPending := 0
	for _, step := range plan.Steps {
		if s := state[step.Index]; s == nil || !s.done {
			firstPending = step.Index
			break
		}
	}

	var failedStep int
	var reason string
	if firstPending > 0 {
		req, err := e.Store.GetRequest(ctx, plan.RequestID)
		if err != nil {
			return model.ExecutionReport{}, err
		}
		creds, err := e.Sessions.OpenSession(ctx, req.SubmittedBy)
		if err != nil {
			failedStep, reason = firstPending, failureReason(err)
			log.Warn("execution session unavailable", "step", firstPending, "error", err)
		} else {
			if c, ok := creds.(interface{ Close() }); ok {
				defer c.Close()
			}
			failedStep, reason, err = e.runSteps(ctx, plan, creds, state, refs)
			if errors.Is(err, errAborted) {
				log.Error("execution aborted", "error", err)
				report, _ := e.Report(context.WithoutCancel(ctx), plan.ID)
				return report, err
			}
		}
		if reason == model.AuthorizationRevoked {
			e.revokeGrant(ctx, req.SubmittedBy)
		}
	}

	final, err := e.Gate.Finish(ctx, plan.ID, failedStep, reason)
	if err != nil {
		return model.ExecutionReport{}, err
	}
	metrics.ExecutionsTotal.WithLabelValues(string(final.Status)).Inc()
	log.Info("execution finished", "status", final.Status, "failed_step", failedStep)
	report, err := e.Report(ctx, plan.ID)
	if err != nil {
		return model.ExecutionReport{}, err
	}
	e.archive(ctx, report)
	return report, nil
}

func (e *Engine) runSteps(ctx context.Context, plan model.Plan, creds Credentials, state map[int]*stepState, refs map[int]string) (int, string, error) {
	for _, step := range plan.Steps {
		s := state[step.Index]
		if s != nil && s.done {
			continue
		}
		start := 1
		if s != nil {
			start = s.lastAttempt + 1
		}
		ref, err := e.runStep(ctx, plan, step, creds, refs, start)
		if err != nil {
			if errors.Is(err, errAborted) {
				return 0, "", err
			}
			return step.Index, failureReason(err), nil
		}
		refs[step.Index] = ref
	}
	return 0, "", nil
}

func (e *Engine) runStep(ctx context.Context, plan model.Plan, step model.PlanStep, creds Credentials, refs map[int]string, start int) (string, error) {
	op, ok := e.Policy.Operation(step.OperationType)
	if !ok {
		return "", &model.PermanentError{Reason: fmt.Sprintf("operation %s is no longer allowed", step.OperationType)}
	}
	resolved, err := model.ResolveValue(step.Parameters, refs)
	if err != nil {
		return "", &model.PermanentError{Reason: err.Error()}
	}
	fields, _ := resolved.(map[string]any)
	record, err := model.ResolveString(step.Record, refs)
	if err != nil {
		return "", &model.PermanentError{Reason: err.Error()}
	}
	table := step.TargetEntity
	if table == "" {
		table = op.Table
	}
	call := platform.Call{
		Action:         platform.Action(op.Action),
		Table:          table,
		RecordID:       record,
		Fields:         fields,
		IdempotencyKey: step.IdempotencyKey,
	}

	last := start + e.maxAttempts() - 1
	var lastErr error
	for attempt := start; attempt <= last; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("%w: %v", errAborted, err)
		}
		ref, err := e.attempt(ctx, plan, step, call, creds, attempt)
		if errors.Is(err, errAborted) {
			return "", err
		}
		switch model.Classify(err) {
		case model.ResultSuccess:
			return ref, nil
		case model.ResultPermanentFailure:
			return "", err
		}
		lastErr = err
		if attempt == last {
			break
		}
		if err := e.sleep(ctx, e.backoff(attempt-start+1)); err != nil {
			return "", fmt.Errorf("%w: %v", errAborted, err)
		}
	}
	return "", fmt.Errorf("retries exhausted after %d attempts: %w", e.maxAttempts(), lastErr)
}

func (e *Engine) attempt(ctx context.Context, plan model.Plan, step model.PlanStep, call platform.Call, creds Credentials, n int) (string, error) {
	log := slog.With("request_id", plan.RequestID, "plan_id", plan.ID, "step", step.Index, "attempt", n)
	payload := model.AttemptPayload{
		PlanID:         plan.ID,
		StepIndex:      step.Index,
		Attempt:        n,
		OperationType:  step.OperationType,
		IdempotencyKey: step.IdempotencyKey,
	}
	started := e.now()
	attempted, err := audit.NewEntry(plan.RequestID, model.EventExecutionAttempted, payload, started)
	if err == nil {
		_, err = e.Store.AppendAudit(ctx, attempted)
	}
	if err != nil {
		return "", fmt.Errorf("%w: record attempt: %v", errAborted, err)
	}

	var resp platform.Response
	token, callErr := creds.Token(ctx)
	if callErr == nil {
		call.Token = token
		attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout())
		resp, callErr = e.Platform.Apply(attemptCtx, call)
		if callErr != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && model.Classify(callErr) != model.ResultTransientFailure {
			callErr = &model.TransientError{Err: callErr}
		}
		cancel()
	}
	finished := e.now()
	result := model.Classify(callErr)
	metrics.StepAttemptsTotal.WithLabelValues(step.OperationType, string(result)).Inc()
	metrics.StepAttemptDuration.WithLabelValues(step.OperationType).Observe(finished.Sub(started).Seconds())

	rec := model.ExecutionAttempt{
		PlanID:          plan.ID,
		StepIndex:       step.Index,
		AttemptNumber:   n,
		IdempotencyKey:  step.IdempotencyKey,
		StartedAt:       started,
		FinishedAt:      finished,
		Result:          result,
		RemoteReference: resp.RemoteReference,
	}
	payload.Result = result
	payload.RemoteReference = resp.RemoteReference
	if callErr != nil {
		rec.Reason = failureReason(callErr)
		payload.Reason = rec.Reason
	}
	entry, err := audit.NewEntry(plan.RequestID, model.EventExecutionResult, payload, finished)
	if err == nil {
		err = e.Store.RecordAttempt(ctx, rec, entry)
	}
	if err != nil {
		// The call may have happened; leaving attempted without result makes
		// reconciliation flag it.
		return "", fmt.Errorf("%w: record result: %v", errAborted, err)
	}
	if callErr != nil {
		log.Warn("step attempt failed", "outcome", result, "error", callErr)
		return "", callErr
	}
	log.Info("step attempt succeeded", "outcome", result, "remote_reference", resp.RemoteReference)
	return resp.RemoteReference, nil
}

func failureReason(err error) string {
	var authErr *model.AuthorizationError
	if errors.As(err, &authErr) {
		return authErr.Code
	}
	if perm, ok := err.(*model.PermanentError); ok {
		return perm.Reason
	}
	return err.Error()
}

func (e *Engine) archive(ctx context.Context, report model.ExecutionReport) {
	if e.Archive == nil {
		return
	}
	data, err := marshalReport(report)
	if err != nil {
		slog.Warn("marshal execution report", "plan_id", report.PlanID, "error", err)
		return
	}
	key := fmt.Sprintf("reports/%s/%s.json", report.RequestID, report.PlanID)
	if _, err := e.Archive.Put(ctx, key, data); err != nil {
		slog.Warn("archive execution report", "plan_id", report.PlanID, "error", err)
	}
}
