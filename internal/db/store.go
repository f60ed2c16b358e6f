package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"changegate/internal/audit"
	"changegate/internal/model"
	"changegate/internal/store"
)

const uniqueViolation pq.ErrorCode = "23505"

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

const planJSON = `json_build_object(
	'plan_id', id,
	'request_id', request_id,
	'version', version,
	'steps', steps,
	'status', status,
	'created_at', created_at,
	'updated_at', updated_at,
	'approval_deadline', approval_deadline,
	'violations', violations,
	'failed_step', failed_step,
	'failure_reason', failure_reason)`

const auditJSON = `json_build_object(
	'sequence_number', seq,
	'request_id', request_id,
	'event_kind', kind,
	'payload', payload,
	'timestamp', ts,
	'prev_hash', prev_hash,
	'hash', hash)`

const attemptJSON = `json_build_object(
	'plan_id', plan_id,
	'step_index', step_index,
	'attempt_number', attempt_number,
	'idempotency_key', idempotency_key,
	'started_at', started_at,
	'finished_at', finished_at,
	'result', result,
	'remote_reference', remote_reference,
	'reason', reason)`

func (d *DB) ready() error {
	if d == nil || d.conn == nil {
		return errors.New("db not initialized")
	}
	return nil
}

func scanJSON(row rowScanner, dest any) error {
	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ErrNotFound
		}
		return err
	}
	return json.Unmarshal(raw, dest)
}

// appendAudit seals e after the request's current tail and inserts it. The
// transaction-scoped advisory lock serialises appends per request across
// processes, so sequence numbers never collide or skip.
func appendAudit(ctx context.Context, conn dbConn, e model.AuditEntry) (model.AuditEntry, error) {
	if e.RequestID == "" {
		return model.AuditEntry{}, errors.New("request_id required")
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "audit:"+e.RequestID); err != nil {
		return model.AuditEntry{}, fmt.Errorf("audit lock: %w", err)
	}
	var prev model.AuditEntry
	var prevPtr *model.AuditEntry
	row := conn.QueryRowContext(ctx, `SELECT seq, hash FROM audit_entries WHERE request_id=$1 ORDER BY seq DESC LIMIT 1`, e.RequestID)
	switch err := row.Scan(&prev.Sequence, &prev.Hash); {
	case err == nil:
		prevPtr = &prev
	case errors.Is(err, sql.ErrNoRows):
	default:
		return model.AuditEntry{}, err
	}
	sealed := audit.Seal(prevPtr, e)
	_, err := conn.ExecContext(ctx, `
		INSERT INTO audit_entries(request_id, seq, kind, payload, ts, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sealed.RequestID, sealed.Sequence, sealed.Kind, string(sealed.Payload), sealed.Timestamp, sealed.PrevHash, sealed.Hash)
	if err != nil {
		return model.AuditEntry{}, err
	}
	return sealed, nil
}

func (d *DB) AppendAudit(ctx context.Context, e model.AuditEntry) (model.AuditEntry, error) {
	if err := d.ready(); err != nil {
		return model.AuditEntry{}, err
	}
	var out model.AuditEntry
	err := d.withTx(ctx, func(conn dbConn) error {
		var err error
		out, err = appendAudit(ctx, conn, e)
		return err
	})
	return out, err
}

func (d *DB) ListAudit(ctx context.Context, requestID string) ([]model.AuditEntry, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT COALESCE(json_agg(`+auditJSON+` ORDER BY seq), '[]'::json)
		FROM audit_entries WHERE request_id=$1
	`, requestID)
	var out []model.AuditEntry
	if err := scanJSON(row, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DB) CreateRequest(ctx context.Context, req model.Request, entry model.AuditEntry) error {
	if err := d.ready(); err != nil {
		return err
	}
	if req.ID == "" {
		return errors.New("request id required")
	}
	return d.withTx(ctx, func(conn dbConn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO requests(id, submitted_by, raw_text, created_at)
			VALUES ($1, $2, $3, $4)
		`, req.ID, req.SubmittedBy, req.RawText, req.CreatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("request %s already exists", req.ID)
			}
			return err
		}
		_, err = appendAudit(ctx, conn, entry)
		return err
	})
}

func (d *DB) GetRequest(ctx context.Context, id string) (model.Request, error) {
	if err := d.ready(); err != nil {
		return model.Request{}, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT json_build_object('request_id', id, 'submitted_by', submitted_by, 'raw_text', raw_text, 'created_at', created_at)
		FROM requests WHERE id=$1
	`, id)
	var req model.Request
	if err := scanJSON(row, &req); err != nil {
		return model.Request{}, err
	}
	return req, nil
}

func (d *DB) InsertPlan(ctx context.Context, plan model.Plan, entry model.AuditEntry) error {
	if err := d.ready(); err != nil {
		return err
	}
	if plan.ID == "" {
		return errors.New("plan id required")
	}
	steps, err := json.Marshal(plan.Steps)
	if err != nil {
		return err
	}
	return d.withTx(ctx, func(conn dbConn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO plans(id, request_id, version, steps, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, plan.ID, plan.RequestID, plan.Version, string(steps), string(plan.Status), plan.CreatedAt, plan.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicateVersion
			}
			return err
		}
		_, err = appendAudit(ctx, conn, entry)
		return err
	})
}

func getPlan(ctx context.Context, conn dbConn, id string) (model.Plan, error) {
	row := conn.QueryRowContext(ctx, `SELECT `+planJSON+` FROM plans WHERE id=$1`, id)
	var plan model.Plan
	if err := scanJSON(row, &plan); err != nil {
		return model.Plan{}, err
	}
	return plan, nil
}

func (d *DB) GetPlan(ctx context.Context, id string) (model.Plan, error) {
	if err := d.ready(); err != nil {
		return model.Plan{}, err
	}
	return getPlan(ctx, d.conn, id)
}

// ListPlans returns every version of a request, oldest first.
func (d *DB) ListPlans(ctx context.Context, requestID string) ([]model.Plan, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT COALESCE(json_agg(`+planJSON+` ORDER BY version), '[]'::json)
		FROM plans WHERE request_id=$1
	`, requestID)
	var out []model.Plan
	if err := scanJSON(row, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *DB) ListPlansByStatus(ctx context.Context, status model.PlanStatus) ([]model.Plan, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT COALESCE(json_agg(`+planJSON+` ORDER BY created_at), '[]'::json)
		FROM plans WHERE status=$1
	`, string(status))
	var out []model.Plan
	if err := scanJSON(row, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyTransition is a compare-and-set on the plan status. The decision row,
// the status change and the audit entry commit together or not at all.
func (d *DB) ApplyTransition(ctx context.Context, t model.Transition) (model.Plan, error) {
	if err := d.ready(); err != nil {
		return model.Plan{}, err
	}
	if !model.CanTransition(t.From, t.To) {
		return model.Plan{}, fmt.Errorf("%w: %s -> %s", model.ErrInvalidTransition, t.From, t.To)
	}
	var deadline any
	if t.Deadline != nil {
		deadline = *t.Deadline
	}
	var violations any
	if t.Violations != nil {
		data, err := json.Marshal(t.Violations)
		if err != nil {
			return model.Plan{}, err
		}
		violations = string(data)
	}
	failedStep, reason := 0, ""
	if t.To == model.StatusFailed {
		failedStep, reason = t.FailedStep, t.FailureReason
	}
	var out model.Plan
	err := d.withTx(ctx, func(conn dbConn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE plans SET
				status=$3,
				updated_at=$4,
				approval_deadline=COALESCE($5::timestamptz, approval_deadline),
				violations=COALESCE($6::jsonb, violations),
				failed_step=$7,
				failure_reason=$8
			WHERE id=$1 AND status=$2
		`, t.PlanID, string(t.From), string(t.To), t.At, deadline, violations, failedStep, reason)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			var current string
			row := conn.QueryRowContext(ctx, `SELECT status FROM plans WHERE id=$1`, t.PlanID)
			if err := row.Scan(&current); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return model.ErrNotFound
				}
				return err
			}
			return fmt.Errorf("%w: plan is %s, expected %s", model.ErrInvalidTransition, current, t.From)
		}
		if t.Decision != nil {
			dec := t.Decision
			_, err := conn.ExecContext(ctx, `
				INSERT INTO approval_decisions(plan_id, version, decided_by, decision, decided_at, comment)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, dec.PlanID, dec.Version, dec.DecidedBy, string(dec.Decision), dec.Timestamp, dec.Comment)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("%w: plan already decided", model.ErrInvalidTransition)
				}
				return err
			}
		}
		if _, err := appendAudit(ctx, conn, t.Audit); err != nil {
			return err
		}
		out, err = getPlan(ctx, conn, t.PlanID)
		return err
	})
	if err != nil {
		return model.Plan{}, err
	}
	return out, nil
}

func (d *DB) GetDecision(ctx context.Context, planID string) (model.ApprovalDecision, error) {
	if err := d.ready(); err != nil {
		return model.ApprovalDecision{}, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT json_build_object('plan_id', plan_id, 'version', version, 'decided_by', decided_by,
			'decision', decision, 'timestamp', decided_at, 'comment', comment)
		FROM approval_decisions WHERE plan_id=$1
	`, planID)
	var out model.ApprovalDecision
	if err := scanJSON(row, &out); err != nil {
		return model.ApprovalDecision{}, err
	}
	return out, nil
}

// RecordAttempt stores an attempt together with its result audit entry.
func (d *DB) RecordAttempt(ctx context.Context, a model.ExecutionAttempt, entry model.AuditEntry) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.withTx(ctx, func(conn dbConn) error {
		_, err := conn.ExecContext(ctx, `
			INSERT INTO execution_attempts(plan_id, step_index, attempt_number, idempotency_key,
				started_at, finished_at, result, remote_reference, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, a.PlanID, a.StepIndex, a.AttemptNumber, a.IdempotencyKey, a.StartedAt, a.FinishedAt,
			string(a.Result), a.RemoteReference, a.Reason)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("attempt %d of step %d already recorded", a.AttemptNumber, a.StepIndex)
			}
			return err
		}
		_, err = appendAudit(ctx, conn, entry)
		return err
	})
}

func (d *DB) ListAttempts(ctx context.Context, planID string) ([]model.ExecutionAttempt, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	row := d.conn.QueryRowContext(ctx, `
		SELECT COALESCE(json_agg(`+attemptJSON+` ORDER BY step_index, attempt_number), '[]'::json)
		FROM execution_attempts WHERE plan_id=$1
	`, planID)
	var out []model.ExecutionAttempt
	if err := scanJSON(row, &out); err != nil {
		return nil, err
	}
	return out, nil
}
