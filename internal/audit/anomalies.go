package audit

import (
	"encoding/json"
	"sort"

	"changegate/internal/model"
)

// Anomaly is an execution attempt recorded as started with no recorded
// outcome: the remote call may or may not have happened.
type Anomaly struct {
	PlanID          string `json:"plan_id"`
	StepIndex       int    `json:"step_index"`
	Attempt         int    `json:"attempt"`
	IdempotencyKey  string `json:"idempotency_key"`
	Sequence        int64  `json:"sequence_number"`
	Acknowledged    bool   `json:"acknowledged"`
	AcknowledgedBy  string `json:"acknowledged_by,omitempty"`
	RemoteReference string `json:"remote_reference,omitempty"`
}

type attemptKey struct {
	plan    string
	step    int
	attempt int
}

// Anomalies scans a request ledger for attempts of planID (all plans when
// empty) that lack a matching result.
func Anomalies(entries []model.AuditEntry, planID string) []Anomaly {
	open := map[attemptKey]*Anomaly{}
	acks := map[attemptKey]model.AnomalyPayload{}
	for _, e := range entries {
		switch e.Kind {
		case model.EventExecutionAttempted, model.EventExecutionResult:
			var p model.AttemptPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				continue
			}
			if planID != "" && p.PlanID != planID {
				continue
			}
			key := attemptKey{p.PlanID, p.StepIndex, p.Attempt}
			if e.Kind == model.EventExecutionAttempted {
				open[key] = &Anomaly{PlanID: p.PlanID, StepIndex: p.StepIndex, Attempt: p.Attempt, IdempotencyKey: p.IdempotencyKey, Sequence: e.Sequence}
			} else {
				delete(open, key)
			}
		case model.EventAnomalyAcknowledged:
			var p model.AnomalyPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				continue
			}
			acks[attemptKey{p.PlanID, p.StepIndex, p.Attempt}] = p
		}
	}
	out := make([]Anomaly, 0, len(open))
	for key, a := range open {
		if ack, ok := acks[key]; ok {
			a.Acknowledged = true
			a.AcknowledgedBy = ack.Actor
			a.RemoteReference = ack.RemoteReference
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Unresolved filters anomalies nobody has acknowledged yet.
func Unresolved(anomalies []Anomaly) []Anomaly {
	var out []Anomaly
	for _, a := range anomalies {
		if !a.Acknowledged {
			out = append(out, a)
		}
	}
	return out
}

// Reported reports whether a reconciliation-anomaly entry already exists
// for the attempt, so reconciliation does not audit it twice.
func Reported(entries []model.AuditEntry, a Anomaly) bool {
	for _, e := range entries {
		if e.Kind != model.EventReconciliationAnomaly {
			continue
		}
		var p model.AnomalyPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			continue
		}
		if p.PlanID == a.PlanID && p.StepIndex == a.StepIndex && p.Attempt == a.Attempt {
			return true
		}
	}
	return false
}
