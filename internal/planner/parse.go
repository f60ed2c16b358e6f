package planner

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"changegate/internal/model"
)

var ErrNoPlan = errors.New("no plan found in planner output")

// stepDraft accepts the field aliases planners tend to use.
type stepDraft struct {
	OperationType string         `json:"operation_type"`
	Operation     string         `json:"operation"`
	Action        string         `json:"action"`
	Op            string         `json:"op"`
	TargetEntity  string         `json:"target_entity"`
	Table         string         `json:"table"`
	Parameters    map[string]any `json:"parameters"`
	Fields        map[string]any `json:"fields"`
	Data          map[string]any `json:"data"`
	Record        string         `json:"record"`
	SysID         string         `json:"sys_id"`
}

func (d stepDraft) operation() string {
	for _, v := range []string{d.OperationType, d.Operation, d.Action, d.Op} {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}

func (d stepDraft) parameters() map[string]any {
	for _, m := range []map[string]any{d.Parameters, d.Fields, d.Data} {
		if m != nil {
			return m
		}
	}
	return map[string]any{}
}

// ParseCandidate extracts the candidate steps from raw planner output. The
// output may be fenced, surrounded by prose, a bare array or an object with
// a steps (or plan) array. Steps are indexed from 1 in order of appearance;
// entries without an operation are kept so validation reports them.
func ParseCandidate(text string) ([]model.PlanStep, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrNoPlan
	}
	drafts, err := decodeSteps(extractJSONBlock(text))
	if err != nil {
		return nil, err
	}
	if len(drafts) == 0 {
		return nil, ErrNoPlan
	}
	out := make([]model.PlanStep, 0, len(drafts))
	for i, d := range drafts {
		record := strings.TrimSpace(d.Record)
		if record == "" {
			record = strings.TrimSpace(d.SysID)
		}
		target := strings.TrimSpace(d.TargetEntity)
		if target == "" {
			target = strings.TrimSpace(d.Table)
		}
		out = append(out, model.PlanStep{
			Index:         i + 1,
			OperationType: d.operation(),
			TargetEntity:  target,
			Record:        record,
			Parameters:    d.parameters(),
		})
	}
	return out, nil
}

func extractJSONBlock(text string) string {
	idx := strings.Index(text, "```")
	if idx == -1 {
		return text
	}
	rest := text[idx+3:]
	if nl := strings.Index(rest, "\n"); nl != -1 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end != -1 {
		return strings.TrimSpace(rest[:end])
	}
	return strings.TrimSpace(rest)
}

// decodeSteps decodes the first JSON value found in text and ignores
// anything after it.
func decodeSteps(text string) ([]stepDraft, error) {
	start := strings.IndexAny(text, "[{")
	if start == -1 {
		return nil, ErrNoPlan
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(text[start:])))
	var raw json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("planner output: %w", err)
	}
	if raw[0] == '[' {
		var steps []stepDraft
		if err := json.Unmarshal(raw, &steps); err != nil {
			return nil, fmt.Errorf("planner output: %w", err)
		}
		return steps, nil
	}
	var payload struct {
		Steps []stepDraft `json:"steps"`
		Plan  []stepDraft `json:"plan"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("planner output: %w", err)
	}
	if len(payload.Steps) > 0 {
		return payload.Steps, nil
	}
	return payload.Plan, nil
}
