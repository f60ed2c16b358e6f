package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"changegate/internal/model"
)

// Checker is an optional organisation-level policy consulted after the
// built-in checks.
type Checker interface {
	Evaluate(ctx context.Context, input PlanInput) (Decision, error)
}

type CheckerFunc func(ctx context.Context, input PlanInput) (Decision, error)

func (f CheckerFunc) Evaluate(ctx context.Context, input PlanInput) (Decision, error) {
	return f(ctx, input)
}

type StepInput struct {
	Index         int            `json:"index"`
	OperationType string         `json:"operation_type"`
	TargetEntity  string         `json:"target_entity"`
	Record        string         `json:"record,omitempty"`
	Fields        []string       `json:"fields"`
	Parameters    map[string]any `json:"parameters"`
}

type PlanInput struct {
	RequestID string      `json:"request_id"`
	Version   int         `json:"version"`
	Steps     []StepInput `json:"steps"`
	Time      string      `json:"time"`
}

func NewPlanInput(plan model.Plan) PlanInput {
	in := PlanInput{RequestID: plan.RequestID, Version: plan.Version, Time: time.Now().UTC().Format(time.RFC3339)}
	for _, step := range plan.Steps {
		fields := make([]string, 0, len(step.Parameters))
		for k := range step.Parameters {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		in.Steps = append(in.Steps, StepInput{
			Index:         step.Index,
			OperationType: step.OperationType,
			TargetEntity:  step.TargetEntity,
			Record:        step.Record,
			Fields:        fields,
			Parameters:    step.Parameters,
		})
	}
	return in
}

type Decision struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

func (d Decision) Denied() bool {
	return strings.EqualFold(d.Decision, "deny")
}

// OPAChecker evaluates plans against an Open Policy Agent data API.
type OPAChecker struct {
	OPAURL        string
	PolicyPackage string
	HTTPClient    *http.Client
	clientOnce    sync.Once
}

type opaResponse struct {
	Result Decision `json:"result"`
}

func (p *OPAChecker) httpClient() *http.Client {
	p.clientOnce.Do(func() {
		if p.HTTPClient == nil {
			p.HTTPClient = &http.Client{Timeout: 5 * time.Second}
		}
	})
	return p.HTTPClient
}

func (p *OPAChecker) Evaluate(ctx context.Context, input PlanInput) (Decision, error) {
	body, err := json.Marshal(map[string]any{"input": input})
	if err != nil {
		return Decision{}, err
	}
	pkg := strings.Trim(strings.TrimSpace(p.PolicyPackage), "/")
	pkg = strings.ReplaceAll(pkg, ".", "/")
	base := strings.TrimRight(strings.TrimSpace(p.OPAURL), "/")
	url := fmt.Sprintf("%s/v1/data/%s", base, pkg)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Decision{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.httpClient().Do(req)
	if err != nil {
		return Decision{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Decision{}, fmt.Errorf("opa status %d", resp.StatusCode)
	}
	var out opaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Decision{}, err
	}
	return out.Result, nil
}
