package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"changegate/internal/model"
)

// Violation codes.
const (
	CodeEmptyPlan            = "empty-plan"
	CodeIndexOutOfOrder      = "index-out-of-order"
	CodeOperationDenied      = "operation-denied"
	CodeOperationNotAllowed  = "operation-not-allowed"
	CodeTargetNotAllowed     = "target-not-allowed"
	CodeRecordRequired       = "record-required"
	CodeRecordForbidden      = "record-forbidden"
	CodeFieldMissing         = "field-missing"
	CodeFieldNotAllowed      = "field-not-allowed"
	CodeFieldType            = "field-type"
	CodeFieldInvalid         = "field-invalid"
	CodeQuotaExceeded        = "quota-exceeded"
	CodeForwardReference     = "forward-reference"
	CodeInvalidReference     = "invalid-reference"
	CodeReferenceNotCreating = "reference-not-creating"
	CodeExternalDenied       = "external-policy-denied"
)

// Validator checks candidate plans against an immutable Policy. Every check
// runs; the result lists all violations in check order.
type Validator struct {
	Policy   *Policy
	External Checker
}

func NewValidator(p *Policy) *Validator {
	return &Validator{Policy: p}
}

// Canonicalize normalises operation names and fills an empty target entity
// with the table of the catalogued operation.
func (v *Validator) Canonicalize(steps []model.PlanStep) []model.PlanStep {
	out := make([]model.PlanStep, len(steps))
	for i, step := range steps {
		step.OperationType = NormalizeOperation(step.OperationType)
		step.TargetEntity = strings.TrimSpace(step.TargetEntity)
		step.Record = strings.TrimSpace(step.Record)
		if step.Parameters == nil {
			step.Parameters = map[string]any{}
		}
		if op, ok := v.Policy.Operation(step.OperationType); ok && step.TargetEntity == "" {
			step.TargetEntity = op.Table
		}
		out[i] = step
	}
	return out
}

func (v *Validator) Validate(ctx context.Context, plan model.Plan) ([]model.Violation, error) {
	if v == nil || v.Policy == nil {
		return nil, fmt.Errorf("validator not initialized")
	}
	var out []model.Violation
	out = append(out, v.checkStructure(plan.Steps)...)
	out = append(out, v.checkAllowList(plan.Steps)...)
	out = append(out, v.checkFields(plan.Steps)...)
	out = append(out, v.checkQuotas(plan.Steps)...)
	out = append(out, v.checkReferences(plan.Steps)...)
	if v.External != nil {
		decision, err := v.External.Evaluate(ctx, NewPlanInput(plan))
		if err != nil {
			return nil, fmt.Errorf("external policy: %w", err)
		}
		if decision.Denied() {
			msg := decision.Reason
			if msg == "" {
				msg = "denied by external policy"
			}
			out = append(out, model.Violation{Code: CodeExternalDenied, Message: msg})
		}
	}
	return out, nil
}

func (v *Validator) checkStructure(steps []model.PlanStep) []model.Violation {
	if len(steps) == 0 {
		return []model.Violation{{Code: CodeEmptyPlan, Message: "plan has no steps"}}
	}
	var out []model.Violation
	for i, step := range steps {
		if step.Index != i+1 {
			out = append(out, model.Violation{
				Code:      CodeIndexOutOfOrder,
				StepIndex: step.Index,
				Message:   fmt.Sprintf("step at position %d has index %d", i+1, step.Index),
			})
		}
	}
	return out
}

func (v *Validator) checkAllowList(steps []model.PlanStep) []model.Violation {
	var out []model.Violation
	for _, step := range steps {
		name := NormalizeOperation(step.OperationType)
		if v.Policy.IsDenied(name) {
			out = append(out, model.Violation{
				Code:      CodeOperationDenied,
				StepIndex: step.Index,
				Message:   fmt.Sprintf("operation %q is not permitted", step.OperationType),
			})
			continue
		}
		op, ok := v.Policy.Operation(name)
		if !ok {
			out = append(out, model.Violation{
				Code:      CodeOperationNotAllowed,
				StepIndex: step.Index,
				Message:   fmt.Sprintf("operation %q is not in the allow-list", step.OperationType),
			})
			continue
		}
		if step.TargetEntity != "" && step.TargetEntity != op.Table {
			out = append(out, model.Violation{
				Code:      CodeTargetNotAllowed,
				StepIndex: step.Index,
				Field:     "target_entity",
				Message:   fmt.Sprintf("operation %s targets %s, not %s", name, op.Table, step.TargetEntity),
			})
		}
	}
	return out
}

func (v *Validator) checkFields(steps []model.PlanStep) []model.Violation {
	var out []model.Violation
	for _, step := range steps {
		op, ok := v.Policy.Operation(step.OperationType)
		if !ok || v.Policy.IsDenied(step.OperationType) {
			continue
		}
		switch {
		case op.Action == ActionUpdate && strings.TrimSpace(step.Record) == "":
			out = append(out, model.Violation{Code: CodeRecordRequired, StepIndex: step.Index, Field: "record", Message: "update requires the record sys_id"})
		case op.Action == ActionCreate && strings.TrimSpace(step.Record) != "":
			out = append(out, model.Violation{Code: CodeRecordForbidden, StepIndex: step.Index, Field: "record", Message: "create must not name an existing record"})
		}
		if op.schema == nil {
			continue
		}
		params := step.Parameters
		if params == nil {
			params = map[string]any{}
		}
		result, err := op.schema.Validate(gojsonschema.NewGoLoader(params))
		if err != nil {
			out = append(out, model.Violation{Code: CodeFieldInvalid, StepIndex: step.Index, Message: err.Error()})
			continue
		}
		if result.Valid() {
			continue
		}
		out = append(out, schemaViolations(step.Index, result.Errors())...)
	}
	return out
}

func schemaViolations(index int, errs []gojsonschema.ResultError) []model.Violation {
	out := make([]model.Violation, 0, len(errs))
	for _, e := range errs {
		field := e.Field()
		if prop, ok := e.Details()["property"].(string); ok && prop != "" {
			field = prop
		}
		if field == "(root)" {
			field = ""
		}
		code := CodeFieldInvalid
		switch e.Type() {
		case "required", "array_min_properties":
			code = CodeFieldMissing
		case "additional_property_not_allowed":
			code = CodeFieldNotAllowed
		case "invalid_type":
			code = CodeFieldType
		}
		out = append(out, model.Violation{Code: code, StepIndex: index, Field: field, Message: e.Description()})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func (v *Validator) checkQuotas(steps []model.PlanStep) []model.Violation {
	var out []model.Violation
	if len(steps) > v.Policy.MaxSteps() {
		out = append(out, model.Violation{
			Code:    CodeQuotaExceeded,
			Message: fmt.Sprintf("plan has %d steps, limit is %d", len(steps), v.Policy.MaxSteps()),
		})
	}
	counts := map[string]int{}
	for _, step := range steps {
		op, ok := v.Policy.Operation(step.OperationType)
		if !ok {
			continue
		}
		counts[op.Name]++
		if op.MaxCount > 0 && counts[op.Name] == op.MaxCount+1 {
			out = append(out, model.Violation{
				Code:      CodeQuotaExceeded,
				StepIndex: step.Index,
				Field:     op.Name,
				Message:   fmt.Sprintf("more than %d %s steps", op.MaxCount, op.Name),
			})
		}
	}
	return out
}

func (v *Validator) checkReferences(steps []model.PlanStep) []model.Violation {
	var out []model.Violation
	for _, step := range steps {
		refs := model.CollectReferences(map[string]any{"parameters": step.Parameters, "record": step.Record})
		for _, n := range refs {
			switch {
			case n < 1 || n > len(steps):
				out = append(out, model.Violation{Code: CodeInvalidReference, StepIndex: step.Index, Message: fmt.Sprintf("reference to step %d does not exist", n)})
			case n >= step.Index:
				out = append(out, model.Violation{Code: CodeForwardReference, StepIndex: step.Index, Message: fmt.Sprintf("reference to step %d is not earlier than step %d", n, step.Index)})
			default:
				target := steps[n-1]
				if op, ok := v.Policy.Operation(target.OperationType); ok && !op.CreatesEntity {
					out = append(out, model.Violation{Code: CodeReferenceNotCreating, StepIndex: step.Index, Message: fmt.Sprintf("step %d (%s) creates no entity", n, op.Name)})
				}
			}
		}
	}
	return out
}
