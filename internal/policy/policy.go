package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultDocument []byte

type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
)

// Destructive and administrative operation types are denied regardless of
// what a policy document lists.
var builtinDenied = []string{
	"drop_table",
	"truncate_table",
	"execute_script",
	"run_background_script",
	"grant_role",
	"elevate_role",
	"impersonate_user",
	"activate_plugin",
	"change_update_set",
	"commit_update_set",
	"modify_acl",
	"create_acl",
}

type Document struct {
	MaxSteps         int                      `yaml:"max_steps"`
	DeniedOperations []string                 `yaml:"denied_operations"`
	Operations       map[string]OperationSpec `yaml:"operations"`
}

type OperationSpec struct {
	Action        string         `yaml:"action"`
	Table         string         `yaml:"table"`
	MaxCount      int            `yaml:"max_count"`
	CreatesEntity *bool          `yaml:"creates_entity"`
	Schema        map[string]any `yaml:"schema"`
}

type Operation struct {
	Name          string
	Action        Action
	Table         string
	MaxCount      int
	CreatesEntity bool
	schema        *gojsonschema.Schema
}

// Policy is the immutable guardrail set. Build it with Load, Parse or
// Default and share it freely.
type Policy struct {
	maxSteps   int
	denied     map[string]struct{}
	operations map[string]Operation
}

// NormalizeOperation lower-cases an operation type and folds spaces and
// hyphens into underscores.
func NormalizeOperation(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	for strings.Contains(name, "__") {
		name = strings.ReplaceAll(name, "__", "_")
	}
	return name
}

func Default() *Policy {
	p, err := Parse(defaultDocument)
	if err != nil {
		panic(fmt.Sprintf("builtin policy: %v", err))
	}
	return p
}

// Load reads a YAML policy document; an empty path yields the built-in
// catalogue.
func Load(path string) (*Policy, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Policy, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("policy: %w", err)
	}
	return New(doc)
}

func New(doc Document) (*Policy, error) {
	if doc.MaxSteps <= 0 {
		return nil, errors.New("policy.max_steps required")
	}
	if len(doc.Operations) == 0 {
		return nil, errors.New("policy.operations required")
	}
	p := &Policy{
		maxSteps:   doc.MaxSteps,
		denied:     map[string]struct{}{},
		operations: map[string]Operation{},
	}
	for _, name := range builtinDenied {
		p.denied[name] = struct{}{}
	}
	for _, name := range doc.DeniedOperations {
		p.denied[NormalizeOperation(name)] = struct{}{}
	}
	for rawName, spec := range doc.Operations {
		name := NormalizeOperation(rawName)
		if p.IsDenied(name) {
			return nil, fmt.Errorf("policy: operation %q is denied and cannot be allowed", name)
		}
		op, err := compileOperation(name, spec)
		if err != nil {
			return nil, err
		}
		p.operations[name] = op
	}
	return p, nil
}

func compileOperation(name string, spec OperationSpec) (Operation, error) {
	action := Action(strings.ToLower(strings.TrimSpace(spec.Action)))
	if action != ActionCreate && action != ActionUpdate {
		return Operation{}, fmt.Errorf("policy: operation %q has invalid action %q", name, spec.Action)
	}
	if strings.TrimSpace(spec.Table) == "" {
		return Operation{}, fmt.Errorf("policy: operation %q table required", name)
	}
	op := Operation{
		Name:          name,
		Action:        action,
		Table:         strings.TrimSpace(spec.Table),
		MaxCount:      spec.MaxCount,
		CreatesEntity: action == ActionCreate,
	}
	if spec.CreatesEntity != nil {
		op.CreatesEntity = *spec.CreatesEntity
	}
	if spec.Schema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.Schema))
		if err != nil {
			return Operation{}, fmt.Errorf("policy: operation %q schema: %w", name, err)
		}
		op.schema = schema
	}
	return op, nil
}

// IsDenied reports whether an operation type is rejected unconditionally.
func (p *Policy) IsDenied(name string) bool {
	name = NormalizeOperation(name)
	if strings.HasPrefix(name, "delete") {
		return true
	}
	_, ok := p.denied[name]
	return ok
}

func (p *Policy) Operation(name string) (Operation, bool) {
	op, ok := p.operations[NormalizeOperation(name)]
	return op, ok
}

func (p *Policy) MaxSteps() int {
	return p.maxSteps
}

// OperationNames lists the allowed operation types in sorted order.
func (p *Policy) OperationNames() []string {
	out := make([]string, 0, len(p.operations))
	for name := range p.operations {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
