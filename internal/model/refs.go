package model

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

var stepRefPattern = regexp.MustCompile(`\$\{step(\d+)(?:\.result)?\.sys_id\}|\$step(\d+)(?:\.result)?\.sys_id`)

// StepReferences returns the 1-based step indexes referenced in s, in order
// of appearance.
func StepReferences(s string) []int {
	var out []int
	for _, m := range stepRefPattern.FindAllStringSubmatch(s, -1) {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// CollectReferences walks a parameter value and returns every referenced
// step index, sorted and de-duplicated.
func CollectReferences(value any) []int {
	seen := map[int]struct{}{}
	walkStrings(value, func(s string) {
		for _, n := range StepReferences(s) {
			seen[n] = struct{}{}
		}
	})
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func walkStrings(value any, fn func(string)) {
	switch v := value.(type) {
	case string:
		fn(v)
	case map[string]any:
		for _, item := range v {
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range v {
			walkStrings(item, fn)
		}
	}
}

// ResolveString substitutes step references with the remote references of
// completed steps.
func ResolveString(s string, refs map[int]string) (string, error) {
	var missing error
	out := stepRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		idx := StepReferences(match)
		if len(idx) != 1 {
			return match
		}
		ref, ok := refs[idx[0]]
		if !ok || ref == "" {
			if missing == nil {
				missing = fmt.Errorf("step %d has no remote reference", idx[0])
			}
			return match
		}
		return ref
	})
	return out, missing
}

// ResolveValue returns a copy of value with every step reference resolved.
func ResolveValue(value any, refs map[int]string) (any, error) {
	switch v := value.(type) {
	case string:
		return ResolveString(v, refs)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			resolved, err := ResolveValue(item, refs)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			resolved, err := ResolveValue(item, refs)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}
