package rules

import (
	"fmt"
	"strings"
)

// conditionsMet checks whether a rule's condition map holds against the
// evaluation context. Every entry must match. A plain value is shorthand for
// an equality check; a map form selects an operator:
//
//	conditions:
//	  department: IT                          # equality
//	  status: {op: ne, value: terminated}
//	  grade: {op: in, value: [senior, lead]}
//	  groups: {op: contains, value: admins}
//	  manager_email: {op: exists, value: true}
func conditionsMet(conditions map[string]any, context map[string]any) (bool, error) {
	for attr, cond := range conditions {
		actual, present := context[attr]

		m, isMap := cond.(map[string]any)
		if !isMap {
			if !present || !looseEqual(actual, cond) {
				return false, nil
			}
			continue
		}

		op, _ := m["op"].(string)
		want := m["value"]
		switch op {
		case "eq":
			if !present || !looseEqual(actual, want) {
				return false, nil
			}
		case "ne":
			if present && looseEqual(actual, want) {
				return false, nil
			}
		case "in":
			list, ok := toList(want)
			if !ok {
				return false, fmt.Errorf("condition %q: 'in' needs a list value", attr)
			}
			if !present || !listHas(list, actual) {
				return false, nil
			}
		case "contains":
			if !present || !valueContains(actual, want) {
				return false, nil
			}
		case "exists":
			wantPresent := true
			if b, ok := want.(bool); ok {
				wantPresent = b
			}
			if present != wantPresent {
				return false, nil
			}
		default:
			return false, fmt.Errorf("condition %q: unknown operator %q", attr, op)
		}
	}
	return true, nil
}

func toList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	default:
		return nil, false
	}
}

func listHas(list []any, v any) bool {
	for _, item := range list {
		if looseEqual(item, v) {
			return true
		}
	}
	return false
}

// valueContains handles both string containment and list membership,
// depending on the shape of the context value.
func valueContains(actual, want any) bool {
	if list, ok := toList(actual); ok {
		return listHas(list, want)
	}
	return strings.Contains(asString(actual), asString(want))
}
