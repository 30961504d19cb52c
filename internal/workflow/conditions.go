package workflow

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Condition is one {variable, operator, value} clause. Variable and
// Value both go through placeholder resolution before comparison.
type Condition struct {
	Variable string `json:"variable"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpIsEmpty     = "is_empty"
	OpIsNotEmpty  = "is_not_empty"
)

// parseConditions reads the OR-of-AND-groups structure out of a
// condition node's data blob.
func parseConditions(data map[string]any) ([][]Condition, error) {
	raw, ok := data["conditions"]
	if !ok {
		return nil, fmt.Errorf("condition node has no conditions")
	}
	// Round-trip through JSON: the data blob arrives as generic decoded
	// values, the round trip gives us typed clauses.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var groups [][]Condition
	if err := json.Unmarshal(b, &groups); err != nil {
		return nil, fmt.Errorf("malformed conditions: %w", err)
	}
	return groups, nil
}

// evalGroups evaluates OR over groups, AND within a group. Both levels
// short-circuit: a group stops on its first failing clause, the scan
// stops on the first satisfied group.
func evalGroups(groups [][]Condition, ec *ExecContext) bool {
	for _, group := range groups {
		if len(group) == 0 {
			continue
		}
		satisfied := true
		for _, c := range group {
			if !evalCondition(c, ec) {
				satisfied = false
				break
			}
		}
		if satisfied {
			return true
		}
	}
	return false
}

func evalCondition(c Condition, ec *ExecContext) bool {
	left := strings.TrimSpace(ec.Resolve(c.Variable))
	right := strings.TrimSpace(ec.Resolve(c.Value))

	switch c.Operator {
	case OpEquals:
		return strings.EqualFold(left, right)
	case OpNotEquals:
		return !strings.EqualFold(left, right)
	case OpContains:
		return strings.Contains(strings.ToLower(left), strings.ToLower(right))
	case OpNotContains:
		return !strings.Contains(strings.ToLower(left), strings.ToLower(right))
	case OpGreaterThan:
		l, r, ok := asNumbers(left, right)
		return ok && l > r
	case OpLessThan:
		l, r, ok := asNumbers(left, right)
		return ok && l < r
	case OpIsEmpty:
		return left == ""
	case OpIsNotEmpty:
		return left != ""
	default:
		// Unknown operator: fail the clause, not the execution.
		return false
	}
}

func asNumbers(left, right string) (float64, float64, bool) {
	l, err := strconv.ParseFloat(left, 64)
	if err != nil {
		return 0, 0, false
	}
	r, err := strconv.ParseFloat(right, 64)
	if err != nil {
		return 0, 0, false
	}
	return l, r, true
}
