package rules

import (
	"fmt"

	"trading_gate/utils"
)

var operators = map[Operator]func(lhs, rhs float64) bool{
	OpEq:  func(l, r float64) bool { return utils.FloatEquals(l, r) },
	OpNeq: func(l, r float64) bool { return !utils.FloatEquals(l, r) },
	OpGt:  func(l, r float64) bool { return l > r },
	OpGte: func(l, r float64) bool { return l >= r },
	OpLt:  func(l, r float64) bool { return l < r },
	OpLte: func(l, r float64) bool { return l <= r },
}

// Evaluate reports whether every condition of rule holds. All conditions
// are resolved even after one is false, so a rule with an unknown field
// always errors rather than hiding behind an earlier false condition.
func Evaluate(rule Rule, resolver FieldResolver) (bool, error) {
	fired := true
	for i, c := range rule.Conditions {
		lhs, err := resolver.Resolve(c.Field)
		if err != nil {
			return false, fmt.Errorf("rule %s conditions[%d]: %w", rule.ID, i, err)
		}
		cmp, ok := operators[c.Operator]
		if !ok {
			return false, fmt.Errorf("rule %s conditions[%d]: unknown operator %q", rule.ID, i, c.Operator)
		}
		if !cmp(lhs, c.Value) {
			fired = false
		}
	}
	return fired, nil
}
