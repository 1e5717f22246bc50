package proposal

import (
	"fmt"
	"regexp"
	"strconv"

	"trading_gate/rules"
)

// Direction says which way a parameter has to move to reduce risk.
type Direction int

const (
	Neutral Direction = iota
	DownTightens
	UpTightens
)

func (d Direction) String() string {
	switch d {
	case DownTightens:
		return "down-is-tighter"
	case UpTightens:
		return "up-is-tighter"
	}
	return "neutral"
}

// Tightens reports whether moving from old to new reduces risk.
func (d Direction) Tightens(old, new float64) bool {
	switch d {
	case DownTightens:
		return new < old
	case UpTightens:
		return new > old
	}
	return false
}

// strategyDirections is the fixed direction table for strategy parameters.
var strategyDirections = map[string]Direction{
	"risk_per_trade_pct": DownTightens,
	"max_position_pct":   DownTightens,
	"capital_allocation": DownTightens,
	"max_trades_per_day": DownTightens,
	"max_spread_pct":     DownTightens,
	"stop_atr_multiple":  DownTightens,
	"take_profit_rr":     DownTightens,
	"min_confidence":     UpTightens,
	"min_volume_ratio":   UpTightens,
	"cooldown_minutes":   UpTightens,
	"entry_zscore":       UpTightens,
}

// StrategyDirection looks up a strategy parameter in the direction table.
// Parameters outside the table are Neutral and never auto-apply.
func StrategyDirection(name string) Direction {
	return strategyDirections[name]
}

var conditionParam = regexp.MustCompile(`^conditions\[(\d+)\]\.value$`)

// RuleDirection derives the direction of a rule parameter. For a condition
// threshold it follows from the operator: lowering a gt/gte threshold makes
// a restricting rule fire more often, raising an lt/lte threshold does the
// same. Thresholds of warn rules and eq/neq comparisons are Neutral.
func RuleDirection(rule rules.Rule, param string) (Direction, error) {
	if param == "reduce_to" {
		if rule.Action != rules.ActionReduceSize {
			return Neutral, fmt.Errorf("rule %s has no reduce_to", rule.ID)
		}
		return DownTightens, nil
	}
	m := conditionParam.FindStringSubmatch(param)
	if m == nil {
		return Neutral, fmt.Errorf("rule parameter %q is not modifiable", param)
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil || idx >= len(rule.Conditions) {
		return Neutral, fmt.Errorf("rule %s has no condition %s", rule.ID, m[1])
	}
	if !rule.Action.Restricts() {
		return Neutral, nil
	}
	switch rule.Conditions[idx].Operator {
	case rules.OpGt, rules.OpGte:
		return DownTightens, nil
	case rules.OpLt, rules.OpLte:
		return UpTightens, nil
	}
	return Neutral, nil
}

// conditionIndex returns i for "conditions[i].value", or -1.
func conditionIndex(param string) int {
	m := conditionParam.FindStringSubmatch(param)
	if m == nil {
		return -1
	}
	idx, err := strconv.Atoi(m[1])
	if err != nil {
		return -1
	}
	return idx
}
