package risk

import (
	"math"
)

// Check sources.
const (
	SourceSafety   = "safety.yaml"
	SourceStrategy = "strategy"
	SourceRule     = "rule-dsl"
	SourceGate     = "gate"
)

// CheckResult is one executed check. The ordered list of them is what gets
// audited and returned to the agent.
type CheckResult struct {
	Name   string  `json:"check_name"`
	Passed bool    `json:"passed"`
	Value  float64 `json:"value"`
	Limit  float64 `json:"limit"`
	Source string  `json:"source"`
}

// AllPassed reports whether every check passed. An empty vector passes.
func AllPassed(checks []CheckResult) bool {
	for _, c := range checks {
		if !c.Passed {
			return false
		}
	}
	return true
}

// atMost passes when value <= limit.
func atMost(name string, value, limit float64, source string) CheckResult {
	return numeric(name, value, limit, source, value <= limit)
}

// atLeast passes when value >= limit.
func atLeast(name string, value, limit float64, source string) CheckResult {
	return numeric(name, value, limit, source, value >= limit)
}

// numeric builds a check from a computed comparison. Non-finite values can
// neither be encoded nor trusted, so they fail and are clamped.
func numeric(name string, value, limit float64, source string, passed bool) CheckResult {
	if !finite(value) {
		value, passed = math.MaxFloat64, false
	}
	if !finite(limit) {
		limit, passed = 0, false
	}
	return CheckResult{Name: name, Passed: passed, Value: value, Limit: limit, Source: source}
}

// flag is a boolean check: value 1 when satisfied, 0 when not, limit 1.
func flag(name string, ok bool, source string) CheckResult {
	v := 0.0
	if ok {
		v = 1
	}
	return CheckResult{Name: name, Passed: ok, Value: v, Limit: 1, Source: source}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Failed builds a failed gate-sourced check, used for outcomes decided
// outside the pipeline such as an exchange failure.
func Failed(name string) CheckResult {
	return CheckResult{Name: name, Passed: false, Value: 1, Limit: 0, Source: SourceGate}
}
