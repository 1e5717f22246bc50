// Package rules holds the rule data model, the whitelisted field resolver,
// the condition interpreter and the rule lifecycle state machine.
//
// Rules are data only. A rule is a flat AND-list of comparisons between a
// whitelisted field and a numeric constant; nothing in a rule file can
// express control flow or reach code.
package rules

import (
	"fmt"
	"strings"
)

// Status is a rule's lifecycle position.
type Status string

const (
	StatusProposed     Status = "proposed"
	StatusActive       Status = "active"
	StatusValidated    Status = "validated"
	StatusInconclusive Status = "inconclusive"
	StatusDegrading    Status = "degrading"
	StatusGraduated    Status = "graduated"
	StatusSuspended    Status = "suspended"
	StatusRetired      Status = "retired"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusProposed, StatusActive, StatusValidated, StatusInconclusive,
	StatusDegrading, StatusGraduated, StatusSuspended, StatusRetired,
}

// Enforced reports whether rules in this status are evaluated against orders.
func (s Status) Enforced() bool {
	return s == StatusActive || s == StatusValidated || s == StatusGraduated
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Action is what happens to an order when a rule fires.
type Action string

const (
	ActionReject     Action = "reject"
	ActionWarn       Action = "warn"
	ActionReduceSize Action = "reduce_size"
)

// Restricts reports whether the action constrains orders at all. Warn only logs.
func (a Action) Restricts() bool {
	return a == ActionReject || a == ActionReduceSize
}

// Operator is one of the six comparison operators.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
)

// Condition compares a whitelisted field to a constant.
type Condition struct {
	Field    string   `yaml:"field" json:"field"`
	Operator Operator `yaml:"operator" json:"operator"`
	Value    float64  `yaml:"value" json:"value"`
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %g", c.Field, c.Operator, c.Value)
}

// Hypothesis records what the rule is expected to improve and when it is
// due for review. The gate stores it; the evolution process reads it.
type Hypothesis struct {
	Metric       string  `yaml:"metric,omitempty" json:"metric,omitempty"`
	Baseline     float64 `yaml:"baseline,omitempty" json:"baseline,omitempty"`
	Sample       int     `yaml:"sample,omitempty" json:"sample,omitempty"`
	ReviewAfterN int     `yaml:"review_after_n,omitempty" json:"review_after_n,omitempty"`
}

// Rule is one dynamically loaded constraint.
type Rule struct {
	ID         string      `yaml:"id" json:"id"`
	Status     Status      `yaml:"status" json:"status"`
	Strategy   string      `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Conditions []Condition `yaml:"conditions" json:"conditions"`
	Action     Action      `yaml:"action" json:"action"`
	ReduceTo   float64     `yaml:"reduce_to,omitempty" json:"reduce_to,omitempty"`
	Message    string      `yaml:"message,omitempty" json:"message,omitempty"`
	Hypothesis Hypothesis  `yaml:"hypothesis,omitempty" json:"hypothesis,omitempty"`
	Version    int         `yaml:"version,omitempty" json:"version,omitempty"`
	Created    string      `yaml:"created,omitempty" json:"created,omitempty"`

	// Source is the file the rule was loaded from; not part of the document.
	Source string `yaml:"-" json:"-"`
}

// AppliesTo reports whether the rule's strategy filter admits strategy.
func (r Rule) AppliesTo(strategy string) bool {
	return r.Strategy == "" || strings.EqualFold(r.Strategy, strategy)
}

// Clone returns a copy that shares no slices with r.
func (r Rule) Clone() Rule {
	out := r
	out.Conditions = append([]Condition(nil), r.Conditions...)
	return out
}

// Validate checks the parts of a rule the schema cannot express. Field
// names are deliberately not checked here: an unknown field must surface at
// evaluation time, where it rejects the order instead of dropping the rule.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule id must not be empty")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("rule %s: unknown status %q", r.ID, r.Status)
	}
	switch r.Action {
	case ActionReject, ActionWarn:
	case ActionReduceSize:
		if r.ReduceTo <= 0 || r.ReduceTo >= 1 {
			return fmt.Errorf("rule %s: reduce_size requires reduce_to in (0, 1)", r.ID)
		}
	default:
		return fmt.Errorf("rule %s: unknown action %q", r.ID, r.Action)
	}
	for i, c := range r.Conditions {
		if _, ok := operators[c.Operator]; !ok {
			return fmt.Errorf("rule %s: conditions[%d] has unknown operator %q", r.ID, i, c.Operator)
		}
	}
	return nil
}

// UnknownFields returns the condition fields that are not in the whitelist.
// Loaders use it to flag a rule for operator attention; the rule stays
// loaded so that it keeps failing closed.
func (r Rule) UnknownFields() []string {
	var out []string
	for _, c := range r.Conditions {
		if !IsKnownField(c.Field) {
			out = append(out, c.Field)
		}
	}
	return out
}
