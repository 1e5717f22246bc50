package rules

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a status change the lifecycle does not allow.
var ErrInvalidTransition = errors.New("invalid rule status transition")

// transitions is the rule lifecycle:
//
//	proposed -> active -> validated -> graduated
//	            active -> inconclusive (extend window) -> active | retired
//	            active -> degrading -> suspended -> retired
//	active/validated/graduated -> retired
var transitions = map[Status][]Status{
	StatusProposed:     {StatusActive, StatusRetired},
	StatusActive:       {StatusValidated, StatusInconclusive, StatusDegrading, StatusRetired},
	StatusInconclusive: {StatusActive, StatusRetired},
	StatusValidated:    {StatusGraduated, StatusRetired},
	StatusDegrading:    {StatusActive, StatusSuspended},
	StatusSuspended:    {StatusActive, StatusRetired},
	StatusGraduated:    {StatusRetired},
	StatusRetired:      nil,
}

// CanTransition reports whether from -> to is a lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns a copy of rule moved to status to.
func Transition(rule Rule, to Status) (Rule, error) {
	if !CanTransition(rule.Status, to) {
		return rule, fmt.Errorf("%w: %s -> %s for rule %s", ErrInvalidTransition, rule.Status, to, rule.ID)
	}
	out := rule.Clone()
	out.Status = to
	return out, nil
}

// SuspendPath returns the statuses a suspend request walks through from
// the rule's current status, e.g. active -> degrading -> suspended.
func SuspendPath(from Status) ([]Status, error) {
	switch from {
	case StatusActive:
		return []Status{StatusDegrading, StatusSuspended}, nil
	case StatusDegrading:
		return []Status{StatusSuspended}, nil
	}
	return nil, fmt.Errorf("%w: cannot suspend a rule in status %s", ErrInvalidTransition, from)
}
