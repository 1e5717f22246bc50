// risk/manager.go
package risk

import (
	"time"

	"trading_gate/exchange"
	"trading_gate/market"
	"trading_gate/policy"
	"trading_gate/state"
)

// Checker defines the interface for the order validation pipeline.
// This lets the gate stay independent of how the check vector is built.
type Checker interface {
	// Validate runs every check in scope and never short-circuits.
	Validate(snap *policy.Snapshot, intent OrderIntent, live LiveState) Evaluation
}

// OrderIntent is a candidate order as submitted by the agent. None of its
// fields are trusted.
type OrderIntent struct {
	Strategy     string
	Symbol       string
	Side         exchange.Side
	Size         float64
	OrderType    exchange.OrderType
	Price        *float64
	StopPrice    *float64
	ThesisRef    string
	PlannedEntry float64
	PlannedStop  float64
}

// Stop is the protective stop the order carries: the explicit stop price
// when given, otherwise the planned stop.
func (o OrderIntent) Stop() float64 {
	if o.StopPrice != nil {
		return *o.StopPrice
	}
	return o.PlannedStop
}

// LimitPrice returns the limit price, or 0 when none was given.
func (o OrderIntent) LimitPrice() float64 {
	if o.Price == nil {
		return 0
	}
	return *o.Price
}

// LiveState is the ledger and market view the checks read. The caller
// captures it under the gate's writer lock so it cannot go stale mid-check.
type LiveState struct {
	Portfolio        state.PortfolioState
	SymbolExposure   float64
	StrategyExposure float64
	// OpposingSize is how much of the order would close existing lots.
	OpposingSize  float64
	Market        market.State
	Now           time.Time
	DeadManLocked bool
}

// RuleFault records a rule that could not be evaluated.
type RuleFault struct {
	RuleID string
	Err    error
}

// Evaluation is the outcome of one pipeline run.
type Evaluation struct {
	Checks        []CheckResult
	EffectiveSize float64
	IsExit        bool
	Faults        []RuleFault
	// Warnings holds the ids of warn rules that fired.
	Warnings []string
}

// Passed reports whether every check passed.
func (e Evaluation) Passed() bool {
	return AllPassed(e.Checks)
}

// Failed returns the names of failed checks in order.
func (e Evaluation) Failed() []string {
	var out []string
	for _, c := range e.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}
