package risk

import (
	"trading_gate/exchange"
	"trading_gate/utils"
)

// StopDistance is the signed distance from entry to stop, positive while
// the stop sits on the losing side of entry. A stop trailed past entry
// yields a negative distance.
func StopDistance(side exchange.Side, entry, stop float64) float64 {
	if side == exchange.Sell {
		return stop - entry
	}
	return entry - stop
}

// StopHit reports whether price has traded through the stop of a lot
// opened on side. A missing stop or price never triggers.
func StopHit(side exchange.Side, stop, price float64) bool {
	if !utils.IsPositiveFinite(stop) || !utils.IsPositiveFinite(price) {
		return false
	}
	if side == exchange.Sell {
		return price >= stop
	}
	return price <= stop
}

// StopChecks validates a stop move on an open lot: the order and its lot
// must exist, and the new stop must be strictly tighter than the current
// one. There is no way to loosen a stop.
func StopChecks(orderExists bool, lot *LotView, newStop float64) []CheckResult {
	checks := []CheckResult{
		flag("order_exists", orderExists, SourceGate),
		flag("position_open", lot != nil, SourceGate),
	}
	if lot == nil || !utils.IsPositiveFinite(newStop) {
		return append(checks, CheckResult{Name: "stop_tightening", Passed: false, Value: 1, Limit: 0, Source: SourceGate})
	}
	value := StopDistance(lot.Side, lot.EntryPrice, newStop)
	limit := StopDistance(lot.Side, lot.EntryPrice, lot.StopPrice)
	passed := IsTighterStop(lot.Side, lot.StopPrice, newStop)
	return append(checks, numeric("stop_tightening", value, limit, SourceGate, passed))
}

// LotView is the part of an open lot a stop move is judged against.
type LotView struct {
	Side       exchange.Side
	EntryPrice float64
	StopPrice  float64
}

// IsTighterStop reports whether proposed reduces risk relative to current:
// higher for a long, lower for a short. A lot without a stop accepts any
// positive stop.
func IsTighterStop(side exchange.Side, current, proposed float64) bool {
	if !utils.IsPositiveFinite(proposed) {
		return false
	}
	if current <= 0 {
		return true
	}
	switch side {
	case exchange.Buy:
		return proposed > current && !utils.FloatEquals(proposed, current)
	case exchange.Sell:
		return proposed < current && !utils.FloatEquals(proposed, current)
	}
	return false
}
