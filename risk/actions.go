// risk/actions.go
package risk

import (
	"fmt"

	"trading_gate/config"
	"trading_gate/exchange"
	"trading_gate/state"
)

// Action is one step of a dead-man fallback. The gate executes them in order.
type Action interface {
	Description() string
}

// === Specific Action Implementations ===

// CancelOrderAction cancels a resting order at the venue.
type CancelOrderAction struct {
	OrderID  string
	Symbol   string
	Strategy string
}

func (a *CancelOrderAction) Description() string {
	return fmt.Sprintf("Cancel resting order %s (%s, %s)", a.OrderID, a.Symbol, a.Strategy)
}

// ClosePositionAction closes an open lot at market.
type ClosePositionAction struct {
	LotOrderID string
	Strategy   string
	Symbol     string
	Side       exchange.Side // side of the closing order
	Size       float64
}

func (a *ClosePositionAction) Description() string {
	return fmt.Sprintf("Close lot %s: %s %.8f %s at market", a.LotOrderID, a.Side, a.Size, a.Symbol)
}

// BlockEntriesAction stops new entries until the agent reconnects.
type BlockEntriesAction struct{}

func (a *BlockEntriesAction) Description() string {
	return "Block new entries until the agent reconnects"
}

// PlanFallback turns the configured fallback into concrete actions against
// the current orders and lots.
//
// liquidate_all cancels every resting order and closes every open lot.
// close_new_only cancels resting entry orders and blocks new entries; exits
// and their stops stay in place.
func PlanFallback(kind config.FallbackAction, open []exchange.Order, lots []state.Lot) []Action {
	var actions []Action
	for _, o := range open {
		if kind == config.LiquidateAll || o.IsEntry {
			actions = append(actions, &CancelOrderAction{OrderID: o.ID, Symbol: o.Symbol, Strategy: o.Strategy})
		}
	}
	switch kind {
	case config.LiquidateAll:
		for _, lot := range lots {
			actions = append(actions, &ClosePositionAction{
				LotOrderID: lot.OrderID,
				Strategy:   lot.Strategy,
				Symbol:     lot.Symbol,
				Side:       lot.Side.Opposite(),
				Size:       lot.Size,
			})
		}
	default:
		actions = append(actions, &BlockEntriesAction{})
	}
	return actions
}
