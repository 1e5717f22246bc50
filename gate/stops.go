package gate

import (
	"context"
	"fmt"
	"math"

	"trading_gate/audit"
	"trading_gate/exchange"
	"trading_gate/logs"
	"trading_gate/risk"
)

// stopRequest is the audited description of a triggered stop.
type stopRequest struct {
	LotOrderID string        `json:"lot_order_id"`
	Symbol     string        `json:"symbol"`
	Side       exchange.Side `json:"side"`
	StopPrice  float64       `json:"stop_price"`
	Mark       float64       `json:"mark"`
	Size       float64       `json:"size"`
}

// enforceStopsLocked closes at market every lot whose symbol has traded
// through its stop. Stops are held by the gate rather than resting at the
// venue, so a TightenStop takes effect on the next pass. A lot whose size
// is already claimed by a working exit is left alone. The caller holds g.mu.
func (g *Gate) enforceStopsLocked(ctx context.Context) {
	for _, lot := range g.ledger.Lots() {
		st := g.market.Get(lot.Symbol)
		if st.AsOf.IsZero() || !risk.StopHit(lot.Side, lot.StopPrice, st.Price) {
			continue
		}
		closeSide := lot.Side.Opposite()
		size := math.Min(lot.Size, g.ledger.OpposingSize(lot.Strategy, lot.Symbol, closeSide))
		if size <= 1e-12 {
			continue
		}

		req := stopRequest{LotOrderID: lot.OrderID, Symbol: lot.Symbol, Side: lot.Side, StopPrice: lot.StopPrice, Mark: st.Price, Size: size}
		entry := audit.Entry{
			RequestType:      RequestStopTriggered,
			Request:          req,
			Decision:         audit.DecisionStopTriggered,
			ResultingOrderID: lot.OrderID,
			Reason:           fmt.Sprintf("%s traded at %.2f through stop %.2f", lot.Symbol, st.Price, lot.StopPrice),
		}
		if err := g.record(entry); err != nil {
			logs.Errorf("[Stops] Failed to audit stop on lot %s, not closing it: %v", lot.OrderID, err)
			return
		}
		logs.Warnf("[Stops] %s", entry.Reason)
		act := &risk.ClosePositionAction{LotOrderID: lot.OrderID, Strategy: lot.Strategy, Symbol: lot.Symbol, Side: closeSide, Size: size}
		if err := g.closeLot(ctx, act, "stop"); err != nil {
			logs.Errorf("[Stops] Failed to close lot %s: %v", lot.OrderID, err)
		}
	}
}
