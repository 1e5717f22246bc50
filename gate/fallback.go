package gate

import (
	"context"
	"errors"
	"fmt"

	"trading_gate/audit"
	"trading_gate/config"
	"trading_gate/exchange"
	"trading_gate/logs"
	"trading_gate/risk"
)

// fallbackRequest is the audited description of a fallback run.
type fallbackRequest struct {
	Action config.FallbackAction `json:"action"`
	Steps  []string              `json:"steps"`
}

// RunFallback executes the dead-man fallback under the writer lock. The
// plan is audited before any step reaches the venue; steps that fail are
// logged and the rest still run.
func (g *Gate) RunFallback(ctx context.Context, action config.FallbackAction) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	actions := risk.PlanFallback(action, g.ledger.OpenOrders(), g.ledger.Lots())
	req := fallbackRequest{Action: action, Steps: make([]string, 0, len(actions))}
	for _, a := range actions {
		req.Steps = append(req.Steps, a.Description())
	}
	entry := audit.Entry{
		RequestType: RequestDeadManFallback,
		Request:     req,
		Decision:    audit.DecisionFallback,
		Reason:      fmt.Sprintf("agent silent past dead-man timeout; %d steps", len(actions)),
	}
	if err := g.record(entry); err != nil {
		return fmt.Errorf("failed to audit fallback: %w", err)
	}
	g.metrics.Fallback(ctx, string(action))

	var errs []error
	for _, a := range actions {
		logs.Warnf("[DeadMan] Executing: %s", a.Description())
		switch act := a.(type) {
		case *risk.CancelOrderAction:
			if _, _, err := g.cancelLocked(ctx, act.OrderID); err != nil {
				errs = append(errs, fmt.Errorf("cancel %s: %w", act.OrderID, err))
			}
		case *risk.ClosePositionAction:
			if err := g.closeLot(ctx, act, "deadman"); err != nil {
				errs = append(errs, fmt.Errorf("close lot %s: %w", act.LotOrderID, err))
			}
		case *risk.BlockEntriesAction:
			logs.Warnf("[DeadMan] New orders are locked out until the agent reconnects")
		default:
			logs.Warnf("[DeadMan] Unknown fallback step type: %T", act)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	logs.Infof("[DeadMan] Fallback %s completed (%d steps)", action, len(actions))
	return nil
}

// closeLot sends a market order against one open lot. origin tags the
// order's thesis reference with what closed it.
func (g *Gate) closeLot(ctx context.Context, act *risk.ClosePositionAction, origin string) error {
	order := exchange.Order{
		ID:           g.newID(),
		Strategy:     act.Strategy,
		Symbol:       act.Symbol,
		Side:         act.Side,
		Size:         act.Size,
		OrderType:    exchange.Market,
		PlannedEntry: g.market.Get(act.Symbol).Price,
		PlacedAt:     g.now(),
		Status:       exchange.StatusOpen,
		ThesisRef:    origin + ":" + act.LotOrderID,
		IsEntry:      false,
	}
	if err := g.ledger.RecordOrder(ctx, order); err != nil {
		return err
	}
	return g.place(ctx, order)
}
