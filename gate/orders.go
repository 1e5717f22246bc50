package gate

import (
	"context"
	"errors"
	"time"

	"trading_gate/audit"
	"trading_gate/exchange"
	"trading_gate/ipc"
	"trading_gate/logs"
	"trading_gate/risk"
	"trading_gate/utils"
)

// liveState captures the ledger and market view for one validation. Resting
// orders count as if filled: their entry notional is exposure and reserved
// cash, and the lots they will close are no longer available to close. The
// caller holds g.mu.
func (g *Gate) liveState(in risk.OrderIntent, now time.Time) risk.LiveState {
	pf := g.ledger.Portfolio()
	committed := g.ledger.Commitments(in.Strategy, in.Symbol)
	pf.TotalExposure += committed.Total
	pf.AvailableCash -= committed.Total
	return risk.LiveState{
		Portfolio:        pf,
		SymbolExposure:   g.ledger.SymbolExposure(in.Symbol) + committed.Symbol,
		StrategyExposure: g.ledger.StrategyExposure(in.Strategy) + committed.Strategy,
		OpposingSize:     g.ledger.OpposingSize(in.Strategy, in.Symbol, in.Side),
		Market:           g.market.Get(in.Symbol),
		Now:              now,
		DeadManLocked:    g.deadman.LockedOut(),
	}
}

func (g *Gate) submitOrder(ctx context.Context, r ipc.SubmitOrder) ipc.Response {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := g.policy.Current()
	intent := r.Intent()
	now := g.now()
	live := g.liveState(intent, now)

	start := time.Now()
	ev := g.checker.Validate(snap, intent, live)
	g.metrics.ValidationLatency(ctx, time.Since(start))
	for _, f := range ev.Faults {
		g.metrics.RuleFault(ctx, f.RuleID)
	}

	entry := audit.Entry{RequestType: r.RequestType(), Request: r, Checks: ev.Checks, Decision: audit.DecisionRejected}
	if !ev.Passed() {
		if err := g.record(entry); err != nil {
			return ipc.NewError("audit log unavailable: %v", err)
		}
		return ipc.NewRejected(ev.Checks)
	}

	plannedEntry := intent.PlannedEntry
	if !utils.IsPositiveFinite(plannedEntry) {
		plannedEntry = live.Market.Price
	}
	order := exchange.Order{
		ID:             g.newID(),
		Strategy:       intent.Strategy,
		Symbol:         intent.Symbol,
		Side:           intent.Side,
		Size:           ev.EffectiveSize,
		OrderType:      intent.OrderType,
		RequestedPrice: intent.LimitPrice(),
		StopPrice:      intent.Stop(),
		PlannedEntry:   plannedEntry,
		PlacedAt:       now,
		Status:         exchange.StatusOpen,
		ThesisRef:      intent.ThesisRef,
		IsEntry:        !ev.IsExit,
	}

	// The decision is on disk before the venue sees anything.
	entry.Decision = audit.DecisionAccepted
	entry.ResultingOrderID = order.ID
	if err := g.record(entry); err != nil {
		return ipc.NewError("audit log unavailable: %v", err)
	}

	if err := g.ledger.RecordOrder(ctx, order); err != nil {
		logs.Errorf("[Gate] Failed to record order %s, not placing it: %v", order.ID, err)
		return ipc.NewError("order %s could not be recorded: %v", order.ID, err)
	}

	if err := g.place(ctx, order); err != nil {
		checks := append(append([]risk.CheckResult(nil), ev.Checks...), risk.Failed("exchange_execution"))
		g.recordOutcome(order, checks, err)
		return ipc.NewRejected(checks)
	}
	return ipc.NewAccepted(order.ID, ev.Checks)
}

// exchangeOutcome is the audited venue result for an order whose accepted
// record was written before the venue answered.
type exchangeOutcome struct {
	OrderID string `json:"order_id"`
	Venue   string `json:"venue"`
	Error   string `json:"error"`
}

// recordOutcome closes the audit trail of an accepted order the venue
// refused: a rejected record linked by order id carrying the final check
// vector. The caller holds g.mu.
func (g *Gate) recordOutcome(order exchange.Order, checks []risk.CheckResult, cause error) {
	entry := audit.Entry{
		RequestType:      RequestExchangeOutcome,
		Request:          exchangeOutcome{OrderID: order.ID, Venue: g.exchange.Name(), Error: cause.Error()},
		Checks:           checks,
		Decision:         audit.DecisionRejected,
		ResultingOrderID: order.ID,
		Reason:           "exchange_execution failed: " + cause.Error(),
	}
	if err := g.record(entry); err != nil {
		logs.Errorf("[Gate] Failed to audit venue rejection of %s: %v", order.ID, err)
	}
}

// place sends a recorded order to the venue and books an immediate fill.
// A failure or timeout marks the order failed; nothing is retried. The
// caller holds g.mu.
func (g *Gate) place(ctx context.Context, order exchange.Order) error {
	exec, err := exchange.PlaceWithTimeout(ctx, g.exchange, order, g.opts.ExchangeTimeout)
	if err != nil {
		logs.Errorf("[Gate] Exchange rejected order %s (%s %s %.8f): %v", order.ID, order.Side, order.Symbol, order.Size, err)
		g.metrics.ExchangeFailure(ctx, g.exchange.Name())
		if _, serr := g.ledger.SetOrderStatus(context.Background(), order.ID, exchange.StatusFailed); serr != nil {
			logs.Errorf("[Gate] Failed to mark order %s failed: %v", order.ID, serr)
		}
		return err
	}

	if exec.ExchangeOrderID != "" {
		order.ExchangeOrderID = exec.ExchangeOrderID
		if err := g.ledger.RecordOrder(ctx, order); err != nil {
			logs.Errorf("[Gate] Failed to store venue id for order %s: %v", order.ID, err)
		}
	}
	if exec.Filled {
		if _, _, err := g.ledger.ApplyExecution(ctx, order.ID, exec); err != nil {
			// The venue filled it; reconcile will retry the booking.
			logs.Errorf("[Gate] Failed to book fill for order %s: %v", order.ID, err)
		}
	}
	logs.Infof("[Gate] Order %s placed at %s: %s %s %.8f (filled=%v)", order.ID, g.exchange.Name(), order.Side, order.Symbol, order.Size, exec.Filled)
	return nil
}

// cancelOrder is idempotent: repeated cancels of a finished order return
// the same outcome.
func (g *Gate) cancelOrder(ctx context.Context, r ipc.CancelOrder) ipc.Response {
	g.mu.Lock()
	defer g.mu.Unlock()

	outcome, status, err := g.cancelLocked(ctx, r.OrderID)
	if err != nil {
		return g.fail(r.RequestType(), r, err.Error())
	}
	entry := audit.Entry{
		RequestType:      r.RequestType(),
		Request:          r,
		Decision:         audit.DecisionAcknowledged,
		ResultingOrderID: r.OrderID,
		Reason:           outcome,
	}
	if err := g.record(entry); err != nil {
		return ipc.NewError("audit log unavailable: %v", err)
	}
	return ipc.NewCancelAcknowledged(r.OrderID, outcome, status)
}

func (g *Gate) cancelLocked(ctx context.Context, id string) (string, exchange.OrderStatus, error) {
	o, ok := g.ledger.Order(id)
	if !ok {
		return ipc.OutcomeNotFound, "", nil
	}
	if o.Status.Terminal() {
		if o.Status == exchange.StatusFilled {
			return ipc.OutcomeAlreadyFilled, o.Status, nil
		}
		return ipc.OutcomeAlreadyCancelled, o.Status, nil
	}

	cctx, cancel := context.WithTimeout(ctx, g.opts.ExchangeTimeout)
	err := g.exchange.Cancel(cctx, o)
	cancel()
	if err != nil && !errors.Is(err, exchange.ErrOrderNotFound) {
		logs.Errorf("[Gate] Cancel of %s failed at %s: %v", id, g.exchange.Name(), err)
		return "", "", errors.New("exchange cancel failed: " + err.Error())
	}
	if err != nil {
		// The venue no longer holds it; a fill may have raced the cancel.
		g.reconcileFillsLocked(ctx)
		if cur, ok := g.ledger.Order(id); ok && cur.Status == exchange.StatusFilled {
			return ipc.OutcomeAlreadyFilled, cur.Status, nil
		}
	}
	updated, err := g.ledger.SetOrderStatus(ctx, id, exchange.StatusCancelled)
	if err != nil {
		return "", "", err
	}
	logs.Infof("[Gate] Order %s cancelled", id)
	return ipc.OutcomeCancelled, updated.Status, nil
}

// tightenStop moves a lot's stop closer to the market. It never moves one
// away.
func (g *Gate) tightenStop(ctx context.Context, r ipc.TightenStop) ipc.Response {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, orderExists := g.ledger.Order(r.OrderID)
	var view *risk.LotView
	if lot, ok := g.ledger.Lot(r.OrderID); ok {
		view = &risk.LotView{Side: lot.Side, EntryPrice: lot.EntryPrice, StopPrice: lot.StopPrice}
	}
	checks := risk.StopChecks(orderExists, view, r.NewStop)

	entry := audit.Entry{RequestType: r.RequestType(), Request: r, Checks: checks, Decision: audit.DecisionRejected}
	if !risk.AllPassed(checks) {
		if err := g.record(entry); err != nil {
			return ipc.NewError("audit log unavailable: %v", err)
		}
		return ipc.NewRejected(checks)
	}

	entry.Decision = audit.DecisionAccepted
	entry.ResultingOrderID = r.OrderID
	if err := g.record(entry); err != nil {
		return ipc.NewError("audit log unavailable: %v", err)
	}
	if err := g.ledger.SetStop(ctx, r.OrderID, r.NewStop); err != nil {
		logs.Errorf("[Gate] Failed to store tightened stop for %s: %v", r.OrderID, err)
		return ipc.NewError("stop could not be stored: %v", err)
	}
	logs.Infof("[Gate] Stop for %s tightened from %.2f to %.2f", r.OrderID, view.StopPrice, r.NewStop)
	return ipc.NewAccepted(r.OrderID, checks)
}
