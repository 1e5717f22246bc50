package gate

import (
	"context"
	"time"

	"trading_gate/logs"
)

// reconcileOverlap re-reads a little history each pass so executions
// stamped just before the previous cursor are not missed. Replays are
// harmless: the ledger ignores fills for orders that are no longer open.
const reconcileOverlap = time.Minute

// priceMover is implemented by venues whose prices follow the market cache
// instead of a live book.
type priceMover interface {
	SetPrice(symbol string, price float64)
}

// Reconcile pulls venue fills for resting orders, refreshes balances and
// market data, enforces stops and reports kill switch transitions.
func (g *Gate) Reconcile(ctx context.Context) {
	mover, _ := g.exchange.(priceMover)
	for _, symbol := range g.opts.Symbols {
		st, err := g.market.Refresh(ctx, symbol)
		if err != nil {
			logs.Debugf("[Reconcile] Market refresh for %s failed: %v", symbol, err)
			continue
		}
		if mover != nil && g.opts.FollowMarket {
			mover.SetPrice(symbol, st.Price)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, symbol := range g.opts.Symbols {
		g.ledger.SetMark(symbol, g.market.Get(symbol).Price)
	}
	g.reconcileFillsLocked(ctx)
	g.enforceStopsLocked(ctx)

	if g.opts.LiveAccount {
		actx, cancel := context.WithTimeout(ctx, g.opts.ExchangeTimeout)
		acct, err := g.exchange.AccountState(actx)
		cancel()
		if err != nil {
			logs.Warnf("[Reconcile] Account refresh failed: %v", err)
		} else if err := g.ledger.SetAccount(ctx, acct.AccountValue, acct.AvailableCash); err != nil {
			logs.Errorf("[Reconcile] Failed to store account balances: %v", err)
		}
	}

	for _, t := range g.halts.CheckAndUpdate(g.policy.Current().Safety, g.ledger.Portfolio()) {
		g.metrics.HaltTransition(ctx, t.Check, t.Engaged)
	}
}

// reconcileFillsLocked books venue executions for orders the ledger still
// holds open. The caller holds g.mu.
func (g *Gate) reconcileFillsLocked(ctx context.Context) {
	since := g.reconciledTo.Add(-reconcileOverlap)
	if g.reconciledTo.IsZero() {
		since = time.Time{}
	}
	fctx, cancel := context.WithTimeout(ctx, g.opts.ExchangeTimeout)
	execs, err := g.exchange.FillsSince(fctx, since)
	cancel()
	if err != nil {
		logs.Warnf("[Reconcile] Failed to fetch fills from %s: %v", g.exchange.Name(), err)
		return
	}

	latest := g.reconciledTo
	for _, exec := range execs {
		if exec.Time.After(latest) {
			latest = exec.Time
		}
		if !exec.Filled {
			continue
		}
		o, ok := g.ledger.Order(exec.ClientOrderID)
		if !ok && exec.ExchangeOrderID != "" {
			o, ok = g.ledger.OrderByExchangeID(exec.ExchangeOrderID)
		}
		if !ok || o.Status.Terminal() {
			continue
		}
		if _, booked, err := g.ledger.ApplyExecution(ctx, o.ID, exec); err != nil {
			logs.Errorf("[Reconcile] Failed to book fill for %s: %v", o.ID, err)
		} else if booked {
			logs.Infof("[Reconcile] Resting order %s filled at %.2f", o.ID, exec.Price)
		}
	}
	g.reconciledTo = latest
}

// Start runs Reconcile every interval until stopChan closes.
func (g *Gate) Start(ctx context.Context, interval time.Duration, stopChan <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	g.Reconcile(ctx)
	for {
		select {
		case <-stopChan:
			logs.Info("[Reconcile] Received stop signal, exiting.")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Reconcile(ctx)
		}
	}
}
