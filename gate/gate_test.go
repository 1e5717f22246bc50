package gate

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_gate/audit"
	"trading_gate/config"
	"trading_gate/exchange"
	"trading_gate/ipc"
	"trading_gate/market"
	"trading_gate/metrics"
	"trading_gate/monitor"
	"trading_gate/policy"
	"trading_gate/proposal"
	"trading_gate/risk"
	"trading_gate/state"
)

const symbol = "BTC-USD"

func testSafety() *config.SafetyConfig {
	return &config.SafetyConfig{
		HardLimits: config.HardLimits{
			MaxTotalCapital:         10000,
			MaxSinglePositionPct:    0.5,
			MaxSingleTradeRiskPct:   0.02,
			MaxTotalExposurePct:     0.8,
			MaxDailyLoss:            250,
			MaxWeeklyLoss:           1000,
			MaxDrawdownFromPeakPct:  0.2,
			MaxSpreadPct:            0.01,
			MinNotional:             50,
			MaxSlippagePct:          0.005,
			MaxMarketDataAgeSeconds: 300,
		},
		KillSwitches:  config.KillSwitches{DailyLossHalt: true, WeeklyLossHalt: true, DrawdownHalt: true},
		Permissions:   config.Permissions{AllowShort: true, AllowMarketOrders: true},
		DeadManSwitch: config.DeadManSwitch{Enabled: true, TimeoutMinutes: 30, Action: config.LiquidateAll},
	}
}

func testSnapshot() *policy.Snapshot {
	return &policy.Snapshot{
		Version: 1,
		Safety:  testSafety(),
		Strategies: map[string]config.StrategyConfig{
			"momentum": {
				Name:              "momentum",
				Status:            "active",
				CapitalAllocation: 0.5,
				Instruments:       []string{symbol},
				Parameters:        map[string]float64{"risk_per_trade_pct": 0.01},
				ParameterBounds:   map[string]config.ParameterBound{"risk_per_trade_pct": {Min: 0.002, Max: 0.02}},
			},
		},
		Flagged: map[string]string{},
	}
}

type fixture struct {
	gate      *Gate
	paper     *exchange.PaperClient
	ledger    *state.Ledger
	store     *state.Store
	auditPath string
}

func newFixture(t *testing.T, adapter exchange.Adapter) *fixture {
	t.Helper()
	dir := t.TempDir()

	store, err := state.OpenStore(filepath.Join(dir, "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	auditPath := filepath.Join(dir, "audit.log")
	log, err := audit.Open(auditPath)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	paper := exchange.NewPaperClient(5000, 0.001)
	paper.SetPrice(symbol, 1000)
	if adapter == nil {
		adapter = paper
	}

	cache := market.NewCache(nil, paper)
	cache.Put(market.State{Symbol: symbol, Price: 1000, SpreadPct: 0.001, VolumeRatio: 1, AsOf: time.Now().UTC()})

	policyStore := policy.NewStaticStore(testSnapshot())
	ledger := state.NewLedger(store, 5000, 5000)

	g := New(Options{
		DeadMan:         config.DeadManConfig{TickSeconds: 1, IdleAfterSeconds: 60},
		ExchangeTimeout: 200 * time.Millisecond,
		Symbols:         []string{symbol},
	}, Deps{
		Policy:   policyStore,
		Audit:    log,
		Ledger:   ledger,
		Exchange: adapter,
		Market:   cache,
		Mediator: proposal.NewMediator(policyStore, store),
		Metrics:  metrics.Nop(),
	})
	return &fixture{gate: g, paper: paper, ledger: ledger, store: store, auditPath: auditPath}
}

func (f *fixture) records(t *testing.T) []audit.Record {
	t.Helper()
	var out []audit.Record
	require.NoError(t, audit.Scan(f.auditPath, func(r audit.Record) error {
		out = append(out, r)
		return nil
	}))
	return out
}

func price(v float64) *float64 { return &v }

// longEntry is a buy of 0.5 @ 1000 with a 10-point stop; it fills at once
// on the paper venue.
func longEntry() ipc.SubmitOrder {
	return ipc.SubmitOrder{
		Strategy:     "momentum",
		Symbol:       symbol,
		Side:         exchange.Buy,
		Size:         0.5,
		OrderType:    exchange.Limit,
		Price:        price(1000),
		ThesisRef:    "thesis-1",
		PlannedEntry: 1000,
		PlannedStop:  990,
	}
}

// restingEntry rests below the market.
func restingEntry() ipc.SubmitOrder {
	o := longEntry()
	o.Price = price(995)
	o.PlannedEntry = 995
	o.PlannedStop = 985
	return o
}

func checkByName(checks []risk.CheckResult, name string) (risk.CheckResult, bool) {
	for _, c := range checks {
		if c.Name == name {
			return c, true
		}
	}
	return risk.CheckResult{}, false
}

func TestSubmitOrder_AcceptedIsAuditedAndBooked(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp := f.gate.Handle(ctx, longEntry())
	require.Equal(t, ipc.TypeAccepted, resp.Type)
	acc := resp.Payload.(ipc.Accepted)
	assert.True(t, risk.AllPassed(acc.Checks))
	assert.Len(t, acc.Checks, len(risk.CheckNames()))

	o, ok := f.ledger.Order(acc.OrderID)
	require.True(t, ok)
	assert.Equal(t, exchange.StatusFilled, o.Status)
	assert.True(t, o.IsEntry)

	lot, ok := f.ledger.Lot(acc.OrderID)
	require.True(t, ok)
	assert.InDelta(t, 0.5, lot.Size, 1e-12)
	assert.InDelta(t, 990, lot.StopPrice, 1e-12)

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, "SubmitOrder", recs[0].RequestType)
	assert.Equal(t, audit.DecisionAccepted, recs[0].Decision)
	assert.Equal(t, acc.OrderID, recs[0].ResultingOrderID)
	assert.Len(t, recs[0].Checks, len(acc.Checks))
}

func TestSubmitOrder_RiskLimitExampleIsRejected(t *testing.T) {
	f := newFixture(t, nil)
	order := longEntry()
	order.PlannedStop = 760

	resp := f.gate.Handle(context.Background(), order)
	require.Equal(t, ipc.TypeRejected, resp.Type)
	rej := resp.Payload.(ipc.Rejected)

	c, ok := checkByName(rej.Checks, "max_single_trade_risk")
	require.True(t, ok)
	assert.False(t, c.Passed)
	assert.InDelta(t, 0.024, c.Value, 1e-9)
	assert.InDelta(t, 0.02, c.Limit, 1e-12)
	assert.Len(t, rej.Checks, len(risk.CheckNames()))

	assert.Empty(t, f.ledger.OpenOrders())
	assert.Equal(t, 0, f.paper.OpenOrderCount())

	recs := f.records(t)
	require.Len(t, recs, 1)
	assert.Equal(t, audit.DecisionRejected, recs[0].Decision)
	assert.Empty(t, recs[0].ResultingOrderID)
}

func TestSubmitOrder_RestingOrdersCountAsExposure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := restingEntry()
	order.Size = 2

	first := f.gate.Handle(ctx, order)
	require.Equal(t, ipc.TypeAccepted, first.Type)
	require.Equal(t, 1, f.paper.OpenOrderCount())
	require.Empty(t, f.ledger.Lots())

	// Each order fits the 2500 position ceiling on its own; two do not.
	second := f.gate.Handle(ctx, order)
	require.Equal(t, ipc.TypeRejected, second.Type)
	rej := second.Payload.(ipc.Rejected)
	pos, _ := checkByName(rej.Checks, "max_single_position")
	assert.False(t, pos.Passed)
	assert.InDelta(t, 3980.0/5000, pos.Value, 1e-9)
	alloc, _ := checkByName(rej.Checks, "strategy_capital_allocation")
	assert.False(t, alloc.Passed)
	margin, _ := checkByName(rej.Checks, "margin_check")
	assert.InDelta(t, 5000-1990, margin.Limit, 1e-9)
	assert.Equal(t, 1, f.paper.OpenOrderCount())

	// Cancelling the first frees the room again.
	id := first.Payload.(ipc.Accepted).OrderID
	require.Equal(t, ipc.TypeCancelAcknowledged, f.gate.Handle(ctx, ipc.CancelOrder{OrderID: id}).Type)
	assert.Equal(t, ipc.TypeAccepted, f.gate.Handle(ctx, order).Type)
}

func TestSubmitOrder_RestingExitClaimsItsLots(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.Equal(t, ipc.TypeAccepted, f.gate.Handle(ctx, longEntry()).Type)

	exit := ipc.SubmitOrder{
		Strategy:     "momentum",
		Symbol:       symbol,
		Side:         exchange.Sell,
		Size:         0.5,
		OrderType:    exchange.Limit,
		Price:        price(1005),
		ThesisRef:    "thesis-1",
		PlannedEntry: 1004,
	}
	first := f.gate.Handle(ctx, exit)
	require.Equal(t, ipc.TypeAccepted, first.Type)
	o, _ := f.ledger.Order(first.Payload.(ipc.Accepted).OrderID)
	assert.False(t, o.IsEntry)

	// The lot is already spoken for, so a second sell is a new short and
	// needs a stop like any entry.
	second := f.gate.Handle(ctx, exit)
	require.Equal(t, ipc.TypeRejected, second.Type)
	stop, _ := checkByName(second.Payload.(ipc.Rejected).Checks, "stop_price_present")
	assert.False(t, stop.Passed)

	exit.PlannedStop = 1015
	third := f.gate.Handle(ctx, exit)
	require.Equal(t, ipc.TypeAccepted, third.Type)
	o, _ = f.ledger.Order(third.Payload.(ipc.Accepted).OrderID)
	assert.True(t, o.IsEntry)
}

func TestSubmitOrder_ConcurrentSubmitsRespectPositionCeiling(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := restingEntry()
	order.Size = 0.6

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			resp := f.gate.Handle(ctx, order)
			f.gate.Handle(ctx, ipc.GetPortfolio{})
			if resp.Type == ipc.TypeAccepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// 597 per order against a 2500 ceiling.
	assert.Equal(t, 4, accepted)
	committed := f.ledger.Commitments("momentum", symbol)
	assert.LessOrEqual(t, committed.Symbol, 2500.0)
	assert.Len(t, f.ledger.OpenOrders(), accepted)
	assert.Equal(t, accepted, f.paper.OpenOrderCount())

	n, err := audit.Verify(f.auditPath)
	require.NoError(t, err)
	assert.Equal(t, 2*workers, n)
}

func TestFallbackInterleavedWithSubmits(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	order := restingEntry()
	order.Size = 0.3

	const workers = 6
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ids []string
	wg.Add(workers + 1)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			resp := f.gate.Handle(ctx, order)
			if resp.Type == ipc.TypeAccepted {
				mu.Lock()
				ids = append(ids, resp.Payload.(ipc.Accepted).OrderID)
				mu.Unlock()
			}
		}()
	}
	go func() {
		defer wg.Done()
		assert.NoError(t, f.gate.RunFallback(ctx, config.LiquidateAll))
	}()
	wg.Wait()
	require.Len(t, ids, workers)

	// Each order lands wholly before the fallback (cancelled) or after it (open).
	var cancelled int
	for _, id := range ids {
		o, ok := f.ledger.Order(id)
		require.True(t, ok)
		switch o.Status {
		case exchange.StatusCancelled:
			cancelled++
		case exchange.StatusOpen:
		default:
			t.Fatalf("order %s left in status %s", id, o.Status)
		}
	}
	assert.Len(t, f.ledger.OpenOrders(), workers-cancelled)
	assert.Equal(t, workers-cancelled, f.paper.OpenOrderCount())

	var plan fallbackRequest
	var fallbacks int
	for _, r := range f.records(t) {
		if r.RequestType == RequestDeadManFallback {
			fallbacks++
			require.NoError(t, json.Unmarshal(r.Request, &plan))
		}
	}
	require.Equal(t, 1, fallbacks)
	assert.Len(t, plan.Steps, cancelled)

	_, err := audit.Verify(f.auditPath)
	require.NoError(t, err)
}

type deadTicker struct{}

func (deadTicker) Ticker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	return exchange.Ticker{}, exchange.ErrNoPrice
}

func TestSubmitOrder_NoMarketDataFailsClosed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.gate.market = market.NewCache(nil, deadTicker{})

	// The refresh fails, so the symbol never gets a timestamp.
	f.gate.Reconcile(ctx)

	resp := f.gate.Handle(ctx, longEntry())
	require.Equal(t, ipc.TypeRejected, resp.Type)
	fresh, ok := checkByName(resp.Payload.(ipc.Rejected).Checks, "market_data_fresh")
	require.True(t, ok)
	assert.False(t, fresh.Passed)
	assert.Equal(t, 0, f.paper.OpenOrderCount())
	assert.Empty(t, f.ledger.Lots())
}

type failingAdapter struct {
	*exchange.PaperClient
	block bool
}

func (a *failingAdapter) Place(ctx context.Context, order exchange.Order) (exchange.Execution, error) {
	if a.block {
		<-ctx.Done()
		return exchange.Execution{}, ctx.Err()
	}
	return exchange.Execution{}, errors.New("venue unavailable")
}

func TestSubmitOrder_ExchangeFailureFailsClosed(t *testing.T) {
	for _, block := range []bool{false, true} {
		paper := exchange.NewPaperClient(5000, 0.001)
		f := newFixture(t, &failingAdapter{PaperClient: paper, block: block})

		resp := f.gate.Handle(context.Background(), longEntry())
		require.Equal(t, ipc.TypeRejected, resp.Type, "block=%v", block)
		checks := resp.Payload.(ipc.Rejected).Checks
		require.Len(t, checks, len(risk.CheckNames())+1)
		last := checks[len(checks)-1]
		assert.Equal(t, "exchange_execution", last.Name)
		assert.False(t, last.Passed)

		// The accepted record precedes the venue call; the venue's answer
		// follows it, linked by order id.
		recs := f.records(t)
		require.Len(t, recs, 2)
		assert.Equal(t, audit.DecisionAccepted, recs[0].Decision)
		assert.Equal(t, RequestExchangeOutcome, recs[1].RequestType)
		assert.Equal(t, audit.DecisionRejected, recs[1].Decision)
		assert.Equal(t, recs[0].ResultingOrderID, recs[1].ResultingOrderID)
		require.Len(t, recs[1].Checks, len(checks))
		assert.Equal(t, "exchange_execution", recs[1].Checks[len(checks)-1].Name)
		o, ok := f.ledger.Order(recs[0].ResultingOrderID)
		require.True(t, ok)
		assert.Equal(t, exchange.StatusFailed, o.Status)
		assert.Empty(t, f.ledger.Lots())
	}
}

func TestCancelOrder_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp := f.gate.Handle(ctx, restingEntry())
	require.Equal(t, ipc.TypeAccepted, resp.Type)
	id := resp.Payload.(ipc.Accepted).OrderID
	require.Equal(t, 1, f.paper.OpenOrderCount())

	first := f.gate.Handle(ctx, ipc.CancelOrder{OrderID: id})
	require.Equal(t, ipc.TypeCancelAcknowledged, first.Type)
	assert.Equal(t, ipc.OutcomeCancelled, first.Payload.(ipc.CancelAcknowledged).Outcome)
	assert.Equal(t, 0, f.paper.OpenOrderCount())

	second := f.gate.Handle(ctx, ipc.CancelOrder{OrderID: id})
	third := f.gate.Handle(ctx, ipc.CancelOrder{OrderID: id})
	require.Equal(t, ipc.TypeCancelAcknowledged, second.Type)
	assert.Equal(t, ipc.OutcomeAlreadyCancelled, second.Payload.(ipc.CancelAcknowledged).Outcome)
	assert.Equal(t, second, third)

	missing := f.gate.Handle(ctx, ipc.CancelOrder{OrderID: "ord_missing"})
	assert.Equal(t, ipc.OutcomeNotFound, missing.Payload.(ipc.CancelAcknowledged).Outcome)

	assert.Len(t, f.records(t), 5)
}

func TestCancelOrder_FilledOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.gate.Handle(ctx, longEntry()).Payload.(ipc.Accepted).OrderID

	resp := f.gate.Handle(ctx, ipc.CancelOrder{OrderID: id})
	ack := resp.Payload.(ipc.CancelAcknowledged)
	assert.Equal(t, ipc.OutcomeAlreadyFilled, ack.Outcome)
	assert.Equal(t, exchange.StatusFilled, ack.Status)
}

func TestCancelOrder_VenueFillRacesCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.gate.Handle(ctx, restingEntry()).Payload.(ipc.Accepted).OrderID

	// The venue fills the order before the cancel arrives.
	f.paper.SetPrice(symbol, 990)

	ack := f.gate.Handle(ctx, ipc.CancelOrder{OrderID: id}).Payload.(ipc.CancelAcknowledged)
	assert.Equal(t, ipc.OutcomeAlreadyFilled, ack.Outcome)
	_, ok := f.ledger.Lot(id)
	assert.True(t, ok)
}

func TestTightenStop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.gate.Handle(ctx, longEntry()).Payload.(ipc.Accepted).OrderID

	loosen := f.gate.Handle(ctx, ipc.TightenStop{OrderID: id, NewStop: 985})
	require.Equal(t, ipc.TypeRejected, loosen.Type)
	c, _ := checkByName(loosen.Payload.(ipc.Rejected).Checks, "stop_tightening")
	assert.False(t, c.Passed)
	assert.InDelta(t, 15, c.Value, 1e-9)
	assert.InDelta(t, 10, c.Limit, 1e-9)

	same := f.gate.Handle(ctx, ipc.TightenStop{OrderID: id, NewStop: 990})
	assert.Equal(t, ipc.TypeRejected, same.Type)

	tighten := f.gate.Handle(ctx, ipc.TightenStop{OrderID: id, NewStop: 995})
	require.Equal(t, ipc.TypeAccepted, tighten.Type)
	lot, _ := f.ledger.Lot(id)
	assert.InDelta(t, 995, lot.StopPrice, 1e-12)

	unknown := f.gate.Handle(ctx, ipc.TightenStop{OrderID: "ord_missing", NewStop: 999})
	require.Equal(t, ipc.TypeRejected, unknown.Type)
	oc, _ := checkByName(unknown.Payload.(ipc.Rejected).Checks, "order_exists")
	assert.False(t, oc.Passed)

	recs := f.records(t)
	require.Len(t, recs, 5)
	assert.Equal(t, audit.DecisionAccepted, recs[3].Decision)
	assert.Len(t, recs[3].Checks, 3)
}

func TestReconcile_EnforcesTightenedStop(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.gate.Handle(ctx, longEntry()).Payload.(ipc.Accepted).OrderID

	// 994 is above the original 990 stop.
	f.paper.SetPrice(symbol, 994)
	f.gate.Reconcile(ctx)
	_, open := f.ledger.Lot(id)
	require.True(t, open)

	require.Equal(t, ipc.TypeAccepted, f.gate.Handle(ctx, ipc.TightenStop{OrderID: id, NewStop: 995}).Type)
	f.gate.Reconcile(ctx)
	_, open = f.ledger.Lot(id)
	assert.False(t, open)

	fills := f.ledger.FillsSince(time.Time{})
	require.Len(t, fills, 2)
	assert.Equal(t, exchange.Sell, fills[1].Side)
	assert.InDelta(t, 994, fills[1].Price, 1e-9)

	// Nothing left to close on the next pass.
	f.gate.Reconcile(ctx)
	var stops []audit.Record
	for _, r := range f.records(t) {
		if r.RequestType == RequestStopTriggered {
			stops = append(stops, r)
		}
	}
	require.Len(t, stops, 1)
	assert.Equal(t, audit.DecisionStopTriggered, stops[0].Decision)
	assert.Equal(t, id, stops[0].ResultingOrderID)
}

func TestEveryRequestProducesOneRecord(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	id := f.gate.Handle(ctx, longEntry()).Payload.(ipc.Accepted).OrderID
	requests := []ipc.Request{
		ipc.GetPortfolio{},
		ipc.GetOpenOrders{},
		ipc.GetFillHistory{Since: "2020-01-01T00:00:00Z"},
		ipc.GetFillHistory{Since: "yesterday"},
		ipc.GetMarketData{Symbol: symbol},
		ipc.GetMarketData{},
		ipc.CancelOrder{OrderID: id},
		ipc.TightenStop{OrderID: id, NewStop: 980},
	}
	for _, req := range requests {
		f.gate.Handle(ctx, req)
	}
	f.gate.ProtocolError(ctx, []byte(`{"request_type":"Withdraw","amount":1}`), ipc.ErrUnknownRequest)

	n, err := audit.Verify(f.auditPath)
	require.NoError(t, err)
	assert.Equal(t, 1+len(requests)+1, n)

	recs := f.records(t)
	assert.Equal(t, audit.DecisionAnswered, recs[1].Decision)
	assert.Empty(t, recs[1].Checks)
	assert.Equal(t, audit.DecisionError, recs[4].Decision)
	assert.Equal(t, audit.DecisionError, recs[6].Decision)
	last := recs[len(recs)-1]
	assert.Equal(t, "Withdraw", last.RequestType)
	assert.Equal(t, audit.DecisionProtocolError, last.Decision)
}

func TestFillHistory(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.gate.Handle(ctx, longEntry())

	resp := f.gate.Handle(ctx, ipc.GetFillHistory{})
	require.Equal(t, ipc.TypeFills, resp.Type)
	assert.Len(t, resp.Payload.([]exchange.Fill), 1)

	future := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)
	resp = f.gate.Handle(ctx, ipc.GetFillHistory{Since: future})
	assert.Empty(t, resp.Payload.([]exchange.Fill))
}

func TestProposeRule_IsAudited(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	yes := true

	resp := f.gate.Handle(ctx, ipc.ProposeRule{Proposal: proposal.Proposal{
		Kind:         proposal.KindModifyParameter,
		Strategy:     "momentum",
		Parameter:    "risk_per_trade_pct",
		NewValue:     price(0.015),
		IsTightening: &yes,
	}})
	require.Equal(t, ipc.TypeProposalAcknowledged, resp.Type)
	ack := resp.Payload.(proposal.Ack)
	assert.False(t, ack.AutoApproved)
	assert.Equal(t, proposal.StatusRejected, ack.Status)

	resp = f.gate.Handle(ctx, ipc.ProposeRule{Proposal: proposal.Proposal{
		Kind:      proposal.KindModifyParameter,
		Strategy:  "momentum",
		Parameter: "risk_per_trade_pct",
		NewValue:  price(0.005),
	}})
	ack = resp.Payload.(proposal.Ack)
	assert.True(t, ack.AutoApproved)
	assert.Equal(t, proposal.StatusApplied, ack.Status)

	recs := f.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, audit.DecisionAcknowledged, recs[0].Decision)
	assert.Contains(t, recs[0].Reason, proposal.StatusRejected)
}

func TestProposeRule_AllocationCutAppliesToNextOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	resp := f.gate.Handle(ctx, ipc.ProposeRule{Proposal: proposal.Proposal{
		Kind:      proposal.KindModifyParameter,
		Strategy:  "momentum",
		Parameter: "capital_allocation",
		NewValue:  price(0.05),
	}})
	require.Equal(t, ipc.TypeProposalAcknowledged, resp.Type)
	require.Equal(t, proposal.StatusApplied, resp.Payload.(proposal.Ack).Status)

	rej := f.gate.Handle(ctx, longEntry())
	require.Equal(t, ipc.TypeRejected, rej.Type)
	alloc, _ := checkByName(rej.Payload.(ipc.Rejected).Checks, "strategy_capital_allocation")
	assert.False(t, alloc.Passed)
	assert.InDelta(t, 0.05, alloc.Limit, 1e-12)
	assert.InDelta(t, 0.1, alloc.Value, 1e-9)
}

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestDeadMan_LiquidatesOnceAndLocksOut(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	clock := &manualClock{t: time.Now()}
	dm := f.gate.DeadMan()
	dm.SetClock(clock.Now)

	filled := f.gate.Handle(ctx, longEntry()).Payload.(ipc.Accepted).OrderID
	resting := f.gate.Handle(ctx, restingEntry()).Payload.(ipc.Accepted).OrderID
	require.Len(t, f.ledger.Lots(), 1)

	clock.Advance(31 * time.Minute)
	dm.Check(ctx)
	require.Equal(t, monitor.TimedOut, dm.State())

	assert.Empty(t, f.ledger.Lots())
	o, _ := f.ledger.Order(resting)
	assert.Equal(t, exchange.StatusCancelled, o.Status)
	_, stillOpen := f.ledger.Lot(filled)
	assert.False(t, stillOpen)

	clock.Advance(time.Minute)
	dm.Check(ctx)

	var fallbacks int
	for _, r := range f.records(t) {
		if r.RequestType == RequestDeadManFallback {
			fallbacks++
			assert.Equal(t, audit.DecisionFallback, r.Decision)
		}
	}
	assert.Equal(t, 1, fallbacks)

	// Locked out until reconnect, but management operations still work.
	rej := f.gate.Handle(ctx, longEntry())
	require.Equal(t, ipc.TypeRejected, rej.Type)
	lock, _ := checkByName(rej.Payload.(ipc.Rejected).Checks, "dead_man_lockout")
	assert.False(t, lock.Passed)
	assert.Equal(t, ipc.TypeCancelAcknowledged, f.gate.Handle(ctx, ipc.CancelOrder{OrderID: resting}).Type)

	f.gate.SessionStarted()
	assert.Equal(t, ipc.TypeAccepted, f.gate.Handle(ctx, longEntry()).Type)
}

func TestReconcile_BooksRestingFill(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.gate.Handle(ctx, restingEntry()).Payload.(ipc.Accepted).OrderID

	f.paper.SetPrice(symbol, 994)
	f.gate.Reconcile(ctx)

	o, _ := f.ledger.Order(id)
	assert.Equal(t, exchange.StatusFilled, o.Status)
	lot, ok := f.ledger.Lot(id)
	require.True(t, ok)
	assert.InDelta(t, 995, lot.EntryPrice, 1e-9)

	// A second pass replays the same execution without double booking.
	f.gate.Reconcile(ctx)
	assert.Len(t, f.ledger.FillsSince(time.Time{}), 1)
}

func TestReconcile_LatchesKillSwitch(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	f.gate.Reconcile(ctx)
	assert.False(t, f.gate.Halted())

	_, err := f.gate.policy.Apply(func(next *policy.Snapshot) error {
		safety := *next.Safety
		safety.KillSwitches.ManualHalt = true
		next.Safety = &safety
		return nil
	})
	require.NoError(t, err)

	f.gate.Reconcile(ctx)
	assert.True(t, f.gate.Halted())
	rej := f.gate.Handle(ctx, longEntry())
	require.Equal(t, ipc.TypeRejected, rej.Type)
	halt, _ := checkByName(rej.Payload.(ipc.Rejected).Checks, "manual_halt")
	assert.False(t, halt.Passed)
}

func TestGate_OverSocket(t *testing.T) {
	f := newFixture(t, nil)
	dir, err := os.MkdirTemp("", "gate")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "g.sock")

	srv := ipc.NewServer(sock, config.IPCConfig{RequestsPerSecond: 100, Burst: 100, MaxMessageBytes: 4096}, f.gate)
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, err := ipc.Dial(ctx, sock)
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Do(ctx, longEntry())
	require.NoError(t, err)
	require.Equal(t, ipc.TypeAccepted, resp.Type)
	var acc ipc.Accepted
	require.NoError(t, resp.Into(&acc))
	assert.NotEmpty(t, acc.OrderID)

	resp, err = client.DoRaw(ctx, []byte(`{"request_type":"Withdraw"}`))
	require.NoError(t, err)
	assert.Error(t, resp.Err())

	recs := f.records(t)
	require.Len(t, recs, 2)
	assert.Equal(t, audit.DecisionProtocolError, recs[1].Decision)
}
