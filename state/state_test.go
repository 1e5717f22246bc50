package state

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"trading_gate/exchange"
	"trading_gate/rules"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "trades.db")
	s, err := OpenStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

// friday is 2026-10-16, a Friday.
var friday = time.Date(2026, 10, 16, 15, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, s *Store) *Ledger {
	l := NewLedger(s, 10000, 10000)
	now := friday
	l.SetClock(func() time.Time { return now })
	return l
}

func placeAndFill(t *testing.T, l *Ledger, o exchange.Order, price, fee float64, at time.Time) exchange.Fill {
	t.Helper()
	ctx := context.Background()
	o.Status = exchange.StatusOpen
	o.PlacedAt = at
	require.NoError(t, l.RecordOrder(ctx, o))
	fill, applied, err := l.ApplyExecution(ctx, o.ID, exchange.Execution{Filled: true, Price: price, Size: o.Size, Fee: fee, Time: at})
	require.NoError(t, err)
	require.True(t, applied)
	return fill
}

func TestLedgerEntryAndExit(t *testing.T) {
	s, _ := openTestStore(t)
	l := newTestLedger(t, s)

	placeAndFill(t, l, exchange.Order{ID: "e1", Strategy: "momentum", Symbol: "BTC-USD", Side: exchange.Buy, Size: 0.1, OrderType: exchange.Market, StopPrice: 19000, IsEntry: true}, 20000, 2, friday.Add(-2*time.Hour))

	p := l.Portfolio()
	assert.Equal(t, 1, p.OpenPositionCount)
	assert.InDelta(t, 2000, p.TotalExposure, 1e-9)
	assert.InDelta(t, 10000-2000-2, p.AvailableCash, 1e-9)
	assert.InDelta(t, -2, p.DailyPnL, 1e-9)
	assert.InDelta(t, 0.1, l.OpposingSize("momentum", "BTC-USD", exchange.Sell), 1e-9)

	fill := placeAndFill(t, l, exchange.Order{ID: "x1", Strategy: "momentum", Symbol: "BTC-USD", Side: exchange.Sell, Size: 0.1, OrderType: exchange.Market}, 19000, 1.9, friday.Add(-time.Hour))
	assert.InDelta(t, -100, fill.RealizedPnL, 1e-9)

	p = l.Portfolio()
	assert.Zero(t, p.OpenPositionCount)
	assert.InDelta(t, -103.9, p.DailyPnL, 1e-9)
	assert.InDelta(t, 10000-103.9, p.AccountValue, 1e-9)
	assert.InDelta(t, 103.9/10000, p.DrawdownFromPeak, 1e-9)
}

func TestLedgerWeeklyWindowStartsMonday(t *testing.T) {
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), StartOfWeek(friday))
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), StartOfWeek(time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2026, 10, 12, 0, 0, 0, 0, time.UTC), StartOfWeek(time.Date(2026, 10, 18, 23, 59, 0, 0, time.UTC)))

	s, _ := openTestStore(t)
	l := newTestLedger(t, s)
	tuesday := time.Date(2026, 10, 13, 10, 0, 0, 0, time.UTC)
	placeAndFill(t, l, exchange.Order{ID: "e1", Strategy: "m", Symbol: "BTC-USD", Side: exchange.Buy, Size: 1, IsEntry: true}, 100, 0, tuesday)
	placeAndFill(t, l, exchange.Order{ID: "x1", Strategy: "m", Symbol: "BTC-USD", Side: exchange.Sell, Size: 1}, 90, 0, tuesday.Add(time.Hour))

	p := l.Portfolio()
	assert.Zero(t, p.DailyPnL)
	assert.InDelta(t, -10, p.WeeklyPnL, 1e-9)
}

func TestLedgerIgnoresFillForClosedOrder(t *testing.T) {
	s, _ := openTestStore(t)
	l := newTestLedger(t, s)
	placeAndFill(t, l, exchange.Order{ID: "e1", Strategy: "m", Symbol: "BTC-USD", Side: exchange.Buy, Size: 1, IsEntry: true}, 100, 0, friday)

	_, applied, err := l.ApplyExecution(context.Background(), "e1", exchange.Execution{Price: 100, Size: 1})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Len(t, l.FillsSince(time.Time{}), 1)

	_, _, err = l.ApplyExecution(context.Background(), "missing", exchange.Execution{})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLedgerRestore(t *testing.T) {
	s, path := openTestStore(t)
	l := newTestLedger(t, s)
	placeAndFill(t, l, exchange.Order{ID: "e1", Strategy: "m", Symbol: "BTC-USD", Side: exchange.Buy, Size: 0.5, StopPrice: 90, IsEntry: true}, 100, 0.05, friday)
	require.NoError(t, l.SetStop(context.Background(), "e1", 95))
	require.NoError(t, l.RecordOrder(context.Background(), exchange.Order{ID: "r1", Strategy: "m", Symbol: "BTC-USD", Side: exchange.Buy, Size: 1, OrderType: exchange.Limit, RequestedPrice: 80, Status: exchange.StatusOpen, PlacedAt: friday}))
	require.NoError(t, s.Close())

	s2, err := OpenStore(path)
	require.NoError(t, err)
	defer s2.Close()
	restored := NewLedger(s2, 1, 1)
	restored.SetClock(func() time.Time { return friday })
	require.NoError(t, restored.Restore(context.Background()))

	p := restored.Portfolio()
	assert.InDelta(t, 10000-0.05, p.AccountValue, 1e-9)
	assert.Equal(t, 1, p.OpenPositionCount)
	lot, ok := restored.Lot("e1")
	require.True(t, ok)
	assert.Equal(t, 95.0, lot.StopPrice)
	require.Len(t, restored.OpenOrders(), 1)
	assert.Equal(t, "r1", restored.OpenOrders()[0].ID)
	assert.InDelta(t, 0.5, restored.Position("m", "BTC-USD").TotalQuantity, 1e-9)
}

func TestProposalQueue(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	v := 0.005
	require.NoError(t, s.SaveProposal(ctx, ProposalRecord{ID: "p1", CreatedAt: friday, Kind: "modify_parameter", Strategy: "m", Parameter: "risk_per_trade_pct", NewValue: &v, Status: "pending"}))
	require.NoError(t, s.SaveProposal(ctx, ProposalRecord{ID: "p2", CreatedAt: friday.Add(time.Second), Kind: "activate", RuleID: "r", Status: "applied", AutoApproved: true}))

	pending, err := s.ListProposals(ctx, "pending")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 0.005, *pending[0].NewValue)
	assert.Nil(t, pending[0].OldValue)

	require.NoError(t, s.DecideProposal(ctx, "p1", "approved", "ok", friday))
	err = s.DecideProposal(ctx, "p1", "rejected", "", friday)
	assert.True(t, errors.Is(err, ErrNotFound))

	got, err := s.GetProposal(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "approved", got.Status)

	_, err = s.GetProposal(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOverlayAndGraduatedGuard(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	grad := rules.Rule{ID: "g", Status: rules.StatusGraduated, Action: rules.ActionReject,
		Conditions: []rules.Condition{{Field: "time.hour_utc", Operator: rules.OpGte, Value: 20}}}
	require.NoError(t, s.PutRuleOverride(ctx, grad, "p0", true, friday))

	weaker := grad
	weaker.Status = rules.StatusActive
	err := s.PutRuleOverride(ctx, weaker, "p1", false, friday)
	assert.True(t, errors.Is(err, ErrGraduatedRule))

	retired := grad
	retired.Status = rules.StatusRetired
	assert.True(t, errors.Is(s.PutRuleOverride(ctx, retired, "p2", false, friday), ErrGraduatedRule))
	require.NoError(t, s.PutRuleOverride(ctx, retired, "p3", true, friday))

	require.NoError(t, s.PutParameterOverride(ctx, "m", "risk_per_trade_pct", 0.004, "p4", friday))

	overlay, err := s.LoadOverlay(ctx)
	require.NoError(t, err)
	require.Len(t, overlay.Rules, 1)
	assert.Equal(t, rules.StatusRetired, overlay.Rules[0].Status)
	assert.Equal(t, 20.0, overlay.Rules[0].Conditions[0].Value)
	require.Len(t, overlay.Parameters, 1)
	assert.Equal(t, 0.004, overlay.Parameters[0].Value)
}

func TestLedgerCommitmentsReplayRestingOrders(t *testing.T) {
	s, _ := openTestStore(t)
	l := newTestLedger(t, s)
	ctx := context.Background()
	placeAndFill(t, l, exchange.Order{ID: "e1", Strategy: "momentum", Symbol: "BTC-USD", Side: exchange.Buy, Size: 1, IsEntry: true}, 100, 0, friday)

	rest := func(o exchange.Order) {
		o.Status = exchange.StatusOpen
		o.OrderType = exchange.Limit
		o.PlacedAt = friday
		require.NoError(t, l.RecordOrder(ctx, o))
	}
	rest(exchange.Order{ID: "b1", Strategy: "momentum", Symbol: "BTC-USD", Side: exchange.Buy, Size: 2, RequestedPrice: 90, IsEntry: true})
	rest(exchange.Order{ID: "b2", Strategy: "carry", Symbol: "ETH-USD", Side: exchange.Buy, Size: 1, RequestedPrice: 50, IsEntry: true})
	// Closes the 1.0 lot and opens a 0.5 short with the rest.
	rest(exchange.Order{ID: "x1", Strategy: "momentum", Symbol: "BTC-USD", Side: exchange.Sell, Size: 1.5, RequestedPrice: 110})

	c := l.Commitments("momentum", "BTC-USD")
	assert.InDelta(t, 180+50+55, c.Total, 1e-9)
	assert.InDelta(t, 180+55, c.Symbol, 1e-9)
	assert.InDelta(t, 180+55, c.Strategy, 1e-9)
	assert.Zero(t, l.OpposingSize("momentum", "BTC-USD", exchange.Sell))

	_, err := l.SetOrderStatus(ctx, "x1", exchange.StatusCancelled)
	require.NoError(t, err)
	assert.InDelta(t, 1, l.OpposingSize("momentum", "BTC-USD", exchange.Sell), 1e-9)
	assert.InDelta(t, 230, l.Commitments("momentum", "BTC-USD").Total, 1e-9)
}
