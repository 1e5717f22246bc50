// Package state holds the gate's authoritative ledger of orders, open lots,
// fills and account balances, and its SQLite persistence.
package state

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"trading_gate/exchange"
	"trading_gate/logs"
	"trading_gate/profit"
)

const (
	metaAccountValue  = "account_value"
	metaAvailableCash = "available_cash"
	metaEquityPeak    = "equity_peak"
)

// Lot is an open position created by an entry fill.
type Lot struct {
	OrderID    string        `json:"order_id"`
	Strategy   string        `json:"strategy"`
	Symbol     string        `json:"symbol"`
	Side       exchange.Side `json:"side"`
	Size       float64       `json:"size"`
	EntryPrice float64       `json:"entry_price"`
	EntryTime  time.Time     `json:"entry_time"`
	StopPrice  float64       `json:"stop_price"`
	ThesisRef  string        `json:"thesis_ref"`
}

// PortfolioState is the read-only account summary served to the agent.
type PortfolioState struct {
	AccountValue      float64   `json:"account_value"`
	AvailableCash     float64   `json:"available_cash"`
	TotalExposure     float64   `json:"total_exposure"`
	OpenPositionCount int       `json:"open_position_count"`
	DailyPnL          float64   `json:"daily_pnl"`
	WeeklyPnL         float64   `json:"weekly_pnl"`
	DrawdownFromPeak  float64   `json:"drawdown_from_peak"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Ledger is the in-memory ledger. Every mutation is written through to the
// store before it returns.
type Ledger struct {
	mu    sync.RWMutex
	store *Store
	book  *profit.Book

	accountValue float64
	cash         float64
	peak         float64

	orders     map[string]exchange.Order
	orderOrder []string
	lots       map[string]*Lot
	fills      []exchange.Fill
	marks      map[string]float64

	now func() time.Time
}

// NewLedger creates an empty ledger seeded with the initial balances.
func NewLedger(store *Store, initialValue, initialCash float64) *Ledger {
	return &Ledger{
		store:        store,
		book:         profit.NewBook(),
		accountValue: initialValue,
		cash:         initialCash,
		peak:         initialValue,
		orders:       make(map[string]exchange.Order),
		lots:         make(map[string]*Lot),
		marks:        make(map[string]float64),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Restore rebuilds the ledger from the store.
func (l *Ledger) Restore(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	meta, err := l.store.Meta(ctx)
	if err != nil {
		return err
	}
	if v, ok := meta[metaAccountValue]; ok {
		l.accountValue = v
	}
	if v, ok := meta[metaAvailableCash]; ok {
		l.cash = v
	}
	if v, ok := meta[metaEquityPeak]; ok {
		l.peak = v
	}
	if l.peak < l.accountValue {
		l.peak = l.accountValue
	}

	orders, err := l.store.LoadOrders(ctx)
	if err != nil {
		return err
	}
	for _, o := range orders {
		l.orders[o.ID] = o
		l.orderOrder = append(l.orderOrder, o.ID)
	}

	lots, err := l.store.LoadPositions(ctx)
	if err != nil {
		return err
	}
	for i := range lots {
		lot := lots[i]
		l.lots[lot.OrderID] = &lot
	}

	fills, err := l.store.FillsSince(ctx, time.Time{})
	if err != nil {
		return err
	}
	l.fills = fills
	for _, f := range fills {
		l.book.Record(f.Strategy, f.Symbol, profit.Trade{Buy: f.Side == exchange.Buy, Price: f.Price, Quantity: f.Size, Fee: f.Fee, Timestamp: f.FilledAt})
	}
	logs.Infof("[Ledger] Restored: account=%.2f cash=%.2f peak=%.2f orders=%d lots=%d fills=%d",
		l.accountValue, l.cash, l.peak, len(l.orders), len(l.lots), len(l.fills))
	return nil
}

// --- reads ---

// Portfolio summarises the ledger at now.
func (l *Ledger) Portfolio() PortfolioState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	now := l.now()
	daily, weekly := l.pnlSince_noLock(now)
	return PortfolioState{
		AccountValue:      l.accountValue,
		AvailableCash:     l.cash,
		TotalExposure:     l.totalExposure_noLock(),
		OpenPositionCount: len(l.lots),
		DailyPnL:          daily,
		WeeklyPnL:         weekly,
		DrawdownFromPeak:  l.drawdown_noLock(),
		UpdatedAt:         now,
	}
}

// StartOfDay is 00:00 UTC of t's day.
func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfWeek is Monday 00:00 UTC of t's week.
func StartOfWeek(t time.Time) time.Time {
	day := StartOfDay(t)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func (l *Ledger) pnlSince_noLock(now time.Time) (daily, weekly float64) {
	dayStart, weekStart := StartOfDay(now), StartOfWeek(now)
	for _, f := range l.fills {
		net := f.RealizedPnL - f.Fee
		if !f.FilledAt.Before(weekStart) {
			weekly += net
		}
		if !f.FilledAt.Before(dayStart) {
			daily += net
		}
	}
	return daily, weekly
}

func (l *Ledger) drawdown_noLock() float64 {
	if l.peak <= 0 || l.accountValue >= l.peak {
		return 0
	}
	return (l.peak - l.accountValue) / l.peak
}

func (l *Ledger) mark_noLock(lot *Lot) float64 {
	if p, ok := l.marks[lot.Symbol]; ok && p > 0 {
		return p
	}
	return lot.EntryPrice
}

func (l *Ledger) totalExposure_noLock() float64 {
	var total float64
	for _, lot := range l.lots {
		total += math.Abs(lot.Size * l.mark_noLock(lot))
	}
	return total
}

// SymbolExposure is the absolute notional of open lots in symbol.
func (l *Ledger) SymbolExposure(symbol string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total float64
	for _, lot := range l.lots {
		if lot.Symbol == symbol {
			total += math.Abs(lot.Size * l.mark_noLock(lot))
		}
	}
	return total
}

// StrategyExposure is the absolute notional of open lots owned by strategy.
func (l *Ledger) StrategyExposure(strategy string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total float64
	for _, lot := range l.lots {
		if lot.Strategy == strategy {
			total += math.Abs(lot.Size * l.mark_noLock(lot))
		}
	}
	return total
}

type lotKey struct {
	strategy string
	symbol   string
	side     exchange.Side
}

// pending_noLock replays resting orders oldest first the way their fills
// will be booked. An exit order claims the opposing lots it will close and
// whatever it cannot close is entry notional. It returns the entry notional
// per order id and the lot size left unclaimed per strategy/symbol/side.
func (l *Ledger) pending_noLock() (map[string]float64, map[lotKey]float64) {
	free := make(map[lotKey]float64)
	for _, lot := range l.lots {
		free[lotKey{lot.Strategy, lot.Symbol, lot.Side}] += lot.Size
	}
	entries := make(map[string]float64)
	for _, id := range l.orderOrder {
		o := l.orders[id]
		if o.Status.Terminal() || o.Size <= 0 {
			continue
		}
		rest := o.Size
		if !o.IsEntry {
			k := lotKey{o.Strategy, o.Symbol, o.Side.Opposite()}
			claim := math.Min(rest, free[k])
			free[k] -= claim
			rest -= claim
		}
		if rest > 1e-12 {
			entries[id] = math.Abs(o.Notional()) * rest / o.Size
		}
	}
	return entries, free
}

// OpposingSize is the size of open lots for strategy/symbol on the side
// opposite to side that resting exits have not already claimed, i.e. how
// much a new order on side would close.
func (l *Ledger) OpposingSize(strategy, symbol string, side exchange.Side) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, free := l.pending_noLock()
	return math.Max(free[lotKey{strategy, symbol, side.Opposite()}], 0)
}

// Committed is the notional resting orders will add once they fill.
type Committed struct {
	Total    float64
	Symbol   float64
	Strategy float64
}

// Commitments sums the entry notional of resting orders, overall and for
// symbol and strategy. The gate counts it as exposure and reserves it
// against cash so orders that are still working cannot be stacked.
func (l *Ledger) Commitments(strategy, symbol string) Committed {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entries, _ := l.pending_noLock()
	var c Committed
	for id, notional := range entries {
		o := l.orders[id]
		c.Total += notional
		if o.Symbol == symbol {
			c.Symbol += notional
		}
		if o.Strategy == strategy {
			c.Strategy += notional
		}
	}
	return c
}

// OpenOrders returns orders still resting, oldest first.
func (l *Ledger) OpenOrders() []exchange.Order {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []exchange.Order
	for _, id := range l.orderOrder {
		if o := l.orders[id]; o.Status == exchange.StatusOpen {
			out = append(out, o)
		}
	}
	return out
}

func (l *Ledger) Order(id string) (exchange.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	o, ok := l.orders[id]
	return o, ok
}

// OrderByExchangeID finds an order by the venue's id.
func (l *Ledger) OrderByExchangeID(exchangeID string) (exchange.Order, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, o := range l.orders {
		if o.ExchangeOrderID != "" && o.ExchangeOrderID == exchangeID {
			return o, true
		}
	}
	return exchange.Order{}, false
}

// Lot returns the open lot created by orderID.
func (l *Ledger) Lot(orderID string) (Lot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lot, ok := l.lots[orderID]
	if !ok {
		return Lot{}, false
	}
	return *lot, true
}

// Lots returns every open lot, oldest first.
func (l *Ledger) Lots() []Lot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Lot, 0, len(l.lots))
	for _, lot := range l.lots {
		out = append(out, *lot)
	}
	sortLots(out)
	return out
}

func sortLots(lots []Lot) {
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].EntryTime.Equal(lots[j].EntryTime) {
			return lots[i].EntryTime.Before(lots[j].EntryTime)
		}
		return lots[i].OrderID < lots[j].OrderID
	})
}

// FillsSince returns fills at or after since, oldest first.
func (l *Ledger) FillsSince(since time.Time) []exchange.Fill {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []exchange.Fill
	for _, f := range l.fills {
		if !f.FilledAt.Before(since) {
			out = append(out, f)
		}
	}
	return out
}

// Position returns the weighted-average view for strategy/symbol.
func (l *Ledger) Position(strategy, symbol string) profit.PositionState {
	return l.book.Position(strategy, symbol)
}

// --- writes ---

// SetMark records the last price for symbol, used to value exposure.
func (l *Ledger) SetMark(symbol string, price float64) {
	if price <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.marks[symbol] = price
}

// RecordOrder inserts or replaces an order.
func (l *Ledger) RecordOrder(ctx context.Context, o exchange.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.store.UpsertOrder(ctx, o); err != nil {
		return err
	}
	if _, exists := l.orders[o.ID]; !exists {
		l.orderOrder = append(l.orderOrder, o.ID)
	}
	l.orders[o.ID] = o
	return nil
}

// SetOrderStatus moves an order to status.
func (l *Ledger) SetOrderStatus(ctx context.Context, id string, status exchange.OrderStatus) (exchange.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[id]
	if !ok {
		return exchange.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	o.Status = status
	if err := l.store.UpsertOrder(ctx, o); err != nil {
		return exchange.Order{}, err
	}
	l.orders[id] = o
	return o, nil
}

// ApplyExecution books a fill for an open order: realized PnL, lots,
// balances and the order status. Fills for orders that are no longer open
// are ignored so reconciliation can replay safely.
func (l *Ledger) ApplyExecution(ctx context.Context, orderID string, exec exchange.Execution) (exchange.Fill, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	o, ok := l.orders[orderID]
	if !ok {
		return exchange.Fill{}, false, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	if o.Status != exchange.StatusOpen {
		return exchange.Fill{}, false, nil
	}

	size := exec.Size
	if size <= 0 {
		size = o.Size
	}
	filledAt := exec.Time
	if filledAt.IsZero() {
		filledAt = l.now()
	}
	pnl := l.book.Record(o.Strategy, o.Symbol, profit.Trade{
		Buy: o.Side == exchange.Buy, Price: exec.Price, Quantity: size, Fee: exec.Fee, Timestamp: filledAt,
	})
	fill := exchange.Fill{
		OrderID:     o.ID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Size:        size,
		Price:       exec.Price,
		Fee:         exec.Fee,
		FilledAt:    filledAt.UTC(),
		Strategy:    o.Strategy,
		ThesisRef:   o.ThesisRef,
		IsEntry:     o.IsEntry,
		RealizedPnL: pnl,
	}
	if err := l.store.InsertFill(ctx, fill); err != nil {
		return exchange.Fill{}, false, err
	}
	l.fills = append(l.fills, fill)

	if err := l.updateLots_noLock(ctx, o, fill); err != nil {
		return exchange.Fill{}, false, err
	}

	l.cash -= o.Side.Sign()*size*exec.Price + exec.Fee
	l.accountValue += pnl - exec.Fee
	if l.accountValue > l.peak {
		l.peak = l.accountValue
	}
	l.marks[o.Symbol] = exec.Price
	if err := l.persistMeta_noLock(ctx); err != nil {
		return exchange.Fill{}, false, err
	}

	o.Status = exchange.StatusFilled
	if o.ExchangeOrderID == "" {
		o.ExchangeOrderID = exec.ExchangeOrderID
	}
	if err := l.store.UpsertOrder(ctx, o); err != nil {
		return exchange.Fill{}, false, err
	}
	l.orders[o.ID] = o

	logs.Infof("[Ledger] Fill booked: order=%s %s %s %.8f @ %.2f fee=%.4f realized=%.2f",
		o.ID, o.Side, o.Symbol, size, exec.Price, exec.Fee, pnl)
	return fill, true, nil
}

// updateLots_noLock opens a lot for an entry and reduces opposing lots,
// oldest first, for an exit. Any size left after closing opens a new lot.
func (l *Ledger) updateLots_noLock(ctx context.Context, o exchange.Order, f exchange.Fill) error {
	remaining := f.Size
	if !o.IsEntry {
		var opposing []Lot
		for _, lot := range l.lots {
			if lot.Strategy == o.Strategy && lot.Symbol == o.Symbol && lot.Side == o.Side.Opposite() {
				opposing = append(opposing, *lot)
			}
		}
		sortLots(opposing)
		for _, lot := range opposing {
			if remaining <= 1e-12 {
				break
			}
			take := math.Min(lot.Size, remaining)
			remaining -= take
			left := lot.Size - take
			if left <= 1e-12 {
				if err := l.store.DeletePosition(ctx, lot.OrderID); err != nil {
					return err
				}
				delete(l.lots, lot.OrderID)
				continue
			}
			lot.Size = left
			if err := l.store.UpsertPosition(ctx, lot); err != nil {
				return err
			}
			updated := lot
			l.lots[lot.OrderID] = &updated
		}
	}
	if remaining <= 1e-12 {
		return nil
	}
	lot := Lot{
		OrderID:    o.ID,
		Strategy:   o.Strategy,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Size:       remaining,
		EntryPrice: f.Price,
		EntryTime:  f.FilledAt,
		StopPrice:  o.StopPrice,
		ThesisRef:  o.ThesisRef,
	}
	if err := l.store.UpsertPosition(ctx, lot); err != nil {
		return err
	}
	l.lots[lot.OrderID] = &lot
	return nil
}

// SetStop moves the stop on the lot opened by orderID.
func (l *Ledger) SetStop(ctx context.Context, orderID string, stop float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	lot, ok := l.lots[orderID]
	if !ok {
		return fmt.Errorf("position for order %s: %w", orderID, ErrNotFound)
	}
	updated := *lot
	updated.StopPrice = stop
	if err := l.store.UpsertPosition(ctx, updated); err != nil {
		return err
	}
	l.lots[orderID] = &updated

	if o, ok := l.orders[orderID]; ok {
		o.StopPrice = stop
		if err := l.store.UpsertOrder(ctx, o); err != nil {
			return err
		}
		l.orders[orderID] = o
	}
	return nil
}

// SetAccount overwrites balances with the venue's view.
func (l *Ledger) SetAccount(ctx context.Context, value, cash float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accountValue = value
	l.cash = cash
	if value > l.peak {
		l.peak = value
	}
	return l.persistMeta_noLock(ctx)
}

func (l *Ledger) persistMeta_noLock(ctx context.Context) error {
	return l.store.SetMeta(ctx, map[string]float64{
		metaAccountValue:  l.accountValue,
		metaAvailableCash: l.cash,
		metaEquityPeak:    l.peak,
	})
}
