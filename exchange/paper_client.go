package exchange

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"trading_gate/logs"

	"github.com/google/uuid"
)

// Ensure PaperClient implements Adapter
var _ Adapter = (*PaperClient)(nil)

type paperPosition struct {
	Amount     float64
	EntryPrice float64
}

// PaperClient simulates a venue for dry-run mode. Market orders fill at the
// order's planned entry; limit orders rest until SetPrice crosses them.
type PaperClient struct {
	mu           sync.RWMutex
	feeRate      float64
	cash         float64
	currentPrice map[string]float64
	positions    map[string]*paperPosition
	openOrders   map[string]Order
	fills        []Execution
	now          func() time.Time
}

// NewPaperClient creates a paper venue with the given starting cash.
func NewPaperClient(initialCash, feeRate float64) *PaperClient {
	return &PaperClient{
		feeRate:      feeRate,
		cash:         initialCash,
		currentPrice: make(map[string]float64),
		positions:    make(map[string]*paperPosition),
		openOrders:   make(map[string]Order),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (c *PaperClient) Name() string { return "paper" }

// Place simulates order submission.
func (c *PaperClient) Place(ctx context.Context, order Order) (Execution, error) {
	if err := ctx.Err(); err != nil {
		return Execution{}, err
	}
	if order.Size <= 0 || math.IsNaN(order.Size) || math.IsInf(order.Size, 0) {
		return Execution{}, fmt.Errorf("paper: invalid order size %v", order.Size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	exchangeID := "paper_" + uuid.NewString()
	order.ExchangeOrderID = exchangeID

	switch order.OrderType {
	case Market:
		price := order.PlannedEntry
		if price <= 0 {
			price = c.currentPrice[order.Symbol]
		}
		if price <= 0 {
			return Execution{}, fmt.Errorf("paper: no price for market order on %s", order.Symbol)
		}
		exec := c.fill_noLock(order, price)
		logs.Debugf("[Paper] Market order filled: %s %s %.8f @ %.2f, OrderID: %s", order.Side, order.Symbol, order.Size, price, order.ID)
		return exec, nil

	case Limit:
		if order.RequestedPrice <= 0 {
			return Execution{}, fmt.Errorf("paper: limit order %s has no price", order.ID)
		}
		if last, ok := c.currentPrice[order.Symbol]; ok && crosses(order, last) {
			exec := c.fill_noLock(order, order.RequestedPrice)
			logs.Debugf("[Paper] Marketable limit order filled: %s %s %.8f @ %.2f", order.Side, order.Symbol, order.Size, order.RequestedPrice)
			return exec, nil
		}
		c.openOrders[order.ID] = order
		logs.Debugf("[Paper] Pending order: %s %s %.8f @ %.2f, OrderID: %s", order.Side, order.Symbol, order.Size, order.RequestedPrice, order.ID)
		return Execution{ClientOrderID: order.ID, ExchangeOrderID: exchangeID, Time: c.now()}, nil
	}
	return Execution{}, fmt.Errorf("paper: unsupported order type %q", order.OrderType)
}

// Cancel removes a resting order.
func (c *PaperClient) Cancel(ctx context.Context, order Order) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.openOrders[order.ID]; !ok {
		return fmt.Errorf("%w: paper order %s", ErrOrderNotFound, order.ID)
	}
	delete(c.openOrders, order.ID)
	return nil
}

// FillsSince returns simulated executions at or after since, oldest first.
func (c *PaperClient) FillsSince(ctx context.Context, since time.Time) ([]Execution, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Execution
	for _, f := range c.fills {
		if !f.Time.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

// AccountState values open paper positions at the last known price.
func (c *PaperClient) AccountState(ctx context.Context) (AccountSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value := c.cash
	for symbol, pos := range c.positions {
		price := c.currentPrice[symbol]
		if price <= 0 {
			price = pos.EntryPrice
		}
		value += pos.Amount * price
	}
	return AccountSnapshot{AccountValue: value, AvailableCash: c.cash, Currency: "USD"}, nil
}

// Ticker returns a synthetic quote around the last price.
func (c *PaperClient) Ticker(ctx context.Context, symbol string) (Ticker, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	price, ok := c.currentPrice[symbol]
	if !ok {
		return Ticker{}, fmt.Errorf("%w: paper has no price for %s", ErrNoPrice, symbol)
	}
	half := price * 0.0005
	return Ticker{Symbol: symbol, Price: price, Bid: price - half, Ask: price + half, Time: c.now()}, nil
}

// SetPrice moves the simulated market and fills any resting limit order the
// new price crosses.
func (c *PaperClient) SetPrice(symbol string, price float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentPrice[symbol] = price

	ids := make([]string, 0, len(c.openOrders))
	for id, o := range c.openOrders {
		if o.Symbol == symbol && crosses(o, price) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := c.openOrders[id]
		delete(c.openOrders, id)
		c.fill_noLock(o, o.RequestedPrice)
		logs.Debugf("[Paper] Resting order filled: %s %s %.8f @ %.2f, OrderID: %s", o.Side, o.Symbol, o.Size, o.RequestedPrice, o.ID)
	}
}

// OpenOrderCount is the number of resting orders.
func (c *PaperClient) OpenOrderCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.openOrders)
}

func crosses(o Order, price float64) bool {
	if o.Side == Buy {
		return price <= o.RequestedPrice
	}
	return price >= o.RequestedPrice
}

// fill_noLock records an execution and updates the simulated position.
// The caller must hold the lock.
func (c *PaperClient) fill_noLock(order Order, price float64) Execution {
	fee := math.Abs(price * order.Size * c.feeRate)
	exec := Execution{
		ClientOrderID:   order.ID,
		ExchangeOrderID: order.ExchangeOrderID,
		Filled:          true,
		Price:           price,
		Size:            order.Size,
		Fee:             fee,
		Time:            c.now(),
	}
	c.fills = append(c.fills, exec)

	pos, ok := c.positions[order.Symbol]
	if !ok {
		pos = &paperPosition{}
		c.positions[order.Symbol] = pos
	}
	effect := order.Size * order.Side.Sign()
	newAmt := pos.Amount + effect
	switch {
	case newAmt*pos.Amount < 0:
		pos.EntryPrice = price
	case math.Abs(newAmt) > math.Abs(pos.Amount):
		pos.EntryPrice = (pos.Amount*pos.EntryPrice + effect*price) / newAmt
	case newAmt == 0:
		pos.EntryPrice = 0
	}
	pos.Amount = newAmt
	c.cash -= effect*price + fee
	return exec
}
