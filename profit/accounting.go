package profit

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Trade is one execution fed to the accountant.
type Trade struct {
	Buy       bool
	Price     float64
	Quantity  float64
	Fee       float64
	Timestamp time.Time
}

// PositionState is the weighted-average-cost view of one strategy/symbol.
type PositionState struct {
	TotalQuantity    float64 // Negative for short positions.
	AverageCost      float64
	RealizedProfit   float64 // Gross of fees.
	Fees             float64
	UnrealizedProfit float64
}

// Accountant tracks one position with the weighted average cost method.
type Accountant struct {
	mu       sync.Mutex
	position PositionState
}

// NewAccountant creates a flat accountant.
func NewAccountant() *Accountant {
	return &Accountant{}
}

// RecordTrade updates the position and returns the profit this trade
// realized, gross of fees. Only closing quantity realizes profit.
func (a *Accountant) RecordTrade(trade Trade) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	qty := trade.Quantity
	curQty := a.position.TotalQuantity
	curCost := a.position.AverageCost
	a.position.Fees += trade.Fee

	isClosing := (curQty > 0 && !trade.Buy) || (curQty < 0 && trade.Buy)

	var pnl float64
	if isClosing {
		closeQty := math.Min(math.Abs(curQty), qty)
		if trade.Buy {
			pnl = (curCost - trade.Price) * closeQty
		} else {
			pnl = (trade.Price - curCost) * closeQty
		}
		a.position.RealizedProfit += pnl
	}

	signed := qty
	if !trade.Buy {
		signed = -qty
	}

	if !isClosing {
		value := curCost*math.Abs(curQty) + trade.Price*qty
		a.position.TotalQuantity += signed
		if a.position.TotalQuantity != 0 {
			a.position.AverageCost = value / math.Abs(a.position.TotalQuantity)
		} else {
			a.position.AverageCost = 0
		}
		return pnl
	}

	a.position.TotalQuantity += signed
	switch {
	case curQty*a.position.TotalQuantity < 0:
		// Reversal: the remainder opened at this trade's price.
		a.position.AverageCost = trade.Price
	case math.Abs(a.position.TotalQuantity) < 1e-12:
		a.position.TotalQuantity = 0
		a.position.AverageCost = 0
	}
	return pnl
}

// UpdateUnrealizedProfit marks the position to currentPrice.
func (a *Accountant) UpdateUnrealizedProfit(currentPrice float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.position.UnrealizedProfit = (currentPrice - a.position.AverageCost) * a.position.TotalQuantity
	if a.position.TotalQuantity == 0 {
		a.position.UnrealizedProfit = 0
	}
	return a.position.UnrealizedProfit
}

// GetPositionState returns a copy of the current position state.
func (a *Accountant) GetPositionState() PositionState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

// Key identifies one book entry.
type Key struct {
	Strategy string
	Symbol   string
}

// Book keeps one Accountant per strategy and symbol.
type Book struct {
	mu    sync.Mutex
	books map[Key]*Accountant
}

func NewBook() *Book {
	return &Book{books: make(map[Key]*Accountant)}
}

func (b *Book) accountant(k Key) *Accountant {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, ok := b.books[k]
	if !ok {
		acc = NewAccountant()
		b.books[k] = acc
	}
	return acc
}

// Record routes a trade to its accountant and returns the realized profit.
func (b *Book) Record(strategy, symbol string, trade Trade) float64 {
	return b.accountant(Key{Strategy: strategy, Symbol: symbol}).RecordTrade(trade)
}

// Position returns the state for one key; a flat state if unseen.
func (b *Book) Position(strategy, symbol string) PositionState {
	b.mu.Lock()
	acc, ok := b.books[Key{Strategy: strategy, Symbol: symbol}]
	b.mu.Unlock()
	if !ok {
		return PositionState{}
	}
	return acc.GetPositionState()
}

// Keys lists every tracked key in a stable order.
func (b *Book) Keys() []Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Key, 0, len(b.books))
	for k := range b.books {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Strategy != out[j].Strategy {
			return out[i].Strategy < out[j].Strategy
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out
}

// TotalRealized sums realized profit net of fees across the book.
func (b *Book) TotalRealized() float64 {
	var total float64
	for _, k := range b.Keys() {
		p := b.Position(k.Strategy, k.Symbol)
		total += p.RealizedProfit - p.Fees
	}
	return total
}
