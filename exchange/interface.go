package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrOrderNotFound is returned by Cancel when the venue has no such resting order.
	ErrOrderNotFound = errors.New("order not found on exchange")
	// ErrTimeout is returned when a venue call exceeds its deadline.
	ErrTimeout = errors.New("exchange call timed out")
	// ErrNoPrice is returned by Ticker when no price is known for a symbol.
	ErrNoPrice = errors.New("no price available")
)

// Side defines the order direction.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Sign is +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == Sell {
		return -1
	}
	return 1
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Upper is the venue spelling.
func (s Side) Upper() string { return strings.ToUpper(string(s)) }

// OrderType defines the order type.
type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

func (t OrderType) Valid() bool { return t == Market || t == Limit }

// OrderStatus defines the order status.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "open"
	StatusFilled    OrderStatus = "filled"
	StatusCancelled OrderStatus = "cancelled"
	StatusFailed    OrderStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s OrderStatus) Terminal() bool { return s != StatusOpen }

// Order is the gate's record of an order it accepted.
type Order struct {
	ID              string      `json:"id"`
	Strategy        string      `json:"strategy"`
	Symbol          string      `json:"symbol"`
	Side            Side        `json:"side"`
	Size            float64     `json:"size"`
	OrderType       OrderType   `json:"order_type"`
	RequestedPrice  float64     `json:"requested_price,omitempty"`
	StopPrice       float64     `json:"stop_price,omitempty"`
	PlannedEntry    float64     `json:"planned_entry"`
	PlacedAt        time.Time   `json:"placed_at"`
	Status          OrderStatus `json:"status"`
	ThesisRef       string      `json:"thesis_ref"`
	ExchangeOrderID string      `json:"exchange_order_id,omitempty"`
	IsEntry         bool        `json:"is_entry"`
}

// Notional is size times the price the order is expected to trade at.
func (o Order) Notional() float64 {
	price := o.PlannedEntry
	if o.OrderType == Limit && o.RequestedPrice > 0 {
		price = o.RequestedPrice
	}
	return o.Size * price
}

// Fill is a completed execution as recorded in the ledger.
type Fill struct {
	OrderID     string    `json:"order_id"`
	Symbol      string    `json:"symbol"`
	Side        Side      `json:"side"`
	Size        float64   `json:"size"`
	Price       float64   `json:"price"`
	Fee         float64   `json:"fee"`
	FilledAt    time.Time `json:"filled_at"`
	Strategy    string    `json:"strategy"`
	ThesisRef   string    `json:"thesis_ref"`
	IsEntry     bool      `json:"is_entry"`
	RealizedPnL float64   `json:"realized_pnl"`
}

// Execution is what a venue reports back for an order: either the
// immediate result of Place or one entry of FillsSince.
type Execution struct {
	ClientOrderID   string
	ExchangeOrderID string
	Filled          bool
	Price           float64
	Size            float64
	Fee             float64
	Time            time.Time
}

// AccountSnapshot is the venue's view of balances.
type AccountSnapshot struct {
	AccountValue  float64
	AvailableCash float64
	Currency      string
}

// Ticker is a top-of-book quote.
type Ticker struct {
	Symbol string
	Price  float64
	Bid    float64
	Ask    float64
	Time   time.Time
}

// SpreadPct is (ask - bid) / mid, or 0 without a two-sided quote.
func (t Ticker) SpreadPct() float64 {
	if t.Bid <= 0 || t.Ask <= 0 || t.Ask < t.Bid {
		return 0
	}
	mid := (t.Bid + t.Ask) / 2
	return (t.Ask - t.Bid) / mid
}

// Adapter defines what the gate needs from a trading venue.
type Adapter interface {
	// Name identifies the venue in logs and audit records.
	Name() string

	// Place submits order. A market order may come back Filled; a limit order
	// usually rests and is picked up later through FillsSince.
	Place(ctx context.Context, order Order) (Execution, error)

	// Cancel removes a resting order. ErrOrderNotFound if the venue has none.
	Cancel(ctx context.Context, order Order) error

	// FillsSince returns executions at or after since.
	FillsSince(ctx context.Context, since time.Time) ([]Execution, error)

	AccountState(ctx context.Context) (AccountSnapshot, error)

	Ticker(ctx context.Context, symbol string) (Ticker, error)
}

// PlaceWithTimeout calls Place under a deadline and maps a deadline
// overrun to ErrTimeout.
func PlaceWithTimeout(ctx context.Context, a Adapter, order Order, timeout time.Duration) (Execution, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	exec, err := a.Place(ctx, order)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Execution{}, fmt.Errorf("%w: %s place %s after %s", ErrTimeout, a.Name(), order.ID, timeout)
		}
		return Execution{}, err
	}
	return exec, nil
}
