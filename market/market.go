// Package market provides the market.* facts the check pipeline and rule
// interpreter read: last price, spread, volume ratio and volatility.
package market

import (
	"context"
	"math"
	"sync"
	"time"

	"trading_gate/exchange"
	"trading_gate/logs"
)

// State is a point-in-time market snapshot for one symbol.
type State struct {
	Symbol             string    `json:"symbol"`
	Price              float64   `json:"price"`
	SpreadPct          float64   `json:"spread_pct"`
	VolumeRatio        float64   `json:"volume_ratio"`
	RealizedVolatility float64   `json:"realized_volatility"`
	FundingRateZScore  float64   `json:"funding_rate_zscore"`
	Regime             string    `json:"regime_id"`
	AsOf               time.Time `json:"minute"`
}

// Age is how old the snapshot is at now.
func (s State) Age(now time.Time) time.Duration {
	return now.Sub(s.AsOf)
}

// Seed is the placeholder state the paper venue starts from when there is
// no feature store to price it.
func Seed(symbol string, now time.Time) State {
	return State{
		Symbol:             symbol,
		Price:              10000,
		SpreadPct:          0.001,
		VolumeRatio:        1,
		RealizedVolatility: 0.35,
		Regime:             "ranging",
		AsOf:               now.UTC(),
	}
}

// Source reads the latest features for a symbol from an external store.
type Source interface {
	Latest(ctx context.Context, symbol string) (State, error)
}

// TickerSource is the part of exchange.Adapter the cache needs.
type TickerSource interface {
	Ticker(ctx context.Context, symbol string) (exchange.Ticker, error)
}

// Cache keeps the latest State per symbol and refreshes it from the
// feature source and the venue ticker.
type Cache struct {
	mu     sync.RWMutex
	states map[string]State
	source Source
	ticker TickerSource
	now    func() time.Time
}

// NewCache creates a cache. Either source may be nil.
func NewCache(source Source, ticker TickerSource) *Cache {
	return &Cache{
		states: make(map[string]State),
		source: source,
		ticker: ticker,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the time source.
func (c *Cache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns the cached state. A symbol no source has answered for yet
// comes back with no price and a zero timestamp, so it fails every
// freshness check until a refresh succeeds or a seed is Put.
func (c *Cache) Get(symbol string) State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if st, ok := c.states[symbol]; ok {
		return st
	}
	return State{Symbol: symbol}
}

// Put replaces the cached state.
func (c *Cache) Put(st State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[st.Symbol] = st
}

// Refresh pulls both sources and merges what they return over the cached
// state. Features come from the source; price and spread from the ticker
// when present. The state is only re-stamped when a source answered, so a
// dead feed ages out and fails the freshness check.
func (c *Cache) Refresh(ctx context.Context, symbol string) (State, error) {
	st := c.Get(symbol)
	var lastErr error
	updated := false

	if c.source != nil {
		feat, err := c.source.Latest(ctx, symbol)
		if err != nil {
			lastErr = err
			logs.Warnf("[Market] Feature source failed for %s: %v", symbol, err)
		} else {
			st.Price = feat.Price
			st.RealizedVolatility = feat.RealizedVolatility
			st.VolumeRatio = feat.VolumeRatio
			st.AsOf = feat.AsOf
			updated = true
		}
	}

	if c.ticker != nil {
		tk, err := c.ticker.Ticker(ctx, symbol)
		if err != nil {
			lastErr = err
			logs.Debugf("[Market] Ticker failed for %s: %v", symbol, err)
		} else {
			if tk.Price > 0 {
				st.Price = tk.Price
			}
			if sp := tk.SpreadPct(); sp > 0 {
				st.SpreadPct = sp
			}
			if tk.Time.After(st.AsOf) || !updated {
				st.AsOf = tk.Time
			}
			updated = true
		}
	}

	st.Regime = classifyRegime(st)
	if updated {
		c.Put(st)
		return st, nil
	}
	return st, lastErr
}

// classifyRegime labels the state the same way the feature pipeline does.
func classifyRegime(st State) string {
	switch {
	case math.Abs(st.FundingRateZScore) < 0.5 && st.RealizedVolatility < 0.8:
		return "ranging"
	case st.FundingRateZScore > 0:
		return "volatile_crisis"
	default:
		return "volatile_mean_reverting"
	}
}
