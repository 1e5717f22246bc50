package rules

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrUnknownField is returned when a condition names a field outside the
// whitelist. Callers must treat it as a rejection.
var ErrUnknownField = errors.New("field not in whitelist")

// FieldResolver turns a field name into a number.
type FieldResolver interface {
	Resolve(field string) (float64, error)
}

// MarketFacts are the market.* inputs.
type MarketFacts struct {
	Price             float64
	SpreadPct         float64
	VolumeRatio       float64
	Volatility        float64
	FundingRateZScore float64
}

// OrderFacts are the order.* inputs. Side is +1 for buy, -1 for sell.
type OrderFacts struct {
	Size     float64
	Notional float64
	Side     float64
	Risk     float64
	RiskPct  float64
}

// PortfolioFacts are the portfolio.* inputs.
type PortfolioFacts struct {
	TotalExposurePct  float64
	OpenPositionCount float64
	DailyPnL          float64
	WeeklyPnL         float64
	DrawdownPct       float64
}

// Facts is the complete, immutable input for one order evaluation.
type Facts struct {
	Market    MarketFacts
	Order     OrderFacts
	Portfolio PortfolioFacts
	Now       time.Time
}

// whitelist is the closed set of resolvable fields.
var whitelist = map[string]func(*Facts) float64{
	"market.price":                  func(f *Facts) float64 { return f.Market.Price },
	"market.spread_pct":             func(f *Facts) float64 { return f.Market.SpreadPct },
	"market.volume_ratio":           func(f *Facts) float64 { return f.Market.VolumeRatio },
	"market.volatility":             func(f *Facts) float64 { return f.Market.Volatility },
	"market.funding_rate_zscore":    func(f *Facts) float64 { return f.Market.FundingRateZScore },
	"order.size":                    func(f *Facts) float64 { return f.Order.Size },
	"order.notional":                func(f *Facts) float64 { return f.Order.Notional },
	"order.side":                    func(f *Facts) float64 { return f.Order.Side },
	"order.risk":                    func(f *Facts) float64 { return f.Order.Risk },
	"order.risk_pct":                func(f *Facts) float64 { return f.Order.RiskPct },
	"portfolio.total_exposure_pct":  func(f *Facts) float64 { return f.Portfolio.TotalExposurePct },
	"portfolio.open_position_count": func(f *Facts) float64 { return f.Portfolio.OpenPositionCount },
	"portfolio.daily_pnl":           func(f *Facts) float64 { return f.Portfolio.DailyPnL },
	"portfolio.weekly_pnl":          func(f *Facts) float64 { return f.Portfolio.WeeklyPnL },
	"portfolio.drawdown_pct":        func(f *Facts) float64 { return f.Portfolio.DrawdownPct },
	"time.day_of_week":              func(f *Facts) float64 { return float64((int(f.Now.UTC().Weekday()) + 6) % 7) },
	"time.hour_utc":                 func(f *Facts) float64 { return float64(f.Now.UTC().Hour()) },
}

// Resolve implements FieldResolver over the whitelist.
func (f *Facts) Resolve(field string) (float64, error) {
	get, ok := whitelist[field]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownField, field)
	}
	return get(f), nil
}

// IsKnownField reports whether field is resolvable.
func IsKnownField(field string) bool {
	_, ok := whitelist[field]
	return ok
}

// KnownFields returns the whitelist in sorted order.
func KnownFields() []string {
	out := make([]string, 0, len(whitelist))
	for k := range whitelist {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
