package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// FallbackAction is what the dead-man switch does once the agent goes silent.
type FallbackAction string

const (
	LiquidateAll FallbackAction = "liquidate_all"
	CloseNewOnly FallbackAction = "close_new_only"
)

// HardLimits are the immutable ceilings every order is checked against.
type HardLimits struct {
	MaxTotalCapital         float64 `yaml:"max_total_capital"`
	MaxSinglePositionPct    float64 `yaml:"max_single_position_pct"`
	MaxSingleTradeRiskPct   float64 `yaml:"max_single_trade_risk_pct"`
	MaxTotalExposurePct     float64 `yaml:"max_total_exposure_pct"`
	MaxDailyLoss            float64 `yaml:"max_daily_loss"`
	MaxWeeklyLoss           float64 `yaml:"max_weekly_loss"`
	MaxDrawdownFromPeakPct  float64 `yaml:"max_drawdown_from_peak_pct"`
	MaxSpreadPct            float64 `yaml:"max_spread_pct"`
	MinNotional             float64 `yaml:"min_notional"`
	MaxSlippagePct          float64 `yaml:"max_slippage_pct"`
	MaxMarketDataAgeSeconds int     `yaml:"max_market_data_age_seconds"`
}

type KillSwitches struct {
	DailyLossHalt  bool `yaml:"daily_loss_halt"`
	WeeklyLossHalt bool `yaml:"weekly_loss_halt"`
	DrawdownHalt   bool `yaml:"drawdown_halt"`
	ManualHalt     bool `yaml:"manual_halt"`
}

type Permissions struct {
	AllowShort        bool `yaml:"allow_short"`
	AllowMarketOrders bool `yaml:"allow_market_orders"`
}

type DeadManSwitch struct {
	Enabled        bool           `yaml:"enabled"`
	TimeoutMinutes float64        `yaml:"timeout_minutes"`
	Action         FallbackAction `yaml:"action"`
}

// Timeout returns the configured silence allowed before the fallback fires.
func (d DeadManSwitch) Timeout() time.Duration {
	return time.Duration(d.TimeoutMinutes * float64(time.Minute))
}

// RestrictedWindow blocks trading during an hour range, optionally on one
// weekday (Monday = 0). Both hour bounds are inclusive; a start later than
// the end wraps past midnight.
type RestrictedWindow struct {
	DayOfWeek    *int `yaml:"day_of_week,omitempty"`
	HourStartUTC *int `yaml:"hour_start_utc,omitempty"`
	HourEndUTC   *int `yaml:"hour_end_utc,omitempty"`
}

// Contains reports whether t falls inside the window.
func (w RestrictedWindow) Contains(t time.Time) bool {
	t = t.UTC()
	if w.DayOfWeek != nil && *w.DayOfWeek != MondayIndex(t) {
		return false
	}
	start, end := 0, 23
	if w.HourStartUTC != nil {
		start = *w.HourStartUTC
	}
	if w.HourEndUTC != nil {
		end = *w.HourEndUTC
	}
	hour := t.Hour()
	if start <= end {
		return hour >= start && hour <= end
	}
	return hour >= start || hour <= end
}

// MondayIndex maps time.Weekday to Monday=0 .. Sunday=6.
func MondayIndex(t time.Time) int {
	return (int(t.Weekday()) + 6) % 7
}

// SafetyConfig is the human-owned safety document. The gate only ever
// holds read-only copies of it.
type SafetyConfig struct {
	HardLimits        HardLimits         `yaml:"hard_limits"`
	KillSwitches      KillSwitches       `yaml:"kill_switches"`
	Permissions       Permissions        `yaml:"permissions"`
	DeadManSwitch     DeadManSwitch      `yaml:"dead_man_switch"`
	RestrictedWindows []RestrictedWindow `yaml:"restricted_windows"`
}

func newSafetyConfig() *SafetyConfig {
	return &SafetyConfig{
		HardLimits: HardLimits{
			MaxSpreadPct:            0.01,
			MinNotional:             50,
			MaxSlippagePct:          0.005,
			MaxMarketDataAgeSeconds: 300,
		},
		KillSwitches: KillSwitches{
			DailyLossHalt:  true,
			WeeklyLossHalt: true,
			DrawdownHalt:   true,
		},
		Permissions:   Permissions{AllowMarketOrders: true},
		DeadManSwitch: DeadManSwitch{Action: CloseNewOnly},
	}
}

// LoadSafetyConfig reads and validates safety.yaml. Unlike gate.yaml, a
// missing safety file is fatal: there is no safe default for hard limits.
func LoadSafetyConfig(path string) (*SafetyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("safety config not found at %s; the gate cannot run without hard limits", path)
		}
		return nil, fmt.Errorf("failed to read safety config: %w", err)
	}
	return ParseSafetyConfig(data)
}

// ParseSafetyConfig decodes and validates a safety document.
func ParseSafetyConfig(data []byte) (*SafetyConfig, error) {
	cfg := newSafetyConfig()
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal safety config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("safety config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks that every hard limit is present and sane.
func (c *SafetyConfig) Validate() error {
	h := c.HardLimits
	if h.MaxTotalCapital <= 0 {
		return fmt.Errorf("'hard_limits.max_total_capital' must be explicitly specified and positive")
	}
	pcts := []struct {
		name  string
		value float64
	}{
		{"max_single_position_pct", h.MaxSinglePositionPct},
		{"max_single_trade_risk_pct", h.MaxSingleTradeRiskPct},
		{"max_total_exposure_pct", h.MaxTotalExposurePct},
		{"max_drawdown_from_peak_pct", h.MaxDrawdownFromPeakPct},
		{"max_spread_pct", h.MaxSpreadPct},
		{"max_slippage_pct", h.MaxSlippagePct},
	}
	for _, p := range pcts {
		if p.value <= 0 || p.value > 1 {
			return fmt.Errorf("'hard_limits.%s' must be in (0, 1], got %v", p.name, p.value)
		}
	}
	if h.MaxDailyLoss <= 0 {
		return fmt.Errorf("'hard_limits.max_daily_loss' must be explicitly specified and positive")
	}
	if h.MaxWeeklyLoss <= 0 {
		return fmt.Errorf("'hard_limits.max_weekly_loss' must be explicitly specified and positive")
	}
	if h.MaxWeeklyLoss < h.MaxDailyLoss {
		return fmt.Errorf("'hard_limits.max_weekly_loss' (%.2f) cannot be below max_daily_loss (%.2f)", h.MaxWeeklyLoss, h.MaxDailyLoss)
	}
	if h.MinNotional < 0 {
		return fmt.Errorf("'hard_limits.min_notional' cannot be negative")
	}
	if h.MaxMarketDataAgeSeconds <= 0 {
		return fmt.Errorf("'hard_limits.max_market_data_age_seconds' must be positive")
	}

	d := c.DeadManSwitch
	if d.Action != LiquidateAll && d.Action != CloseNewOnly {
		return fmt.Errorf("'dead_man_switch.action' must be '%s' or '%s', got %q", LiquidateAll, CloseNewOnly, d.Action)
	}
	if d.Enabled && d.TimeoutMinutes <= 0 {
		return fmt.Errorf("'dead_man_switch.timeout_minutes' must be positive when the switch is enabled")
	}

	for i, w := range c.RestrictedWindows {
		if w.DayOfWeek != nil && (*w.DayOfWeek < 0 || *w.DayOfWeek > 6) {
			return fmt.Errorf("restricted_windows[%d].day_of_week must be 0 (Monday) .. 6 (Sunday)", i)
		}
		for _, hr := range []*int{w.HourStartUTC, w.HourEndUTC} {
			if hr != nil && (*hr < 0 || *hr > 23) {
				return fmt.Errorf("restricted_windows[%d] hours must be 0..23", i)
			}
		}
	}
	return nil
}

// ActiveWindow reports whether any restricted window contains t.
func (c *SafetyConfig) ActiveWindow(t time.Time) bool {
	for _, w := range c.RestrictedWindows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// CapitalBase is the denominator for every percentage limit: the smaller
// of the live account value and the configured capital ceiling.
func (c *SafetyConfig) CapitalBase(accountValue float64) float64 {
	ceiling := c.HardLimits.MaxTotalCapital
	if accountValue > 0 && (ceiling <= 0 || accountValue < ceiling) {
		return accountValue
	}
	return ceiling
}
