// risk/halts.go
package risk

import (
	"trading_gate/config"
	"trading_gate/logs"
	"trading_gate/state"
)

// HaltTransition is a kill switch crossing into or out of its halt zone.
type HaltTransition struct {
	Check   string
	Engaged bool
	Value   float64
	Limit   float64
}

// HaltWatch latches the portfolio kill switches between reconcile passes
// so operators get one alert per crossing instead of one per rejected
// order. It never gates orders itself; the pipeline re-checks every time.
type HaltWatch struct {
	engaged map[string]bool
}

func NewHaltWatch() *HaltWatch {
	return &HaltWatch{engaged: make(map[string]bool)}
}

// CheckAndUpdate compares the portfolio with the enabled kill switches and
// returns the transitions since the previous call.
func (w *HaltWatch) CheckAndUpdate(safety *config.SafetyConfig, pf state.PortfolioState) []HaltTransition {
	h, k := safety.HardLimits, safety.KillSwitches
	current := []struct {
		enabled bool
		result  CheckResult
	}{
		{k.DailyLossHalt, atLeast("daily_loss_halt", pf.DailyPnL, -h.MaxDailyLoss, SourceSafety)},
		{k.WeeklyLossHalt, atLeast("weekly_loss_halt", pf.WeeklyPnL, -h.MaxWeeklyLoss, SourceSafety)},
		{k.DrawdownHalt, atMost("drawdown_halt", pf.DrawdownFromPeak, h.MaxDrawdownFromPeakPct, SourceSafety)},
		{k.ManualHalt, flag("manual_halt", false, SourceSafety)},
	}

	var out []HaltTransition
	for _, c := range current {
		name := c.result.Name
		halted := c.enabled && !c.result.Passed
		if halted == w.engaged[name] {
			continue
		}
		w.engaged[name] = halted
		t := HaltTransition{Check: name, Engaged: halted, Value: c.result.Value, Limit: c.result.Limit}
		if halted {
			logs.Warnf("[Halt-Warning] %s engaged (value %.4f, limit %.4f). New orders will be rejected.", name, t.Value, t.Limit)
		} else {
			logs.Infof("[Halt-Restore] %s released (value %.4f, limit %.4f).", name, t.Value, t.Limit)
		}
		out = append(out, t)
	}
	return out
}

// IsHalted reports whether any kill switch was engaged at the last update.
func (w *HaltWatch) IsHalted() bool {
	for _, on := range w.engaged {
		if on {
			return true
		}
	}
	return false
}
