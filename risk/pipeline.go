package risk

import (
	"math"

	"trading_gate/config"
	"trading_gate/exchange"
	"trading_gate/logs"
	"trading_gate/policy"
	"trading_gate/rules"
	"trading_gate/utils"
)

// Pipeline is the four-tier order validator.
type Pipeline struct{}

func NewPipeline() *Pipeline {
	return &Pipeline{}
}

// sizing is everything the checks derive from the intent once.
type sizing struct {
	size      float64
	entryRef  float64
	execPrice float64
	stop      float64
	exitSize  float64
	entrySize float64
	notional  float64
	delta     float64
	risk      float64
	capital   float64
}

func computeSizing(safety *config.SafetyConfig, in OrderIntent, live LiveState) sizing {
	s := sizing{capital: safety.CapitalBase(live.Portfolio.AccountValue)}
	if utils.IsPositiveFinite(in.Size) {
		s.size = in.Size
	}
	s.entryRef = in.PlannedEntry
	if !utils.IsPositiveFinite(s.entryRef) {
		s.entryRef = live.Market.Price
	}
	s.execPrice = live.Market.Price
	if in.OrderType == exchange.Limit {
		s.execPrice = in.LimitPrice()
	}
	s.stop = in.Stop()
	s.exitSize = math.Min(s.size, math.Max(live.OpposingSize, 0))
	s.entrySize = s.size - s.exitSize
	s.notional = s.size * s.entryRef
	s.delta = (s.entrySize - s.exitSize) * s.entryRef
	if s.entrySize > 0 {
		s.risk = math.Abs(s.entryRef-s.stop) * s.entrySize
	}
	return s
}

// Validate implements Checker. Every check in scope runs even after one
// has failed so the audit record always carries the full vector.
func (p *Pipeline) Validate(snap *policy.Snapshot, in OrderIntent, live LiveState) Evaluation {
	safety := snap.Safety
	s := computeSizing(safety, in, live)
	ev := Evaluation{EffectiveSize: s.size, IsExit: live.OpposingSize > 0}

	ev.Checks = append(ev.Checks, hardLimits(safety, in, live, s)...)
	ev.Checks = append(ev.Checks, strategyChecks(snap, in, live, s)...)
	ev.Checks = append(ev.Checks, p.ruleChecks(snap, in, live, s, &ev)...)
	ev.Checks = append(ev.Checks, consistencyChecks(safety, in, s, ev.EffectiveSize, ev.IsExit)...)

	if !ev.Passed() {
		logs.Infof("[Validator] %s %s %s %.8f rejected by %v", in.Strategy, in.Side, in.Symbol, in.Size, ev.Failed())
	}
	return ev
}

func hardLimits(safety *config.SafetyConfig, in OrderIntent, live LiveState, s sizing) []CheckResult {
	h, k, perm := safety.HardLimits, safety.KillSwitches, safety.Permissions
	pf := live.Portfolio
	ratio := func(v float64) float64 { return utils.SafeRatio(v, s.capital) }

	checks := []CheckResult{
		atMost("max_single_trade_risk", ratio(s.risk), h.MaxSingleTradeRiskPct, SourceSafety),
		atMost("max_single_position", ratio(math.Max(live.SymbolExposure+s.delta, 0)), h.MaxSinglePositionPct, SourceSafety),
		atMost("max_total_exposure", ratio(math.Max(pf.TotalExposure+s.delta, 0)), h.MaxTotalExposurePct, SourceSafety),
		atLeast("liquidity_check", s.notional, h.MinNotional, SourceSafety),
		atMost("spread_check", live.Market.SpreadPct, h.MaxSpreadPct, SourceSafety),
		atMost("market_data_fresh", live.Market.Age(live.Now).Seconds(), float64(h.MaxMarketDataAgeSeconds), SourceSafety),
		atMost("margin_check", s.entrySize*s.entryRef, pf.AvailableCash, SourceSafety),
	}

	drawdown := atMost("drawdown_halt", pf.DrawdownFromPeak, h.MaxDrawdownFromPeakPct, SourceSafety)
	daily := atLeast("daily_loss_halt", pf.DailyPnL, -h.MaxDailyLoss, SourceSafety)
	weekly := atLeast("weekly_loss_halt", pf.WeeklyPnL, -h.MaxWeeklyLoss, SourceSafety)
	if !k.DrawdownHalt {
		drawdown.Passed = true
	}
	if !k.DailyLossHalt {
		daily.Passed = true
	}
	if !k.WeeklyLossHalt {
		weekly.Passed = true
	}

	shortEntry := in.Side == exchange.Sell && s.entrySize > 0
	typeOK := in.OrderType.Valid() && (in.OrderType != exchange.Market || perm.AllowMarketOrders)

	return append(checks,
		drawdown, daily, weekly,
		flag("manual_halt", !k.ManualHalt, SourceSafety),
		flag("time_window_restriction", !safety.ActiveWindow(live.Now), SourceSafety),
		flag("short_permitted", !shortEntry || perm.AllowShort, SourceSafety),
		flag("order_type_permitted", typeOK, SourceSafety),
		flag("dead_man_lockout", !live.DeadManLocked, SourceGate),
	)
}

func strategyChecks(snap *policy.Snapshot, in OrderIntent, live LiveState, s sizing) []CheckResult {
	strat, known := snap.Strategy(in.Strategy)
	allocation := 0.0
	if known {
		allocation = strat.CapitalAllocation
	}
	after := utils.SafeRatio(math.Max(live.StrategyExposure+s.delta, 0), s.capital)
	return []CheckResult{
		flag("strategy_active", known && strat.IsActive(), SourceStrategy),
		flag("instrument_allowed", known && strat.AllowsInstrument(in.Symbol), SourceStrategy),
		atMost("strategy_capital_allocation", after, allocation, SourceStrategy),
	}
}

func buildFacts(in OrderIntent, live LiveState, s sizing) *rules.Facts {
	pf := live.Portfolio
	return &rules.Facts{
		Market: rules.MarketFacts{
			Price:             live.Market.Price,
			SpreadPct:         live.Market.SpreadPct,
			VolumeRatio:       live.Market.VolumeRatio,
			Volatility:        live.Market.RealizedVolatility,
			FundingRateZScore: live.Market.FundingRateZScore,
		},
		Order: rules.OrderFacts{
			Size:     s.size,
			Notional: s.notional,
			Side:     in.Side.Sign(),
			Risk:     s.risk,
			RiskPct:  utils.SafeRatio(s.risk, s.capital),
		},
		Portfolio: rules.PortfolioFacts{
			TotalExposurePct:  utils.SafeRatio(pf.TotalExposure, s.capital),
			OpenPositionCount: float64(pf.OpenPositionCount),
			DailyPnL:          pf.DailyPnL,
			WeeklyPnL:         pf.WeeklyPnL,
			DrawdownPct:       pf.DrawdownFromPeak,
		},
		Now: live.Now,
	}
}

// ruleChecks evaluates each enforced rule. A rule that cannot be resolved
// fails its check and is reported as a fault; the other rules still run.
func (p *Pipeline) ruleChecks(snap *policy.Snapshot, in OrderIntent, live LiveState, s sizing, ev *Evaluation) []CheckResult {
	facts := buildFacts(in, live, s)
	var checks []CheckResult
	for _, rule := range snap.EnforcedRules(in.Strategy) {
		name := "rule:" + rule.ID
		limit := 1.0
		if rule.Action == rules.ActionReject {
			limit = 0
		}
		fired, err := rules.Evaluate(rule, facts)
		if err != nil {
			logs.Errorf("[Validator] Rule %s failed to evaluate, order rejected: %v", rule.ID, err)
			ev.Faults = append(ev.Faults, RuleFault{RuleID: rule.ID, Err: err})
			checks = append(checks, CheckResult{Name: name, Passed: false, Value: 1, Limit: 0, Source: SourceRule})
			continue
		}
		if !fired {
			checks = append(checks, CheckResult{Name: name, Passed: true, Value: 0, Limit: limit, Source: SourceRule})
			continue
		}
		switch rule.Action {
		case rules.ActionReject:
			checks = append(checks, CheckResult{Name: name, Passed: false, Value: 1, Limit: 0, Source: SourceRule})
		case rules.ActionWarn:
			logs.Warnf("[Validator] Rule %s fired (warn): %s", rule.ID, rule.Message)
			ev.Warnings = append(ev.Warnings, rule.ID)
			checks = append(checks, CheckResult{Name: name, Passed: true, Value: 1, Limit: 1, Source: SourceRule})
		case rules.ActionReduceSize:
			if capped := rule.ReduceTo * s.size; capped < ev.EffectiveSize {
				ev.EffectiveSize = capped
			}
			logs.Infof("[Validator] Rule %s reduced size to %.8f", rule.ID, ev.EffectiveSize)
			checks = append(checks, CheckResult{Name: name, Passed: true, Value: 1, Limit: 1, Source: SourceRule})
		}
	}
	return checks
}

func consistencyChecks(safety *config.SafetyConfig, in OrderIntent, s sizing, effective float64, isExit bool) []CheckResult {
	h := safety.HardLimits

	slippage := CheckResult{Name: "slippage_check", Passed: false, Value: 1, Limit: h.MaxSlippagePct, Source: SourceSafety}
	if utils.IsPositiveFinite(in.PlannedEntry) && utils.IsPositiveFinite(s.execPrice) {
		slippage = atMost("slippage_check", math.Abs(s.execPrice-in.PlannedEntry)/in.PlannedEntry, h.MaxSlippagePct, SourceSafety)
	}

	stopPresent, stopValid := true, true
	if !isExit {
		stopPresent = utils.IsPositiveFinite(s.stop)
		switch in.Side {
		case exchange.Buy:
			stopValid = stopPresent && s.stop < s.entryRef
		case exchange.Sell:
			stopValid = stopPresent && s.stop > s.entryRef
		default:
			stopValid = false
		}
	}

	return []CheckResult{
		slippage,
		flag("size_valid", utils.IsPositiveFinite(in.Size) && in.Side.Valid(), SourceGate),
		flag("stop_price_present", stopPresent, SourceGate),
		flag("stop_order_valid", stopValid, SourceGate),
		atLeast("effective_size_valid", effective*s.entryRef, math.Max(h.MinNotional, math.SmallestNonzeroFloat64), SourceGate),
	}
}

// CheckNames lists the checks every SubmitOrder produces, in order, before
// the per-rule checks are inserted after strategy_capital_allocation.
func CheckNames() []string {
	return []string{
		"max_single_trade_risk", "max_single_position", "max_total_exposure",
		"liquidity_check", "spread_check", "market_data_fresh", "margin_check",
		"drawdown_halt", "daily_loss_halt", "weekly_loss_halt", "manual_halt",
		"time_window_restriction", "short_permitted", "order_type_permitted",
		"dead_man_lockout",
		"strategy_active", "instrument_allowed", "strategy_capital_allocation",
		"slippage_check", "size_valid", "stop_price_present", "stop_order_valid",
		"effective_size_valid",
	}
}
