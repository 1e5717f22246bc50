// orchestrator.go
package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grafana/pyroscope-go"

	"trading_gate/audit"
	"trading_gate/config"
	"trading_gate/exchange"
	"trading_gate/gate"
	"trading_gate/ipc"
	"trading_gate/logs"
	"trading_gate/market"
	"trading_gate/metrics"
	"trading_gate/policy"
	"trading_gate/proposal"
	"trading_gate/state"
)

type Orchestrator struct {
	cfg       *config.GateConfig
	store     *state.Store
	ledger    *state.Ledger
	policy    *policy.Store
	adapter   exchange.Adapter
	timescale *market.TimescaleSource
	market    *market.Cache
	auditLog  *audit.Log
	mediator  *proposal.Mediator
	telemetry *metrics.Provider
	gate      *gate.Gate
	server    *ipc.Server
	profiler  *pyroscope.Profiler

	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewOrchestrator builds every component in dependency order. Anything
// opened before a failure is closed again.
func NewOrchestrator(cfg *config.GateConfig, envCfg *config.EnvConfig) (_ *Orchestrator, err error) {
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{cfg: cfg, ctx: ctx, cancel: cancel, stopChan: make(chan struct{})}
	defer func() {
		if err != nil {
			o.closeResources()
			cancel()
		}
	}()

	// 1. Ledger first: it is the gate's memory across restarts.
	if o.store, err = state.OpenStore(cfg.DatabasePath); err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	o.ledger = state.NewLedger(o.store, cfg.InitialAccountValue, cfg.InitialAvailableCash)
	if err = o.ledger.Restore(ctx); err != nil {
		return nil, fmt.Errorf("failed to restore ledger: %w", err)
	}
	logs.Infof("State store opened: %s", cfg.DatabasePath)

	// 2. Policy: safety limits, strategies, rules and the approved overlay.
	if o.policy, err = policy.NewStore(ctx, policy.NewLoader(cfg, o.store)); err != nil {
		return nil, err
	}

	// 3. Venue.
	if o.adapter, err = exchange.New(cfg, envCfg); err != nil {
		return nil, fmt.Errorf("failed to create exchange adapter: %w", err)
	}
	paper, isPaper := o.adapter.(*exchange.PaperClient)
	if isPaper {
		logs.Warnf("<<<<<<<<<< WARNING: Running in dry-run mode, orders go to the paper venue >>>>>>>>>>")
	}

	// 4. Market data. With a feature store the paper venue follows its
	// price; without one the paper venue is the price.
	var source market.Source
	if cfg.Market.TimescaleDSN != "" {
		timeout := time.Duration(cfg.Market.QueryTimeoutSeconds) * time.Second
		if o.timescale, err = market.OpenTimescale(cfg.Market.TimescaleDSN, timeout); err != nil {
			return nil, fmt.Errorf("failed to open market feature store: %w", err)
		}
		source = o.timescale
	}
	var ticker market.TickerSource = o.adapter
	if isPaper && source != nil {
		ticker = nil
	}
	o.market = market.NewCache(source, ticker)
	symbols := o.symbols()
	if isPaper {
		for _, symbol := range symbols {
			seed := market.Seed(symbol, time.Now())
			o.market.Put(seed)
			paper.SetPrice(symbol, seed.Price)
		}
	}

	// 5. Audit log.
	if o.auditLog, err = audit.Open(cfg.AuditLogPath); err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	logs.Infof("Audit log opened at %s, resuming after seq %d", cfg.AuditLogPath, o.auditLog.Seq())

	// 6. Telemetry.
	if o.telemetry, err = metrics.Setup(ctx, cfg.Telemetry); err != nil {
		return nil, err
	}

	o.mediator = proposal.NewMediator(o.policy, o.store)
	o.gate = gate.New(gate.Options{
		DeadMan:         cfg.DeadMan,
		ExchangeTimeout: time.Duration(cfg.Exchange.TimeoutSeconds) * time.Second,
		LiveAccount:     !isPaper,
		Symbols:         symbols,
		FollowMarket:    isPaper && source != nil,
	}, gate.Deps{
		Policy:   o.policy,
		Audit:    o.auditLog,
		Ledger:   o.ledger,
		Exchange: o.adapter,
		Market:   o.market,
		Mediator: o.mediator,
		Metrics:  o.telemetry.Recorder,
	})

	if err = o.reconcileStateOnStartup(); err != nil {
		return nil, fmt.Errorf("failed to reconcile state on startup: %w", err)
	}

	// 7. Socket last, so nothing can connect to a half-built gate.
	o.server = ipc.NewServer(cfg.SocketPath, cfg.IPC, o.gate)
	if err = o.server.Listen(); err != nil {
		return nil, err
	}
	return o, nil
}

// symbols lists the product plus every instrument an active strategy trades.
func (o *Orchestrator) symbols() []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(o.cfg.Product)
	for _, strat := range o.policy.Current().Strategies {
		for _, inst := range strat.Instruments {
			add(inst)
		}
	}
	return out
}

// reconcileStateOnStartup books fills the venue reported while the gate
// was down and logs what the ledger restored.
func (o *Orchestrator) reconcileStateOnStartup() error {
	logs.Info("[Orchestrator] Starting state reconciliation on startup...")

	open := o.ledger.OpenOrders()
	lots := o.ledger.Lots()
	logs.Infof("[Orchestrator] Ledger restored: %d open orders, %d open lots.", len(open), len(lots))

	o.gate.Reconcile(o.ctx)

	if still := o.ledger.OpenOrders(); len(still) < len(open) {
		logs.Infof("[Orchestrator] %d resting orders filled while the gate was down.", len(open)-len(still))
	}
	pf := o.ledger.Portfolio()
	logs.Infof("[Orchestrator] Account value %.2f, cash %.2f, exposure %.2f across %d positions.",
		pf.AccountValue, pf.AvailableCash, pf.TotalExposure, pf.OpenPositionCount)

	if o.gate.Halted() {
		logs.Warnf("[Orchestrator] A kill switch is engaged; new orders will be rejected until it clears.")
	}
	snap := o.policy.Current()
	for id, reason := range snap.Flagged {
		logs.Warnf("[Orchestrator] Rule %s needs attention: %s", id, reason)
	}
	if !snap.Safety.DeadManSwitch.Enabled {
		logs.Warnf("[Orchestrator] Dead-man switch is disabled in %s", o.cfg.SafetyConfigPath)
	}
	logs.Info("[Orchestrator] State reconciliation complete.")
	return nil
}

func (o *Orchestrator) Start() {
	if o.cfg.Profiling.ServerAddress != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: o.cfg.Profiling.ApplicationName,
			ServerAddress:   o.cfg.Profiling.ServerAddress,
			Tags:            map[string]string{"venue": o.adapter.Name()},
			Logger:          logs.Logger(),
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			logs.Errorf("[Orchestrator] Profiler start failed, continuing without it: %v", err)
		} else {
			o.profiler = profiler
		}
	}

	o.wg.Add(3)
	go func() {
		defer o.wg.Done()
		if err := o.server.Serve(o.ctx); err != nil {
			logs.Errorf("[Orchestrator] IPC server stopped: %v", err)
		}
	}()
	go func() {
		defer o.wg.Done()
		o.gate.DeadMan().Start(o.ctx, o.stopChan)
	}()
	go func() {
		defer o.wg.Done()
		interval := time.Duration(o.cfg.Exchange.ReconcileSeconds) * time.Second
		if interval <= 0 {
			interval = 15 * time.Second
		}
		o.gate.Start(o.ctx, interval, o.stopChan)
	}()
	logs.Infof("Trading gate listening on %s (venue %s), press Ctrl+C to exit.", o.cfg.SocketPath, o.adapter.Name())
}

// Reload re-reads the policy files. A failed reload keeps the previous
// snapshot.
func (o *Orchestrator) Reload() {
	snap, err := o.policy.Reload(o.ctx)
	o.telemetry.Recorder.Reload(o.ctx, err == nil)
	if err != nil {
		logs.Errorf("[Orchestrator] Policy reload rejected: %v", err)
		return
	}
	logs.Infof("[Orchestrator] Policy version %d is live.", snap.Version)
}

func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		logs.Info("Received close signal, starting graceful shutdown...")

		// Stop accepting requests before the loops go away.
		if err := o.server.Close(); err != nil {
			logs.Errorf("Failed to close IPC server: %v", err)
		}
		close(o.stopChan)
		o.cancel()
		o.wg.Wait()

		o.printFinalSummary()
		o.closeResources()
		logs.Info("All services stopped successfully.")
	})
}

func (o *Orchestrator) closeResources() {
	if o.profiler != nil {
		_ = o.profiler.Stop()
	}
	if o.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.telemetry.Shutdown(ctx); err != nil {
			logs.Errorf("Failed to flush metrics: %v", err)
		}
		cancel()
	}
	if o.auditLog != nil {
		if err := o.auditLog.Close(); err != nil {
			logs.Errorf("Failed to close audit log: %v", err)
		}
	}
	if o.timescale != nil {
		_ = o.timescale.Close()
	}
	if o.store != nil {
		if err := o.store.Close(); err != nil {
			logs.Errorf("Failed to close state store: %v", err)
		}
	}
}

func (o *Orchestrator) printFinalSummary() {
	pf := o.ledger.Portfolio()
	logs.Info("\n--- Final Ledger Summary ---")
	logs.Infof("Account value: %.2f (cash %.2f)", pf.AccountValue, pf.AvailableCash)
	logs.Infof("Open positions: %d, exposure %.2f", pf.OpenPositionCount, pf.TotalExposure)
	logs.Infof("Daily PnL: %.2f, weekly PnL: %.2f, drawdown from peak: %.2f%%", pf.DailyPnL, pf.WeeklyPnL, pf.DrawdownFromPeak*100)
	logs.Infof("Resting orders left at venue: %d", len(o.ledger.OpenOrders()))
	logs.Infof("Kill switch engaged: %v", o.gate.Halted())
	logs.Infof("Audit records written: %d", o.auditLog.Seq())
	logs.Info("--------------------")
}
