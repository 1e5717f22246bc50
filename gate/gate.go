// Package gate serves the agent's requests: every order passes the check
// pipeline, every request is audited, and all ledger-changing work runs
// under one writer lock.
package gate

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"trading_gate/audit"
	"trading_gate/config"
	"trading_gate/exchange"
	"trading_gate/ipc"
	"trading_gate/logs"
	"trading_gate/market"
	"trading_gate/metrics"
	"trading_gate/monitor"
	"trading_gate/policy"
	"trading_gate/proposal"
	"trading_gate/risk"
	"trading_gate/state"
)

// Audit request types for records the gate writes on its own account.
const (
	RequestDeadManFallback = "DeadManFallback"
	RequestExchangeOutcome = "ExchangeOutcome"
	RequestStopTriggered   = "StopTriggered"
)

// Options are the process settings the gate needs.
type Options struct {
	DeadMan         config.DeadManConfig
	ExchangeTimeout time.Duration
	// LiveAccount refreshes balances from the venue during reconcile. The
	// paper venue leaves the ledger authoritative.
	LiveAccount bool
	// Symbols are refreshed in the market cache on every reconcile pass.
	Symbols []string
	// FollowMarket pushes refreshed prices into a paper venue so resting
	// orders fill against the feature store's price.
	FollowMarket bool
}

// Deps are the collaborators the gate is built from.
type Deps struct {
	Policy   *policy.Store
	Checker  risk.Checker
	Audit    *audit.Log
	Ledger   *state.Ledger
	Exchange exchange.Adapter
	Market   *market.Cache
	Mediator *proposal.Mediator
	Metrics  *metrics.Recorder
}

// Gate implements ipc.Handler.
type Gate struct {
	// mu is the single-writer lock over the ledger.
	mu sync.Mutex

	opts     Options
	policy   *policy.Store
	checker  risk.Checker
	audit    *audit.Log
	ledger   *state.Ledger
	exchange exchange.Adapter
	market   *market.Cache
	mediator *proposal.Mediator
	metrics  *metrics.Recorder
	deadman  *monitor.DeadMan
	halts    *risk.HaltWatch

	reconciledTo time.Time
	now          func() time.Time
	newID        func() string
}

func New(opts Options, deps Deps) *Gate {
	if opts.ExchangeTimeout <= 0 {
		opts.ExchangeTimeout = 10 * time.Second
	}
	g := &Gate{
		opts:     opts,
		policy:   deps.Policy,
		checker:  deps.Checker,
		audit:    deps.Audit,
		ledger:   deps.Ledger,
		exchange: deps.Exchange,
		market:   deps.Market,
		mediator: deps.Mediator,
		metrics:  deps.Metrics,
		halts:    risk.NewHaltWatch(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return "ord_" + uuid.NewString() },
	}
	if g.checker == nil {
		g.checker = risk.NewPipeline()
	}
	g.deadman = monitor.NewDeadMan(opts.DeadMan, g.deadManSwitch, g.RunFallback)
	return g
}

// DeadMan exposes the monitor so the orchestrator can run its loop.
func (g *Gate) DeadMan() *monitor.DeadMan { return g.deadman }

// Halted reports whether a kill switch was engaged at the last reconcile.
func (g *Gate) Halted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halts.IsHalted()
}

func (g *Gate) deadManSwitch() config.DeadManSwitch {
	return g.policy.Current().Safety.DeadManSwitch
}

// SessionStarted re-arms the dead-man monitor for the new agent.
func (g *Gate) SessionStarted() {
	g.deadman.Connect()
}

// Handle dispatches one decoded request.
func (g *Gate) Handle(ctx context.Context, req ipc.Request) ipc.Response {
	g.deadman.Touch()

	switch r := req.(type) {
	case ipc.GetPortfolio:
		return g.answer(r, ipc.NewPortfolio(g.ledger.Portfolio()))
	case ipc.GetOpenOrders:
		return g.answer(r, ipc.NewOrders(g.ledger.OpenOrders()))
	case ipc.GetFillHistory:
		return g.fillHistory(r)
	case ipc.GetMarketData:
		return g.marketData(r)
	case ipc.SubmitOrder:
		return g.submitOrder(ctx, r)
	case ipc.CancelOrder:
		return g.cancelOrder(ctx, r)
	case ipc.TightenStop:
		return g.tightenStop(ctx, r)
	case ipc.ProposeRule:
		return g.proposeRule(ctx, r)
	}
	// The protocol enumeration is closed; reaching here is a programming error.
	logs.Errorf("[Gate] Unhandled request type %T", req)
	return g.fail(req.RequestType(), req, "unhandled request type")
}

// ProtocolError audits a line that could not be decoded.
func (g *Gate) ProtocolError(ctx context.Context, raw []byte, err error) ipc.Response {
	var request interface{}
	if len(raw) > 0 {
		if json.Valid(raw) {
			request = json.RawMessage(raw)
		} else {
			request = map[string]string{"raw": string(raw)}
		}
	}
	g.record(audit.Entry{
		RequestType: requestTypeOf(raw),
		Request:     request,
		Decision:    audit.DecisionProtocolError,
		Reason:      err.Error(),
	})
	return ipc.NewError("protocol error: %v", err)
}

// requestTypeOf pulls the claimed request type out of an undecodable line.
func requestTypeOf(raw []byte) string {
	var env struct {
		Type string `json:"request_type"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Type != "" && len(env.Type) <= 64 {
		return env.Type
	}
	return "unknown"
}

// record appends to the audit log and counts the decision.
func (g *Gate) record(e audit.Entry) error {
	if _, err := g.audit.Append(e); err != nil {
		logs.Errorf("[Gate] !!!Audit append failed for %s: %v", e.RequestType, err)
		return err
	}
	g.metrics.Decision(context.Background(), e.RequestType, e.Decision)
	return nil
}

// answer audits a query and returns resp, or an Error when the audit
// record cannot be written.
func (g *Gate) answer(req ipc.Request, resp ipc.Response) ipc.Response {
	if err := g.record(audit.Entry{RequestType: req.RequestType(), Request: req, Decision: audit.DecisionAnswered}); err != nil {
		return ipc.NewError("audit log unavailable: %v", err)
	}
	return resp
}

// fail audits a request that could not be served and returns an Error.
func (g *Gate) fail(requestType string, req interface{}, reason string) ipc.Response {
	if err := g.record(audit.Entry{RequestType: requestType, Request: req, Decision: audit.DecisionError, Reason: reason}); err != nil {
		return ipc.NewError("audit log unavailable: %v", err)
	}
	return ipc.NewError("%s", reason)
}

func (g *Gate) fillHistory(r ipc.GetFillHistory) ipc.Response {
	var since time.Time
	if r.Since != "" {
		t, err := time.Parse(time.RFC3339Nano, r.Since)
		if err != nil {
			return g.fail(r.RequestType(), r, "since must be an RFC 3339 timestamp")
		}
		since = t
	}
	return g.answer(r, ipc.NewFills(g.ledger.FillsSince(since)))
}

func (g *Gate) marketData(r ipc.GetMarketData) ipc.Response {
	if r.Symbol == "" {
		return g.fail(r.RequestType(), r, "symbol is required")
	}
	return g.answer(r, ipc.NewMarketData(g.market.Get(r.Symbol)))
}

func (g *Gate) proposeRule(ctx context.Context, r ipc.ProposeRule) ipc.Response {
	ack, err := g.mediator.Submit(ctx, r.Proposal)
	if err != nil {
		logs.Errorf("[Gate] Proposal could not be persisted: %v", err)
		return g.fail(r.RequestType(), r, "proposal could not be persisted")
	}
	entry := audit.Entry{
		RequestType: r.RequestType(),
		Request:     r,
		Decision:    audit.DecisionAcknowledged,
		Reason:      ack.ProposalID + " " + ack.Status + ": " + ack.Reason,
	}
	if err := g.record(entry); err != nil {
		return ipc.NewError("audit log unavailable: %v", err)
	}
	return ipc.NewProposalAcknowledged(ack)
}
