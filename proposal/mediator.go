// Package proposal mediates every runtime change to rules and strategy
// parameters. The caller's tightening claim is never trusted: the gate
// recomputes it, applies genuine tightenings at once and queues everything
// else for a human.
package proposal

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"trading_gate/logs"
	"trading_gate/policy"
	"trading_gate/rules"
	"trading_gate/state"
)

// Kind is the proposal variant.
type Kind string

const (
	KindActivate        Kind = "activate"
	KindSuspend         Kind = "suspend"
	KindModifyParameter Kind = "modify_parameter"
	KindTransition      Kind = "transition"
)

// Proposal statuses.
const (
	StatusApplied  = "applied"
	StatusPending  = "pending"
	StatusRejected = "rejected"
	StatusApproved = "approved"
)

// Proposal is a requested change. A non-empty Strategy on a
// modify_parameter proposal targets a strategy parameter; otherwise the
// parameter belongs to the rule RuleID.
type Proposal struct {
	Kind         Kind     `json:"proposal_type"`
	RuleID       string   `json:"rule_id"`
	Strategy     string   `json:"strategy,omitempty"`
	Parameter    string   `json:"parameter,omitempty"`
	OldValue     *float64 `json:"old_value,omitempty"`
	NewValue     *float64 `json:"new_value,omitempty"`
	TargetStatus string   `json:"target_status,omitempty"`
	Evidence     string   `json:"evidence,omitempty"`
	IsTightening *bool    `json:"is_tightening,omitempty"`
}

func (p Proposal) claimsTightening() bool {
	return p.IsTightening != nil && *p.IsTightening
}

// Ack is the gate's answer to a submitted proposal.
type Ack struct {
	ProposalID   string `json:"proposal_id"`
	AutoApproved bool   `json:"auto_approved"`
	Status       string `json:"status"`
	Reason       string `json:"reason"`
}

// Repository persists proposals and the approved overlay. state.Store
// implements it.
type Repository interface {
	SaveProposal(ctx context.Context, p state.ProposalRecord) error
	GetProposal(ctx context.Context, id string) (state.ProposalRecord, error)
	ListProposals(ctx context.Context, status string) ([]state.ProposalRecord, error)
	DecideProposal(ctx context.Context, id, status, reason string, at time.Time) error
	PutRuleOverride(ctx context.Context, rule rules.Rule, proposalID string, humanApproved bool, at time.Time) error
	PutParameterOverride(ctx context.Context, strategy, name string, value float64, proposalID string, at time.Time) error
}

// ErrNotPending is returned when deciding a proposal that is not queued.
var ErrNotPending = errors.New("proposal is not pending")

// Mediator owns the proposal path.
type Mediator struct {
	policy *policy.Store
	repo   Repository
	now    func() time.Time
	newID  func() string
}

func NewMediator(store *policy.Store, repo Repository) *Mediator {
	return &Mediator{
		policy: store,
		repo:   repo,
		now:    time.Now,
		newID:  func() string { return "prop_" + uuid.NewString() },
	}
}

// SetClock replaces the wall clock, for tests.
func (m *Mediator) SetClock(now func() time.Time) { m.now = now }

// change is the concrete effect of a proposal on a snapshot.
type change struct {
	rule       *rules.Rule
	param      *policy.ParameterOverride
	tightening bool
	why        string
}

// plan works out what p would do to snap. An error means the proposal is
// malformed or not allowed at all.
func plan(snap *policy.Snapshot, p Proposal) (change, error) {
	switch p.Kind {
	case KindModifyParameter:
		if p.Strategy != "" {
			return planStrategyParam(snap, p)
		}
		return planRuleParam(snap, p)
	case KindActivate, KindSuspend, KindTransition:
		return planStatus(snap, p)
	}
	return change{}, fmt.Errorf("unknown proposal_type %q", p.Kind)
}

func planStatus(snap *policy.Snapshot, p Proposal) (change, error) {
	cur, ok := snap.Rule(p.RuleID)
	if !ok {
		return change{}, fmt.Errorf("unknown rule %q", p.RuleID)
	}
	var path []rules.Status
	switch p.Kind {
	case KindActivate:
		path = []rules.Status{rules.StatusActive}
	case KindSuspend:
		steps, err := rules.SuspendPath(cur.Status)
		if err != nil {
			return change{}, err
		}
		path = steps
	default:
		target := rules.Status(p.TargetStatus)
		if !target.Valid() {
			return change{}, fmt.Errorf("unknown target_status %q", p.TargetStatus)
		}
		path = []rules.Status{target}
	}

	// Each step must be a lifecycle edge; a suspend walks active through
	// degrading rather than jumping.
	next := cur
	walked := []string{string(cur.Status)}
	for _, to := range path {
		var err error
		if next, err = rules.Transition(next, to); err != nil {
			return change{}, err
		}
		walked = append(walked, string(to))
	}
	target := next.Status

	c := change{rule: &next}
	switch {
	case cur.Status == rules.StatusGraduated:
		c.why = "graduated rules change only with human approval"
	case !cur.Status.Enforced() && target.Enforced() && cur.Action.Restricts():
		c.tightening = true
		c.why = fmt.Sprintf("adds %s rule to the enforced set", cur.Action)
	case cur.Status.Enforced() && !target.Enforced() && cur.Action.Restricts():
		c.why = fmt.Sprintf("removes %s rule from the enforced set", cur.Action)
	default:
		c.why = "does not add a restriction"
	}
	c.why += " (" + strings.Join(walked, " -> ") + ")"
	return c, nil
}

func planStrategyParam(snap *policy.Snapshot, p Proposal) (change, error) {
	st, ok := snap.Strategy(p.Strategy)
	if !ok {
		return change{}, fmt.Errorf("unknown strategy %q", p.Strategy)
	}
	bound, ok := st.Bound(p.Parameter)
	if !ok {
		return change{}, fmt.Errorf("strategy %s has no bounds for parameter %q", p.Strategy, p.Parameter)
	}
	if p.NewValue == nil || !finiteNumber(*p.NewValue) {
		return change{}, fmt.Errorf("new_value must be a finite number")
	}
	nv := *p.NewValue
	if !bound.Contains(nv) {
		return change{}, fmt.Errorf("%s.%s=%v outside bounds [%v, %v]", p.Strategy, p.Parameter, nv, bound.Min, bound.Max)
	}

	c := change{param: &policy.ParameterOverride{Strategy: p.Strategy, Name: p.Parameter, Value: nv}}
	dir := StrategyDirection(p.Parameter)
	old, has := st.Param(p.Parameter)
	switch {
	case !has:
		c.why = "no current value to compare against"
	case dir.Tightens(old, nv):
		c.tightening = true
		c.why = fmt.Sprintf("%s %v -> %v is %s", p.Parameter, old, nv, dir)
	default:
		c.why = fmt.Sprintf("%s %v -> %v does not tighten (%s)", p.Parameter, old, nv, dir)
	}
	return c, nil
}

func planRuleParam(snap *policy.Snapshot, p Proposal) (change, error) {
	cur, ok := snap.Rule(p.RuleID)
	if !ok {
		return change{}, fmt.Errorf("unknown rule %q", p.RuleID)
	}
	if cur.Status == rules.StatusGraduated {
		return change{}, fmt.Errorf("rule %s is graduated: %w", cur.ID, state.ErrGraduatedRule)
	}
	if p.NewValue == nil || !finiteNumber(*p.NewValue) {
		return change{}, fmt.Errorf("new_value must be a finite number")
	}
	dir, err := RuleDirection(cur, p.Parameter)
	if err != nil {
		return change{}, err
	}
	nv := *p.NewValue
	next := cur.Clone()
	var old float64
	if p.Parameter == "reduce_to" {
		if nv <= 0 || nv >= 1 {
			return change{}, fmt.Errorf("reduce_to must be in (0, 1), got %v", nv)
		}
		old, next.ReduceTo = cur.ReduceTo, nv
	} else {
		i := conditionIndex(p.Parameter)
		old, next.Conditions[i].Value = cur.Conditions[i].Value, nv
	}

	c := change{rule: &next}
	if dir.Tightens(old, nv) {
		c.tightening = true
		c.why = fmt.Sprintf("%s %v -> %v is %s", p.Parameter, old, nv, dir)
	} else {
		c.why = fmt.Sprintf("%s %v -> %v does not tighten (%s)", p.Parameter, old, nv, dir)
	}
	return c, nil
}

func finiteNumber(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// IsTightening recomputes whether p would reduce risk against snap.
func IsTightening(snap *policy.Snapshot, p Proposal) (bool, error) {
	c, err := plan(snap, p)
	return c.tightening, err
}

func (m *Mediator) record(p Proposal, id string, now time.Time) state.ProposalRecord {
	return state.ProposalRecord{
		ID:                id,
		CreatedAt:         now,
		Kind:              string(p.Kind),
		RuleID:            p.RuleID,
		Strategy:          p.Strategy,
		Parameter:         p.Parameter,
		OldValue:          p.OldValue,
		NewValue:          p.NewValue,
		TargetStatus:      p.TargetStatus,
		Evidence:          p.Evidence,
		ClaimedTightening: p.claimsTightening(),
	}
}

// Submit mediates p. Genuine tightenings are applied to the live snapshot
// and the persisted overlay in one step; anything else is queued. An error
// is returned only when persistence fails.
func (m *Mediator) Submit(ctx context.Context, p Proposal) (Ack, error) {
	now := m.now().UTC()
	id := m.newID()
	rec := m.record(p, id, now)

	c, err := plan(m.policy.Current(), p)
	switch {
	case err != nil:
		rec.Status, rec.Reason = StatusRejected, err.Error()
	case p.claimsTightening() && !c.tightening:
		rec.Status, rec.Reason = StatusRejected, "claimed tightening but "+c.why
	case c.tightening:
		refused, err := m.apply(ctx, p, id, now)
		if err != nil {
			return Ack{}, err
		}
		if refused != nil {
			rec.Status, rec.Reason = StatusRejected, refused.Error()
			break
		}
		rec.IsTightening = true
		rec.Status, rec.AutoApproved, rec.Reason = StatusApplied, true, "tightening auto-applied: "+c.why
		rec.DecidedAt = now
	default:
		rec.Status, rec.Reason = StatusPending, "requires human approval: "+c.why
	}
	if rec.Status == StatusRejected {
		rec.DecidedAt = now
	}

	if err := m.repo.SaveProposal(ctx, rec); err != nil {
		return Ack{}, err
	}
	logs.Infof("[Proposal] %s %s rule=%s strategy=%s param=%s -> %s (%s)",
		id, p.Kind, p.RuleID, p.Strategy, p.Parameter, rec.Status, rec.Reason)
	return Ack{ProposalID: id, AutoApproved: rec.AutoApproved, Status: rec.Status, Reason: rec.Reason}, nil
}

// apply publishes the change and writes the overlay under the policy
// store's lock, so the overlay and the live snapshot cannot diverge. It
// returns refused when the proposal no longer applies to the snapshot it
// would modify, and err when persistence fails.
func (m *Mediator) apply(ctx context.Context, p Proposal, id string, now time.Time) (refused, err error) {
	_, err = m.policy.Apply(func(next *policy.Snapshot) error {
		c, perr := plan(next, p)
		switch {
		case perr != nil:
			refused = perr
		case !c.tightening:
			refused = fmt.Errorf("proposal no longer tightens: %s", c.why)
		}
		if refused != nil {
			return refused
		}
		if c.rule != nil {
			if err := m.repo.PutRuleOverride(ctx, *c.rule, id, false, now); err != nil {
				return err
			}
			next.PutRule(*c.rule)
			return nil
		}
		if err := m.repo.PutParameterOverride(ctx, c.param.Strategy, c.param.Name, c.param.Value, id, now); err != nil {
			return err
		}
		st := next.Strategies[c.param.Strategy].Clone()
		st.SetParam(c.param.Name, c.param.Value)
		next.Strategies[c.param.Strategy] = st
		return nil
	})
	if refused != nil {
		return refused, nil
	}
	return nil, err
}

// fromRecord rebuilds the proposal a record was created from.
func fromRecord(r state.ProposalRecord) Proposal {
	claimed := r.ClaimedTightening
	return Proposal{
		Kind:         Kind(r.Kind),
		RuleID:       r.RuleID,
		Strategy:     r.Strategy,
		Parameter:    r.Parameter,
		OldValue:     r.OldValue,
		NewValue:     r.NewValue,
		TargetStatus: r.TargetStatus,
		Evidence:     r.Evidence,
		IsTightening: &claimed,
	}
}

// Approve is the human approval path. It writes the overlay for a pending
// proposal and marks it approved; a running gate picks the change up on
// its next reload. The proposal is re-planned against the current policy,
// and one that no longer makes sense is rejected instead.
func (m *Mediator) Approve(ctx context.Context, id string) (state.ProposalRecord, error) {
	rec, err := m.repo.GetProposal(ctx, id)
	if err != nil {
		return rec, err
	}
	if rec.Status != StatusPending {
		return rec, fmt.Errorf("%s is %s: %w", id, rec.Status, ErrNotPending)
	}
	now := m.now().UTC()

	p := fromRecord(rec)
	p.IsTightening = nil
	c, err := plan(m.policy.Current(), p)
	if err != nil {
		if derr := m.repo.DecideProposal(ctx, id, StatusRejected, "no longer applicable: "+err.Error(), now); derr != nil {
			return rec, derr
		}
		return rec, fmt.Errorf("proposal %s no longer applies: %w", id, err)
	}
	if c.rule != nil {
		err = m.repo.PutRuleOverride(ctx, *c.rule, id, true, now)
	} else {
		err = m.repo.PutParameterOverride(ctx, c.param.Strategy, c.param.Name, c.param.Value, id, now)
	}
	if err != nil {
		return rec, err
	}
	if err := m.repo.DecideProposal(ctx, id, StatusApproved, "approved by operator", now); err != nil {
		return rec, err
	}
	logs.Infof("[Proposal] %s approved by operator", id)
	return m.repo.GetProposal(ctx, id)
}

// Reject closes a pending proposal without applying it.
func (m *Mediator) Reject(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "rejected by operator"
	}
	if err := m.repo.DecideProposal(ctx, id, StatusRejected, reason, m.now().UTC()); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, ErrNotPending)
		}
		return err
	}
	logs.Infof("[Proposal] %s rejected by operator: %s", id, reason)
	return nil
}

// List returns persisted proposals, optionally filtered by status.
func (m *Mediator) List(ctx context.Context, status string) ([]state.ProposalRecord, error) {
	return m.repo.ListProposals(ctx, status)
}
