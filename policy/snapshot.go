// Package policy owns the live, immutable view of everything that governs an
// order: safety limits, strategy configs and the rule set. Readers take a
// snapshot once per request; writers build a new snapshot and swap it in.
package policy

import (
	"sort"
	"time"

	"trading_gate/config"
	"trading_gate/rules"
)

// Snapshot is never mutated after it is published.
type Snapshot struct {
	Version    uint64
	LoadedAt   time.Time
	Safety     *config.SafetyConfig
	Strategies map[string]config.StrategyConfig
	Rules      []rules.Rule

	// Flagged maps rule id to the reason it needs operator attention.
	Flagged map[string]string
}

// Strategy looks up a strategy by exact name.
func (s *Snapshot) Strategy(name string) (config.StrategyConfig, bool) {
	st, ok := s.Strategies[name]
	return st, ok
}

// Rule looks up a rule by id.
func (s *Snapshot) Rule(id string) (rules.Rule, bool) {
	for _, r := range s.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return rules.Rule{}, false
}

// EnforcedRules returns the rules that are evaluated for an order from
// strategy, in id order.
func (s *Snapshot) EnforcedRules(strategy string) []rules.Rule {
	var out []rules.Rule
	for _, r := range s.Rules {
		if r.Status.Enforced() && r.AppliesTo(strategy) {
			out = append(out, r)
		}
	}
	return out
}

// Clone returns a deep copy that can be modified and republished.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Version:    s.Version,
		LoadedAt:   s.LoadedAt,
		Strategies: make(map[string]config.StrategyConfig, len(s.Strategies)),
		Rules:      make([]rules.Rule, 0, len(s.Rules)),
		Flagged:    make(map[string]string, len(s.Flagged)),
	}
	if s.Safety != nil {
		safety := *s.Safety
		safety.RestrictedWindows = append([]config.RestrictedWindow(nil), s.Safety.RestrictedWindows...)
		out.Safety = &safety
	}
	for k, v := range s.Strategies {
		out.Strategies[k] = v.Clone()
	}
	for _, r := range s.Rules {
		out.Rules = append(out.Rules, r.Clone())
	}
	for k, v := range s.Flagged {
		out.Flagged[k] = v
	}
	return out
}

// PutRule inserts or replaces a rule by id, keeping id order.
func (s *Snapshot) PutRule(rule rules.Rule) {
	for i, r := range s.Rules {
		if r.ID == rule.ID {
			s.Rules[i] = rule
			return
		}
	}
	s.Rules = append(s.Rules, rule)
	sortRules(s.Rules)
}

func sortRules(rs []rules.Rule) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
}
