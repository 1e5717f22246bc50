package policy

import (
	"context"
	"fmt"
	"time"

	"trading_gate/config"
	"trading_gate/logs"
	"trading_gate/rules"
)

// ParameterOverride is a persisted strategy parameter change.
type ParameterOverride struct {
	Strategy string
	Name     string
	Value    float64
}

// Overlay is the set of approved changes layered over the files on disk.
type Overlay struct {
	Rules      []rules.Rule
	Parameters []ParameterOverride
}

// OverrideSource supplies the persisted overlay. state.Store implements it.
type OverrideSource interface {
	LoadOverlay(ctx context.Context) (Overlay, error)
}

// Loader assembles a complete snapshot from disk plus the overlay.
type Loader struct {
	SafetyPath    string
	StrategiesDir string
	RulesDir      string
	Overrides     OverrideSource
}

// NewLoader builds a loader from the process config.
func NewLoader(cfg *config.GateConfig, overrides OverrideSource) *Loader {
	return &Loader{
		SafetyPath:    cfg.SafetyConfigPath,
		StrategiesDir: cfg.StrategiesDir,
		RulesDir:      cfg.RulesDir,
		Overrides:     overrides,
	}
}

// Load reads every source. Any failure returns an error and no snapshot.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	safety, err := config.LoadSafetyConfig(l.SafetyPath)
	if err != nil {
		return nil, err
	}
	strategies, err := config.LoadStrategies(l.StrategiesDir)
	if err != nil {
		return nil, err
	}
	ruleSet, err := rules.LoadDir(l.RulesDir)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		LoadedAt:   time.Now().UTC(),
		Safety:     safety,
		Strategies: strategies,
		Rules:      ruleSet,
		Flagged:    make(map[string]string),
	}
	sortRules(snap.Rules)

	if l.Overrides != nil {
		overlay, err := l.Overrides.LoadOverlay(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load override overlay: %w", err)
		}
		applyOverlay(snap, overlay)
	}

	for _, r := range snap.Rules {
		if unknown := r.UnknownFields(); len(unknown) > 0 {
			snap.Flagged[r.ID] = fmt.Sprintf("non-whitelisted fields %v", unknown)
		}
	}
	return snap, nil
}

// applyOverlay layers approved changes over the file state. A graduated rule
// on disk can only be replaced by its retirement.
func applyOverlay(snap *Snapshot, overlay Overlay) {
	for _, r := range overlay.Rules {
		if cur, ok := snap.Rule(r.ID); ok && cur.Status == rules.StatusGraduated && r.Status != rules.StatusRetired {
			logs.Warnf("[Policy] Ignoring overlay for graduated rule %s (status %s)", r.ID, r.Status)
			continue
		}
		snap.PutRule(r.Clone())
	}
	for _, p := range overlay.Parameters {
		st, ok := snap.Strategies[p.Strategy]
		if !ok {
			logs.Warnf("[Policy] Ignoring parameter override for unknown strategy %s", p.Strategy)
			continue
		}
		if b, bounded := st.Bound(p.Name); bounded && !b.Contains(p.Value) {
			logs.Warnf("[Policy] Ignoring parameter override %s.%s=%v outside bounds [%v, %v]", p.Strategy, p.Name, p.Value, b.Min, b.Max)
			continue
		}
		st = st.Clone()
		st.SetParam(p.Name, p.Value)
		snap.Strategies[p.Strategy] = st
	}
}
