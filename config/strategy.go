package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"
)

// ParameterBound is the closed interval a strategy parameter may move in.
type ParameterBound struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v lies inside the bound.
func (b ParameterBound) Contains(v float64) bool {
	return v >= b.Min && v <= b.Max
}

// StrategyConfig is a per-strategy allocation plus its tunable parameters.
// ParameterBounds can only change through a human edit of the file.
type StrategyConfig struct {
	Name              string                    `yaml:"name"`
	Status            string                    `yaml:"status"`
	CapitalAllocation float64                   `yaml:"capital_allocation"`
	Instruments       []string                  `yaml:"instruments"`
	Timeframe         string                    `yaml:"timeframe"`
	Parameters        map[string]float64        `yaml:"parameters"`
	ParameterBounds   map[string]ParameterBound `yaml:"parameter_bounds"`
	Version           int                       `yaml:"version"`
	Created           string                    `yaml:"created"`
}

// IsActive reports whether the strategy may open new orders.
func (s StrategyConfig) IsActive() bool {
	return s.Status == "" || s.Status == "active"
}

// AllowsInstrument reports whether symbol is in the strategy's universe.
// An empty instrument list allows everything.
func (s StrategyConfig) AllowsInstrument(symbol string) bool {
	if len(s.Instruments) == 0 {
		return true
	}
	for _, inst := range s.Instruments {
		if strings.EqualFold(inst, symbol) {
			return true
		}
	}
	return false
}

// CapitalAllocationParam names the allocation when it is tuned through
// the parameter path. It is stored in CapitalAllocation, not Parameters.
const CapitalAllocationParam = "capital_allocation"

// Param returns the current value of a tunable parameter.
func (s StrategyConfig) Param(name string) (float64, bool) {
	if name == CapitalAllocationParam {
		return s.CapitalAllocation, true
	}
	v, ok := s.Parameters[name]
	return v, ok
}

// SetParam writes a tunable parameter where the checks read it.
func (s *StrategyConfig) SetParam(name string, v float64) {
	if name == CapitalAllocationParam {
		s.CapitalAllocation = v
		return
	}
	if s.Parameters == nil {
		s.Parameters = make(map[string]float64)
	}
	s.Parameters[name] = v
}

// Bound returns the bounds of a tunable parameter. The allocation is
// bounded by [0, 1] unless the file narrows it.
func (s StrategyConfig) Bound(name string) (ParameterBound, bool) {
	if b, ok := s.ParameterBounds[name]; ok {
		return b, true
	}
	if name == CapitalAllocationParam {
		return ParameterBound{Min: 0, Max: 1}, true
	}
	return ParameterBound{}, false
}

// Clone returns a deep copy so snapshots never share maps.
func (s StrategyConfig) Clone() StrategyConfig {
	out := s
	out.Instruments = append([]string(nil), s.Instruments...)
	out.Parameters = make(map[string]float64, len(s.Parameters))
	for k, v := range s.Parameters {
		out.Parameters[k] = v
	}
	out.ParameterBounds = make(map[string]ParameterBound, len(s.ParameterBounds))
	for k, v := range s.ParameterBounds {
		out.ParameterBounds[k] = v
	}
	return out
}

// Validate checks allocation and that every parameter sits in its bounds.
func (s StrategyConfig) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("strategy 'name' must not be empty")
	}
	if s.CapitalAllocation < 0 || s.CapitalAllocation > 1 {
		return fmt.Errorf("strategy %s: 'capital_allocation' must be in [0, 1]", s.Name)
	}
	switch s.Status {
	case "", "active", "paused", "retired":
	default:
		return fmt.Errorf("strategy %s: unknown status %q", s.Name, s.Status)
	}
	for name, b := range s.ParameterBounds {
		if b.Min > b.Max {
			return fmt.Errorf("strategy %s: parameter_bounds.%s has min > max", s.Name, name)
		}
	}
	for name, v := range s.Parameters {
		b, ok := s.ParameterBounds[name]
		if !ok {
			continue
		}
		if !b.Contains(v) {
			return fmt.Errorf("strategy %s: parameter %s=%v outside bounds [%v, %v]", s.Name, name, v, b.Min, b.Max)
		}
	}
	return nil
}

// LoadStrategies reads every *.yaml file in dir. A missing directory yields
// no strategies, which makes every SubmitOrder fail its strategy checks.
func LoadStrategies(dir string) (map[string]StrategyConfig, error) {
	out := make(map[string]StrategyConfig)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, fmt.Errorf("failed to read strategies dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read strategy file %s: %w", path, err)
		}
		var s StrategyConfig
		if err := yaml.UnmarshalStrict(data, &s); err != nil {
			return nil, fmt.Errorf("failed to unmarshal strategy file %s: %w", path, err)
		}
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if _, dup := out[s.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate strategy name %q", path, s.Name)
		}
		out[s.Name] = s
	}
	return out, nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}
