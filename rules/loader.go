package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"trading_gate/logs"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v2"
)

const ruleSchemaURL = "https://trading-gate.local/schemas/rule.schema.json"

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(ruleSchemaURL, strings.NewReader(ruleSchema)); err != nil {
			compileErr = fmt.Errorf("rule schema load failed: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile(ruleSchemaURL)
		if compileErr != nil {
			compileErr = fmt.Errorf("rule schema compile failed: %w", compileErr)
		}
	})
	return compiledSchema, compileErr
}

// Parse validates a rule document against the schema and decodes it.
func Parse(data []byte, source string) (Rule, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Rule{}, fmt.Errorf("%s: invalid yaml: %w", source, err)
	}
	doc, err := toJSONValue(normalizeYAML(raw))
	if err != nil {
		return Rule{}, fmt.Errorf("%s: %w", source, err)
	}
	s, err := schema()
	if err != nil {
		return Rule{}, err
	}
	if err := s.Validate(doc); err != nil {
		return Rule{}, fmt.Errorf("%s: schema violation: %w", source, err)
	}

	var rule Rule
	if err := yaml.UnmarshalStrict(data, &rule); err != nil {
		return Rule{}, fmt.Errorf("%s: %w", source, err)
	}
	if err := rule.Validate(); err != nil {
		return Rule{}, fmt.Errorf("%s: %w", source, err)
	}
	rule.Source = source
	return rule, nil
}

// LoadDir loads every *.yaml rule in dir, sorted by file name. Any invalid
// file fails the whole load so a reload can never apply half a rule set.
// Rules that reference unknown fields load normally and are logged.
func LoadDir(dir string) ([]Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read rules dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	seen := make(map[string]string, len(names))
	out := make([]Rule, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read rule file %s: %w", path, err)
		}
		rule, err := Parse(data, path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %q in %s and %s", rule.ID, prev, path)
		}
		seen[rule.ID] = path
		if unknown := rule.UnknownFields(); len(unknown) > 0 {
			logs.Warnf("[Rules] Rule %s references non-whitelisted fields %v; it will reject every order it applies to", rule.ID, unknown)
		}
		out = append(out, rule)
	}
	return out, nil
}

// normalizeYAML converts yaml.v2's map[interface{}]interface{} trees into
// JSON-compatible map[string]interface{} trees.
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case []interface{}:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	}
	return v
}

// toJSONValue round-trips through encoding/json so numbers reach the
// validator as float64 regardless of how YAML typed them.
func toJSONValue(v interface{}) (interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("rule is not representable as JSON: %w", err)
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
