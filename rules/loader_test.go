package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validRule = `id: funding-extreme-long
status: active
strategy: momentum
conditions:
  - field: market.funding_rate_zscore
    operator: gt
    value: 2
  - field: order.side
    operator: eq
    value: 1
action: reject
message: crowded longs
hypothesis:
  metric: win_rate
  baseline: 0.48
  sample: 40
  review_after_n: 30
`

func writeRule(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestParseValidRule(t *testing.T) {
	rule, err := Parse([]byte(validRule), "funding.yaml")
	require.NoError(t, err)
	assert.Equal(t, "funding-extreme-long", rule.ID)
	assert.Equal(t, StatusActive, rule.Status)
	assert.Len(t, rule.Conditions, 2)
	assert.Equal(t, 2.0, rule.Conditions[0].Value)
	assert.Equal(t, 30, rule.Hypothesis.ReviewAfterN)
	assert.True(t, rule.AppliesTo("Momentum"))
	assert.False(t, rule.AppliesTo("meanrev"))
}

func TestParseRejectsControlFlowAndUnknownKeys(t *testing.T) {
	cases := map[string]string{
		"nested any": `id: r
status: active
action: reject
conditions:
  - any:
      - field: market.price
        operator: gt
        value: 1
`,
		"expression key": `id: r
status: active
action: reject
conditions: []
expr: "order.size > 1 || true"
`,
		"string value": `id: r
status: active
action: reject
conditions:
  - field: market.price
    operator: gt
    value: "1; drop table"
`,
		"bad operator": `id: r
status: active
action: reject
conditions:
  - field: market.price
    operator: matches
    value: 1
`,
		"bad action": `id: r
status: active
action: liquidate
conditions: []
`,
		"reduce without fraction": `id: r
status: active
action: reduce_size
conditions: []
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(body), name)
			assert.Error(t, err)
		})
	}
}

func TestParseKeepsUnknownFieldRules(t *testing.T) {
	body := `id: sentiment
status: active
action: reject
conditions:
  - field: market.sentiment
    operator: lt
    value: -0.5
`
	rule, err := Parse([]byte(body), "sentiment.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"market.sentiment"}, rule.UnknownFields())
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "b.yaml", validRule)
	writeRule(t, dir, "a.yaml", "id: spread-guard\nstatus: validated\naction: reduce_size\nreduce_to: 0.5\nconditions:\n  - {field: market.spread_pct, operator: gt, value: 0.003}\n")
	writeRule(t, dir, "notes.txt", "not a rule")

	got, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "spread-guard", got[0].ID)
	assert.Equal(t, filepath.Join(dir, "a.yaml"), got[0].Source)
}

func TestLoadDirFailsWholeSetOnOneBadFile(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "good.yaml", validRule)
	writeRule(t, dir, "bad.yaml", "id: [unclosed\n")

	_, err := LoadDir(dir)
	assert.Error(t, err)
}

func TestLoadDirRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "one.yaml", validRule)
	writeRule(t, dir, "two.yaml", validRule)

	_, err := LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rule id")
}

func TestLoadDirMissing(t *testing.T) {
	got, err := LoadDir(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, got)
}
