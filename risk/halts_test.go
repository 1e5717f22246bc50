package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading_gate/state"
)

func TestHaltWatch_ReportsEachCrossingOnce(t *testing.T) {
	w := NewHaltWatch()
	safety := testSafety()

	assert.Empty(t, w.CheckAndUpdate(safety, state.PortfolioState{DailyPnL: -100}))
	assert.False(t, w.IsHalted())

	got := w.CheckAndUpdate(safety, state.PortfolioState{DailyPnL: -260})
	require.Len(t, got, 1)
	assert.Equal(t, "daily_loss_halt", got[0].Check)
	assert.True(t, got[0].Engaged)
	assert.InDelta(t, -260, got[0].Value, 1e-9)
	assert.InDelta(t, -250, got[0].Limit, 1e-9)
	assert.True(t, w.IsHalted())

	assert.Empty(t, w.CheckAndUpdate(safety, state.PortfolioState{DailyPnL: -300}))

	got = w.CheckAndUpdate(safety, state.PortfolioState{DailyPnL: 0})
	require.Len(t, got, 1)
	assert.False(t, got[0].Engaged)
	assert.False(t, w.IsHalted())
}

func TestHaltWatch_DisabledSwitchNeverEngages(t *testing.T) {
	w := NewHaltWatch()
	safety := testSafety()
	safety.KillSwitches.DrawdownHalt = false

	assert.Empty(t, w.CheckAndUpdate(safety, state.PortfolioState{DrawdownFromPeak: 0.5}))
	assert.False(t, w.IsHalted())
}

func TestHaltWatch_ManualHalt(t *testing.T) {
	w := NewHaltWatch()
	safety := testSafety()
	safety.KillSwitches.ManualHalt = true

	got := w.CheckAndUpdate(safety, state.PortfolioState{})
	require.Len(t, got, 1)
	assert.Equal(t, "manual_halt", got[0].Check)
	assert.True(t, w.IsHalted())
}
