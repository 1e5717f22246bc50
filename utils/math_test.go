package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFloatEquals(t *testing.T) {
	assert.True(t, FloatEquals(0.1+0.2, 0.3))
	assert.False(t, FloatEquals(0.3, 0.3001))
}

func TestIsPositiveFinite(t *testing.T) {
	assert.True(t, IsPositiveFinite(1))
	assert.False(t, IsPositiveFinite(0))
	assert.False(t, IsPositiveFinite(-2))
	assert.False(t, IsPositiveFinite(math.NaN()))
	assert.False(t, IsPositiveFinite(math.Inf(1)))
}

func TestSafeRatio(t *testing.T) {
	assert.Equal(t, 0.0, SafeRatio(5, 0))
	assert.Equal(t, 0.5, SafeRatio(5, 10))
}
