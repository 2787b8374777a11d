package engine

import (
	"testing"

	"intent_keeper/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBracketAnchorsOnTickGrid(t *testing.T) {
	calc := NewBracketCalculator(testInfo, 4, 8)

	// Off-grid reference snaps to 100.25 first.
	stop, target := calc.For(core.SideBuy, decimal.RequireFromString("100.30"))
	require.True(t, stop.Valid)
	require.True(t, target.Valid)
	assert.True(t, stop.Decimal.Equal(decimal.RequireFromString("99.25")), "stop = 100.25 - 4 ticks")
	assert.True(t, target.Decimal.Equal(decimal.RequireFromString("102.25")), "target = 100.25 + 8 ticks")
}

func TestBracketMirrorsForShort(t *testing.T) {
	calc := NewBracketCalculator(testInfo, 4, 8)

	stop, target := calc.For(core.SideSell, decimal.NewFromInt(100))
	assert.True(t, stop.Decimal.Equal(decimal.RequireFromString("101.00")))
	assert.True(t, target.Decimal.Equal(decimal.RequireFromString("98.00")))
}

func TestBracketDisablesNonPositiveLegs(t *testing.T) {
	calc := NewBracketCalculator(testInfo, 0, 8)

	stop, target := calc.For(core.SideBuy, decimal.NewFromInt(100))
	assert.False(t, stop.Valid)
	assert.True(t, target.Valid)
}
