package engine

import (
	"intent_keeper/internal/core"
	"intent_keeper/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// BracketCalculator derives protective prices from a reference price using
// fixed tick offsets.
type BracketCalculator struct {
	info        core.SymbolInfo
	stopTicks   int64
	targetTicks int64
}

// NewBracketCalculator creates a calculator with the given tick offsets. A
// non-positive offset disables that leg.
func NewBracketCalculator(info core.SymbolInfo, stopTicks, targetTicks int64) BracketCalculator {
	return BracketCalculator{info: info, stopTicks: stopTicks, targetTicks: targetTicks}
}

// For computes the stop and target for a position on side anchored at ref.
// A long stops below and targets above; a short mirrors.
func (b BracketCalculator) For(side core.Side, ref decimal.Decimal) (stop, target decimal.NullDecimal) {
	ref = tradingutils.RoundToTick(ref, b.info.TickSize)
	stopDir, targetDir := int64(-1), int64(1)
	if side == core.SideSell {
		stopDir, targetDir = 1, -1
	}

	if b.stopTicks > 0 {
		stop = decimal.NewNullDecimal(tradingutils.PriceFromTicks(ref, stopDir*b.stopTicks, b.info.TickSize))
	}
	if b.targetTicks > 0 {
		target = decimal.NewNullDecimal(tradingutils.PriceFromTicks(ref, targetDir*b.targetTicks, b.info.TickSize))
	}
	return stop, target
}
