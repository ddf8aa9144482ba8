package syncer

import (
	"fmt"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/models"
)

var (
	oneHundred = decimal.NewFromInt(100)
	one        = decimal.NewFromInt(1)
)

// CalculatePositionSize computes the follower's position size for one copied
// trade. This is a pure function for easy testing.
//
// Formula: allocation * (tradeSize / traderPortfolio) * (copyRatio / 100),
// clamped to maxPositionSize and then to remainingAllocation when provided,
// rounded to 2 decimal places (money precision).
//
// Never returns an error: every input combination produces a defined size,
// possibly zero. A non-positive portfolio yields zero (no meaningful
// proportion can be computed).
func CalculatePositionSize(
	allocation decimal.Decimal,
	traderPortfolio decimal.Decimal,
	tradeSize decimal.Decimal,
	copyRatio decimal.Decimal,
	maxPositionSize *decimal.Decimal,
	remainingAllocation *decimal.Decimal,
) decimal.Decimal {
	return rawPositionSize(allocation, traderPortfolio, tradeSize, copyRatio, maxPositionSize, remainingAllocation).Round(2)
}

// rawPositionSize is the proportional formula with both clamps applied but
// without the final money rounding. The ingestion loop checks the minimum
// trade size against this raw value: a raw 0.997 is dust even though it
// would round up to 1.00.
func rawPositionSize(
	allocation decimal.Decimal,
	traderPortfolio decimal.Decimal,
	tradeSize decimal.Decimal,
	copyRatio decimal.Decimal,
	maxPositionSize *decimal.Decimal,
	remainingAllocation *decimal.Decimal,
) decimal.Decimal {
	if traderPortfolio.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	tradePercentage := tradeSize.Div(traderPortfolio)
	size := allocation.Mul(tradePercentage).Mul(copyRatio.Div(oneHundred))

	// Apply max position size limit
	if maxPositionSize != nil && size.GreaterThan(*maxPositionSize) {
		size = *maxPositionSize
	}

	// Apply remaining allocation limit
	if remainingAllocation != nil && size.GreaterThan(*remainingAllocation) {
		size = *remainingAllocation
	}

	return size
}

// CalculateStopLossPrice derives the exit threshold from the entry price.
// YES positions protect below entry; NO positions protect above it, since
// the NO price moves inversely to the YES probability.
// An unrecognized side is a contract violation, not a silent default.
func CalculateStopLossPrice(entryPrice decimal.Decimal, side models.Side, stopLossPct decimal.Decimal) (decimal.Decimal, error) {
	switch side {
	case models.SideYes:
		return entryPrice.Mul(one.Sub(stopLossPct.Div(oneHundred))), nil
	case models.SideNo:
		return entryPrice.Mul(one.Add(stopLossPct.Div(oneHundred))), nil
	default:
		return decimal.Zero, fmt.Errorf("invalid side %q", side)
	}
}

// CalculateTakeProfitPrice derives the profit-taking threshold, mirroring
// CalculateStopLossPrice on the opposite side of entry.
func CalculateTakeProfitPrice(entryPrice decimal.Decimal, side models.Side, takeProfitPct decimal.Decimal) (decimal.Decimal, error) {
	switch side {
	case models.SideYes:
		return entryPrice.Mul(one.Add(takeProfitPct.Div(oneHundred))), nil
	case models.SideNo:
		return entryPrice.Mul(one.Sub(takeProfitPct.Div(oneHundred))), nil
	default:
		return decimal.Zero, fmt.Errorf("invalid side %q", side)
	}
}

// ShouldTriggerStopLoss reports whether the current price has crossed the
// stop threshold. Both boundaries are inclusive: a price exactly at the stop
// triggers. Pure comparison, no rounding.
func ShouldTriggerStopLoss(currentPrice, stopLossPrice decimal.Decimal, side models.Side) bool {
	if side == models.SideYes {
		return currentPrice.LessThanOrEqual(stopLossPrice)
	}
	return currentPrice.GreaterThanOrEqual(stopLossPrice)
}

// ShouldTriggerTakeProfit reports whether the current price has reached the
// profit target. Inclusive on the boundary, like the stop-loss check.
func ShouldTriggerTakeProfit(currentPrice, takeProfitPrice decimal.Decimal, side models.Side) bool {
	if side == models.SideYes {
		return currentPrice.GreaterThanOrEqual(takeProfitPrice)
	}
	return currentPrice.LessThanOrEqual(takeProfitPrice)
}

// PositionPnL computes realized profit for a position exiting at exitPrice.
//
// Size is USDC collateral, not a share count: the implied share count is
// size / entryPrice, and profit is the price move times shares. Multiplying
// the price delta by size directly would silently misstate the magnitude by
// a factor of 1/entryPrice.
//
// Returns (pnl, pnlPercentage), both rounded to 2 decimal places.
func PositionPnL(entryPrice, exitPrice, size decimal.Decimal, side models.Side) (decimal.Decimal, decimal.Decimal) {
	if entryPrice.LessThanOrEqual(decimal.Zero) || size.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, decimal.Zero
	}

	shares := size.Div(entryPrice)

	var pnl decimal.Decimal
	if side == models.SideYes {
		pnl = exitPrice.Sub(entryPrice).Mul(shares)
	} else {
		pnl = entryPrice.Sub(exitPrice).Mul(shares)
	}

	pct := pnl.Div(size).Mul(oneHundred)
	return pnl.Round(2), pct.Round(2)
}
