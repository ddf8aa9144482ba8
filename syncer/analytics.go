package syncer

import (
	"math"

	"github.com/shopspring/decimal"
)

// Risk buckets stored on trader profiles
const (
	RiskLow    = "Low"
	RiskMedium = "Medium"
	RiskHigh   = "High"
)

// profitFactorCap stands in for an undefined ratio when a trader has
// profits but no losses yet
var profitFactorCap = decimal.RequireFromString("999.99")

// TradeOutcome is one settled trade used as input to the performance metrics
type TradeOutcome struct {
	Size        decimal.Decimal
	Price       decimal.Decimal
	RealizedPnL decimal.Decimal
}

// WinRate is the percentage of trades that closed with a strictly positive
// pnl, rounded to two decimals. Breakeven trades count as losses.
func WinRate(trades []TradeOutcome) decimal.Decimal {
	if len(trades) == 0 {
		return decimal.Zero
	}
	wins := 0
	for _, t := range trades {
		if t.RealizedPnL.IsPositive() {
			wins++
		}
	}
	return decimal.NewFromInt(int64(wins)).
		Div(decimal.NewFromInt(int64(len(trades)))).
		Mul(oneHundred).
		Round(2)
}

// ROI is total realized pnl over total invested (size x price per trade),
// as a percentage rounded to two decimals. Zero invested reports zero.
func ROI(trades []TradeOutcome) decimal.Decimal {
	if len(trades) == 0 {
		return decimal.Zero
	}
	invested := decimal.Zero
	totalPnL := decimal.Zero
	for _, t := range trades {
		invested = invested.Add(t.Size.Mul(t.Price))
		totalPnL = totalPnL.Add(t.RealizedPnL)
	}
	if invested.IsZero() {
		return decimal.Zero
	}
	return totalPnL.Div(invested).Mul(oneHundred).Round(2)
}

// MaxDrawdown is the largest peak-to-trough decline of the equity curve, as
// a percentage of the peak. Points while the running peak is non-positive
// contribute nothing.
func MaxDrawdown(equityCurve []decimal.Decimal) decimal.Decimal {
	if len(equityCurve) == 0 {
		return decimal.Zero
	}
	peak := equityCurve[0]
	maxDD := decimal.Zero
	for _, value := range equityCurve {
		if value.GreaterThan(peak) {
			peak = value
		}
		if !peak.IsPositive() {
			continue
		}
		drawdown := peak.Sub(value).Div(peak).Mul(oneHundred)
		if drawdown.GreaterThan(maxDD) {
			maxDD = drawdown
		}
	}
	return maxDD.Round(2)
}

// SharpeRatio annualizes a series of daily returns against the given annual
// risk-free rate. Needs at least two samples; the deviation is taken over
// the full sample, not n-1, and a flat series reports zero.
func SharpeRatio(returns []decimal.Decimal, riskFreeRate decimal.Decimal) decimal.Decimal {
	if len(returns) < 2 {
		return decimal.Zero
	}

	samples := make([]float64, len(returns))
	var sum float64
	for i, r := range returns {
		samples[i] = r.InexactFloat64()
		sum += samples[i]
	}
	mean := sum / float64(len(samples))

	var variance float64
	for _, v := range samples {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(samples))
	std := math.Sqrt(variance)
	if std == 0 {
		return decimal.Zero
	}

	annualizedReturn := mean * 365
	annualizedStd := std * math.Sqrt(365)
	sharpe := (annualizedReturn - riskFreeRate.InexactFloat64()) / annualizedStd
	return decimal.NewFromFloat(sharpe).Round(2)
}

// ProfitFactor is gross profit over gross loss, rounded to two decimals.
// With no losses it reports zero for a flat book and the cap otherwise.
func ProfitFactor(trades []TradeOutcome) decimal.Decimal {
	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	for _, t := range trades {
		switch {
		case t.RealizedPnL.IsPositive():
			grossProfit = grossProfit.Add(t.RealizedPnL)
		case t.RealizedPnL.IsNegative():
			grossLoss = grossLoss.Add(t.RealizedPnL.Abs())
		}
	}
	if grossLoss.IsZero() {
		if grossProfit.IsZero() {
			return decimal.Zero
		}
		return profitFactorCap
	}
	return grossProfit.Div(grossLoss).Round(2)
}

// RiskScore buckets a trader into Low, Medium or High risk. Win rate,
// drawdown and profit factor each add up to two points; five or more points
// reads Low, three or four Medium, anything less High.
func RiskScore(winRate, maxDrawdown, profitFactor decimal.Decimal) string {
	score := 0

	switch {
	case winRate.GreaterThanOrEqual(decimal.NewFromInt(70)):
		score += 2
	case winRate.GreaterThanOrEqual(decimal.NewFromInt(55)):
		score++
	}

	switch {
	case maxDrawdown.LessThanOrEqual(decimal.NewFromInt(10)):
		score += 2
	case maxDrawdown.LessThanOrEqual(decimal.NewFromInt(25)):
		score++
	}

	switch {
	case profitFactor.GreaterThanOrEqual(decimal.NewFromInt(2)):
		score += 2
	case profitFactor.GreaterThanOrEqual(decimal.RequireFromString("1.5")):
		score++
	}

	switch {
	case score >= 5:
		return RiskLow
	case score >= 3:
		return RiskMedium
	default:
		return RiskHigh
	}
}
