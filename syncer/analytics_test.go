package syncer

import (
	"testing"

	"github.com/shopspring/decimal"
)

func outcome(size, price, pnl string) TradeOutcome {
	return TradeOutcome{Size: dec(size), Price: dec(price), RealizedPnL: dec(pnl)}
}

// TestWinRate tests the winning-trade percentage
func TestWinRate(t *testing.T) {
	tests := []struct {
		name   string
		trades []TradeOutcome
		want   string
	}{
		{"no trades", nil, "0"},
		{
			"two of three win",
			[]TradeOutcome{
				outcome("100", "0.50", "10"),
				outcome("50", "0.40", "5"),
				outcome("25", "0.60", "-3"),
			},
			"66.67",
		},
		{
			"breakeven counts as a loss",
			[]TradeOutcome{
				outcome("100", "0.50", "0"),
				outcome("100", "0.50", "10"),
			},
			"50",
		},
		{
			"all winners",
			[]TradeOutcome{
				outcome("10", "0.50", "1"),
				outcome("10", "0.50", "2"),
			},
			"100",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := WinRate(tt.trades)
			if !decEquals(got, tt.want) {
				t.Errorf("WinRate() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestROI tests return on invested capital
func TestROI(t *testing.T) {
	tests := []struct {
		name   string
		trades []TradeOutcome
		want   string
	}{
		{"no trades", nil, "0"},
		{
			"net positive book",
			[]TradeOutcome{
				outcome("100", "0.50", "20"),
				outcome("50", "0.40", "-10"),
			},
			// invested 70, pnl 10
			"14.29",
		},
		{
			"zero invested",
			[]TradeOutcome{outcome("100", "0", "5")},
			"0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ROI(tt.trades)
			if !decEquals(got, tt.want) {
				t.Errorf("ROI() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestMaxDrawdown tests peak-to-trough decline tracking
func TestMaxDrawdown(t *testing.T) {
	curve := func(points ...string) []decimal.Decimal {
		out := make([]decimal.Decimal, len(points))
		for i, p := range points {
			out[i] = dec(p)
		}
		return out
	}

	tests := []struct {
		name  string
		curve []decimal.Decimal
		want  string
	}{
		{"empty curve", nil, "0"},
		{"monotonic rise never draws down", curve("100", "110", "120"), "0"},
		{
			"deepest trough wins",
			// 120 -> 90 is 25%, the later 130 -> 104 only 20%
			curve("100", "120", "90", "130", "104"),
			"25",
		},
		{"single drop", curve("100", "50"), "50"},
		{
			"negative peaks contribute nothing",
			curve("-10", "-5", "10", "5"),
			"50",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MaxDrawdown(tt.curve)
			if !decEquals(got, tt.want) {
				t.Errorf("MaxDrawdown() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestSharpeRatio tests annualized risk-adjusted return
func TestSharpeRatio(t *testing.T) {
	riskFree := dec("0.05")

	returns := func(points ...string) []decimal.Decimal {
		out := make([]decimal.Decimal, len(points))
		for i, p := range points {
			out[i] = dec(p)
		}
		return out
	}

	tests := []struct {
		name    string
		returns []decimal.Decimal
		want    string
	}{
		{"no samples", nil, "0"},
		{"single sample", returns("0.01"), "0"},
		{"flat series has no deviation", returns("0.01", "0.01", "0.01"), "0"},
		{"steady gains", returns("0.01", "0.02", "0.03"), "46.48"},
		{"choppy losses", returns("-0.01", "0.01", "-0.02"), "-10.42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SharpeRatio(tt.returns, riskFree)
			if !decEquals(got, tt.want) {
				t.Errorf("SharpeRatio() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestProfitFactor tests gross profit over gross loss
func TestProfitFactor(t *testing.T) {
	tests := []struct {
		name   string
		trades []TradeOutcome
		want   string
	}{
		{"no trades", nil, "0"},
		{
			"profits with no losses hit the cap",
			[]TradeOutcome{outcome("10", "0.50", "5"), outcome("10", "0.50", "3")},
			"999.99",
		},
		{
			"balanced book",
			[]TradeOutcome{
				outcome("10", "0.50", "10"),
				outcome("10", "0.50", "-5"),
				outcome("10", "0.50", "20"),
				outcome("10", "0.50", "-10"),
			},
			"2",
		},
		{
			"rounding",
			[]TradeOutcome{outcome("10", "0.50", "10"), outcome("10", "0.50", "-3")},
			"3.33",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ProfitFactor(tt.trades)
			if !decEquals(got, tt.want) {
				t.Errorf("ProfitFactor() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestRiskScore tests the bucket thresholds
func TestRiskScore(t *testing.T) {
	tests := []struct {
		name         string
		winRate      string
		maxDrawdown  string
		profitFactor string
		want         string
	}{
		{"strong everywhere", "75", "5", "2.5", RiskLow},
		{"exactly on the high thresholds", "70", "10", "2", RiskLow},
		{"middling everywhere", "60", "20", "1.6", RiskMedium},
		{"exactly on the low thresholds", "55", "25", "1.5", RiskMedium},
		{"one strong metric is not enough", "70", "30", "1", RiskHigh},
		{"weak everywhere", "40", "50", "0.5", RiskHigh},
		{"just under every threshold", "54.99", "25.01", "1.49", RiskHigh},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RiskScore(dec(tt.winRate), dec(tt.maxDrawdown), dec(tt.profitFactor))
			if got != tt.want {
				t.Errorf("RiskScore(%s, %s, %s) = %s, want %s",
					tt.winRate, tt.maxDrawdown, tt.profitFactor, got, tt.want)
			}
		})
	}
}
