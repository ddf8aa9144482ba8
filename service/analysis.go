package service

import (
	"sort"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/models"
)

// PortfolioSummary is the aggregate view of one follower's copy-trading
// capital: how much is committed, where it is deployed, and how the closed
// positions have performed.
type PortfolioSummary struct {
	UserID          string          `json:"user_id"`
	TotalAllocated  decimal.Decimal `json:"total_allocated"`
	TotalDeployed   decimal.Decimal `json:"total_deployed"`
	TotalAvailable  decimal.Decimal `json:"total_available"`
	RealizedPnL     decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL   decimal.Decimal `json:"unrealized_pnl"`
	OpenPositions   int             `json:"open_positions"`
	ClosedPositions int             `json:"closed_positions"`
	WinCount        int             `json:"win_count"`
	LossCount       int             `json:"loss_count"`
	WinRate         decimal.Decimal `json:"win_rate"`
	ActiveConfigs   int             `json:"active_configs"`
	Traders         []TraderSlice   `json:"traders"`
}

// TraderSlice is the per-lead-trader breakdown inside a portfolio summary.
type TraderSlice struct {
	TraderAddress string          `json:"trader_address"`
	TraderName    string          `json:"trader_name,omitempty"`
	Allocated     decimal.Decimal `json:"allocated"`
	Deployed      decimal.Decimal `json:"deployed"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	OpenPositions int             `json:"open_positions"`
}

// BuildPortfolioSummary folds a follower's configs and positions into one
// summary. Pure; stopped positions count as closed losses or wins by their
// realized pnl like any other exit.
func BuildPortfolioSummary(userID string, configs []models.CopyConfig, positions []models.CopiedPosition) PortfolioSummary {
	summary := PortfolioSummary{UserID: userID, Traders: []TraderSlice{}}

	slices := make(map[string]*TraderSlice)
	sliceFor := func(trader, name string) *TraderSlice {
		if sl, ok := slices[trader]; ok {
			return sl
		}
		sl := &TraderSlice{TraderAddress: trader, TraderName: name}
		slices[trader] = sl
		return sl
	}

	for _, cfg := range configs {
		summary.TotalAllocated = summary.TotalAllocated.Add(cfg.Allocation)
		summary.TotalAvailable = summary.TotalAvailable.Add(cfg.RemainingAllocation)
		summary.TotalDeployed = summary.TotalDeployed.Add(cfg.UsedAllocation())
		summary.RealizedPnL = summary.RealizedPnL.Add(cfg.TotalPnL)
		if cfg.IsActive {
			summary.ActiveConfigs++
		}

		sl := sliceFor(cfg.TraderAddress, cfg.TraderName)
		sl.Allocated = sl.Allocated.Add(cfg.Allocation)
		sl.Deployed = sl.Deployed.Add(cfg.UsedAllocation())
		sl.RealizedPnL = sl.RealizedPnL.Add(cfg.TotalPnL)
	}

	for _, pos := range positions {
		sl := sliceFor(pos.TraderAddress, "")
		if pos.Status == models.StatusOpen {
			summary.OpenPositions++
			summary.UnrealizedPnL = summary.UnrealizedPnL.Add(pos.PnL)
			sl.OpenPositions++
			sl.UnrealizedPnL = sl.UnrealizedPnL.Add(pos.PnL)
			continue
		}
		summary.ClosedPositions++
		if pos.PnL.IsPositive() {
			summary.WinCount++
		} else if pos.PnL.IsNegative() {
			summary.LossCount++
		}
	}

	if summary.ClosedPositions > 0 {
		summary.WinRate = decimal.NewFromInt(int64(summary.WinCount)).
			Div(decimal.NewFromInt(int64(summary.ClosedPositions))).
			Mul(decimal.NewFromInt(100)).Round(2)
	}

	for _, sl := range slices {
		summary.Traders = append(summary.Traders, *sl)
	}
	sort.Slice(summary.Traders, func(i, j int) bool {
		return summary.Traders[i].TraderAddress < summary.Traders[j].TraderAddress
	})

	return summary
}
