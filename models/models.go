package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side represents the outcome token a position holds
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether the side is one of the two outcome tokens.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// PositionStatus represents the lifecycle state of a copied position
type PositionStatus string

const (
	StatusOpen    PositionStatus = "open"
	StatusClosed  PositionStatus = "closed"
	StatusStopped PositionStatus = "stopped"
)

// Terminal reports whether the status is final. Terminal positions are never
// mutated again by price sweeps.
func (s PositionStatus) Terminal() bool {
	return s == StatusClosed || s == StatusStopped
}

// CloseReason records why a position left the open state
type CloseReason string

const (
	CloseManual        CloseReason = "manual"
	CloseStopLoss      CloseReason = "stop_loss"
	CloseTakeProfit    CloseReason = "take_profit"
	CloseMirrored      CloseReason = "mirrored"
	CloseConfigDeleted CloseReason = "config_deleted"
)

// PendingStatus represents the state of a detected-but-unconfirmed copy trade
type PendingStatus string

const (
	PendingStatusPending  PendingStatus = "pending"
	PendingStatusExecuted PendingStatus = "executed"
	PendingStatusSkipped  PendingStatus = "skipped"
)

// CopyConfig is a follower's standing instruction to mirror one lead trader.
// Money fields are 2-decimal USDC amounts; remaining_allocation is floored at
// zero and never exceeds allocation at rest.
type CopyConfig struct {
	ID                   int64            `json:"id"`
	UserID               string           `json:"user_id"` // follower wallet
	TraderAddress        string           `json:"trader_address"`
	TraderName           string           `json:"trader_name,omitempty"`
	Allocation           decimal.Decimal  `json:"allocation"`
	RemainingAllocation  decimal.Decimal  `json:"remaining_allocation"`
	MaxPositionSize      *decimal.Decimal `json:"max_position_size,omitempty"`
	CopyRatio            decimal.Decimal  `json:"copy_ratio"` // percentage, 1-100
	StopLossPercentage   *decimal.Decimal `json:"stop_loss_percentage,omitempty"`
	TakeProfitPercentage *decimal.Decimal `json:"take_profit_percentage,omitempty"`
	AutoCopyNew          bool             `json:"auto_copy_new"`
	MirrorClose          bool             `json:"mirror_close"`
	NotifyOnCopy         bool             `json:"notify_on_copy"`
	IsActive             bool             `json:"is_active"`
	TotalPnL             decimal.Decimal  `json:"total_pnl"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// UsedAllocation returns the capital currently committed to open positions.
func (c *CopyConfig) UsedAllocation() decimal.Decimal {
	return c.Allocation.Sub(c.RemainingAllocation)
}

// CopiedPosition is one follower position opened by mirroring a lead trade.
// Size is USDC collateral; the implied share count is size / entry_price.
type CopiedPosition struct {
	ID              int64            `json:"id"`
	UserID          string           `json:"user_id"`
	CopyConfigID    int64            `json:"copy_config_id"`
	MarketID        string           `json:"market_id"`
	MarketTitle     string           `json:"market_title"`
	TraderAddress   string           `json:"trader_address"`
	Side            Side             `json:"side"`
	Size            decimal.Decimal  `json:"size"`
	EntryPrice      decimal.Decimal  `json:"entry_price"`
	CurrentPrice    decimal.Decimal  `json:"current_price"`
	PnL             decimal.Decimal  `json:"pnl"`
	PnLPercentage   decimal.Decimal  `json:"pnl_percentage"`
	Status          PositionStatus   `json:"status"`
	StopLossPrice   *decimal.Decimal `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *decimal.Decimal `json:"take_profit_price,omitempty"`
	CloseReason     CloseReason      `json:"close_reason,omitempty"`
	OpenedAt        time.Time        `json:"opened_at"`
	ClosedAt        *time.Time       `json:"closed_at,omitempty"`
}

// PendingCopyTrade is a detected lead trade matched to one follower
// configuration, awaiting confirmation. Identity is the dedup key: the same
// (config, lead trade) pair never produces two live records. Process-local,
// garbage-collected after a fixed TTL regardless of status.
type PendingCopyTrade struct {
	ID              string          `json:"id"` // "<configID>-<tradeID>"
	UserID          string          `json:"user_id"`
	CopyConfigID    int64           `json:"copy_config_id"`
	TraderAddress   string          `json:"trader_address"`
	MarketID        string          `json:"market_id"`
	MarketTitle     string          `json:"market_title"`
	MarketSlug      string          `json:"market_slug"`
	EventSlug       string          `json:"event_slug"`
	Side            string          `json:"side"` // feed side, BUY or SELL
	Outcome         string          `json:"outcome"`
	Size            decimal.Decimal `json:"size"`
	Price           decimal.Decimal `json:"price"`
	OriginalTradeID string          `json:"original_trade_id"`
	Timestamp       int64           `json:"timestamp"`
	Status          PendingStatus   `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// PendingTradeID builds the composite dedup key for a (config, trade) pair.
func PendingTradeID(configID int64, tradeID string) string {
	return strconv.FormatInt(configID, 10) + "-" + tradeID
}

// TraderProfile holds cached stats for a lead trader, refreshed by the
// profile syncer on its own schedule; readers tolerate staleness.
type TraderProfile struct {
	ID             int64           `json:"id"`
	WalletAddress  string          `json:"wallet_address"`
	DisplayName    string          `json:"display_name,omitempty"`
	TotalTrades    int             `json:"total_trades"`
	WinRate        decimal.Decimal `json:"win_rate"`
	ROI            decimal.Decimal `json:"roi"`
	TotalVolume    decimal.Decimal `json:"total_volume"`
	PortfolioValue decimal.Decimal `json:"portfolio_value"`
	FollowersCount int             `json:"followers_count"`
	RiskScore      string          `json:"risk_score,omitempty"` // Low, Medium, High
	MaxDrawdown    decimal.Decimal `json:"max_drawdown"`
	SharpeRatio    decimal.Decimal `json:"sharpe_ratio"`
	ProfitFactor   decimal.Decimal `json:"profit_factor"`
	AvatarURL      string          `json:"avatar_url,omitempty"`
	LastSynced     time.Time       `json:"last_synced"`
}

// TraderActivity is one row of a lead trader's activity feed.
type TraderActivity struct {
	ID          string          `json:"id"` // transaction hash
	Timestamp   int64           `json:"timestamp"`
	Side        string          `json:"side"`
	Size        decimal.Decimal `json:"size"`      // share quantity
	UsdcSize    decimal.Decimal `json:"usdc_size"` // collateral moved
	Price       decimal.Decimal `json:"price"`
	MarketTitle string          `json:"market_title"`
	MarketSlug  string          `json:"market_slug"`
	EventSlug   string          `json:"event_slug"`
	Outcome     string          `json:"outcome"`
}

// OutcomeSide maps a feed outcome label onto an outcome token side.
// Anything that is not explicitly "no" is treated as the YES token.
func OutcomeSide(outcome string) Side {
	if outcome == "No" || outcome == "no" || outcome == "NO" {
		return SideNo
	}
	return SideYes
}

// PositionSide maps the activity's outcome label onto an outcome token side.
func (a TraderActivity) PositionSide() Side {
	return OutcomeSide(a.Outcome)
}

// MarketPrice is a point-in-time YES/NO price pair for one market.
type MarketPrice struct {
	MarketID string          `json:"market_id"`
	YesPrice decimal.Decimal `json:"yes_price"`
	NoPrice  decimal.Decimal `json:"no_price"`
}

// SidePrice returns the price of the requested outcome token.
func (p MarketPrice) SidePrice(side Side) decimal.Decimal {
	if side == SideNo {
		return p.NoPrice
	}
	return p.YesPrice
}

// Notification types pushed to followers.
const (
	NotifyTradeCopied     = "trade_copied"
	NotifyStopLoss        = "stop_loss_triggered"
	NotifyTakeProfit      = "take_profit_triggered"
	NotifyPendingCopy     = "pending_copy_trade"
	NotifyPositionsClosed = "positions_closed"
)

// Notification is a persisted, user-facing event record.
type Notification struct {
	ID        uuid.UUID         `json:"id"`
	UserID    string            `json:"user_id"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Data      map[string]string `json:"data,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt time.Time         `json:"created_at"`
}

// TraderStats is the raw aggregate returned by the leaderboard lookup.
type TraderStats struct {
	WalletAddress string          `json:"wallet_address"`
	DisplayName   string          `json:"display_name,omitempty"`
	Profit        decimal.Decimal `json:"profit"`
	Volume        decimal.Decimal `json:"volume"`
	TradesCount   int             `json:"trades_count"`
	Rank          int             `json:"rank,omitempty"`
	AvatarURL     string          `json:"avatar_url,omitempty"`
}
