package storage

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/models"
)

// Sentinel errors the API layer maps onto HTTP semantics.
var (
	ErrAlreadyCopying         = errors.New("already copying this trader")
	ErrInsufficientAllocation = errors.New("insufficient remaining allocation")
)

// TraderFilter narrows and pages trader profile listings
type TraderFilter struct {
	MinTrades  int
	MinWinRate float64
	SortBy     string // win_rate, roi, total_volume, followers_count
	Limit      int
	Offset     int
}

// PriceRefresh carries one position's recomputed mark-to-market state
type PriceRefresh struct {
	PositionID    int64
	CurrentPrice  decimal.Decimal
	PnL           decimal.Decimal
	PnLPercentage decimal.Decimal
}

// PositionClose is the terminal state applied to an open position
type PositionClose struct {
	ExitPrice     decimal.Decimal
	PnL           decimal.Decimal
	PnLPercentage decimal.Decimal
	Status        models.PositionStatus
	Reason        models.CloseReason
}

// DataStore defines the interface for storage backends
type DataStore interface {
	Close() error
	Ping(ctx context.Context) error

	// Copy configuration operations
	CreateCopyConfig(ctx context.Context, config *models.CopyConfig) (*models.CopyConfig, error)
	GetCopyConfig(ctx context.Context, id int64) (*models.CopyConfig, error)
	ListCopyConfigs(ctx context.Context, userID string) ([]models.CopyConfig, error)
	ListWatchableConfigs(ctx context.Context, minRemaining decimal.Decimal) ([]models.CopyConfig, error)
	UpdateCopyConfig(ctx context.Context, config *models.CopyConfig) error
	DeleteCopyConfig(ctx context.Context, id int64) error

	// Allocation ledger commits. The row-level guards here are the second
	// line of defense; callers hold the per-config lock (syncer.Ledger)
	// across the compute-then-commit sequence.
	DebitAllocation(ctx context.Context, configID int64, amount decimal.Decimal) (decimal.Decimal, error)
	CreditAllocation(ctx context.Context, configID int64, amount, pnl decimal.Decimal) error

	// Position operations
	CreatePosition(ctx context.Context, position *models.CopiedPosition) (*models.CopiedPosition, error)
	GetPosition(ctx context.Context, id int64) (*models.CopiedPosition, error)
	ListPositions(ctx context.Context, userID string, status models.PositionStatus, limit int) ([]models.CopiedPosition, error)
	ListPositionsForConfig(ctx context.Context, configID int64) ([]models.CopiedPosition, error)
	ListMonitoredPositions(ctx context.Context) ([]models.CopiedPosition, error)
	ListOpenPositionsForMarket(ctx context.Context, configID int64, marketID string) ([]models.CopiedPosition, error)
	UpdatePositionPrices(ctx context.Context, refreshes []PriceRefresh) error
	ClosePosition(ctx context.Context, id int64, close PositionClose) (bool, error)
	CloseOpenPositionsForConfig(ctx context.Context, configID int64, reason models.CloseReason) (int64, error)

	// Trader profile operations
	GetTraderProfile(ctx context.Context, wallet string) (*models.TraderProfile, error)
	UpsertTraderProfile(ctx context.Context, profile *models.TraderProfile) error
	ListTraderProfiles(ctx context.Context, filter TraderFilter) ([]models.TraderProfile, int, error)
	ListTopTraders(ctx context.Context, limit int) ([]models.TraderProfile, error)
	ListFollowedTraders(ctx context.Context) ([]string, error)

	// Notification operations
	SaveNotification(ctx context.Context, n models.Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id, userID string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) error

	// Market price cache (Redis, short TTL)
	GetCachedPrice(ctx context.Context, marketID string) (*models.MarketPrice, error)
	CachePrice(ctx context.Context, price models.MarketPrice) error

	// Copy metrics snapshot (Redis, 24h TTL)
	SaveMetricsSnapshot(ctx context.Context, payload []byte) error
	GetMetricsSnapshot(ctx context.Context) ([]byte, error)
}

// Ensure both implementations satisfy the interface
var _ DataStore = (*PostgresStore)(nil)
var _ DataStore = (*MockStore)(nil)
