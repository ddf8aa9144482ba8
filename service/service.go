package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/models"
	"polymarket-copytrader/notify"
	"polymarket-copytrader/storage"
	"polymarket-copytrader/syncer"
)

// Sentinel errors the HTTP layer maps onto status codes.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrPositionClosed = errors.New("position already closed")
)

var (
	minPct = decimal.NewFromInt(1)
	maxPct = decimal.NewFromInt(100)
)

const (
	leaderboardWindow = "MONTH"
	leaderboardTTL    = 5 * time.Minute

	// Positions folded into a portfolio summary. A follower past this many
	// rows gets a truncated summary rather than an unbounded scan.
	portfolioScanLimit = 1000
)

// Service coordinates the stores, the feed, and the background workers behind
// the HTTP surface. All user-facing identifiers are normalized here so the
// layers below can compare wallets byte-for-byte.
type Service struct {
	store    storage.DataStore
	feed     api.FeedClient
	watcher  *syncer.TradeWatcher
	profiles *syncer.ProfileSyncer
	ledger   *syncer.Ledger
	hub      *notify.Hub
	cfg      *config.Config

	cacheMu          sync.RWMutex
	leaderboardCache map[string]leaderboardCacheEntry
}

type leaderboardCacheEntry struct {
	data    []models.TraderStats
	expires time.Time
}

func NewService(
	store storage.DataStore,
	feed api.FeedClient,
	watcher *syncer.TradeWatcher,
	profiles *syncer.ProfileSyncer,
	ledger *syncer.Ledger,
	hub *notify.Hub,
	cfg *config.Config,
) *Service {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}
	return &Service{
		store:            store,
		feed:             feed,
		watcher:          watcher,
		profiles:         profiles,
		ledger:           ledger,
		hub:              hub,
		cfg:              cfg,
		leaderboardCache: make(map[string]leaderboardCacheEntry),
	}
}

// Health reports whether the backing stores are reachable.
func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ============================================================================
// COPY CONFIGURATIONS
// ============================================================================

// CreateCopyConfig validates and stores a new follow instruction. The
// remaining allocation is seeded equal to the allocation: a new config starts
// with its full budget available.
func (s *Service) CreateCopyConfig(ctx context.Context, userID string, in *models.CopyConfig) (*models.CopyConfig, error) {
	trader, err := NormalizeWallet(in.TraderAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: trader_address must be a wallet address", ErrInvalidInput)
	}
	if !in.Allocation.IsPositive() {
		return nil, fmt.Errorf("%w: allocation must be positive", ErrInvalidInput)
	}
	if in.CopyRatio.IsZero() {
		in.CopyRatio = maxPct
	}
	if err := validatePct("copy_ratio", in.CopyRatio); err != nil {
		return nil, err
	}
	if in.MaxPositionSize != nil && !in.MaxPositionSize.IsPositive() {
		return nil, fmt.Errorf("%w: max_position_size must be positive", ErrInvalidInput)
	}
	if in.StopLossPercentage != nil {
		if err := validatePct("stop_loss_percentage", *in.StopLossPercentage); err != nil {
			return nil, err
		}
	}
	if in.TakeProfitPercentage != nil {
		if err := validatePct("take_profit_percentage", *in.TakeProfitPercentage); err != nil {
			return nil, err
		}
	}

	in.UserID = normalizeUserID(userID)
	in.TraderAddress = trader
	in.RemainingAllocation = in.Allocation
	in.TotalPnL = decimal.Zero
	in.IsActive = true

	if in.TraderName == "" {
		if profile, err := s.store.GetTraderProfile(ctx, trader); err == nil && profile != nil {
			in.TraderName = profile.DisplayName
		}
	}

	created, err := s.store.CreateCopyConfig(ctx, in)
	if err != nil {
		return nil, err
	}

	log.Printf("[Service] %s now copying %s (allocation %s, ratio %s%%)",
		shortAddress(created.UserID), shortAddress(created.TraderAddress),
		created.Allocation, created.CopyRatio)
	return created, nil
}

// GetCopyConfig returns one config, owner-scoped. A config belonging to
// someone else is indistinguishable from a missing one.
func (s *Service) GetCopyConfig(ctx context.Context, userID string, id int64) (*models.CopyConfig, error) {
	cfg, err := s.store.GetCopyConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg == nil || cfg.UserID != normalizeUserID(userID) {
		return nil, fmt.Errorf("copy config %d: %w", id, ErrNotFound)
	}
	return cfg, nil
}

// ListCopyConfigs returns the follower's configs, newest first.
func (s *Service) ListCopyConfigs(ctx context.Context, userID string) ([]models.CopyConfig, error) {
	return s.store.ListCopyConfigs(ctx, normalizeUserID(userID))
}

// ConfigUpdate carries a partial edit to a copy configuration. Nil fields are
// left untouched. A zero value for max_position_size, stop_loss_percentage,
// or take_profit_percentage clears the limit.
type ConfigUpdate struct {
	TraderName           *string          `json:"trader_name"`
	Allocation           *decimal.Decimal `json:"allocation"`
	MaxPositionSize      *decimal.Decimal `json:"max_position_size"`
	CopyRatio            *decimal.Decimal `json:"copy_ratio"`
	StopLossPercentage   *decimal.Decimal `json:"stop_loss_percentage"`
	TakeProfitPercentage *decimal.Decimal `json:"take_profit_percentage"`
	AutoCopyNew          *bool            `json:"auto_copy_new"`
	MirrorClose          *bool            `json:"mirror_close"`
	NotifyOnCopy         *bool            `json:"notify_on_copy"`
	IsActive             *bool            `json:"is_active"`
}

// UpdateCopyConfig applies a partial update. An allocation change rebases the
// remaining budget so capital already deployed into open positions carries
// over unchanged. Runs under the config's allocation lock: a concurrent copy
// sizing against the old remaining cannot interleave with the rebase.
func (s *Service) UpdateCopyConfig(ctx context.Context, userID string, id int64, upd ConfigUpdate) (*models.CopyConfig, error) {
	owner := normalizeUserID(userID)

	var updated *models.CopyConfig
	err := s.ledger.WithConfig(id, func() error {
		cfg, err := s.store.GetCopyConfig(ctx, id)
		if err != nil {
			return err
		}
		if cfg == nil || cfg.UserID != owner {
			return fmt.Errorf("copy config %d: %w", id, ErrNotFound)
		}

		if upd.Allocation != nil {
			if !upd.Allocation.IsPositive() {
				return fmt.Errorf("%w: allocation must be positive", ErrInvalidInput)
			}
			cfg.RemainingAllocation = syncer.RebaseRemaining(cfg.Allocation, cfg.RemainingAllocation, *upd.Allocation)
			cfg.Allocation = *upd.Allocation
		}
		if upd.CopyRatio != nil {
			if err := validatePct("copy_ratio", *upd.CopyRatio); err != nil {
				return err
			}
			cfg.CopyRatio = *upd.CopyRatio
		}
		if upd.MaxPositionSize != nil {
			switch {
			case upd.MaxPositionSize.IsZero():
				cfg.MaxPositionSize = nil
			case upd.MaxPositionSize.IsNegative():
				return fmt.Errorf("%w: max_position_size must be positive", ErrInvalidInput)
			default:
				v := *upd.MaxPositionSize
				cfg.MaxPositionSize = &v
			}
		}
		if err := applyPct(&cfg.StopLossPercentage, "stop_loss_percentage", upd.StopLossPercentage); err != nil {
			return err
		}
		if err := applyPct(&cfg.TakeProfitPercentage, "take_profit_percentage", upd.TakeProfitPercentage); err != nil {
			return err
		}
		if upd.TraderName != nil {
			cfg.TraderName = *upd.TraderName
		}
		if upd.AutoCopyNew != nil {
			cfg.AutoCopyNew = *upd.AutoCopyNew
		}
		if upd.MirrorClose != nil {
			cfg.MirrorClose = *upd.MirrorClose
		}
		if upd.NotifyOnCopy != nil {
			cfg.NotifyOnCopy = *upd.NotifyOnCopy
		}
		if upd.IsActive != nil {
			cfg.IsActive = *upd.IsActive
		}

		if err := s.store.UpdateCopyConfig(ctx, cfg); err != nil {
			return err
		}
		updated = cfg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteCopyConfig removes a config and optionally closes its open positions
// first. Closed-by-deletion positions keep their last mark as the exit; no
// allocation credit happens because the budget disappears with the config.
// Returns how many positions were closed.
func (s *Service) DeleteCopyConfig(ctx context.Context, userID string, id int64, closePositions bool) (int64, error) {
	owner := normalizeUserID(userID)

	var closed int64
	err := s.ledger.WithConfig(id, func() error {
		cfg, err := s.store.GetCopyConfig(ctx, id)
		if err != nil {
			return err
		}
		if cfg == nil || cfg.UserID != owner {
			return fmt.Errorf("copy config %d: %w", id, ErrNotFound)
		}

		if closePositions {
			n, err := s.store.CloseOpenPositionsForConfig(ctx, id, models.CloseConfigDeleted)
			if err != nil {
				return fmt.Errorf("close positions for config %d: %w", id, err)
			}
			closed = n
		}
		return s.store.DeleteCopyConfig(ctx, id)
	})
	if err != nil {
		return 0, err
	}
	s.ledger.Forget(id)

	log.Printf("[Service] Deleted copy config %d for %s (%d position(s) closed)",
		id, shortAddress(owner), closed)
	return closed, nil
}

// ListConfigPositions returns every position ever opened under one config,
// owner-scoped.
func (s *Service) ListConfigPositions(ctx context.Context, userID string, id int64) ([]models.CopiedPosition, error) {
	if _, err := s.GetCopyConfig(ctx, userID, id); err != nil {
		return nil, err
	}
	return s.store.ListPositionsForConfig(ctx, id)
}

// ============================================================================
// POSITIONS
// ============================================================================

// ListPositions returns the follower's positions, optionally filtered by
// status. An unknown status is an input error, not an empty result.
func (s *Service) ListPositions(ctx context.Context, userID, status string, limit int) ([]models.CopiedPosition, error) {
	st, err := parseStatus(status)
	if err != nil {
		return nil, err
	}
	return s.store.ListPositions(ctx, normalizeUserID(userID), st, clampLimit(limit, 100, 500))
}

// ClosePositionNow exits a position at the current market price with reason
// manual. The close and the allocation credit run under the config's ledger
// lock, the same sequence the stop-loss monitor uses.
func (s *Service) ClosePositionNow(ctx context.Context, userID string, positionID int64) (*models.CopiedPosition, error) {
	owner := normalizeUserID(userID)

	pos, err := s.store.GetPosition(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if pos == nil || pos.UserID != owner {
		return nil, fmt.Errorf("position %d: %w", positionID, ErrNotFound)
	}
	if pos.Status.Terminal() {
		return nil, ErrPositionClosed
	}

	mark := s.resolveMark(ctx, pos)
	pnl, pnlPct := syncer.PositionPnL(pos.EntryPrice, mark, pos.Size, pos.Side)

	err = s.ledger.WithConfig(pos.CopyConfigID, func() error {
		ok, err := s.store.ClosePosition(ctx, pos.ID, storage.PositionClose{
			ExitPrice:     mark,
			PnL:           pnl,
			PnLPercentage: pnlPct,
			Status:        models.StatusClosed,
			Reason:        models.CloseManual,
		})
		if err != nil {
			return err
		}
		if !ok {
			return ErrPositionClosed
		}
		return s.store.CreditAllocation(ctx, pos.CopyConfigID, pos.Size, pnl)
	})
	if err != nil {
		return nil, err
	}

	if s.hub != nil {
		s.hub.Push(owner, notify.Event{Type: "position_closed", Data: map[string]string{
			"position_id": strconv.FormatInt(pos.ID, 10),
			"market_id":   pos.MarketID,
			"exit_price":  mark.String(),
			"pnl":         pnl.String(),
			"reason":      string(models.CloseManual),
		}})
	}
	log.Printf("[Service] Position %d closed manually at %s (pnl %s)", pos.ID, mark, pnl)

	now := time.Now().UTC()
	pos.Status = models.StatusClosed
	pos.CloseReason = models.CloseManual
	pos.CurrentPrice = mark
	pos.PnL = pnl
	pos.PnLPercentage = pnlPct
	pos.ClosedAt = &now
	return pos, nil
}

// resolveMark returns the freshest price available for the position's side:
// the cache, then the feed, then the position's last stored mark when the
// market cannot be priced right now.
func (s *Service) resolveMark(ctx context.Context, pos *models.CopiedPosition) decimal.Decimal {
	if cached, err := s.store.GetCachedPrice(ctx, pos.MarketID); err == nil && cached != nil {
		return cached.SidePrice(pos.Side)
	}

	fresh, err := s.feed.GetMarketPrice(ctx, pos.MarketID)
	if err != nil {
		log.Printf("[Service] Price lookup for %s failed, using last mark %s: %v",
			pos.MarketID, pos.CurrentPrice, err)
		return pos.CurrentPrice
	}
	if fresh == nil {
		return pos.CurrentPrice
	}

	if err := s.store.CachePrice(ctx, *fresh); err != nil {
		log.Printf("[Service] Price cache write for %s failed: %v", pos.MarketID, err)
	}
	return fresh.SidePrice(pos.Side)
}

// ============================================================================
// TRADERS
// ============================================================================

// ListTraders pages through stored trader profiles. Returns the page and the
// total match count for pagination.
func (s *Service) ListTraders(ctx context.Context, filter storage.TraderFilter) ([]models.TraderProfile, int, error) {
	switch filter.SortBy {
	case "", "win_rate", "roi", "total_volume", "followers_count":
	default:
		return nil, 0, fmt.Errorf("%w: unknown sort %q", ErrInvalidInput, filter.SortBy)
	}
	if filter.MinTrades < 0 || filter.MinWinRate < 0 {
		return nil, 0, fmt.Errorf("%w: filters must not be negative", ErrInvalidInput)
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.Limit = clampLimit(filter.Limit, 50, 200)
	return s.store.ListTraderProfiles(ctx, filter)
}

// TopTraders returns the highest-ROI synced profiles. A cold deployment with
// nothing synced yet falls back to the feed leaderboard so discovery works
// from the first request.
func (s *Service) TopTraders(ctx context.Context, limit int) ([]models.TraderProfile, error) {
	limit = clampLimit(limit, 10, 50)

	profiles, err := s.store.ListTopTraders(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(profiles) > 0 {
		return profiles, nil
	}

	stats, err := s.leaderboard(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.TraderProfile, 0, len(stats))
	for _, st := range stats {
		out = append(out, *syncer.BuildTraderProfile(st, decimal.Zero))
	}
	return out, nil
}

// GetTrader returns a trader's stored profile, syncing it from the feed once
// when it was never synced before.
func (s *Service) GetTrader(ctx context.Context, address string) (*models.TraderProfile, error) {
	wallet, err := NormalizeWallet(address)
	if err != nil {
		return nil, err
	}

	profile, err := s.store.GetTraderProfile(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if profile != nil {
		return profile, nil
	}
	return s.syncAndLoad(ctx, wallet)
}

// SyncTrader forces a fresh profile sync from the feed.
func (s *Service) SyncTrader(ctx context.Context, address string) (*models.TraderProfile, error) {
	wallet, err := NormalizeWallet(address)
	if err != nil {
		return nil, err
	}
	return s.syncAndLoad(ctx, wallet)
}

// syncAndLoad refreshes the profile and reloads it so derived fields the sync
// does not compute, like the follower count, come back populated.
func (s *Service) syncAndLoad(ctx context.Context, wallet string) (*models.TraderProfile, error) {
	profile, err := s.profiles.SyncTrader(ctx, wallet)
	if err != nil {
		if errors.Is(err, syncer.ErrTraderNotFound) {
			return nil, fmt.Errorf("trader %s: %w", wallet, ErrNotFound)
		}
		return nil, err
	}
	if stored, err := s.store.GetTraderProfile(ctx, wallet); err == nil && stored != nil {
		return stored, nil
	}
	return profile, nil
}

// leaderboard fetches the discovery leaderboard through a small in-memory TTL
// cache so bursts of requests do not hammer the feed.
func (s *Service) leaderboard(ctx context.Context, limit int) ([]models.TraderStats, error) {
	key := fmt.Sprintf("%s:%d", leaderboardWindow, limit)
	if stats, ok := s.cachedLeaderboard(key); ok {
		return stats, nil
	}

	stats, err := s.feed.GetLeaderboard(ctx, leaderboardWindow, limit)
	if err != nil {
		return nil, err
	}
	s.storeLeaderboard(key, stats)
	return stats, nil
}

func (s *Service) cachedLeaderboard(key string) ([]models.TraderStats, bool) {
	s.cacheMu.RLock()
	entry, ok := s.leaderboardCache[key]
	s.cacheMu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return nil, false
	}
	return entry.data, true
}

func (s *Service) storeLeaderboard(key string, stats []models.TraderStats) {
	s.cacheMu.Lock()
	s.leaderboardCache[key] = leaderboardCacheEntry{
		data:    stats,
		expires: time.Now().Add(leaderboardTTL),
	}
	s.cacheMu.Unlock()
}

// ============================================================================
// PENDING COPY TRADES
// ============================================================================

// ListPendingTrades returns the follower's unconfirmed copy trades.
func (s *Service) ListPendingTrades(userID string) []models.PendingCopyTrade {
	return s.watcher.ListPending(normalizeUserID(userID))
}

// ExecutePendingTrade confirms a pending copy trade into a live position.
func (s *Service) ExecutePendingTrade(ctx context.Context, userID, pendingID string) (*models.CopiedPosition, error) {
	return s.watcher.ExecutePending(ctx, normalizeUserID(userID), pendingID)
}

// SkipPendingTrade declines a pending copy trade.
func (s *Service) SkipPendingTrade(userID, pendingID string) error {
	return s.watcher.SkipPending(normalizeUserID(userID), pendingID)
}

// ============================================================================
// NOTIFICATIONS
// ============================================================================

// ListNotifications returns the follower's notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	return s.store.ListNotifications(ctx, normalizeUserID(userID), unreadOnly, clampLimit(limit, 50, 200))
}

// MarkNotificationRead marks one notification read. Marking an unknown or
// already-read notification is a no-op.
func (s *Service) MarkNotificationRead(ctx context.Context, userID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: notification id must be a UUID", ErrInvalidInput)
	}
	return s.store.MarkNotificationRead(ctx, id, normalizeUserID(userID))
}

// MarkAllNotificationsRead marks every unread notification read.
func (s *Service) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	return s.store.MarkAllNotificationsRead(ctx, normalizeUserID(userID))
}

// ============================================================================
// PORTFOLIO & METRICS
// ============================================================================

// Portfolio aggregates the follower's configs and positions into one summary.
func (s *Service) Portfolio(ctx context.Context, userID string) (PortfolioSummary, error) {
	owner := normalizeUserID(userID)

	configs, err := s.store.ListCopyConfigs(ctx, owner)
	if err != nil {
		return PortfolioSummary{}, err
	}
	positions, err := s.store.ListPositions(ctx, owner, "", portfolioScanLimit)
	if err != nil {
		return PortfolioSummary{}, err
	}
	return BuildPortfolioSummary(owner, configs, positions), nil
}

// MetricsSnapshot returns the latest copy-engine metrics JSON, or nil when no
// snapshot has been written yet.
func (s *Service) MetricsSnapshot(ctx context.Context) ([]byte, error) {
	return s.store.GetMetricsSnapshot(ctx)
}

// ============================================================================
// HELPERS
// ============================================================================

// NormalizeWallet validates addr as a hex wallet address and lowercases it.
func NormalizeWallet(addr string) (string, error) {
	trimmed := strings.TrimSpace(addr)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: %q is not a wallet address", ErrInvalidInput, trimmed)
	}
	return strings.ToLower(trimmed), nil
}

func normalizeUserID(id string) string {
	return strings.TrimSpace(strings.ToLower(id))
}

func shortAddress(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}

func clampLimit(n, fallback, max int) int {
	if n <= 0 {
		return fallback
	}
	if n > max {
		return max
	}
	return n
}

func parseStatus(s string) (models.PositionStatus, error) {
	switch st := models.PositionStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case "", models.StatusOpen, models.StatusClosed, models.StatusStopped:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
}

func validatePct(field string, v decimal.Decimal) error {
	if v.LessThan(minPct) || v.GreaterThan(maxPct) {
		return fmt.Errorf("%w: %s must be between 1 and 100", ErrInvalidInput, field)
	}
	return nil
}

// applyPct applies an optional percentage edit: nil leaves the field alone,
// zero clears it, anything else must be a valid percentage.
func applyPct(dst **decimal.Decimal, field string, v *decimal.Decimal) error {
	if v == nil {
		return nil
	}
	if v.IsZero() {
		*dst = nil
		return nil
	}
	if err := validatePct(field, *v); err != nil {
		return err
	}
	value := *v
	*dst = &value
	return nil
}
