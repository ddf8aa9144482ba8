package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/models"
	"polymarket-copytrader/notify"
	"polymarket-copytrader/storage"
)

var (
	ErrPendingNotFound = errors.New("pending trade not found")
	ErrPendingResolved = errors.New("pending trade already resolved")
)

// TradeWatcher polls followed traders' activity feeds and fans qualifying
// trades out to follower configurations as pending copy trades. With
// auto-execute enabled, pending trades are materialized into positions
// immediately; otherwise they wait for explicit confirmation.
//
// The high-water-mark map and the pending cache are process-local. A
// restart resets both, so recent trades may fan out again: at-least-once
// across restarts, deduplicated within a process lifetime.
type TradeWatcher struct {
	store   storage.DataStore
	feed    api.FeedClient
	ledger  *Ledger
	hub     *notify.Hub
	metrics *MetricsRecorder

	interval         time.Duration
	pageSize         int
	pendingTTL       time.Duration
	minTradeSize     decimal.Decimal
	defaultPortfolio decimal.Decimal
	autoExecute      bool

	mu       sync.Mutex
	lastSeen map[string]int64
	pending  map[string]*models.PendingCopyTrade

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewTradeWatcher(store storage.DataStore, feed api.FeedClient, ledger *Ledger, hub *notify.Hub, metrics *MetricsRecorder, cfg *config.Config) *TradeWatcher {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}

	return &TradeWatcher{
		store:            store,
		feed:             feed,
		ledger:           ledger,
		hub:              hub,
		metrics:          metrics,
		interval:         time.Duration(cfg.Sync.WatchIntervalSec) * time.Second,
		pageSize:         cfg.Sync.ActivityPageSize,
		pendingTTL:       time.Duration(cfg.Sync.PendingTTLMins) * time.Minute,
		minTradeSize:     decimal.NewFromFloat(cfg.Engine.MinTradeSize),
		defaultPortfolio: decimal.NewFromFloat(cfg.Engine.DefaultPortfolioValue),
		autoExecute:      cfg.Engine.AutoExecute,
		lastSeen:         make(map[string]int64),
		pending:          make(map[string]*models.PendingCopyTrade),
		stop:             make(chan struct{}),
	}
}

// Start launches the polling loop.
func (w *TradeWatcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		log.Printf("[Watcher] Started (interval %s, auto-execute %t)", w.interval, w.autoExecute)

		// Run immediately at startup
		if err := w.runOnce(context.Background()); err != nil {
			log.Printf("[Watcher] Initial tick failed: %v", err)
		}

		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), w.interval)
				if err := w.runOnce(ctx); err != nil {
					log.Printf("[Watcher] Tick failed: %v", err)
				}
				cancel()
			}
		}
	}()
}

// Stop signals the loop and waits for an in-flight tick to finish.
func (w *TradeWatcher) Stop() {
	close(w.stop)
	w.wg.Wait()
	log.Printf("[Watcher] Stopped")
}

// runOnce executes one full poll: enumerate watchable configs, check each
// followed trader, expire stale pending trades.
func (w *TradeWatcher) runOnce(ctx context.Context) error {
	start := time.Now()

	expired := w.expirePending(start)

	configs, err := w.store.ListWatchableConfigs(ctx, w.minTradeSize)
	if err != nil {
		w.metrics.RecordWatcherTick(0, 0, expired)
		return fmt.Errorf("list watchable configs: %w", err)
	}
	if len(configs) == 0 {
		w.metrics.RecordWatcherTick(0, 0, expired)
		return nil
	}

	// Group by lead trader so each feed page serves every follower
	traders := make(map[string][]models.CopyConfig)
	for _, cfg := range configs {
		addr := strings.ToLower(cfg.TraderAddress)
		traders[addr] = append(traders[addr], cfg)
	}

	detected, created := 0, 0
	for trader, followers := range traders {
		n, c, err := w.checkTrader(ctx, trader, followers)
		if err != nil {
			// One trader's failure never aborts the others
			log.Printf("[Watcher] Checking %s failed: %v", trader, err)
			continue
		}
		detected += n
		created += c
	}

	w.metrics.RecordWatcherTick(detected, created, expired)
	if err := w.metrics.Flush(ctx); err != nil {
		log.Printf("[Watcher] Metrics flush failed: %v", err)
	}

	if created > 0 {
		log.Printf("[Watcher] Created %d copy trades from %d new fills across %d traders in %s",
			created, detected, len(traders), time.Since(start))
	}
	return nil
}

// checkTrader fetches one trader's recent fills and fans the new ones out
// to every follower configuration. Returns (new fills seen, trades created).
func (w *TradeWatcher) checkTrader(ctx context.Context, trader string, followers []models.CopyConfig) (int, int, error) {
	activities, err := w.feed.GetTraderActivity(ctx, trader, w.pageSize)
	if err != nil {
		return 0, 0, fmt.Errorf("fetch activity: %w", err)
	}
	if len(activities) == 0 {
		return 0, 0, nil
	}

	hwm := w.highWaterMark(trader)
	fresh := make([]models.TraderActivity, 0, len(activities))
	maxTS := hwm
	for _, act := range activities {
		if act.Timestamp <= hwm {
			continue
		}
		if act.Timestamp > maxTS {
			maxTS = act.Timestamp
		}
		fresh = append(fresh, act)
	}
	if len(fresh) == 0 {
		return 0, 0, nil
	}

	// Sizing uses the trader's cached portfolio value. Only a missing
	// profile row falls back to the default; a synced row wins even when
	// its value is zero (sizing then yields zero, which skips cleanly).
	profile, err := w.store.GetTraderProfile(ctx, trader)
	if err != nil {
		return 0, 0, fmt.Errorf("load trader profile: %w", err)
	}
	portfolio := w.defaultPortfolio
	if profile != nil {
		portfolio = profile.PortfolioValue
	}

	created := 0
	for _, act := range fresh {
		for i := range followers {
			if w.fanOut(ctx, &followers[i], trader, act, portfolio) {
				created++
			}
		}
	}

	// The mark only advances once the whole batch fanned out, so a failure
	// above never silently skips a trade on the next tick.
	w.advanceHighWaterMark(trader, maxTS)
	return len(fresh), created, nil
}

// fanOut processes one (fill, follower config) pair. Returns true when a
// pending copy trade was created.
func (w *TradeWatcher) fanOut(ctx context.Context, cfg *models.CopyConfig, trader string, act models.TraderActivity, portfolio decimal.Decimal) bool {
	if strings.EqualFold(act.Side, "SELL") {
		if cfg.MirrorClose {
			if err := w.mirrorClose(ctx, cfg, act); err != nil {
				log.Printf("[Watcher] Mirror close for config %d failed: %v", cfg.ID, err)
			}
		}
		// A sell opens nothing; without mirroring there is nothing to copy
		return false
	}

	if !act.UsdcSize.IsPositive() {
		return false
	}

	remaining := cfg.RemainingAllocation
	raw := rawPositionSize(cfg.Allocation, portfolio, act.UsdcSize, cfg.CopyRatio, cfg.MaxPositionSize, &remaining)
	if raw.LessThan(w.minTradeSize) {
		return false
	}
	size := raw.Round(2)

	title := act.MarketTitle
	if title == "" {
		title = "Unknown Market"
	}

	pending := &models.PendingCopyTrade{
		ID:              models.PendingTradeID(cfg.ID, act.ID),
		UserID:          cfg.UserID,
		CopyConfigID:    cfg.ID,
		TraderAddress:   trader,
		MarketID:        act.MarketSlug,
		MarketTitle:     title,
		MarketSlug:      act.MarketSlug,
		EventSlug:       act.EventSlug,
		Side:            act.Side,
		Outcome:         act.Outcome,
		Size:            size,
		Price:           act.Price,
		OriginalTradeID: act.ID,
		Timestamp:       act.Timestamp,
		Status:          models.PendingStatusPending,
		CreatedAt:       time.Now().UTC(),
	}
	if !w.addPending(pending) {
		return false
	}

	if w.autoExecute {
		w.autoCopy(ctx, cfg, pending)
		return true
	}

	w.notifyUser(ctx, cfg.UserID, models.NotifyPendingCopy, "New copy trade detected",
		fmt.Sprintf("%s traded %s: copy %s USDC at %s", shortAddr(trader), title, size, act.Price),
		map[string]string{
			"pending_id":  pending.ID,
			"config_id":   fmt.Sprintf("%d", cfg.ID),
			"market_slug": act.MarketSlug,
		})
	log.Printf("[Watcher] Pending copy trade %s for %s (%s USDC)", pending.ID, cfg.UserID, size)
	return true
}

// autoCopy materializes a freshly created pending trade. On failure the
// trade stays pending so the follower can still confirm it by hand.
func (w *TradeWatcher) autoCopy(ctx context.Context, cfg *models.CopyConfig, pending *models.PendingCopyTrade) {
	claimed, err := w.claimPending(pending.ID, cfg.UserID)
	if err != nil {
		// Already claimed through the API between insert and now
		return
	}

	pos, err := w.materialize(ctx, claimed)
	if err != nil {
		w.transitionPending(pending.ID, models.PendingStatusExecuted, models.PendingStatusPending)
		log.Printf("[Watcher] Auto-copy %s failed, left pending: %v", pending.ID, err)
		w.notifyUser(ctx, cfg.UserID, models.NotifyPendingCopy, "New copy trade detected",
			fmt.Sprintf("%s traded %s: copy %s USDC at %s", shortAddr(pending.TraderAddress), pending.MarketTitle, pending.Size, pending.Price),
			map[string]string{"pending_id": pending.ID})
		return
	}

	log.Printf("[Watcher] Auto-copied trade %s into position %d (%s USDC)", pending.ID, pos.ID, pos.Size)
	if cfg.NotifyOnCopy {
		w.notifyUser(ctx, cfg.UserID, models.NotifyTradeCopied, "Trade copied",
			fmt.Sprintf("Opened %s USDC %s position in %s at %s", pos.Size, pos.Side, pos.MarketTitle, pos.EntryPrice),
			map[string]string{
				"position_id": fmt.Sprintf("%d", pos.ID),
				"config_id":   fmt.Sprintf("%d", cfg.ID),
			})
	}
}

// mirrorClose propagates a lead trader's exit: every open position this
// config holds in that market on the same side closes at the lead's exit
// price, crediting the ledger with size plus realized pnl.
func (w *TradeWatcher) mirrorClose(ctx context.Context, cfg *models.CopyConfig, act models.TraderActivity) error {
	positions, err := w.store.ListOpenPositionsForMarket(ctx, cfg.ID, act.MarketSlug)
	if err != nil {
		return fmt.Errorf("list open positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}

	side := act.PositionSide()
	closed := 0
	err = w.ledger.WithConfig(cfg.ID, func() error {
		for _, pos := range positions {
			if pos.Side != side {
				continue
			}
			pnl, pct := PositionPnL(pos.EntryPrice, act.Price, pos.Size, pos.Side)
			ok, err := w.store.ClosePosition(ctx, pos.ID, storage.PositionClose{
				ExitPrice:     act.Price,
				PnL:           pnl,
				PnLPercentage: pct,
				Status:        models.StatusClosed,
				Reason:        models.CloseMirrored,
			})
			if err != nil {
				return fmt.Errorf("close position %d: %w", pos.ID, err)
			}
			if !ok {
				continue
			}
			if err := w.store.CreditAllocation(ctx, cfg.ID, pos.Size, pnl); err != nil {
				return fmt.Errorf("credit config %d: %w", cfg.ID, err)
			}
			closed++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if closed == 0 {
		return nil
	}

	w.metrics.RecordMirroredClose(closed)
	w.notifyUser(ctx, cfg.UserID, models.NotifyPositionsClosed, "Positions closed",
		fmt.Sprintf("Mirrored %s's exit: closed %d position(s) in %s", shortAddr(cfg.TraderAddress), closed, act.MarketTitle),
		map[string]string{
			"config_id":   fmt.Sprintf("%d", cfg.ID),
			"market_slug": act.MarketSlug,
		})
	log.Printf("[Watcher] Mirrored close of %d position(s) in %s for config %d", closed, act.MarketSlug, cfg.ID)
	return nil
}

// materialize turns a claimed pending trade into an open position. The
// whole read-debit-create sequence holds the config's ledger lock; a debit
// the position creation cannot honor is handed straight back.
func (w *TradeWatcher) materialize(ctx context.Context, pending models.PendingCopyTrade) (*models.CopiedPosition, error) {
	var created *models.CopiedPosition
	err := w.ledger.WithConfig(pending.CopyConfigID, func() error {
		cfg, err := w.store.GetCopyConfig(ctx, pending.CopyConfigID)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if cfg == nil {
			return fmt.Errorf("copy config %d no longer exists", pending.CopyConfigID)
		}
		if !cfg.IsActive {
			return fmt.Errorf("copy config %d is paused", cfg.ID)
		}

		if _, err := w.store.DebitAllocation(ctx, cfg.ID, pending.Size); err != nil {
			return fmt.Errorf("debit %s from config %d: %w", pending.Size, cfg.ID, err)
		}

		side := models.OutcomeSide(pending.Outcome)
		pos := &models.CopiedPosition{
			UserID:        cfg.UserID,
			CopyConfigID:  cfg.ID,
			MarketID:      pending.MarketID,
			MarketTitle:   pending.MarketTitle,
			TraderAddress: pending.TraderAddress,
			Side:          side,
			Size:          pending.Size,
			EntryPrice:    pending.Price,
			CurrentPrice:  pending.Price,
			Status:        models.StatusOpen,
			OpenedAt:      time.Now().UTC(),
		}
		if cfg.StopLossPercentage != nil {
			stop, _ := CalculateStopLossPrice(pending.Price, side, *cfg.StopLossPercentage)
			stop = stop.Round(4)
			pos.StopLossPrice = &stop
		}
		if cfg.TakeProfitPercentage != nil {
			target, _ := CalculateTakeProfitPrice(pending.Price, side, *cfg.TakeProfitPercentage)
			target = target.Round(4)
			pos.TakeProfitPrice = &target
		}

		created, err = w.store.CreatePosition(ctx, pos)
		if err != nil {
			if creditErr := w.store.CreditAllocation(ctx, cfg.ID, pending.Size, decimal.Zero); creditErr != nil {
				log.Printf("[Watcher] Compensating credit for config %d failed: %v", cfg.ID, creditErr)
			}
			return fmt.Errorf("create position: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.metrics.RecordPositionOpened()
	return created, nil
}

// ExecutePending confirms a pending copy trade, opening the position and
// debiting the config's allocation. The claim transition makes concurrent
// confirmations of the same trade debit exactly once.
func (w *TradeWatcher) ExecutePending(ctx context.Context, userID, pendingID string) (*models.CopiedPosition, error) {
	claimed, err := w.claimPending(pendingID, userID)
	if err != nil {
		return nil, err
	}

	pos, err := w.materialize(ctx, claimed)
	if err != nil {
		w.transitionPending(pendingID, models.PendingStatusExecuted, models.PendingStatusPending)
		return nil, err
	}

	w.notifyUser(ctx, claimed.UserID, models.NotifyTradeCopied, "Trade copied",
		fmt.Sprintf("Opened %s USDC %s position in %s at %s", pos.Size, pos.Side, pos.MarketTitle, pos.EntryPrice),
		map[string]string{"position_id": fmt.Sprintf("%d", pos.ID)})
	return pos, nil
}

// SkipPending declines a pending copy trade.
func (w *TradeWatcher) SkipPending(userID, pendingID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pending[pendingID]
	if !ok || p.UserID != userID {
		return ErrPendingNotFound
	}
	if p.Status != models.PendingStatusPending {
		return ErrPendingResolved
	}
	p.Status = models.PendingStatusSkipped
	return nil
}

// ListPending returns the follower's unresolved copy trades, newest first.
func (w *TradeWatcher) ListPending(userID string) []models.PendingCopyTrade {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]models.PendingCopyTrade, 0)
	for _, p := range w.pending {
		if p.UserID == userID && p.Status == models.PendingStatusPending {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp > out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (w *TradeWatcher) highWaterMark(trader string) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastSeen[trader]
}

func (w *TradeWatcher) advanceHighWaterMark(trader string, ts int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ts > w.lastSeen[trader] {
		w.lastSeen[trader] = ts
	}
}

// addPending inserts a pending trade unless its dedup key is already live.
func (w *TradeWatcher) addPending(p *models.PendingCopyTrade) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.pending[p.ID]; exists {
		return false
	}
	w.pending[p.ID] = p
	return true
}

// claimPending moves a pending trade to executed, returning a copy of the
// claimed record. Exactly one caller wins.
func (w *TradeWatcher) claimPending(id, userID string) (models.PendingCopyTrade, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	p, ok := w.pending[id]
	if !ok || p.UserID != userID {
		return models.PendingCopyTrade{}, ErrPendingNotFound
	}
	if p.Status != models.PendingStatusPending {
		return models.PendingCopyTrade{}, ErrPendingResolved
	}
	p.Status = models.PendingStatusExecuted
	return *p, nil
}

func (w *TradeWatcher) transitionPending(id string, from, to models.PendingStatus) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pending[id]
	if !ok || p.Status != from {
		return false
	}
	p.Status = to
	return true
}

// expirePending drops records older than the TTL regardless of status.
func (w *TradeWatcher) expirePending(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := now.Add(-w.pendingTTL)
	expired := 0
	for id, p := range w.pending {
		if p.CreatedAt.Before(cutoff) {
			delete(w.pending, id)
			expired++
		}
	}
	if expired > 0 {
		log.Printf("[Watcher] Expired %d pending copy trades", expired)
	}
	return expired
}

func (w *TradeWatcher) notifyUser(ctx context.Context, wallet, kind, title, message string, data map[string]string) {
	if w.hub == nil {
		return
	}
	if err := w.hub.Notify(ctx, wallet, kind, title, message, data); err != nil {
		log.Printf("[Watcher] Notify %s failed: %v", wallet, err)
	}
}

func shortAddr(addr string) string {
	if len(addr) <= 10 {
		return addr
	}
	return addr[:10] + "..."
}
