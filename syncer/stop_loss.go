package syncer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/models"
	"polymarket-copytrader/notify"
	"polymarket-copytrader/storage"
)

// priceFetchConcurrency bounds the fan-out of market price lookups per sweep.
const priceFetchConcurrency = 8

// StopLossMonitor sweeps open positions that carry a stop-loss or take-profit
// level, refreshes their mark prices, and closes the ones whose exit level
// has been reached. Closing is idempotent: a position already terminal when
// the sweep commits is left untouched and never credited twice.
type StopLossMonitor struct {
	store   storage.DataStore
	feed    api.FeedClient
	ledger  *Ledger
	hub     *notify.Hub
	metrics *MetricsRecorder

	interval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewStopLossMonitor(store storage.DataStore, feed api.FeedClient, ledger *Ledger, hub *notify.Hub, metrics *MetricsRecorder, cfg *config.Config) *StopLossMonitor {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}

	return &StopLossMonitor{
		store:    store,
		feed:     feed,
		ledger:   ledger,
		hub:      hub,
		metrics:  metrics,
		interval: time.Duration(cfg.Sync.StopLossIntervalSec) * time.Second,
		stop:     make(chan struct{}),
	}
}

// Start launches the sweep loop.
func (m *StopLossMonitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		log.Printf("[Monitor] Started (interval %s)", m.interval)

		for {
			select {
			case <-m.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), m.interval)
				if err := m.runOnce(ctx); err != nil {
					log.Printf("[Monitor] Sweep failed: %v", err)
				}
				cancel()
			}
		}
	}()
}

// Stop signals the loop and waits for an in-flight sweep to finish.
func (m *StopLossMonitor) Stop() {
	close(m.stop)
	m.wg.Wait()
	log.Printf("[Monitor] Stopped")
}

// exitOrder pairs a position with the terminal state one sweep decided for it.
type exitOrder struct {
	position models.CopiedPosition
	mark     decimal.Decimal
	pnl      decimal.Decimal
	pnlPct   decimal.Decimal
	status   models.PositionStatus
	reason   models.CloseReason
}

// runOnce executes one sweep: load monitored positions, resolve one price
// per distinct market, then either refresh the mark or close the position.
// Stop-loss wins when a mark satisfies both levels.
func (m *StopLossMonitor) runOnce(ctx context.Context) error {
	positions, err := m.store.ListMonitoredPositions(ctx)
	if err != nil {
		return fmt.Errorf("list monitored positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}

	prices := m.fetchPrices(ctx, positions)

	var refreshes []storage.PriceRefresh
	var exits []exitOrder

	for _, pos := range positions {
		price, ok := prices[pos.MarketID]
		if !ok {
			// No fresh mark this sweep; the position keeps its last one.
			continue
		}

		mark := price.SidePrice(pos.Side)
		pnl, pnlPct := PositionPnL(pos.EntryPrice, mark, pos.Size, pos.Side)

		switch {
		case pos.StopLossPrice != nil && ShouldTriggerStopLoss(mark, *pos.StopLossPrice, pos.Side):
			exits = append(exits, exitOrder{
				position: pos, mark: mark, pnl: pnl, pnlPct: pnlPct,
				status: models.StatusStopped, reason: models.CloseStopLoss,
			})
		case pos.TakeProfitPrice != nil && ShouldTriggerTakeProfit(mark, *pos.TakeProfitPrice, pos.Side):
			exits = append(exits, exitOrder{
				position: pos, mark: mark, pnl: pnl, pnlPct: pnlPct,
				status: models.StatusClosed, reason: models.CloseTakeProfit,
			})
		default:
			refreshes = append(refreshes, storage.PriceRefresh{
				PositionID:    pos.ID,
				CurrentPrice:  mark,
				PnL:           pnl,
				PnLPercentage: pnlPct,
			})
		}
	}

	if len(refreshes) > 0 {
		if err := m.store.UpdatePositionPrices(ctx, refreshes); err != nil {
			log.Printf("[Monitor] Price refresh failed: %v", err)
		}
	}

	for _, exit := range exits {
		if err := m.executeExit(ctx, exit); err != nil {
			log.Printf("[Monitor] Close position %d failed: %v", exit.position.ID, err)
		}
	}

	m.metrics.RecordSweep(len(refreshes))
	if err := m.metrics.Flush(ctx); err != nil {
		log.Printf("[Monitor] Metrics flush failed: %v", err)
	}
	return nil
}

// fetchPrices resolves one price per distinct market across the monitored
// set, consulting the price cache before the feed. A market whose lookup
// fails is absent from the result, so its positions skip this sweep; other
// markets are unaffected.
func (m *StopLossMonitor) fetchPrices(ctx context.Context, positions []models.CopiedPosition) map[string]models.MarketPrice {
	seen := make(map[string]bool, len(positions))
	marketIDs := make([]string, 0, len(positions))
	for _, pos := range positions {
		if !seen[pos.MarketID] {
			seen[pos.MarketID] = true
			marketIDs = append(marketIDs, pos.MarketID)
		}
	}

	var mu sync.Mutex
	prices := make(map[string]models.MarketPrice, len(marketIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(priceFetchConcurrency)
	for _, marketID := range marketIDs {
		g.Go(func() error {
			price, err := m.resolvePrice(gctx, marketID)
			if err != nil {
				log.Printf("[Monitor] Price fetch for %s failed: %v", marketID, err)
				return nil
			}
			if price == nil {
				return nil
			}
			mu.Lock()
			prices[marketID] = *price
			mu.Unlock()
			return nil
		})
	}
	// Workers swallow their own errors so one bad market never aborts the rest.
	_ = g.Wait()

	return prices
}

func (m *StopLossMonitor) resolvePrice(ctx context.Context, marketID string) (*models.MarketPrice, error) {
	if cached, err := m.store.GetCachedPrice(ctx, marketID); err == nil && cached != nil {
		return cached, nil
	}

	price, err := m.feed.GetMarketPrice(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if price == nil {
		return nil, nil
	}

	if err := m.store.CachePrice(ctx, *price); err != nil {
		log.Printf("[Monitor] Cache price for %s failed: %v", marketID, err)
	}
	return price, nil
}

// executeExit closes a triggered position and returns its size to the
// config's allocation. The close and credit run under the config's
// allocation lock; losing the close race means another path already settled
// the position and no credit is due.
func (m *StopLossMonitor) executeExit(ctx context.Context, exit exitOrder) error {
	pos := exit.position

	won := false
	err := m.ledger.WithConfig(pos.CopyConfigID, func() error {
		ok, err := m.store.ClosePosition(ctx, pos.ID, storage.PositionClose{
			ExitPrice:     exit.mark,
			PnL:           exit.pnl,
			PnLPercentage: exit.pnlPct,
			Status:        exit.status,
			Reason:        exit.reason,
		})
		if err != nil {
			return fmt.Errorf("close position %d: %w", pos.ID, err)
		}
		if !ok {
			return nil
		}
		won = true
		return m.store.CreditAllocation(ctx, pos.CopyConfigID, pos.Size, exit.pnl)
	})
	if err != nil || !won {
		return err
	}

	kind := models.NotifyStopLoss
	title := "Stop-loss triggered"
	if exit.reason == models.CloseTakeProfit {
		kind = models.NotifyTakeProfit
		title = "Take-profit triggered"
		m.metrics.RecordTakeProfit()
	} else {
		m.metrics.RecordStopLoss()
	}

	m.notifyUser(ctx, pos.UserID, kind, title,
		fmt.Sprintf("Closed %s %s at %s (pnl %s, %s%%)", pos.Side, pos.MarketTitle, exit.mark, exit.pnl, exit.pnlPct),
		map[string]string{
			"position_id": fmt.Sprintf("%d", pos.ID),
			"market_id":   pos.MarketID,
			"exit_price":  exit.mark.String(),
			"pnl":         exit.pnl.String(),
		})

	log.Printf("[Monitor] %s: position %d (%s %s) closed at %s, pnl %s",
		title, pos.ID, pos.Side, pos.MarketID, exit.mark, exit.pnl)
	return nil
}

func (m *StopLossMonitor) notifyUser(ctx context.Context, wallet, kind, title, message string, data map[string]string) {
	if m.hub == nil {
		return
	}
	if err := m.hub.Notify(ctx, wallet, kind, title, message, data); err != nil {
		log.Printf("[Monitor] Notify %s failed: %v", wallet, err)
	}
}
