package syncer

import (
	"context"
	"testing"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/models"
	"polymarket-copytrader/notify"
	"polymarket-copytrader/storage"
)

// TestE2E_CopyThenStopOut drives the full lifecycle against one store: a
// lead fill is detected and auto-copied, then the market moves through the
// stop level and the monitor closes the position and returns the capital.
func TestE2E_CopyThenStopOut(t *testing.T) {
	store := storage.NewMockStore()
	feed := api.NewMockFeed()

	cfg := config.Default()
	cfg.Engine.AutoExecute = true
	ledger := NewLedger(store)
	hub := notify.NewHub(store)
	metrics := NewMetricsRecorder(store)

	watcher := NewTradeWatcher(store, feed, ledger, hub, metrics, &cfg)
	monitor := NewStopLossMonitor(store, feed, ledger, hub, metrics, &cfg)

	copyCfg, err := store.CreateCopyConfig(context.Background(), &models.CopyConfig{
		UserID:              "0xfollower",
		TraderAddress:       "0xtrader",
		Allocation:          dec("1000"),
		RemainingAllocation: dec("1000"),
		CopyRatio:           dec("50"),
		MaxPositionSize:     decPtr("500"),
		StopLossPercentage:  decPtr("20"),
		AutoCopyNew:         true,
		NotifyOnCopy:        true,
		IsActive:            true,
	})
	if err != nil {
		t.Fatalf("CreateCopyConfig: %v", err)
	}

	// Lead trader buys 500 USDC of YES at 0.65.
	feed.SetActivity("0xtrader", []models.TraderActivity{{
		ID:          "tx-lead-1",
		Timestamp:   1000,
		Side:        "BUY",
		UsdcSize:    dec("500"),
		Price:       dec("0.65"),
		MarketTitle: "Will the measure pass?",
		MarketSlug:  "measure-pass",
		Outcome:     "Yes",
	}})

	if err := watcher.runOnce(context.Background()); err != nil {
		t.Fatalf("watcher tick: %v", err)
	}

	positions, err := store.ListPositions(context.Background(), "0xfollower", models.StatusOpen, 10)
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("open positions = %d, want 1", len(positions))
	}
	pos := positions[0]

	// 500 × (1000/10000) × 0.50 = 25.00
	if !decEquals(pos.Size, "25") {
		t.Errorf("size = %s, want 25", pos.Size)
	}
	if pos.StopLossPrice == nil || !decEquals(*pos.StopLossPrice, "0.52") {
		t.Errorf("stop = %v, want 0.52", pos.StopLossPrice)
	}

	mid, _ := store.GetCopyConfig(context.Background(), copyCfg.ID)
	if !decEquals(mid.RemainingAllocation, "975") {
		t.Errorf("remaining after copy = %s, want 975", mid.RemainingAllocation)
	}

	// Market drifts but stays above the stop: mark refreshes, position holds.
	feed.SetPrice(models.MarketPrice{MarketID: "measure-pass", YesPrice: dec("0.60"), NoPrice: dec("0.40")})
	if err := monitor.runOnce(context.Background()); err != nil {
		t.Fatalf("monitor sweep: %v", err)
	}
	held, _ := store.GetPosition(context.Background(), pos.ID)
	if held.Status != models.StatusOpen {
		t.Fatalf("position after benign sweep = %s, want open", held.Status)
	}
	if !decEquals(held.CurrentPrice, "0.6") {
		t.Errorf("mark = %s, want 0.6", held.CurrentPrice)
	}

	// Price crosses the stop. The cache still holds 0.60, so expire it the
	// way the 15s TTL would before the sweep.
	delete(store.Prices, "measure-pass")
	feed.SetPrice(models.MarketPrice{MarketID: "measure-pass", YesPrice: dec("0.50"), NoPrice: dec("0.50")})
	if err := monitor.runOnce(context.Background()); err != nil {
		t.Fatalf("stop sweep: %v", err)
	}

	stopped, _ := store.GetPosition(context.Background(), pos.ID)
	if stopped.Status != models.StatusStopped || stopped.CloseReason != models.CloseStopLoss {
		t.Fatalf("position = %s/%s, want stopped/stop_loss", stopped.Status, stopped.CloseReason)
	}
	// shares = 25/0.65, pnl = (0.50-0.65) × shares = -5.77
	if !decEquals(stopped.PnL, "-5.77") {
		t.Errorf("pnl = %s, want -5.77", stopped.PnL)
	}

	final, _ := store.GetCopyConfig(context.Background(), copyCfg.ID)
	if !decEquals(final.RemainingAllocation, "1000") {
		t.Errorf("final remaining = %s, want 1000", final.RemainingAllocation)
	}
	if !decEquals(final.TotalPnL, "-5.77") {
		t.Errorf("final total pnl = %s, want -5.77", final.TotalPnL)
	}

	// One copy notification, one stop notification.
	notifications, _ := store.ListNotifications(context.Background(), "0xfollower", false, 10)
	if len(notifications) != 2 {
		t.Fatalf("notifications = %d, want 2", len(notifications))
	}
	if notifications[0].Type != models.NotifyStopLoss || notifications[1].Type != models.NotifyTradeCopied {
		t.Errorf("notification types = %s, %s; want stop_loss_triggered then trade_copied",
			notifications[0].Type, notifications[1].Type)
	}

	snap := metrics.Snapshot()
	if snap.Watcher.PositionsOpened != 1 || snap.Monitor.StopLossTriggers != 1 {
		t.Errorf("metrics = opened %d, stops %d; want 1 and 1",
			snap.Watcher.PositionsOpened, snap.Monitor.StopLossTriggers)
	}
}

// TestE2E_ManualConfirmFlow runs the same detection without auto-execute:
// the fill parks as a pending trade and only confirming it moves money.
func TestE2E_ManualConfirmFlow(t *testing.T) {
	store := storage.NewMockStore()
	feed := api.NewMockFeed()

	cfg := config.Default()
	ledger := NewLedger(store)
	metrics := NewMetricsRecorder(store)
	watcher := NewTradeWatcher(store, feed, ledger, notify.NewHub(store), metrics, &cfg)

	copyCfg, err := store.CreateCopyConfig(context.Background(), &models.CopyConfig{
		UserID:              "0xfollower",
		TraderAddress:       "0xtrader",
		Allocation:          dec("1000"),
		RemainingAllocation: dec("1000"),
		CopyRatio:           dec("100"),
		AutoCopyNew:         true,
		IsActive:            true,
	})
	if err != nil {
		t.Fatalf("CreateCopyConfig: %v", err)
	}

	feed.SetActivity("0xtrader", []models.TraderActivity{{
		ID: "tx-1", Timestamp: 50, Side: "BUY", Outcome: "No",
		UsdcSize: dec("200"), Price: dec("0.30"),
		MarketTitle: "Will it rain?", MarketSlug: "rain",
	}})

	if err := watcher.runOnce(context.Background()); err != nil {
		t.Fatalf("watcher tick: %v", err)
	}

	pending := watcher.ListPending("0xfollower")
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	// 200 × (1000/10000) = 20.00
	if !decEquals(pending[0].Size, "20") {
		t.Errorf("pending size = %s, want 20", pending[0].Size)
	}

	before, _ := store.GetCopyConfig(context.Background(), copyCfg.ID)
	if !decEquals(before.RemainingAllocation, "1000") {
		t.Fatalf("remaining before confirm = %s, want 1000", before.RemainingAllocation)
	}

	pos, err := watcher.ExecutePending(context.Background(), "0xfollower", pending[0].ID)
	if err != nil {
		t.Fatalf("ExecutePending: %v", err)
	}
	if pos.Side != models.SideNo {
		t.Errorf("side = %s, want no", pos.Side)
	}
	if !decEquals(pos.EntryPrice, "0.3") {
		t.Errorf("entry = %s, want 0.3", pos.EntryPrice)
	}

	after, _ := store.GetCopyConfig(context.Background(), copyCfg.ID)
	if !decEquals(after.RemainingAllocation, "980") {
		t.Errorf("remaining after confirm = %s, want 980", after.RemainingAllocation)
	}
}
