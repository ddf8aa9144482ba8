package syncer

import (
	"context"
	"errors"
	"testing"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
)

func TestErrorHandling_WatcherStoreFailures(t *testing.T) {
	t.Run("watchable list failure aborts the tick", func(t *testing.T) {
		store := storage.NewMockStore()
		feed := api.NewMockFeed()
		w := newTestWatcher(store, feed, false)

		mustConfig(t, store, models.CopyConfig{})
		feed.SetActivity("0xtrader", []models.TraderActivity{buyActivity("tx-1", 100, "500", "0.65")})

		store.ErrorOnNext["ListWatchableConfigs"] = errors.New("connection reset")
		if err := w.runOnce(context.Background()); err == nil {
			t.Fatal("runOnce = nil, want error when configs cannot load")
		}
		if got := feed.CallCount("GetTraderActivity"); got != 0 {
			t.Errorf("GetTraderActivity calls = %d, want 0", got)
		}

		// The next tick recovers on its own.
		if err := w.runOnce(context.Background()); err != nil {
			t.Fatalf("recovery tick: %v", err)
		}
		if got := len(w.ListPending("0xfollower")); got != 1 {
			t.Errorf("pending after recovery = %d, want 1", got)
		}
	})

	t.Run("metrics flush failure is non-fatal", func(t *testing.T) {
		store := storage.NewMockStore()
		feed := api.NewMockFeed()
		w := newTestWatcher(store, feed, false)

		mustConfig(t, store, models.CopyConfig{})
		feed.SetActivity("0xtrader", []models.TraderActivity{buyActivity("tx-1", 100, "500", "0.65")})

		store.ErrorOnNext["SaveMetricsSnapshot"] = errors.New("redis down")
		if err := w.runOnce(context.Background()); err != nil {
			t.Fatalf("runOnce = %v, want nil despite flush failure", err)
		}
		if got := len(w.ListPending("0xfollower")); got != 1 {
			t.Errorf("pending = %d, want 1", got)
		}
	})
}

func TestErrorHandling_AutoCopyFailures(t *testing.T) {
	t.Run("debit failure leaves the trade confirmable", func(t *testing.T) {
		store := storage.NewMockStore()
		feed := api.NewMockFeed()
		w := newTestWatcher(store, feed, true)

		cfg := mustConfig(t, store, models.CopyConfig{CopyRatio: dec("50")})
		feed.SetActivity("0xtrader", []models.TraderActivity{buyActivity("tx-1", 100, "500", "0.65")})

		store.ErrorOnNext["DebitAllocation"] = errors.New("deadlock detected")
		if err := w.runOnce(context.Background()); err != nil {
			t.Fatalf("runOnce: %v", err)
		}

		if got := store.CallCount("CreatePosition"); got != 0 {
			t.Errorf("CreatePosition calls = %d, want 0", got)
		}
		after, _ := store.GetCopyConfig(context.Background(), cfg.ID)
		if !decEquals(after.RemainingAllocation, "1000") {
			t.Errorf("remaining = %s, want untouched 1000", after.RemainingAllocation)
		}

		pending := w.ListPending("0xfollower")
		if len(pending) != 1 {
			t.Fatalf("pending = %d, want 1 (rolled back to pending)", len(pending))
		}

		// Manual confirmation succeeds once the store recovers.
		pos, err := w.ExecutePending(context.Background(), "0xfollower", pending[0].ID)
		if err != nil {
			t.Fatalf("ExecutePending after recovery: %v", err)
		}
		if !decEquals(pos.Size, "25") {
			t.Errorf("size = %s, want 25", pos.Size)
		}
	})

	t.Run("create failure refunds the debit", func(t *testing.T) {
		store := storage.NewMockStore()
		feed := api.NewMockFeed()
		w := newTestWatcher(store, feed, true)

		cfg := mustConfig(t, store, models.CopyConfig{CopyRatio: dec("50")})
		feed.SetActivity("0xtrader", []models.TraderActivity{buyActivity("tx-1", 100, "500", "0.65")})

		store.ErrorOnNext["CreatePosition"] = errors.New("constraint violation")
		if err := w.runOnce(context.Background()); err != nil {
			t.Fatalf("runOnce: %v", err)
		}

		after, _ := store.GetCopyConfig(context.Background(), cfg.ID)
		if !decEquals(after.RemainingAllocation, "1000") {
			t.Errorf("remaining = %s, want 1000 after compensating credit", after.RemainingAllocation)
		}
		if !after.TotalPnL.IsZero() {
			t.Errorf("total pnl = %s, want 0 (refund carries no pnl)", after.TotalPnL)
		}
		if got := len(w.ListPending("0xfollower")); got != 1 {
			t.Errorf("pending = %d, want 1 (rolled back to pending)", got)
		}
	})
}

func TestErrorHandling_ConfirmAgainstDrainedAllocation(t *testing.T) {
	store := storage.NewMockStore()
	feed := api.NewMockFeed()
	w := newTestWatcher(store, feed, false)

	cfg := mustConfig(t, store, models.CopyConfig{CopyRatio: dec("50")})
	feed.SetActivity("0xtrader", []models.TraderActivity{buyActivity("tx-1", 100, "500", "0.65")})
	if err := w.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}
	pendingID := models.PendingTradeID(cfg.ID, "tx-1")

	// Another confirmation drains the allocation before this one lands.
	if _, err := store.DebitAllocation(context.Background(), cfg.ID, dec("990")); err != nil {
		t.Fatalf("DebitAllocation: %v", err)
	}

	_, err := w.ExecutePending(context.Background(), "0xfollower", pendingID)
	if !errors.Is(err, storage.ErrInsufficientAllocation) {
		t.Fatalf("ExecutePending err = %v, want ErrInsufficientAllocation", err)
	}

	// The trade is still there to confirm after topping the allocation up.
	if got := len(w.ListPending("0xfollower")); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
	after, _ := store.GetCopyConfig(context.Background(), cfg.ID)
	if !decEquals(after.RemainingAllocation, "10") {
		t.Errorf("remaining = %s, want 10 (failed confirm took nothing)", after.RemainingAllocation)
	}
}

func TestErrorHandling_MonitorFailures(t *testing.T) {
	t.Run("notification failure never blocks the close", func(t *testing.T) {
		store := storage.NewMockStore()
		feed := api.NewMockFeed()
		monitor := newTestMonitor(store, feed)

		cfg := seedConfig(t, store, "1000", "975")
		pos := seedPosition(t, store, cfg.ID, "market-a", models.SideYes, "25", "0.65", decPtr("0.52"), nil)
		feed.SetPrice(models.MarketPrice{MarketID: "market-a", YesPrice: dec("0.50"), NoPrice: dec("0.50")})

		store.ErrorOnNext["SaveNotification"] = errors.New("redis down")
		if err := monitor.runOnce(context.Background()); err != nil {
			t.Fatalf("runOnce: %v", err)
		}

		got, _ := store.GetPosition(context.Background(), pos.ID)
		if got.Status != models.StatusStopped {
			t.Errorf("status = %s, want stopped", got.Status)
		}
		after, _ := store.GetCopyConfig(context.Background(), cfg.ID)
		if !decEquals(after.RemainingAllocation, "1000") {
			t.Errorf("remaining = %s, want 1000 (credit landed)", after.RemainingAllocation)
		}
	})

	t.Run("credit failure surfaces without losing the sweep", func(t *testing.T) {
		store := storage.NewMockStore()
		feed := api.NewMockFeed()
		monitor := newTestMonitor(store, feed)

		cfg := seedConfig(t, store, "1000", "975")
		pos := seedPosition(t, store, cfg.ID, "market-a", models.SideYes, "25", "0.65", decPtr("0.52"), nil)
		feed.SetPrice(models.MarketPrice{MarketID: "market-a", YesPrice: dec("0.50"), NoPrice: dec("0.50")})

		store.ErrorOnNext["CreditAllocation"] = errors.New("connection reset")
		if err := monitor.runOnce(context.Background()); err != nil {
			t.Fatalf("runOnce = %v, want nil (per-position containment)", err)
		}

		// The close committed; only the credit is owed.
		got, _ := store.GetPosition(context.Background(), pos.ID)
		if got.Status != models.StatusStopped {
			t.Errorf("status = %s, want stopped", got.Status)
		}
		after, _ := store.GetCopyConfig(context.Background(), cfg.ID)
		if !decEquals(after.RemainingAllocation, "975") {
			t.Errorf("remaining = %s, want 975 (credit failed)", after.RemainingAllocation)
		}
	})

	t.Run("list failure aborts the sweep cleanly", func(t *testing.T) {
		store := storage.NewMockStore()
		feed := api.NewMockFeed()
		monitor := newTestMonitor(store, feed)

		store.ErrorOnNext["ListMonitoredPositions"] = errors.New("timeout")
		if err := monitor.runOnce(context.Background()); err == nil {
			t.Fatal("runOnce = nil, want error")
		}
		if got := feed.CallCount("GetMarketPrice"); got != 0 {
			t.Errorf("GetMarketPrice calls = %d, want 0", got)
		}
	})
}

func TestErrorHandling_ProfileSyncFailures(t *testing.T) {
	t.Run("one trader lookup failure spares the rest", func(t *testing.T) {
		store := storage.NewMockStore()
		feed := api.NewMockFeed()
		ps := NewProfileSyncer(store, feed, nil)

		mustConfig(t, store, models.CopyConfig{UserID: "0xalice", TraderAddress: "0xaaa"})
		mustConfig(t, store, models.CopyConfig{UserID: "0xbob", TraderAddress: "0xbbb"})
		feed.SetTrader(models.TraderStats{WalletAddress: "0xaaa", Profit: dec("100"), Volume: dec("1000"), TradesCount: 12})
		feed.SetTrader(models.TraderStats{WalletAddress: "0xbbb", Profit: dec("-40"), Volume: dec("400"), TradesCount: 5})

		feed.ErrorOnNext["LookupTrader"] = errors.New("429 rate limited")
		if err := ps.runOnce(context.Background()); err != nil {
			t.Fatalf("runOnce: %v", err)
		}

		profiles := 0
		for _, wallet := range []string{"0xaaa", "0xbbb"} {
			if p, _ := store.GetTraderProfile(context.Background(), wallet); p != nil {
				profiles++
			}
		}
		if profiles != 1 {
			t.Errorf("profiles synced = %d, want 1 (failed lookup skipped)", profiles)
		}
	})

	t.Run("portfolio failure still stores the profile", func(t *testing.T) {
		store := storage.NewMockStore()
		feed := api.NewMockFeed()
		ps := NewProfileSyncer(store, feed, nil)

		feed.SetTrader(models.TraderStats{WalletAddress: "0xaaa", Profit: dec("100"), Volume: dec("1000"), TradesCount: 12})
		feed.ErrorOnNext["GetPortfolioValue"] = errors.New("503")

		profile, err := ps.SyncTrader(context.Background(), "0xaaa")
		if err != nil {
			t.Fatalf("SyncTrader: %v", err)
		}
		if !profile.PortfolioValue.IsZero() {
			t.Errorf("portfolio = %s, want 0 fallback", profile.PortfolioValue)
		}
		if p, _ := store.GetTraderProfile(context.Background(), "0xaaa"); p == nil {
			t.Error("profile was not stored")
		}
	})

	t.Run("unknown trader is an error", func(t *testing.T) {
		store := storage.NewMockStore()
		feed := api.NewMockFeed()
		ps := NewProfileSyncer(store, feed, nil)

		if _, err := ps.SyncTrader(context.Background(), "0xmissing"); err == nil {
			t.Fatal("SyncTrader = nil, want error for unknown trader")
		}
	})
}

func TestErrorHandling_NotifyWithoutHub(t *testing.T) {
	store := storage.NewMockStore()
	feed := api.NewMockFeed()
	cfg := config.Default()
	w := NewTradeWatcher(store, feed, NewLedger(store), nil, NewMetricsRecorder(store), &cfg)

	mustConfig(t, store, models.CopyConfig{})
	feed.SetActivity("0xtrader", []models.TraderActivity{buyActivity("tx-1", 100, "500", "0.65")})

	if err := w.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce with nil hub: %v", err)
	}
	if got := len(w.ListPending("0xfollower")); got != 1 {
		t.Errorf("pending = %d, want 1", got)
	}
	if got := store.CallCount("SaveNotification"); got != 0 {
		t.Errorf("SaveNotification calls = %d, want 0 with nil hub", got)
	}
}
