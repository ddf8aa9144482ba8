package syncer

import (
	"context"
	"testing"

	"polymarket-copytrader/api"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
)

func TestBuildTraderProfile(t *testing.T) {
	t.Run("profitable trader", func(t *testing.T) {
		profile := BuildTraderProfile(models.TraderStats{
			WalletAddress: "0xaaa",
			DisplayName:   "whale",
			Profit:        dec("2500"),
			Volume:        dec("10000"),
			TradesCount:   120,
		}, dec("50000"))

		if !decEquals(profile.WinRate, "55") {
			t.Errorf("win rate = %s, want 55", profile.WinRate)
		}
		if !decEquals(profile.ROI, "25") {
			t.Errorf("roi = %s, want 25", profile.ROI)
		}
		if !decEquals(profile.ProfitFactor, "1.5") {
			t.Errorf("profit factor = %s, want 1.5", profile.ProfitFactor)
		}
		if !decEquals(profile.PortfolioValue, "50000") {
			t.Errorf("portfolio = %s, want 50000", profile.PortfolioValue)
		}
		// 55 win rate (+1), zero drawdown (+2), 1.5 profit factor (+1) = Medium
		if profile.RiskScore != RiskMedium {
			t.Errorf("risk score = %s, want Medium", profile.RiskScore)
		}
		if profile.LastSynced.IsZero() {
			t.Error("last synced not set")
		}
	})

	t.Run("losing trader", func(t *testing.T) {
		profile := BuildTraderProfile(models.TraderStats{
			WalletAddress: "0xbbb",
			Profit:        dec("-300"),
			Volume:        dec("1200"),
			TradesCount:   40,
		}, dec("900"))

		if !decEquals(profile.WinRate, "45") {
			t.Errorf("win rate = %s, want 45", profile.WinRate)
		}
		if !decEquals(profile.ROI, "-25") {
			t.Errorf("roi = %s, want -25", profile.ROI)
		}
		if !decEquals(profile.ProfitFactor, "0.8") {
			t.Errorf("profit factor = %s, want 0.8", profile.ProfitFactor)
		}
		// 45 win rate (+0), zero drawdown (+2), 0.8 profit factor (+0) = High
		if profile.RiskScore != RiskHigh {
			t.Errorf("risk score = %s, want High", profile.RiskScore)
		}
	})

	t.Run("zero volume yields zero roi", func(t *testing.T) {
		profile := BuildTraderProfile(models.TraderStats{WalletAddress: "0xccc"}, dec("0"))
		if !profile.ROI.IsZero() {
			t.Errorf("roi = %s, want 0", profile.ROI)
		}
	})
}

func TestProfileSyncerRefreshesFollowedTraders(t *testing.T) {
	store := storage.NewMockStore()
	feed := api.NewMockFeed()
	ps := NewProfileSyncer(store, feed, nil)

	// Two configs follow the same trader; one follows another.
	mustConfig(t, store, models.CopyConfig{UserID: "0xalice", TraderAddress: "0xaaa"})
	mustConfig(t, store, models.CopyConfig{UserID: "0xbob", TraderAddress: "0xaaa"})
	mustConfig(t, store, models.CopyConfig{UserID: "0xcarol", TraderAddress: "0xbbb"})

	feed.SetTrader(models.TraderStats{WalletAddress: "0xaaa", Profit: dec("100"), Volume: dec("1000"), TradesCount: 10})
	feed.SetTrader(models.TraderStats{WalletAddress: "0xbbb", Profit: dec("50"), Volume: dec("500"), TradesCount: 4})
	feed.SetPortfolioValue("0xaaa", dec("20000"))
	feed.SetPortfolioValue("0xbbb", dec("3000"))

	if err := ps.runOnce(context.Background()); err != nil {
		t.Fatalf("runOnce: %v", err)
	}

	// One lookup per distinct trader, not per config.
	if got := feed.CallCount("LookupTrader"); got != 2 {
		t.Errorf("LookupTrader calls = %d, want 2", got)
	}

	a, _ := store.GetTraderProfile(context.Background(), "0xaaa")
	if a == nil {
		t.Fatal("profile 0xaaa missing")
	}
	if !decEquals(a.PortfolioValue, "20000") {
		t.Errorf("portfolio = %s, want 20000", a.PortfolioValue)
	}
	if !decEquals(a.ROI, "10") {
		t.Errorf("roi = %s, want 10", a.ROI)
	}

	b, _ := store.GetTraderProfile(context.Background(), "0xbbb")
	if b == nil {
		t.Fatal("profile 0xbbb missing")
	}

	// Followers are derived from configs, not stored on the profile row.
	if a.FollowersCount != 2 {
		t.Errorf("followers = %d, want 2", a.FollowersCount)
	}
}

func TestProfileSyncerStartStop(t *testing.T) {
	store := storage.NewMockStore()
	feed := api.NewMockFeed()
	ps := NewProfileSyncer(store, feed, nil)

	ps.Start()
	ps.Stop()

	if got := store.CallCount("ListFollowedTraders"); got < 1 {
		t.Errorf("ListFollowedTraders calls = %d, want at least 1", got)
	}
}
