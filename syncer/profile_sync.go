package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/models"
	"polymarket-copytrader/storage"
)

const profileSyncConcurrency = 4

// ErrTraderNotFound reports a wallet the feed has no record of.
var ErrTraderNotFound = errors.New("trader not found on feed")

// ProfileSyncer periodically refreshes the stored analytics profile of every
// trader at least one active config follows. Profiles feed the discovery
// endpoints and the risk score shown next to each trader.
type ProfileSyncer struct {
	store storage.DataStore
	feed  api.FeedClient

	interval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewProfileSyncer(store storage.DataStore, feed api.FeedClient, cfg *config.Config) *ProfileSyncer {
	if cfg == nil {
		def := config.Default()
		cfg = &def
	}

	return &ProfileSyncer{
		store:    store,
		feed:     feed,
		interval: time.Duration(cfg.Sync.ProfileSyncMins) * time.Minute,
		stop:     make(chan struct{}),
	}
}

// Start launches the refresh loop. The first pass runs immediately so a
// fresh deployment has profiles before the first interval elapses.
func (s *ProfileSyncer) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		log.Printf("[ProfileSync] Started (interval %s)", s.interval)

		if err := s.runOnce(context.Background()); err != nil {
			log.Printf("[ProfileSync] Initial pass failed: %v", err)
		}

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), s.interval)
				if err := s.runOnce(ctx); err != nil {
					log.Printf("[ProfileSync] Pass failed: %v", err)
				}
				cancel()
			}
		}
	}()
}

func (s *ProfileSyncer) Stop() {
	close(s.stop)
	s.wg.Wait()
	log.Printf("[ProfileSync] Stopped")
}

func (s *ProfileSyncer) runOnce(ctx context.Context) error {
	traders, err := s.store.ListFollowedTraders(ctx)
	if err != nil {
		return fmt.Errorf("list followed traders: %w", err)
	}
	if len(traders) == 0 {
		return nil
	}

	synced := 0
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(profileSyncConcurrency)
	for _, wallet := range traders {
		g.Go(func() error {
			if _, err := s.SyncTrader(gctx, wallet); err != nil {
				log.Printf("[ProfileSync] Sync %s failed: %v", shortAddr(wallet), err)
				return nil
			}
			mu.Lock()
			synced++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	log.Printf("[ProfileSync] Refreshed %d/%d trader profile(s)", synced, len(traders))
	return nil
}

// SyncTrader fetches a trader's feed stats and portfolio value, derives the
// analytics profile, and upserts it. Also called on demand when a profile is
// requested that was never synced.
func (s *ProfileSyncer) SyncTrader(ctx context.Context, wallet string) (*models.TraderProfile, error) {
	stats, err := s.feed.LookupTrader(ctx, wallet)
	if err != nil {
		return nil, fmt.Errorf("lookup trader %s: %w", wallet, err)
	}
	if stats == nil {
		return nil, fmt.Errorf("trader %s: %w", wallet, ErrTraderNotFound)
	}

	portfolio, err := s.feed.GetPortfolioValue(ctx, wallet)
	if err != nil {
		// The profile is still useful without a portfolio value.
		log.Printf("[ProfileSync] Portfolio value for %s failed: %v", shortAddr(wallet), err)
		portfolio = decimal.Zero
	}

	profile := BuildTraderProfile(*stats, portfolio)
	if err := s.store.UpsertTraderProfile(ctx, profile); err != nil {
		return nil, fmt.Errorf("upsert profile %s: %w", wallet, err)
	}
	return profile, nil
}

// BuildTraderProfile derives a stored profile from aggregate feed stats. The
// feed exposes lifetime profit and volume but not per-trade outcomes, so win
// rate and profit factor are coarse proxies keyed on the sign of the profit;
// they refine the moment per-trade history is available.
func BuildTraderProfile(stats models.TraderStats, portfolio decimal.Decimal) *models.TraderProfile {
	winRate := decimal.NewFromInt(45)
	profitFactor := decimal.RequireFromString("0.8")
	if stats.Profit.IsPositive() {
		winRate = decimal.NewFromInt(55)
		profitFactor = decimal.RequireFromString("1.5")
	}

	roi := decimal.Zero
	if stats.Volume.IsPositive() {
		roi = stats.Profit.Div(stats.Volume).Mul(decimal.NewFromInt(100)).Round(2)
	}

	maxDrawdown := decimal.Zero

	return &models.TraderProfile{
		WalletAddress:  stats.WalletAddress,
		DisplayName:    stats.DisplayName,
		TotalTrades:    stats.TradesCount,
		WinRate:        winRate,
		ROI:            roi,
		TotalVolume:    stats.Volume,
		PortfolioValue: portfolio,
		RiskScore:      RiskScore(winRate, maxDrawdown, profitFactor),
		MaxDrawdown:    maxDrawdown,
		ProfitFactor:   profitFactor,
		AvatarURL:      stats.AvatarURL,
		LastSynced:     time.Now().UTC(),
	}
}
