package api

import (
	"context"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/models"
)

// FeedClient defines the read operations the sync workers and handlers need
// from the Polymarket APIs. This interface enables dependency injection for
// testing.
type FeedClient interface {
	GetTraderActivity(ctx context.Context, wallet string, limit int) ([]models.TraderActivity, error)
	GetMarketPrice(ctx context.Context, marketID string) (*models.MarketPrice, error)
	LookupTrader(ctx context.Context, wallet string) (*models.TraderStats, error)
	GetLeaderboard(ctx context.Context, window string, limit int) ([]models.TraderStats, error)
	GetPortfolioValue(ctx context.Context, wallet string) (decimal.Decimal, error)
}

// Ensure Client implements FeedClient
var _ FeedClient = (*Client)(nil)

// Ensure MockFeed implements FeedClient
var _ FeedClient = (*MockFeed)(nil)

// MockFeed is a mock feed client for testing
type MockFeed struct {
	mu sync.RWMutex

	// Response data
	Activity    map[string][]models.TraderActivity
	Prices      map[string]*models.MarketPrice
	Traders     map[string]*models.TraderStats
	Leaderboard []models.TraderStats
	Portfolios  map[string]decimal.Decimal

	// Call tracking
	Calls map[string]int

	// Detailed call tracking for verification
	ActivityRequests []string
	PriceRequests    []string

	// Error injection
	ErrorOnNext map[string]error
}

// NewMockFeed creates a new mock feed client
func NewMockFeed() *MockFeed {
	return &MockFeed{
		Activity:    make(map[string][]models.TraderActivity),
		Prices:      make(map[string]*models.MarketPrice),
		Traders:     make(map[string]*models.TraderStats),
		Portfolios:  make(map[string]decimal.Decimal),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockFeed) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// CallCount returns how many times a method was invoked
func (m *MockFeed) CallCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[name]
}

// SetActivity replaces a trader's activity feed
func (m *MockFeed) SetActivity(wallet string, activities []models.TraderActivity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Activity[strings.ToLower(wallet)] = activities
}

// SetPrice sets a market's current prices
func (m *MockFeed) SetPrice(price models.MarketPrice) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prices[price.MarketID] = &price
}

// SetTrader sets a trader's leaderboard stats
func (m *MockFeed) SetTrader(stats models.TraderStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Traders[strings.ToLower(stats.WalletAddress)] = &stats
}

// SetPortfolioValue sets a trader's holdings value
func (m *MockFeed) SetPortfolioValue(wallet string, value decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Portfolios[strings.ToLower(wallet)] = value
}

func (m *MockFeed) GetTraderActivity(ctx context.Context, wallet string, limit int) ([]models.TraderActivity, error) {
	if err := m.trackCall("GetTraderActivity"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.ActivityRequests = append(m.ActivityRequests, strings.ToLower(wallet))
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	activities := m.Activity[strings.ToLower(wallet)]
	if limit > 0 && len(activities) > limit {
		activities = activities[:limit]
	}
	out := make([]models.TraderActivity, len(activities))
	copy(out, activities)
	return out, nil
}

func (m *MockFeed) GetMarketPrice(ctx context.Context, marketID string) (*models.MarketPrice, error) {
	if err := m.trackCall("GetMarketPrice"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.PriceRequests = append(m.PriceRequests, marketID)
	m.mu.Unlock()

	m.mu.RLock()
	defer m.mu.RUnlock()
	price, ok := m.Prices[marketID]
	if !ok {
		return nil, nil
	}
	out := *price
	return &out, nil
}

func (m *MockFeed) LookupTrader(ctx context.Context, wallet string) (*models.TraderStats, error) {
	if err := m.trackCall("LookupTrader"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats, ok := m.Traders[strings.ToLower(wallet)]
	if !ok {
		return nil, nil
	}
	out := *stats
	return &out, nil
}

func (m *MockFeed) GetLeaderboard(ctx context.Context, window string, limit int) ([]models.TraderStats, error) {
	if err := m.trackCall("GetLeaderboard"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	board := m.Leaderboard
	if limit > 0 && len(board) > limit {
		board = board[:limit]
	}
	out := make([]models.TraderStats, len(board))
	copy(out, board)
	return out, nil
}

func (m *MockFeed) GetPortfolioValue(ctx context.Context, wallet string) (decimal.Decimal, error) {
	if err := m.trackCall("GetPortfolioValue"); err != nil {
		return decimal.Zero, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Portfolios[strings.ToLower(wallet)], nil
}
