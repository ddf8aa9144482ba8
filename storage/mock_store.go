package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"polymarket-copytrader/models"
)

// MockStore is a mock implementation of DataStore for testing
type MockStore struct {
	mu sync.RWMutex

	// Storage maps
	Configs       map[int64]models.CopyConfig
	Positions     map[int64]models.CopiedPosition
	Profiles      map[string]models.TraderProfile
	Notifications []models.Notification
	Prices        map[string]models.MarketPrice
	Metrics       []byte

	nextConfigID   int64
	nextPositionID int64
	nextProfileID  int64

	// Call tracking for assertions
	Calls map[string]int

	// Error injection for testing error paths
	ErrorOnNext map[string]error
}

// NewMockStore creates a new mock store
func NewMockStore() *MockStore {
	return &MockStore{
		Configs:       make(map[int64]models.CopyConfig),
		Positions:     make(map[int64]models.CopiedPosition),
		Profiles:      make(map[string]models.TraderProfile),
		Notifications: []models.Notification{},
		Prices:        make(map[string]models.MarketPrice),
		Calls:         make(map[string]int),
		ErrorOnNext:   make(map[string]error),
	}
}

// trackCall takes the write lock itself so concurrent callers (the ledger
// race tests run goroutines against one mock) never race on the counters.
func (m *MockStore) trackCall(name string) error {
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
func (m *MockStore) CallCount(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[name]
}

func (m *MockStore) Close() error {
	return m.trackCall("Close")
}

func (m *MockStore) Ping(ctx context.Context) error {
	return m.trackCall("Ping")
}

func (m *MockStore) CreateCopyConfig(ctx context.Context, config *models.CopyConfig) (*models.CopyConfig, error) {
	if err := m.trackCall("CreateCopyConfig"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	trader := strings.ToLower(config.TraderAddress)
	for _, c := range m.Configs {
		if c.UserID == config.UserID && c.TraderAddress == trader {
			return nil, ErrAlreadyCopying
		}
	}

	m.nextConfigID++
	config.ID = m.nextConfigID
	config.TraderAddress = trader
	config.CreatedAt = time.Now()
	config.UpdatedAt = config.CreatedAt
	m.Configs[config.ID] = *config
	return config, nil
}

func (m *MockStore) GetCopyConfig(ctx context.Context, id int64) (*models.CopyConfig, error) {
	if err := m.trackCall("GetCopyConfig"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.Configs[id]; ok {
		return &c, nil
	}
	return nil, nil
}

func (m *MockStore) ListCopyConfigs(ctx context.Context, userID string) ([]models.CopyConfig, error) {
	if err := m.trackCall("ListCopyConfigs"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.CopyConfig, 0)
	for _, c := range m.Configs {
		if c.UserID == userID {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

func (m *MockStore) ListWatchableConfigs(ctx context.Context, minRemaining decimal.Decimal) ([]models.CopyConfig, error) {
	if err := m.trackCall("ListWatchableConfigs"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.CopyConfig, 0)
	for _, c := range m.Configs {
		if c.IsActive && c.AutoCopyNew && c.RemainingAllocation.GreaterThan(minRemaining) {
			result = append(result, c)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MockStore) UpdateCopyConfig(ctx context.Context, config *models.CopyConfig) error {
	if err := m.trackCall("UpdateCopyConfig"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.Configs[config.ID]
	if !ok {
		return nil
	}
	updated := *config
	updated.TotalPnL = existing.TotalPnL // only moves through CreditAllocation
	updated.UpdatedAt = time.Now()
	m.Configs[config.ID] = updated
	return nil
}

func (m *MockStore) DeleteCopyConfig(ctx context.Context, id int64) error {
	if err := m.trackCall("DeleteCopyConfig"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Configs, id)
	return nil
}

func (m *MockStore) DebitAllocation(ctx context.Context, configID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := m.trackCall("DebitAllocation"); err != nil {
		return decimal.Zero, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Configs[configID]
	if !ok || c.RemainingAllocation.LessThan(amount) {
		return decimal.Zero, ErrInsufficientAllocation
	}
	c.RemainingAllocation = c.RemainingAllocation.Sub(amount)
	c.UpdatedAt = time.Now()
	m.Configs[configID] = c
	return c.RemainingAllocation, nil
}

func (m *MockStore) CreditAllocation(ctx context.Context, configID int64, amount, pnl decimal.Decimal) error {
	if err := m.trackCall("CreditAllocation"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Configs[configID]
	if !ok {
		return nil // config deleted, nothing to credit
	}
	c.RemainingAllocation = c.RemainingAllocation.Add(amount)
	c.TotalPnL = c.TotalPnL.Add(pnl)
	c.UpdatedAt = time.Now()
	m.Configs[configID] = c
	return nil
}

func (m *MockStore) CreatePosition(ctx context.Context, position *models.CopiedPosition) (*models.CopiedPosition, error) {
	if err := m.trackCall("CreatePosition"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPositionID++
	position.ID = m.nextPositionID
	position.TraderAddress = strings.ToLower(position.TraderAddress)
	position.Status = models.StatusOpen
	position.OpenedAt = time.Now()
	m.Positions[position.ID] = *position
	return position, nil
}

func (m *MockStore) GetPosition(ctx context.Context, id int64) (*models.CopiedPosition, error) {
	if err := m.trackCall("GetPosition"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.Positions[id]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *MockStore) ListPositions(ctx context.Context, userID string, status models.PositionStatus, limit int) ([]models.CopiedPosition, error) {
	if err := m.trackCall("ListPositions"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.CopiedPosition, 0)
	for _, p := range m.Positions {
		if p.UserID != userID {
			continue
		}
		if status != "" && p.Status != status {
			continue
		}
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockStore) ListPositionsForConfig(ctx context.Context, configID int64) ([]models.CopiedPosition, error) {
	if err := m.trackCall("ListPositionsForConfig"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.CopiedPosition, 0)
	for _, p := range m.Positions {
		if p.CopyConfigID == configID {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID > result[j].ID })
	return result, nil
}

func (m *MockStore) ListMonitoredPositions(ctx context.Context) ([]models.CopiedPosition, error) {
	if err := m.trackCall("ListMonitoredPositions"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.CopiedPosition, 0)
	for _, p := range m.Positions {
		if p.Status == models.StatusOpen && (p.StopLossPrice != nil || p.TakeProfitPrice != nil) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MockStore) ListOpenPositionsForMarket(ctx context.Context, configID int64, marketID string) ([]models.CopiedPosition, error) {
	if err := m.trackCall("ListOpenPositionsForMarket"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.CopiedPosition, 0)
	for _, p := range m.Positions {
		if p.CopyConfigID == configID && p.MarketID == marketID && p.Status == models.StatusOpen {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (m *MockStore) UpdatePositionPrices(ctx context.Context, refreshes []PriceRefresh) error {
	if err := m.trackCall("UpdatePositionPrices"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range refreshes {
		p, ok := m.Positions[r.PositionID]
		if !ok || p.Status != models.StatusOpen {
			continue
		}
		p.CurrentPrice = r.CurrentPrice
		p.PnL = r.PnL
		p.PnLPercentage = r.PnLPercentage
		m.Positions[r.PositionID] = p
	}
	return nil
}

func (m *MockStore) ClosePosition(ctx context.Context, id int64, close PositionClose) (bool, error) {
	if err := m.trackCall("ClosePosition"); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.Positions[id]
	if !ok || p.Status != models.StatusOpen {
		return false, nil
	}
	now := time.Now()
	p.Status = close.Status
	p.CloseReason = close.Reason
	p.CurrentPrice = close.ExitPrice
	p.PnL = close.PnL
	p.PnLPercentage = close.PnLPercentage
	p.ClosedAt = &now
	m.Positions[id] = p
	return true, nil
}

func (m *MockStore) CloseOpenPositionsForConfig(ctx context.Context, configID int64, reason models.CloseReason) (int64, error) {
	if err := m.trackCall("CloseOpenPositionsForConfig"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed int64
	now := time.Now()
	for id, p := range m.Positions {
		if p.CopyConfigID != configID || p.Status != models.StatusOpen {
			continue
		}
		p.Status = models.StatusClosed
		p.CloseReason = reason
		p.ClosedAt = &now
		m.Positions[id] = p
		closed++
	}
	return closed, nil
}

func (m *MockStore) GetTraderProfile(ctx context.Context, wallet string) (*models.TraderProfile, error) {
	if err := m.trackCall("GetTraderProfile"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.Profiles[strings.ToLower(wallet)]; ok {
		p.FollowersCount = m.countFollowers(p.WalletAddress)
		return &p, nil
	}
	return nil, nil
}

func (m *MockStore) UpsertTraderProfile(ctx context.Context, profile *models.TraderProfile) error {
	if err := m.trackCall("UpsertTraderProfile"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	wallet := strings.ToLower(profile.WalletAddress)
	profile.WalletAddress = wallet
	if existing, ok := m.Profiles[wallet]; ok {
		profile.ID = existing.ID
	} else {
		m.nextProfileID++
		profile.ID = m.nextProfileID
	}
	profile.LastSynced = time.Now()
	m.Profiles[wallet] = *profile
	return nil
}

func (m *MockStore) ListTraderProfiles(ctx context.Context, filter TraderFilter) ([]models.TraderProfile, int, error) {
	if err := m.trackCall("ListTraderProfiles"); err != nil {
		return nil, 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	minWinRate := decimal.NewFromFloat(filter.MinWinRate)
	result := make([]models.TraderProfile, 0)
	for _, p := range m.Profiles {
		if p.TotalTrades < filter.MinTrades || p.WinRate.LessThan(minWinRate) {
			continue
		}
		p.FollowersCount = m.countFollowers(p.WalletAddress)
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		switch filter.SortBy {
		case "roi":
			return a.ROI.GreaterThan(b.ROI)
		case "total_volume":
			return a.TotalVolume.GreaterThan(b.TotalVolume)
		case "followers_count":
			return a.FollowersCount > b.FollowersCount
		default:
			return a.WinRate.GreaterThan(b.WinRate)
		}
	})
	total := len(result)
	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []models.TraderProfile{}, total, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, total, nil
}

func (m *MockStore) ListTopTraders(ctx context.Context, limit int) ([]models.TraderProfile, error) {
	if err := m.trackCall("ListTopTraders"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.TraderProfile, 0)
	for _, p := range m.Profiles {
		if p.TotalTrades > 0 {
			p.FollowersCount = m.countFollowers(p.WalletAddress)
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ROI.GreaterThan(result[j].ROI) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MockStore) ListFollowedTraders(ctx context.Context) ([]string, error) {
	if err := m.trackCall("ListFollowedTraders"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var traders []string
	for _, c := range m.Configs {
		if !c.IsActive {
			continue
		}
		addr := strings.ToLower(c.TraderAddress)
		if !seen[addr] {
			seen[addr] = true
			traders = append(traders, addr)
		}
	}
	sort.Strings(traders)
	return traders, nil
}

// countFollowers assumes the read lock is held
func (m *MockStore) countFollowers(wallet string) int {
	count := 0
	for _, c := range m.Configs {
		if c.IsActive && c.TraderAddress == wallet {
			count++
		}
	}
	return count
}

func (m *MockStore) SaveNotification(ctx context.Context, n models.Notification) error {
	if err := m.trackCall("SaveNotification"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	m.Notifications = append(m.Notifications, n)
	return nil
}

func (m *MockStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	if err := m.trackCall("ListNotifications"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]models.Notification, 0)
	for i := len(m.Notifications) - 1; i >= 0; i-- {
		n := m.Notifications[i]
		if n.UserID != userID {
			continue
		}
		if unreadOnly && n.Read {
			continue
		}
		result = append(result, n)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MockStore) MarkNotificationRead(ctx context.Context, id, userID string) error {
	if err := m.trackCall("MarkNotificationRead"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.Notifications {
		if m.Notifications[i].ID.String() == id && m.Notifications[i].UserID == userID {
			m.Notifications[i].Read = true
		}
	}
	return nil
}

func (m *MockStore) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	if err := m.trackCall("MarkAllNotificationsRead"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.Notifications {
		if m.Notifications[i].UserID == userID {
			m.Notifications[i].Read = true
		}
	}
	return nil
}

func (m *MockStore) GetCachedPrice(ctx context.Context, marketID string) (*models.MarketPrice, error) {
	if err := m.trackCall("GetCachedPrice"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.Prices[marketID]; ok {
		return &p, nil
	}
	return nil, nil
}

func (m *MockStore) CachePrice(ctx context.Context, price models.MarketPrice) error {
	if err := m.trackCall("CachePrice"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Prices[price.MarketID] = price
	return nil
}

func (m *MockStore) SaveMetricsSnapshot(ctx context.Context, payload []byte) error {
	if err := m.trackCall("SaveMetricsSnapshot"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Metrics = append([]byte(nil), payload...)
	return nil
}

func (m *MockStore) GetMetricsSnapshot(ctx context.Context) ([]byte, error) {
	if err := m.trackCall("GetMetricsSnapshot"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Metrics, nil
}
