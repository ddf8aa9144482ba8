package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"polymarket-copytrader/models"
)

const (
	priceCacheTTL   = 15 * time.Second
	profileCacheTTL = 5 * time.Minute
	metricsCacheTTL = 24 * time.Hour
	metricsCacheKey = "copytrader:metrics"
)

// PostgresStore wraps PostgreSQL persistence with Redis caching
type PostgresStore struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

// NewPostgres creates a new PostgreSQL store with connection pooling and Redis cache.
// DATABASE_URL / REDIS_URL override the individual host/port variables.
func NewPostgres() (*PostgresStore, error) {
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		host := getEnv("POSTGRES_HOST", "localhost")
		port := getEnv("POSTGRES_PORT", "5432")
		user := getEnv("POSTGRES_USER", "copytrader")
		password := getEnv("POSTGRES_PASSWORD", "copytrader123")
		dbname := getEnv("POSTGRES_DB", "copytrader")
		connStr = fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, password, host, port, dbname)
	}

	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	config.MaxConns = 30
	config.MinConns = 5
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute
	config.HealthCheckPeriod = 30 * time.Second

	// Keep a slow query or a stuck lock from wedging a sweep
	config.ConnConfig.RuntimeParams["statement_timeout"] = "30000"
	config.ConnConfig.RuntimeParams["lock_timeout"] = "10000"

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	var opts *redis.Options
	if url := os.Getenv("REDIS_URL"); url != "" {
		opts, err = redis.ParseURL(url)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
	} else {
		opts = &redis.Options{
			Addr:     fmt.Sprintf("%s:%s", getEnv("REDIS_HOST", "localhost"), getEnv("REDIS_PORT", "6379")),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       0,
		}
	}
	opts.PoolSize = 50
	opts.MinIdleConns = 5
	opts.MaxRetries = 3

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	return &PostgresStore{pool: pool, redis: rdb}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// Close releases database connections
func (s *PostgresStore) Close() error {
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// Ping verifies the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// EnsureSchema creates all tables and indexes if they don't exist
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS copy_configs (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			trader_address VARCHAR(64) NOT NULL,
			trader_name TEXT NOT NULL DEFAULT '',
			allocation DECIMAL(15, 2) NOT NULL DEFAULT 0,
			remaining_allocation DECIMAL(15, 2) NOT NULL DEFAULT 0,
			max_position_size DECIMAL(15, 2),
			copy_ratio DECIMAL(5, 2) NOT NULL DEFAULT 100,
			stop_loss_percentage DECIMAL(5, 2),
			take_profit_percentage DECIMAL(5, 2),
			auto_copy_new BOOLEAN NOT NULL DEFAULT TRUE,
			mirror_close BOOLEAN NOT NULL DEFAULT FALSE,
			notify_on_copy BOOLEAN NOT NULL DEFAULT TRUE,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			total_pnl DECIMAL(15, 2) NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (user_id, trader_address)
		);

		CREATE INDEX IF NOT EXISTS idx_copy_configs_trader
			ON copy_configs (trader_address) WHERE is_active;

		CREATE TABLE IF NOT EXISTS copied_positions (
			id BIGSERIAL PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			copy_config_id BIGINT NOT NULL,
			market_id VARCHAR(255) NOT NULL,
			market_title TEXT NOT NULL DEFAULT '',
			trader_address VARCHAR(64) NOT NULL DEFAULT '',
			side VARCHAR(3) NOT NULL,
			size DECIMAL(15, 2) NOT NULL,
			entry_price DECIMAL(10, 4) NOT NULL,
			current_price DECIMAL(10, 4) NOT NULL DEFAULT 0,
			pnl DECIMAL(15, 2) NOT NULL DEFAULT 0,
			pnl_percentage DECIMAL(10, 2) NOT NULL DEFAULT 0,
			status VARCHAR(10) NOT NULL DEFAULT 'open',
			stop_loss_price DECIMAL(10, 4),
			take_profit_price DECIMAL(10, 4),
			close_reason VARCHAR(20),
			opened_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			closed_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_positions_user ON copied_positions (user_id);
		CREATE INDEX IF NOT EXISTS idx_positions_config ON copied_positions (copy_config_id);

		-- Partial index: sweeps only ever scan open rows
		CREATE INDEX IF NOT EXISTS idx_positions_open
			ON copied_positions (market_id) WHERE status = 'open';

		CREATE TABLE IF NOT EXISTS trader_profiles (
			id BIGSERIAL PRIMARY KEY,
			wallet_address VARCHAR(64) NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			total_trades INT NOT NULL DEFAULT 0,
			win_rate DECIMAL(5, 2) NOT NULL DEFAULT 0,
			roi DECIMAL(10, 2) NOT NULL DEFAULT 0,
			total_volume DECIMAL(20, 2) NOT NULL DEFAULT 0,
			portfolio_value DECIMAL(20, 2) NOT NULL DEFAULT 0,
			risk_score VARCHAR(10) NOT NULL DEFAULT '',
			max_drawdown DECIMAL(10, 2) NOT NULL DEFAULT 0,
			sharpe_ratio DECIMAL(10, 2) NOT NULL DEFAULT 0,
			profit_factor DECIMAL(10, 2) NOT NULL DEFAULT 0,
			avatar_url TEXT NOT NULL DEFAULT '',
			last_synced TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS notifications (
			id UUID PRIMARY KEY,
			user_id VARCHAR(64) NOT NULL,
			type VARCHAR(32) NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			data JSONB,
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_user
			ON notifications (user_id, created_at DESC);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	log.Printf("[Storage] Schema ensured")
	return nil
}

// ============================================================================
// COPY CONFIGURATIONS
// ============================================================================

const copyConfigColumns = `id, user_id, trader_address, trader_name, allocation, remaining_allocation,
	max_position_size, copy_ratio, stop_loss_percentage, take_profit_percentage,
	auto_copy_new, mirror_close, notify_on_copy, is_active, total_pnl, created_at, updated_at`

// CreateCopyConfig inserts a new configuration. A follower may copy a given
// trader through at most one configuration; a second insert for the same
// (user, trader) pair returns ErrAlreadyCopying.
func (s *PostgresStore) CreateCopyConfig(ctx context.Context, config *models.CopyConfig) (*models.CopyConfig, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO copy_configs (
			user_id, trader_address, trader_name, allocation, remaining_allocation,
			max_position_size, copy_ratio, stop_loss_percentage, take_profit_percentage,
			auto_copy_new, mirror_close, notify_on_copy, is_active, total_pnl
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at
	`,
		config.UserID, strings.ToLower(config.TraderAddress), config.TraderName,
		config.Allocation, config.RemainingAllocation, nullDecimal(config.MaxPositionSize),
		config.CopyRatio, nullDecimal(config.StopLossPercentage), nullDecimal(config.TakeProfitPercentage),
		config.AutoCopyNew, config.MirrorClose, config.NotifyOnCopy, config.IsActive, config.TotalPnL,
	).Scan(&config.ID, &config.CreatedAt, &config.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadyCopying
		}
		return nil, fmt.Errorf("create copy config: %w", err)
	}
	config.TraderAddress = strings.ToLower(config.TraderAddress)
	return config, nil
}

// GetCopyConfig returns a configuration by id, or nil if it doesn't exist
func (s *PostgresStore) GetCopyConfig(ctx context.Context, id int64) (*models.CopyConfig, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+copyConfigColumns+` FROM copy_configs WHERE id = $1`, id)
	config, err := scanCopyConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return config, nil
}

// ListCopyConfigs returns all configurations owned by a follower
func (s *PostgresStore) ListCopyConfigs(ctx context.Context, userID string) ([]models.CopyConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+copyConfigColumns+`
		FROM copy_configs
		WHERE user_id = $1
		ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCopyConfigRows(rows)
}

// ListWatchableConfigs returns configurations the trade watcher should fan
// out to: active, auto-copy enabled, and enough allocation left for at least
// a minimum-size trade.
func (s *PostgresStore) ListWatchableConfigs(ctx context.Context, minRemaining decimal.Decimal) ([]models.CopyConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+copyConfigColumns+`
		FROM copy_configs
		WHERE is_active = TRUE AND auto_copy_new = TRUE AND remaining_allocation > $1
		ORDER BY id`, minRemaining)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCopyConfigRows(rows)
}

// UpdateCopyConfig persists edited settings. total_pnl is deliberately not
// written here; it only moves through CreditAllocation.
func (s *PostgresStore) UpdateCopyConfig(ctx context.Context, config *models.CopyConfig) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE copy_configs SET
			trader_name = $2,
			allocation = $3,
			remaining_allocation = $4,
			max_position_size = $5,
			copy_ratio = $6,
			stop_loss_percentage = $7,
			take_profit_percentage = $8,
			auto_copy_new = $9,
			mirror_close = $10,
			notify_on_copy = $11,
			is_active = $12,
			updated_at = NOW()
		WHERE id = $1
	`,
		config.ID, config.TraderName, config.Allocation, config.RemainingAllocation,
		nullDecimal(config.MaxPositionSize), config.CopyRatio,
		nullDecimal(config.StopLossPercentage), nullDecimal(config.TakeProfitPercentage),
		config.AutoCopyNew, config.MirrorClose, config.NotifyOnCopy, config.IsActive,
	)
	if err != nil {
		return fmt.Errorf("update copy config %d: %w", config.ID, err)
	}
	return nil
}

// DeleteCopyConfig removes a configuration. Position history stays.
func (s *PostgresStore) DeleteCopyConfig(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM copy_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete copy config %d: %w", id, err)
	}
	return nil
}

// DebitAllocation reserves capital for a new position. The WHERE guard makes
// the check-then-subtract atomic at the row, so a stale read can never drive
// remaining_allocation negative. Returns the new remaining balance.
func (s *PostgresStore) DebitAllocation(ctx context.Context, configID int64, amount decimal.Decimal) (decimal.Decimal, error) {
	var remaining decimal.Decimal
	err := s.pool.QueryRow(ctx, `
		UPDATE copy_configs
		SET remaining_allocation = remaining_allocation - $2, updated_at = NOW()
		WHERE id = $1 AND remaining_allocation >= $2
		RETURNING remaining_allocation
	`, configID, amount).Scan(&remaining)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrInsufficientAllocation
		}
		return decimal.Zero, fmt.Errorf("debit config %d: %w", configID, err)
	}
	return remaining, nil
}

// CreditAllocation returns capital on position close and folds the realized
// pnl into the running total. A missing row is not an error: the config was
// deleted while the position was still open, and there is nothing to credit.
func (s *PostgresStore) CreditAllocation(ctx context.Context, configID int64, amount, pnl decimal.Decimal) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE copy_configs
		SET remaining_allocation = remaining_allocation + $2,
			total_pnl = total_pnl + $3,
			updated_at = NOW()
		WHERE id = $1
	`, configID, amount, pnl)
	if err != nil {
		return fmt.Errorf("credit config %d: %w", configID, err)
	}
	return nil
}

func scanCopyConfig(row pgx.Row) (*models.CopyConfig, error) {
	var c models.CopyConfig
	var maxSize, stopPct, takePct decimal.NullDecimal
	if err := row.Scan(
		&c.ID, &c.UserID, &c.TraderAddress, &c.TraderName, &c.Allocation, &c.RemainingAllocation,
		&maxSize, &c.CopyRatio, &stopPct, &takePct,
		&c.AutoCopyNew, &c.MirrorClose, &c.NotifyOnCopy, &c.IsActive, &c.TotalPnL,
		&c.CreatedAt, &c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.MaxPositionSize = decimalPtr(maxSize)
	c.StopLossPercentage = decimalPtr(stopPct)
	c.TakeProfitPercentage = decimalPtr(takePct)
	return &c, nil
}

func scanCopyConfigRows(rows pgx.Rows) ([]models.CopyConfig, error) {
	configs := make([]models.CopyConfig, 0)
	for rows.Next() {
		c, err := scanCopyConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *c)
	}
	return configs, rows.Err()
}

// ============================================================================
// COPIED POSITIONS
// ============================================================================

const positionColumns = `id, user_id, copy_config_id, market_id, market_title, trader_address, side,
	size, entry_price, current_price, pnl, pnl_percentage, status,
	stop_loss_price, take_profit_price, close_reason, opened_at, closed_at`

// CreatePosition inserts a new open position
func (s *PostgresStore) CreatePosition(ctx context.Context, position *models.CopiedPosition) (*models.CopiedPosition, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO copied_positions (
			user_id, copy_config_id, market_id, market_title, trader_address, side,
			size, entry_price, current_price, pnl, pnl_percentage, status,
			stop_loss_price, take_profit_price
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, opened_at
	`,
		position.UserID, position.CopyConfigID, position.MarketID, position.MarketTitle,
		strings.ToLower(position.TraderAddress), string(position.Side),
		position.Size, position.EntryPrice, position.CurrentPrice, position.PnL,
		position.PnLPercentage, string(models.StatusOpen),
		nullDecimal(position.StopLossPrice), nullDecimal(position.TakeProfitPrice),
	).Scan(&position.ID, &position.OpenedAt)
	if err != nil {
		return nil, fmt.Errorf("create position: %w", err)
	}
	position.Status = models.StatusOpen
	return position, nil
}

// GetPosition returns a position by id, or nil if it doesn't exist
func (s *PostgresStore) GetPosition(ctx context.Context, id int64) (*models.CopiedPosition, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+positionColumns+` FROM copied_positions WHERE id = $1`, id)
	position, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return position, nil
}

// ListPositions returns a follower's positions, optionally filtered by status
func (s *PostgresStore) ListPositions(ctx context.Context, userID string, status models.PositionStatus, limit int) ([]models.CopiedPosition, error) {
	if limit <= 0 {
		limit = 200
	}

	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.pool.Query(ctx, `
			SELECT `+positionColumns+`
			FROM copied_positions
			WHERE user_id = $1
			ORDER BY opened_at DESC
			LIMIT $2`, userID, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+positionColumns+`
			FROM copied_positions
			WHERE user_id = $1 AND status = $2
			ORDER BY opened_at DESC
			LIMIT $3`, userID, string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositionRows(rows)
}

// ListPositionsForConfig returns all positions ever opened under a configuration
func (s *PostgresStore) ListPositionsForConfig(ctx context.Context, configID int64) ([]models.CopiedPosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM copied_positions
		WHERE copy_config_id = $1
		ORDER BY opened_at DESC`, configID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositionRows(rows)
}

// ListMonitoredPositions returns open positions with at least one exit
// trigger configured. This is the stop-loss sweep's working set.
func (s *PostgresStore) ListMonitoredPositions(ctx context.Context) ([]models.CopiedPosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM copied_positions
		WHERE status = 'open'
		  AND (stop_loss_price IS NOT NULL OR take_profit_price IS NOT NULL)
		ORDER BY market_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositionRows(rows)
}

// ListOpenPositionsForMarket returns a configuration's open positions in one
// market, used by mirror-close propagation.
func (s *PostgresStore) ListOpenPositionsForMarket(ctx context.Context, configID int64, marketID string) ([]models.CopiedPosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM copied_positions
		WHERE copy_config_id = $1 AND market_id = $2 AND status = 'open'`, configID, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositionRows(rows)
}

// UpdatePositionPrices refreshes mark-to-market state for a batch of
// positions in one round trip. Rows that left the open state since the sweep
// loaded them are skipped by the status guard.
func (s *PostgresStore) UpdatePositionPrices(ctx context.Context, refreshes []PriceRefresh) error {
	if len(refreshes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range refreshes {
		batch.Queue(`
			UPDATE copied_positions
			SET current_price = $2, pnl = $3, pnl_percentage = $4
			WHERE id = $1 AND status = 'open'
		`, r.PositionID, r.CurrentPrice, r.PnL, r.PnLPercentage)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("batch exec %d: %w", i, err)
		}
	}
	return nil
}

// ClosePosition transitions an open position to a terminal state. The status
// guard makes the close idempotent: a position that is already stopped or
// closed is left untouched and the call reports false.
func (s *PostgresStore) ClosePosition(ctx context.Context, id int64, close PositionClose) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE copied_positions
		SET status = $2, close_reason = $3, current_price = $4,
			pnl = $5, pnl_percentage = $6, closed_at = NOW()
		WHERE id = $1 AND status = 'open'
	`, id, string(close.Status), string(close.Reason), close.ExitPrice, close.PnL, close.PnLPercentage)
	if err != nil {
		return false, fmt.Errorf("close position %d: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CloseOpenPositionsForConfig force-closes every open position under a
// configuration in one statement. Used by config deletion; no ledger credit
// happens on this path because the config row is going away.
func (s *PostgresStore) CloseOpenPositionsForConfig(ctx context.Context, configID int64, reason models.CloseReason) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE copied_positions
		SET status = 'closed', close_reason = $2, closed_at = NOW()
		WHERE copy_config_id = $1 AND status = 'open'
	`, configID, string(reason))
	if err != nil {
		return 0, fmt.Errorf("close positions for config %d: %w", configID, err)
	}
	return tag.RowsAffected(), nil
}

func scanPosition(row pgx.Row) (*models.CopiedPosition, error) {
	var p models.CopiedPosition
	var side, status string
	var stopPrice, takePrice decimal.NullDecimal
	var closeReason *string
	var closedAt *time.Time
	if err := row.Scan(
		&p.ID, &p.UserID, &p.CopyConfigID, &p.MarketID, &p.MarketTitle, &p.TraderAddress, &side,
		&p.Size, &p.EntryPrice, &p.CurrentPrice, &p.PnL, &p.PnLPercentage, &status,
		&stopPrice, &takePrice, &closeReason, &p.OpenedAt, &closedAt,
	); err != nil {
		return nil, err
	}
	p.Side = models.Side(side)
	p.Status = models.PositionStatus(status)
	p.StopLossPrice = decimalPtr(stopPrice)
	p.TakeProfitPrice = decimalPtr(takePrice)
	if closeReason != nil {
		p.CloseReason = models.CloseReason(*closeReason)
	}
	p.ClosedAt = closedAt
	return &p, nil
}

func scanPositionRows(rows pgx.Rows) ([]models.CopiedPosition, error) {
	positions := make([]models.CopiedPosition, 0)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// ============================================================================
// TRADER PROFILES
// ============================================================================

const traderProfileColumns = `tp.id, tp.wallet_address, tp.display_name, tp.total_trades, tp.win_rate,
	tp.roi, tp.total_volume, tp.portfolio_value,
	(SELECT COUNT(*) FROM copy_configs cc
	 WHERE cc.trader_address = tp.wallet_address AND cc.is_active) AS followers_count,
	tp.risk_score, tp.max_drawdown, tp.sharpe_ratio, tp.profit_factor, tp.avatar_url, tp.last_synced`

// GetTraderProfile returns a cached lead-trader profile, or nil when the
// trader has never been synced.
func (s *PostgresStore) GetTraderProfile(ctx context.Context, wallet string) (*models.TraderProfile, error) {
	wallet = strings.ToLower(wallet)

	cacheKey := fmt.Sprintf("trader:%s", wallet)
	if cached, err := s.redis.Get(ctx, cacheKey).Bytes(); err == nil {
		var profile models.TraderProfile
		if json.Unmarshal(cached, &profile) == nil {
			return &profile, nil
		}
	}

	row := s.pool.QueryRow(ctx, `
		SELECT `+traderProfileColumns+`
		FROM trader_profiles tp
		WHERE tp.wallet_address = $1`, wallet)
	profile, err := scanTraderProfile(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	if data, err := json.Marshal(profile); err == nil {
		s.redis.Set(ctx, cacheKey, data, profileCacheTTL)
	}
	return profile, nil
}

// UpsertTraderProfile inserts or refreshes a lead-trader profile
func (s *PostgresStore) UpsertTraderProfile(ctx context.Context, profile *models.TraderProfile) error {
	profile.WalletAddress = strings.ToLower(profile.WalletAddress)
	err := s.pool.QueryRow(ctx, `
		INSERT INTO trader_profiles (
			wallet_address, display_name, total_trades, win_rate, roi, total_volume,
			portfolio_value, risk_score, max_drawdown, sharpe_ratio, profit_factor,
			avatar_url, last_synced
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (wallet_address) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			total_trades = EXCLUDED.total_trades,
			win_rate = EXCLUDED.win_rate,
			roi = EXCLUDED.roi,
			total_volume = EXCLUDED.total_volume,
			portfolio_value = EXCLUDED.portfolio_value,
			risk_score = EXCLUDED.risk_score,
			max_drawdown = EXCLUDED.max_drawdown,
			sharpe_ratio = EXCLUDED.sharpe_ratio,
			profit_factor = EXCLUDED.profit_factor,
			avatar_url = EXCLUDED.avatar_url,
			last_synced = NOW()
		RETURNING id, last_synced
	`,
		profile.WalletAddress, profile.DisplayName, profile.TotalTrades, profile.WinRate,
		profile.ROI, profile.TotalVolume, profile.PortfolioValue, profile.RiskScore,
		profile.MaxDrawdown, profile.SharpeRatio, profile.ProfitFactor, profile.AvatarURL,
	).Scan(&profile.ID, &profile.LastSynced)
	if err != nil {
		return fmt.Errorf("upsert trader profile %s: %w", profile.WalletAddress, err)
	}

	s.redis.Del(ctx, fmt.Sprintf("trader:%s", profile.WalletAddress))
	return nil
}

// ListTraderProfiles returns profiles matching the filter plus the unpaged total
func (s *PostgresStore) ListTraderProfiles(ctx context.Context, filter TraderFilter) ([]models.TraderProfile, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	// Whitelist the sort column; the filter value comes from a query param
	sortCol := "tp.win_rate"
	switch filter.SortBy {
	case "roi":
		sortCol = "tp.roi"
	case "total_volume":
		sortCol = "tp.total_volume"
	case "followers_count":
		sortCol = "followers_count"
	}

	var total int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM trader_profiles tp
		WHERE tp.total_trades >= $1 AND tp.win_rate >= $2`,
		filter.MinTrades, filter.MinWinRate).Scan(&total)
	if err != nil {
		return nil, 0, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+traderProfileColumns+`
		FROM trader_profiles tp
		WHERE tp.total_trades >= $1 AND tp.win_rate >= $2
		ORDER BY `+sortCol+` DESC
		LIMIT $3 OFFSET $4`,
		filter.MinTrades, filter.MinWinRate, filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	profiles, err := scanTraderProfileRows(rows)
	if err != nil {
		return nil, 0, err
	}
	return profiles, total, nil
}

// ListTopTraders returns the highest-ROI traders with trade history
func (s *PostgresStore) ListTopTraders(ctx context.Context, limit int) ([]models.TraderProfile, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+traderProfileColumns+`
		FROM trader_profiles tp
		WHERE tp.total_trades > 0
		ORDER BY tp.roi DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTraderProfileRows(rows)
}

// ListFollowedTraders returns the distinct lead-trader addresses that at
// least one active configuration follows.
func (s *PostgresStore) ListFollowedTraders(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT LOWER(trader_address)
		FROM copy_configs
		WHERE is_active = TRUE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traders []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, err
		}
		traders = append(traders, addr)
	}
	return traders, rows.Err()
}

func scanTraderProfile(row pgx.Row) (*models.TraderProfile, error) {
	var p models.TraderProfile
	if err := row.Scan(
		&p.ID, &p.WalletAddress, &p.DisplayName, &p.TotalTrades, &p.WinRate,
		&p.ROI, &p.TotalVolume, &p.PortfolioValue, &p.FollowersCount,
		&p.RiskScore, &p.MaxDrawdown, &p.SharpeRatio, &p.ProfitFactor,
		&p.AvatarURL, &p.LastSynced,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

func scanTraderProfileRows(rows pgx.Rows) ([]models.TraderProfile, error) {
	profiles := make([]models.TraderProfile, 0)
	for rows.Next() {
		p, err := scanTraderProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, *p)
	}
	return profiles, rows.Err()
}

// ============================================================================
// NOTIFICATIONS
// ============================================================================

// SaveNotification persists a user-facing event record
func (s *PostgresStore) SaveNotification(ctx context.Context, n models.Notification) error {
	var data []byte
	if len(n.Data) > 0 {
		var err error
		data, err = json.Marshal(n.Data)
		if err != nil {
			return fmt.Errorf("marshal notification data: %w", err)
		}
	}

	createdAt := n.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, data, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, n.ID, n.UserID, n.Type, n.Title, n.Message, data, n.Read, createdAt)
	if err != nil {
		return fmt.Errorf("save notification: %w", err)
	}
	return nil
}

// ListNotifications returns a user's notifications, newest first
func (s *PostgresStore) ListNotifications(ctx context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, user_id, type, title, message, data, is_read, created_at
		FROM notifications
		WHERE user_id = $1`
	if unreadOnly {
		query += ` AND is_read = FALSE`
	}
	query += ` ORDER BY created_at DESC LIMIT $2`

	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	notifications := make([]models.Notification, 0)
	for rows.Next() {
		var n models.Notification
		var data []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &data, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, fmt.Errorf("unmarshal notification data: %w", err)
			}
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// MarkNotificationRead marks one of the user's notifications read
func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE id = $1 AND user_id = $2
	`, id, userID)
	return err
}

// MarkAllNotificationsRead marks every unread notification for the user read
func (s *PostgresStore) MarkAllNotificationsRead(ctx context.Context, userID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE notifications SET is_read = TRUE
		WHERE user_id = $1 AND is_read = FALSE
	`, userID)
	return err
}

// ============================================================================
// REDIS CACHES
// ============================================================================

// GetCachedPrice returns a recently fetched market price, or nil on a cache miss
func (s *PostgresStore) GetCachedPrice(ctx context.Context, marketID string) (*models.MarketPrice, error) {
	cached, err := s.redis.Get(ctx, fmt.Sprintf("price:%s", marketID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var price models.MarketPrice
	if err := json.Unmarshal(cached, &price); err != nil {
		return nil, nil
	}
	return &price, nil
}

// CachePrice stores a market price with a short TTL
func (s *PostgresStore) CachePrice(ctx context.Context, price models.MarketPrice) error {
	data, err := json.Marshal(price)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, fmt.Sprintf("price:%s", price.MarketID), data, priceCacheTTL).Err()
}

// SaveMetricsSnapshot stores the latest copy metrics snapshot
func (s *PostgresStore) SaveMetricsSnapshot(ctx context.Context, payload []byte) error {
	return s.redis.Set(ctx, metricsCacheKey, payload, metricsCacheTTL).Err()
}

// GetMetricsSnapshot returns the latest copy metrics snapshot, or nil when absent
func (s *PostgresStore) GetMetricsSnapshot(ctx context.Context) ([]byte, error) {
	data, err := s.redis.Get(ctx, metricsCacheKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// ============================================================================
// HELPERS
// ============================================================================

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func decimalPtr(d decimal.NullDecimal) *decimal.Decimal {
	if !d.Valid {
		return nil
	}
	v := d.Decimal
	return &v
}
