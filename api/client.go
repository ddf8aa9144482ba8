package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"

	"polymarket-copytrader/models"
)

const (
	defaultMaxRetries = 4
	retryBaseDelay    = 100 * time.Millisecond
	retryMaxDelay     = 2 * time.Second
)

// Client talks to the public Polymarket read APIs: the Data API for trader
// activity and leaderboards, and the Gamma API for market prices.
type Client struct {
	dataHost   string
	gammaHost  string
	httpClient *http.Client
	maxRetries int

	dataBreaker  *gobreaker.CircuitBreaker
	gammaBreaker *gobreaker.CircuitBreaker
}

// statusError is a non-2xx response from the feed
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// activityEntry is one row of the Data API /activity response
type activityEntry struct {
	TransactionHash string          `json:"transactionHash"`
	Type            string          `json:"type"`
	Timestamp       int64           `json:"timestamp"`
	Side            string          `json:"side"`
	Size            decimal.Decimal `json:"size"`
	UsdcSize        decimal.Decimal `json:"usdcSize"`
	Price           decimal.Decimal `json:"price"`
	Title           string          `json:"title"`
	Slug            string          `json:"slug"`
	EventSlug       string          `json:"eventSlug"`
	Outcome         string          `json:"outcome"`
}

// gammaMarket is the slice of a Gamma API market we care about
type gammaMarket struct {
	Slug          string       `json:"slug"`
	Question      string       `json:"question"`
	OutcomePrices priceList    `json:"outcomePrices"`
	Tokens        []gammaToken `json:"tokens"`
	Closed        bool         `json:"closed"`
}

type gammaToken struct {
	Outcome string  `json:"outcome"`
	Price   float64 `json:"price"`
}

// priceList decodes outcome prices, which the Gamma API serves either as a
// JSON array or as a JSON-encoded array string.
type priceList []string

func (p *priceList) UnmarshalJSON(data []byte) error {
	var nested string
	if err := json.Unmarshal(data, &nested); err == nil {
		data = []byte(nested)
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("failed to parse outcome prices: %w", err)
	}

	out := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			out = append(out, val)
		case float64:
			out = append(out, strconv.FormatFloat(val, 'f', -1, 64))
		}
	}
	*p = out
	return nil
}

// leaderboardEntry is one row of the Data API /v1/leaderboard response.
// rank arrives as a number or a quoted number depending on the endpoint
// version, which decimal tolerates.
type leaderboardEntry struct {
	ProxyWallet  string          `json:"proxyWallet"`
	UserName     string          `json:"userName"`
	Pnl          decimal.Decimal `json:"pnl"`
	Vol          decimal.Decimal `json:"vol"`
	Rank         decimal.Decimal `json:"rank"`
	ProfileImage string          `json:"profileImage"`
}

func (e leaderboardEntry) toStats() models.TraderStats {
	return models.TraderStats{
		WalletAddress: strings.ToLower(e.ProxyWallet),
		DisplayName:   e.UserName,
		Profit:        e.Pnl,
		Volume:        e.Vol,
		Rank:          int(e.Rank.IntPart()),
		AvatarURL:     e.ProfileImage,
	}
}

// valueEntry is one row of the Data API /value response
type valueEntry struct {
	User  string          `json:"user"`
	Value decimal.Decimal `json:"value"`
}

// NewClient creates a feed client. Empty hosts fall back to the public
// Polymarket endpoints.
func NewClient(dataHost, gammaHost string) *Client {
	if dataHost == "" {
		dataHost = "https://data-api.polymarket.com"
	}
	if gammaHost == "" {
		gammaHost = "https://gamma-api.polymarket.com"
	}

	return &Client{
		dataHost:  strings.TrimRight(dataHost, "/"),
		gammaHost: strings.TrimRight(gammaHost, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		maxRetries:   defaultMaxRetries,
		dataBreaker:  newFeedBreaker("polymarket-data"),
		gammaBreaker: newFeedBreaker("polymarket-gamma"),
	}
}

func newFeedBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		// 4xx means the feed answered; only transport failures, 429 and 5xx
		// count against the breaker
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *statusError
			if errors.As(err, &se) {
				return se.Code < http.StatusInternalServerError && se.Code != http.StatusTooManyRequests
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("[API] Circuit breaker %s: %s -> %s", name, from, to)
		},
	})
}

// SetRequestTimeout overrides the per-request timeout
func (c *Client) SetRequestTimeout(d time.Duration) {
	c.httpClient.Timeout = d
}

// SetMaxRetries overrides how many times a transient failure is retried
func (c *Client) SetMaxRetries(n int) {
	c.maxRetries = n
}

// GetTraderActivity fetches a trader's most recent fills, newest first.
// Non-trade activity rows (splits, merges, redeems) are dropped.
func (c *Client) GetTraderActivity(ctx context.Context, wallet string, limit int) ([]models.TraderActivity, error) {
	values := url.Values{}
	values.Set("user", strings.ToLower(wallet))
	values.Set("limit", strconv.Itoa(limit))

	var entries []activityEntry
	if err := c.getJSON(ctx, c.dataBreaker, c.dataHost+"/activity?"+values.Encode(), &entries); err != nil {
		return nil, fmt.Errorf("get trader activity failed: %w", err)
	}

	activities := make([]models.TraderActivity, 0, len(entries))
	for _, e := range entries {
		if e.Type != "TRADE" {
			continue
		}
		activities = append(activities, models.TraderActivity{
			ID:          e.TransactionHash,
			Timestamp:   e.Timestamp,
			Side:        e.Side,
			Size:        e.Size,
			UsdcSize:    e.UsdcSize,
			Price:       e.Price,
			MarketTitle: e.Title,
			MarketSlug:  e.Slug,
			EventSlug:   e.EventSlug,
			Outcome:     e.Outcome,
		})
	}
	return activities, nil
}

// GetMarketPrice resolves the current YES and NO prices for a market slug.
// A market the Gamma API does not know, or one without prices, returns
// nil, nil: resolved and delisted markets are routine, not errors.
func (c *Client) GetMarketPrice(ctx context.Context, marketID string) (*models.MarketPrice, error) {
	values := url.Values{}
	values.Set("slug", marketID)

	var markets []gammaMarket
	if err := c.getJSON(ctx, c.gammaBreaker, c.gammaHost+"/markets?"+values.Encode(), &markets); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("get market price failed: %w", err)
	}
	if len(markets) == 0 {
		return nil, nil
	}

	market := markets[0]
	if len(market.OutcomePrices) >= 2 {
		yes, yerr := decimal.NewFromString(market.OutcomePrices[0])
		no, nerr := decimal.NewFromString(market.OutcomePrices[1])
		if yerr == nil && nerr == nil {
			return &models.MarketPrice{MarketID: marketID, YesPrice: yes, NoPrice: no}, nil
		}
	}

	// Fallback: some market payloads carry prices on the tokens instead
	if len(market.Tokens) >= 2 {
		return &models.MarketPrice{
			MarketID: marketID,
			YesPrice: decimal.NewFromFloat(market.Tokens[0].Price),
			NoPrice:  decimal.NewFromFloat(market.Tokens[1].Price),
		}, nil
	}

	return nil, nil
}

// LookupTrader fetches one trader's all-time leaderboard stats, or nil for
// a wallet the Data API has never seen.
func (c *Client) LookupTrader(ctx context.Context, wallet string) (*models.TraderStats, error) {
	values := url.Values{}
	values.Set("user", strings.ToLower(wallet))
	values.Set("timePeriod", "ALL")

	var entries []leaderboardEntry
	if err := c.getJSON(ctx, c.dataBreaker, c.dataHost+"/v1/leaderboard?"+values.Encode(), &entries); err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup trader failed: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	stats := entries[0].toStats()
	if stats.WalletAddress == "" {
		stats.WalletAddress = strings.ToLower(wallet)
	}
	return &stats, nil
}

// GetLeaderboard fetches the top traders by pnl for a time window (DAY,
// WEEK, MONTH or ALL). The Data API caps the page at 50.
func (c *Client) GetLeaderboard(ctx context.Context, window string, limit int) ([]models.TraderStats, error) {
	if window == "" {
		window = "ALL"
	}
	if limit <= 0 || limit > 50 {
		limit = 50
	}

	values := url.Values{}
	values.Set("limit", strconv.Itoa(limit))
	values.Set("timePeriod", window)
	values.Set("orderBy", "PNL")

	var entries []leaderboardEntry
	if err := c.getJSON(ctx, c.dataBreaker, c.dataHost+"/v1/leaderboard?"+values.Encode(), &entries); err != nil {
		return nil, fmt.Errorf("get leaderboard failed: %w", err)
	}

	stats := make([]models.TraderStats, 0, len(entries))
	for _, e := range entries {
		stats = append(stats, e.toStats())
	}
	return stats, nil
}

// GetPortfolioValue fetches the current value of a trader's holdings. An
// unknown wallet reports zero.
func (c *Client) GetPortfolioValue(ctx context.Context, wallet string) (decimal.Decimal, error) {
	values := url.Values{}
	values.Set("user", strings.ToLower(wallet))

	var entries []valueEntry
	if err := c.getJSON(ctx, c.dataBreaker, c.dataHost+"/value?"+values.Encode(), &entries); err != nil {
		if isNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("get portfolio value failed: %w", err)
	}
	if len(entries) == 0 {
		return decimal.Zero, nil
	}
	return entries[0].Value, nil
}

// getJSON fetches a URL through the host's circuit breaker, retrying
// transient failures with exponential backoff, and decodes the body.
func (c *Client) getJSON(ctx context.Context, cb *gobreaker.CircuitBreaker, rawURL string, out interface{}) error {
	retry := &backoff.Backoff{
		Min:    retryBaseDelay,
		Max:    retryMaxDelay,
		Factor: 2,
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retry.Duration()):
			}
		}

		body, err := c.fetch(ctx, cb, rawURL)
		if err == nil {
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("failed to decode response: %w", err)
			}
			return nil
		}

		lastErr = err
		if !isRetryable(err) {
			return err
		}
		log.Printf("[API] GET %s failed (attempt %d/%d): %v", rawURL, attempt+1, c.maxRetries+1, err)
	}
	return lastErr
}

func (c *Client) fetch(ctx context.Context, cb *gobreaker.CircuitBreaker, rawURL string) ([]byte, error) {
	result, err := cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &statusError{Code: resp.StatusCode, Body: string(body)}
		}
		return body, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}

// isRetryable reports whether another attempt could help. Client-side
// mistakes and an open breaker fail fast; rate limits, server errors and
// transport failures are worth retrying.
func isRetryable(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= http.StatusInternalServerError
	}
	return true
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}
