package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"polymarket-copytrader/config"
	"polymarket-copytrader/middleware"
	"polymarket-copytrader/models"
	"polymarket-copytrader/notify"
	"polymarket-copytrader/service"
	"polymarket-copytrader/storage"
	"polymarket-copytrader/syncer"
)

// Handler handles HTTP requests
type Handler struct {
	cfg     *config.Config
	service *service.Service
	hub     *notify.Hub
}

// NewHandler creates a new handler
func NewHandler(cfg *config.Config, svc *service.Service, hub *notify.Hub) *Handler {
	return &Handler{
		cfg:     cfg,
		service: svc,
		hub:     hub,
	}
}

// Health reports service liveness and store reachability.
func (h *Handler) Health(c *gin.Context) {
	if err := h.service.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ============================================================================
// COPY CONFIGURATIONS
// ============================================================================

// ListCopies returns the follower's copy configurations.
func (h *Handler) ListCopies(c *gin.Context) {
	configs, err := h.service.ListCopyConfigs(c.Request.Context(), middleware.Wallet(c))
	if err != nil {
		respondError(c, err, "failed to load copy configurations")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"copies": configs,
		"count":  len(configs),
	})
}

// CreateCopy starts copying a trader.
func (h *Handler) CreateCopy(c *gin.Context) {
	var req models.CopyConfig
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	created, err := h.service.CreateCopyConfig(c.Request.Context(), middleware.Wallet(c), &req)
	if err != nil {
		respondError(c, err, "failed to create copy configuration")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"copy": created})
}

// GetCopy returns one copy configuration.
func (h *Handler) GetCopy(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	cfg, err := h.service.GetCopyConfig(c.Request.Context(), middleware.Wallet(c), id)
	if err != nil {
		respondError(c, err, "failed to load copy configuration")
		return
	}
	c.JSON(http.StatusOK, gin.H{"copy": cfg})
}

// UpdateCopy applies a partial update to a copy configuration.
func (h *Handler) UpdateCopy(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	var req service.ConfigUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	updated, err := h.service.UpdateCopyConfig(c.Request.Context(), middleware.Wallet(c), id, req)
	if err != nil {
		respondError(c, err, "failed to update copy configuration")
		return
	}
	c.JSON(http.StatusOK, gin.H{"copy": updated})
}

// DeleteCopy removes a copy configuration, optionally closing its open
// positions first (?close_positions=true).
func (h *Handler) DeleteCopy(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	closed, err := h.service.DeleteCopyConfig(c.Request.Context(), middleware.Wallet(c), id, boolQuery(c, "close_positions"))
	if err != nil {
		respondError(c, err, "failed to delete copy configuration")
		return
	}
	c.Header("X-Positions-Closed", strconv.FormatInt(closed, 10))
	c.Status(http.StatusNoContent)
}

// ListCopyTrades returns every position opened under one configuration.
func (h *Handler) ListCopyTrades(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	positions, err := h.service.ListConfigPositions(c.Request.Context(), middleware.Wallet(c), id)
	if err != nil {
		respondError(c, err, "failed to load trades")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trades": positions,
		"count":  len(positions),
	})
}

// ============================================================================
// POSITIONS
// ============================================================================

// ListPositions returns the follower's positions, filtered by ?status=.
func (h *Handler) ListPositions(c *gin.Context) {
	positions, err := h.service.ListPositions(c.Request.Context(), middleware.Wallet(c), c.Query("status"), intQuery(c, "limit"))
	if err != nil {
		respondError(c, err, "failed to load positions")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"positions": positions,
		"count":     len(positions),
	})
}

// ClosePosition exits a position at the current market price.
func (h *Handler) ClosePosition(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}

	closed, err := h.service.ClosePositionNow(c.Request.Context(), middleware.Wallet(c), id)
	if err != nil {
		respondError(c, err, "failed to close position")
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": closed})
}

// ============================================================================
// TRADERS
// ============================================================================

// ListTraders pages through synced trader profiles.
func (h *Handler) ListTraders(c *gin.Context) {
	limit := intQuery(c, "limit")
	if limit <= 0 {
		limit = 50
	}
	page := intQuery(c, "page")
	if page < 1 {
		page = 1
	}

	filter := storage.TraderFilter{
		MinTrades:  intQuery(c, "min_trades"),
		MinWinRate: floatQuery(c, "min_win_rate"),
		SortBy:     c.Query("sort"),
		Limit:      limit,
		Offset:     (page - 1) * limit,
	}

	traders, total, err := h.service.ListTraders(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err, "failed to load traders")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"traders": traders,
		"total":   total,
		"page":    page,
		"count":   len(traders),
	})
}

// GetTopTraders returns the highest-ROI traders.
func (h *Handler) GetTopTraders(c *gin.Context) {
	traders, err := h.service.TopTraders(c.Request.Context(), intQuery(c, "limit"))
	if err != nil {
		respondError(c, err, "failed to load top traders")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"traders": traders,
		"count":   len(traders),
	})
}

// GetTrader returns one trader profile, syncing it on first sight.
func (h *Handler) GetTrader(c *gin.Context) {
	trader, err := h.service.GetTrader(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err, "failed to load trader")
		return
	}
	c.JSON(http.StatusOK, gin.H{"trader": trader})
}

// SyncTrader forces a fresh profile sync from the feed.
func (h *Handler) SyncTrader(c *gin.Context) {
	trader, err := h.service.SyncTrader(c.Request.Context(), c.Param("address"))
	if err != nil {
		respondError(c, err, "failed to sync trader")
		return
	}
	c.JSON(http.StatusOK, gin.H{"trader": trader})
}

// ============================================================================
// PENDING COPY TRADES
// ============================================================================

// ListPending returns the follower's unconfirmed copy trades.
func (h *Handler) ListPending(c *gin.Context) {
	pending := h.service.ListPendingTrades(middleware.Wallet(c))
	c.JSON(http.StatusOK, gin.H{
		"pending": pending,
		"count":   len(pending),
	})
}

// ExecutePending confirms a pending copy trade into a live position.
func (h *Handler) ExecutePending(c *gin.Context) {
	position, err := h.service.ExecutePendingTrade(c.Request.Context(), middleware.Wallet(c), c.Param("id"))
	if err != nil {
		respondError(c, err, "failed to execute pending trade")
		return
	}
	c.JSON(http.StatusOK, gin.H{"position": position})
}

// SkipPending declines a pending copy trade.
func (h *Handler) SkipPending(c *gin.Context) {
	if err := h.service.SkipPendingTrade(middleware.Wallet(c), c.Param("id")); err != nil {
		respondError(c, err, "failed to skip pending trade")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ============================================================================
// NOTIFICATIONS
// ============================================================================

// ListNotifications returns the follower's notifications (?unread=true for
// unread only).
func (h *Handler) ListNotifications(c *gin.Context) {
	notifications, err := h.service.ListNotifications(c.Request.Context(), middleware.Wallet(c), boolQuery(c, "unread"), intQuery(c, "limit"))
	if err != nil {
		respondError(c, err, "failed to load notifications")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"notifications": notifications,
		"count":         len(notifications),
	})
}

// MarkNotificationRead marks one notification read.
func (h *Handler) MarkNotificationRead(c *gin.Context) {
	if err := h.service.MarkNotificationRead(c.Request.Context(), middleware.Wallet(c), c.Param("id")); err != nil {
		respondError(c, err, "failed to mark notification read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// MarkAllNotificationsRead marks every unread notification read.
func (h *Handler) MarkAllNotificationsRead(c *gin.Context) {
	if err := h.service.MarkAllNotificationsRead(c.Request.Context(), middleware.Wallet(c)); err != nil {
		respondError(c, err, "failed to mark notifications read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// ============================================================================
// PORTFOLIO & METRICS
// ============================================================================

// GetPortfolio returns the follower's aggregate copy-trading summary.
func (h *Handler) GetPortfolio(c *gin.Context) {
	summary, err := h.service.Portfolio(c.Request.Context(), middleware.Wallet(c))
	if err != nil {
		respondError(c, err, "failed to build portfolio summary")
		return
	}
	c.JSON(http.StatusOK, gin.H{"portfolio": summary})
}

// GetMetrics returns the latest copy-engine metrics snapshot.
func (h *Handler) GetMetrics(c *gin.Context) {
	payload, err := h.service.MetricsSnapshot(c.Request.Context())
	if err != nil {
		respondError(c, err, "failed to load metrics")
		return
	}
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", payload)
}

// ============================================================================
// WEBSOCKET
// ============================================================================

// ServeWS upgrades the connection and streams copy-trade events for the
// wallet given in ?wallet=.
func (h *Handler) ServeWS(c *gin.Context) {
	wallet, err := service.NormalizeWallet(c.Query("wallet"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet query parameter must be a wallet address"})
		return
	}

	if err := h.hub.ServeWS(c.Writer, c.Request, wallet); err != nil {
		log.Printf("[Handlers] WebSocket session for %s failed: %v", wallet, err)
	}
}

// ============================================================================
// HELPERS
// ============================================================================

// respondError maps service and storage errors onto HTTP status codes. The
// fallback message is served on unexpected errors so internals never leak.
func respondError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound), errors.Is(err, syncer.ErrPendingNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrPositionClosed),
		errors.Is(err, syncer.ErrPendingResolved),
		errors.Is(err, storage.ErrAlreadyCopying),
		errors.Is(err, storage.ErrInsufficientAllocation):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		log.Printf("[Handlers] %s: %v", fallback, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(c.Param("id")), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

func intQuery(c *gin.Context, name string) int {
	val := strings.TrimSpace(c.Query(name))
	if val == "" {
		return 0
	}
	if i, err := strconv.Atoi(val); err == nil {
		return i
	}
	return 0
}

func floatQuery(c *gin.Context, name string) float64 {
	val := strings.TrimSpace(c.Query(name))
	if val == "" {
		return 0
	}
	if f, err := strconv.ParseFloat(val, 64); err == nil {
		return f
	}
	return 0
}

func boolQuery(c *gin.Context, name string) bool {
	val := strings.ToLower(strings.TrimSpace(c.Query(name)))
	return val == "1" || val == "true" || val == "yes"
}
