package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/handlers"
	"polymarket-copytrader/middleware"
	"polymarket-copytrader/notify"
	"polymarket-copytrader/service"
	"polymarket-copytrader/storage"
	"polymarket-copytrader/syncer"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	cfgPath := os.Getenv("POLYMARKET_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	store, err := storage.NewPostgres()
	if err != nil {
		log.Fatalf("failed to init storage: %v", err)
	}
	defer store.Close()

	if err := store.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("failed to ensure schema: %v", err)
	}

	feed := api.NewClient(cfg.Feed.DataAPIHost, cfg.Feed.GammaAPIHost)
	if cfg.Feed.RequestTimeoutMS > 0 {
		feed.SetRequestTimeout(time.Duration(cfg.Feed.RequestTimeoutMS) * time.Millisecond)
	}
	if cfg.Feed.MaxRetries > 0 {
		feed.SetMaxRetries(cfg.Feed.MaxRetries)
	}

	ledger := syncer.NewLedger(store)
	hub := notify.NewHub(store)
	defer hub.Close()
	metrics := syncer.NewMetricsRecorder(store)

	watcher := syncer.NewTradeWatcher(store, feed, ledger, hub, metrics, cfg)
	watcher.Start()
	defer watcher.Stop()

	monitor := syncer.NewStopLossMonitor(store, feed, ledger, hub, metrics, cfg)
	monitor.Start()
	defer monitor.Stop()

	profiles := syncer.NewProfileSyncer(store, feed, cfg)
	profiles.Start()
	defer profiles.Stop()

	svc := service.NewService(store, feed, watcher, profiles, ledger, hub, cfg)
	h := handlers.NewHandler(cfg, svc, hub)

	// Set up router
	r := gin.Default()

	r.GET("/health", h.Health)
	r.GET("/ws", h.ServeWS)

	apiGroup := r.Group("/api", middleware.BasicAuth(), middleware.ValidateQueryParams())
	apiGroup.GET("/traders", h.ListTraders)
	apiGroup.GET("/traders/top", h.GetTopTraders)
	apiGroup.GET("/traders/:address", h.GetTrader)
	apiGroup.POST("/traders/:address/sync", h.SyncTrader)
	apiGroup.GET("/metrics", h.GetMetrics)

	// Everything below acts on behalf of one follower wallet.
	private := apiGroup.Group("", middleware.RequireWallet())
	private.GET("/copies", h.ListCopies)
	private.POST("/copies", h.CreateCopy)
	private.GET("/copies/:id", h.GetCopy)
	private.PUT("/copies/:id", h.UpdateCopy)
	private.DELETE("/copies/:id", h.DeleteCopy)
	private.GET("/copies/:id/trades", h.ListCopyTrades)
	private.GET("/positions", h.ListPositions)
	private.POST("/positions/:id/close", h.ClosePosition)
	private.GET("/pending", h.ListPending)
	private.POST("/pending/:id/execute", h.ExecutePending)
	private.POST("/pending/:id/skip", h.SkipPending)
	private.GET("/notifications", h.ListNotifications)
	private.POST("/notifications/:id/read", h.MarkNotificationRead)
	private.POST("/notifications/read-all", h.MarkAllNotificationsRead)
	private.GET("/portfolio", h.GetPortfolio)

	// Get port from environment or use default
	port := os.Getenv("PORT")
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port)
	}

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMS) * time.Millisecond,
	}

	go func() {
		log.Printf("Server starting on http://localhost:%s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Server.ShutdownTimeoutMS)*time.Millisecond)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
}
