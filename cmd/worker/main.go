package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"polymarket-copytrader/api"
	"polymarket-copytrader/config"
	"polymarket-copytrader/notify"
	"polymarket-copytrader/storage"
	"polymarket-copytrader/syncer"
)

// Headless runner: trade detection, stop monitoring and profile refresh
// without the HTTP API. Deploy it when the API and the loops should scale
// separately.
func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("POLYMARKET_CONFIG"))
	if err != nil {
		log.Fatalf("[worker] failed to load config: %v", err)
	}

	// Initialize storage
	store, err := storage.NewPostgres()
	if err != nil {
		log.Fatalf("[worker] failed to init storage: %v", err)
	}
	defer store.Close()

	log.Println("[worker] PostgreSQL storage initialized")

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

	log.Printf("[worker] Loops running: watch every %ds, sweep every %ds, profiles every %dm",
		cfg.Sync.WatchIntervalSec, cfg.Sync.StopLossIntervalSec, cfg.Sync.ProfileSyncMins)
	log.Println("[worker] Worker is running. Press Ctrl+C to stop.")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("[worker] Received shutdown signal, stopping gracefully...")
}
