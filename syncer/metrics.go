package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"polymarket-copytrader/storage"
)

// WatcherMetrics counts ingestion loop activity since process start.
type WatcherMetrics struct {
	Ticks             int64     `json:"ticks"`
	TradesDetected    int64     `json:"trades_detected"`
	PendingCreated    int64     `json:"pending_created"`
	PendingExpired    int64     `json:"pending_expired"`
	PositionsOpened   int64     `json:"positions_opened"`
	PositionsMirrored int64     `json:"positions_mirrored"`
	LastDetection     time.Time `json:"last_detection"`
}

// MonitorMetrics counts stop-loss sweep activity since process start.
type MonitorMetrics struct {
	Sweeps             int64     `json:"sweeps"`
	PricesRefreshed    int64     `json:"prices_refreshed"`
	StopLossTriggers   int64     `json:"stop_loss_triggers"`
	TakeProfitTriggers int64     `json:"take_profit_triggers"`
	LastTrigger        time.Time `json:"last_trigger"`
}

// SystemMetrics is the snapshot served by the metrics endpoint.
type SystemMetrics struct {
	Watcher   WatcherMetrics `json:"watcher"`
	Monitor   MonitorMetrics `json:"monitor"`
	StartedAt time.Time      `json:"started_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// MetricsRecorder accumulates counters in memory and snapshots them through
// the store's metrics key (Redis, 24h TTL). Safe for concurrent use.
type MetricsRecorder struct {
	store storage.DataStore

	mu     sync.Mutex
	system SystemMetrics
}

func NewMetricsRecorder(store storage.DataStore) *MetricsRecorder {
	return &MetricsRecorder{
		store:  store,
		system: SystemMetrics{StartedAt: time.Now().UTC()},
	}
}

// RecordWatcherTick folds one ingestion tick's counts into the totals.
func (m *MetricsRecorder) RecordWatcherTick(detected, created, expired int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system.Watcher.Ticks++
	m.system.Watcher.TradesDetected += int64(detected)
	m.system.Watcher.PendingCreated += int64(created)
	m.system.Watcher.PendingExpired += int64(expired)
	if detected > 0 {
		m.system.Watcher.LastDetection = time.Now().UTC()
	}
}

func (m *MetricsRecorder) RecordPositionOpened() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system.Watcher.PositionsOpened++
}

func (m *MetricsRecorder) RecordMirroredClose(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system.Watcher.PositionsMirrored += int64(n)
}

// RecordSweep folds one monitor sweep's refresh count into the totals.
func (m *MetricsRecorder) RecordSweep(refreshed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system.Monitor.Sweeps++
	m.system.Monitor.PricesRefreshed += int64(refreshed)
}

func (m *MetricsRecorder) RecordStopLoss() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system.Monitor.StopLossTriggers++
	m.system.Monitor.LastTrigger = time.Now().UTC()
}

func (m *MetricsRecorder) RecordTakeProfit() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system.Monitor.TakeProfitTriggers++
	m.system.Monitor.LastTrigger = time.Now().UTC()
}

// Snapshot returns a copy of the current totals.
func (m *MetricsRecorder) Snapshot() SystemMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.system
}

// Flush persists the current totals. Called at the end of each tick and
// sweep; a flush failure is the caller's to log, never to escalate.
func (m *MetricsRecorder) Flush(ctx context.Context) error {
	m.mu.Lock()
	m.system.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(m.system)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	if err := m.store.SaveMetricsSnapshot(ctx, payload); err != nil {
		return fmt.Errorf("save metrics snapshot: %w", err)
	}
	return nil
}
