// Package services wires the storage and sync components into the surface
// collaborators use: get/set/remove plus mark-changed, sync and backup.
package services

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/omarels/haaq/backend/internal/compact"
	"github.com/omarels/haaq/backend/internal/errors"
	"github.com/omarels/haaq/backend/internal/events"
	"github.com/omarels/haaq/backend/internal/export"
	"github.com/omarels/haaq/backend/internal/kv"
	"github.com/omarels/haaq/backend/internal/logging"
	"github.com/omarels/haaq/backend/internal/models"
	"github.com/omarels/haaq/backend/internal/quota"
	syncpkg "github.com/omarels/haaq/backend/internal/sync"
	"github.com/omarels/haaq/backend/internal/sync/queue"
	"github.com/omarels/haaq/backend/internal/sync/scheduler"
	"github.com/omarels/haaq/backend/internal/telemetry"
)

// MonitorConfig configures the periodic usage check.
type MonitorConfig struct {
	Interval         time.Duration `mapstructure:"interval"`          // 0 disables the monitor
	WarningPercent   float64       `mapstructure:"warning_percent"`   // publish a warning at or above this usage
	EmergencyPercent float64       `mapstructure:"emergency_percent"` // run emergency cleanup at or above this usage
}

// DefaultMonitorConfig returns default monitor configuration.
func DefaultMonitorConfig() *MonitorConfig {
	return &MonitorConfig{
		Interval:         5 * time.Minute,
		WarningPercent:   80,
		EmergencyPercent: 90,
	}
}

// ManagerConfig holds the configuration of every component. Nil fields use
// the component defaults.
type ManagerConfig struct {
	Estimator  *quota.EstimatorConfig
	Compactor  *compact.CompactorConfig
	Syncer     *syncpkg.SyncerConfig
	Reconciler *syncpkg.ReconcilerConfig
	Scheduler  *scheduler.SchedulerConfig
	Backup     *export.ServiceConfig
	Monitor    *MonitorConfig
	// StartOffline starts with scheduling suspended until SetOnline(true).
	StartOffline bool
}

// DefaultManagerConfig returns default manager configuration.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		Estimator:  quota.DefaultEstimatorConfig(),
		Compactor:  compact.DefaultCompactorConfig(),
		Syncer:     syncpkg.DefaultSyncerConfig(),
		Reconciler: syncpkg.DefaultReconcilerConfig(),
		Scheduler:  scheduler.DefaultSchedulerConfig(),
		Backup:     export.DefaultServiceConfig(),
		Monitor:    DefaultMonitorConfig(),
	}
}

// usage levels reported by the monitor
const (
	levelNormal = iota
	levelWarning
	levelEmergency
)

// Manager owns the storage and sync core.
type Manager struct {
	store   kv.Store
	bus     *events.Bus
	metrics *telemetry.Metrics
	clock   clock.Clock

	estimator  *quota.Estimator
	compactor  *compact.Compactor
	pending    *queue.PendingSet
	reconciler *syncpkg.Reconciler
	syncer     *syncpkg.Syncer
	scheduler  *scheduler.Scheduler
	backup     *export.Service
	monitor    *MonitorConfig

	mu         sync.Mutex
	running    bool
	ctx        context.Context
	stopCh     chan struct{}
	wg         sync.WaitGroup
	usageLevel int
}

// NewManager builds the core on store. remote may be nil, in which case
// drains fail with SYNC_NOT_CONFIGURED and SyncFromCloud is a no-op.
func NewManager(store kv.Store, remote syncpkg.DocumentStore, config *ManagerConfig, clk clock.Clock) *Manager {
	if config == nil {
		config = DefaultManagerConfig()
	}
	if config.Monitor == nil {
		config.Monitor = DefaultMonitorConfig()
	}
	if clk == nil {
		clk = clock.New()
	}

	bus := events.NewBus()
	metrics := telemetry.New()

	m := &Manager{
		store:   store,
		bus:     bus,
		metrics: metrics,
		clock:   clk,
		monitor: config.Monitor,
	}

	m.estimator = quota.NewEstimator(store, config.Estimator, clk)
	m.compactor = compact.NewCompactor(store, m.estimator, bus, config.Compactor)
	m.pending = queue.NewPendingSet(store)

	m.reconciler = syncpkg.NewReconciler(store, remote, m.pending, bus, config.Reconciler)
	m.reconciler.SetMetrics(metrics)

	m.syncer = syncpkg.NewSyncer(store, m.pending, m.reconciler, bus, config.Syncer)
	m.syncer.SetClock(clk)
	m.syncer.SetMetrics(metrics)

	m.scheduler = scheduler.NewScheduler(m.syncer, m.pending, config.Scheduler, clk)
	if config.StartOffline {
		m.scheduler.SetOnlineStatus(false)
	}

	m.backup = export.NewService(store, m, config.Backup)
	m.backup.SetClock(clk)

	return m
}

// Start restores pending keys from the previous session, starts the drain
// scheduler and the usage monitor, then pulls newer cloud data once when
// online.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.ctx = ctx
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	if err := m.pending.Restore(); err != nil {
		logging.Error("Failed to restore pending changes", err)
	}
	if _, err := syncpkg.EnsureDeviceID(m.store); err != nil {
		logging.Error("Failed to ensure device identity", err)
	}

	m.scheduler.Start(ctx)

	if m.monitor.Interval > 0 {
		ticker := m.clock.Ticker(m.monitor.Interval)
		m.wg.Add(1)
		go m.monitorLoop(ticker, m.stopCh)
	}

	if m.scheduler.IsOnline() && m.reconciler.Configured() {
		if _, err := m.reconciler.SyncFromCloud(ctx); err != nil {
			logging.Warn("Initial cloud sync failed", map[string]interface{}{"error": err.Error()})
		}
	}

	logging.Info("Storage manager started", map[string]interface{}{
		"pending_keys": m.pending.Len(),
		"online":       m.scheduler.IsOnline(),
	})
	return nil
}

// Stop stops the scheduler and the usage monitor.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.scheduler.Stop()
	m.wg.Wait()
	logging.Info("Storage manager stopped", nil)
}

// Get returns the value stored under key.
func (m *Manager) Get(key string) (string, error) {
	return m.store.Get(key)
}

// Set stores value under key and marks it changed. When the medium is full
// it runs an emergency cleanup and retries the write once.
func (m *Manager) Set(key, value string) error {
	err := m.store.Set(key, value)
	if stderrors.Is(err, kv.ErrQuotaExceeded) {
		logging.Warn("Storage full, running emergency cleanup", map[string]interface{}{"key": key})
		m.estimator.Invalidate()
		m.EmergencyCleanup()
		err = m.store.Set(key, value)
	}
	if err != nil {
		if stderrors.Is(err, kv.ErrQuotaExceeded) {
			m.bus.Publish(events.Event{
				Topic:   events.TopicStorage,
				Type:    events.TypeError,
				Message: "Storage is full, data could not be saved",
				Data:    map[string]interface{}{"key": key},
			})
			return errors.Wrap(errors.ErrQuotaExceeded, fmt.Sprintf("failed to save %q", key), err)
		}
		return errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to save %q", key), err)
	}

	m.MarkChanged(key)
	return nil
}

// Remove deletes key and marks it changed.
func (m *Manager) Remove(key string) error {
	if err := m.store.Remove(key); err != nil {
		return errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to remove %q", key), err)
	}
	m.MarkChanged(key)
	return nil
}

// MarkChanged records key for the next upload and re-arms the debounce.
// Reserved bookkeeping keys are ignored.
func (m *Manager) MarkChanged(key string) {
	if key == "" || models.IsReserved(key) {
		return
	}
	m.pending.Mark(key)
	m.scheduler.Schedule()
}

// Drain uploads pending changes now.
func (m *Manager) Drain(ctx context.Context) (*syncpkg.DrainResult, error) {
	return m.scheduler.DrainNow(ctx)
}

// SyncFromCloud merges newer remote data into local storage.
func (m *Manager) SyncFromCloud(ctx context.Context) (*syncpkg.MergeResult, error) {
	return m.reconciler.SyncFromCloud(ctx)
}

// SetOnline reports connectivity changes. Coming back online first merges
// newer cloud data, then drains pending changes on top of it.
func (m *Manager) SetOnline(online bool) {
	if online && !m.scheduler.IsOnline() && m.reconciler.Configured() {
		if _, err := m.reconciler.SyncFromCloud(m.context()); err != nil {
			logging.Warn("Cloud sync on reconnect failed", map[string]interface{}{"error": err.Error()})
		}
	}
	m.scheduler.SetOnlineStatus(online)
}

// context returns the context the manager was started with.
func (m *Manager) context() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx == nil {
		return context.Background()
	}
	return m.ctx
}

// UsageInfo measures current storage usage.
func (m *Manager) UsageInfo() models.UsageInfo {
	info := m.estimator.UsageInfo()
	m.metrics.RecordUsage(info)
	return info
}

// CleanupDisposable removes disposable keys and returns the reclaimed bytes.
func (m *Manager) CleanupDisposable() int64 {
	reclaimed := m.compactor.CleanupDisposable()
	m.metrics.RecordCleanup(telemetry.TierDisposable, reclaimed)
	return reclaimed
}

// CompactCollection trims one collection to its newest maxRecords records.
func (m *Manager) CompactCollection(key string, maxRecords int, sortBy string, keepFields []string) (*compact.CompactResult, error) {
	result, err := m.compactor.CompactCollection(key, maxRecords, sortBy, keepFields)
	if err == nil && result.Rewritten {
		m.MarkChanged(key)
	}
	return result, err
}

// EmergencyCleanup runs every cleanup tier. Compacted collections are
// marked changed so the trimmed data is uploaded.
func (m *Manager) EmergencyCleanup() *compact.CleanupReport {
	report := m.compactor.EmergencyCleanup()
	m.metrics.RecordCleanup(telemetry.TierEmergency, report.Reclaimed())
	m.metrics.RecordUsage(report.UsageAfter)
	for _, c := range report.Compacted {
		if c.Rewritten {
			m.MarkChanged(c.Key)
		}
	}
	return report
}

// ExportAll returns a backup document of every tracked collection.
func (m *Manager) ExportAll() (*models.ExportDocument, error) {
	return m.backup.ExportAll()
}

// ImportAll restores a backup document.
func (m *Manager) ImportAll(data []byte) (*export.ImportResult, error) {
	result, err := m.backup.ImportAll(data)
	if err != nil {
		return nil, err
	}
	m.bus.Publish(events.Event{
		Topic:   events.TopicBackup,
		Type:    events.TypeSuccess,
		Message: fmt.Sprintf("Imported %d collection(s)", len(result.ImportedKeys)),
		Data:    map[string]interface{}{"keys": result.ImportedKeys},
	})
	return result, nil
}

// Backup returns the backup service for file export/import.
func (m *Manager) Backup() *export.Service {
	return m.backup
}

// Subscribe registers an event handler and returns its unsubscribe func.
func (m *Manager) Subscribe(h events.Handler) func() {
	return m.bus.Subscribe(h)
}

// Metrics returns the in-process metrics.
func (m *Manager) Metrics() *telemetry.Metrics {
	return m.metrics
}

// ConflictLogs returns collections whose local edits were replaced by cloud data.
func (m *Manager) ConflictLogs() []models.ConflictLog {
	return m.reconciler.ConflictLogs()
}

// Status describes the sync side of the core.
type Status struct {
	Sync      syncpkg.SyncStatus
	Scheduler scheduler.SchedulerStatus
	LastSync  *time.Time
	LastError error
}

// Status returns the current sync status.
func (m *Manager) Status() Status {
	return Status{
		Sync:      m.syncer.Status(),
		Scheduler: m.scheduler.GetStatus(),
		LastSync:  m.syncer.LastSync(),
		LastError: m.syncer.LastError(),
	}
}

func (m *Manager) monitorLoop(ticker *clock.Ticker, stopCh chan struct{}) {
	defer m.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckUsage()
		case <-stopCh:
			return
		}
	}
}

// CheckUsage measures usage once: at the warning threshold a warning event
// is published on entering the level, at the emergency threshold an
// emergency cleanup runs.
func (m *Manager) CheckUsage() models.UsageInfo {
	info := m.UsageInfo()

	level := levelNormal
	switch {
	case info.UsagePercentage >= m.monitor.EmergencyPercent:
		level = levelEmergency
	case info.UsagePercentage >= m.monitor.WarningPercent:
		level = levelWarning
	}

	m.mu.Lock()
	previous := m.usageLevel
	m.usageLevel = level
	m.mu.Unlock()

	if level >= levelWarning && previous < levelWarning {
		m.bus.Publish(events.Event{
			Topic:   events.TopicStorage,
			Type:    events.TypeWarning,
			Message: fmt.Sprintf("Storage usage is at %.0f%%", info.UsagePercentage),
			Data:    map[string]interface{}{"usage": info},
		})
	}

	if level == levelEmergency {
		report := m.EmergencyCleanup()
		info = report.UsageAfter
		logging.Warn("Usage above emergency threshold, cleanup ran", map[string]interface{}{
			"before_pct": report.UsageBefore.UsagePercentage,
			"after_pct":  report.UsageAfter.UsagePercentage,
			"reclaimed":  report.Reclaimed(),
		})
	}
	return info
}
