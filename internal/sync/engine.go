package sync

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	gosync "sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/omarels/haaq/backend/internal/errors"
	"github.com/omarels/haaq/backend/internal/events"
	"github.com/omarels/haaq/backend/internal/kv"
	"github.com/omarels/haaq/backend/internal/logging"
	"github.com/omarels/haaq/backend/internal/models"
	"github.com/omarels/haaq/backend/internal/sync/queue"
	"github.com/omarels/haaq/backend/internal/telemetry"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// DefaultCollections are the collections tracked for sync and backup.
var DefaultCollections = []string{
	"beneficiaries",
	"volunteers",
	"transactions",
	"donations",
	"notifications",
	"settings",
}

// SyncerConfig holds drain configuration.
type SyncerConfig struct {
	Collections []string // always included in uploaded snapshots
}

// DefaultSyncerConfig returns default syncer configuration.
func DefaultSyncerConfig() *SyncerConfig {
	return &SyncerConfig{
		Collections: append([]string(nil), DefaultCollections...),
	}
}

// DrainResult represents the result of a drain.
type DrainResult struct {
	Skipped   bool
	Keys      []string
	Cleared   int
	Timestamp int64
	Duration  time.Duration
}

// Syncer drains the pending-change set into the remote store.
type Syncer struct {
	store       kv.Store
	pending     *queue.PendingSet
	reconciler  *Reconciler
	bus         *events.Bus
	metrics     *telemetry.Metrics
	clock       clock.Clock
	collections []string

	drainMu gosync.Mutex

	mu            gosync.RWMutex
	status        SyncStatus
	lastSync      *time.Time
	lastErr       error
	lastTimestamp int64
}

// NewSyncer creates a new Syncer.
func NewSyncer(store kv.Store, pending *queue.PendingSet, reconciler *Reconciler, bus *events.Bus, config *SyncerConfig) *Syncer {
	if config == nil {
		config = DefaultSyncerConfig()
	}
	return &Syncer{
		store:       store,
		pending:     pending,
		reconciler:  reconciler,
		bus:         bus,
		clock:       clock.New(),
		collections: config.Collections,
		status:      SyncStatusIdle,
	}
}

// SetClock replaces the wall clock used for snapshot timestamps.
func (s *Syncer) SetClock(c clock.Clock) {
	s.clock = c
}

// SetMetrics attaches telemetry.
func (s *Syncer) SetMetrics(m *telemetry.Metrics) {
	s.metrics = m
}

// Collections returns the tracked collection keys.
func (s *Syncer) Collections() []string {
	return append([]string(nil), s.collections...)
}

// Status returns the current sync status.
func (s *Syncer) Status() SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastSync returns the time of the last successful drain.
func (s *Syncer) LastSync() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSync
}

// LastError returns the error of the last drain, nil after a success.
func (s *Syncer) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// PendingChanges returns the number of pending keys.
func (s *Syncer) PendingChanges() int {
	return s.pending.Len()
}

// Drain uploads one snapshot holding every tracked collection and every
// pending key. Pending keys are cleared only after the upload succeeds;
// keys marked while it was in flight stay pending. Drains never overlap.
func (s *Syncer) Drain(ctx context.Context) (*DrainResult, error) {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()

	batch := s.pending.Snapshot()
	if batch.Len() == 0 {
		s.metrics.RecordDrain(telemetry.DrainSkipped, 0, 0)
		return &DrainResult{Skipped: true}, nil
	}

	s.setStatus(SyncStatusSyncing, nil)
	start := s.clock.Now()

	snap, err := s.buildSnapshot(batch)
	if err == nil {
		err = s.reconciler.Upload(ctx, snap)
	}

	result := &DrainResult{
		Keys:     batch.Keys,
		Duration: s.clock.Since(start),
	}

	if err != nil {
		s.setStatus(SyncStatusFailed, err)
		s.metrics.RecordDrain(telemetry.DrainFailed, batch.Len(), result.Duration)

		logging.ErrorWithCode("Cloud sync failed", string(errors.CodeOf(err, errors.ErrSyncFailed)), err,
			map[string]interface{}{"pending": batch.Keys})

		s.bus.Publish(events.Event{
			Topic:   events.TopicSync,
			Type:    events.TypeError,
			Message: "Cloud sync failed, changes will be retried",
			Data: map[string]interface{}{
				"error":  err.Error(),
				"status": errors.StatusOf(err),
				"keys":   batch.Keys,
			},
		})
		return result, err
	}

	result.Timestamp = snap.Metadata.Timestamp
	result.Cleared = s.pending.ClearDrained(batch)

	if err := s.reconciler.setLastSync(snap.Metadata.Timestamp); err != nil {
		logging.Warn("Uploaded snapshot but could not record last sync", map[string]interface{}{"error": err.Error()})
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.status = SyncStatusIdle
	s.lastErr = nil
	s.lastSync = &now
	s.lastTimestamp = snap.Metadata.Timestamp
	s.mu.Unlock()

	s.metrics.RecordDrain(telemetry.DrainSuccess, batch.Len(), result.Duration)
	s.bus.Publish(events.Event{
		Topic:   events.TopicSync,
		Type:    events.TypeSuccess,
		Message: fmt.Sprintf("Synced %d collection(s) to cloud", batch.Len()),
		Data: map[string]interface{}{
			"keys":      batch.Keys,
			"timestamp": result.Timestamp,
		},
	})
	logging.Info("Cloud sync completed",
		map[string]interface{}{
			"keys":        batch.Keys,
			"cleared":     result.Cleared,
			"timestamp":   result.Timestamp,
			"duration_ms": result.Duration.Milliseconds(),
		})
	return result, nil
}

func (s *Syncer) setStatus(status SyncStatus, err error) {
	s.mu.Lock()
	s.status = status
	if err != nil {
		s.lastErr = err
	}
	s.mu.Unlock()
}

// buildSnapshot collects the tracked collections plus the batch's keys.
// Keys missing locally are left out, so removals propagate.
func (s *Syncer) buildSnapshot(batch queue.Batch) (*models.Snapshot, error) {
	deviceID, err := EnsureDeviceID(s.store)
	if err != nil {
		return nil, err
	}

	snap := &models.Snapshot{
		Collections: make(map[string]json.RawMessage),
		Metadata: models.SnapshotMetadata{
			Timestamp:   s.nextTimestamp(),
			DeviceID:    deviceID,
			Version:     models.SnapshotVersion,
			ChangedKeys: batch.Keys,
		},
	}

	keys := append(append([]string(nil), s.collections...), batch.Keys...)
	for _, key := range keys {
		if models.IsReserved(key) {
			continue
		}
		if _, done := snap.Collections[key]; done {
			continue
		}
		value, err := s.store.Get(key)
		if stderrors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, fmt.Sprintf("failed to read %q", key), err)
		}
		snap.Collections[key] = models.RawCollection(value)
	}
	return snap, nil
}

// nextTimestamp returns a wall-clock millisecond timestamp strictly greater
// than any this device has uploaded or merged.
func (s *Syncer) nextTimestamp() int64 {
	ts := s.clock.Now().UnixMilli()

	s.mu.RLock()
	floor := s.lastTimestamp
	s.mu.RUnlock()
	if recorded := s.reconciler.LastSync(); recorded > floor {
		floor = recorded
	}

	if ts <= floor {
		ts = floor + 1
	}
	return ts
}
