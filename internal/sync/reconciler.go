package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	gosync "sync"

	"github.com/omarels/haaq/backend/internal/errors"
	"github.com/omarels/haaq/backend/internal/events"
	"github.com/omarels/haaq/backend/internal/kv"
	"github.com/omarels/haaq/backend/internal/logging"
	"github.com/omarels/haaq/backend/internal/models"
	"github.com/omarels/haaq/backend/internal/sync/conflict"
	"github.com/omarels/haaq/backend/internal/sync/queue"
	"github.com/omarels/haaq/backend/internal/telemetry"
)

// ReconcilerConfig holds reconciliation configuration.
type ReconcilerConfig struct {
	Strategy conflict.ResolutionStrategy
}

// DefaultReconcilerConfig returns default reconciler configuration.
func DefaultReconcilerConfig() *ReconcilerConfig {
	return &ReconcilerConfig{
		Strategy: conflict.ResolutionStrategyLastWriteWins,
	}
}

// MergeResult describes one SyncFromCloud call.
type MergeResult struct {
	Applied         bool                 `json:"applied"`
	Resolution      string               `json:"resolution"`
	RemoteTimestamp int64                `json:"remoteTimestamp"`
	RemoteDevice    string               `json:"remoteDevice"`
	UpdatedKeys     []string             `json:"updatedKeys"`
	Conflicts       []models.ConflictLog `json:"conflicts,omitempty"`
}

// Reconciler exchanges snapshots with the remote document store and merges
// newer remote snapshots into local storage.
type Reconciler struct {
	store    kv.Store
	remote   DocumentStore
	resolver *conflict.Resolver
	pending  *queue.PendingSet
	bus      *events.Bus
	metrics  *telemetry.Metrics

	mu        gosync.Mutex
	conflicts []models.ConflictLog
}

// NewReconciler creates a new Reconciler. remote may be nil when cloud sync
// is not configured; every remote operation then fails with
// SYNC_NOT_CONFIGURED.
func NewReconciler(store kv.Store, remote DocumentStore, pending *queue.PendingSet, bus *events.Bus, config *ReconcilerConfig) *Reconciler {
	if config == nil {
		config = DefaultReconcilerConfig()
	}
	return &Reconciler{
		store:    store,
		remote:   remote,
		resolver: conflict.NewResolver(config.Strategy),
		pending:  pending,
		bus:      bus,
	}
}

// SetMetrics attaches telemetry.
func (r *Reconciler) SetMetrics(m *telemetry.Metrics) {
	r.metrics = m
}

// Configured reports whether a remote store is attached.
func (r *Reconciler) Configured() bool {
	return r.remote != nil
}

// ContainerID returns the remote container id of this device, if any.
func (r *Reconciler) ContainerID() (string, bool) {
	id, err := r.store.Get(models.KeyContainerID)
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// LastSync returns the last recorded sync timestamp in Unix milliseconds,
// or 0 if this device never synced.
func (r *Reconciler) LastSync() int64 {
	value, err := r.store.Get(models.KeyLastSync)
	if err != nil {
		return 0
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		logging.Warn("Ignoring unreadable last sync timestamp", map[string]interface{}{"value": value})
		return 0
	}
	return ts
}

func (r *Reconciler) setLastSync(ts int64) error {
	if err := r.store.Set(models.KeyLastSync, strconv.FormatInt(ts, 10)); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to record last sync timestamp", err)
	}
	return nil
}

// Upload replaces the remote document with snap, creating the container on
// the first upload.
func (r *Reconciler) Upload(ctx context.Context, snap *models.Snapshot) error {
	if r.remote == nil {
		return errors.New(errors.ErrSyncNotConfigured, "cloud sync is not configured")
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to encode snapshot", err)
	}

	id, ok := r.ContainerID()
	if ok {
		return r.remote.Upload(ctx, id, data)
	}

	id, err = r.remote.Create(ctx, data)
	if err != nil {
		return err
	}
	if err := r.store.Set(models.KeyContainerID, id); err != nil {
		return errors.Wrap(errors.ErrStorage, "failed to persist container id", err)
	}

	logging.Info("Created remote container", map[string]interface{}{"container_id": id})
	return nil
}

// Download fetches the latest remote snapshot of this device's container.
func (r *Reconciler) Download(ctx context.Context) (*models.Snapshot, error) {
	if r.remote == nil {
		return nil, errors.New(errors.ErrSyncNotConfigured, "cloud sync is not configured")
	}

	id, ok := r.ContainerID()
	if !ok {
		return nil, errors.Remote("no remote container for this device", http.StatusNotFound, nil)
	}

	data, err := r.remote.Download(ctx, id)
	if err != nil {
		return nil, err
	}

	var snap models.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(errors.ErrSyncFailed, "remote document is not a valid snapshot", err)
	}
	return &snap, nil
}

// SyncFromCloud downloads the remote snapshot and, when it is strictly
// newer than this device's last sync, overwrites every collection it
// carries. Reserved keys are never written. Pending local changes that get
// overwritten are recorded as conflicts.
func (r *Reconciler) SyncFromCloud(ctx context.Context) (*MergeResult, error) {
	if _, ok := r.ContainerID(); !ok && r.remote != nil {
		logging.Debug("No remote container yet, nothing to merge", nil)
		return &MergeResult{Resolution: conflict.ResolutionLocalWins}, nil
	}

	snap, err := r.Download(ctx)
	if err != nil {
		r.metrics.RecordMerge(telemetry.MergeFailed)
		r.publishFailure("Failed to download cloud data", err)
		return nil, err
	}

	lastSync := r.LastSync()
	decision, err := r.resolver.Decide(snap, lastSync)
	if err != nil {
		return nil, err
	}

	result := &MergeResult{
		Resolution:      decision.Resolution,
		RemoteTimestamp: snap.Metadata.Timestamp,
		RemoteDevice:    snap.Metadata.DeviceID,
	}
	if decision.Resolution == conflict.ResolutionManual {
		r.metrics.RecordMerge(telemetry.MergeManual)
		logging.Warn("Newer cloud data awaits manual review",
			map[string]interface{}{
				"remote_timestamp": snap.Metadata.Timestamp,
				"remote_device":    snap.Metadata.DeviceID,
				"last_sync":        lastSync,
			})
		r.bus.Publish(events.Event{
			Topic:   events.TopicSync,
			Type:    events.TypeWarning,
			Message: "Newer cloud data was not applied and needs manual review",
			Data: map[string]interface{}{
				"resolution":      decision.Resolution,
				"remoteTimestamp": snap.Metadata.Timestamp,
				"remoteDevice":    snap.Metadata.DeviceID,
			},
		})
		return result, nil
	}
	if !decision.ApplyRemote() {
		r.metrics.RecordMerge(telemetry.MergeUpToDate)
		logging.Info("Local data is up to date",
			map[string]interface{}{"remote_timestamp": snap.Metadata.Timestamp, "last_sync": lastSync})
		return result, nil
	}

	var pendingKeys []string
	if r.pending != nil {
		pendingKeys = r.pending.Keys()
	}
	result.Conflicts = r.resolver.DetectConflicts(pendingKeys, snap, lastSync)

	var failed []string
	for _, key := range models.SortedKeys(snap.Collections) {
		if models.IsReserved(key) {
			continue
		}
		if err := r.store.Set(key, string(snap.Collections[key])); err != nil {
			logging.Error("Failed to write merged collection", err, map[string]interface{}{"key": key})
			failed = append(failed, key)
			continue
		}
		result.UpdatedKeys = append(result.UpdatedKeys, key)
	}

	if len(failed) > 0 {
		err := errors.Wrap(errors.ErrStorage, "merge incomplete",
			fmt.Errorf("could not write %v", failed))
		r.metrics.RecordMerge(telemetry.MergeFailed)
		r.publishFailure("Failed to apply cloud data", err)
		return result, err
	}

	if err := r.setLastSync(snap.Metadata.Timestamp); err != nil {
		return result, err
	}
	result.Applied = true

	if len(result.Conflicts) > 0 {
		r.mu.Lock()
		r.conflicts = append(r.conflicts, result.Conflicts...)
		r.mu.Unlock()

		r.bus.Publish(events.Event{
			Topic:   events.TopicSync,
			Type:    events.TypeWarning,
			Message: fmt.Sprintf("%d collection(s) with unsynced changes were replaced by newer cloud data", len(result.Conflicts)),
			Data:    map[string]interface{}{"conflicts": result.Conflicts},
		})
	}

	r.metrics.RecordMerge(telemetry.MergeApplied)
	r.bus.Publish(events.Event{
		Topic:   events.TopicSync,
		Type:    events.TypeSuccess,
		Message: "Data updated from cloud",
		Data: map[string]interface{}{
			"keys":            result.UpdatedKeys,
			"remoteTimestamp": result.RemoteTimestamp,
		},
	})
	logging.Info("Merged remote snapshot",
		map[string]interface{}{
			"keys":             len(result.UpdatedKeys),
			"remote_timestamp": result.RemoteTimestamp,
			"remote_device":    result.RemoteDevice,
			"conflicts":        len(result.Conflicts),
		})
	return result, nil
}

// ConflictLogs returns every conflict recorded by this reconciler.
func (r *Reconciler) ConflictLogs() []models.ConflictLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ConflictLog(nil), r.conflicts...)
}

func (r *Reconciler) publishFailure(message string, err error) {
	logging.ErrorWithCode(message, string(errors.CodeOf(err, errors.ErrSyncFailed)), err)

	r.bus.Publish(events.Event{
		Topic:   events.TopicSync,
		Type:    events.TypeError,
		Message: message,
		Data: map[string]interface{}{
			"error":  err.Error(),
			"status": errors.StatusOf(err),
		},
	})
}
