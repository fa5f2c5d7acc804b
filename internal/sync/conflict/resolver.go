// Package conflict decides whether a remote snapshot replaces local data.
package conflict

import (
	"time"

	"github.com/omarels/haaq/backend/internal/logging"
	"github.com/omarels/haaq/backend/internal/models"
)

// ResolutionStrategy defines how conflicts are resolved.
type ResolutionStrategy string

const (
	ResolutionStrategyLastWriteWins ResolutionStrategy = "last_write_wins"
	ResolutionStrategyManual        ResolutionStrategy = "manual"
)

// Resolution values recorded in decisions and conflict logs.
const (
	ResolutionRemoteWins = "remote_wins"
	ResolutionLocalWins  = "local_wins"
	ResolutionManual     = "manual_review_required"
)

// Resolver compares snapshot timestamps at whole-collection granularity.
type Resolver struct {
	strategy ResolutionStrategy
	now      func() time.Time
}

// NewResolver creates a new Resolver with the specified strategy.
func NewResolver(strategy ResolutionStrategy) *Resolver {
	return &Resolver{
		strategy: strategy,
		now:      time.Now,
	}
}

// Decision is the outcome of comparing a remote snapshot with local state.
type Decision struct {
	Resolution      string
	RemoteTimestamp int64
	LastSync        int64
}

// ApplyRemote reports whether the remote snapshot should overwrite local data.
func (d Decision) ApplyRemote() bool {
	return d.Resolution == ResolutionRemoteWins
}

// Decide compares the remote snapshot timestamp with this device's last
// recorded sync. Remote wins only when strictly newer; a tie keeps local.
func (r *Resolver) Decide(remote *models.Snapshot, lastSync int64) (Decision, error) {
	if remote == nil {
		return Decision{}, ErrInvalidSnapshot
	}

	d := Decision{
		RemoteTimestamp: remote.Metadata.Timestamp,
		LastSync:        lastSync,
	}

	switch {
	case r.strategy == ResolutionStrategyManual && remote.Metadata.Timestamp > lastSync:
		d.Resolution = ResolutionManual
	case remote.Metadata.Timestamp > lastSync:
		d.Resolution = ResolutionRemoteWins
	default:
		d.Resolution = ResolutionLocalWins
	}

	logging.Debug("Snapshot comparison",
		map[string]interface{}{
			"remote_timestamp": d.RemoteTimestamp,
			"last_sync":        lastSync,
			"remote_device":    remote.Metadata.DeviceID,
			"resolution":       d.Resolution,
			"strategy":         r.strategy,
		})

	return d, nil
}

// DetectConflicts returns a log entry for every locally pending collection
// that the remote snapshot is about to overwrite.
func (r *Resolver) DetectConflicts(pending []string, remote *models.Snapshot, lastSync int64) []models.ConflictLog {
	if remote == nil {
		return nil
	}

	var logs []models.ConflictLog
	for _, key := range pending {
		if _, ok := remote.Collections[key]; !ok {
			continue
		}
		logs = append(logs, models.ConflictLog{
			CollectionKey:   key,
			LocalTimestamp:  lastSync,
			RemoteTimestamp: remote.Metadata.Timestamp,
			Resolution:      ResolutionRemoteWins,
			DetectedAt:      r.now().UnixMilli(),
		})
	}

	if len(logs) > 0 {
		keys := make([]string, len(logs))
		for i, l := range logs {
			keys[i] = l.CollectionKey
		}
		logging.Warn("Unsynced local changes overwritten by newer remote snapshot",
			map[string]interface{}{
				"keys":             keys,
				"local_timestamp":  lastSync,
				"remote_timestamp": remote.Metadata.Timestamp,
				"remote_device":    remote.Metadata.DeviceID,
			})
	}
	return logs
}

// Errors
var (
	ErrInvalidSnapshot = &ConflictError{Message: "invalid conflict: remote snapshot is nil"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
