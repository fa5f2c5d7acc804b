// Package compact reclaims storage space by evicting disposable keys and
// truncating large record collections.
package compact

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/omarels/haaq/backend/internal/errors"
	"github.com/omarels/haaq/backend/internal/events"
	"github.com/omarels/haaq/backend/internal/kv"
	"github.com/omarels/haaq/backend/internal/logging"
	"github.com/omarels/haaq/backend/internal/models"
)

// Rule caps one collection during emergency cleanup.
type Rule struct {
	Key        string   `mapstructure:"key"`
	MaxRecords int      `mapstructure:"max_records"`
	SortBy     string   `mapstructure:"sort_by"`
	KeepFields []string `mapstructure:"keep_fields"`
}

// CompactorConfig holds eviction policy.
type CompactorConfig struct {
	DisposableKeys     []string // removed by CleanupDisposable
	EmergencyKeys      []string // removed in addition during EmergencyCleanup
	EmergencyPrefixes  []string // key prefixes removed during EmergencyCleanup
	EssentialKeys      []string // never touched by any tier
	Rules              []Rule
	MigrationThreshold float64 // usage percent after cleanup that triggers a migration recommendation
}

// DefaultCompactorConfig returns default compactor configuration.
func DefaultCompactorConfig() *CompactorConfig {
	return &CompactorConfig{
		DisposableKeys: []string{
			"cachedReports",
			"searchCache",
			"tempFormData",
			"lastBackupData",
			"debugLogs",
		},
		EmergencyKeys: []string{
			"dashboardCache",
			"statisticsCache",
			"notificationHistory",
			"activityLog",
			"exportCache",
			"persist:root",
		},
		EmergencyPrefixes: []string{"cache_", "temp_", "redux-persist"},
		EssentialKeys: []string{
			"authToken",
			"currentUser",
			"userSettings",
			"displaySettings",
			"language",
			"theme",
		},
		Rules: []Rule{
			{Key: "beneficiaries", MaxRecords: 50, SortBy: "createdAt"},
			{Key: "transactions", MaxRecords: 200, SortBy: "date"},
			{Key: "notifications", MaxRecords: 100, SortBy: "createdAt"},
		},
		MigrationThreshold: 95,
	}
}

// UsageMeter reports storage usage.
type UsageMeter interface {
	UsageInfo() models.UsageInfo
}

// CompactResult describes one CompactCollection call.
type CompactResult struct {
	Key         string `json:"key"`
	Before      int    `json:"before"`
	After       int    `json:"after"`
	BytesBefore int64  `json:"bytesBefore"`
	BytesAfter  int64  `json:"bytesAfter"`
	Rewritten   bool   `json:"rewritten"`
}

// CleanupReport summarizes an EmergencyCleanup run.
type CleanupReport struct {
	UsageBefore          models.UsageInfo  `json:"usageBefore"`
	UsageAfter           models.UsageInfo  `json:"usageAfter"`
	RemovedKeys          []string          `json:"removedKeys"`
	DisposableReclaimed  int64             `json:"disposableReclaimed"`
	Compacted            []CompactResult   `json:"compacted"`
	Failures             map[string]string `json:"failures,omitempty"`
	MigrationRecommended bool              `json:"migrationRecommended"`
}

// Reclaimed returns how many bytes the run freed.
func (r *CleanupReport) Reclaimed() int64 {
	return max(0, r.UsageBefore.UsedBytes-r.UsageAfter.UsedBytes)
}

// Compactor evicts and compacts entries of a kv.Store.
type Compactor struct {
	store     kv.Store
	meter     UsageMeter
	bus       *events.Bus
	config    *CompactorConfig
	essential map[string]bool
}

// NewCompactor creates a new Compactor. bus may be nil.
func NewCompactor(store kv.Store, meter UsageMeter, bus *events.Bus, config *CompactorConfig) *Compactor {
	if config == nil {
		config = DefaultCompactorConfig()
	}

	essential := make(map[string]bool, len(config.EssentialKeys))
	for _, k := range config.EssentialKeys {
		essential[k] = true
	}

	return &Compactor{
		store:     store,
		meter:     meter,
		bus:       bus,
		config:    config,
		essential: essential,
	}
}

// IsEssential reports whether key is protected from every cleanup tier.
func (c *Compactor) IsEssential(key string) bool {
	return c.essential[key] || models.IsReserved(key)
}

// CleanupDisposable removes the disposable allow-list and returns the bytes
// reclaimed. Absent keys are skipped, so a second call reclaims nothing.
func (c *Compactor) CleanupDisposable() int64 {
	reclaimed, removed := c.removeKeys(c.config.DisposableKeys)
	if len(removed) > 0 {
		logging.Info("Removed disposable keys",
			map[string]interface{}{
				"keys":            removed,
				"reclaimed_bytes": reclaimed,
			})
	}
	return reclaimed
}

func (c *Compactor) removeKeys(keys []string) (int64, []string) {
	var reclaimed int64
	var removed []string
	for _, key := range keys {
		if c.IsEssential(key) {
			continue
		}
		size := kv.EntrySize(c.store, key)
		if size == 0 {
			continue
		}
		if err := c.store.Remove(key); err != nil {
			logging.Warn("Failed to remove disposable key",
				map[string]interface{}{"key": key, "error": err.Error()})
			continue
		}
		reclaimed += size
		removed = append(removed, key)
	}
	return reclaimed, removed
}

// CompactCollection truncates the JSON array stored under key to at most
// maxRecords. With sortBy the most recent records by that field are kept,
// ordered newest first; without it the last maxRecords are kept in place.
// keepFields, when given, reduces every kept object to those fields.
// A collection within the limit is left untouched.
func (c *Compactor) CompactCollection(key string, maxRecords int, sortBy string, keepFields []string) (*CompactResult, error) {
	if c.IsEssential(key) {
		return nil, errors.New(errors.ErrEssentialKey, fmt.Sprintf("refusing to compact essential key %q", key))
	}
	if maxRecords < 0 {
		return nil, errors.New(errors.ErrInvalid, "maxRecords must not be negative")
	}

	value, err := c.store.Get(key)
	if stderrors.Is(err, kv.ErrNotFound) {
		return &CompactResult{Key: key}, nil
	}
	if err != nil {
		return nil, errors.Compaction(key, err)
	}

	var records []json.RawMessage
	if err := json.Unmarshal([]byte(value), &records); err != nil {
		return nil, errors.Compaction(key, err)
	}

	result := &CompactResult{
		Key:         key,
		Before:      len(records),
		After:       len(records),
		BytesBefore: kv.Size(key, value),
		BytesAfter:  kv.Size(key, value),
	}
	if len(records) <= maxRecords {
		return result, nil
	}

	kept := selectRecent(records, maxRecords, sortBy)
	if len(keepFields) > 0 {
		kept, err = project(kept, keepFields)
		if err != nil {
			return nil, errors.Compaction(key, err)
		}
	}

	data, err := json.Marshal(kept)
	if err != nil {
		return nil, errors.Compaction(key, err)
	}
	if err := c.store.Set(key, string(data)); err != nil {
		return nil, errors.Compaction(key, err)
	}

	result.After = len(kept)
	result.BytesAfter = kv.Size(key, string(data))
	result.Rewritten = true

	logging.Info("Compacted collection",
		map[string]interface{}{
			"key":          key,
			"before":       result.Before,
			"after":        result.After,
			"bytes_before": result.BytesBefore,
			"bytes_after":  result.BytesAfter,
		})
	return result, nil
}

func selectRecent(records []json.RawMessage, n int, sortBy string) []json.RawMessage {
	if sortBy == "" {
		return append([]json.RawMessage(nil), records[len(records)-n:]...)
	}

	keys := make([]sortKey, len(records))
	for i, rec := range records {
		var obj map[string]json.RawMessage
		if json.Unmarshal(rec, &obj) == nil {
			keys[i] = parseSortKey(obj[sortBy])
		}
	}

	order := make([]int, len(records))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return keys[order[a]].newer(keys[order[b]])
	})

	kept := make([]json.RawMessage, n)
	for i := 0; i < n; i++ {
		kept[i] = records[order[i]]
	}
	return kept
}

func project(records []json.RawMessage, fields []string) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(records))
	for i, rec := range records {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(rec, &obj); err != nil {
			out[i] = rec
			continue
		}
		reduced := make(map[string]json.RawMessage, len(fields))
		for _, f := range fields {
			if v, ok := obj[f]; ok {
				reduced[f] = v
			}
		}
		data, err := json.Marshal(reduced)
		if err != nil {
			return nil, err
		}
		out[i] = data
	}
	return out, nil
}

// EmergencyCleanup removes the broader disposable set, applies every
// compaction rule and re-measures usage. A failing collection is recorded
// in the report and does not stop the rest. If usage is still above the
// migration threshold a warning event recommends a larger medium.
func (c *Compactor) EmergencyCleanup() *CleanupReport {
	report := &CleanupReport{Failures: make(map[string]string)}
	if c.meter != nil {
		report.UsageBefore = c.meter.UsageInfo()
	}

	candidates := append(append([]string(nil), c.config.DisposableKeys...), c.config.EmergencyKeys...)
	candidates = append(candidates, c.prefixedKeys()...)
	report.DisposableReclaimed, report.RemovedKeys = c.removeKeys(candidates)

	for _, rule := range c.config.Rules {
		res, err := c.CompactCollection(rule.Key, rule.MaxRecords, rule.SortBy, rule.KeepFields)
		if err != nil {
			logging.ErrorWithCode("Failed to compact collection", string(errors.ErrCompactionFailed), err,
				map[string]interface{}{"key": rule.Key})
			report.Failures[rule.Key] = err.Error()
			continue
		}
		report.Compacted = append(report.Compacted, *res)
	}

	if c.meter != nil {
		report.UsageAfter = c.meter.UsageInfo()
		if report.UsageAfter.UsagePercentage > c.config.MigrationThreshold {
			report.MigrationRecommended = true
			c.bus.Publish(events.Event{
				Topic:   events.TopicStorage,
				Type:    events.TypeWarning,
				Message: "Storage is almost full even after cleanup. Consider moving data to a larger storage medium.",
				Data: map[string]interface{}{
					"usagePercentage": report.UsageAfter.UsagePercentage,
				},
			})
		}
	}

	logging.Info("Emergency cleanup finished",
		map[string]interface{}{
			"removed_keys":          len(report.RemovedKeys),
			"disposable_reclaimed":  report.DisposableReclaimed,
			"compacted":             len(report.Compacted),
			"failures":              len(report.Failures),
			"usage_before":          report.UsageBefore.UsagePercentage,
			"usage_after":           report.UsageAfter.UsagePercentage,
			"migration_recommended": report.MigrationRecommended,
		})
	return report
}

func (c *Compactor) prefixedKeys() []string {
	if len(c.config.EmergencyPrefixes) == 0 {
		return nil
	}
	keys, err := c.store.Keys()
	if err != nil {
		logging.Warn("Failed to list keys for cleanup", map[string]interface{}{"error": err.Error()})
		return nil
	}

	var out []string
	for _, k := range keys {
		for _, p := range c.config.EmergencyPrefixes {
			if strings.HasPrefix(k, p) {
				out = append(out, k)
				break
			}
		}
	}
	return out
}
