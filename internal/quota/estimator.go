// Package quota estimates how much of the storage medium is in use and how
// much capacity it has, for media that expose no quota API.
package quota

import (
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/omarels/haaq/backend/internal/errors"
	"github.com/omarels/haaq/backend/internal/kv"
	"github.com/omarels/haaq/backend/internal/logging"
	"github.com/omarels/haaq/backend/internal/models"
)

// EstimatorConfig holds capacity probe configuration.
type EstimatorConfig struct {
	InitialChunk     int           // characters per filler entry when probing starts
	MinChunk         int           // probing stops once the chunk would drop below this
	MaxIterations    int           // hard cap on filler writes per probe
	FallbackCapacity int64         // used when the probe fails unexpectedly
	MaxProbeBytes    int64         // filler bytes written per probe at most; <= 0 means 2x FallbackCapacity
	CacheTTL         time.Duration // how long a probed capacity is reused; 0 disables caching
}

// DefaultEstimatorConfig returns default estimator configuration.
func DefaultEstimatorConfig() *EstimatorConfig {
	return &EstimatorConfig{
		InitialChunk:     256 * 1024,
		MinChunk:         1024,
		MaxIterations:    2000,
		FallbackCapacity: 5 * 1024 * 1024,
		MaxProbeBytes:    10 * 1024 * 1024,
		CacheTTL:         5 * time.Minute,
	}
}

// Estimator measures usage of a kv.Store.
type Estimator struct {
	store  kv.Store
	config *EstimatorConfig
	clock  clock.Clock

	mu          sync.Mutex
	cachedTotal int64
	cachedAt    time.Time
}

// NewEstimator creates a new Estimator.
func NewEstimator(store kv.Store, config *EstimatorConfig, clk clock.Clock) *Estimator {
	if config == nil {
		config = DefaultEstimatorConfig()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Estimator{
		store:  store,
		config: config,
		clock:  clk,
	}
}

// MeasureUsed sums len(key)+len(value) over every stored entry.
func (e *Estimator) MeasureUsed() int64 {
	keys, err := e.store.Keys()
	if err != nil {
		logging.Warn("Failed to list storage keys", map[string]interface{}{"error": err.Error()})
		return 0
	}

	var used int64
	for _, key := range keys {
		used += kv.EntrySize(e.store, key)
	}
	return used
}

// ProbeTotalCapacity estimates total capacity by filling the medium with
// temporary entries until it reports quota exceeded. The result is never
// below current usage. Unexpected failures fall back to the configured
// capacity and are logged, never returned.
func (e *Estimator) ProbeTotalCapacity() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config.CacheTTL > 0 && !e.cachedAt.IsZero() && e.clock.Since(e.cachedAt) < e.config.CacheTTL {
		return max(e.cachedTotal, e.MeasureUsed())
	}

	e.removeStaleFillers()
	used := e.MeasureUsed()

	written, err := e.fill()
	if err != nil {
		fallback := max(e.config.FallbackCapacity, used)
		logging.ErrorWithCode("Storage capacity probe failed, using fallback", string(errors.ErrQuotaProbeFailed),
			errors.QuotaProbe(err),
			map[string]interface{}{
				"used_bytes":     used,
				"fallback_bytes": fallback,
			})
		return fallback
	}

	total := used + written
	e.cachedTotal = total
	e.cachedAt = e.clock.Now()

	logging.Debug("Storage capacity probed",
		map[string]interface{}{
			"used_bytes":  used,
			"total_bytes": total,
		})
	return total
}

// fill writes filler entries and returns how many bytes fit. Every filler
// is removed before it returns, including on panic.
func (e *Estimator) fill() (written int64, err error) {
	var fillers []string
	defer func() {
		for _, key := range fillers {
			if rmErr := e.store.Remove(key); rmErr != nil {
				logging.Warn("Failed to remove quota probe entry",
					map[string]interface{}{"key": key, "error": rmErr.Error()})
			}
		}
	}()

	limit := e.probeLimit()
	chunk := e.config.InitialChunk
	for i := 0; i < e.config.MaxIterations; i++ {
		if chunk < e.config.MinChunk {
			return written, nil
		}

		key := fmt.Sprintf("%s%d", models.QuotaProbePrefix, i)
		if remaining := limit - written - int64(len(key)); int64(chunk) > remaining {
			// An unlimited medium never reports quota exceeded.
			if remaining < int64(e.config.MinChunk) {
				return written, nil
			}
			chunk = int(remaining)
		}
		value := strings.Repeat("0", chunk)

		setErr := e.store.Set(key, value)
		switch {
		case setErr == nil:
			fillers = append(fillers, key)
			written += kv.Size(key, value)
		case stderrors.Is(setErr, kv.ErrQuotaExceeded):
			chunk /= 2
		default:
			return 0, setErr
		}
	}

	logging.Warn("Storage capacity probe hit iteration cap",
		map[string]interface{}{"iterations": e.config.MaxIterations, "written_bytes": written})
	return written, nil
}

// probeLimit returns the most filler bytes one probe may write. Reaching it
// reports the limit as available capacity.
func (e *Estimator) probeLimit() int64 {
	if e.config.MaxProbeBytes > 0 {
		return e.config.MaxProbeBytes
	}
	return 2 * e.config.FallbackCapacity
}

// removeStaleFillers clears probe entries left behind by an interrupted
// process.
func (e *Estimator) removeStaleFillers() {
	stale, err := kv.KeysWithPrefix(e.store, models.QuotaProbePrefix)
	if err != nil {
		return
	}
	for _, key := range stale {
		_ = e.store.Remove(key)
	}
}

// Invalidate drops the cached capacity so the next call probes again.
func (e *Estimator) Invalidate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cachedAt = time.Time{}
}

// UsageInfo measures usage and capacity and combines them.
func (e *Estimator) UsageInfo() models.UsageInfo {
	total := e.ProbeTotalCapacity()
	used := e.MeasureUsed()
	return models.NewUsageInfo(used, total)
}
