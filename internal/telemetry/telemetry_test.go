package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omarels/haaq/backend/internal/models"
)

func TestMetrics_RecordUsage(t *testing.T) {
	m := New()
	m.RecordUsage(models.NewUsageInfo(900, 1000))

	assert.Equal(t, float64(900), testutil.ToFloat64(m.usedBytes))
	assert.Equal(t, float64(1000), testutil.ToFloat64(m.totalBytes))
	assert.Equal(t, float64(90), testutil.ToFloat64(m.usagePct))
}

func TestMetrics_RecordDrain(t *testing.T) {
	m := New()
	m.RecordDrain(DrainSuccess, 3, 150*time.Millisecond)
	m.RecordDrain(DrainFailed, 2, time.Second)
	m.RecordDrain(DrainFailed, 2, time.Second)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.drains.WithLabelValues(DrainSuccess)))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.drains.WithLabelValues(DrainFailed)))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.drainedKeys), "failed drains upload nothing")
}

func TestMetrics_RecordCleanupAndMerge(t *testing.T) {
	m := New()
	m.RecordCleanup(TierEmergency, 4096)
	m.RecordCleanup(TierDisposable, 0)
	m.RecordMerge(MergeApplied)

	assert.Equal(t, float64(4096), testutil.ToFloat64(m.bytesReclaimed.WithLabelValues(TierEmergency)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.cleanups.WithLabelValues(TierDisposable)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.merges.WithLabelValues(MergeApplied)))

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestMetrics_nilReceiver(t *testing.T) {
	var m *Metrics
	m.RecordUsage(models.NewUsageInfo(1, 2))
	m.RecordDrain(DrainSuccess, 1, time.Millisecond)
	m.RecordMerge(MergeFailed)
	m.RecordCleanup(TierDisposable, 10)
	assert.Nil(t, m.Registry())
}
