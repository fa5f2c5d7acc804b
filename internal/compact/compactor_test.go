package compact

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omarels/haaq/backend/internal/errors"
	"github.com/omarels/haaq/backend/internal/events"
	"github.com/omarels/haaq/backend/internal/kv"
	"github.com/omarels/haaq/backend/internal/models"
	"github.com/omarels/haaq/backend/internal/quota"
)

type fixedMeter struct {
	infos []models.UsageInfo
	calls int
}

func (m *fixedMeter) UsageInfo() models.UsageInfo {
	info := m.infos[min(m.calls, len(m.infos)-1)]
	m.calls++
	return info
}

type record map[string]interface{}

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func readRecords(t *testing.T, s kv.Store, key string) []record {
	t.Helper()
	value, err := s.Get(key)
	require.NoError(t, err)
	var out []record
	require.NoError(t, json.Unmarshal([]byte(value), &out))
	return out
}

func ids(records []record) []float64 {
	out := make([]float64, len(records))
	for i, r := range records {
		out[i] = r["id"].(float64)
	}
	return out
}

func TestCleanupDisposable_idempotent(t *testing.T) {
	store := kv.NewMemoryStore(0)
	require.NoError(t, store.Set("searchCache", strings.Repeat("s", 100)))
	require.NoError(t, store.Set("debugLogs", "log"))
	require.NoError(t, store.Set("beneficiaries", "[]"))

	c := NewCompactor(store, nil, nil, nil)

	first := c.CleanupDisposable()
	assert.Equal(t, kv.Size("searchCache", strings.Repeat("s", 100))+kv.Size("debugLogs", "log"), first)
	assert.Equal(t, int64(0), c.CleanupDisposable(), "second run reclaims nothing")

	_, err := store.Get("beneficiaries")
	assert.NoError(t, err, "data collections are not disposable")
}

func TestCleanupDisposable_neverTouchesEssentialKeys(t *testing.T) {
	store := kv.NewMemoryStore(0)
	require.NoError(t, store.Set("authToken", "secret"))
	require.NoError(t, store.Set(models.KeyDeviceID, "device_1"))

	cfg := DefaultCompactorConfig()
	cfg.DisposableKeys = append(cfg.DisposableKeys, "authToken", models.KeyDeviceID)
	c := NewCompactor(store, nil, nil, cfg)

	assert.Equal(t, int64(0), c.CleanupDisposable())
	_, err := store.Get("authToken")
	assert.NoError(t, err)
	_, err = store.Get(models.KeyDeviceID)
	assert.NoError(t, err)
}

func TestCompactCollection_withinLimitUntouched(t *testing.T) {
	store := kv.NewMemoryStore(0)
	original := `[ {"id": 2}, {"id": 1} ]`
	require.NoError(t, store.Set("volunteers", original))

	res, err := NewCompactor(store, nil, nil, nil).CompactCollection("volunteers", 2, "createdAt", []string{"id"})
	require.NoError(t, err)

	assert.False(t, res.Rewritten)
	assert.Equal(t, 2, res.After)
	got, _ := store.Get("volunteers")
	assert.Equal(t, original, got, "value must not be rewritten")
}

func TestCompactCollection_sortsByDateDescending(t *testing.T) {
	store := kv.NewMemoryStore(0)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	var records []record
	for i := 0; i < 10; i++ {
		records = append(records, record{"id": i, "createdAt": base.Add(time.Duration(i) * time.Hour).Format(time.RFC3339)})
	}
	// Out-of-order input.
	records[0], records[9] = records[9], records[0]
	require.NoError(t, store.Set("beneficiaries", mustJSON(t, records)))

	res, err := NewCompactor(store, nil, nil, nil).CompactCollection("beneficiaries", 3, "createdAt", nil)
	require.NoError(t, err)

	assert.True(t, res.Rewritten)
	assert.Equal(t, 10, res.Before)
	assert.Equal(t, 3, res.After)
	assert.Less(t, res.BytesAfter, res.BytesBefore)
	assert.Equal(t, []float64{9, 8, 7}, ids(readRecords(t, store, "beneficiaries")))
}

func TestCompactCollection_mixedDateFormats(t *testing.T) {
	store := kv.NewMemoryStore(0)
	recent := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	records := []record{
		{"id": 1, "date": "2023-05-01"},
		{"id": 2, "date": recent.UnixMilli()},
		{"id": 3},
		{"id": 4, "date": "2024-12-31T23:00:00Z"},
		{"id": 5, "date": nil},
	}
	require.NoError(t, store.Set("transactions", mustJSON(t, records)))

	_, err := NewCompactor(store, nil, nil, nil).CompactCollection("transactions", 3, "date", nil)
	require.NoError(t, err)

	assert.Equal(t, []float64{2, 4, 1}, ids(readRecords(t, store, "transactions")),
		"missing values sort as oldest")
}

func TestCompactCollection_stableForEqualKeys(t *testing.T) {
	store := kv.NewMemoryStore(0)
	records := []record{
		{"id": 1, "createdAt": "2024-01-01"},
		{"id": 2, "createdAt": "2024-01-02"},
		{"id": 3, "createdAt": "2024-01-02"},
		{"id": 4, "createdAt": "2024-01-02"},
	}
	require.NoError(t, store.Set("notifications", mustJSON(t, records)))

	_, err := NewCompactor(store, nil, nil, nil).CompactCollection("notifications", 2, "createdAt", nil)
	require.NoError(t, err)

	assert.Equal(t, []float64{2, 3}, ids(readRecords(t, store, "notifications")))
}

func TestCompactCollection_noSortKeepsTail(t *testing.T) {
	store := kv.NewMemoryStore(0)
	require.NoError(t, store.Set("activity", `[{"id":1},{"id":2},{"id":3},{"id":4}]`))

	_, err := NewCompactor(store, nil, nil, nil).CompactCollection("activity", 2, "", nil)
	require.NoError(t, err)

	assert.Equal(t, []float64{3, 4}, ids(readRecords(t, store, "activity")))
}

func TestCompactCollection_projectsFields(t *testing.T) {
	store := kv.NewMemoryStore(0)
	records := []record{
		{"id": 1, "createdAt": "2024-01-01", "notes": strings.Repeat("n", 200), "name": "a"},
		{"id": 2, "createdAt": "2024-01-02", "notes": strings.Repeat("n", 200), "name": "b"},
	}
	require.NoError(t, store.Set("beneficiaries", mustJSON(t, records)))

	_, err := NewCompactor(store, nil, nil, nil).CompactCollection("beneficiaries", 1, "createdAt", []string{"id", "name"})
	require.NoError(t, err)

	got := readRecords(t, store, "beneficiaries")
	require.Len(t, got, 1)
	assert.Equal(t, record{"id": float64(2), "name": "b"}, got[0])
}

func TestCompactCollection_errors(t *testing.T) {
	store := kv.NewMemoryStore(0)
	require.NoError(t, store.Set("transactions", `{not json`))
	c := NewCompactor(store, nil, nil, nil)

	_, err := c.CompactCollection("transactions", 10, "date", nil)
	assert.True(t, errors.Is(err, errors.ErrCompactionFailed))

	_, err = c.CompactCollection("authToken", 10, "", nil)
	assert.True(t, errors.Is(err, errors.ErrEssentialKey))

	_, err = c.CompactCollection(models.KeyPendingChanges, 10, "", nil)
	assert.True(t, errors.Is(err, errors.ErrEssentialKey))

	res, err := c.CompactCollection("missing", 10, "", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Before)
}

// TestEmergencyCleanup_scenario runs a full cleanup on a medium at about 92%.
func TestEmergencyCleanup_scenario(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	beneficiaries := make([]record, 300)
	for i := range beneficiaries {
		n := i * 7 % 300
		beneficiaries[i] = record{"id": n, "name": fmt.Sprintf("person %d", n),
			"createdAt": base.Add(time.Duration(n) * time.Hour).Format(time.RFC3339)}
	}
	transactions := make([]record, 800)
	for i := range transactions {
		n := i * 3 % 800
		transactions[i] = record{"id": n, "amount": 10 + n, "date": base.AddDate(0, 0, n).Format("2006-01-02")}
	}

	seed := kv.NewMemoryStore(0)
	require.NoError(t, seed.Set("beneficiaries", mustJSON(t, beneficiaries)))
	require.NoError(t, seed.Set("transactions", mustJSON(t, transactions)))
	require.NoError(t, seed.Set("cachedReports", strings.Repeat("r", 5000)))
	require.NoError(t, seed.Set("cache_dashboard", strings.Repeat("d", 5000)))
	require.NoError(t, seed.Set("authToken", "token"))

	store := kv.NewMemoryStore(int64(float64(seed.Used()) / 0.92))
	keys, _ := seed.Keys()
	for _, k := range keys {
		v, _ := seed.Get(k)
		require.NoError(t, store.Set(k, v))
	}

	est := quota.NewEstimator(store, &quota.EstimatorConfig{
		InitialChunk: 16 * 1024, MinChunk: 16, MaxIterations: 5000, FallbackCapacity: 5 << 20,
	}, nil)
	rec := &events.Recorder{}
	bus := events.NewBus()
	bus.Subscribe(rec.Handle)

	report := NewCompactor(store, est, bus, nil).EmergencyCleanup()

	assert.InDelta(t, 92, report.UsageBefore.UsagePercentage, 1)
	assert.ElementsMatch(t, []string{"cachedReports", "cache_dashboard"}, report.RemovedKeys)
	assert.Empty(t, report.Failures)
	assert.LessOrEqual(t, report.UsageAfter.UsedBytes, report.UsageBefore.UsedBytes)
	assert.Greater(t, report.Reclaimed(), int64(0))
	assert.False(t, report.MigrationRecommended)
	assert.Empty(t, rec.OfType(events.TypeWarning))

	kept := readRecords(t, store, "beneficiaries")
	require.Len(t, kept, 50)
	for i, r := range kept {
		assert.Equal(t, float64(299-i), r["id"], "50 most recent by createdAt, newest first")
	}

	txs := readRecords(t, store, "transactions")
	require.Len(t, txs, 200)
	assert.Equal(t, float64(799), txs[0]["id"])
	assert.Equal(t, float64(600), txs[199]["id"])

	token, err := store.Get("authToken")
	require.NoError(t, err)
	assert.Equal(t, "token", token)
}

func TestEmergencyCleanup_continuesAfterFailure(t *testing.T) {
	store := kv.NewMemoryStore(0)
	require.NoError(t, store.Set("beneficiaries", `{"broken":`))
	var txs []record
	for i := 0; i < 250; i++ {
		txs = append(txs, record{"id": i, "date": fmt.Sprintf("2024-01-01T00:00:%02dZ", i%60)})
	}
	require.NoError(t, store.Set("transactions", mustJSON(t, txs)))

	report := NewCompactor(store, nil, nil, nil).EmergencyCleanup()

	assert.Contains(t, report.Failures, "beneficiaries")
	require.Len(t, report.Compacted, 2)
	assert.Equal(t, "transactions", report.Compacted[0].Key)
	assert.Equal(t, 200, report.Compacted[0].After)
	assert.Len(t, readRecords(t, store, "transactions"), 200)
}

func TestEmergencyCleanup_recommendsMigration(t *testing.T) {
	store := kv.NewMemoryStore(0)
	meter := &fixedMeter{infos: []models.UsageInfo{
		models.NewUsageInfo(980, 1000),
		models.NewUsageInfo(970, 1000),
	}}
	rec := &events.Recorder{}
	bus := events.NewBus()
	bus.Subscribe(rec.Handle)

	report := NewCompactor(store, meter, bus, nil).EmergencyCleanup()

	assert.True(t, report.MigrationRecommended)
	warnings := rec.OfType(events.TypeWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, events.TopicStorage, warnings[0].Topic)
}
