package bridge_test

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karoo-obs/katcp-exporter/internal/bridge"
	"github.com/karoo-obs/katcp-exporter/internal/katcp"
)

// records returns the synced snapshot as a name-to-value map.
func records(t *testing.T, b *bridge.Bridge) map[string]float64 {
	t.Helper()
	b.SyncStateChanged(katcp.Synced)
	_, recs := b.Snapshot()
	out := make(map[string]float64, len(recs))
	for _, r := range recs {
		out[r.Name] = r.Value
	}
	return out
}

// TestBridge_NumericTypes verifies pass-through translation for integer,
// float, timestamp, and boolean sensors.
func TestBridge_NumericTypes(t *testing.T) {
	b := bridge.New(false, nil)

	b.SensorAdded("foo_int", "A sensor", "F", "integer", nil)
	b.SensorUpdated("foo_int", []byte("2"), katcp.StatusWarn, 123456790.0)
	assert.Equal(t, 2.0, records(t, b)["foo_int"])

	b.SensorUpdated("foo_int", []byte("3"), katcp.StatusWarn, 123456790.0)
	assert.Equal(t, 3.0, records(t, b)["foo_int"])

	b.SensorAdded("foo_float", "A sensor", "F", "float", nil)
	b.SensorUpdated("foo_float", []byte("2.5"), katcp.StatusNominal, 123456790.0)
	assert.Equal(t, 2.5, records(t, b)["foo_float"])

	b.SensorAdded("foo_time", "A sensor", "F", "timestamp", nil)
	b.SensorUpdated("foo_time", []byte("1564985117.871126"), katcp.StatusNominal, 123456790.0)
	assert.Equal(t, 1564985117.871126, records(t, b)["foo_time"])

	b.SensorAdded("foo_bool", "A sensor", "F", "boolean", nil)
	b.SensorUpdated("foo_bool", []byte("1"), katcp.StatusNominal, 123456790.0)
	assert.Equal(t, 1.0, records(t, b)["foo_bool"])
	b.SensorUpdated("foo_bool", []byte("0"), katcp.StatusNominal, 123456790.0)
	assert.Equal(t, 0.0, records(t, b)["foo_bool"])
}

// TestBridge_DiscreteIndexing verifies that discrete values translate to
// their fixed option index regardless of update order.
func TestBridge_DiscreteIndexing(t *testing.T) {
	b := bridge.New(false, nil)
	b.SensorAdded("foo_disc", "A sensor", "", "discrete",
		[][]byte{[]byte("ok"), []byte("degraded"), []byte("fail")})

	b.SensorUpdated("foo_disc", []byte("fail"), katcp.StatusError, 123456790.0)
	assert.Equal(t, 2.0, records(t, b)["foo_disc"])

	b.SensorUpdated("foo_disc", []byte("ok"), katcp.StatusNominal, 123456790.0)
	assert.Equal(t, 0.0, records(t, b)["foo_disc"])

	b.SensorUpdated("foo_disc", []byte("degraded"), katcp.StatusWarn, 123456790.0)
	assert.Equal(t, 1.0, records(t, b)["foo_disc"])

	// Repeating a value keeps its index.
	b.SensorUpdated("foo_disc", []byte("degraded"), katcp.StatusWarn, 123456791.0)
	assert.Equal(t, 1.0, records(t, b)["foo_disc"])
}

// TestBridge_WorkaroundDisabled verifies string/address sensors are tracked
// but never exported when interning is off.
func TestBridge_WorkaroundDisabled(t *testing.T) {
	b := bridge.New(false, nil)

	b.SensorAdded("foo_addr", "A sensor", "", "address", nil)
	b.SensorUpdated("foo_addr", []byte("1.2.3.4"), katcp.StatusNominal, 123456790.0)

	b.SensorAdded("foo_string", "A sensor", "", "string", nil)
	b.SensorUpdated("foo_string", []byte("a string"), katcp.StatusNominal, 123456790.0)

	assert.Equal(t, 2, b.SensorCount())
	recs := records(t, b)
	assert.NotContains(t, recs, "foo_addr")
	assert.NotContains(t, recs, "foo_string")
	assert.Empty(t, recs)
}

// TestBridge_StringInterning verifies first-appearance indexing with the
// workaround enabled: the Nth distinct value reads back as N.
func TestBridge_StringInterning(t *testing.T) {
	b := bridge.New(true, nil)
	b.SensorAdded("foo_string", "A sensor", "", "string", nil)

	for i, v := range []string{"a", "b", "c", "d"} {
		b.SensorUpdated("foo_string", []byte(v), katcp.StatusNominal, 123456790.0)
		assert.Equal(t, float64(i), records(t, b)["foo_string"])
	}

	// Re-seeing an old value returns its original index, not a new one.
	b.SensorUpdated("foo_string", []byte("b"), katcp.StatusNominal, 123456791.0)
	assert.Equal(t, 1.0, records(t, b)["foo_string"])
	b.SensorUpdated("foo_string", []byte("d"), katcp.StatusNominal, 123456792.0)
	assert.Equal(t, 3.0, records(t, b)["foo_string"])
}

// TestBridge_AddressInterning verifies address sensors intern like strings.
func TestBridge_AddressInterning(t *testing.T) {
	b := bridge.New(true, nil)
	b.SensorAdded("foo_addr", "A sensor", "", "address", nil)

	b.SensorUpdated("foo_addr", []byte("1.2.3.4"), katcp.StatusNominal, 123456790.0)
	assert.Equal(t, 0.0, records(t, b)["foo_addr"])

	b.SensorUpdated("foo_addr", []byte("5.6.7.8"), katcp.StatusNominal, 123456791.0)
	assert.Equal(t, 1.0, records(t, b)["foo_addr"])
}

// TestBridge_Removal verifies removal drops the sensor and its metric, and
// that a later update for the gone name is a no-op.
func TestBridge_Removal(t *testing.T) {
	b := bridge.New(true, nil)

	b.SensorAdded("foo_int", "A sensor", "F", "integer", nil)
	b.SensorUpdated("foo_int", []byte("2"), katcp.StatusNominal, 123456790.0)
	require.Contains(t, records(t, b), "foo_int")

	b.SensorRemoved("foo_int")
	assert.Equal(t, 0, b.SensorCount())
	assert.NotContains(t, records(t, b), "foo_int")

	// Update after removal must not resurrect anything.
	b.SensorUpdated("foo_int", []byte("3"), katcp.StatusNominal, 123456791.0)
	assert.Equal(t, 0, b.SensorCount())
	assert.NotContains(t, records(t, b), "foo_int")
}

// TestBridge_UpdateBeforeAdd verifies update-before-add is tolerated.
func TestBridge_UpdateBeforeAdd(t *testing.T) {
	b := bridge.New(false, nil)

	b.SensorUpdated("never.seen", []byte("1"), katcp.StatusNominal, 123456790.0)
	assert.Equal(t, 0, b.SensorCount())

	b.SensorRemoved("never.seen")
	assert.Equal(t, 0, b.SensorCount())
}

// TestBridge_DuplicateAddRejected verifies a duplicate add keeps the
// existing definition untouched.
func TestBridge_DuplicateAddRejected(t *testing.T) {
	b := bridge.New(false, nil)

	b.SensorAdded("foo_int", "original", "F", "integer", nil)
	b.SensorUpdated("foo_int", []byte("5"), katcp.StatusNominal, 123456790.0)

	b.SensorAdded("foo_int", "impostor", "F", "float", nil)
	assert.Equal(t, 1, b.SensorCount())
	assert.Equal(t, 5.0, records(t, b)["foo_int"])

	_, recs := b.Snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, "original", recs[0].Help)
}

// TestBridge_UnknownType verifies sensors of unknown type are ignored.
func TestBridge_UnknownType(t *testing.T) {
	b := bridge.New(false, nil)
	b.SensorAdded("foo_lex", "A sensor", "", "lexicographic", nil)
	assert.Equal(t, 0, b.SensorCount())
}

// TestBridge_Suppression verifies the snapshot is empty whenever the
// connection is not fully synced, however many sensors exist.
func TestBridge_Suppression(t *testing.T) {
	b := bridge.New(false, nil)
	b.SensorAdded("foo_int", "A sensor", "F", "integer", nil)
	b.SensorAdded("foo_bool", "A sensor", "F", "boolean", nil)
	b.SensorUpdated("foo_int", []byte("2"), katcp.StatusNominal, 123456790.0)

	for _, state := range []katcp.SyncState{katcp.Disconnected, katcp.Syncing} {
		b.SyncStateChanged(state)
		got, recs := b.Snapshot()
		assert.Equal(t, state, got)
		assert.Empty(t, recs)
	}

	b.SyncStateChanged(katcp.Synced)
	_, recs := b.Snapshot()
	assert.Len(t, recs, 2)
}

// TestBridge_ConcurrentScrapes hammers Snapshot while updates and sensor
// churn run on other goroutines. Run under the race detector this pins the
// locking contract: every snapshot must observe only complete mutations, so
// an interned value read back from a snapshot is always a valid table index.
func TestBridge_ConcurrentScrapes(t *testing.T) {
	const distinct = 97

	b := bridge.New(true, nil)
	b.SensorAdded("foo_string", "A sensor", "", "string", nil)
	b.SensorUpdated("foo_string", []byte("0"), katcp.StatusNominal, 0)
	b.SyncStateChanged(katcp.Synced)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 5000; i++ {
			v := strconv.Itoa(i % distinct)
			b.SensorUpdated("foo_string", []byte(v), katcp.StatusNominal, float64(i))
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			name := "churn" + strconv.Itoa(i%8)
			b.SensorAdded(name, "A sensor", "F", "integer", nil)
			b.SensorUpdated(name, []byte("1"), katcp.StatusNominal, float64(i))
			b.SensorRemoved(name)
		}
	}()

	for i := 0; i < 5000; i++ {
		state, recs := b.Snapshot()
		require.Equal(t, katcp.Synced, state)
		for _, r := range recs {
			if r.Name != "foo_string" {
				continue
			}
			if r.Value < 0 || r.Value >= distinct {
				t.Fatalf("snapshot %d: interned index %v outside table of %d values", i, r.Value, distinct)
			}
		}
	}
	wg.Wait()
}

// TestBridge_MetricNameSanitized verifies dots and dashes become
// underscores in exported names.
func TestBridge_MetricNameSanitized(t *testing.T) {
	b := bridge.New(false, nil)
	b.SensorAdded("rfe0.temp-ambient", "A sensor", "C", "float", nil)
	b.SensorUpdated("rfe0.temp-ambient", []byte("21.5"), katcp.StatusNominal, 123456790.0)

	assert.Equal(t, 21.5, records(t, b)["rfe0_temp_ambient"])
}

// TestBridge_MetricNameCollision verifies that sensors whose names sanitize
// to the same metric name yield a single record, never a duplicate that
// would fail the scrape.
func TestBridge_MetricNameCollision(t *testing.T) {
	b := bridge.New(false, nil)
	b.SensorAdded("a.b", "A sensor", "F", "integer", nil)
	b.SensorUpdated("a.b", []byte("1"), katcp.StatusNominal, 123456790.0)
	b.SensorAdded("a-b", "A sensor", "F", "integer", nil)
	b.SensorUpdated("a-b", []byte("2"), katcp.StatusNominal, 123456790.0)

	assert.Equal(t, 2, b.SensorCount())

	b.SyncStateChanged(katcp.Synced)
	_, recs := b.Snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, "a_b", recs[0].Name)
}

// TestBridge_DiscreteHelpListsOptions verifies the help text carries the
// enumeration so an operator can decode the index.
func TestBridge_DiscreteHelpListsOptions(t *testing.T) {
	b := bridge.New(false, nil)
	b.SensorAdded("foo_disc", "Device mode", "", "discrete",
		[][]byte{[]byte("ok"), []byte("degraded"), []byte("fail")})

	b.SyncStateChanged(katcp.Synced)
	_, recs := b.Snapshot()
	require.Len(t, recs, 1)
	assert.Equal(t, "Device mode, enum values: [ok degraded fail]", recs[0].Help)
}
