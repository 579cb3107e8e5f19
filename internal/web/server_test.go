package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/karoo-obs/katcp-exporter/internal/bridge"
	"github.com/karoo-obs/katcp-exporter/internal/config"
	"github.com/karoo-obs/katcp-exporter/internal/katcp"
)

func newTestServer(t *testing.T, b *bridge.Bridge) *httptest.Server {
	t.Helper()
	s := New(config.MetricsConfig{Port: 0}, b)
	ts := httptest.NewServer(s.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

// TestHealthz verifies the liveness payload reflects bridge state.
func TestHealthz(t *testing.T) {
	b := bridge.New(false, nil)
	b.SensorAdded("foo", "A sensor", "", "integer", nil)
	b.SyncStateChanged(katcp.Syncing)

	ts := newTestServer(t, b)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		SyncState string `json:"sync_state"`
		Sensors   int    `json:"sensors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "syncing", body.SyncState)
	assert.Equal(t, 1, body.Sensors)
}

// TestMetricsEndpoint verifies /metrics serves the exposition format.
func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, bridge.New(false, nil))

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

// TestRecovery verifies a panicking handler yields 500, not a dropped
// connection.
func TestRecovery(t *testing.T) {
	h := withRecovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	ts := httptest.NewServer(h)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
