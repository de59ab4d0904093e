package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hidtestorch/internal/device"
	"hidtestorch/internal/monitor"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	registry := device.NewRegistry(10 * time.Millisecond)
	bus := monitor.New(100, false, time.Minute, time.Minute, monitor.Normal)
	t.Cleanup(func() { bus.Stop(time.Second) })

	s := New(registry, bus, 0)
	ts := httptest.NewServer(s.httpSrv.Handler)
	t.Cleanup(ts.Close)
	return s, ts
}

func TestHandleHealth_ReportsZeroDevicesWithNoDiscovery(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 0, body.DeviceCount)
}

func TestHandleDevices_ReturnsEmptyListBeforeDiscovery(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/devices")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Devices []deviceView `json:"devices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Empty(t, body.Devices)
}

func TestHandleDeviceProgress_UnknownSerialReturns404(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/progress/unknown-serial")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
