package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/resource"
)

func TestCollectorCounts(t *testing.T) {
	c := New("")

	c.Bind(nil)
	c.Bind(nil)
	c.Bind(errors.New("no driver"))
	c.Hotplug(device.BusUSB, "arrival")
	c.ScanFailure(device.BusI2C)
	c.Cleanup(resource.CleanupStats{Cleaned: 3, BytesReclaimed: 4096, Failures: 1})
	c.ModuleLoad(3*time.Millisecond, nil)
	c.ErrorReported("TIMEOUT")
	c.RecoveryAttempt("RETRY", "FAILED")
	c.Isolated()

	assert.Equal(t, 2.0, testutil.ToFloat64(c.binds.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.binds.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.hotplugEvents.WithLabelValues("USB", "arrival")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.scanFailures.WithLabelValues("I2C")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(c.bytesReclaimed))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cleanupFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.moduleLoads.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.errorsReported.WithLabelValues("TIMEOUT")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.recoveryAttempts.WithLabelValues("RETRY", "FAILED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.isolations))
}

func TestSetDevices(t *testing.T) {
	c := New("test")
	c.SetDevices([]device.Device{
		{ID: "usb:1-1", State: device.StateReady},
		{ID: "usb:1-2", State: device.StateReady},
		{ID: "pci:0000:00:1f.2", State: device.StateError},
	})
	c.SetDevices([]device.Device{{ID: "usb:1-1", State: device.StateReady}})

	assert.Equal(t, 1.0, testutil.ToFloat64(c.devices.WithLabelValues("READY")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.devices.WithLabelValues("ERROR")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New("drvkit")
	c.Resources(resource.Stats{Live: 7}, 2)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "drvkit_resources_live 7")
	assert.Contains(t, body, "drvkit_resources_leaks 2")

	n, err := testutil.GatherAndCount(c.Registry(), "drvkit_resources_live")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = testutil.GatherAndCompare(c.Registry(), strings.NewReader(`
# HELP drvkit_resources_leaks Resources flagged by the last leak scan.
# TYPE drvkit_resources_leaks gauge
drvkit_resources_leaks 2
`), "drvkit_resources_leaks")
	assert.NoError(t, err)
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.Bind(nil)
	c.SetDevices(nil)
	c.Cleanup(resource.CleanupStats{})
	c.Isolated()
}
