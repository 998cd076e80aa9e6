// Package metrics exposes driver manager activity as Prometheus metrics.
//
// All Collector methods are safe on a nil receiver, so components can hold
// an optional collector without checks.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drvkit/drvkit-go/pkg/device"
	"github.com/drvkit/drvkit-go/pkg/resource"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "drvkit"

// Collector holds the driver manager metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	devices          *prometheus.GaugeVec
	binds            *prometheus.CounterVec
	hotplugEvents    *prometheus.CounterVec
	scanFailures     *prometheus.CounterVec
	resourcesLive    prometheus.Gauge
	bytesReclaimed   prometheus.Counter
	cleanupFailures  prometheus.Counter
	leaks            prometheus.Gauge
	moduleLoads      *prometheus.CounterVec
	moduleLoadTime   prometheus.Histogram
	errorsReported   *prometheus.CounterVec
	recoveryAttempts *prometheus.CounterVec
	isolations       prometheus.Counter
}

// New creates a collector. An empty namespace uses DefaultNamespace.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	c := &Collector{
		registry: prometheus.NewRegistry(),
		devices: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "devices",
			Help: "Devices by lifecycle state.",
		}, []string{"state"}),
		binds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "binds_total",
			Help: "Bind attempts by result.",
		}, []string{"result"}),
		hotplugEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hotplug", Name: "events_total",
			Help: "Hot-plug arrivals and removals by bus.",
		}, []string{"bus", "kind"}),
		scanFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "hotplug", Name: "scan_failures_total",
			Help: "Failed or timed-out bus scans.",
		}, []string{"bus"}),
		resourcesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "resources", Name: "live",
			Help: "Tracked resources with a positive reference count.",
		}),
		bytesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resources", Name: "reclaimed_bytes_total",
			Help: "Bytes reclaimed by cleanup.",
		}),
		cleanupFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resources", Name: "cleanup_failures_total",
			Help: "Cleanup callbacks that failed or panicked.",
		}),
		leaks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "resources", Name: "leaks",
			Help: "Resources flagged by the last leak scan.",
		}),
		moduleLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "modules", Name: "loads_total",
			Help: "Module loads by result.",
		}, []string{"result"}),
		moduleLoadTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "modules", Name: "load_seconds",
			Help:    "Module load duration including dependencies.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		errorsReported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recovery", Name: "errors_total",
			Help: "Reported device errors by category.",
		}, []string{"category"}),
		recoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recovery", Name: "attempts_total",
			Help: "Recovery attempts by strategy and outcome.",
		}, []string{"strategy", "outcome"}),
		isolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "recovery", Name: "isolations_total",
			Help: "Devices isolated after exhausted recovery.",
		}),
	}
	c.registry.MustRegister(
		c.devices, c.binds, c.hotplugEvents, c.scanFailures,
		c.resourcesLive, c.bytesReclaimed, c.cleanupFailures, c.leaks,
		c.moduleLoads, c.moduleLoadTime,
		c.errorsReported, c.recoveryAttempts, c.isolations,
	)
	return c
}

// Registry returns the registry holding the metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// SetDevices replaces the per-state device gauge from a device snapshot.
func (c *Collector) SetDevices(devs []device.Device) {
	if c == nil {
		return
	}
	counts := make(map[device.State]int)
	for _, d := range devs {
		counts[d.State]++
	}
	for s := device.StateDiscovered; s <= device.StateRemoved; s++ {
		c.devices.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// Bind counts a bind attempt.
func (c *Collector) Bind(err error) {
	if c == nil {
		return
	}
	c.binds.WithLabelValues(result(err)).Inc()
}

// Hotplug counts an arrival or removal.
func (c *Collector) Hotplug(bus device.BusKind, kind string) {
	if c == nil {
		return
	}
	c.hotplugEvents.WithLabelValues(bus.String(), kind).Inc()
}

// ScanFailure counts a failed bus scan.
func (c *Collector) ScanFailure(bus device.BusKind) {
	if c == nil {
		return
	}
	c.scanFailures.WithLabelValues(bus.String()).Inc()
}

// Cleanup records cleanup statistics.
func (c *Collector) Cleanup(stats resource.CleanupStats) {
	if c == nil {
		return
	}
	c.bytesReclaimed.Add(float64(stats.BytesReclaimed))
	c.cleanupFailures.Add(float64(stats.Failures))
}

// Resources records the live resource count and the last leak scan.
func (c *Collector) Resources(stats resource.Stats, leaks int) {
	if c == nil {
		return
	}
	c.resourcesLive.Set(float64(stats.Live))
	c.leaks.Set(float64(leaks))
}

// ModuleLoad records a module load.
func (c *Collector) ModuleLoad(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.moduleLoads.WithLabelValues(result(err)).Inc()
	c.moduleLoadTime.Observe(d.Seconds())
}

// ErrorReported counts a reported error.
func (c *Collector) ErrorReported(category string) {
	if c == nil {
		return
	}
	c.errorsReported.WithLabelValues(category).Inc()
}

// RecoveryAttempt counts a recovery attempt.
func (c *Collector) RecoveryAttempt(strategy, outcome string) {
	if c == nil {
		return
	}
	c.recoveryAttempts.WithLabelValues(strategy, outcome).Inc()
}

// Isolated counts an isolation.
func (c *Collector) Isolated() {
	if c == nil {
		return
	}
	c.isolations.Inc()
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
