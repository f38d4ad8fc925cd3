package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WorkspacesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vm_workspaces_total",
			Help: "Total number of workspaces by provider and status",
		},
		[]string{"provider", "status"},
	)

	SharedServicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vm_shared_services_total",
			Help: "Total number of running shared services by kind",
		},
		[]string{"kind"},
	)

	PortRangesInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vm_port_ranges_in_use",
			Help: "Number of host port ranges currently reserved",
		},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vm_api_requests_total",
			Help: "Total number of HTTP API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vm_api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	ProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vm_provision_duration_seconds",
			Help:    "Time taken to provision a workspace, by provider",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"provider"},
	)

	ProvisionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vm_provision_failures_total",
			Help: "Total number of failed workspace provisioning attempts",
		},
		[]string{"provider"},
	)

	ProvisionerCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vm_provisioner_cycle_duration_seconds",
			Help:    "Time taken for one provisioner poll cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProvisionerCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vm_provisioner_cycles_total",
			Help: "Total number of provisioner poll cycles completed",
		},
	)

	SnapshotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vm_snapshot_duration_seconds",
			Help:    "Time taken to capture or restore a snapshot in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"operation"},
	)

	SnapshotBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vm_snapshot_bytes_total",
			Help: "Total bytes written to or read from snapshot archives",
		},
		[]string{"operation"},
	)
)

func init() {
	prometheus.MustRegister(WorkspacesTotal)
	prometheus.MustRegister(SharedServicesTotal)
	prometheus.MustRegister(PortRangesInUse)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(ProvisionDuration)
	prometheus.MustRegister(ProvisionFailuresTotal)
	prometheus.MustRegister(ProvisionerCycleDuration)
	prometheus.MustRegister(ProvisionerCyclesTotal)
	prometheus.MustRegister(SnapshotDuration)
	prometheus.MustRegister(SnapshotBytesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
