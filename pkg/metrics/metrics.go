// Package metrics registers the Prometheus collectors for fleetwatch.
// Import this package anywhere in the binary to ensure collectors are
// registered with the default registry before promhttp.Handler is called.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CheckDuration is a histogram of wall-clock health-check time per check
	// type. Buckets span 10ms to ~5.5min: the dummy probe sleeps for seconds
	// and the statistical probe is a directory scan.
	CheckDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetwatch_check_duration_seconds",
			Help:    "Wall-clock duration of a single device health check.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		},
		[]string{"type"},
	)

	// DeviceStatus is the last status written for each device:
	// 0 Healthy, 1 Checking, 2 Unhealthy.
	DeviceStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetwatch_device_status",
			Help: "Current device status (0 healthy, 1 checking, 2 unhealthy).",
		},
		[]string{"node", "gpu"},
	)

	// ChecksTotal counts completed checks by outcome.
	//
	// Observed outcome values:
	//   healthy      probe passed
	//   unhealthy    probe failed
	//   aborted      context cancelled, status rolled back
	//   error        probe returned an error, device marked unhealthy
	ChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_checks_total",
			Help: "Total device health checks, by outcome.",
		},
		[]string{"outcome"},
	)

	// OutlierMetricsTotal counts metrics flagged beyond the outlier sigma.
	OutlierMetricsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_outlier_metrics_total",
			Help: "Benchmark metrics flagged as 3 sigma outliers, by metric name.",
		},
		[]string{"metric"},
	)

	// UnhealthyMetricsTotal counts metrics flagged beyond the unhealthy sigma.
	UnhealthyMetricsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_unhealthy_metrics_total",
			Help: "Benchmark metrics flagged beyond 5 sigma, by metric name.",
		},
		[]string{"metric"},
	)

	// StatusReadRetries counts status reads that saw a malformed value and
	// had to retry. A steady non-zero rate means a writer is not publishing
	// atomically.
	StatusReadRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_status_read_retries_total",
			Help: "Status file reads retried after a malformed value.",
		},
	)

	// SkippedDocuments counts documents skipped during store scans because
	// they were unreadable or carried no parseable timestamp.
	SkippedDocuments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_skipped_documents_total",
			Help: "Documents skipped during collection scans.",
		},
	)

	// TopologyMismatches counts scans aborted because the on-disk layout
	// disagreed with the configured fleet topology.
	TopologyMismatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_topology_mismatch_total",
			Help: "Health-check scans aborted on a fleet topology mismatch, by scope.",
		},
		[]string{"scope"},
	)

	// StaleChecksReaped counts Checking statuses reverted to Unhealthy after
	// exceeding the maximum check age.
	StaleChecksReaped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_stale_checks_reaped_total",
			Help: "Devices left in Checking past the maximum age and reverted to Unhealthy.",
		},
	)

	// NodeQuarantines counts taint changes made by the Kubernetes syncer.
	//
	// Observed action values:
	//   tainted   a node gained the quarantine taint
	//   updated   the set of unhealthy devices on a tainted node changed
	//   cleared   the taint was removed after every device read Healthy
	NodeQuarantines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_node_quarantine_total",
			Help: "Quarantine taint changes applied to Kubernetes nodes, by action.",
		},
		[]string{"action"},
	)

	// StreamClients is the number of connected status stream clients.
	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_stream_clients",
			Help: "WebSocket clients connected to the status stream.",
		},
	)

	// StreamClientsDropped counts stream clients disconnected because their
	// outgoing buffer was full.
	StreamClientsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetwatch_stream_clients_dropped_total",
			Help: "Status stream clients dropped for falling behind.",
		},
	)
)
