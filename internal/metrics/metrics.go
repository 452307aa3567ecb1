// Package metrics collects and exposes Prometheus metrics for the storage
// and replication engine.
//
// Metric categories:
//   - Log counters: events appended/corrupted/duplicate
//   - WAL/snapshot histograms: flush and snapshot latency
//   - Replication counters: delivered vs exhausted-retry messages
//   - Status gauges: recovery time, active segment size, in-memory key count
//
// Exposed via /metrics for Prometheus scraping.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric this process exposes.
type Collector struct {
	eventsAppended  prometheus.Counter
	eventsCorrupted prometheus.Counter
	eventsDuplicate prometheus.Counter

	walFlushes      prometheus.Counter
	walFlushLatency prometheus.Histogram
	snapshotsTaken  prometheus.Counter
	snapshotLatency prometheus.Histogram

	replicationSent  prometheus.Counter
	replicationFailed prometheus.Counter

	recoveryTime prometheus.Gauge
	logSizeBytes prometheus.Gauge
	stateKeys    prometheus.Gauge
}

// NewCollector builds and registers every metric against the default
// Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		eventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lithair_events_appended_total",
			Help: "Total number of event envelopes appended to the log",
		}),
		eventsCorrupted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lithair_events_corrupted_total",
			Help: "Total number of log records skipped due to a checksum or hash-chain failure",
		}),
		eventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lithair_events_duplicate_total",
			Help: "Total number of appends rejected as duplicate event ids",
		}),
		walFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lithair_wal_flushes_total",
			Help: "Total number of write-ahead-log group-commit flushes",
		}),
		walFlushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lithair_wal_flush_latency_seconds",
			Help:    "Write-ahead-log flush (buffer write + fsync) latency",
			Buckets: prometheus.DefBuckets,
		}),
		snapshotsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lithair_snapshots_taken_total",
			Help: "Total number of snapshots written",
		}),
		snapshotLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "lithair_snapshot_latency_seconds",
			Help:    "Snapshot materialize-and-write latency",
			Buckets: prometheus.DefBuckets,
		}),
		replicationSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lithair_replication_sent_total",
			Help: "Total number of replication messages successfully delivered to a peer",
		}),
		replicationFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lithair_replication_failed_total",
			Help: "Total number of replication messages exhausted retrying against a peer",
		}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lithair_recovery_time_seconds",
			Help: "Time taken for the last snapshot-load-plus-replay recovery",
		}),
		logSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lithair_log_size_bytes",
			Help: "Current size of the active event log segment in bytes",
		}),
		stateKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lithair_state_keys",
			Help: "Current number of keys held in the in-memory engine",
		}),
	}

	prometheus.MustRegister(
		c.eventsAppended,
		c.eventsCorrupted,
		c.eventsDuplicate,
		c.walFlushes,
		c.walFlushLatency,
		c.snapshotsTaken,
		c.snapshotLatency,
		c.replicationSent,
		c.replicationFailed,
		c.recoveryTime,
		c.logSizeBytes,
		c.stateKeys,
	)

	return c
}

// RecordAppend increments the appended-event counter.
func (c *Collector) RecordAppend() {
	c.eventsAppended.Inc()
}

// RecordCorrupted increments the corrupted-record counter.
func (c *Collector) RecordCorrupted() {
	c.eventsCorrupted.Inc()
}

// RecordDuplicate increments the duplicate-event counter.
func (c *Collector) RecordDuplicate() {
	c.eventsDuplicate.Inc()
}

// RecordWALFlush records one group-commit flush and its latency.
func (c *Collector) RecordWALFlush(latencySeconds float64) {
	c.walFlushes.Inc()
	c.walFlushLatency.Observe(latencySeconds)
}

// RecordSnapshot records one snapshot write and its latency.
func (c *Collector) RecordSnapshot(latencySeconds float64) {
	c.snapshotsTaken.Inc()
	c.snapshotLatency.Observe(latencySeconds)
}

// RecordReplicationSent increments the successful-delivery counter.
func (c *Collector) RecordReplicationSent() {
	c.replicationSent.Inc()
}

// RecordReplicationFailed increments the exhausted-retries counter.
func (c *Collector) RecordReplicationFailed() {
	c.replicationFailed.Inc()
}

// SetRecoveryTime sets the last recovery duration, in seconds.
func (c *Collector) SetRecoveryTime(seconds float64) {
	c.recoveryTime.Set(seconds)
}

// SetLogSize records the active segment's current size.
func (c *Collector) SetLogSize(bytes int64) {
	c.logSizeBytes.Set(float64(bytes))
}

// SetStateKeys records the current in-memory key count.
func (c *Collector) SetStateKeys(n int) {
	c.stateKeys.Set(float64(n))
}

// StartServer serves /metrics on the given port until the process exits
// or the listener errors.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
