// Package metrics collects prometheus metrics for a Loom executor node.
// The collector registers against an explicit prometheus.Registry passed in
// by the caller, never the package-global default, so tests can construct
// isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine's metrics. A nil *Collector is valid and
// records nothing, so wiring metrics stays optional in tests.
type Collector struct {
	oplogAppends   prometheus.Counter
	oplogCommits   prometheus.Counter
	oplogOffloads  prometheus.Counter
	replayEntries  prometheus.Counter
	replayDuration prometheus.Histogram

	invocations       prometheus.Counter
	invocationErrors  prometheus.Counter
	invocationLatency prometheus.Histogram
	retries           prometheus.Counter

	activeWorkers  prometheus.Gauge
	workerWakeups  prometheus.Counter
	workerEvicted  prometheus.Counter
	fuelBorrowed   prometheus.Counter
	fuelRejections prometheus.Counter
}

// NewCollector creates a collector and registers its metrics against reg.
func NewCollector(reg *prometheus.Registry) *Collector {
	c := &Collector{
		oplogAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_oplog_appends_total",
			Help: "Total number of oplog entries appended",
		}),
		oplogCommits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_oplog_commits_total",
			Help: "Total number of oplog durability barriers",
		}),
		oplogOffloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_oplog_payload_offloads_total",
			Help: "Total number of entry payloads offloaded to the blob store",
		}),
		replayEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_replay_entries_total",
			Help: "Total number of oplog entries consumed during replay",
		}),
		replayDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_replay_duration_seconds",
			Help:    "Worker recovery replay duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		invocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_invocations_total",
			Help: "Total number of exported function invocations processed",
		}),
		invocationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_invocation_errors_total",
			Help: "Total number of invocations ending in a trap",
		}),
		invocationLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_invocation_latency_seconds",
			Help:    "Invocation processing latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_invocation_retries_total",
			Help: "Total number of invocation retry attempts",
		}),
		activeWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_active_workers",
			Help: "Current number of instantiated worker contexts",
		}),
		workerWakeups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_worker_wakeups_total",
			Help: "Total number of worker contexts created or recovered",
		}),
		workerEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_workers_evicted_total",
			Help: "Total number of worker contexts evicted from the cache",
		}),
		fuelBorrowed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_fuel_borrowed_total",
			Help: "Total fuel units borrowed from account budgets",
		}),
		fuelRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_fuel_rejections_total",
			Help: "Total number of fuel borrow rejections",
		}),
	}

	reg.MustRegister(
		c.oplogAppends, c.oplogCommits, c.oplogOffloads,
		c.replayEntries, c.replayDuration,
		c.invocations, c.invocationErrors, c.invocationLatency, c.retries,
		c.activeWorkers, c.workerWakeups, c.workerEvicted,
		c.fuelBorrowed, c.fuelRejections,
	)
	return c
}

// Handler returns the exposition handler for reg, served under /metrics by
// cmd/loom serve.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RecordAppend records n appended oplog entries.
func (c *Collector) RecordAppend(n int) {
	if c == nil {
		return
	}
	c.oplogAppends.Add(float64(n))
}

// RecordCommit records one durability barrier.
func (c *Collector) RecordCommit() {
	if c == nil {
		return
	}
	c.oplogCommits.Inc()
}

// RecordOffload records one payload offloaded to the blob store.
func (c *Collector) RecordOffload() {
	if c == nil {
		return
	}
	c.oplogOffloads.Inc()
}

// RecordReplay records a completed recovery replay.
func (c *Collector) RecordReplay(entries int, seconds float64) {
	if c == nil {
		return
	}
	c.replayEntries.Add(float64(entries))
	c.replayDuration.Observe(seconds)
}

// RecordInvocation records one completed invocation.
func (c *Collector) RecordInvocation(latencySeconds float64) {
	if c == nil {
		return
	}
	c.invocations.Inc()
	c.invocationLatency.Observe(latencySeconds)
}

// RecordInvocationError records one trapped invocation attempt.
func (c *Collector) RecordInvocationError() {
	if c == nil {
		return
	}
	c.invocationErrors.Inc()
}

// RecordRetry records one retry attempt.
func (c *Collector) RecordRetry() {
	if c == nil {
		return
	}
	c.retries.Inc()
}

// WorkerStarted records a worker context entering the cache.
func (c *Collector) WorkerStarted() {
	if c == nil {
		return
	}
	c.activeWorkers.Inc()
	c.workerWakeups.Inc()
}

// WorkerStopped records a worker context leaving the cache.
func (c *Collector) WorkerStopped(evicted bool) {
	if c == nil {
		return
	}
	c.activeWorkers.Dec()
	if evicted {
		c.workerEvicted.Inc()
	}
}

// RecordFuelBorrow records a successful fuel borrow.
func (c *Collector) RecordFuelBorrow(amount int64) {
	if c == nil {
		return
	}
	c.fuelBorrowed.Add(float64(amount))
}

// RecordFuelRejection records a fuel admission-control rejection.
func (c *Collector) RecordFuelRejection() {
	if c == nil {
		return
	}
	c.fuelRejections.Inc()
}
