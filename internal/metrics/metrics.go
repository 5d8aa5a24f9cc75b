// Package metrics holds the prometheus collectors shared by the coordinator
// and node processes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sift"

var (
	// ActiveSessions is the number of sessions held by the session registry.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Number of client sessions currently held.",
	})

	// SessionEvictions counts sessions dropped after idling.
	SessionEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_evictions_total",
		Help:      "Total number of sessions evicted from the registry.",
	})

	// ActiveCollectors is the number of collectors registered for callbacks.
	ActiveCollectors = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_collectors",
		Help:      "Number of search result collectors currently registered.",
	})

	// PayloadMerges counts payload deltas merged into coprocessors.
	PayloadMerges = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payload_merges_total",
		Help:      "Total number of coprocessor payloads merged.",
	})

	// NodeFailures counts per-node search failures.
	NodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "node_failures_total",
		Help:      "Total number of search tasks that failed on a node.",
	}, []string{"node"})

	// Cancellations counts cancellation broadcasts by outcome.
	Cancellations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cancellations_total",
		Help:      "Total number of task cancellations sent to nodes.",
	}, []string{"outcome"})

	// PollDuration observes how long a poll request takes to serve.
	PollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "poll_duration_seconds",
		Help:      "Time taken to serve one poll request.",
		Buckets:   prometheus.DefBuckets,
	})

	// RowsScanned counts records scanned by node executors.
	RowsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rows_scanned_total",
		Help:      "Total number of records scanned by search tasks.",
	})
)
