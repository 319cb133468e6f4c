// Package metrics holds the Prometheus collectors. Everything registers on
// the default registry; pkg/api exposes it on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchesTotal counts finished dispatches by job and outcome
	// (completed, failed, cancelled, skipped).
	DispatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_dispatches_total",
		Help: "Finished dispatches by job and outcome.",
	}, []string{"job", "outcome"})

	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "steward_dispatch_duration_seconds",
		Help:    "Wall-clock duration of one dispatch.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	}, []string{"job"})

	// ActionsTotal counts executed actions by kind and status
	// (ok, skipped, failed).
	ActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_actions_total",
		Help: "Executed actions by kind and status.",
	}, []string{"kind", "status"})

	AgentInvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_agent_invocations_total",
		Help: "Agent invocations by kind and outcome (ok, error, timeout, mocked).",
	}, []string{"kind", "outcome"})

	AgentDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "steward_agent_duration_seconds",
		Help:    "Agent invocation duration.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	}, []string{"kind"})

	VCSRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "steward_vcs_requests_total",
		Help: "Upstream VCS API requests by method and outcome.",
	}, []string{"method", "outcome"})
)

// RegisterQueueDepth installs the per-status queue depth gauge. The callback
// is polled on scrape; it must be cheap and concurrency-safe.
func RegisterQueueDepth(depth func() map[string]int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "steward_queue_depth",
		Help:        "Dispatches currently in the queue, by status.",
		ConstLabels: prometheus.Labels{"status": "pending"},
	}, func() float64 {
		return float64(depth()["pending"])
	})
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "steward_queue_depth",
		Help:        "Dispatches currently in the queue, by status.",
		ConstLabels: prometheus.Labels{"status": "running"},
	}, func() float64 {
		return float64(depth()["running"])
	})
}
