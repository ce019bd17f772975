// Copyright 2025 Certen Protocol
//
// Prometheus collectors for the indexer and relay: the counters,
// histograms and gauges the off-chain core's components need, registered
// once via promauto and served from the configured metrics address.

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cloak"

// Indexer metrics.
var (
	DepositsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "indexer",
		Name:      "deposits_total",
		Help:      "Deposits accepted by outcome (accepted, duplicate, validation_error, tree_full).",
	}, []string{"outcome"})

	MerkleTreeDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "indexer",
		Name:      "merkle_next_index",
		Help:      "Next leaf index the accumulator will assign.",
	})

	RootPublishAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "indexer",
		Name:      "root_publish_attempts_total",
		Help:      "Root publisher attempts by outcome (success, transient_error).",
	}, []string{"outcome"})

	RootPublishLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "indexer",
		Name:      "root_publish_latency_seconds",
		Help:      "Latency of successful push_root submissions.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Relay metrics.
var (
	WithdrawRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "withdraw_requests_total",
		Help:      "Withdraw requests accepted by the planner by outcome.",
	}, []string{"outcome"})

	WorkerStageLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "worker_stage_latency_seconds",
		Help:      "Time spent in each worker pipeline stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	RequestsByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "requests_by_state",
		Help:      "Current count of requests in each state (point-in-time, refreshed by the reconciler).",
	}, []string{"state"})

	ChainSubmitErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "chain_submit_errors_total",
		Help:      "Classified submission errors by apierr.Kind.",
	}, []string{"kind"})

	ClaimDiscoveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "claim_discovery_latency_seconds",
		Help:      "Latency of FindClaims registry queries.",
		Buckets:   prometheus.DefBuckets,
	})

	InternalErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "internal_errors_total",
		Help:      "INTERNAL-kind errors (invariant violations, programming errors), never auto-retried.",
	})
)

// Handler returns the HTTP handler that serves the default Prometheus
// registry, mounted at the configured metrics address.
func Handler() http.Handler {
	return promhttp.Handler()
}
