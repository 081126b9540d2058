// Package metrics registers the control plane's Prometheus instruments.
// Every component that wants a counter or histogram imports this package
// rather than declaring its own registry, so cmd/controlplane-api and
// cmd/controlplane-worker can expose a single /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_orders_created_total",
		Help: "Orders created, by kind.",
	}, []string{"kind"})

	OrdersExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_orders_expired_total",
		Help: "Orders flipped from pending to expired by the sweep.",
	})

	EvidenceBundlesAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_evidence_bundles_appended_total",
		Help: "Evidence bundles appended to a site chain, by signature validity.",
	}, []string{"signature_valid"})

	EvidenceChainAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "controlplane_evidence_chain_append_seconds",
		Help:    "Time spent in a whole bundle submission, including the wait for the per-site advisory lock.",
		Buckets: prometheus.DefBuckets,
	})

	TelemetryRecordsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_telemetry_records_ingested_total",
		Help: "Execution telemetry records ingested.",
	})

	PromotionCandidatesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_promotion_candidates_emitted_total",
		Help: "Promotion candidates inserted as pending.",
	})

	RulesPromoted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "controlplane_rules_promoted_total",
		Help: "L1 rules promoted, by source.",
	}, []string{"source"})

	RolloutsPaused = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_rollouts_paused_total",
		Help: "Rollouts auto-paused for exceeding their failure threshold.",
	})

	OTSSubmitFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "controlplane_ots_submit_failures_total",
		Help: "OpenTimestamps calendar submissions that failed or tripped the breaker.",
	})
)
