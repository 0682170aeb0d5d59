package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Proof pipeline metrics
	// ============================================
	ProofsGenerated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_proofs_generated_total",
			Help: "Total number of proofs generated, by operation and result",
		},
		[]string{"operation", "result"},
	)

	ProofDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shield_proof_duration_seconds",
			Help:    "End-to-end proof generation duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"operation"},
	)

	KeySetups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_key_setups_total",
			Help: "Number of proving key setups run (should be at most one per circuit per deployment)",
		},
		[]string{"circuit"},
	)

	// ============================================
	// Chain submission metrics
	// ============================================
	ChainSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shield_chain_submissions_total",
			Help: "Total number of chain submissions, by operation and result",
		},
		[]string{"operation", "result"},
	)

	ConfirmationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shield_confirmation_duration_seconds",
			Help:    "Time from submission to required confirmations",
			Buckets: []float64{5, 15, 30, 60, 120, 300},
		},
		[]string{"operation"},
	)

	GasUsed = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shield_gas_used",
			Help:    "Gas used by confirmed transactions",
			Buckets: prometheus.ExponentialBuckets(50_000, 2, 8),
		},
		[]string{"operation"},
	)

	GasEstimateFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shield_gas_estimate_fallbacks_total",
		Help: "Submissions that fell back to the fixed gas ceiling because estimation failed",
	})

	// ============================================
	// Ledger consistency metrics
	// ============================================
	ReconciliationNeeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shield_reconciliation_needed_total",
		Help: "Confirmed chain transactions whose ledger persistence failed (requires manual reconciliation)",
	})

	ConcurrentModifications = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shield_concurrent_modifications_total",
		Help: "Spend attempts rejected by the optimistic version check",
	})
)
