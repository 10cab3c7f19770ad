// Package metrics exposes Prometheus instrumentation for attribution and
// evaluation runs. promauto registers everything on the default registry,
// so embedding applications only need to mount promhttp if they want
// scraping; library code just increments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ForwardPassesTotal counts model forward executions by mode:
	// "clean", "corrupted", "interpolated" (IG steps) or "patched"
	// (circuit evaluation).
	ForwardPassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eapig_forward_passes_total",
			Help: "Total number of model forward passes executed",
		},
		[]string{"mode"},
	)

	// BackwardPassesTotal counts gradient computations.
	BackwardPassesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eapig_backward_passes_total",
			Help: "Total number of model backward passes executed",
		},
	)

	// ExamplesAttributedTotal counts examples folded into edge scores,
	// labeled by attribution method.
	ExamplesAttributedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eapig_examples_attributed_total",
			Help: "Total number of examples accumulated into edge scores",
		},
		[]string{"method"},
	)

	// EdgeScoreUpdatesTotal counts individual edge-score accumulations.
	EdgeScoreUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eapig_edge_score_updates_total",
			Help: "Total number of additive edge score updates",
		},
	)

	// AttributionSeconds observes wall time of whole Attribute calls.
	AttributionSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eapig_attribution_duration_seconds",
			Help:    "Duration of attribution runs in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60, 300, 1800},
		},
	)
)
