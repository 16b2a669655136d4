// Package metrics registers the prometheus collectors the pipeline reports
// through. Collectors are registered on the default registry and exposed by
// the serve command's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PassDuration observes wall time per rewrite pass.
	PassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lowbit_pass_duration_seconds",
		Help:    "Wall time of each graph rewrite pass",
		Buckets: prometheus.DefBuckets,
	}, []string{"pass"})

	// PatternsSkipped counts fusion/fold candidates rejected by validation.
	PatternsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lowbit_patterns_skipped_total",
		Help: "Pattern-match candidates skipped after a shape or op-kind check failed",
	}, []string{"pass"})

	// CalibrationBatches counts batches fed through the instrumented graph.
	CalibrationBatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lowbit_calibration_batches_total",
		Help: "Calibration batches run through the inference collaborator",
	})

	// CapturedBytes counts bytes drained from the introspection channel.
	CapturedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lowbit_captured_bytes_total",
		Help: "Bytes captured from the redirected instrumentation stream",
	})

	// Conversions counts finished conversions by outcome.
	Conversions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lowbit_conversions_total",
		Help: "Completed graph conversions by status",
	}, []string{"status"})
)
