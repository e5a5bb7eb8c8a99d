// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/williamwinkler/openai-batch-manager/internal/config"
)

var (
	// AdmissionDecisions counts every internal/admission.Checker.Check
	// call by its outcome ("admit", "wait_capacity_blocked").
	AdmissionDecisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_decisions_total",
		Help: "Total admission decisions by outcome",
	}, []string{"decision"})

	// CapacityHeadroomTokens is the remaining enqueued-token headroom
	// internal/admission last observed for a model.
	CapacityHeadroomTokens = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "capacity_headroom_tokens",
		Help: "Remaining enqueued-token headroom per model",
	}, []string{"model"})

	// DispatcherTicks counts internal/capacitydispatcher.Dispatcher scans
	// per model, labeled by whether any batch was promoted.
	DispatcherTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "capacity_dispatcher_ticks_total",
		Help: "Total capacity dispatcher scans by model and outcome",
	}, []string{"model", "outcome"})

	// BatchesPromotedFromCapacity counts batches internal/capacitydispatcher
	// moved out of waiting_for_capacity.
	BatchesPromotedFromCapacity = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "batches_promoted_from_capacity_total",
		Help: "Total batches promoted out of waiting_for_capacity",
	})

	// ReconcilerChunksProcessed counts internal/reconciler's bounded-chunk
	// flushes, labeled by file kind (output/error).
	ReconcilerChunksProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_chunks_processed_total",
		Help: "Total reconciliation chunks processed by file kind",
	}, []string{"file_kind"})

	// ReconcilerLinesSkipped counts malformed or unmatched reconciliation
	// lines internal/reconciler dropped.
	ReconcilerLinesSkipped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reconciler_lines_skipped_total",
		Help: "Total reconciliation lines skipped, by reason",
	}, []string{"reason"})

	// DeliveryAttempts counts internal/delivery.Worker.Deliver outcomes
	// (spec.md §4.8's RequestDeliveryOutcome taxonomy).
	DeliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_attempts_total",
		Help: "Total delivery attempts by outcome",
	}, []string{"outcome"})

	// DeliveryAttemptDuration times Sink.Send calls.
	DeliveryAttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "delivery_attempt_duration_seconds",
		Help:    "Histogram of delivery Sink.Send durations",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})

	// QueueLength is the JobQueue pending-trigger depth internal/obs's
	// StartQueueLengthUpdater samples.
	QueueLength = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_length",
		Help: "Current length of the JobQueue pending list",
	}, []string{"queue"})

	// CircuitBreakerState is the last-observed state (0 Closed, 1 HalfOpen,
	// 2 Open) of a named internal/breaker.CircuitBreaker instance.
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"breaker"})

	// CircuitBreakerTrips counts transitions to Open for a named breaker.
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a named circuit breaker transitioned to Open",
	}, []string{"breaker"})
)

func init() {
	prometheus.MustRegister(
		AdmissionDecisions, CapacityHeadroomTokens,
		DispatcherTicks, BatchesPromotedFromCapacity,
		ReconcilerChunksProcessed, ReconcilerLinesSkipped,
		DeliveryAttempts, DeliveryAttemptDuration,
		QueueLength, CircuitBreakerState, CircuitBreakerTrips,
	)
}

// StartMetricsServer exposes /metrics and returns a server for controlled shutdown.
// StartMetricsServer is retained for compatibility but consider using StartHTTPServer
// which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
