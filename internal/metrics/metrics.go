// Package metrics declares the Prometheus collectors exported by the
// bridge: one file, promauto-registered package vars.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets is shared across every duration histogram in this
// package so dashboards can compare them directly.
var LatencyBuckets = prometheus.ExponentialBuckets(0.001, 2, 16)

var (
	// RingOccupancy reports how many transactions are currently
	// in-flight in the ring. Sustained closeness to the configured
	// in-flight capacity indicates the producer cannot keep up with the
	// upstream commit rate.
	RingOccupancy = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "pgkafkabridge",
		Name:      "ring_occupancy_transactions",
		Help:      "Number of in-flight transactions currently tracked by the ring.",
	})

	// RowsEnqueuedTotal counts row events successfully handed to the
	// producer.
	RowsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgkafkabridge",
		Name:      "rows_enqueued_total",
		Help:      "Number of row events successfully enqueued to the broker producer.",
	})

	// RowsAckedTotal counts delivery callbacks observed, labeled by
	// outcome.
	RowsAckedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pgkafkabridge",
		Name:      "rows_acked_total",
		Help:      "Number of delivery callbacks observed, labeled by outcome.",
	}, []string{"outcome"})

	// BackpressureEventsTotal counts how many times the backpressure
	// routine was invoked, labeled by the reason it was entered.
	BackpressureEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pgkafkabridge",
		Name:      "backpressure_events_total",
		Help:      "Number of times the backpressure routine was invoked, labeled by the triggering condition.",
	}, []string{"reason"})

	// CheckpointAdvanceTotal counts how many times fsync_lsn strictly
	// advanced.
	CheckpointAdvanceTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgkafkabridge",
		Name:      "checkpoint_advance_total",
		Help:      "Number of times the acknowledged upstream log position advanced.",
	})

	// CheckpointRegressionTotal counts how many times a proposed
	// checkpoint advance would have regressed fsync_lsn and was
	// suppressed.
	CheckpointRegressionTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "pgkafkabridge",
		Name:      "checkpoint_regression_suppressed_total",
		Help:      "Number of times a checkpoint advance was suppressed because it would have regressed fsync_lsn.",
	})

	// SchemaRegistrationsTotal counts registry round-trips, labeled by
	// relation.
	SchemaRegistrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pgkafkabridge",
		Name:      "schema_registrations_total",
		Help:      "Number of schema registrations performed against the schema registry.",
	}, []string{"relation"})

	// EnqueueDuration tracks how long producer.Send spent, including
	// any time blocked in backpressure.
	EnqueueDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "pgkafkabridge",
		Name:      "enqueue_duration_seconds",
		Help:      "Time spent in producer.Send, including time blocked on backpressure.",
		Buckets:   LatencyBuckets,
	})
)
