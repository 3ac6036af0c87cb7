package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricPrefix = "oee_"

var (
	// ReadingsProcessed counts readings flowing through the ingest pipeline,
	// partitioned by quality so Bad/Timeout spikes are visible.
	ReadingsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "readings_processed_total",
		Help: "Counter readings processed by the ingest pipeline",
	}, []string{"device", "quality"})

	// WritesDeadLettered counts batches diverted to the durable queue.
	WritesDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: metricPrefix + "writes_dead_lettered_total",
		Help: "Reading batches persisted to the dead letter queue after a backend failure",
	})

	// DeadLetterRetries counts retry attempts by outcome.
	DeadLetterRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "dead_letter_retries_total",
		Help: "Dead letter retry attempts",
	}, []string{"outcome"}) // "delivered", "failed", "terminal"

	// DeadLetterDepth tracks non-terminal queued batches.
	DeadLetterDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: metricPrefix + "dead_letter_depth",
		Help: "Reading batches waiting for redelivery",
	})

	// StoppagesOpened counts automatically detected stoppages.
	StoppagesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "stoppages_opened_total",
		Help: "Automatically detected stoppage events",
	}, []string{"device"})

	// AlertsDispatched counts operator alerts by kind.
	AlertsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metricPrefix + "alerts_dispatched_total",
		Help: "Operator alerts dispatched to the notification pool",
	}, []string{"kind"})
)
