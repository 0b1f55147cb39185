package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics
	IngestEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_ingest_events_total",
			Help: "Total number of agent events received",
		},
		[]string{"source", "status"}, // status: accepted, rejected
	)

	// Normalizer metrics
	SamplesExtractedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_samples_extracted_total",
			Help: "Total number of metric samples produced by the normalizer",
		},
		[]string{"metric"},
	)

	PayloadsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_payloads_dropped_total",
			Help: "Total number of malformed agent payloads dropped",
		},
		[]string{"event_type"},
	)

	// Evaluation metrics
	RuleConfigErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_rule_config_errors_total",
			Help: "Total number of rule configuration errors observed during evaluation",
		},
		[]string{"rule_id"},
	)

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_rule_transitions_total",
			Help: "Total number of rule state transitions",
		},
		[]string{"direction"}, // direction: firing, resolved
	)

	DoubleFireSuspectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmon_double_fire_suspects_total",
			Help: "Occurrence inserts rejected as duplicates, indicating an evaluator race",
		},
	)

	SweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetmon_sweep_duration_seconds",
			Help:    "Time taken by one evaluator sweep pass",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	SweepAgentsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmon_sweep_agents_deferred_total",
			Help: "Agents deferred to a later sweep pass by activity prioritization",
		},
	)

	// Dispatch metrics
	DispatchQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetmon_dispatch_queue_depth",
			Help: "Current number of queued delivery jobs",
		},
	)

	DispatchJobsShedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmon_dispatch_jobs_shed_total",
			Help: "Delivery jobs rejected because the dispatch queue was full",
		},
	)

	DeliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmon_delivery_attempts_total",
			Help: "Total number of channel delivery attempts",
		},
		[]string{"channel_type", "outcome"}, // outcome: success, failure, timeout
	)

	DeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetmon_delivery_duration_seconds",
			Help:    "Time taken by one channel delivery attempt",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel_type"},
	)
)
