package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outboxEnqueuedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "messages_enqueued_total",
			Help:      "Outbox enqueue calls by message type and whether a row was created.",
		},
		[]string{"message_type", "created"},
	)

	outboxClaimedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "messages_claimed_total",
			Help:      "Total outbox messages claimed for delivery.",
		},
	)

	outboxSendOutcomeCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "send_outcomes_total",
			Help:      "Send results by message type and outcome.",
		},
		[]string{"message_type", "outcome"}, // sent, failed, dead, requeued, discarded
	)

	outboxProviderRequestDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "outbox",
			Name:      "provider_request_duration_seconds",
			Help:      "Duration of SMS provider send calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider_name"},
	)

	outboxSweepDurationHist = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "outbox",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a full claim-and-send sweep.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	natsDispatchReceivedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "outbox",
			Name:      "nats_dispatch_received_total",
			Help:      "Dispatch notifications received from NATS.",
		},
		[]string{"subject"},
	)
)
