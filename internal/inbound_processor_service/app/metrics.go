package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inboundSMSProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "inbound_processor",
			Name:      "sms_processed_total",
			Help:      "Total number of inbound SMS messages processed.",
		},
		[]string{"command", "outcome"},
	)

	inboundSMSProcessingDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "inbound_processor",
			Name:      "sms_processing_duration_seconds",
			Help:      "Duration of inbound SMS message processing.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)
