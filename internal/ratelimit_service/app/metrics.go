package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rateLimitDecisionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by policy and outcome.",
		},
		[]string{"policy", "outcome"}, // outcome: allowed, denied, store_error_allowed, store_error_denied
	)

	rateLimitStoreDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ratelimit",
			Name:      "store_increment_duration_seconds",
			Help:      "Duration of bucket increments against the backing store.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)
)
