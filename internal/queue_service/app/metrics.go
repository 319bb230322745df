package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueJoinsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queue",
			Name:      "joins_total",
			Help:      "Join attempts by customer type and result.",
		},
		[]string{"customer_type", "result"}, // created, already_queued, error
	)

	queueTransitionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "queue",
			Name:      "transitions_total",
			Help:      "Entry status transitions by name and result.",
		},
		[]string{"transition", "result"}, // ok, conflict, not_found, error
	)
)
