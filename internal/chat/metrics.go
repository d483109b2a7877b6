package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	chatTurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prospector",
			Name:      "chat_turns_total",
			Help:      "Total chat turns by routed function and outcome",
		},
		[]string{"function", "status"},
	)

	turnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "prospector",
			Name:      "chat_turn_duration_seconds",
			Help:      "Duration of one full chat turn in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"function"},
	)

	lookupResultsCount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "prospector",
			Name:      "lookup_results_count",
			Help:      "Number of chunks returned per lookup turn",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 10, 15, 20},
		},
	)

	conversationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "prospector",
			Name:      "conversations_active",
			Help:      "Number of chat turns currently streaming",
		},
	)
)
