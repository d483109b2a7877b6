package deepsearch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prospector",
			Name:      "deepsearch_runs_total",
			Help:      "Total deep-search fan-out runs",
		},
	)

	runDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "prospector",
			Name:      "deepsearch_run_duration_seconds",
			Help:      "Duration of complete deep-search runs in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17m
		},
	)

	fileResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prospector",
			Name:      "deepsearch_file_results_total",
			Help:      "Per-file deep-search outcomes",
		},
		[]string{"outcome"},
	)

	chunkCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prospector",
			Name:      "deepsearch_chunk_calls_total",
			Help:      "Per-chunk citation extraction LLM calls",
		},
		[]string{"status"},
	)

	triageCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prospector",
			Name:      "deepsearch_triage_calls_total",
			Help:      "File relevance triage LLM calls",
		},
		[]string{"status"},
	)

	extractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prospector",
			Name:      "deepsearch_extractions_total",
			Help:      "File text extractions before deep search",
		},
		[]string{"status"},
	)

	droppedGroupsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prospector",
			Name:      "deepsearch_dropped_citation_groups_total",
			Help:      "Declared files dropped at reconciliation, uninspected or unresolvable",
		},
	)
)
