package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the ingestion pipeline. All are labeled by
// source id so a misbehaving source is visible in isolation.
var (
	itemsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intake",
		Name:      "items_ingested_total",
		Help:      "Items emitted by adapters before dedup and filtering.",
	}, []string{"source"})

	itemsDeduped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intake",
		Name:      "items_deduped_total",
		Help:      "Items dropped by the deduplication ledger.",
	}, []string{"source"})

	itemsFiltered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intake",
		Name:      "items_filtered_total",
		Help:      "Items rejected by the filter engine.",
	}, []string{"source"})

	itemsMaterialized = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intake",
		Name:      "items_materialized_total",
		Help:      "Items handed to the task materialization sink.",
	}, []string{"source"})

	pollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intake",
		Name:      "poll_errors_total",
		Help:      "Failed poll calls, by source.",
	}, []string{"source"})

	pollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "intake",
		Name:      "poll_duration_seconds",
		Help:      "Duration of adapter poll calls.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"source"})

	ticksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intake",
		Name:      "poll_ticks_dropped_total",
		Help:      "Scheduling ticks dropped because a poll was still in flight.",
	}, []string{"source"})

	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "intake",
		Name:      "realtime_reconnects_total",
		Help:      "Realtime session reconnect attempts, by source.",
	}, []string{"source"})
)
