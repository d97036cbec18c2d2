package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rows seen by each pipeline stage, by outcome.
	RowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_rows_total",
			Help: "Rows processed per source, stage and result.",
		},
		[]string{"source", "stage", "result"}, // result = ok | rejected | skipped | failed
	)

	// Security master changes applied by reconciliation.
	ReconcileActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_reconcile_securities_total",
			Help: "Securities listed or delisted by reconciliation.",
		},
		[]string{"source", "action"}, // listed | delisted | delist_failed
	)

	// Cache lookups by tier.
	CacheAccess = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_master_cache_access_total",
			Help: "Security master cache lookups by tier and result.",
		},
		[]string{"tier", "result"}, // tier = memory | redis ; result = hit | miss | error
	)

	// Outbound calls to the KRX data portal.
	KRXRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "krx_api_requests_total",
			Help: "Total number of KRX data portal requests (by report and status).",
		},
		[]string{"report", "status"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "etl_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16), // 10ms → ~5.5m
		},
		[]string{"source", "stage"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_events_published_total",
			Help: "Events published to the bus.",
		},
		[]string{"subject", "result"},
	)

	// Tracks total errors (aggregated).
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "etl_errors_total",
			Help: "Count of pipeline errors by component.",
		},
		[]string{"component", "reason"},
	)

	LastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "etl_last_success_timestamp",
			Help: "Timestamp (unix seconds) of the last successful pipeline run.",
		},
		[]string{"source"},
	)
)

// ObserveDuration records the time elapsed since start on the given histogram.
func ObserveDuration(v interface{}, start time.Time, labels ...string) {
	duration := time.Since(start).Seconds()

	switch metric := v.(type) {
	case *prometheus.HistogramVec:
		metric.WithLabelValues(labels...).Observe(duration)
	case *prometheus.SummaryVec:
		metric.WithLabelValues(labels...).Observe(duration)
	}
}

func AddRows(source, stage, result string, n int) {
	if n > 0 {
		RowsTotal.WithLabelValues(source, stage, result).Add(float64(n))
	}
}

func AddReconcile(source, action string, n int) {
	if n > 0 {
		ReconcileActions.WithLabelValues(source, action).Add(float64(n))
	}
}

func IncCacheAccess(tier, result string) {
	CacheAccess.WithLabelValues(tier, result).Inc()
}

func IncKRXRequest(report, status string) {
	KRXRequestsTotal.WithLabelValues(report, status).Inc()
}

func IncEvent(subject, result string) {
	EventsPublished.WithLabelValues(subject, result).Inc()
}

func IncError(component, reason string) {
	ErrorsTotal.WithLabelValues(component, reason).Inc()
}

func SetLastSuccess(source string, t time.Time) {
	LastSuccess.WithLabelValues(source).Set(float64(t.Unix()))
}
