package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mentions_sync"

// Metrics holds the Prometheus collectors shared by the sync and analytics components
type Metrics struct {
	SyncRuns           *prometheus.CounterVec
	MentionsSaved      *prometheus.CounterVec
	MentionsDuplicate  *prometheus.CounterVec
	MentionErrors      *prometheus.CounterVec
	SyncDuration       *prometheus.HistogramVec
	ActiveSyncs        prometheus.Gauge
	SweepDuration      prometheus.Histogram
	SweepsSkipped      prometheus.Counter
	EnrichmentTriggers *prometheus.CounterVec
	AnalyticsRuns      *prometheus.CounterVec
	AnalyticsDuration  prometheus.Histogram
	AnalyticsRows      *prometheus.CounterVec
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_syncs_total",
			Help:      "Source sync attempts by platform and outcome",
		}, []string{"platform", "outcome"}),
		MentionsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mentions_saved_total",
			Help:      "Mentions inserted into the store",
		}, []string{"platform"}),
		MentionsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mentions_duplicate_total",
			Help:      "Fetched mentions skipped because they already exist",
		}, []string{"platform"}),
		MentionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mention_errors_total",
			Help:      "Mentions that could not be normalized or persisted",
		}, []string{"platform"}),
		SyncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_sync_duration_seconds",
			Help:      "Duration of a single source sync",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"platform"}),
		ActiveSyncs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_syncs",
			Help:      "Source syncs currently in flight",
		}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of a due-sources sweep",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		SweepsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweeps_skipped_total",
			Help:      "Scheduler ticks skipped because a sweep was still running",
		}),
		EnrichmentTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_triggers_total",
			Help:      "Downstream enrichment triggers by outcome",
		}, []string{"outcome"}),
		AnalyticsRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_runs_total",
			Help:      "Analytics job runs by outcome",
		}, []string{"outcome"}),
		AnalyticsDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "analytics_duration_seconds",
			Help:      "Duration of an analytics run",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		AnalyticsRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analytics_rows_updated_total",
			Help:      "Aggregate rows updated by analytics pass",
		}, []string{"pass"}),
	}

	reg.MustRegister(
		m.SyncRuns,
		m.MentionsSaved,
		m.MentionsDuplicate,
		m.MentionErrors,
		m.SyncDuration,
		m.ActiveSyncs,
		m.SweepDuration,
		m.SweepsSkipped,
		m.EnrichmentTriggers,
		m.AnalyticsRuns,
		m.AnalyticsDuration,
		m.AnalyticsRows,
	)

	return m
}

// NewUnregistered returns collectors attached to a throwaway registry, for CLI one-shots and tests
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
