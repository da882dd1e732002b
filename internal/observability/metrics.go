package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors of the dashboard pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Cache metrics
	CacheLookupsTotal *prometheus.CounterVec
	RangeMemoTotal    *prometheus.CounterVec

	// Remote metrics
	RemoteCallsTotal   *prometheus.CounterVec
	RemoteCallDuration *prometheus.HistogramVec

	// Build metrics
	SeriesBuildsTotal   *prometheus.CounterVec
	SeriesBuildDuration *prometheus.HistogramVec

	// Live board
	LiveUpdatesTotal *prometheus.CounterVec
	LiveVisitors     prometheus.Gauge

	// Jobs
	WarmupRunsTotal *prometheus.CounterVec
	PrunedRowsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on the given registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficdash_cache_lookups_total",
				Help: "Daily snapshot lookups by family and result",
			},
			[]string{"family", "result"},
		),
		RangeMemoTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficdash_range_memo_total",
				Help: "In-memory range snapshot lookups by family and result",
			},
			[]string{"family", "result"},
		),
		RemoteCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficdash_remote_calls_total",
				Help: "Calls to the analytics service by API and outcome",
			},
			[]string{"api", "outcome"},
		),
		RemoteCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trafficdash_remote_call_duration_seconds",
				Help:    "Analytics service call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"api"},
		),
		SeriesBuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficdash_series_builds_total",
				Help: "Series builds by family and outcome",
			},
			[]string{"family", "outcome"},
		),
		SeriesBuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trafficdash_series_build_duration_seconds",
				Help:    "Series build duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"family"},
		),
		LiveUpdatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficdash_live_updates_total",
				Help: "Live board refreshes by outcome",
			},
			[]string{"outcome"},
		),
		LiveVisitors: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "trafficdash_live_visitors",
				Help: "Active users reported by the last live refresh",
			},
		),
		WarmupRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficdash_warmup_runs_total",
				Help: "Cache warm-up runs by outcome",
			},
			[]string{"outcome"},
		),
		PrunedRowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trafficdash_pruned_rows_total",
				Help: "Snapshot rows deleted by the retention job",
			},
			[]string{"family"},
		),
	}

	registry.MustRegister(
		m.CacheLookupsTotal,
		m.RangeMemoTotal,
		m.RemoteCallsTotal,
		m.RemoteCallDuration,
		m.SeriesBuildsTotal,
		m.SeriesBuildDuration,
		m.LiveUpdatesTotal,
		m.LiveVisitors,
		m.WarmupRunsTotal,
		m.PrunedRowsTotal,
	)

	return m
}

// Outcome labels
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
	ResultHit     = "hit"
	ResultMiss    = "miss"
	ResultRefresh = "refresh"
)

// CacheLookup records a daily snapshot lookup
func (m *Metrics) CacheLookup(family, result string) {
	if m == nil {
		return
	}
	m.CacheLookupsTotal.WithLabelValues(family, result).Inc()
}

// RangeMemo records a range snapshot memo lookup
func (m *Metrics) RangeMemo(family, result string) {
	if m == nil {
		return
	}
	m.RangeMemoTotal.WithLabelValues(family, result).Inc()
}

// RemoteCall records one call to the analytics service
func (m *Metrics) RemoteCall(api, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RemoteCallsTotal.WithLabelValues(api, outcome).Inc()
	m.RemoteCallDuration.WithLabelValues(api).Observe(elapsed.Seconds())
}

// SeriesBuild records one series build
func (m *Metrics) SeriesBuild(family, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SeriesBuildsTotal.WithLabelValues(family, outcome).Inc()
	m.SeriesBuildDuration.WithLabelValues(family).Observe(elapsed.Seconds())
}

// LiveUpdate records a live board refresh and the visitor total it saw
func (m *Metrics) LiveUpdate(outcome string, visitors float64) {
	if m == nil {
		return
	}
	m.LiveUpdatesTotal.WithLabelValues(outcome).Inc()
	if outcome == OutcomeOK {
		m.LiveVisitors.Set(visitors)
	}
}

// WarmupRun records a warm-up run
func (m *Metrics) WarmupRun(outcome string) {
	if m == nil {
		return
	}
	m.WarmupRunsTotal.WithLabelValues(outcome).Inc()
}

// Pruned records rows removed by the retention job
func (m *Metrics) Pruned(family string, rows int64) {
	if m == nil {
		return
	}
	m.PrunedRowsTotal.WithLabelValues(family).Add(float64(rows))
}
