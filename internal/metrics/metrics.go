package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles the discovery core's prometheus collectors.
type Registry struct {
	ScanDuration    prometheus.Histogram
	StageDuration   *prometheus.HistogramVec
	StageRejections *prometheus.CounterVec
	ScansTotal      *prometheus.CounterVec
	PublishTotal    *prometheus.CounterVec
	ProviderErrors  *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	EventSinkDrops  prometheus.Counter
	CandidatesLast  prometheus.Gauge
}

// New registers all collectors on the given registerer.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		ScanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "discovery_scan_duration_seconds",
			Help:    "Wall-clock duration of complete discovery scans",
			Buckets: prometheus.DefBuckets,
		}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "discovery_stage_duration_seconds",
			Help:    "Duration of individual pipeline stages",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15},
		}, []string{"stage"}),
		StageRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_stage_rejections_total",
			Help: "Symbols rejected per stage and reason",
		}, []string{"stage", "reason"}),
		ScansTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_scans_total",
			Help: "Scan outcomes by result",
		}, []string{"result"}),
		PublishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_publish_total",
			Help: "Artifact publishes by strategy",
		}, []string{"strategy"}),
		ProviderErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_provider_errors_total",
			Help: "Upstream provider errors by kind",
		}, []string{"kind"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discovery_volume_cache_lookups_total",
			Help: "Volume cache lookups by outcome",
		}, []string{"outcome"}),
		EventSinkDrops: factory.NewCounter(prometheus.CounterOpts{
			Name: "discovery_event_sink_drops_total",
			Help: "Outbound events dropped by the fire-and-forget sink",
		}),
		CandidatesLast: factory.NewGauge(prometheus.GaugeOpts{
			Name: "discovery_candidates_last",
			Help: "Candidate count in the most recent published artifact",
		}),
	}
}

// NewDefault registers on the default prometheus registry.
func NewDefault() *Registry {
	return New(prometheus.DefaultRegisterer)
}
