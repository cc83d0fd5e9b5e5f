package stitch

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the stitching subsystem.
type Metrics struct {
	StitchesTotal  *prometheus.CounterVec
	StitchDuration *prometheus.HistogramVec
	QueueLatency   prometheus.Histogram
	MarkedTotal    prometheus.Counter
	LoadedTotal    prometheus.Counter
	LoadErrors     prometheus.Counter
	ResolveLookups prometheus.Counter
	ResolveErrors  prometheus.Counter
}

// NewMetrics registers and returns stitch metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StitchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "seam_stitches_total",
			Help: "Total stitch attempts by terminal status.",
		}, []string{"status"}),
		StitchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seam_stitch_duration_seconds",
			Help:    "Duration of individual stitch attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms .. ~20s
		}, []string{"status"}),
		QueueLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "seam_stitch_queue_latency_seconds",
			Help:    "Time between a deferred mark and the start of its stitch attempt.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s .. ~13m
		}),
		MarkedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seam_marked_total",
			Help: "Total entities durably marked for deferred stitching.",
		}),
		LoadedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seam_pipeline_loaded_total",
			Help: "Total deferred stitch requests loaded by the pipeline.",
		}),
		LoadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seam_pipeline_load_errors_total",
			Help: "Total failed loads of stitchable entities.",
		}),
		ResolveLookups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seam_resolve_lookups_total",
			Help: "Total id-to-ref resolution queries issued.",
		}),
		ResolveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "seam_resolve_errors_total",
			Help: "Total failed id-to-ref resolution queries.",
		}),
	}

	reg.MustRegister(
		m.StitchesTotal,
		m.StitchDuration,
		m.QueueLatency,
		m.MarkedTotal,
		m.LoadedTotal,
		m.LoadErrors,
		m.ResolveLookups,
		m.ResolveErrors,
	)

	return m
}
