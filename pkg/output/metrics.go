package output

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Renders        *prometheus.CounterVec
	RenderFailures *prometheus.CounterVec
	RenderDuration prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linecov_output_renders_total",
			Help: "Total number of writer render passes",
		}, []string{"writer"}),
		RenderFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linecov_output_render_failures_total",
			Help: "Total number of failed writer render passes",
		}, []string{"writer"}),
		RenderDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "linecov_output_render_duration_seconds",
			Help:    "Duration of a render pass over all writers",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Renders,
			m.RenderFailures,
			m.RenderDuration,
		)
	}

	return m
}
