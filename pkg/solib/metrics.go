package solib

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	Records          prometheus.Counter
	DiscardedRecords *prometheus.CounterVec
	Modules          prometheus.Counter
	SkippedModules   prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linecov_solib_records_total",
			Help: "Total number of shared object reports read from the shim",
		}),
		DiscardedRecords: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linecov_solib_records_discarded_total",
			Help: "Total number of malformed shared object reports",
		}, []string{"reason"}),
		Modules: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linecov_solib_modules_total",
			Help: "Total number of shared objects queued for parsing",
		}),
		SkippedModules: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linecov_solib_modules_skipped_total",
			Help: "Total number of reported objects that could not be opened",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Records,
			m.DiscardedRecords,
			m.Modules,
			m.SkippedModules,
		)
	}
	return m
}
