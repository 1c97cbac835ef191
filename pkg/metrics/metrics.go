// Package metrics groups the metrics of every component of a run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/linecov/pkg/engine/ptrace"
	"github.com/grafana/linecov/pkg/output"
	"github.com/grafana/linecov/pkg/reporter"
	"github.com/grafana/linecov/pkg/solib"
)

type Metrics struct {
	Ptrace *ptrace.Metrics
	Solib  *solib.Metrics
	Output *output.Metrics

	Lines       prometheus.Gauge
	Addresses   prometheus.Gauge
	LinesHit    prometheus.Gauge
	PendingHits prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	res := &Metrics{
		Ptrace: ptrace.NewMetrics(reg),
		Solib:  solib.NewMetrics(reg),
		Output: output.NewMetrics(reg),

		Lines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linecov_lines",
			Help: "Number of executable source lines known",
		}),
		Addresses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linecov_addresses",
			Help: "Number of instrumented addresses known",
		}),
		LinesHit: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linecov_lines_executed",
			Help: "Number of reported source lines executed at least once",
		}),
		PendingHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linecov_pending_hits",
			Help: "Number of hits waiting for the line of their address",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			res.Lines,
			res.Addresses,
			res.LinesHit,
			res.PendingHits,
		)
	}
	return res
}

type CoverageStats interface {
	Stats() (lines, addrs, pending int)
	ExecutionSummary() reporter.Summary
}

// ObserveCoverage copies the current coverage counts into the gauges.
func (m *Metrics) ObserveCoverage(s CoverageStats) {
	lines, addrs, pending := s.Stats()
	m.Lines.Set(float64(lines))
	m.Addresses.Set(float64(addrs))
	m.PendingHits.Set(float64(pending))
	m.LinesHit.Set(float64(s.ExecutionSummary().ExecutedLines))
}
