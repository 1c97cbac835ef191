package ptrace

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	BreakpointsRegistered prometheus.Counter
	BreakpointsArmed      prometheus.Counter
	BreakpointsCleared    prometheus.Counter
	Traps                 prometheus.Counter
	SpuriousTraps         prometheus.Counter
	Signals               *prometheus.CounterVec
	Processes             prometheus.Gauge
	Errors                *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BreakpointsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linecov_ptrace_breakpoints_registered_total",
			Help: "Total number of distinct breakpoint addresses registered",
		}),
		BreakpointsArmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linecov_ptrace_breakpoints_armed_total",
			Help: "Total number of trap instructions written into the target",
		}),
		BreakpointsCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linecov_ptrace_breakpoints_cleared_total",
			Help: "Total number of trap instructions restored to their original bytes",
		}),
		Traps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linecov_ptrace_traps_total",
			Help: "Total number of SIGTRAP stops observed",
		}),
		SpuriousTraps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "linecov_ptrace_spurious_traps_total",
			Help: "Total number of SIGTRAP stops at addresses without a breakpoint",
		}),
		Signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linecov_ptrace_signals_total",
			Help: "Total number of signals forwarded to the target",
		}, []string{"signal"}),
		Processes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "linecov_ptrace_traced_tasks",
			Help: "Number of tasks currently under trace",
		}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "linecov_ptrace_errors_total",
			Help: "Total number of failed ptrace requests",
		}, []string{"op"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.BreakpointsRegistered,
			m.BreakpointsArmed,
			m.BreakpointsCleared,
			m.Traps,
			m.SpuriousTraps,
			m.Signals,
			m.Processes,
			m.Errors,
		)
	}

	return m
}
