package main

import (
	"github.com/prometheus/procfs"

	"github.com/grafana/linecov/pkg/engine"
	"github.com/grafana/linecov/pkg/engine/ptrace"
	"github.com/grafana/linecov/pkg/metrics"
)

func registerEngines(r *engine.Registry, m *metrics.Metrics) {
	r.Register("ptrace", ptrace.Match, ptrace.Factory(m.Ptrace))
}

func processExecutable(pid int) (string, error) {
	p, err := procfs.NewProc(pid)
	if err != nil {
		return "", err
	}
	return p.Executable()
}
