//go:build !linux

package main

import (
	"fmt"
	"runtime"

	"github.com/grafana/linecov/pkg/engine"
	"github.com/grafana/linecov/pkg/metrics"
)

// No engine is available here; the registry reports ErrNoMatch.
func registerEngines(*engine.Registry, *metrics.Metrics) {}

func processExecutable(int) (string, error) {
	return "", fmt.Errorf("attaching is not supported on %s", runtime.GOOS)
}
