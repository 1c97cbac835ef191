package output

import (
	"bytes"
	"context"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/afero"
)

const MetricsFile = "metrics.prom"

// MetricsWriter dumps the tool's own metrics in the text exposition format,
// ready for a node_exporter textfile collector.
type MetricsWriter struct {
	fs       afero.Fs
	path     string
	gatherer prometheus.Gatherer
	refresh  func()
}

// NewMetricsWriter creates the writer. refresh, when set, runs before every
// gather to update gauges that mirror other state.
func NewMetricsWriter(fs afero.Fs, dir string, gatherer prometheus.Gatherer, refresh func()) *MetricsWriter {
	return &MetricsWriter{fs: fs, path: filepath.Join(dir, MetricsFile), gatherer: gatherer, refresh: refresh}
}

func (w *MetricsWriter) Name() string { return "metrics" }

func (w *MetricsWriter) OnStartup(context.Context) error { return nil }

func (w *MetricsWriter) OnStop(context.Context) error { return nil }

func (w *MetricsWriter) Write(context.Context) error {
	if w.refresh != nil {
		w.refresh()
	}
	families, err := w.gatherer.Gather()
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return err
		}
	}
	return writeFileAtomic(w.fs, w.path, buf.Bytes())
}
