package output

import (
	"context"
	"fmt"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/afero"

	"github.com/grafana/linecov/pkg/reporter"
)

const JSONFile = "coverage.json"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Summarizer interface {
	ExecutionSummary() reporter.Summary
	FileSummaries() []reporter.FileSummary
}

type JSONOptions struct {
	Command        string
	Limits         Limits
	PathStripLevel int
}

type jsonLine struct {
	Line     uint `json:"line"`
	Hits     int  `json:"hits"`
	Possible int  `json:"possible"`
}

type jsonFile struct {
	File           string     `json:"file"`
	Display        string     `json:"display"`
	PercentCovered string     `json:"percent_covered"`
	CoveredLines   int        `json:"covered_lines"`
	TotalLines     int        `json:"total_lines"`
	Status         Status     `json:"status"`
	Lines          []jsonLine `json:"lines"`
}

type jsonReport struct {
	Command        string     `json:"command"`
	Files          []jsonFile `json:"files"`
	PercentCovered string     `json:"percent_covered"`
	CoveredLines   int        `json:"covered_lines"`
	TotalLines     int        `json:"total_lines"`
	Status         Status     `json:"status"`
	PercentLow     int        `json:"percent_low"`
	PercentHigh    int        `json:"percent_high"`
}

// JSONWriter renders coverage.json: totals and per-file line counts.
type JSONWriter struct {
	fs   afero.Fs
	path string
	src  Summarizer
	opts JSONOptions
}

func NewJSONWriter(fs afero.Fs, dir string, src Summarizer, opts JSONOptions) *JSONWriter {
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits
	}
	return &JSONWriter{fs: fs, path: filepath.Join(dir, JSONFile), src: src, opts: opts}
}

func (w *JSONWriter) Name() string { return "json" }

func (w *JSONWriter) OnStartup(context.Context) error { return nil }

func (w *JSONWriter) OnStop(context.Context) error { return nil }

func percent(s reporter.Summary) string {
	return fmt.Sprintf("%.2f", s.Percent())
}

func (w *JSONWriter) report() jsonReport {
	total := w.src.ExecutionSummary()
	res := jsonReport{
		Command:        w.opts.Command,
		Files:          []jsonFile{},
		PercentCovered: percent(total),
		CoveredLines:   total.ExecutedLines,
		TotalLines:     total.Lines,
		Status:         w.opts.Limits.Status(total.Percent()),
		PercentLow:     w.opts.Limits.Low,
		PercentHigh:    w.opts.Limits.High,
	}
	for _, f := range w.src.FileSummaries() {
		jf := jsonFile{
			File:           f.Path,
			Display:        StripPath(f.Path, w.opts.PathStripLevel),
			PercentCovered: percent(f.Summary),
			CoveredLines:   f.ExecutedLines,
			TotalLines:     f.Lines,
			Status:         w.opts.Limits.Status(f.Percent()),
			Lines:          make([]jsonLine, 0, len(f.LineCounts)),
		}
		for _, l := range f.LineCounts {
			jf.Lines = append(jf.Lines, jsonLine{Line: l.Line, Hits: l.Hits, Possible: l.Possible})
		}
		res.Files = append(res.Files, jf)
	}
	return res
}

func (w *JSONWriter) Write(context.Context) error {
	data, err := json.MarshalIndent(w.report(), "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(w.fs, w.path, append(data, '\n'))
}
