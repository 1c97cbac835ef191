// Package config holds the command line configuration of linecov.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/linecov/pkg/debuginfo/elf"
	"github.com/grafana/linecov/pkg/filter"
	"github.com/grafana/linecov/pkg/output"
)

type Config struct {
	OutDir     string
	Executable string
	Args       []string

	PID            int
	Verbose        bool
	PathStripLevel int
	OutputInterval time.Duration
	RenderInterval time.Duration
	SkipSolibs     bool
	SolibShim      string
	SolibCompiler  string
	NoMetricsFile  bool

	IncludePatterns []string
	ExcludePatterns []string
	IncludePaths    []string
	ExcludePaths    []string

	// raw flag values, parsed by Validate
	limits         string
	checksum       string
	replaceSrcPath string

	Limits         output.Limits
	Checksum       elf.ChecksumMode
	OrigPathPrefix string
	NewPathPrefix  string
}

// RegisterFlags declares every flag and positional argument on app. Flags are
// only recognized before the executable; everything after it is passed to
// the target.
func (cfg *Config) RegisterFlags(app *kingpin.Application) {
	app.Interspersed(false)

	app.Flag("pid", "Attach to the running process with this pid instead of launching in-file. Interrupting linecov kills the attached process.").Short('p').IntVar(&cfg.PID)
	app.Flag("limits", "Low and high coverage percentages, as low,high.").Default("25,75").StringVar(&cfg.limits)
	app.Flag("include-pattern", "Only report source files whose path contains one of these strings. Repeatable or comma separated.").StringsVar(&cfg.IncludePatterns)
	app.Flag("exclude-pattern", "Do not report source files whose path contains one of these strings. Repeatable or comma separated.").StringsVar(&cfg.ExcludePatterns)
	app.Flag("include-path", "Only report source files below these paths. Repeatable or comma separated.").StringsVar(&cfg.IncludePaths)
	app.Flag("exclude-path", "Do not report source files below these paths. Repeatable or comma separated.").StringsVar(&cfg.ExcludePaths)
	app.Flag("path-strip-level", "Number of trailing path components shown for source files; 0 shows the full path.").Default("2").IntVar(&cfg.PathStripLevel)
	app.Flag("output-interval", "How often the trace loop asks for a report; 0 disables it.").Default("5s").DurationVar(&cfg.OutputInterval)
	app.Flag("render-interval", "How often reports are rendered in the background.").Default("1s").DurationVar(&cfg.RenderInterval)
	app.Flag("skip-solibs", "Do not cover shared objects.").BoolVar(&cfg.SkipSolibs)
	app.Flag("solib-shim", "Prebuilt shared object reporting shim; built with the C compiler when empty.").StringVar(&cfg.SolibShim)
	app.Flag("solib-cc", "C compiler used to build the shared object reporting shim.").Default("cc").Hidden().StringVar(&cfg.SolibCompiler)
	app.Flag("checksum", "How the binary is fingerprinted to validate accumulated coverage: mtime or content.").Default(string(elf.ChecksumMTime)).EnumVar(&cfg.checksum, string(elf.ChecksumMTime), string(elf.ChecksumContent))
	app.Flag("replace-src-path", "Replace a source path prefix, as orig:new.").StringVar(&cfg.replaceSrcPath)
	app.Flag("no-metrics-file", "Do not write metrics.prom.").BoolVar(&cfg.NoMetricsFile)
	app.Flag("verbose", "Enable verbose logging.").Short('v').BoolVar(&cfg.Verbose)

	app.Arg("out-dir", "Directory for the coverage database and reports.").Required().StringVar(&cfg.OutDir)
	app.Arg("in-file", "Executable to trace. Optional with --pid.").StringVar(&cfg.Executable)
	app.Arg("args", "Arguments of the executable.").StringsVar(&cfg.Args)
}

// Validate checks the parsed values and fills the derived fields.
func (cfg *Config) Validate() error {
	if cfg.OutDir == "" {
		return fmt.Errorf("out-dir is required")
	}
	if cfg.Executable == "" && cfg.PID <= 0 {
		return fmt.Errorf("in-file is required unless --pid is given")
	}
	if cfg.PID < 0 {
		return fmt.Errorf("invalid pid %d", cfg.PID)
	}
	if cfg.PathStripLevel < 0 {
		return fmt.Errorf("path-strip-level must not be negative")
	}
	if cfg.OutputInterval < 0 || cfg.RenderInterval < 0 {
		return fmt.Errorf("intervals must not be negative")
	}

	limits, err := parseLimits(cfg.limits)
	if err != nil {
		return err
	}
	cfg.Limits = limits

	cfg.Checksum = elf.ChecksumMode(cfg.checksum)
	if cfg.Checksum == "" {
		cfg.Checksum = elf.ChecksumMTime
	}

	if cfg.replaceSrcPath != "" {
		orig, repl, ok := strings.Cut(cfg.replaceSrcPath, ":")
		if !ok || orig == "" {
			return fmt.Errorf("replace-src-path must look like orig:new, got %q", cfg.replaceSrcPath)
		}
		cfg.OrigPathPrefix, cfg.NewPathPrefix = orig, repl
	}

	cfg.IncludePatterns = splitList(cfg.IncludePatterns)
	cfg.ExcludePatterns = splitList(cfg.ExcludePatterns)
	cfg.IncludePaths = splitList(cfg.IncludePaths)
	cfg.ExcludePaths = splitList(cfg.ExcludePaths)
	return nil
}

func parseLimits(s string) (output.Limits, error) {
	if s == "" {
		return output.DefaultLimits, nil
	}
	lowStr, highStr, ok := strings.Cut(s, ",")
	if !ok {
		return output.Limits{}, fmt.Errorf("limits must look like low,high, got %q", s)
	}
	low, err := strconv.Atoi(strings.TrimSpace(lowStr))
	if err != nil {
		return output.Limits{}, fmt.Errorf("low limit: %w", err)
	}
	high, err := strconv.Atoi(strings.TrimSpace(highStr))
	if err != nil {
		return output.Limits{}, fmt.Errorf("high limit: %w", err)
	}
	if low < 0 || high > 100 || low > high {
		return output.Limits{}, fmt.Errorf("limits must satisfy 0 <= low <= high <= 100, got %d,%d", low, high)
	}
	return output.Limits{Low: low, High: high}, nil
}

func splitList(values []string) []string {
	res := lo.FlatMap(values, func(v string, _ int) []string {
		return strings.Split(v, ",")
	})
	res = lo.Map(res, func(v string, _ int) string { return strings.TrimSpace(v) })
	return lo.Compact(res)
}

func (cfg *Config) FilterOptions() filter.Options {
	return filter.Options{
		IncludePatterns: cfg.IncludePatterns,
		ExcludePatterns: cfg.ExcludePatterns,
		IncludePaths:    cfg.IncludePaths,
		ExcludePaths:    cfg.ExcludePaths,
	}
}

func (cfg *Config) SourceOptions() elf.Options {
	return elf.Options{
		Checksum:       cfg.Checksum,
		OrigPathPrefix: cfg.OrigPathPrefix,
		NewPathPrefix:  cfg.NewPathPrefix,
	}
}
