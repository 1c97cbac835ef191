package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/linecov/pkg/collector"
	"github.com/grafana/linecov/pkg/config"
	"github.com/grafana/linecov/pkg/debuginfo"
	"github.com/grafana/linecov/pkg/debuginfo/elf"
	"github.com/grafana/linecov/pkg/engine"
	"github.com/grafana/linecov/pkg/filter"
	"github.com/grafana/linecov/pkg/metrics"
	"github.com/grafana/linecov/pkg/output"
	"github.com/grafana/linecov/pkg/reporter"
	"github.com/grafana/linecov/pkg/solib"
)

var (
	consoleOutput = os.Stderr
	logger        = log.NewLogfmtLogger(log.NewSyncWriter(consoleOutput))
)

func main() {
	var cfg config.Config

	app := kingpin.New(filepath.Base(os.Args[0]), "Line coverage for native programs, collected with breakpoints.").UsageWriter(os.Stdout)
	app.Version(version.Print("linecov"))
	app.HelpFlag.Short('h')
	cfg.RegisterFlags(app)

	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if !cfg.Verbose {
		logger = level.NewFilter(logger, level.AllowInfo())
	}

	code, err := runLinecov(context.Background(), &cfg)
	if err != nil {
		os.Exit(checkError(err))
	}
	os.Exit(exitCode(code))
}

func checkError(err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return 1
}

// exitCode maps the target's exit status to ours.
func exitCode(code int) int {
	if code == collector.ExitError {
		return 1
	}
	return code
}

// runLinecov traces the configured program and writes its coverage. The int
// is the target's exit status.
func runLinecov(ctx context.Context, cfg *config.Config) (int, error) {
	if err := cfg.Validate(); err != nil {
		return 0, err
	}

	executable := cfg.Executable
	if executable == "" {
		exe, err := processExecutable(cfg.PID)
		if err != nil {
			return 0, errors.Wrapf(err, "resolve executable of pid %d", cfg.PID)
		}
		executable = exe
	}
	outDir := filepath.Join(cfg.OutDir, filepath.Base(executable))
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(outDir, 0o755); err != nil {
		return 0, errors.Wrap(err, "create output directory")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		versioncollector.NewCollector("linecov"),
	)
	m := metrics.New(reg)

	sources := debuginfo.NewRegistry()
	sources.Register("elf", elf.Match, elf.Factory(cfg.SourceOptions()))
	name, newSource, err := sources.Best(executable)
	if err != nil {
		return 0, errors.Wrap(err, "no debug information reader")
	}
	src, err := newSource(logger, executable)
	if err != nil {
		return 0, errors.Wrapf(err, "open %s", executable)
	}
	level.Debug(logger).Log("msg", "debug information", "reader", name, "source", src.Filename())

	f, err := filter.New(cfg.FilterOptions())
	if err != nil {
		return 0, errors.Wrap(err, "filter")
	}

	engOpts := engine.Options{
		Args:      cfg.Args,
		AttachPID: cfg.PID,
	}
	var watcher *solib.Watcher
	stopWatcher := func() {}
	defer func() { stopWatcher() }()
	if !cfg.SkipSolibs {
		shim, err := solib.PrepareShim(ctx, logger, fs, outDir, cfg.SolibShim, cfg.SolibCompiler)
		if err != nil {
			level.Warn(logger).Log("msg", "shared objects are not covered", "err", err)
		}
		watcher = solib.NewWatcher(logger, src, solib.Options{Dir: outDir, ShimPath: shim}, m.Solib)
		if err := watcher.Start(); err != nil {
			return 0, errors.Wrap(err, "start shared object watcher")
		}
		stopWatcher = sync.OnceFunc(func() {
			if err := watcher.Stop(); err != nil {
				level.Warn(logger).Log("msg", "stop shared object watcher", "err", err)
			}
		})
		engOpts.Env = watcher.Env()
		engOpts.Barrier = watcher
	}

	engines := engine.NewRegistry()
	registerEngines(engines, m)
	name, newEngine, err := engines.Best(executable)
	if err != nil {
		return 0, errors.Wrap(err, "no engine")
	}
	eng, err := newEngine(logger, engOpts)
	if err != nil {
		return 0, errors.Wrapf(err, "create %s engine", name)
	}

	rep, err := reporter.New(logger, src, f, fs)
	if err != nil {
		return 0, err
	}

	writers := []output.Writer{
		output.NewDatabaseWriter(logger, fs, outDir, rep),
		output.NewJSONWriter(fs, outDir, rep, output.JSONOptions{
			Command:        strings.Join(append([]string{executable}, cfg.Args...), " "),
			Limits:         cfg.Limits,
			PathStripLevel: cfg.PathStripLevel,
		}),
	}
	if !cfg.NoMetricsFile {
		writers = append(writers, output.NewMetricsWriter(fs, outDir, reg, func() { m.ObserveCoverage(rep) }))
	}
	sched := output.NewScheduler(logger, writers, output.SchedulerOptions{Interval: cfg.RenderInterval}, m.Output)
	if err := services.StartAndAwaitRunning(ctx, sched); err != nil {
		return 0, errors.Wrap(err, "start output")
	}

	coll := collector.New(logger, src, eng, f, collector.Options{
		OutputInterval: cfg.OutputInterval,
		Attached:       cfg.PID > 0,
		Snapshotter:    sched,
	})
	coll.RegisterListener(rep)
	if watcher != nil {
		coll.RegisterTickListener(watcher)
	}

	code := traceUntilDone(logger, coll, eng, sched, executable)

	stopWatcher()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		level.Error(logger).Log("msg", "final report incomplete", "dir", outDir, "err", err)
	}

	printSummary(os.Stdout, rep, cfg.Limits, cfg.PathStripLevel)
	level.Info(logger).Log("msg", "coverage written", "dir", outDir, "exit_code", code)
	return code, nil
}

// traceUntilDone runs the trace loop next to a signal handler. A signal kills
// the target, which ends the loop.
func traceUntilDone(logger log.Logger, coll *collector.Collector, eng engine.Engine, sched *output.Scheduler, executable string) int {
	var (
		g        run.Group
		code     = collector.ExitError
		finished atomic.Bool
	)
	g.Add(func() error {
		code = coll.Run(executable)
		finished.Store(true)
		return nil
	}, func(err error) {
		if finished.Load() {
			return
		}
		level.Info(logger).Log("msg", "stopping target", "reason", err)
		sched.Interrupt()
		eng.Kill(syscall.SIGKILL)
	})
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	_ = g.Run()
	return code
}
