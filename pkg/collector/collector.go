// Package collector drives the traced process and turns breakpoint hits into
// per-address notifications.
package collector

import (
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/samber/lo"

	"github.com/grafana/linecov/pkg/debuginfo"
	"github.com/grafana/linecov/pkg/engine"
	"github.com/grafana/linecov/pkg/filter"
)

// AddressListener is told about every executed breakpoint address.
type AddressListener interface {
	OnAddressHit(addr uint64, hits uint64)
}

// TickListener runs on the trace goroutine before the target is resumed. A
// true result means new breakpoints may have been registered.
type TickListener interface {
	OnTick() bool
}

type Snapshotter interface {
	RequestSnapshot()
}

type Options struct {
	// OutputInterval is how often a snapshot is requested from the trace
	// loop. Zero disables it.
	OutputInterval time.Duration
	Attached       bool
	Snapshotter    Snapshotter
}

// ExitError is the exit code of a run that did not end with the target.
const ExitError = -1

type Collector struct {
	logger log.Logger
	source debuginfo.Source
	engine engine.Engine
	filter filter.Filter
	opts   Options

	listeners     []AddressListener
	tickListeners []TickListener

	// number of lines claiming each address
	occurrences map[uint64]int
	files       int
	hits        uint64
	failed      int
	exitCode    int
}

func New(logger log.Logger, source debuginfo.Source, eng engine.Engine, f filter.Filter, opts Options) *Collector {
	if f == nil {
		f = filter.All
	}
	c := &Collector{
		logger:      log.With(logger, "component", "collector"),
		source:      source,
		engine:      eng,
		filter:      f,
		opts:        opts,
		occurrences: make(map[uint64]int),
		exitCode:    ExitError,
	}
	source.RegisterLineListener(c)
	source.RegisterFileListener(c)
	return c
}

func (c *Collector) RegisterListener(l AddressListener) {
	c.listeners = append(c.listeners, l)
}

func (c *Collector) RegisterTickListener(l TickListener) {
	c.tickListeners = append(c.tickListeners, l)
}

// Run traces executable until the primary process ends and returns its exit
// code, 128+signal when a signal killed it, or ExitError.
func (c *Collector) Run(executable string) int {
	// every ptrace request must come from the thread that attached
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := c.engine.Start(c, executable); err != nil {
		level.Error(c.logger).Log("msg", "cannot start target", "executable", executable, "err", err)
		return ExitError
	}
	if pa, ok := c.source.(debuginfo.ProcessAware); ok {
		if err := pa.OnProcessStarted(c.engine.ProcessID(), c.opts.Attached); err != nil {
			level.Warn(c.logger).Log("msg", "cannot read process mappings", "pid", c.engine.ProcessID(), "err", err)
		}
	}
	if err := c.source.Parse(); err != nil {
		level.Warn(c.logger).Log("msg", "incomplete debug information", "err", err)
	}
	c.setupBreakpoints()

	last := time.Now()
	for {
		c.tick()
		if !c.engine.ContinueExecution() {
			break
		}
		if c.opts.OutputInterval > 0 && c.opts.Snapshotter != nil && time.Since(last) >= c.opts.OutputInterval {
			c.opts.Snapshotter.RequestSnapshot()
			last = time.Now()
		}
	}
	c.diagnostics()
	return c.exitCode
}

func (c *Collector) tick() {
	work := false
	for _, l := range c.tickListeners {
		if l.OnTick() {
			work = true
		}
	}
	if work {
		c.setupBreakpoints()
	}
}

func (c *Collector) setupBreakpoints() {
	if err := c.engine.SetupAllBreakpoints(); err != nil {
		level.Warn(c.logger).Log("msg", "some breakpoints could not be set", "err", err)
	}
}

func (c *Collector) OnFile(f debuginfo.File) {
	c.files++
	level.Debug(c.logger).Log("msg", "parsing", "path", f.Path, "solib", f.Flags&debuginfo.FileSolib != 0)
}

func (c *Collector) OnLine(file string, line uint, addr uint64) {
	if addr == 0 || !c.filter.Include(file) {
		return
	}
	if _, err := c.engine.RegisterBreakpoint(addr); err != nil {
		c.failed++
		level.Debug(c.logger).Log("msg", "cannot register breakpoint", "file", file, "line", line, "addr", fmt.Sprintf("%#x", addr), "err", err)
		return
	}
	c.occurrences[addr]++
}

func (c *Collector) OnEvent(ev engine.Event) {
	switch ev.Type {
	case engine.EventBreakpoint:
		if ev.Data == engine.SpuriousBreakpoint {
			level.Debug(c.logger).Log("msg", "trap without a breakpoint", "pid", ev.Pid, "addr", fmt.Sprintf("%#x", ev.Addr))
			return
		}
		c.hits++
		for _, l := range c.listeners {
			l.OnAddressHit(ev.Addr, 1)
		}
		c.engine.ClearBreakpoint(ev.Addr)
	case engine.EventExitFirstProcess:
		c.exitCode = ev.Data
		level.Debug(c.logger).Log("msg", "target exited", "pid", ev.Pid, "code", ev.Data)
	case engine.EventSignalExit:
		c.exitCode = 128 + ev.Data
		level.Info(c.logger).Log("msg", "target killed by signal", "pid", ev.Pid, "signal", ev.Data)
	case engine.EventExit:
		level.Debug(c.logger).Log("msg", "task exited", "pid", ev.Pid, "code", ev.Data)
	case engine.EventNewProcess:
		level.Debug(c.logger).Log("msg", "new task", "parent", ev.Pid, "pid", ev.Data)
	case engine.EventSignal:
		level.Debug(c.logger).Log("msg", "target received signal", "pid", ev.Pid, "signal", ev.Data)
	case engine.EventError:
		c.exitCode = ExitError
		level.Error(c.logger).Log("msg", "tracing failed", "errno", ev.Data)
	}
}

func (c *Collector) diagnostics() {
	shared := lo.CountBy(lo.Values(c.occurrences), func(n int) bool { return n > 1 })
	level.Info(c.logger).Log(
		"msg", "trace finished",
		"files", c.files,
		"breakpoints", humanize.Comma(int64(len(c.occurrences))),
		"hits", humanize.Comma(int64(c.hits)),
		"failed", c.failed,
		"shared_addresses", shared,
		"exit_code", c.exitCode,
	)
}
