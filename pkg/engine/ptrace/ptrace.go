//go:build linux

// Package ptrace implements the breakpoint engine on top of ptrace(2).
package ptrace

import (
	"debug/elf"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/grafana/linecov/pkg/engine"
)

const (
	launchOptions = unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK | unix.PTRACE_O_EXITKILL
	attachOptions = unix.PTRACE_O_TRACECLONE | unix.PTRACE_O_TRACEFORK | unix.PTRACE_O_TRACEVFORK
)

type breakpoint struct {
	id   int
	addr uint64
	// orig is the aligned word as read at registration.
	orig  uint64
	armed bool
}

type Options struct {
	engine.Options
	Tracer Tracer
	Arch   *engine.Arch
}

type Engine struct {
	logger  log.Logger
	opts    Options
	arch    engine.Arch
	tracer  Tracer
	metrics *Metrics

	listener engine.Listener

	breakpoints map[uint64]*breakpoint
	pending     []uint64

	firstPid int
	// active is the task that stopped last; it is the one resumed next.
	active    int
	activePid atomic.Int64
	stopped   bool
	signal    syscall.Signal
	// children maps every traced task to whether its initial SIGSTOP is
	// still expected.
	children map[int]bool
	firstHit bool
	selfPid  int
}

func New(logger log.Logger, opts Options, metrics *Metrics) (*Engine, error) {
	var arch engine.Arch
	if opts.Arch != nil {
		arch = *opts.Arch
	} else {
		a, err := engine.HostArch()
		if err != nil {
			return nil, err
		}
		arch = a
	}
	if opts.Tracer == nil {
		opts.Tracer = NewSysTracer(true)
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Engine{
		logger:      log.With(logger, "component", "ptrace"),
		opts:        opts,
		arch:        arch,
		tracer:      opts.Tracer,
		metrics:     metrics,
		breakpoints: make(map[uint64]*breakpoint),
		children:    make(map[int]bool),
		selfPid:     os.Getpid(),
	}, nil
}

// Factory adapts New to the engine registry.
func Factory(metrics *Metrics) engine.Factory {
	return func(logger log.Logger, opts engine.Options) (engine.Engine, error) {
		return New(logger, Options{Options: opts}, metrics)
	}
}

// Match scores ELF files of the host architecture.
func Match(_ string, header []byte) int {
	if len(header) < 20 || string(header[:4]) != elf.ELFMAG {
		return 0
	}
	host, err := engine.HostArch()
	if err != nil {
		return 0
	}
	var machine elf.Machine
	switch elf.Data(header[elf.EI_DATA]) {
	case elf.ELFDATA2LSB:
		machine = elf.Machine(uint16(header[18]) | uint16(header[19])<<8)
	case elf.ELFDATA2MSB:
		machine = elf.Machine(uint16(header[18])<<8 | uint16(header[19]))
	default:
		return 0
	}
	if machine == host.Machine || (host.Machine == elf.EM_X86_64 && machine == elf.EM_386) {
		return 100
	}
	return 0
}

func (e *Engine) Start(l engine.Listener, executable string) error {
	e.listener = l
	var err error
	if e.opts.AttachPID > 0 {
		err = e.attach(e.opts.AttachPID)
	} else {
		err = e.launch(executable)
	}
	if err != nil {
		return err
	}
	if err := e.tracer.Pin(e.firstPid); err != nil {
		level.Warn(e.logger).Log("msg", "failed to pin tracer and target to one cpu", "err", err)
	}
	return nil
}

func (e *Engine) launch(executable string) error {
	argv := append([]string{executable}, e.opts.Args...)
	env := mergeEnv(os.Environ(), e.opts.Env)
	pid, err := e.tracer.Launch(argv, env)
	if err != nil {
		return fmt.Errorf("launch %s: %w", executable, err)
	}
	_, ws, err := e.tracer.Wait(pid)
	if err != nil {
		return fmt.Errorf("wait for %d: %w", pid, err)
	}
	if !ws.Stopped() {
		return fmt.Errorf("process %d did not stop after exec (status %#x)", pid, uint32(ws))
	}
	if err := e.tracer.SetOptions(pid, launchOptions); err != nil {
		return fmt.Errorf("set ptrace options on %d: %w", pid, err)
	}
	e.firstPid = pid
	e.addTask(pid, false)
	e.setActive(pid)
	e.stopped = true
	level.Debug(e.logger).Log("msg", "launched", "pid", pid, "executable", executable)
	return nil
}

// mergeEnv overrides base with extra by variable name. The loader reads the
// first occurrence of a variable, so duplicates must not reach the target.
func mergeEnv(base, extra []string) []string {
	keys := lo.SliceToMap(extra, func(kv string) (string, struct{}) {
		k, _, _ := strings.Cut(kv, "=")
		return k, struct{}{}
	})
	res := lo.Filter(base, func(kv string, _ int) bool {
		k, _, _ := strings.Cut(kv, "=")
		_, ok := keys[k]
		return !ok
	})
	return append(res, extra...)
}

func (e *Engine) attach(pid int) error {
	tids, err := e.tracer.Threads(pid)
	if err != nil {
		return fmt.Errorf("list threads of %d: %w", pid, err)
	}
	for _, tid := range tids {
		if err := e.tracer.Attach(tid); err != nil {
			if tid == pid {
				return fmt.Errorf("attach to %d: %w", pid, err)
			}
			level.Warn(e.logger).Log("msg", "failed to attach to thread", "tid", tid, "err", err)
			continue
		}
		if _, _, err := e.tracer.Wait(tid); err != nil {
			return fmt.Errorf("wait for %d: %w", tid, err)
		}
		if err := e.tracer.SetOptions(tid, attachOptions); err != nil {
			level.Warn(e.logger).Log("msg", "failed to set ptrace options", "tid", tid, "err", err)
		}
		e.addTask(tid, false)
	}
	// only pid stays stopped; it is resumed by the first ContinueExecution
	for tid := range e.children {
		if tid == pid {
			continue
		}
		if err := e.tracer.Cont(tid, 0); err != nil {
			level.Warn(e.logger).Log("msg", "failed to resume thread", "tid", tid, "err", err)
		}
	}
	e.firstPid = pid
	e.setActive(pid)
	e.stopped = true
	level.Debug(e.logger).Log("msg", "attached", "pid", pid, "threads", len(e.children))
	return nil
}

func (e *Engine) ProcessID() int {
	return e.firstPid
}

func (e *Engine) RegisterBreakpoint(addr uint64) (int, error) {
	if bp, ok := e.breakpoints[addr]; ok {
		return bp.id, nil
	}
	lane, err := e.arch.Lane(addr)
	if err != nil {
		return -1, err
	}
	word, err := e.tracer.PeekWord(e.active, lane.Word)
	if err != nil {
		e.metrics.Errors.WithLabelValues("peek").Inc()
		return -1, fmt.Errorf("read %#x: %w", lane.Word, err)
	}
	bp := &breakpoint{id: len(e.breakpoints), addr: addr, orig: word}
	e.breakpoints[addr] = bp
	e.pending = append(e.pending, addr)
	e.metrics.BreakpointsRegistered.Inc()
	return bp.id, nil
}

func (e *Engine) SetupAllBreakpoints() error {
	errs := multierror.New()
	for _, addr := range e.pending {
		if err := e.arm(e.breakpoints[addr]); err != nil {
			errs.Add(err)
		}
	}
	e.pending = e.pending[:0]
	return errs.Err()
}

func (e *Engine) arm(bp *breakpoint) error {
	lane, err := e.arch.Lane(bp.addr)
	if err != nil {
		return err
	}
	cur, err := e.tracer.PeekWord(e.active, lane.Word)
	if err != nil {
		e.metrics.Errors.WithLabelValues("peek").Inc()
		return fmt.Errorf("read %#x: %w", lane.Word, err)
	}
	patched, err := e.arch.Patch(bp.addr, cur)
	if err != nil {
		return err
	}
	if err := e.tracer.PokeWord(e.active, lane.Word, patched); err != nil {
		e.metrics.Errors.WithLabelValues("poke").Inc()
		return fmt.Errorf("write %#x: %w", lane.Word, err)
	}
	bp.armed = true
	e.metrics.BreakpointsArmed.Inc()
	return nil
}

// ClearBreakpoint restores the original instruction at addr in the active
// task. The record is kept so that a stop another task already took at addr
// is still recognized.
func (e *Engine) ClearBreakpoint(addr uint64) bool {
	bp, ok := e.breakpoints[addr]
	if !ok {
		return false
	}
	if !bp.armed {
		e.dropPending(addr)
		return true
	}
	lane, err := e.arch.Lane(addr)
	if err != nil {
		return false
	}
	cur, err := e.tracer.PeekWord(e.active, lane.Word)
	if err != nil {
		e.metrics.Errors.WithLabelValues("peek").Inc()
		level.Debug(e.logger).Log("msg", "failed to read breakpoint word", "addr", fmt.Sprintf("%#x", addr), "err", err)
		return false
	}
	// a forked task may already have restored its own copy
	if !e.arch.IsTrap(addr, cur) {
		return true
	}
	restored, err := e.arch.Restore(addr, bp.orig, cur)
	if err != nil {
		return false
	}
	if err := e.tracer.PokeWord(e.active, lane.Word, restored); err != nil {
		e.metrics.Errors.WithLabelValues("poke").Inc()
		level.Debug(e.logger).Log("msg", "failed to restore breakpoint word", "addr", fmt.Sprintf("%#x", addr), "err", err)
		return false
	}
	e.metrics.BreakpointsCleared.Inc()
	return true
}

func (e *Engine) dropPending(addr uint64) {
	for i, a := range e.pending {
		if a == addr {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			return
		}
	}
}

func (e *Engine) ContinueExecution() bool {
	if e.stopped {
		sig := e.signal
		e.signal = 0
		e.stopped = false
		if err := e.tracer.Cont(e.active, sig); err != nil {
			e.metrics.Errors.WithLabelValues("cont").Inc()
			level.Debug(e.logger).Log("msg", "failed to resume task", "pid", e.active, "err", err)
			if errors.Is(err, unix.ESRCH) {
				e.removeTask(e.active)
			}
		}
	}

	pid, ws, err := e.tracer.Wait(-1)
	if err != nil {
		e.metrics.Errors.WithLabelValues("wait").Inc()
		level.Error(e.logger).Log("msg", "wait failed", "err", err)
		e.emit(engine.Event{Type: engine.EventError, Data: errnoOf(err)})
		return false
	}
	e.setActive(pid)

	switch {
	case ws.Exited():
		return e.onExit(pid, ws.ExitStatus(), 0)
	case ws.Signaled():
		return e.onExit(pid, 0, ws.Signal())
	case ws.Stopped():
		e.stopped = true
		e.onStop(pid, ws)
	}
	return true
}

func (e *Engine) onExit(pid, code int, sig syscall.Signal) bool {
	e.removeTask(pid)
	if pid == e.firstPid {
		if sig != 0 {
			e.emit(engine.Event{Type: engine.EventSignalExit, Data: int(sig), Pid: pid})
		} else {
			e.emit(engine.Event{Type: engine.EventExitFirstProcess, Data: code, Pid: pid})
		}
		return false
	}
	if sig != 0 {
		code = 128 + int(sig)
	}
	e.emit(engine.Event{Type: engine.EventExit, Data: code, Pid: pid})
	return true
}

func (e *Engine) onStop(pid int, ws unix.WaitStatus) {
	sig := ws.StopSignal()
	initialStopPending, known := e.children[pid]

	if sig == unix.SIGTRAP {
		switch ws.TrapCause() {
		case unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK, unix.PTRACE_EVENT_CLONE:
			e.onNewTask(pid)
			return
		}
	}
	if sig == unix.SIGSTOP && (!known || initialStopPending) {
		// the first stop of a new task; it may arrive before the parent's event
		e.addTask(pid, false)
		return
	}
	if !known {
		e.addTask(pid, false)
	}
	if sig == unix.SIGTRAP {
		e.onTrap(pid)
		return
	}
	e.signal = sig
	e.metrics.Signals.WithLabelValues(unix.SignalName(sig)).Inc()
	e.emit(engine.Event{Type: engine.EventSignal, Data: int(sig), Pid: pid})
}

func (e *Engine) onNewTask(parent int) {
	msg, err := e.tracer.EventMsg(parent)
	if err != nil {
		e.metrics.Errors.WithLabelValues("geteventmsg").Inc()
		level.Warn(e.logger).Log("msg", "failed to read new task id", "parent", parent, "err", err)
		return
	}
	child := int(msg)
	if _, seen := e.children[child]; !seen {
		e.addTask(child, true)
	}
	e.emit(engine.Event{Type: engine.EventNewProcess, Data: child, Pid: parent})
}

func (e *Engine) onTrap(pid int) {
	e.metrics.Traps.Inc()
	pc, err := e.tracer.PC(pid)
	if err != nil {
		e.metrics.Errors.WithLabelValues("getregs").Inc()
		level.Warn(e.logger).Log("msg", "failed to read pc", "pid", pid, "err", err)
		return
	}
	addr := pc - e.arch.PCAdjust
	bp, ok := e.breakpoints[addr]
	if !ok {
		e.metrics.SpuriousTraps.Inc()
		e.emit(engine.Event{Type: engine.EventBreakpoint, Data: engine.SpuriousBreakpoint, Addr: addr, Pid: pid})
		return
	}
	if e.arch.PCAdjust != 0 {
		if err := e.tracer.SetPC(pid, addr); err != nil {
			e.metrics.Errors.WithLabelValues("setregs").Inc()
			level.Warn(e.logger).Log("msg", "failed to rewind pc", "pid", pid, "err", err)
		}
	}
	if !e.firstHit {
		e.firstHit = true
		if e.opts.Barrier != nil {
			e.opts.Barrier.WaitDrained()
		}
	}
	e.emit(engine.Event{Type: engine.EventBreakpoint, Data: bp.id, Addr: addr, Pid: pid})
}

// Kill signals the active task. It is safe to call from any goroutine.
func (e *Engine) Kill(sig syscall.Signal) {
	pid := int(e.activePid.Load())
	if pid <= 0 || pid == e.selfPid {
		return
	}
	if err := e.tracer.Kill(pid, sig); err != nil {
		level.Debug(e.logger).Log("msg", "failed to signal target", "pid", pid, "err", err)
	}
}

func (e *Engine) setActive(pid int) {
	e.active = pid
	e.activePid.Store(int64(pid))
}

func (e *Engine) addTask(pid int, initialStopPending bool) {
	if _, ok := e.children[pid]; !ok {
		e.metrics.Processes.Inc()
	}
	e.children[pid] = initialStopPending
}

func (e *Engine) removeTask(pid int) {
	if _, ok := e.children[pid]; ok {
		e.metrics.Processes.Dec()
		delete(e.children, pid)
	}
}

func (e *Engine) emit(ev engine.Event) {
	if e.listener != nil {
		e.listener.OnEvent(ev)
	}
}

func errnoOf(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return -1
}
