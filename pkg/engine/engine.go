// Package engine defines the contract between the collector and the
// component that controls the traced process.
package engine

import (
	"fmt"
	"syscall"

	"github.com/go-kit/log"

	"github.com/grafana/linecov/pkg/registry"
)

type EventType int

const (
	EventError EventType = iota
	EventBreakpoint
	EventSignal
	EventNewProcess
	EventExit
	EventExitFirstProcess
	EventSignalExit
)

func (t EventType) String() string {
	switch t {
	case EventError:
		return "error"
	case EventBreakpoint:
		return "breakpoint"
	case EventSignal:
		return "signal"
	case EventNewProcess:
		return "new-process"
	case EventExit:
		return "exit"
	case EventExitFirstProcess:
		return "exit-first-process"
	case EventSignalExit:
		return "signal-exit"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// SpuriousBreakpoint is the Data of a breakpoint event for a trap that no
// registered breakpoint explains.
const SpuriousBreakpoint = -1

// Event is a normalized notification about the traced process tree.
//
// Data holds the breakpoint id for EventBreakpoint, the signal number for
// EventSignal and EventSignalExit, the exit code for the exit events and the
// new pid for EventNewProcess.
type Event struct {
	Type EventType
	Data int
	Addr uint64
	Pid  int
}

type Listener interface {
	OnEvent(Event)
}

// Engine controls a traced process. Start and every call after it must come
// from one goroutine locked to its OS thread; only Kill may be called from
// elsewhere.
type Engine interface {
	Start(l Listener, executable string) error
	// RegisterBreakpoint records addr and returns its id. It does not touch
	// the target's memory; SetupAllBreakpoints does.
	RegisterBreakpoint(addr uint64) (int, error)
	SetupAllBreakpoints() error
	ClearBreakpoint(addr uint64) bool
	// ContinueExecution resumes the target, waits for the next stop and
	// reports it. It returns false once tracing is over.
	ContinueExecution() bool
	Kill(sig syscall.Signal)
	ProcessID() int
}

// Barrier is consulted once, on the first breakpoint, so that modules loaded
// before it are known before execution continues.
type Barrier interface {
	WaitDrained()
}

// Options are shared by every engine implementation.
type Options struct {
	Args      []string
	Env       []string
	AttachPID int
	Barrier   Barrier
}

type Factory func(logger log.Logger, opts Options) (Engine, error)

type Registry = registry.Registry[Factory]

func NewRegistry() *Registry {
	return registry.New[Factory]()
}
