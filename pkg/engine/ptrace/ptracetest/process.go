//go:build linux

// Package ptracetest provides a scripted process that stands in for the
// kernel behind ptrace.Tracer.
package ptracetest

import (
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/grafana/linecov/pkg/engine"
)

// Step is one instruction of the scripted program.
type Step struct {
	Addr uint64
	// Trap makes the instruction a hard-coded trap, one that no breakpoint
	// placed.
	Trap bool
	// Signal stops the program with the signal instead of executing Addr.
	Signal syscall.Signal
	// Fork creates a child task that exits as soon as it is resumed.
	Fork bool
	// Do runs when the step is reached, before it executes.
	Do func()
}

type status struct {
	pid int
	ws  unix.WaitStatus
}

// Process is a single-threaded scripted program. Every method is safe for
// concurrent use.
type Process struct {
	Pid      int
	Arch     engine.Arch
	Script   []Step
	ExitCode int
	// ExtraThreads lists thread ids besides Pid reported in attach mode.
	ExtraThreads []int

	mu        sync.Mutex
	memory    map[uint64]uint64
	queue     []status
	pc        uint64
	next      int
	trapStep  int
	running   bool
	exited    bool
	did       map[int]bool
	lastChild int
	nextChild int
	children  map[int]bool

	Argv      []string
	Env       []string
	Delivered []syscall.Signal
	Killed    []syscall.Signal
	Pinned    bool
	Attached  []int
}

func New(pid int, arch engine.Arch, script ...Step) *Process {
	return &Process{
		Pid:       pid,
		Arch:      arch,
		Script:    script,
		memory:    make(map[uint64]uint64),
		trapStep:  -1,
		did:       make(map[int]bool),
		nextChild: pid + 1000,
		children:  make(map[int]bool),
	}
}

// Map makes size bytes at addr readable and writable, filled with fill.
func (p *Process) Map(addr, size uint64, fill uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for a := addr &^ (engine.WordSize - 1); a < addr+size; a += engine.WordSize {
		p.memory[a] = fill
	}
}

func (p *Process) Word(addr uint64) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.memory[addr&^(engine.WordSize-1)]
}

func (p *Process) SetWord(addr, word uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.memory[addr&^(engine.WordSize-1)] = word
}

func stopped(sig syscall.Signal, cause int) unix.WaitStatus {
	return unix.WaitStatus(uint32(sig)<<8 | 0x7f | uint32(cause)<<16)
}

func exited(code int) unix.WaitStatus {
	return unix.WaitStatus(uint32(code&0xff) << 8)
}

func signaled(sig syscall.Signal) unix.WaitStatus {
	return unix.WaitStatus(uint32(sig))
}

func (p *Process) Launch(argv, env []string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Argv, p.Env = argv, env
	p.queue = append(p.queue, status{pid: p.Pid, ws: stopped(unix.SIGTRAP, 0)})
	return p.Pid, nil
}

func (p *Process) Attach(pid int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pid != p.Pid && !p.isThread(pid) {
		return unix.ESRCH
	}
	p.Attached = append(p.Attached, pid)
	p.queue = append(p.queue, status{pid: pid, ws: stopped(unix.SIGSTOP, 0)})
	return nil
}

func (p *Process) isThread(pid int) bool {
	for _, t := range p.ExtraThreads {
		if t == pid {
			return true
		}
	}
	return false
}

func (p *Process) Threads(pid int) ([]int, error) {
	if pid != p.Pid {
		return nil, unix.ESRCH
	}
	return append([]int{pid}, p.ExtraThreads...), nil
}

func (p *Process) SetOptions(int, int) error {
	return nil
}

func (p *Process) PeekWord(_ int, addr uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.memory[addr]
	if !ok || addr%engine.WordSize != 0 {
		return 0, unix.EIO
	}
	return w, nil
}

func (p *Process) PokeWord(_ int, addr uint64, word uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.memory[addr]; !ok || addr%engine.WordSize != 0 {
		return unix.EIO
	}
	p.memory[addr] = word
	return nil
}

func (p *Process) PC(pid int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pid != p.Pid {
		return 0, nil
	}
	return p.pc, nil
}

func (p *Process) SetPC(pid int, pc uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pid == p.Pid {
		p.pc = pc
	}
	return nil
}

func (p *Process) Cont(pid int, sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sig != 0 {
		p.Delivered = append(p.Delivered, sig)
	}
	if _, ok := p.children[pid]; ok {
		delete(p.children, pid)
		p.queue = append(p.queue, status{pid: pid, ws: exited(0)})
		return nil
	}
	if pid != p.Pid && p.isThread(pid) {
		return nil
	}
	if pid != p.Pid || p.exited {
		return unix.ESRCH
	}
	if p.trapStep >= 0 && p.pc == p.Script[p.trapStep].Addr {
		p.next = p.trapStep
	}
	p.trapStep = -1
	p.running = true
	return nil
}

func (p *Process) Wait(pid int) (int, unix.WaitStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.queue {
		if pid == -1 || s.pid == pid {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return s.pid, s.ws, nil
		}
	}
	if !p.running || (pid != -1 && pid != p.Pid) {
		return 0, 0, unix.ECHILD
	}
	return p.Pid, p.run(), nil
}

// run executes the script until the next stop. Called with mu held.
func (p *Process) run() unix.WaitStatus {
	for p.next < len(p.Script) {
		i := p.next
		st := p.Script[i]
		if st.Do != nil && !p.did[i] {
			p.did[i] = true
			p.mu.Unlock()
			st.Do()
			p.mu.Lock()
		}
		p.next++
		switch {
		case st.Signal != 0:
			p.running = false
			return stopped(st.Signal, 0)
		case st.Fork:
			child := p.nextChild
			p.nextChild++
			p.lastChild = child
			p.children[child] = true
			p.running = false
			p.queue = append(p.queue, status{pid: child, ws: stopped(unix.SIGSTOP, 0)})
			return stopped(unix.SIGTRAP, unix.PTRACE_EVENT_FORK)
		case st.Trap || p.Arch.IsTrap(st.Addr, p.memory[st.Addr&^(engine.WordSize-1)]):
			p.pc = st.Addr + p.Arch.PCAdjust
			p.trapStep = i
			if st.Trap {
				p.trapStep = -1
			}
			p.running = false
			return stopped(unix.SIGTRAP, 0)
		}
		p.pc = st.Addr
	}
	p.running = false
	p.exited = true
	return exited(p.ExitCode)
}

func (p *Process) EventMsg(int) (uint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint(p.lastChild), nil
}

func (p *Process) Pin(int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Pinned = true
	return nil
}

func (p *Process) Kill(pid int, sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pid != p.Pid {
		return unix.ESRCH
	}
	p.Killed = append(p.Killed, sig)
	if sig == unix.SIGKILL && !p.exited {
		p.exited = true
		p.running = false
		p.queue = append(p.queue, status{pid: p.Pid, ws: signaled(sig)})
	}
	return nil
}

// Executed reports whether the script ran to its end.
func (p *Process) Executed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next == len(p.Script)
}
