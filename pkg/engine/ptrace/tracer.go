//go:build linux

package ptrace

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Tracer is the process-control surface the engine is built on. The real
// implementation issues ptrace(2) requests; tests script a fake process.
type Tracer interface {
	// Launch starts argv under trace. The new process stops at its first
	// instruction and has to be waited for.
	Launch(argv, env []string) (int, error)
	Attach(pid int) error
	// Threads lists every thread id of the process, pid included.
	Threads(pid int) ([]int, error)
	SetOptions(pid int, opts int) error
	// PeekWord and PokeWord access one little-endian word at an aligned address.
	PeekWord(pid int, addr uint64) (uint64, error)
	PokeWord(pid int, addr uint64, word uint64) error
	PC(pid int) (uint64, error)
	SetPC(pid int, pc uint64) error
	Cont(pid int, sig syscall.Signal) error
	Wait(pid int) (int, unix.WaitStatus, error)
	EventMsg(pid int) (uint, error)
	// Pin binds the calling thread and pid to a single CPU.
	Pin(pid int) error
	Kill(pid int, sig syscall.Signal) error
}
