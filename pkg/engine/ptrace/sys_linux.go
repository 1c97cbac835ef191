package ptrace

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

const (
	personalityGetPersonality = 0xffffffff
	addrNoRandomize           = 0x0040000
)

type sysTracer struct {
	disableASLR bool
}

// NewSysTracer returns the Tracer backed by the kernel.
func NewSysTracer(disableASLR bool) Tracer {
	return &sysTracer{disableASLR: disableASLR}
}

func (s *sysTracer) Launch(argv, env []string) (int, error) {
	if len(argv) == 0 {
		return 0, fmt.Errorf("empty command line")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true}

	if s.disableASLR {
		old, _, errno := unix.Syscall(unix.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
		if errno == 0 {
			_, _, _ = unix.Syscall(unix.SYS_PERSONALITY, old|addrNoRandomize, 0, 0)
			defer unix.Syscall(unix.SYS_PERSONALITY, old, 0, 0)
		}
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	return cmd.Process.Pid, nil
}

func (s *sysTracer) Attach(pid int) error {
	return unix.PtraceAttach(pid)
}

func (s *sysTracer) Threads(pid int) ([]int, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}
	threads, err := fs.AllThreads(pid)
	if err != nil {
		return nil, err
	}
	tids := make([]int, 0, len(threads))
	for _, t := range threads {
		tids = append(tids, t.PID)
	}
	return tids, nil
}

func (s *sysTracer) SetOptions(pid int, opts int) error {
	return unix.PtraceSetOptions(pid, opts)
}

func (s *sysTracer) PeekWord(pid int, addr uint64) (uint64, error) {
	var buf [8]byte
	n, err := unix.PtracePeekText(pid, uintptr(addr), buf[:])
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short read at %#x: %d bytes", addr, n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (s *sysTracer) PokeWord(pid int, addr uint64, word uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	n, err := unix.PtracePokeText(pid, uintptr(addr), buf[:])
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short write at %#x: %d bytes", addr, n)
	}
	return nil
}

func (s *sysTracer) PC(pid int) (uint64, error) {
	return getPC(pid)
}

func (s *sysTracer) SetPC(pid int, pc uint64) error {
	return setPC(pid, pc)
}

func (s *sysTracer) Cont(pid int, sig syscall.Signal) error {
	return unix.PtraceCont(pid, int(sig))
}

func (s *sysTracer) Wait(pid int) (int, unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		wpid, err := unix.Wait4(pid, &ws, unix.WALL, nil)
		if err == unix.EINTR {
			continue
		}
		return wpid, ws, err
	}
}

func (s *sysTracer) EventMsg(pid int) (uint, error) {
	return unix.PtraceGetEventMsg(pid)
}

func (s *sysTracer) Pin(pid int) error {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return err
	}
	cpu := -1
	for i := 0; i < len(set)*64; i++ {
		if set.IsSet(i) {
			cpu = i
			break
		}
	}
	if cpu < 0 {
		return fmt.Errorf("empty cpu affinity mask")
	}
	var one unix.CPUSet
	one.Set(cpu)
	if err := unix.SchedSetaffinity(0, &one); err != nil {
		return err
	}
	return unix.SchedSetaffinity(pid, &one)
}

func (s *sysTracer) Kill(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}
