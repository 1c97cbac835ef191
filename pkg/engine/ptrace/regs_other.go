//go:build linux && !amd64 && !arm64

package ptrace

import "golang.org/x/sys/unix"

func getPC(pid int) (uint64, error) {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return 0, err
	}
	return uint64(regs.PC()), nil
}

func setPC(pid int, pc uint64) error {
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(pid, &regs); err != nil {
		return err
	}
	regs.SetPC(pc)
	return unix.PtraceSetRegs(pid, &regs)
}
