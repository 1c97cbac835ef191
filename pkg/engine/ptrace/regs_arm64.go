//go:build linux

package ptrace

import "golang.org/x/sys/unix"

func getPC(pid int) (uint64, error) {
	var regs unix.PtraceRegsArm64
	if err := unix.PtraceGetRegSetArm64(pid, unix.NT_PRSTATUS, &regs); err != nil {
		return 0, err
	}
	return regs.Pc, nil
}

func setPC(pid int, pc uint64) error {
	var regs unix.PtraceRegsArm64
	if err := unix.PtraceGetRegSetArm64(pid, unix.NT_PRSTATUS, &regs); err != nil {
		return err
	}
	regs.Pc = pc
	return unix.PtraceSetRegSetArm64(pid, unix.NT_PRSTATUS, &regs)
}
