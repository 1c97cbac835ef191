package engine

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
)

// WordSize is the unit of target memory access.
const WordSize = 8

var ErrUnalignedAddress = errors.New("address is not aligned to the trap instruction")

// Arch describes the trap instruction of one architecture.
type Arch struct {
	Name    string
	Machine elf.Machine
	// Trap holds the instruction bytes in memory order.
	Trap []byte
	// PCAdjust is how far the PC has moved past the trap when it is reported.
	PCAdjust uint64
}

var (
	ArchAMD64   = Arch{Name: "amd64", Machine: elf.EM_X86_64, Trap: []byte{0xcc}, PCAdjust: 1}
	Arch386     = Arch{Name: "386", Machine: elf.EM_386, Trap: []byte{0xcc}, PCAdjust: 1}
	ArchARM64   = Arch{Name: "arm64", Machine: elf.EM_AARCH64, Trap: le32(0xd4200000)}
	ArchPPC64LE = Arch{Name: "ppc64le", Machine: elf.EM_PPC64, Trap: le32(0x7fe00008)}
	ArchRISCV64 = Arch{Name: "riscv64", Machine: elf.EM_RISCV, Trap: []byte{0x02, 0x90}}
)

var arches = []Arch{ArchAMD64, Arch386, ArchARM64, ArchPPC64LE, ArchRISCV64}

func le32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func HostArch() (Arch, error) {
	for _, a := range arches {
		if a.Name == runtime.GOARCH {
			return a, nil
		}
	}
	return Arch{}, fmt.Errorf("unsupported architecture %s", runtime.GOARCH)
}

func ArchForMachine(m elf.Machine) (Arch, bool) {
	for _, a := range arches {
		if a.Machine == m {
			return a, true
		}
	}
	return Arch{}, false
}

// Lane locates the trap-sized byte range of an address inside its aligned
// word.
type Lane struct {
	Word  uint64
	Shift uint
	Mask  uint64
}

func (a Arch) Lane(addr uint64) (Lane, error) {
	size := uint64(len(a.Trap))
	if addr%size != 0 {
		return Lane{}, fmt.Errorf("%#x: %w", addr, ErrUnalignedAddress)
	}
	off := addr % WordSize
	shift := uint(off * 8)
	var mask uint64
	if size == WordSize {
		mask = ^uint64(0)
	} else {
		mask = ((uint64(1) << (size * 8)) - 1) << shift
	}
	return Lane{Word: addr - off, Shift: shift, Mask: mask}, nil
}

func (a Arch) trapValue() uint64 {
	var v uint64
	for i, b := range a.Trap {
		v |= uint64(b) << (8 * i)
	}
	return v
}

// Patch returns word with the trap written into the lane of addr. Words are
// little-endian values of target memory.
func (a Arch) Patch(addr, word uint64) (uint64, error) {
	l, err := a.Lane(addr)
	if err != nil {
		return 0, err
	}
	return word&^l.Mask | (a.trapValue()<<l.Shift)&l.Mask, nil
}

// Restore returns cur with the lane of addr taken from orig.
func (a Arch) Restore(addr, orig, cur uint64) (uint64, error) {
	l, err := a.Lane(addr)
	if err != nil {
		return 0, err
	}
	return cur&^l.Mask | orig&l.Mask, nil
}

// IsTrap reports whether the lane of addr in word holds the trap.
func (a Arch) IsTrap(addr, word uint64) bool {
	l, err := a.Lane(addr)
	if err != nil {
		return false
	}
	return word&l.Mask == (a.trapValue()<<l.Shift)&l.Mask
}
