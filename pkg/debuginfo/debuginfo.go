// Package debuginfo defines how line tables of the traced binary and its
// shared objects reach the rest of the tool.
package debuginfo

import (
	"github.com/go-kit/log"

	"github.com/grafana/linecov/pkg/registry"
)

type FileFlags int

const (
	FileMain FileFlags = 1 << iota
	FileSolib
)

// Segment maps a link-time address range (PAddr) to where it was loaded
// (VAddr).
type Segment struct {
	PAddr uint64
	VAddr uint64
	Size  uint64
}

func (s Segment) Contains(addr uint64) bool {
	return addr >= s.PAddr && addr < s.PAddr+s.Size
}

type File struct {
	Path     string
	Flags    FileFlags
	Segments []Segment
}

type LineListener interface {
	OnLine(file string, line uint, addr uint64)
}

type FileListener interface {
	OnFile(f File)
}

// Source extracts (file, line, address) triples. Listeners must be
// registered before the first Parse.
type Source interface {
	Filename() string
	Checksum() uint64
	RegisterLineListener(l LineListener)
	RegisterFileListener(l FileListener)
	// AddFile queues a shared object for the next Parse.
	AddFile(path string, segments []Segment) error
	SetMainFileRelocation(reloc uint64)
	// Parse emits lines of every queued file that can be parsed now.
	Parse() error
}

// ProcessAware sources learn about the process once it runs.
type ProcessAware interface {
	OnProcessStarted(pid int, attached bool) error
}

// AddressVerifier decides whether an address is a valid place for a trap.
type AddressVerifier interface {
	IsValid(addr uint64) bool
}

type acceptAll struct{}

func (acceptAll) IsValid(uint64) bool { return true }

// AcceptAll is the verifier used when no disassembler is available.
var AcceptAll AddressVerifier = acceptAll{}

type Factory func(logger log.Logger, path string) (Source, error)

type Registry = registry.Registry[Factory]

func NewRegistry() *Registry {
	return registry.New[Factory]()
}
