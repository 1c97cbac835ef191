// Package elf reads DWARF line tables of ELF executables and shared objects.
package elf

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	bufra "github.com/avvmoto/buf-readerat"
	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"

	"github.com/grafana/linecov/pkg/debuginfo"
)

type ChecksumMode string

const (
	ChecksumMTime   ChecksumMode = "mtime"
	ChecksumContent ChecksumMode = "content"
)

type Options struct {
	Checksum ChecksumMode
	// OrigPathPrefix is replaced by NewPathPrefix in source paths, for
	// binaries built in another directory.
	OrigPathPrefix string
	NewPathPrefix  string
	DebugDirs      []string
	ProcFS         string
	Verifier       debuginfo.AddressVerifier
}

func (o *Options) setDefaults() {
	if o.Checksum == "" {
		o.Checksum = ChecksumMTime
	}
	if o.DebugDirs == nil {
		o.DebugDirs = []string{"/usr/lib/debug"}
	}
	if o.ProcFS == "" {
		o.ProcFS = "/proc"
	}
	if o.Verifier == nil {
		o.Verifier = debuginfo.AcceptAll
	}
}

type queuedFile struct {
	debuginfo.File
	parsed bool
}

type Source struct {
	logger log.Logger
	opts   Options

	path     string
	progs    []elf.ProgHeader
	pie      bool
	checksum uint64

	relocation      uint64
	relocationKnown bool

	files []*queuedFile
	known map[string]struct{}
	paths map[string]string

	lineListeners []debuginfo.LineListener
	fileListeners []debuginfo.FileListener
}

// Open validates the executable at path and queues it for parsing.
func Open(logger log.Logger, path string, opts Options) (*Source, error) {
	opts.setDefaults()
	resolved, err := realpath(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(resolved)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ef, err := elf.NewFile(bufra.NewBufReaderAt(f, 4*0x1000))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	progs := make([]elf.ProgHeader, 0, len(ef.Progs))
	for _, p := range ef.Progs {
		progs = append(progs, p.ProgHeader)
	}
	checksum, err := fileChecksum(f, opts.Checksum)
	if err != nil {
		return nil, fmt.Errorf("checksum %s: %w", path, err)
	}

	s := &Source{
		logger:   log.With(logger, "component", "elf"),
		opts:     opts,
		path:     resolved,
		progs:    progs,
		pie:      ef.Type == elf.ET_DYN,
		checksum: checksum,
		known:    make(map[string]struct{}),
		paths:    make(map[string]string),
	}
	s.files = append(s.files, &queuedFile{File: debuginfo.File{Path: resolved, Flags: debuginfo.FileMain}})
	s.known[resolved] = struct{}{}
	return s, nil
}

// Match recognizes ELF files.
func Match(_ string, header []byte) int {
	if len(header) >= 4 && string(header[:4]) == elf.ELFMAG {
		return 100
	}
	return 0
}

func Factory(opts Options) debuginfo.Factory {
	return func(logger log.Logger, path string) (debuginfo.Source, error) {
		return Open(logger, path, opts)
	}
}

func fileChecksum(f *os.File, mode ChecksumMode) (uint64, error) {
	switch mode {
	case ChecksumContent:
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return 0, err
		}
		h := xxhash.New()
		if _, err := io.Copy(h, f); err != nil {
			return 0, err
		}
		return h.Sum64(), nil
	case ChecksumMTime:
		fi, err := f.Stat()
		if err != nil {
			return 0, err
		}
		return uint64(fi.ModTime().UnixNano()), nil
	}
	return 0, fmt.Errorf("unknown checksum mode %q", mode)
}

func (s *Source) Filename() string {
	return s.path
}

func (s *Source) Checksum() uint64 {
	return s.checksum
}

func (s *Source) IsPIE() bool {
	return s.pie
}

func (s *Source) RegisterLineListener(l debuginfo.LineListener) {
	s.lineListeners = append(s.lineListeners, l)
}

func (s *Source) RegisterFileListener(l debuginfo.FileListener) {
	s.fileListeners = append(s.fileListeners, l)
}

func (s *Source) AddFile(path string, segments []debuginfo.Segment) error {
	resolved, err := realpath(path)
	if err != nil {
		return err
	}
	if _, ok := s.known[resolved]; ok {
		return nil
	}
	s.known[resolved] = struct{}{}
	s.files = append(s.files, &queuedFile{File: debuginfo.File{
		Path:     resolved,
		Flags:    debuginfo.FileSolib,
		Segments: segments,
	}})
	return nil
}

// SetMainFileRelocation sets the load bias of a position independent main
// executable. Only the first call has an effect.
func (s *Source) SetMainFileRelocation(reloc uint64) {
	if s.relocationKnown {
		return
	}
	s.relocation = reloc
	s.relocationKnown = true
	level.Debug(s.logger).Log("msg", "main file relocation", "relocation", fmt.Sprintf("%#x", reloc))
}

// Parse reads the line tables of every file not parsed yet. Shared objects
// without debug information are skipped silently.
func (s *Source) Parse() error {
	errs := multierror.New()
	for _, f := range s.files {
		if f.parsed {
			continue
		}
		var reloc uint64
		if f.Flags&debuginfo.FileMain != 0 {
			if s.pie && !s.relocationKnown {
				level.Debug(s.logger).Log("msg", "deferring position independent executable until its load address is known", "path", f.Path)
				continue
			}
			reloc = s.relocation
		}
		f.parsed = true
		for _, l := range s.fileListeners {
			l.OnFile(f.File)
		}
		n, err := s.parseFile(f.File, reloc)
		if errors.Is(err, ErrNoDebugInfo) && f.Flags&debuginfo.FileSolib != 0 {
			// system libraries usually ship stripped
			level.Debug(s.logger).Log("msg", "shared object has no line table", "path", f.Path)
			continue
		}
		if err != nil {
			errs.Add(fmt.Errorf("%s: %w", f.Path, err))
			continue
		}
		level.Debug(s.logger).Log("msg", "parsed line table", "path", f.Path, "lines", n)
	}
	return errs.Err()
}

func (s *Source) resolvePath(name string) string {
	if p, ok := s.paths[name]; ok {
		return p
	}
	p := name
	if s.opts.OrigPathPrefix != "" && strings.HasPrefix(p, s.opts.OrigPathPrefix) {
		p = s.opts.NewPathPrefix + p[len(s.opts.OrigPathPrefix):]
	}
	p = filepath.Clean(p)
	if r, err := filepath.EvalSymlinks(p); err == nil {
		p = r
	}
	s.paths[name] = p
	return p
}

func realpath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

// adjustAddress maps a link-time address into the loaded image.
func adjustAddress(addr uint64, segments []debuginfo.Segment) uint64 {
	for _, seg := range segments {
		if seg.Contains(addr) {
			return addr - seg.PAddr + seg.VAddr
		}
	}
	return addr
}
