package elf

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	bufra "github.com/avvmoto/buf-readerat"
	"github.com/go-kit/log/level"

	"github.com/grafana/linecov/pkg/debuginfo"
)

var ErrNoDebugInfo = errors.New("no DWARF line information")

type lineKey struct {
	file string
	line uint
	addr uint64
}

func (s *Source) parseFile(f debuginfo.File, reloc uint64) (int, error) {
	d, err := s.loadDWARF(f.Path)
	if err != nil {
		return 0, err
	}
	seen := make(map[lineKey]struct{})
	r := d.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return len(seen), err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		lr, err := d.LineReader(entry)
		r.SkipChildren()
		if err != nil {
			level.Warn(s.logger).Log("msg", "bad line table", "path", f.Path, "err", err)
			continue
		}
		if lr == nil {
			continue
		}
		s.readLines(lr, f, reloc, seen)
	}
	return len(seen), nil
}

func (s *Source) readLines(lr *dwarf.LineReader, f debuginfo.File, reloc uint64, seen map[lineKey]struct{}) {
	var le dwarf.LineEntry
	for {
		if err := lr.Next(&le); err != nil {
			if !errors.Is(err, io.EOF) {
				level.Warn(s.logger).Log("msg", "bad line table row", "path", f.Path, "err", err)
			}
			return
		}
		if le.EndSequence || !le.IsStmt || le.Line == 0 || le.File == nil {
			continue
		}
		addr := adjustAddress(le.Address, f.Segments) + reloc
		if !s.opts.Verifier.IsValid(addr) {
			continue
		}
		// LineReader already joins relative names with the compilation directory
		key := lineKey{file: s.resolvePath(le.File.Name), line: uint(le.Line), addr: addr}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		for _, l := range s.lineListeners {
			l.OnLine(key.file, key.line, key.addr)
		}
	}
}

// loadDWARF returns the debug data of path, following build-id and
// debuglink references when the file itself is stripped.
func (s *Source) loadDWARF(path string) (*dwarf.Data, error) {
	ef, closer, err := openELF(path)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	if hasLineTable(ef) {
		return ef.DWARF()
	}
	debugPath := s.findDebugFile(path, ef)
	if debugPath == "" {
		return nil, ErrNoDebugInfo
	}
	level.Debug(s.logger).Log("msg", "using separate debug file", "path", path, "debug", debugPath)
	def, debugCloser, err := openELF(debugPath)
	if err != nil {
		return nil, err
	}
	defer debugCloser.Close()
	if !hasLineTable(def) {
		return nil, ErrNoDebugInfo
	}
	return def.DWARF()
}

func hasLineTable(ef *elf.File) bool {
	return ef.Section(".debug_line") != nil || ef.Section(".zdebug_line") != nil
}

func openELF(path string) (*elf.File, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	ef, err := elf.NewFile(bufra.NewBufReaderAt(f, 16*0x1000))
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return ef, f, nil
}

// findDebugFile looks for separate debug information in the order gdb uses:
// the build-id tree, then the debuglink name next to the file, in its .debug
// directory and under the global debug directories.
func (s *Source) findDebugFile(path string, ef *elf.File) string {
	if id := gnuBuildID(ef); len(id) > 2 {
		for _, dir := range s.opts.DebugDirs {
			p := filepath.Join(dir, ".build-id", id[:2], id[2:]+".debug")
			if exists(p) {
				return p
			}
		}
	}
	link := debugLink(ef)
	if link == "" {
		return ""
	}
	dir := filepath.Dir(path)
	candidates := []string{
		filepath.Join(dir, link),
		filepath.Join(dir, ".debug", link),
	}
	for _, d := range s.opts.DebugDirs {
		candidates = append(candidates, filepath.Join(d, dir, link))
	}
	for _, c := range candidates {
		if c != path && exists(c) {
			return c
		}
	}
	return ""
}

func gnuBuildID(ef *elf.File) string {
	sec := ef.Section(".note.gnu.build-id")
	if sec == nil {
		return ""
	}
	data, err := sec.Data()
	if err != nil || len(data) < 16 || !bytes.Equal([]byte("GNU"), data[12:15]) {
		return ""
	}
	return hex.EncodeToString(data[16:])
}

func debugLink(ef *elf.File) string {
	sec := ef.Section(".gnu_debuglink")
	if sec == nil {
		return ""
	}
	data, err := sec.Data()
	if err != nil {
		return ""
	}
	if i := bytes.IndexByte(data, 0); i > 0 {
		return string(data[:i])
	}
	return ""
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *Source) String() string {
	return fmt.Sprintf("elf(%s)", s.path)
}
