package elf

import (
	"debug/elf"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"

	"github.com/grafana/linecov/pkg/debuginfo"
)

const pageMask = ^uint64(0xfff)

// OnProcessStarted resolves the load bias of a position independent main
// executable from the process mappings. When attached to a running process,
// shared objects that are already mapped are queued as well.
func (s *Source) OnProcessStarted(pid int, attached bool) error {
	fs, err := procfs.NewFS(s.opts.ProcFS)
	if err != nil {
		return err
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return err
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return fmt.Errorf("read mappings of %d: %w", pid, err)
	}

	if s.pie && !s.relocationKnown {
		if base, ok := loadBias(maps, s.path, s.progs); ok {
			s.SetMainFileRelocation(base)
		} else {
			level.Warn(s.logger).Log("msg", "load address of main executable not found", "pid", pid, "path", s.path)
		}
	}
	if !attached {
		return nil
	}

	seen := map[string]struct{}{s.path: {}}
	for _, m := range maps {
		if m.Perms == nil || !m.Perms.Execute || len(m.Pathname) == 0 || m.Pathname[0] != '/' {
			continue
		}
		if _, ok := seen[m.Pathname]; ok {
			continue
		}
		seen[m.Pathname] = struct{}{}
		segments, err := mappedSegments(maps, m.Pathname)
		if err != nil {
			level.Debug(s.logger).Log("msg", "skipping mapped file", "path", m.Pathname, "err", err)
			continue
		}
		if err := s.AddFile(m.Pathname, segments); err != nil {
			level.Debug(s.logger).Log("msg", "skipping mapped file", "path", m.Pathname, "err", err)
		}
	}
	return nil
}

// loadBias finds the mapping of a PT_LOAD segment of path and returns the
// difference between its runtime and link-time addresses.
func loadBias(maps []*procfs.ProcMap, path string, progs []elf.ProgHeader) (uint64, bool) {
	for _, m := range maps {
		if m.Pathname != path {
			continue
		}
		for _, p := range progs {
			if p.Type != elf.PT_LOAD {
				continue
			}
			if uint64(m.Offset) == p.Off&pageMask {
				return uint64(m.StartAddr) - p.Vaddr&pageMask, true
			}
		}
	}
	return 0, false
}

func mappedSegments(maps []*procfs.ProcMap, path string) ([]debuginfo.Segment, error) {
	ef, closer, err := openELF(path)
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	progs := make([]elf.ProgHeader, 0, len(ef.Progs))
	for _, p := range ef.Progs {
		progs = append(progs, p.ProgHeader)
	}
	bias, ok := loadBias(maps, path, progs)
	if !ok {
		return nil, fmt.Errorf("no mapping matches a loadable segment")
	}
	var segments []debuginfo.Segment
	for _, p := range progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		segments = append(segments, debuginfo.Segment{PAddr: p.Vaddr, VAddr: p.Vaddr + bias, Size: p.Memsz})
	}
	return segments, nil
}
