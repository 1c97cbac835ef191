package elf

import (
	"bufio"
	"debug/elf"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cespare/xxhash/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/linecov/pkg/debuginfo"
	"github.com/grafana/linecov/pkg/test"
)

type collected struct {
	lines map[string][]uint
	addrs map[uint64]struct{}
	files []debuginfo.File
}

func newCollected() *collected {
	return &collected{lines: map[string][]uint{}, addrs: map[uint64]struct{}{}}
}

func (c *collected) OnLine(file string, line uint, addr uint64) {
	c.lines[file] = append(c.lines[file], line)
	c.addrs[addr] = struct{}{}
}

func (c *collected) OnFile(f debuginfo.File) {
	c.files = append(c.files, f)
}

func openSelf(t *testing.T, opts Options) *Source {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	s, err := Open(test.NewTestingLogger(t), exe, opts)
	require.NoError(t, err)
	return s
}

// fixtureSource returns the resolved path of the C fixture, as the line
// table reports it.
func fixtureSource(t *testing.T) string {
	t.Helper()
	abs, err := filepath.Abs(filepath.Join("testdata", "lines.c"))
	require.NoError(t, err)
	abs, err = filepath.EvalSymlinks(abs)
	require.NoError(t, err)
	return abs
}

// buildFixture compiles the C fixture with the given flags. Test binaries are
// often linked without DWARF.
func buildFixture(t *testing.T, name string, flags ...string) string {
	t.Helper()
	cc, err := exec.LookPath("cc")
	if err != nil {
		t.Skip("no C compiler")
	}
	out := filepath.Join(t.TempDir(), name)
	args := append(append([]string{}, flags...), "-o", out, fixtureSource(t))
	b, err := exec.Command(cc, args...).CombinedOutput()
	require.NoError(t, err, string(b))
	return out
}

func lineOf(t *testing.T, path, marker string) uint {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	for n := uint(1); sc.Scan(); n++ {
		if strings.Contains(sc.Text(), "/* "+marker+" */") {
			return n
		}
	}
	t.Fatalf("marker %q not found in %s", marker, path)
	return 0
}

func openFixture(t *testing.T, path string, opts Options) *Source {
	t.Helper()
	s, err := Open(test.NewTestingLogger(t), path, opts)
	require.NoError(t, err)
	return s
}

func TestSource_ParsesLineTable(t *testing.T) {
	exe := buildFixture(t, "lines", "-g", "-O0")
	s := openFixture(t, exe, Options{})
	c := newCollected()
	s.RegisterLineListener(c)
	s.RegisterFileListener(c)

	if s.IsPIE() {
		require.NoError(t, s.Parse())
		require.Empty(t, c.files, "position independent executable parsed without a relocation")
		s.SetMainFileRelocation(0)
	}
	require.NoError(t, s.Parse())

	require.Len(t, c.files, 1)
	require.Equal(t, debuginfo.FileMain, c.files[0].Flags)
	src := fixtureSource(t)
	require.Contains(t, c.lines, src)
	require.Contains(t, c.lines[src], lineOf(t, src, "square"))
	require.Contains(t, c.lines[src], lineOf(t, src, "main"))
	require.NotEmpty(t, c.addrs)

	// parsing again emits nothing new
	before := len(c.addrs)
	require.NoError(t, s.Parse())
	require.Len(t, c.addrs, before)
	require.Len(t, c.files, 1)
}

func TestSource_Relocation(t *testing.T) {
	exe := buildFixture(t, "lines", "-g", "-O0")
	s := openFixture(t, exe, Options{})
	s.pie = true
	plain := newCollected()
	s.RegisterLineListener(plain)
	s.SetMainFileRelocation(0x10000000)
	s.SetMainFileRelocation(0x20000000)
	require.NoError(t, s.Parse())

	base := openFixture(t, exe, Options{})
	base.pie = false
	ref := newCollected()
	base.RegisterLineListener(ref)
	require.NoError(t, base.Parse())

	require.NotEmpty(t, ref.addrs)
	require.Equal(t, len(ref.addrs), len(plain.addrs))
	for addr := range ref.addrs {
		_, ok := plain.addrs[addr+0x10000000]
		require.True(t, ok, "%#x", addr)
	}
}

func TestSource_MainWithoutDebugInfo(t *testing.T) {
	exe := buildFixture(t, "stripped", "-O0", "-no-pie")
	ef, closer, err := openELF(exe)
	require.NoError(t, err)
	withLines := hasLineTable(ef)
	require.NoError(t, closer.Close())
	if withLines {
		t.Skip("the toolchain links line tables from its start files")
	}
	s := openFixture(t, exe, Options{DebugDirs: []string{t.TempDir()}})
	s.pie = false
	err = s.Parse()
	require.Error(t, err)
	require.Contains(t, err.Error(), ErrNoDebugInfo.Error())
}

func TestSource_SharedObjectWithoutDebugInfo(t *testing.T) {
	exe := buildFixture(t, "lines", "-g", "-O0", "-no-pie")
	lib := buildFixture(t, "libnodebug.so", "-shared", "-fPIC", "-O0")

	s := openFixture(t, exe, Options{DebugDirs: []string{t.TempDir()}})
	s.pie = false
	c := newCollected()
	s.RegisterFileListener(c)
	require.NoError(t, s.AddFile(lib, []debuginfo.Segment{{PAddr: 0, VAddr: 0x7f0000000000, Size: 0x1000}}))

	// a stripped library is not an error
	require.NoError(t, s.Parse())
	require.Len(t, c.files, 2)
	require.Equal(t, debuginfo.FileSolib, c.files[1].Flags)
}

func TestSource_Checksum(t *testing.T) {
	exe, err := os.Executable()
	require.NoError(t, err)
	data, err := os.ReadFile(exe)
	require.NoError(t, err)
	fi, err := os.Stat(exe)
	require.NoError(t, err)

	s := openSelf(t, Options{Checksum: ChecksumContent})
	require.Equal(t, xxhash.Sum64(data), s.Checksum())

	s = openSelf(t, Options{})
	require.Equal(t, uint64(fi.ModTime().UnixNano()), s.Checksum())

	_, err = Open(test.NewTestingLogger(t), exe, Options{Checksum: "sha1"})
	require.Error(t, err)
}

func TestSource_AddFile(t *testing.T) {
	s := openSelf(t, Options{})
	require.Error(t, s.AddFile("/does/not/exist.so", nil))
	// the main file is already known
	require.NoError(t, s.AddFile(s.Filename(), nil))
	require.Len(t, s.files, 1)
}

func TestOpen_RejectsNonELF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho hi\n"), 0o755))
	_, err := Open(test.NewTestingLogger(t), path, Options{})
	require.Error(t, err)
	require.Zero(t, Match(path, []byte("#!/bin/sh")))
	require.Equal(t, 100, Match(path, []byte("\x7fELF\x02\x01")))
}

func TestResolvePath(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real.c")
	require.NoError(t, os.WriteFile(target, nil, 0o644))
	link := filepath.Join(dir, "link.c")
	require.NoError(t, os.Symlink(target, link))
	target, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)

	s := &Source{paths: map[string]string{}, opts: Options{OrigPathPrefix: "/build/src", NewPathPrefix: dir}}
	assert.Equal(t, target, s.resolvePath(link))
	assert.Equal(t, target, s.resolvePath("/build/src/real.c"))
	assert.Equal(t, "/other/x.c", s.resolvePath("/other/../other/x.c"))
}

func TestAdjustAddress(t *testing.T) {
	segs := []debuginfo.Segment{
		{PAddr: 0x1000, VAddr: 0x7f0000001000, Size: 0x1000},
		{PAddr: 0x3000, VAddr: 0x7f0000005000, Size: 0x100},
	}
	assert.Equal(t, uint64(0x7f0000001010), adjustAddress(0x1010, segs))
	assert.Equal(t, uint64(0x7f00000050ff), adjustAddress(0x30ff, segs))
	assert.Equal(t, uint64(0x3100), adjustAddress(0x3100, segs))
	assert.Equal(t, uint64(0x42), adjustAddress(0x42, nil))
}

func TestOnProcessStarted(t *testing.T) {
	s := openSelf(t, Options{ProcFS: t.TempDir()})
	s.pie = true
	procDir := filepath.Join(s.opts.ProcFS, "4242")
	require.NoError(t, os.MkdirAll(procDir, 0o755))

	var loadOff uint64
	for _, p := range s.progs {
		if p.Type == elf.PT_LOAD {
			loadOff = p.Off & pageMask
			break
		}
	}
	maps := fmt.Sprintf(
		"555555554000-555555556000 r-xp %08x 08:01 1234 %s\n"+
			"7ffff7dd3000-7ffff7dfc000 r-xp 00000000 08:01 99 /does/not/exist/ld.so\n",
		loadOff, s.Filename())
	require.NoError(t, os.WriteFile(filepath.Join(procDir, "maps"), []byte(maps), 0o644))

	require.NoError(t, s.OnProcessStarted(4242, true))
	require.True(t, s.relocationKnown)
	require.NotZero(t, s.relocation)
	// the missing shared object is skipped
	require.Len(t, s.files, 1)

	require.Error(t, s.OnProcessStarted(1, false))
}
