//go:build linux

package collector

import (
	"bufio"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/linecov/pkg/debuginfo/elf"
	"github.com/grafana/linecov/pkg/engine"
	"github.com/grafana/linecov/pkg/engine/ptrace"
	"github.com/grafana/linecov/pkg/reporter"
	"github.com/grafana/linecov/pkg/solib"
	"github.com/grafana/linecov/pkg/test"
)

// requireTracing skips the test when the kernel or the sandbox refuses
// ptrace, or when no C compiler is available.
func requireTracing(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("traces a real process")
	}
	cc, err := exec.LookPath("cc")
	if err != nil {
		t.Skip("no C compiler")
	}
	if runtime.GOARCH != "amd64" && runtime.GOARCH != "arm64" {
		t.Skip("unsupported architecture " + runtime.GOARCH)
	}
	if raw, err := os.ReadFile("/proc/sys/kernel/yama/ptrace_scope"); err == nil && strings.TrimSpace(string(raw)) == "3" {
		t.Skip("ptrace is disabled by yama")
	}
	truePath, err := exec.LookPath("true")
	if err != nil {
		t.Skip("no true binary")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	tr := ptrace.NewSysTracer(false)
	pid, err := tr.Launch([]string{truePath}, nil)
	if errors.Is(err, syscall.EPERM) {
		t.Skip("ptrace is not permitted here")
	}
	require.NoError(t, err)
	_ = tr.Kill(pid, syscall.SIGKILL)
	_, _, _ = tr.Wait(pid)
	return cc
}

func compile(t *testing.T, cc, out string, args ...string) {
	t.Helper()
	b, err := exec.Command(cc, append(args, "-o", out)...).CombinedOutput()
	require.NoError(t, err, string(b))
}

func fixture(t *testing.T, name string) string {
	t.Helper()
	abs, err := filepath.Abs(filepath.Join("testdata", name))
	require.NoError(t, err)
	abs, err = filepath.EvalSymlinks(abs)
	require.NoError(t, err)
	return abs
}

func markedLine(t *testing.T, path, marker string) uint {
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

func TestIntegration_ProgramAndLoadedLibrary(t *testing.T) {
	cc := requireTracing(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logger := test.NewTestingLogger(t)
	dir := t.TempDir()
	hostSrc, pluginSrc := fixture(t, "host.c"), fixture(t, "plugin.c")
	host := filepath.Join(dir, "host")
	plugin := filepath.Join(dir, "libplugin.so")
	compile(t, cc, host, "-g", "-O0", hostSrc, "-ldl")
	compile(t, cc, plugin, "-g", "-O0", "-shared", "-fPIC", pluginSrc)

	shim, err := solib.PrepareShim(t.Context(), logger, afero.NewOsFs(), filepath.Join(dir, "shim"), "", cc)
	require.NoError(t, err)

	src, err := elf.Open(logger, host, elf.Options{})
	require.NoError(t, err)
	w := solib.NewWatcher(logger, src, solib.Options{Dir: dir, ShimPath: shim}, nil)
	require.NoError(t, w.Start())
	defer func() { require.NoError(t, w.Stop()) }()

	eng, err := ptrace.New(logger, ptrace.Options{Options: engine.Options{
		Args:    []string{plugin},
		Env:     w.Env(),
		Barrier: w,
	}}, nil)
	require.NoError(t, err)
	rep, err := reporter.New(logger, src, nil, afero.NewOsFs())
	require.NoError(t, err)

	c := New(logger, src, eng, nil, Options{})
	c.RegisterListener(rep)
	c.RegisterTickListener(w)
	require.Equal(t, 3, c.Run(host))

	for _, tc := range []struct {
		file, marker string
		hit          bool
	}{
		{hostSrc, "twice", true},
		{hostSrc, "after-dlopen", true},
		{hostSrc, "host-unreached", false},
		{pluginSrc, "plugin", true},
		{pluginSrc, "plugin-unreached", false},
	} {
		hits, possible := rep.LineExecutionCount(tc.file, markedLine(t, tc.file, tc.marker))
		require.NotZero(t, possible, "%s is not code", tc.marker)
		if tc.hit {
			require.NotZero(t, hits, "%s was not hit", tc.marker)
		} else {
			require.Zero(t, hits, "%s was hit", tc.marker)
		}
	}
}

func TestIntegration_ExitCodeWithoutLibraries(t *testing.T) {
	cc := requireTracing(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	logger := test.NewTestingLogger(t)
	host := filepath.Join(t.TempDir(), "host")
	compile(t, cc, host, "-g", "-O0", fixture(t, "host.c"), "-ldl")

	src, err := elf.Open(logger, host, elf.Options{})
	require.NoError(t, err)
	eng, err := ptrace.New(logger, ptrace.Options{}, nil)
	require.NoError(t, err)
	rep, err := reporter.New(logger, src, nil, afero.NewOsFs())
	require.NoError(t, err)

	c := New(logger, src, eng, nil, Options{})
	c.RegisterListener(rep)
	// no library argument
	require.Equal(t, 2, c.Run(host))
	require.NotZero(t, rep.ExecutionSummary().ExecutedLines)
}
