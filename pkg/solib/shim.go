package solib

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
)

const (
	ShimName = "liblinecov_sowrapper.so"
	// EnvPipe names the FIFO the shim reports into.
	EnvPipe = "LINECOV_SOLIB_PATH"
)

//go:embed shim/linecov_sowrapper.c
var shimSource []byte

// PrepareShim returns the path of a loadable shim. A prebuilt shim is used as
// is; otherwise the embedded source is compiled into dir, reusing an earlier
// build of the same source. The compiler itself runs against the OS, so fs
// must be backed by it outside of tests that hit the cache.
func PrepareShim(ctx context.Context, logger log.Logger, fs afero.Fs, dir, prebuilt, compiler string) (string, error) {
	if prebuilt != "" {
		abs, err := filepath.Abs(prebuilt)
		if err != nil {
			return "", err
		}
		if _, err := fs.Stat(abs); err != nil {
			return "", err
		}
		return abs, nil
	}
	if compiler == "" {
		compiler = "cc"
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	src := filepath.Join(dir, "linecov_sowrapper.c")
	out := filepath.Join(dir, ShimName)

	old, err := afero.ReadFile(fs, src)
	if err == nil && bytes.Equal(old, shimSource) {
		if ok, _ := afero.Exists(fs, out); ok {
			level.Debug(logger).Log("msg", "reusing shared object shim", "path", out)
			return out, nil
		}
	}
	if err := afero.WriteFile(fs, src, shimSource, 0o644); err != nil {
		return "", err
	}
	path, err := exec.LookPath(compiler)
	if err != nil {
		return "", fmt.Errorf("no C compiler to build the shared object shim: %w", err)
	}
	cmd := exec.CommandContext(ctx, path, "-shared", "-fPIC", "-O2", "-o", out, src, "-ldl")
	if output, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("build %s: %w: %s", ShimName, err, bytes.TrimSpace(output))
	}
	level.Debug(logger).Log("msg", "built shared object shim", "path", out)
	return out, nil
}
