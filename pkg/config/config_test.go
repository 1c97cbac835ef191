package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/linecov/pkg/debuginfo/elf"
	"github.com/grafana/linecov/pkg/output"
)

func parse(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	var cfg Config
	app := kingpin.New("linecov", "")
	cfg.RegisterFlags(app)
	if _, err := app.Parse(args); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

func TestConfig_Defaults(t *testing.T) {
	cfg, err := parse(t, "/tmp/out", "/bin/true")
	require.NoError(t, err)
	require.Equal(t, "/tmp/out", cfg.OutDir)
	require.Equal(t, "/bin/true", cfg.Executable)
	require.Empty(t, cfg.Args)
	require.Equal(t, output.DefaultLimits, cfg.Limits)
	require.Equal(t, elf.ChecksumMTime, cfg.Checksum)
	require.Equal(t, 2, cfg.PathStripLevel)
	require.Equal(t, time.Second, cfg.RenderInterval)
	require.Equal(t, 5*time.Second, cfg.OutputInterval)
	require.False(t, cfg.SkipSolibs)
	require.Equal(t, "cc", cfg.SolibCompiler)
}

func TestConfig_Options(t *testing.T) {
	cfg, err := parse(t,
		"--limits=10,90",
		"--include-pattern=src/,lib/",
		"--include-pattern", "include",
		"--exclude-path=/usr",
		"--checksum=content",
		"--replace-src-path=/build:/home/u/src",
		"--path-strip-level=0",
		"--skip-solibs",
		"-v",
		"/tmp/out", "./prog", "-x", "--flag-of-prog", "arg",
	)
	require.NoError(t, err)
	require.Equal(t, output.Limits{Low: 10, High: 90}, cfg.Limits)
	require.Equal(t, []string{"src/", "lib/", "include"}, cfg.IncludePatterns)
	require.Equal(t, []string{"/usr"}, cfg.ExcludePaths)
	require.Equal(t, elf.ChecksumContent, cfg.Checksum)
	require.Equal(t, "/build", cfg.OrigPathPrefix)
	require.Equal(t, "/home/u/src", cfg.NewPathPrefix)
	require.Zero(t, cfg.PathStripLevel)
	require.True(t, cfg.SkipSolibs)
	require.True(t, cfg.Verbose)
	require.Equal(t, "./prog", cfg.Executable)
	require.Equal(t, []string{"-x", "--flag-of-prog", "arg"}, cfg.Args)

	fo := cfg.FilterOptions()
	require.Equal(t, cfg.IncludePatterns, fo.IncludePatterns)
	so := cfg.SourceOptions()
	require.Equal(t, "/build", so.OrigPathPrefix)
}

func TestConfig_Attach(t *testing.T) {
	cfg, err := parse(t, "--pid=1234", "/tmp/out")
	require.NoError(t, err)
	require.Equal(t, 1234, cfg.PID)
	require.Empty(t, cfg.Executable)
}

func TestConfig_PIDHelpWarnsAboutKill(t *testing.T) {
	var cfg Config
	app := kingpin.New("linecov", "")
	cfg.RegisterFlags(app)
	for _, f := range app.Model().Flags {
		if f.Name == "pid" {
			require.Contains(t, f.Help, "kills the attached process")
			return
		}
	}
	t.Fatal("pid flag not registered")
}

func TestConfig_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{"no executable", []string{"/tmp/out"}},
		{"limits format", []string{"--limits=50", "/tmp/out", "/bin/true"}},
		{"limits order", []string{"--limits=80,20", "/tmp/out", "/bin/true"}},
		{"limits range", []string{"--limits=0,101", "/tmp/out", "/bin/true"}},
		{"limits number", []string{"--limits=a,b", "/tmp/out", "/bin/true"}},
		{"replace format", []string{"--replace-src-path=/build", "/tmp/out", "/bin/true"}},
		{"strip level", []string{"--path-strip-level=-1", "/tmp/out", "/bin/true"}},
		{"checksum", []string{"--checksum=sha1", "/tmp/out", "/bin/true"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parse(t, tc.args...)
			require.Error(t, err)
		})
	}
}
