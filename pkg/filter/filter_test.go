package filter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilter(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	for _, p := range []string{"src/main.c", "src/util.c", "src/gen/parser.c", "srcx/other.c", "vendor/lib.c"} {
		full := filepath.Join(dir, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, nil, 0o644))
	}
	path := func(p string) string { return filepath.Join(dir, p) }

	testCases := []struct {
		name     string
		opts     Options
		included []string
		excluded []string
	}{
		{
			name:     "no rules",
			included: []string{path("src/main.c"), "/nonexistent/x.c"},
		},
		{
			name:     "include pattern",
			opts:     Options{IncludePatterns: []string{"util"}},
			included: []string{path("src/util.c"), "/nonexistent/util.c"},
			excluded: []string{path("src/main.c")},
		},
		{
			name:     "exclude pattern wins",
			opts:     Options{IncludePatterns: []string{"src"}, ExcludePatterns: []string{"gen/"}},
			included: []string{path("src/main.c")},
			excluded: []string{path("src/gen/parser.c")},
		},
		{
			name:     "include path is a directory prefix",
			opts:     Options{IncludePaths: []string{path("src")}},
			included: []string{path("src/main.c"), path("src/gen/parser.c")},
			excluded: []string{path("srcx/other.c"), path("vendor/lib.c"), path("src/missing.c")},
		},
		{
			name:     "path rules are applied before patterns",
			opts:     Options{ExcludePaths: []string{path("vendor")}, IncludePatterns: []string{"lib"}},
			excluded: []string{path("vendor/lib.c"), path("src/main.c")},
		},
		{
			name:     "relative path rule",
			opts:     Options{IncludePaths: []string{path("src/../src/gen")}},
			included: []string{path("src/gen/parser.c")},
			excluded: []string{path("src/main.c")},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := New(tc.opts)
			require.NoError(t, err)
			for i := 0; i < 2; i++ {
				for _, p := range tc.included {
					require.True(t, f.Include(p), p)
				}
				for _, p := range tc.excluded {
					require.False(t, f.Include(p), p)
				}
			}
		})
	}
}
