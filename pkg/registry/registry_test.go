package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func constant(score int) Matcher {
	return func(string, []byte) int { return score }
}

func TestRegistry_Match(t *testing.T) {
	testCases := []struct {
		name     string
		scores   []int
		expected string
		err      bool
	}{
		{name: "empty", err: true},
		{name: "all zero", scores: []int{0, 0}, err: true},
		{name: "highest wins", scores: []int{10, 30, 20}, expected: "c1"},
		{name: "tie keeps first", scores: []int{5, 50, 50}, expected: "c1"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := New[int]()
			for i, s := range tc.scores {
				r.Register("c"+string(rune('0'+i)), constant(s), i)
			}
			name, v, err := r.Match("/bin/x", nil)
			if tc.err {
				require.ErrorIs(t, err, ErrNoMatch)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, name)
			require.Equal(t, 1, v)
		})
	}
}

func TestRegistry_BestReadsHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("\x7fELF rest"), 0o644))

	r := New[string]()
	r.Register("script", func(_ string, h []byte) int {
		if len(h) > 2 && string(h[:2]) == "#!" {
			return 100
		}
		return 0
	}, "script")
	r.Register("elf", func(_ string, h []byte) int {
		if len(h) >= 4 && string(h[:4]) == "\x7fELF" {
			return 100
		}
		return 0
	}, "elf")

	name, v, err := r.Best(path)
	require.NoError(t, err)
	require.Equal(t, "elf", name)
	require.Equal(t, "elf", v)
	require.Equal(t, []string{"script", "elf"}, r.Names())

	_, _, err = r.Best(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}
