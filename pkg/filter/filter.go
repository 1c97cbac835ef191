// Package filter decides which source files take part in coverage.
package filter

import (
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Options struct {
	IncludePatterns []string
	ExcludePatterns []string
	IncludePaths    []string
	ExcludePaths    []string
	CacheSize       int
}

type Filter interface {
	Include(file string) bool
}

type all struct{}

func (all) Include(string) bool { return true }

// All includes every file.
var All Filter = all{}

type rules struct {
	opts  Options
	cache *lru.Cache[string, bool]
}

// New builds a filter. Path rules match prefixes of the resolved file path and
// are checked first; pattern rules match substrings. A non-empty include list
// excludes everything it does not name, and exclusions always win.
func New(opts Options) (Filter, error) {
	if len(opts.IncludePatterns)+len(opts.ExcludePatterns)+len(opts.IncludePaths)+len(opts.ExcludePaths) == 0 {
		return All, nil
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	opts.IncludePaths = absPaths(opts.IncludePaths)
	opts.ExcludePaths = absPaths(opts.ExcludePaths)
	cache, err := lru.New[string, bool](opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &rules{opts: opts, cache: cache}, nil
}

func absPaths(paths []string) []string {
	res := make([]string, 0, len(paths))
	for _, p := range paths {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
		if r, err := filepath.EvalSymlinks(p); err == nil {
			p = r
		}
		res = append(res, p)
	}
	return res
}

func (r *rules) Include(file string) bool {
	if v, ok := r.cache.Get(file); ok {
		return v
	}
	v := r.include(file)
	r.cache.Add(file, v)
	return v
}

func (r *rules) include(file string) bool {
	if len(r.opts.IncludePaths) > 0 || len(r.opts.ExcludePaths) > 0 {
		resolved, err := filepath.EvalSymlinks(file)
		if err != nil {
			return false
		}
		if !match(resolved, r.opts.IncludePaths, r.opts.ExcludePaths, hasPathPrefix) {
			return false
		}
	}
	return match(file, r.opts.IncludePatterns, r.opts.ExcludePatterns, strings.Contains)
}

func match(file string, include, exclude []string, fn func(s, rule string) bool) bool {
	for _, e := range exclude {
		if fn(file, e) {
			return false
		}
	}
	if len(include) == 0 {
		return true
	}
	for _, i := range include {
		if fn(file, i) {
			return true
		}
	}
	return false
}

func hasPathPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}
