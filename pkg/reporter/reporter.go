// Package reporter owns the hit data of a run and its persisted form.
package reporter

import (
	"fmt"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"
	"github.com/spf13/afero"

	"github.com/grafana/linecov/pkg/debuginfo"
	"github.com/grafana/linecov/pkg/filter"
	"github.com/grafana/linecov/pkg/linedb"
)

const existsCacheSize = 8192

// Reporter is safe for concurrent use. Lines arrive from the trace goroutine,
// hits from the collector and reads from the output writers.
type Reporter struct {
	logger   log.Logger
	fs       afero.Fs
	filter   filter.Filter
	checksum uint64

	mtx     sync.Mutex
	db      *linedb.DB
	pending map[uint64]struct{}
	exists  *lru.Cache[string, bool]
}

// New creates a reporter and registers it for the lines of src.
func New(logger log.Logger, src debuginfo.Source, f filter.Filter, fs afero.Fs) (*Reporter, error) {
	if f == nil {
		f = filter.All
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	exists, err := lru.New[string, bool](existsCacheSize)
	if err != nil {
		return nil, err
	}
	r := &Reporter{
		logger:   log.With(logger, "component", "reporter"),
		fs:       fs,
		filter:   f,
		checksum: src.Checksum(),
		db:       linedb.New(),
		pending:  make(map[uint64]struct{}),
		exists:   exists,
	}
	src.RegisterLineListener(r)
	return r, nil
}

func (r *Reporter) fileExists(path string) bool {
	if ok, found := r.exists.Get(path); found {
		return ok
	}
	ok, err := afero.Exists(r.fs, path)
	if err != nil {
		level.Debug(r.logger).Log("msg", "cannot stat source file", "path", path, "err", err)
	}
	r.exists.Add(path, ok)
	return ok
}

func (r *Reporter) OnLine(file string, line uint, addr uint64) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if !r.fileExists(file) {
		return
	}
	r.db.Add(file, line, addr)
	if _, ok := r.pending[addr]; ok {
		delete(r.pending, addr)
		r.db.Hit(addr)
	}
}

// OnAddressHit marks addr as executed. Hits of addresses whose line is not
// known yet are kept until it is.
func (r *Reporter) OnAddressHit(addr uint64, hits uint64) {
	if hits == 0 {
		return
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if known, _ := r.db.Hit(addr); !known {
		r.pending[addr] = struct{}{}
	}
}

func (r *Reporter) LineIsCode(file string, line uint) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.db.HasLine(linedb.LineID{File: file, Line: line})
}

// LineExecutionCount returns how many addresses of the line executed and how
// many it has.
func (r *Reporter) LineExecutionCount(file string, line uint) (hits, possible int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.db.Count(linedb.LineID{File: file, Line: line})
}

type Summary struct {
	Lines         int
	ExecutedLines int
}

func (s Summary) Percent() float64 {
	if s.Lines == 0 {
		return 0
	}
	return 100 * float64(s.ExecutedLines) / float64(s.Lines)
}

type LineCount struct {
	Line     uint
	Hits     int
	Possible int
}

type FileSummary struct {
	Path string
	Summary
	LineCounts []LineCount
}

// ExecutionSummary counts the lines a report shows: those of existing,
// included files.
func (r *Reporter) ExecutionSummary() Summary {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	included := lo.SliceToMap(r.files(), func(f string) (string, struct{}) { return f, struct{}{} })
	var total Summary
	for _, id := range r.db.Lines() {
		if _, ok := included[id.File]; !ok {
			continue
		}
		total.Lines++
		if hits, _ := r.db.Count(id); hits > 0 {
			total.ExecutedLines++
		}
	}
	return total
}

// Files returns the reported files in path order.
func (r *Reporter) Files() []string {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.files()
}

func (r *Reporter) files() []string {
	return lo.Filter(r.db.Files(), func(f string, _ int) bool {
		return r.filter.Include(f) && r.fileExists(f)
	})
}

func (r *Reporter) FileSummary(file string) FileSummary {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.fileSummary(file)
}

// FileSummaries returns the summary of every reported file in path order.
func (r *Reporter) FileSummaries() []FileSummary {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	files := r.files()
	byFile := make(map[string]*FileSummary, len(files))
	res := make([]FileSummary, len(files))
	for i, f := range files {
		res[i].Path = f
		byFile[f] = &res[i]
	}
	for _, id := range r.db.Lines() {
		if s, ok := byFile[id.File]; ok {
			s.add(id.Line, r.db)
		}
	}
	return res
}

func (s *FileSummary) add(line uint, db *linedb.DB) {
	hits, possible := db.Count(linedb.LineID{File: s.Path, Line: line})
	s.LineCounts = append(s.LineCounts, LineCount{Line: line, Hits: hits, Possible: possible})
	s.Lines++
	if hits > 0 {
		s.ExecutedLines++
	}
}

func (r *Reporter) fileSummary(file string) FileSummary {
	res := FileSummary{Path: file}
	for _, id := range r.db.Lines() {
		if id.File == file {
			res.add(id.Line, r.db)
		}
	}
	return res
}

// Stats returns the number of known lines, addresses and buffered hits.
func (r *Reporter) Stats() (lines, addrs, pending int) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	lines, addrs = r.db.Len()
	return lines, addrs, len(r.pending)
}

func (r *Reporter) String() string {
	lines, addrs, pending := r.Stats()
	return fmt.Sprintf("reporter(lines=%d addresses=%d pending=%d)", lines, addrs, pending)
}
