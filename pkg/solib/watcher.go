package solib

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/grafana/linecov/pkg/debuginfo"
)

const pipeName = "linecov-solib-pipe"

type Options struct {
	// Dir holds the FIFO. A temporary directory is used when Dir does not
	// support FIFOs.
	Dir string
	// ShimPath is preloaded into the target. Without it nothing reports
	// shared objects and only the main executable is covered.
	ShimPath    string
	WaitTimeout time.Duration
}

// Watcher reads shim reports on its own goroutine and hands them to the
// debug-info source on the trace goroutine through OnTick.
type Watcher struct {
	logger  log.Logger
	source  debuginfo.Source
	opts    Options
	metrics *Metrics

	pipePath string
	tmpDir   string

	mtx   sync.Mutex
	queue []*Record

	drained  chan struct{}
	opened   atomic.Bool
	stopping atomic.Bool
	done     chan struct{}

	// owned by the trace goroutine
	found         map[string]struct{}
	relocationSet bool
}

func NewWatcher(logger log.Logger, source debuginfo.Source, opts Options, metrics *Metrics) *Watcher {
	if opts.WaitTimeout == 0 {
		opts.WaitTimeout = 5 * time.Second
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Watcher{
		logger:  log.With(logger, "component", "solib"),
		source:  source,
		opts:    opts,
		metrics: metrics,
		drained: make(chan struct{}, 1),
		done:    make(chan struct{}),
		found:   make(map[string]struct{}),
	}
}

// Start creates the FIFO and starts reading it.
func (w *Watcher) Start() error {
	path, err := w.makePipe()
	if err != nil {
		return err
	}
	w.pipePath = path
	if w.opts.ShimPath == "" {
		level.Warn(w.logger).Log("msg", "no shared object shim, only the main executable is covered")
	}
	go w.run()
	return nil
}

func (w *Watcher) makePipe() (string, error) {
	path := filepath.Join(w.opts.Dir, pipeName)
	_ = os.Remove(path)
	err := unix.Mkfifo(path, 0o600)
	if err == nil {
		return path, nil
	}
	level.Debug(w.logger).Log("msg", "cannot create fifo, using a temporary directory", "path", path, "err", err)
	tmp, tmpErr := os.MkdirTemp("", "linecov")
	if tmpErr != nil {
		return "", fmt.Errorf("create fifo %s: %w", path, err)
	}
	path = filepath.Join(tmp, pipeName)
	if err := unix.Mkfifo(path, 0o600); err != nil {
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("create fifo %s: %w", path, err)
	}
	w.tmpDir = tmp
	return path, nil
}

func (w *Watcher) PipePath() string {
	return w.pipePath
}

// Env returns the variables the target needs to report its shared objects.
func (w *Watcher) Env() []string {
	env := []string{EnvPipe + "=" + w.pipePath}
	if w.opts.ShimPath != "" {
		preload := w.opts.ShimPath
		if cur := os.Getenv("LD_PRELOAD"); cur != "" {
			preload += ":" + cur
		}
		env = append(env, "LD_PRELOAD="+preload)
	}
	return env
}

func (w *Watcher) run() {
	defer close(w.done)
	for !w.stopping.Load() {
		// blocks until a writer shows up
		f, err := os.OpenFile(w.pipePath, os.O_RDONLY, 0)
		if err != nil {
			level.Warn(w.logger).Log("msg", "cannot open fifo", "path", w.pipePath, "err", err)
			return
		}
		if w.stopping.Load() {
			f.Close()
			return
		}
		w.opened.Store(true)
		w.drain(f)
		f.Close()
		w.notify()
	}
}

func (w *Watcher) drain(f io.Reader) {
	br := bufio.NewReaderSize(f, 4*entrySize)
	var total uint64
	for {
		rec, err := Decode(br)
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			w.metrics.DiscardedRecords.WithLabelValues(reason(err)).Inc()
			level.Warn(w.logger).Log("msg", "discarding malformed shared object report", "err", err)
			// the rest of this session cannot be framed any more
			_, _ = io.Copy(io.Discard, br)
			return
		}
		total += uint64(headerSize + len(rec.Modules)*entrySize)
		w.metrics.Records.Inc()
		level.Debug(w.logger).Log("msg", "shared object report", "modules", len(rec.Modules), "read", humanize.Bytes(total))
		w.mtx.Lock()
		w.queue = append(w.queue, rec)
		w.mtx.Unlock()
		w.notify()
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrBadMagic):
		return "magic"
	case errors.Is(err, ErrBadVersion):
		return "version"
	case errors.Is(err, ErrTruncated):
		return "truncated"
	}
	return "invalid"
}

func (w *Watcher) notify() {
	select {
	case w.drained <- struct{}{}:
	default:
	}
}

// WaitDrained blocks until the reader has consumed what the shim wrote. It
// returns at once when the shim never opened the FIFO.
func (w *Watcher) WaitDrained() {
	if !w.opened.Load() {
		return
	}
	t := time.NewTimer(w.opts.WaitTimeout)
	defer t.Stop()
	select {
	case <-w.drained:
	case <-t.C:
		level.Warn(w.logger).Log("msg", "timed out waiting for shared object reports", "timeout", w.opts.WaitTimeout)
	}
}

// Queued returns the number of reports not yet handed to the source.
func (w *Watcher) Queued() int {
	w.mtx.Lock()
	defer w.mtx.Unlock()
	return len(w.queue)
}

// OnTick queues newly reported objects with the source and parses them. It
// must run on the trace goroutine. The result tells whether breakpoints may
// be pending.
func (w *Watcher) OnTick() bool {
	w.mtx.Lock()
	records := w.queue
	w.queue = nil
	w.mtx.Unlock()
	if len(records) == 0 {
		return false
	}
	for _, rec := range records {
		if !w.relocationSet {
			w.source.SetMainFileRelocation(rec.Relocation)
			w.relocationSet = true
		}
		for _, m := range rec.Modules {
			if m.Name == "" || filepath.Base(m.Name) == ShimName {
				continue
			}
			if _, ok := w.found[m.Name]; ok {
				continue
			}
			w.found[m.Name] = struct{}{}
			if err := w.source.AddFile(m.Name, m.Segments); err != nil {
				w.metrics.SkippedModules.Inc()
				level.Debug(w.logger).Log("msg", "skipping shared object", "path", m.Name, "err", err)
				continue
			}
			w.metrics.Modules.Inc()
			level.Debug(w.logger).Log("msg", "new shared object", "path", m.Name, "segments", len(m.Segments))
		}
	}
	if err := w.source.Parse(); err != nil {
		level.Warn(w.logger).Log("msg", "failed to parse shared objects", "err", err)
	}
	return true
}

// Stop ends the reader goroutine and removes the FIFO.
func (w *Watcher) Stop() error {
	if w.pipePath == "" {
		return nil
	}
	w.stopping.Store(true)
	deadline := time.Now().Add(time.Second)
	for {
		// a reader blocked in open is released by a writer coming and going
		if f, err := os.OpenFile(w.pipePath, os.O_WRONLY|unix.O_NONBLOCK, 0); err == nil {
			f.Close()
		}
		select {
		case <-w.done:
			return w.cleanup()
		case <-time.After(10 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			level.Warn(w.logger).Log("msg", "shared object reader did not stop")
			return w.cleanup()
		}
	}
}

func (w *Watcher) cleanup() error {
	if w.tmpDir != "" {
		return os.RemoveAll(w.tmpDir)
	}
	if err := os.Remove(w.pipePath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
