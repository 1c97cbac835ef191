package output

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/multierror"
	"github.com/grafana/dskit/services"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

type SchedulerOptions struct {
	Interval time.Duration
	// StopGrace bounds how long Stop waits for the render loop to finish
	// before the final render.
	StopGrace time.Duration
}

// Scheduler renders every writer on a timer and on request.
type Scheduler struct {
	services.Service

	logger  log.Logger
	writers []Writer
	opts    SchedulerOptions
	metrics *Metrics

	requests chan struct{}
	stopFlag atomic.Bool
	// serializes render passes of the loop and the final one
	renderMtx sync.Mutex
}

func NewScheduler(logger log.Logger, writers []Writer, opts SchedulerOptions, metrics *Metrics) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = 500 * time.Millisecond
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	s := &Scheduler{
		logger:   log.With(logger, "component", "output"),
		writers:  writers,
		opts:     opts,
		metrics:  metrics,
		requests: make(chan struct{}, 1),
	}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

func (s *Scheduler) starting(ctx context.Context) error {
	errs := multierror.New()
	for _, w := range s.writers {
		if err := w.OnStartup(ctx); err != nil {
			errs.Add(fmt.Errorf("%s: %w", w.Name(), err))
		}
	}
	return errs.Err()
}

func (s *Scheduler) running(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for !s.stopFlag.Load() {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-s.requests:
		}
		if s.stopFlag.Load() {
			break
		}
		if err := s.Render(ctx); err != nil {
			level.Warn(s.logger).Log("msg", "render failed", "err", err)
		}
	}
	return nil
}

func (s *Scheduler) stopping(_ error) error {
	return nil
}

// RequestSnapshot asks for a render pass as soon as possible. It never
// blocks.
func (s *Scheduler) RequestSnapshot() {
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

// Stopping reports whether Stop was called.
func (s *Scheduler) Stopping() bool {
	return s.stopFlag.Load()
}

// Interrupt stops periodic rendering without waiting. Stop still renders
// one last time.
func (s *Scheduler) Interrupt() {
	s.stopFlag.Store(true)
}

// Render runs every writer once, in parallel.
func (s *Scheduler) Render(ctx context.Context) error {
	s.renderMtx.Lock()
	defer s.renderMtx.Unlock()

	start := time.Now()
	defer func() { s.metrics.RenderDuration.Observe(time.Since(start).Seconds()) }()

	var (
		g    errgroup.Group
		mtx  sync.Mutex
		errs = multierror.New()
	)
	for _, w := range s.writers {
		g.Go(func() error {
			s.metrics.Renders.WithLabelValues(w.Name()).Inc()
			if err := w.Write(ctx); err != nil {
				s.metrics.RenderFailures.WithLabelValues(w.Name()).Inc()
				mtx.Lock()
				errs.Add(fmt.Errorf("%s: %w", w.Name(), err))
				mtx.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs.Err()
}

// Stop sets the stop flag, gives the render loop StopGrace to finish, renders
// one last time and lets every writer release its resources.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopFlag.Store(true)
	s.StopAsync()

	graceCtx, cancel := context.WithTimeout(ctx, s.opts.StopGrace)
	defer cancel()
	if err := s.AwaitTerminated(graceCtx); err != nil {
		level.Warn(s.logger).Log("msg", "render loop did not stop in time", "grace", s.opts.StopGrace, "err", err)
	}

	errs := multierror.New()
	if err := s.Render(ctx); err != nil {
		errs.Add(err)
	}
	for _, w := range s.writers {
		if err := w.OnStop(ctx); err != nil {
			errs.Add(fmt.Errorf("%s: %w", w.Name(), err))
		}
	}
	return errs.Err()
}
