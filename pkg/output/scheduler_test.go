package output

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/grafana/linecov/pkg/test"
)

type countingWriter struct {
	name     string
	err      error
	delay    time.Duration
	startups atomic.Int32
	writes   atomic.Int32
	stops    atomic.Int32
}

func (w *countingWriter) Name() string { return w.name }

func (w *countingWriter) OnStartup(context.Context) error {
	w.startups.Inc()
	return nil
}

func (w *countingWriter) Write(context.Context) error {
	if w.writes.Inc() == 1 && w.delay > 0 {
		time.Sleep(w.delay)
	}
	return w.err
}

func (w *countingWriter) OnStop(context.Context) error {
	w.stops.Inc()
	return nil
}

func TestScheduler_RendersOnRequestAndAtStop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	w := &countingWriter{name: "counting"}
	s := NewScheduler(test.NewTestingLogger(t), []Writer{w}, SchedulerOptions{Interval: time.Hour}, nil)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), s))
	require.EqualValues(t, 1, w.startups.Load())
	require.Zero(t, w.writes.Load())

	s.RequestSnapshot()
	require.Eventually(t, func() bool { return w.writes.Load() == 1 }, 5*time.Second, time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	require.True(t, s.Stopping())
	require.Equal(t, services.Terminated, s.State())
	require.EqualValues(t, 2, w.writes.Load())
	require.EqualValues(t, 1, w.stops.Load())
}

func TestScheduler_RendersOnInterval(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	w := &countingWriter{name: "counting"}
	reg := prometheus.NewRegistry()
	s := NewScheduler(test.NewTestingLogger(t), []Writer{w}, SchedulerOptions{Interval: 5 * time.Millisecond}, NewMetrics(reg))
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), s))
	require.Eventually(t, func() bool { return w.writes.Load() >= 3 }, 5*time.Second, time.Millisecond)
	require.NoError(t, s.Stop(context.Background()))
	require.Equal(t, float64(w.writes.Load()), testutil.ToFloat64(s.metrics.Renders.WithLabelValues("counting")))
}

func TestScheduler_FinalRenderAfterSlowWriter(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	w := &countingWriter{name: "slow", delay: 200 * time.Millisecond}
	s := NewScheduler(test.NewTestingLogger(t), []Writer{w}, SchedulerOptions{Interval: time.Hour, StopGrace: 10 * time.Millisecond}, nil)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), s))
	s.RequestSnapshot()
	require.Eventually(t, func() bool { return w.writes.Load() == 1 }, 5*time.Second, time.Millisecond)

	// the loop is still inside the first Write; Stop must not lose the last render
	require.NoError(t, s.Stop(context.Background()))
	require.EqualValues(t, 2, w.writes.Load())
}

func TestScheduler_AggregatesErrors(t *testing.T) {
	a := &countingWriter{name: "a", err: errors.New("disk full")}
	b := &countingWriter{name: "b", err: errors.New("read-only")}
	c := &countingWriter{name: "c"}
	reg := prometheus.NewRegistry()
	s := NewScheduler(test.NewTestingLogger(t), []Writer{a, b, c}, SchedulerOptions{}, NewMetrics(reg))

	err := s.Render(context.Background())
	require.Error(t, err)
	require.ErrorContains(t, err, "a: disk full")
	require.ErrorContains(t, err, "b: read-only")
	require.EqualValues(t, 1, c.writes.Load())
	require.Equal(t, 1.0, testutil.ToFloat64(s.metrics.RenderFailures.WithLabelValues("a")))
	require.Equal(t, 0.0, testutil.ToFloat64(s.metrics.RenderFailures.WithLabelValues("c")))

	// never started: Stop still renders once more
	require.Error(t, s.Stop(context.Background()))
	require.EqualValues(t, 2, c.writes.Load())
	require.EqualValues(t, 1, c.stops.Load())
}

func TestScheduler_Interrupt(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	w := &countingWriter{name: "counting"}
	s := NewScheduler(test.NewTestingLogger(t), []Writer{w}, SchedulerOptions{Interval: time.Hour}, nil)
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), s))

	s.Interrupt()
	require.True(t, s.Stopping())
	s.RequestSnapshot()
	require.Never(t, func() bool { return w.writes.Load() > 0 }, 50*time.Millisecond, 5*time.Millisecond)

	require.NoError(t, s.Stop(context.Background()))
	require.EqualValues(t, 1, w.writes.Load())
}
