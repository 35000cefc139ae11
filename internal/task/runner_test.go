package task

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/fedsync/internal/metrics"
)

func TestRunnerTicksOnInterval(t *testing.T) {
	clk := clock.NewMock()
	m := metrics.New(prometheus.NewRegistry())
	r := NewRunner(clk, 0, m)

	var runs atomic.Int32
	r.Add("outbox", time.Second, func(context.Context) error {
		runs.Add(1)
		return nil
	})
	stop := r.Start()

	// 等待 ticker 注册到 mock clock
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		clk.Add(time.Second)
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, stop(context.Background()))

	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TaskRuns.WithLabelValues("outbox", "ok")))
}

func TestRunnerSkipsOverlappingRuns(t *testing.T) {
	clk := clock.NewMock()
	m := metrics.New(prometheus.NewRegistry())
	r := NewRunner(clk, 0, m)

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var runs atomic.Int32
	r.Add("pull", time.Second, func(ctx context.Context) error {
		runs.Add(1)
		started <- struct{}{}
		<-release
		return nil
	})
	stop := r.Start()

	time.Sleep(10 * time.Millisecond)
	clk.Add(time.Second)
	<-started
	for i := 0; i < 2; i++ {
		clk.Add(time.Second)
		time.Sleep(5 * time.Millisecond)
	}

	ok, err := r.RunOnce(context.Background(), "pull")
	require.NoError(t, err)
	assert.False(t, ok)

	close(release)
	require.NoError(t, stop(context.Background()))
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.TaskSkipped.WithLabelValues("pull")))
}

func TestRunnerRecordsFailuresAndKeepsGoing(t *testing.T) {
	r := NewRunner(clock.NewMock(), 0, nil)
	calls := 0
	r.Add("sweep", time.Minute, func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("db down")
		}
		panic("boom")
	})

	ok, err := r.RunOnce(context.Background(), "sweep")
	assert.True(t, ok)
	assert.EqualError(t, err, "db down")

	ok, err = r.RunOnce(context.Background(), "sweep")
	assert.True(t, ok)
	assert.ErrorContains(t, err, "panicked")

	_, err = r.RunOnce(context.Background(), "missing")
	assert.Error(t, err)
}

func TestRunnerStopCancelsAfterDeadline(t *testing.T) {
	clk := clock.NewMock()
	r := NewRunner(clk, 0, nil)
	started := make(chan struct{})
	r.Add("slow", time.Second, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	stop := r.Start()

	time.Sleep(10 * time.Millisecond)
	clk.Add(time.Second)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, stop(ctx), context.DeadlineExceeded)
}
