// Package task runs the periodic federation jobs (outbox delivery, pull scheduling, sweeps)
// on fixed intervals with overlap prevention and graceful drain.
package task

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"github.com/d60-Lab/fedsync/internal/metrics"
	"github.com/d60-Lab/fedsync/pkg/logger"
)

// Func 一次 tick 的工作；返回的错误只记录，不会停止调度
type Func func(ctx context.Context) error

type job struct {
	name     string
	interval time.Duration
	fn       Func
	running  atomic.Bool
}

// Runner 管理一组定时任务
type Runner struct {
	clock   clock.Clock
	metrics *metrics.Metrics
	timeout time.Duration

	mu      sync.Mutex
	jobs    []*job
	started bool
	wg      sync.WaitGroup
}

// NewRunner timeout 为单次执行上限，0 表示不限制
func NewRunner(clk clock.Clock, timeout time.Duration, m *metrics.Metrics) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	return &Runner{clock: clk, metrics: m, timeout: timeout}
}

// Add 注册任务；必须在 Start 之前调用
func (r *Runner) Add(name string, interval time.Duration, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		panic(fmt.Sprintf("task %q added after Start", name))
	}
	if interval <= 0 {
		interval = time.Second
	}
	r.jobs = append(r.jobs, &job{name: name, interval: interval, fn: fn})
}

// Start 每个任务一个 ticker 循环；返回的停止函数停止调度并等待执行中的任务完成
func (r *Runner) Start() func(context.Context) error {
	r.mu.Lock()
	r.started = true
	jobs := append([]*job(nil), r.jobs...)
	r.mu.Unlock()

	runCtx, cancelRuns := context.WithCancel(context.Background())
	stop := make(chan struct{})
	var loops sync.WaitGroup
	for _, j := range jobs {
		loops.Add(1)
		go func(j *job) {
			defer loops.Done()
			r.loop(runCtx, stop, j)
		}(j)
	}
	logger.Info("task runner started", zap.Int("tasks", len(jobs)))

	var once sync.Once
	return func(ctx context.Context) error {
		var err error
		once.Do(func() {
			close(stop)
			loops.Wait()

			done := make(chan struct{})
			go func() {
				r.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
				// 超时后取消仍在执行的任务
				cancelRuns()
				<-done
				err = ctx.Err()
			}
			cancelRuns()
			logger.Info("task runner stopped")
		})
		return err
	}
}

func (r *Runner) loop(ctx context.Context, stop <-chan struct{}, j *job) {
	ticker := r.clock.Ticker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			r.dispatch(ctx, j)
		}
	}
}

// dispatch 上一次执行尚未结束时跳过本次
func (r *Runner) dispatch(ctx context.Context, j *job) {
	if !j.running.CompareAndSwap(false, true) {
		r.metrics.TaskSkip(j.name)
		logger.Debug("task still running, skip tick", zap.String("task", j.name))
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer j.running.Store(false)
		r.execute(ctx, j)
	}()
}

// RunOnce 立即执行一次指定任务（与调度共享防重入标记）
func (r *Runner) RunOnce(ctx context.Context, name string) (bool, error) {
	r.mu.Lock()
	var j *job
	for _, c := range r.jobs {
		if c.name == name {
			j = c
			break
		}
	}
	r.mu.Unlock()
	if j == nil {
		return false, fmt.Errorf("unknown task %q", name)
	}
	if !j.running.CompareAndSwap(false, true) {
		r.metrics.TaskSkip(j.name)
		return false, nil
	}
	defer j.running.Store(false)
	return true, r.execute(ctx, j)
}

func (r *Runner) execute(ctx context.Context, j *job) (err error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := r.clock.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", j.name, p)
		}
		if err != nil {
			r.metrics.TaskRun(j.name, "error")
			logger.Error("task failed",
				zap.String("task", j.name),
				zap.Duration("elapsed", r.clock.Since(start)),
				zap.Error(err))
			hub := sentry.CurrentHub().Clone()
			hub.Scope().SetTag("task", j.name)
			hub.CaptureException(err)
			return
		}
		r.metrics.TaskRun(j.name, "ok")
	}()
	return j.fn(ctx)
}
