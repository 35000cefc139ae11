package main

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/fedsync/internal/task"
	"github.com/d60-Lab/fedsync/pkg/logger"
)

// taskTimeout 单次任务执行上限
const taskTimeout = 5 * time.Minute

func addOutboxTasks(r *task.Runner, a *app) {
	r.Add("outbox-delivery", a.cfg.Outbox.PollInterval, func(ctx context.Context) error {
		res, err := a.eng.ProcessOutboxBatch(ctx)
		if err != nil {
			return err
		}
		if res.Jobs > 0 || res.Requeued > 0 || res.Expired > 0 {
			logger.Info("outbox batch processed",
				zap.Int("jobs", res.Jobs),
				zap.Int("delivered", res.Delivered),
				zap.Int("retried", res.Retried),
				zap.Int("failed", res.Failed),
				zap.Int("skipped", res.Skipped),
				zap.Int("requeued", res.Requeued),
				zap.Int("expired", res.Expired))
		}
		return nil
	})
}

func addPullTasks(r *task.Runner, a *app, tick time.Duration) {
	r.Add("pull-scheduler", tick, func(ctx context.Context) error {
		res, err := a.eng.RunPullScheduler(ctx)
		if err != nil {
			return err
		}
		if res.Peers > 0 {
			logger.Info("pull round finished",
				zap.Int("peers", res.Peers),
				zap.Int("failed", res.Failed),
				zap.Int("items", res.Items))
		}
		return nil
	})
	r.Add("nonce-sweep", a.cfg.Signature.NonceSweepInterval, func(ctx context.Context) error {
		n, err := a.eng.SweepNonces(ctx)
		if err == nil && n > 0 {
			logger.Debug("expired nonces removed", zap.Int64("count", n))
		}
		return err
	})
}

// runTasks 阻塞到 ctx 结束，然后等待执行中的任务完成
func runTasks(ctx context.Context, r *task.Runner) error {
	stop := r.Start()
	<-ctx.Done()

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return stop(drainCtx)
}
