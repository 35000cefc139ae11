package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/d60-Lab/fedsync/internal/api"
	"github.com/d60-Lab/fedsync/internal/task"
	"github.com/d60-Lab/fedsync/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the signed pull endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app) error {
				defer a.startFanout()()
				return runServer(ctx, a)
			})
		},
	}
}

func outboxWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outbox-worker",
		Short: "Deliver queued activities to remote inboxes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app) error {
				r := task.NewRunner(nil, taskTimeout, a.metrics)
				addOutboxTasks(r, a)
				return runTasks(ctx, r)
			})
		},
	}
}

func pullSchedulerCmd() *cobra.Command {
	var tick time.Duration
	cmd := &cobra.Command{
		Use:   "pull-scheduler",
		Short: "Poll due peer servers and ingest their content",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app) error {
				defer a.startFanout()()
				r := task.NewRunner(nil, taskTimeout, a.metrics)
				addPullTasks(r, a, tick)
				return runTasks(ctx, r)
			})
		},
	}
	cmd.Flags().DurationVar(&tick, "tick", 10*time.Second, "how often to look for due peers")
	return cmd
}

// allCmd API 与全部后台任务跑在同一进程
func allCmd() *cobra.Command {
	var tick time.Duration
	cmd := &cobra.Command{
		Use:   "all",
		Short: "Run the API, outbox worker and pull scheduler in one process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApp(func(ctx context.Context, a *app) error {
				defer a.startFanout()()
				r := task.NewRunner(nil, taskTimeout, a.metrics)
				addOutboxTasks(r, a)
				addPullTasks(r, a, tick)

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return runServer(gctx, a) })
				g.Go(func() error { return runTasks(gctx, r) })
				return g.Wait()
			})
		},
	}
	cmd.Flags().DurationVar(&tick, "tick", 10*time.Second, "how often to look for due peers")
	return cmd
}

func runServer(ctx context.Context, a *app) error {
	srv := &http.Server{
		Addr:         a.cfg.Server.Addr,
		Handler:      api.SetupRouter(a.cfg, a.eng, a.registry),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
