package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/fedsync/config"
	"github.com/d60-Lab/fedsync/internal/metrics"
	"github.com/d60-Lab/fedsync/internal/service"
	"github.com/d60-Lab/fedsync/pkg/cache"
	"github.com/d60-Lab/fedsync/pkg/database"
	"github.com/d60-Lab/fedsync/pkg/logger"
	"github.com/d60-Lab/fedsync/pkg/tracing"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "fedsync",
		Short: "Server-to-server federation sync engine",
		Long: `fedsync delivers signed activities to remote inboxes, pulls content from
peer servers on a schedule and serves the signed pull endpoint to peers.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default ./config.yaml)")

	rootCmd.AddCommand(
		serveCmd(),
		outboxWorkerCmd(),
		pullSchedulerCmd(),
		allCmd(),
		peersCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app 一个进程内共享的依赖
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	rdb      *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	eng      *service.Engine

	stopTracing func(context.Context) error
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
		}); err != nil {
			logger.Warn("sentry init failed", zap.Error(err))
		}
	}

	stopTracing, err := tracing.Init(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	db, err := database.InitDB(cfg)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, db: db, stopTracing: stopTracing}
	if cfg.Redis.Enabled {
		if a.rdb, err = cache.NewRedis(ctx, cfg); err != nil {
			_ = database.Close(db)
			return nil, err
		}
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	deps := service.Deps{Config: cfg, DB: db, Metrics: a.metrics}
	if a.rdb != nil {
		deps.Redis = a.rdb
	}
	if a.eng, err = service.NewEngine(deps); err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("fedsync initialised",
		zap.String("domain", cfg.Federation.Domain),
		zap.String("database", cfg.Database.Driver),
		zap.Bool("redis", a.rdb != nil))
	return a, nil
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.stopTracing != nil {
		if err := a.stopTracing(ctx); err != nil {
			logger.Warn("tracing shutdown", zap.Error(err))
		}
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if err := database.Close(a.db); err != nil {
		logger.Warn("database close", zap.Error(err))
	}
	sentry.Flush(2 * time.Second)
	_ = logger.Sync()
}

// startFanout 启动时间线写入 worker，返回的函数等待队列排空
func (a *app) startFanout() func() {
	stop := a.eng.Fanout.Start(a.cfg.Pull.FanoutWorkers)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := stop(ctx); err != nil {
			logger.Warn("fanout queue not drained", zap.Int("pending", a.eng.Fanout.QueueLen()), zap.Error(err))
		}
	}
}

// runApp 处理 SIGINT/SIGTERM 并在退出时释放资源
func runApp(fn func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}
