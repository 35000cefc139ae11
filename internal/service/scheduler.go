package service

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/d60-Lab/fedsync/config"
	"github.com/d60-Lab/fedsync/internal/apperr"
	"github.com/d60-Lab/fedsync/internal/repository"
	"github.com/d60-Lab/fedsync/pkg/logger"
)

// Puller 由 PullClient 实现
type Puller interface {
	PullFromServer(ctx context.Context, domain string, opts PullOptions) (*PullResult, error)
}

// PullScheduler 选出到期对端并逐个拉取；成功/失败的调度状态由 PullClient 落库
type PullScheduler struct {
	peers  repository.PeerRepository
	puller Puller
	clock  clock.Clock
	cfg    config.PullConfig
}

func NewPullScheduler(peers repository.PeerRepository, puller Puller, clk clock.Clock, cfg config.PullConfig) *PullScheduler {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &PullScheduler{peers: peers, puller: puller, clock: clk, cfg: cfg}
}

// SchedulerResult 单次 tick 统计
type SchedulerResult struct {
	Peers  int `json:"peers"`
	Failed int `json:"failed"`
	Items  int `json:"items"`
}

// lease 认领期内其他实例不会取到同一对端
func (s *PullScheduler) lease() time.Duration {
	l := 2 * s.cfg.RequestTimeout
	if l < time.Minute {
		l = time.Minute
	}
	return l
}

func (s *PullScheduler) RunOnce(ctx context.Context) (SchedulerResult, error) {
	var res SchedulerResult
	due, err := s.peers.ClaimDue(ctx, s.clock.Now().UTC(), s.lease(), s.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	for _, p := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Peers++
		out, err := s.puller.PullFromServer(ctx, p.Domain, PullOptions{})
		if err != nil {
			// 对端错误已写入 scheduler 状态；基础设施错误中止本轮
			if apperr.ClassOf(err) == apperr.ClassInternal && !errors.Is(err, ErrPeerBlocked) {
				return res, err
			}
			res.Failed++
			logger.Debug("scheduled pull failed", zap.String("domain", p.Domain), zap.Error(err))
			continue
		}
		res.Items += out.Ingested
	}
	return res, nil
}
