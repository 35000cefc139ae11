package service

import (
	"context"
	"errors"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/d60-Lab/fedsync/internal/fedid"
	"github.com/d60-Lab/fedsync/internal/model"
	"github.com/d60-Lab/fedsync/internal/repository"
	"github.com/d60-Lab/fedsync/pkg/logger"
)

// PeerSettings 管理端可修改的对端配置，nil 字段保持不变
type PeerSettings struct {
	ServerActorID  *string               `json:"serverActorId,omitempty"`
	Supports       *model.PeerSupports   `json:"supports,omitempty"`
	ContentFilters *model.ContentFilters `json:"contentFilters,omitempty"`
	RateLimits     *model.RateLimits     `json:"rateLimits,omitempty"`
	TimeoutMs      *int                  `json:"timeoutMs,omitempty" binding:"omitempty,min=0"`
}

// PeerService 对端注册表；所有入口先规范化 domain
type PeerService struct {
	repo  repository.PeerRepository
	clock clock.Clock
}

func NewPeerService(repo repository.PeerRepository, clk clock.Clock) *PeerService {
	if clk == nil {
		clk = clock.New()
	}
	return &PeerService{repo: repo, clock: clk}
}

func normalize(domain string) (string, error) {
	d := fedid.NormalizeDomain(domain)
	if d == "" {
		return "", ErrInvalidDomain
	}
	return d, nil
}

func (s *PeerService) Get(ctx context.Context, domain string) (*model.PeerServer, error) {
	d, err := normalize(domain)
	if err != nil {
		return nil, err
	}
	p, err := s.repo.Get(ctx, d)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrPeerNotFound
	}
	return p, err
}

// Ensure 不存在时以 unknown 状态创建
func (s *PeerService) Ensure(ctx context.Context, domain string) (*model.PeerServer, error) {
	d, err := normalize(domain)
	if err != nil {
		return nil, err
	}
	return s.repo.Ensure(ctx, d, s.clock.Now().UTC())
}

func (s *PeerService) List(ctx context.Context, offset, limit int) ([]*model.PeerServer, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.List(ctx, offset, limit)
}

func (s *PeerService) SetStatus(ctx context.Context, domain string, status model.PeerStatus) (*model.PeerServer, error) {
	if !status.Valid() {
		return nil, errors.New("invalid peer status")
	}
	p, err := s.Ensure(ctx, domain)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateStatus(ctx, p.Domain, status); err != nil {
		return nil, err
	}
	logger.Info("peer status changed",
		zap.String("domain", p.Domain),
		zap.String("from", string(p.Status)),
		zap.String("to", string(status)))
	p.Status = status
	return p, nil
}

func (s *PeerService) UpdateSettings(ctx context.Context, domain string, in PeerSettings) (*model.PeerServer, error) {
	p, err := s.Ensure(ctx, domain)
	if err != nil {
		return nil, err
	}
	if in.ServerActorID != nil {
		p.ServerActorID = *in.ServerActorID
	}
	if in.Supports != nil {
		p.Supports = *in.Supports
	}
	if in.ContentFilters != nil {
		p.ContentFilters = *in.ContentFilters
	}
	if in.RateLimits != nil {
		p.RateLimits = *in.RateLimits
	}
	if in.TimeoutMs != nil {
		p.TimeoutMs = *in.TimeoutMs
	}
	if err := s.repo.UpdateSettings(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// TrackActor 本地开始关注远端作者时调用，作者所在域进入 actors 拉取范围
func (s *PeerService) TrackActor(ctx context.Context, actorID string) (int, error) {
	return s.adjustActor(ctx, actorID, 1)
}

func (s *PeerService) UntrackActor(ctx context.Context, actorID string) (int, error) {
	return s.adjustActor(ctx, actorID, -1)
}

func (s *PeerService) adjustActor(ctx context.Context, actorID string, delta int) (int, error) {
	p, err := s.Ensure(ctx, fedid.HostOf(actorID))
	if err != nil {
		return 0, err
	}
	return s.repo.AdjustActorRef(ctx, p.Domain, actorID, delta)
}

// IsBlocked 未登记的对端视为未屏蔽
func (s *PeerService) IsBlocked(ctx context.Context, domain string) (bool, error) {
	p, err := s.Get(ctx, domain)
	if errors.Is(err, ErrPeerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.Status == model.PeerBlocked, nil
}
