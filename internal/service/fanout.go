package service

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d60-Lab/fedsync/internal/metrics"
	"github.com/d60-Lab/fedsync/internal/model"
	"github.com/d60-Lab/fedsync/internal/repository"
	"github.com/d60-Lab/fedsync/pkg/logger"
)

// FollowerSource 由 cacheperf.FollowerIndex 实现
type FollowerSource interface {
	Followers(ctx context.Context, actorID string) ([]string, error)
}

type FanoutItem struct {
	ID        string
	ActorID   string
	CreatedAt time.Time
}

// FanoutBatch 一次拉取中同一范围的条目
type FanoutBatch struct {
	Scope         string
	Domain        string
	ServerActorID string
	Items         []FanoutItem
	// 仅 audience 范围使用：本次请求的本地用户列表
	Audience []string
}

// FeedFanout 异步把拉取到的内容写入本地用户时间线（队列满时丢弃并告警）
type FeedFanout struct {
	feed      repository.FeedRepository
	followers FollowerSource
	clock     clock.Clock
	metrics   *metrics.Metrics
	ch        chan FanoutBatch
}

func NewFeedFanout(feed repository.FeedRepository, followers FollowerSource, clk clock.Clock, queueSize int, m *metrics.Metrics) *FeedFanout {
	if queueSize <= 0 {
		queueSize = 10000
	}
	if clk == nil {
		clk = clock.New()
	}
	return &FeedFanout{feed: feed, followers: followers, clock: clk, metrics: m, ch: make(chan FanoutBatch, queueSize)}
}

// Start 启动 worker，返回的停止函数等待队列排空、已取出的批次写完，超时返回 ctx 错误
func (f *FeedFanout) Start(workers int) func(context.Context) error {
	if workers <= 0 {
		workers = 4
	}
	var (
		wg       sync.WaitGroup
		stopOnce sync.Once
	)
	stopCh := make(chan struct{})
	stop := func() { stopOnce.Do(func() { close(stopCh) }) }
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case b := <-f.ch:
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					if _, err := f.Apply(ctx, b); err != nil {
						logger.Error("fanout failed",
							zap.String("domain", b.Domain),
							zap.String("scope", b.Scope),
							zap.Error(err))
					}
					cancel()
				case <-stopCh:
					return
				}
			}
		}()
	}
	return func(ctx context.Context) error {
		defer stop()

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for len(f.ch) > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}

		stop()
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Enqueue 非阻塞入队
func (f *FeedFanout) Enqueue(b FanoutBatch) bool {
	select {
	case f.ch <- b:
		return true
	default:
		f.metrics.FanoutDrop()
		logger.Warn("fanout queue full, drop batch",
			zap.String("domain", b.Domain),
			zap.String("scope", b.Scope),
			zap.Int("items", len(b.Items)))
		return false
	}
}

// QueueLen 返回当前队列长度（采样值）
func (f *FeedFanout) QueueLen() int { return len(f.ch) }

// Apply 同步执行一个批次：public 给对端服务器 actor 的关注者，actors 给作者的关注者，
// audience 只给请求中的用户
func (f *FeedFanout) Apply(ctx context.Context, b FanoutBatch) (int, error) {
	now := f.clock.Now().UTC()
	var entries []*model.FeedEntry
	add := func(users []string, it FanoutItem) {
		for _, u := range users {
			entries = append(entries, &model.FeedEntry{
				ID:           uuid.New().String(),
				UserID:       u,
				ItemID:       it.ID,
				Scope:        b.Scope,
				SourceDomain: b.Domain,
				Score:        it.CreatedAt.UnixNano(),
				CreatedAt:    now,
			})
		}
	}

	switch b.Scope {
	case ScopePublic:
		if b.ServerActorID == "" {
			logger.Debug("fanout: peer server actor unknown", zap.String("domain", b.Domain))
			return 0, nil
		}
		users, err := f.followers.Followers(ctx, b.ServerActorID)
		if err != nil {
			return 0, err
		}
		for _, it := range b.Items {
			add(users, it)
		}
	case ScopeActors:
		cache := map[string][]string{}
		for _, it := range b.Items {
			users, ok := cache[it.ActorID]
			if !ok {
				var err error
				if users, err = f.followers.Followers(ctx, it.ActorID); err != nil {
					return 0, err
				}
				cache[it.ActorID] = users
			}
			add(users, it)
		}
	case ScopeAudience:
		for _, it := range b.Items {
			add(b.Audience, it)
		}
	}

	if err := f.feed.AddEntries(ctx, entries); err != nil {
		return 0, err
	}
	f.metrics.FeedWritten(len(entries))
	return len(entries), nil
}
