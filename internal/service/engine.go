package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/d60-Lab/fedsync/config"
	"github.com/d60-Lab/fedsync/internal/audience"
	"github.com/d60-Lab/fedsync/internal/cacheperf"
	"github.com/d60-Lab/fedsync/internal/fedid"
	"github.com/d60-Lab/fedsync/internal/httpsig"
	"github.com/d60-Lab/fedsync/internal/metrics"
	"github.com/d60-Lab/fedsync/internal/model"
	"github.com/d60-Lab/fedsync/internal/repository"
	"github.com/d60-Lab/fedsync/pkg/logger"
)

// Deps 构造 Engine 所需的外部依赖；可选项为空时使用默认实现
type Deps struct {
	Config *config.Config
	DB     *gorm.DB
	// Redis 未启用时保持 nil
	Redis      redis.UniversalClient
	Clock      clock.Clock
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Signer     *httpsig.Signer
	Keys       httpsig.KeyResolver
	Lookup     audience.ObjectLookup
}

// Engine 联邦引擎对外接口
type Engine struct {
	cfg   *config.Config
	clock clock.Clock

	Outbox     *OutboxService
	Worker     *DeliveryWorker
	Peers      *PeerService
	Puller     *PullClient
	Scheduler  *PullScheduler
	PullServer *PullServer
	Fanout     *FeedFanout
	Followers  *cacheperf.FollowerIndex
	Signer     *httpsig.Signer
	Verifier   *httpsig.Verifier

	fans    repository.FanRepository
	feed    repository.FeedRepository
	nonces  repository.NonceRepository
	metrics *metrics.Metrics
}

func NewEngine(d Deps) (*Engine, error) {
	cfg := d.Config
	if cfg == nil || d.DB == nil {
		return nil, errors.New("engine requires config and database")
	}
	clk := d.Clock
	if clk == nil {
		clk = clock.New()
	}
	client := d.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Signature.FetchTimeout}
	}

	signer := d.Signer
	if signer == nil {
		key, err := httpsig.LoadPrivateKey(cfg.Federation.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load federation key: %w", err)
		}
		signer = httpsig.NewSigner(cfg.Federation.KeyID, key, clk)
	}
	keys := d.Keys
	if keys == nil {
		r := httpsig.NewHTTPKeyResolver(client, cfg.Signature.KeyCacheSize, cfg.Signature.KeyCacheTTL)
		r.AddLocal(signer.KeyID, signer.PublicKey())
		keys = r
	}
	lookup := d.Lookup
	if lookup == nil {
		lookup = audience.NewHTTPLookup(client)
	}

	var nonces repository.NonceRepository
	if cfg.Signature.ReplayStore == "redis" && d.Redis != nil {
		nonces = repository.NewRedisNonceStore(d.Redis, clk)
	} else {
		nonces = repository.NewNonceRepository(d.DB)
	}

	outboxRepo := repository.NewOutboxRepository(d.DB)
	peerRepo := repository.NewPeerRepository(d.DB)
	fans := repository.NewFanRepository(d.DB)
	followers := cacheperf.NewFollowerIndex(fans, d.Redis, 5*time.Minute)
	feed := repository.NewFeedRepository(d.DB)
	fanout := NewFeedFanout(feed, followers, clk, cfg.Pull.FanoutQueue, d.Metrics)
	resolver := audience.NewResolver(lookup, cfg.Federation.Domain, cfg.Federation.PublicSentinel)
	peers := NewPeerService(peerRepo, clk)
	puller := NewPullClient(peerRepo, repository.NewRemoteItemRepository(d.DB), fanout, signer, client, clk,
		cfg.Pull, cfg.Federation.Domain, d.Metrics)

	return &Engine{
		cfg:        cfg,
		clock:      clk,
		Outbox:     NewOutboxService(outboxRepo, resolver, clk, cfg.Outbox.JobTTL, d.Metrics),
		Worker:     NewDeliveryWorker(outboxRepo, peers, signer, nil, clk, cfg.Outbox, d.Metrics),
		Peers:      peers,
		Puller:     puller,
		Scheduler:  NewPullScheduler(peerRepo, puller, clk, cfg.Pull),
		PullServer: NewPullServer(repository.NewContentRepository(d.DB), cfg.Federation.PublicSentinel, cfg.Pull.DefaultLimit, cfg.Pull.MaxPage, nil, d.Metrics),
		Fanout:     fanout,
		Followers:  followers,
		Signer:     signer,
		Verifier:   httpsig.NewVerifier(keys, nonces, clk),
		fans:       fans,
		feed:       feed,
		nonces:     nonces,
		metrics:    d.Metrics,
	}, nil
}

// LocalDomain 本实例域名（pull token 的 audience）
func (e *Engine) LocalDomain() string { return fedid.NormalizeDomain(e.cfg.Federation.Domain) }

// EnqueueOutbox 受众为空时返回 (nil, nil)
func (e *Engine) EnqueueOutbox(ctx context.Context, activity json.RawMessage, activityID, actorID string) (*model.OutboxJob, error) {
	return e.Outbox.Enqueue(ctx, activity, activityID, actorID)
}

func (e *Engine) ProcessOutboxBatch(ctx context.Context) (BatchResult, error) {
	return e.Worker.ProcessBatch(ctx)
}

func (e *Engine) PullFromServer(ctx context.Context, domain string, opts PullOptions) (*PullResult, error) {
	return e.Puller.PullFromServer(ctx, domain, opts)
}

func (e *Engine) RunPullScheduler(ctx context.Context) (SchedulerResult, error) {
	return e.Scheduler.RunOnce(ctx)
}

// DefaultVerifyOptions 按配置填充时钟偏差与防重放
func (e *Engine) DefaultVerifyOptions() httpsig.VerifyOptions {
	return httpsig.VerifyOptions{MaxSkew: e.cfg.Signature.MaxSkew, VerifyReplay: e.cfg.Signature.VerifyReplay}
}

// VerifyHTTPSignature 失败时记录安全日志，不会 panic
func (e *Engine) VerifyHTTPSignature(ctx context.Context, r *http.Request, body []byte, opts httpsig.VerifyOptions) httpsig.Result {
	if opts.MaxSkew <= 0 {
		opts.MaxSkew = e.cfg.Signature.MaxSkew
	}
	res := e.Verifier.Verify(ctx, r, body, opts)
	if !res.OK {
		e.metrics.Signature(res.Err.Code)
		logger.Security("signature verification failed",
			zap.String("path", r.URL.Path),
			zap.String("key_id", res.KeyID),
			zap.String("error_code", res.Err.Code),
			zap.String("error", res.Err.Message))
		return res
	}
	e.metrics.Signature("ok")
	return res
}

func (e *Engine) SignHTTPRequest(method, rawURL string, headers http.Header, body []byte) (http.Header, error) {
	return e.Signer.SignHeaders(method, rawURL, headers, body)
}

// SweepNonces 清理过期的防重放记录
func (e *Engine) SweepNonces(ctx context.Context) (int64, error) {
	return e.nonces.Sweep(ctx, e.clock.Now().UTC())
}

// Follow 本地用户关注远端作者：写关注关系、刷新关注者缓存、登记 actors 拉取范围
func (e *Engine) Follow(ctx context.Context, followerID, actorID string) error {
	created, err := e.fans.Create(ctx, actorID, followerID)
	if err != nil || !created {
		return err
	}
	e.invalidateFollowers(ctx, actorID)
	if !e.isRemote(actorID) {
		return nil
	}
	_, err = e.Peers.TrackActor(ctx, actorID)
	return err
}

func (e *Engine) Unfollow(ctx context.Context, followerID, actorID string) error {
	removed, err := e.fans.Delete(ctx, actorID, followerID)
	if err != nil || !removed {
		return err
	}
	e.invalidateFollowers(ctx, actorID)
	if !e.isRemote(actorID) {
		return nil
	}
	_, err = e.Peers.UntrackActor(ctx, actorID)
	return err
}

// Feed 用户时间线，按内容创建时间倒序
func (e *Engine) Feed(ctx context.Context, userID string, limit int) ([]*model.FeedEntry, error) {
	return e.feed.ListFeed(ctx, userID, limit)
}

func (e *Engine) isRemote(actorID string) bool {
	host := fedid.HostOf(actorID)
	return host != "" && host != fedid.NormalizeDomain(e.cfg.Federation.Domain)
}

func (e *Engine) invalidateFollowers(ctx context.Context, actorID string) {
	if err := e.Followers.Invalidate(ctx, actorID); err != nil {
		logger.Warn("invalidate follower index", zap.String("actor", actorID), zap.Error(err))
	}
}
