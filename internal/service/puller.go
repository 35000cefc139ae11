package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/d60-Lab/fedsync/config"
	"github.com/d60-Lab/fedsync/internal/apperr"
	"github.com/d60-Lab/fedsync/internal/fedid"
	"github.com/d60-Lab/fedsync/internal/httpsig"
	"github.com/d60-Lab/fedsync/internal/metrics"
	"github.com/d60-Lab/fedsync/internal/model"
	"github.com/d60-Lab/fedsync/internal/repository"
	"github.com/d60-Lab/fedsync/pkg/logger"
)

const maxPullResponseBytes = 8 << 20

// PullOptions 为空时使用默认范围：public + 已跟踪的远端作者
type PullOptions struct {
	Limit    int      `json:"limit,omitempty"`
	Include  []string `json:"include,omitempty"`
	Actors   []string `json:"actors,omitempty"`
	Audience []string `json:"audience,omitempty"`
	Members  []string `json:"members,omitempty"`
}

// PullResult 单次拉取结果
type PullResult struct {
	Domain      string    `json:"domain"`
	Status      int       `json:"status"`
	NotModified bool      `json:"notModified"`
	Ingested    int       `json:"ingested"`
	Filtered    int       `json:"filtered"`
	Cursors     PullSince `json:"cursors"`
}

// FanoutQueue 由 FeedFanout 实现
type FanoutQueue interface {
	Enqueue(b FanoutBatch) bool
}

// PullClient 客户端拉取：构造请求、处理 304/错误/内容，并维护对端调度状态
type PullClient struct {
	peers       repository.PeerRepository
	items       repository.RemoteItemRepository
	fanout      FanoutQueue
	signer      *httpsig.Signer
	client      *http.Client
	clock       clock.Clock
	cfg         config.PullConfig
	localDomain string
	metrics     *metrics.Metrics
	endpoint    func(domain string) string
}

func NewPullClient(peers repository.PeerRepository, items repository.RemoteItemRepository, fanout FanoutQueue,
	signer *httpsig.Signer, client *http.Client, clk clock.Clock, cfg config.PullConfig, localDomain string, m *metrics.Metrics) *PullClient {
	if client == nil {
		client = &http.Client{}
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 50
	}
	if cfg.MaxPage <= 0 {
		cfg.MaxPage = 200
	}
	return &PullClient{
		peers: peers, items: items, fanout: fanout, signer: signer, client: client, clock: clk,
		cfg: cfg, localDomain: fedid.NormalizeDomain(localDomain), metrics: m,
		endpoint: func(domain string) string { return "https://" + domain + "/federation/pull" },
	}
}

// SetEndpoint 覆盖对端拉取地址（测试或反向代理场景）
func (c *PullClient) SetEndpoint(fn func(domain string) string) { c.endpoint = fn }

// pullPlan 一次请求涉及的范围、集合与游标键
type pullPlan struct {
	scopes      []string
	actors      []string
	audience    []string
	members     []string
	filtersHash string
	actorsKey   string
	audienceKey string
	limit       int
	since       PullSince
	etag        string
}

func (p *pullPlan) has(scope string) bool {
	for _, s := range p.scopes {
		if s == scope {
			return true
		}
	}
	return false
}

func (c *PullClient) plan(peer *model.PeerServer, opts PullOptions) *pullPlan {
	pl := &pullPlan{filtersHash: FiltersHash(peer.ContentFilters)}

	pl.actors = opts.Actors
	if len(pl.actors) == 0 {
		pl.actors = peer.TrackedActors()
	}
	pl.actors = uniqueSorted(pl.actors)
	pl.audience = uniqueSorted(opts.Audience)
	pl.members = uniqueSorted(opts.Members)
	if len(pl.members) == 0 {
		pl.members = pl.audience
	}

	include := opts.Include
	if len(include) == 0 {
		include = []string{ScopePublic, ScopeActors, ScopeAudience}
	}
	for _, s := range include {
		switch s {
		case ScopePublic:
		case ScopeActors:
			if len(pl.actors) == 0 {
				continue
			}
		case ScopeAudience:
			if len(pl.audience) == 0 {
				continue
			}
			if !peer.Supports.AudienceScope {
				logger.Debug("peer does not support audience scope", zap.String("domain", peer.Domain))
				continue
			}
		default:
			continue
		}
		if !pl.has(s) {
			pl.scopes = append(pl.scopes, s)
		}
	}

	pl.limit = opts.Limit
	if pl.limit <= 0 {
		pl.limit = c.cfg.DefaultLimit
	}
	if max := peer.RateLimits.MaxPage; max > 0 && pl.limit > max {
		pl.limit = max
	}
	if pl.limit > c.cfg.MaxPage {
		pl.limit = c.cfg.MaxPage
	}

	if pl.has(ScopePublic) {
		if cur := peer.Cursors.Public; cur != nil && cur.FiltersHash == pl.filtersHash {
			pl.since.Public = cur.Cursor
			pl.etag = cur.ETag
		}
	}
	if pl.has(ScopeActors) {
		pl.actorsKey = SetKey(pl.actors, pl.filtersHash)
		if cur := peer.Cursors.Actors[pl.actorsKey]; cur != nil {
			pl.since.Actors = cur.Cursor
		}
	}
	if pl.has(ScopeAudience) {
		pl.audienceKey = SetKey(pl.audience, pl.filtersHash)
		if cur := peer.Cursors.Audience[pl.audienceKey]; cur != nil {
			pl.since.Audience = cur.Cursor
		}
	}
	return pl
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// PullFromServer 拉取一个对端。对端返回的错误记入 scheduler 且游标不动；
// 返回的非 *apperr.Error 错误为基础设施故障。
func (c *PullClient) PullFromServer(ctx context.Context, domain string, opts PullOptions) (*PullResult, error) {
	d, err := normalize(domain)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now().UTC()
	peer, err := c.peers.Get(ctx, d)
	if errors.Is(err, repository.ErrNotFound) {
		peer, err = c.peers.Ensure(ctx, d, now)
	}
	if err != nil {
		return nil, fmt.Errorf("load peer %s: %w", d, err)
	}
	if peer.Status == model.PeerBlocked {
		return nil, ErrPeerBlocked
	}

	pl := c.plan(peer, opts)
	peer.Stats.LastPullAt = timePtr(now)

	reqCtx, cancel := c.requestContext(ctx, peer)
	defer cancel()
	resp, aerr := c.send(reqCtx, peer, pl)
	if aerr != nil {
		return nil, c.fail(ctx, peer, aerr)
	}
	defer resp.Body.Close()

	res := &PullResult{Domain: d, Status: resp.StatusCode, Cursors: pl.since}
	switch {
	case resp.StatusCode == http.StatusNotModified:
		res.NotModified = true
		peer.Stats.ConsecutiveNotModified++
		c.succeed(peer, now)
		if err := c.peers.SaveSyncState(ctx, peer); err != nil {
			return nil, fmt.Errorf("save peer state: %w", err)
		}
		c.metrics.Pull("not_modified")
		return res, nil
	case resp.StatusCode != http.StatusOK:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, c.fail(ctx, peer, apperr.FromStatus(resp.StatusCode))
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxPullResponseBytes))
	if err != nil {
		return nil, c.fail(ctx, peer, apperr.Transport("read pull response", err))
	}
	body, perr := decodePullResponse(raw)
	if perr != nil {
		return nil, c.fail(ctx, peer, perr)
	}

	batches, err := c.ingest(ctx, peer, pl, body, res, now)
	if err != nil {
		return nil, fmt.Errorf("ingest items from %s: %w", d, err)
	}
	c.advanceCursors(peer, pl, body, resp.Header.Get("ETag"), now)
	res.Cursors = c.currentSince(peer, pl)
	// 同一对端的并发拉取可能已写入更新的游标，这里只合并不覆盖
	if peer.Cursors, err = c.peers.MergeCursors(ctx, d, peer.Cursors); err != nil {
		return nil, fmt.Errorf("save peer cursors: %w", err)
	}

	peer.Stats.ConsecutiveNotModified = 0
	peer.Stats.ItemsIngested += int64(res.Ingested)
	c.succeed(peer, now)
	if err := c.peers.SaveSyncState(ctx, peer); err != nil {
		return nil, fmt.Errorf("save peer state: %w", err)
	}
	c.metrics.Pull("ok")

	for _, b := range batches {
		c.fanout.Enqueue(b)
	}
	logger.Info("pull completed",
		zap.String("domain", d),
		zap.Strings("scopes", pl.scopes),
		zap.Int("ingested", res.Ingested),
		zap.Int("filtered", res.Filtered))
	return res, nil
}

// requestContext 对端单独配置的超时优先
func (c *PullClient) requestContext(ctx context.Context, peer *model.PeerServer) (context.Context, context.CancelFunc) {
	timeout := c.cfg.RequestTimeout
	if peer.TimeoutMs > 0 {
		timeout = time.Duration(peer.TimeoutMs) * time.Millisecond
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (c *PullClient) send(ctx context.Context, peer *model.PeerServer, pl *pullPlan) (*http.Response, *apperr.Error) {
	reqBody := PullRequest{
		RequestingServer: c.localDomain,
		Include:          pl.scopes,
		Actors:           pl.actors,
		Audience:         pl.audience,
		Members:          pl.members,
		Since:            pl.since,
		Limit:            pl.limit,
	}
	if !pl.has(ScopeActors) {
		reqBody.Actors = nil
	}
	if !pl.has(ScopeAudience) {
		reqBody.Audience, reqBody.Members = nil, nil
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, apperr.Wrap(apperr.ClassInternal, "encode_request", "encode pull request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(peer.Domain), bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Transport("build pull request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/activity+json, application/json")
	if pl.etag != "" {
		req.Header.Set("If-None-Match", pl.etag)
	}
	if peer.Supports.SignedPull {
		token, err := c.signer.IssuePullToken(c.localDomain, peer.Domain, c.cfg.JWTTTL)
		if err != nil {
			return nil, apperr.Wrap(apperr.ClassInternal, "issue_token", "issue pull token", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if err := c.signer.Sign(req, body); err != nil {
		return nil, apperr.Wrap(apperr.ClassInternal, "sign_request", "sign pull request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperr.Transport("pull request failed", err)
	}
	return resp, nil
}

// ingest 过滤并写入远端内容缓存，返回待扇出的批次
func (c *PullClient) ingest(ctx context.Context, peer *model.PeerServer, pl *pullPlan, body *PullResponse, res *PullResult, now time.Time) ([]FanoutBatch, error) {
	actorSet := make(map[string]struct{}, len(pl.actors))
	for _, a := range pl.actors {
		actorSet[a] = struct{}{}
	}

	rows := make([]*model.RemoteItem, 0, len(body.Items))
	byScope := map[string][]FanoutItem{}
	seen := make(map[string]struct{}, len(body.Items))
	for _, it := range body.Items {
		if it.ID == "" || it.Type == "" || fedid.HostOf(it.ID) != peer.Domain {
			res.Filtered++
			continue
		}
		if _, dup := seen[it.ID]; dup {
			continue
		}
		seen[it.ID] = struct{}{}
		if rejected(peer.ContentFilters, it.Type) {
			res.Filtered++
			continue
		}
		scope := c.scopeOf(pl, it, actorSet)
		if scope == "" {
			res.Filtered++
			continue
		}
		rows = append(rows, &model.RemoteItem{
			ID:           it.ID,
			Type:         it.Type,
			ActorID:      it.ActorID,
			OriginDomain: peer.Domain,
			Title:        it.Title,
			Body:         it.Body,
			Summary:      it.Summary,
			Media:        it.Media,
			CreatedAt:    it.CreatedAt.UTC(),
			FirstSeenAt:  now,
			Visibility:   it.Visibility,
			SyncScope:    scope,
			LastSyncedAt: now,
		})
		byScope[scope] = append(byScope[scope], FanoutItem{ID: it.ID, ActorID: it.ActorID, CreatedAt: it.CreatedAt.UTC()})
	}

	if err := c.items.Upsert(ctx, rows); err != nil {
		return nil, err
	}
	res.Ingested = len(rows)

	var batches []FanoutBatch
	for _, scope := range pl.scopes {
		items := byScope[scope]
		if len(items) == 0 {
			continue
		}
		c.metrics.Ingested(scope, len(items))
		b := FanoutBatch{Scope: scope, Domain: peer.Domain, ServerActorID: peer.ServerActorID, Items: items}
		if scope == ScopeAudience {
			b.Audience = pl.audience
		}
		batches = append(batches, b)
	}
	return batches, nil
}

func (c *PullClient) scopeOf(pl *pullPlan, it PullItem, actors map[string]struct{}) string {
	if it.Scope != "" {
		if pl.has(it.Scope) {
			return it.Scope
		}
		return ""
	}
	if _, ok := actors[it.ActorID]; ok && pl.has(ScopeActors) {
		return ScopeActors
	}
	if pl.has(ScopePublic) {
		return ScopePublic
	}
	if len(pl.scopes) == 1 {
		return pl.scopes[0]
	}
	return ""
}

func rejected(f model.ContentFilters, typ string) bool {
	for _, lists := range [][]string{f.RejectTypes, f.RejectObjectTypes} {
		for _, t := range lists {
			if strings.EqualFold(t, typ) {
				return true
			}
		}
	}
	return false
}

// advanceCursors 游标只前进不后退；响应未给游标时取该范围最新条目的时间
func (c *PullClient) advanceCursors(peer *model.PeerServer, pl *pullPlan, body *PullResponse, etag string, now time.Time) {
	next := body.Cursors
	for _, it := range body.Items {
		scope := it.Scope
		if scope == "" && len(pl.scopes) == 1 {
			scope = pl.scopes[0]
		}
		if scope == "" || it.CreatedAt.IsZero() || body.Cursors.get(scope) != "" {
			continue
		}
		if cur := formatCursor(it.CreatedAt); cursorAfter(cur, next.get(scope)) {
			next.set(scope, cur)
		}
	}

	if pl.has(ScopePublic) {
		if peer.Cursors.Public == nil || peer.Cursors.Public.FiltersHash != pl.filtersHash {
			peer.Cursors.Public = &model.Cursor{FiltersHash: pl.filtersHash}
		}
		advance(peer.Cursors.Public, next.Public, now)
		if etag != "" {
			peer.Cursors.Public.ETag = etag
		}
	}
	if pl.has(ScopeActors) {
		if peer.Cursors.Actors == nil {
			peer.Cursors.Actors = map[string]*model.Cursor{}
		}
		cur := peer.Cursors.Actors[pl.actorsKey]
		if cur == nil {
			cur = &model.Cursor{FiltersHash: pl.filtersHash}
			peer.Cursors.Actors[pl.actorsKey] = cur
		}
		advance(cur, next.Actors, now)
	}
	if pl.has(ScopeAudience) {
		if peer.Cursors.Audience == nil {
			peer.Cursors.Audience = map[string]*model.Cursor{}
		}
		cur := peer.Cursors.Audience[pl.audienceKey]
		if cur == nil {
			cur = &model.Cursor{FiltersHash: pl.filtersHash}
			peer.Cursors.Audience[pl.audienceKey] = cur
		}
		advance(cur, next.Audience, now)
	}
}

func advance(cur *model.Cursor, next string, now time.Time) {
	cur.LastUsedAt = now
	if cursorAfter(next, cur.Cursor) {
		cur.Cursor = next
		cur.UpdatedAt = now
	}
}

func (c *PullClient) currentSince(peer *model.PeerServer, pl *pullPlan) PullSince {
	var s PullSince
	if pl.has(ScopePublic) && peer.Cursors.Public != nil {
		s.Public = peer.Cursors.Public.Cursor
	}
	if cur := peer.Cursors.Actors[pl.actorsKey]; pl.has(ScopeActors) && cur != nil {
		s.Actors = cur.Cursor
	}
	if cur := peer.Cursors.Audience[pl.audienceKey]; pl.has(ScopeAudience) && cur != nil {
		s.Audience = cur.Cursor
	}
	return s
}

func (c *PullClient) succeed(peer *model.PeerServer, now time.Time) {
	peer.Stats.LastSuccessAt = timePtr(now)
	peer.Scheduler.BackoffMs = 0
	peer.Scheduler.ErrorCount = 0
	peer.Scheduler.LastError = ""
	peer.Scheduler.LastErrorCode = ""
	peer.Scheduler.NextPollAt = now.Add(c.cfg.Interval)
}

// fail 记录错误并加性增长 backoff；不写游标，下次从库中位置重试
func (c *PullClient) fail(ctx context.Context, peer *model.PeerServer, aerr *apperr.Error) error {
	now := c.clock.Now().UTC()
	backoff := time.Duration(peer.Scheduler.BackoffMs)*time.Millisecond + c.cfg.BackoffStep
	if c.cfg.BackoffCeiling > 0 && backoff > c.cfg.BackoffCeiling {
		backoff = c.cfg.BackoffCeiling
	}
	rec := aerr.Record()
	peer.Scheduler.ErrorCount++
	peer.Scheduler.BackoffMs = backoff.Milliseconds()
	peer.Scheduler.LastError = rec.Message
	peer.Scheduler.LastErrorCode = rec.Code
	peer.Scheduler.NextPollAt = now.Add(c.cfg.Interval + backoff)

	c.metrics.Pull("error")
	fields := []zap.Field{
		zap.String("domain", peer.Domain),
		zap.String("error_class", string(aerr.Class)),
		zap.String("error_code", aerr.Code),
		zap.Int("error_count", peer.Scheduler.ErrorCount),
		zap.Duration("backoff", backoff),
		zap.Error(aerr),
	}
	if aerr.Class == apperr.ClassProtocol {
		logger.Warn("peer returned malformed pull response", fields...)
	} else {
		logger.Warn("pull failed", fields...)
	}

	if err := c.peers.SaveSyncState(ctx, peer); err != nil {
		return fmt.Errorf("save peer state: %w", err)
	}
	return aerr
}
