package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/fedsync/config"
	"github.com/d60-Lab/fedsync/internal/apperr"
	"github.com/d60-Lab/fedsync/internal/httpsig"
	"github.com/d60-Lab/fedsync/internal/metrics"
	"github.com/d60-Lab/fedsync/internal/model"
	"github.com/d60-Lab/fedsync/internal/repository"
	"github.com/d60-Lab/fedsync/pkg/logger"
)

const (
	outcomeDelivered = "delivered"
	outcomeRetry     = "retry"
	outcomeFailed    = "failed"
	outcomeSkipped   = "skipped"
	// 被其他 worker 抢先认领
	outcomeLost = "lost"
)

// BatchResult 单次 tick 的处理统计
type BatchResult struct {
	Jobs      int `json:"jobs"`
	Attempted int `json:"attempted"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Requeued  int `json:"requeued"`
	Expired   int `json:"expired"`
}

func (r *BatchResult) add(outcome string) {
	switch outcome {
	case outcomeDelivered:
		r.Delivered++
	case outcomeRetry:
		r.Retried++
	case outcomeFailed:
		r.Failed++
	case outcomeSkipped:
		r.Skipped++
	default:
		return
	}
	r.Attempted++
}

// PeerLookup 投递前确认目标域名未被屏蔽
type PeerLookup interface {
	IsBlocked(ctx context.Context, domain string) (bool, error)
}

// DeliveryWorker 认领到期的 Delivery，签名后 POST 到对端 inbox
type DeliveryWorker struct {
	repo    repository.OutboxRepository
	peers   PeerLookup
	signer  *httpsig.Signer
	client  *http.Client
	clock   clock.Clock
	cfg     config.OutboxConfig
	metrics *metrics.Metrics

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDeliveryWorker peers 为 nil 时不检查对端状态
func NewDeliveryWorker(repo repository.OutboxRepository, peers PeerLookup, signer *httpsig.Signer, client *http.Client, clk clock.Clock, cfg config.OutboxConfig, m *metrics.Metrics) *DeliveryWorker {
	if client == nil {
		client = &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	}
	if clk == nil {
		clk = clock.New()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.MaxResponseBytes <= 0 {
		cfg.MaxResponseBytes = 4096
	}
	return &DeliveryWorker{
		repo: repo, peers: peers, signer: signer, client: client, clock: clk, cfg: cfg, metrics: m,
		limiters: make(map[string]*rate.Limiter),
	}
}

// BackoffDelay 第 attempts 次失败后的等待：min(base·2^(attempts-1), cap)
func BackoffDelay(base, max time.Duration, attempts int) time.Duration {
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// ProcessBatch 一次 tick：回收过期认领、过期任务，然后投递到期的 Delivery
func (w *DeliveryWorker) ProcessBatch(ctx context.Context) (BatchResult, error) {
	var res BatchResult
	now := w.clock.Now().UTC()

	if w.cfg.StaleLease > 0 {
		n, err := w.repo.RequeueStale(ctx, now.Add(-w.cfg.StaleLease), now)
		if err != nil {
			return res, err
		}
		res.Requeued = int(n)
		w.metrics.Requeued(n)
	}

	expired, err := w.repo.ExpireJobs(ctx, now,
		apperr.New(apperr.ClassPermanent, "job_expired", "outbox job expired before delivery").Record())
	if err != nil {
		return res, err
	}
	for _, id := range expired {
		if _, err := w.repo.RecomputeJob(ctx, id); err != nil {
			return res, err
		}
	}
	res.Expired = len(expired)

	jobs, err := w.repo.ListDueJobs(ctx, now, w.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	for _, job := range jobs {
		if err := w.processJob(ctx, job, now, &res); err != nil {
			return res, err
		}
		res.Jobs++
	}
	return res, nil
}

func (w *DeliveryWorker) processJob(ctx context.Context, job *model.OutboxJob, now time.Time, res *BatchResult) error {
	due, err := w.repo.DueDeliveries(ctx, job.ID, now)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, d := range due {
		d := d
		g.Go(func() error {
			outcome, err := w.deliver(gctx, job, d)
			if err != nil {
				return err
			}
			mu.Lock()
			res.add(outcome)
			mu.Unlock()
			return nil
		})
	}
	werr := g.Wait()

	// 状态永远由 Delivery 聚合得出
	if _, err := w.repo.RecomputeJob(ctx, job.ID); err != nil && werr == nil {
		werr = err
	}
	return werr
}

func (w *DeliveryWorker) limiter(host string) *rate.Limiter {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.limiters[host]
	if !ok {
		limit, burst := rate.Inf, 1
		if w.cfg.PerHostRate > 0 {
			limit = rate.Limit(w.cfg.PerHostRate)
			if b := int(w.cfg.PerHostRate); b > 1 {
				burst = b
			}
		}
		l = rate.NewLimiter(limit, burst)
		w.limiters[host] = l
	}
	return l
}

type attemptResult struct {
	status    int
	body      string
	location  string
	latency   time.Duration
	sent      int64
	received  int64
	transport error
}

// deliver 认领成功才会发起请求；返回 infra 错误（数据库）时整批中止
func (w *DeliveryWorker) deliver(ctx context.Context, job *model.OutboxJob, d *model.Delivery) (string, error) {
	blocked, err := w.blocked(ctx, d.Host)
	if err != nil {
		return "", err
	}
	if !blocked {
		if err := w.limiter(d.Host).Wait(ctx); err != nil {
			return "", err
		}
	}
	claimed, err := w.repo.ClaimDelivery(ctx, d.ID, w.clock.Now().UTC())
	if err != nil {
		return "", err
	}
	if !claimed {
		return outcomeLost, nil
	}
	attempts := d.Attempts + 1
	if blocked {
		return w.skipBlocked(ctx, job, d, attempts)
	}

	ar := w.post(ctx, job, d)
	now := w.clock.Now().UTC()
	upd := &model.Delivery{
		ID:               d.ID,
		ResponseStatus:   ar.status,
		ResponseBody:     ar.body,
		RemoteActivityID: ar.location,
		Metrics: model.DeliveryMetrics{
			LatencyMs:     ar.latency.Milliseconds(),
			BytesSent:     ar.sent,
			BytesReceived: ar.received,
		},
		UpdatedAt: now,
	}
	outcome, delay, aerr := w.classify(ar, attempts)
	switch outcome {
	case outcomeDelivered:
		upd.Status = model.DeliveryDelivered
	case outcomeSkipped:
		upd.Status = model.DeliverySkipped
	case outcomeFailed:
		upd.Status = model.DeliveryFailed
	default:
		upd.Status = model.DeliveryPending
		upd.NextAttemptAt = timePtr(now.Add(delay))
	}
	if aerr != nil {
		upd.Error = aerr.Record()
	}

	if err := w.repo.CompleteDelivery(ctx, upd); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			logger.Warn("delivery changed while in flight", zap.String("delivery", d.ID))
			return outcomeLost, nil
		}
		return "", err
	}

	w.metrics.Delivery(outcome, ar.latency)
	fields := []zap.Field{
		zap.String("job", job.ID),
		zap.String("delivery", d.ID),
		zap.String("host", d.Host),
		zap.Int("attempts", attempts),
		zap.String("outcome", outcome),
		zap.Int("status", ar.status),
	}
	if aerr != nil {
		fields = append(fields, zap.String("error_class", string(aerr.Class)), zap.String("error_code", aerr.Code))
		if outcome == outcomeRetry {
			fields = append(fields, zap.Duration("retry_in", delay))
		}
		logger.Warn("delivery attempt failed", fields...)
	} else {
		logger.Debug("delivery attempt", fields...)
	}
	return outcome, nil
}

func (w *DeliveryWorker) blocked(ctx context.Context, host string) (bool, error) {
	if w.peers == nil {
		return false, nil
	}
	return w.peers.IsBlocked(ctx, host)
}

// skipBlocked 目标域名已被屏蔽：不发请求，直接记为 skipped
func (w *DeliveryWorker) skipBlocked(ctx context.Context, job *model.OutboxJob, d *model.Delivery, attempts int) (string, error) {
	aerr := apperr.New(apperr.ClassPermanent, "peer_blocked", "target server is blocked")
	upd := &model.Delivery{
		ID:        d.ID,
		Status:    model.DeliverySkipped,
		Error:     aerr.Record(),
		UpdatedAt: w.clock.Now().UTC(),
	}
	if err := w.repo.CompleteDelivery(ctx, upd); err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return outcomeLost, nil
		}
		return "", err
	}
	w.metrics.Delivery(outcomeSkipped, 0)
	logger.Info("delivery skipped for blocked peer",
		zap.String("job", job.ID),
		zap.String("delivery", d.ID),
		zap.String("host", d.Host),
		zap.Int("attempts", attempts))
	return outcomeSkipped, nil
}

// classify 把一次尝试的结果映射为 outcome 与下次重试间隔
func (w *DeliveryWorker) classify(ar attemptResult, attempts int) (string, time.Duration, *apperr.Error) {
	if ar.transport != nil {
		aerr := apperr.Transport("inbox request failed", ar.transport)
		if attempts >= w.cfg.MaxAttempts {
			return outcomeFailed, 0, aerr
		}
		return outcomeRetry, BackoffDelay(w.cfg.BaseBackoff, w.cfg.MaxBackoff, attempts), aerr
	}
	if ar.status >= 200 && ar.status < 300 {
		return outcomeDelivered, 0, nil
	}

	aerr := apperr.FromStatus(ar.status)
	switch aerr.Class {
	case apperr.ClassPermanent:
		return outcomeSkipped, 0, aerr
	case apperr.ClassClient:
		if attempts < w.cfg.QuickRetryLimit {
			return outcomeRetry, w.cfg.QuickRetryDelay, aerr
		}
		return outcomeFailed, 0, aerr
	default:
		if attempts >= w.cfg.MaxAttempts {
			return outcomeFailed, 0, aerr
		}
		return outcomeRetry, BackoffDelay(w.cfg.BaseBackoff, w.cfg.MaxBackoff, attempts), aerr
	}
}

// post 每次尝试都重新签名（Date 有时效）
func (w *DeliveryWorker) post(ctx context.Context, job *model.OutboxJob, d *model.Delivery) attemptResult {
	body := []byte(job.Activity)
	ar := attemptResult{sent: int64(len(body))}

	if w.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.RequestTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.InboxURL, bytes.NewReader(body))
	if err != nil {
		ar.transport = err
		return ar
	}
	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("Idempotency-Key", d.IdempotencyKey)
	if err := w.signer.Sign(req, body); err != nil {
		ar.transport = err
		return ar
	}

	start := time.Now()
	resp, err := w.client.Do(req)
	ar.latency = time.Since(start)
	if err != nil {
		ar.transport = err
		return ar
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, w.cfg.MaxResponseBytes))
	rest, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	ar.status = resp.StatusCode
	ar.body = string(raw)
	ar.received = int64(len(raw)) + rest
	ar.location = truncate(resp.Header.Get("Location"), 1024)
	return ar
}
