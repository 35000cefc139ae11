package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d60-Lab/fedsync/internal/apperr"
	"github.com/d60-Lab/fedsync/internal/audience"
	"github.com/d60-Lab/fedsync/internal/metrics"
	"github.com/d60-Lab/fedsync/internal/model"
	"github.com/d60-Lab/fedsync/internal/repository"
	"github.com/d60-Lab/fedsync/pkg/logger"
)

// AudienceResolver 把 activity 映射为远端收件人
type AudienceResolver interface {
	Resolve(ctx context.Context, activity map[string]interface{}) []audience.Recipient
}

// OutboxService 负责入队：解析受众、去重、落库 job 与 delivery
type OutboxService struct {
	repo     repository.OutboxRepository
	resolver AudienceResolver
	clock    clock.Clock
	jobTTL   time.Duration
	metrics  *metrics.Metrics
}

func NewOutboxService(repo repository.OutboxRepository, resolver AudienceResolver, clk clock.Clock, jobTTL time.Duration, m *metrics.Metrics) *OutboxService {
	if clk == nil {
		clk = clock.New()
	}
	if jobTTL <= 0 {
		jobTTL = 7 * 24 * time.Hour
	}
	return &OutboxService{repo: repo, resolver: resolver, clock: clk, jobTTL: jobTTL, metrics: m}
}

// DedupeHash = sha256(activityId + 排序后的 targets)
func DedupeHash(activityID string, targets []string) string {
	sorted := append([]string(nil), targets...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(activityID + "\n" + strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}

// Enqueue 受众为空时返回 (nil, nil)；同一 activity+受众重复入队返回已有任务
func (s *OutboxService) Enqueue(ctx context.Context, activity json.RawMessage, activityID, actorID string) (*model.OutboxJob, error) {
	if activityID == "" {
		return nil, apperr.Validation("missing_activity_id", "activityId is required")
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(activity, &doc); err != nil || doc == nil {
		return nil, apperr.Validation("invalid_activity", "activity must be a JSON object")
	}

	recipients := s.resolver.Resolve(ctx, doc)
	if len(recipients) == 0 {
		logger.Debug("outbox: no remote audience", zap.String("activity", activityID))
		return nil, nil
	}

	targets := make([]string, len(recipients))
	for i, r := range recipients {
		targets[i] = r.Target
	}
	hash := DedupeHash(activityID, targets)

	existing, err := s.repo.FindByDedupeHash(ctx, hash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	now := s.clock.Now().UTC()
	job := &model.OutboxJob{
		ID:         uuid.New().String(),
		ActivityID: activityID,
		Activity:   activity,
		CreatedBy:  actorID,
		Audience:   targets,
		Status:     model.OutboxPending,
		DedupeHash: hash,
		ExpiresAt:  now.Add(s.jobTTL),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	statuses := make([]model.DeliveryStatus, len(recipients))
	for i, r := range recipients {
		job.Deliveries = append(job.Deliveries, model.Delivery{
			ID:             uuid.New().String(),
			JobID:          job.ID,
			Target:         r.Target,
			InboxURL:       r.InboxURL,
			Host:           r.Host,
			Status:         model.DeliveryPending,
			NextAttemptAt:  timePtr(now),
			IdempotencyKey: uuid.New().String(),
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		statuses[i] = model.DeliveryPending
	}
	job.Counts, job.Status = model.Aggregate(statuses)

	stored, existed, err := s.repo.CreateJob(ctx, job)
	if err != nil {
		return nil, err
	}
	if !existed {
		s.metrics.JobEnqueued()
		logger.Info("outbox job enqueued",
			zap.String("job", stored.ID),
			zap.String("activity", activityID),
			zap.Int("recipients", len(recipients)))
	}
	return stored, nil
}

// Job 查询任务及其投递明细
func (s *OutboxService) Job(ctx context.Context, id string) (*model.OutboxJob, error) {
	job, err := s.repo.GetJob(ctx, id, true)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return job, err
}
