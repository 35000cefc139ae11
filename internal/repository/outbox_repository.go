package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/fedsync/internal/model"
)

// OutboxRepository 外发任务与投递记录
type OutboxRepository interface {
	FindByDedupeHash(ctx context.Context, hash string) (*model.OutboxJob, error)
	// CreateJob 按 dedupe_hash 幂等创建；existed 为 true 时返回已存在的任务
	CreateJob(ctx context.Context, job *model.OutboxJob) (stored *model.OutboxJob, existed bool, err error)
	GetJob(ctx context.Context, id string, withDeliveries bool) (*model.OutboxJob, error)
	// ListDueJobs 至少有一个到期 pending 投递的任务，按创建时间排序
	ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.OutboxJob, error)
	DueDeliveries(ctx context.Context, jobID string, now time.Time) ([]*model.Delivery, error)
	ClaimDelivery(ctx context.Context, id string, now time.Time) (bool, error)
	CompleteDelivery(ctx context.Context, d *model.Delivery) error
	RecomputeJob(ctx context.Context, jobID string) (*model.OutboxJob, error)
	RequeueStale(ctx context.Context, claimedBefore, now time.Time) (int64, error)
	ExpireJobs(ctx context.Context, now time.Time, errRec *model.ErrorRecord) ([]string, error)
}

type outboxRepository struct{ db *gorm.DB }

func NewOutboxRepository(db *gorm.DB) OutboxRepository { return &outboxRepository{db: db} }

func (r *outboxRepository) FindByDedupeHash(ctx context.Context, hash string) (*model.OutboxJob, error) {
	var job model.OutboxJob
	if err := r.db.WithContext(ctx).Where("dedupe_hash = ?", hash).First(&job).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (r *outboxRepository) CreateJob(ctx context.Context, job *model.OutboxJob) (*model.OutboxJob, bool, error) {
	existed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deliveries := job.Deliveries
		job.Deliveries = nil
		res := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_hash"}}, DoNothing: true}).Create(job)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// 并发重复入队：返回已有任务
			existed = true
			return tx.Where("dedupe_hash = ?", job.DedupeHash).First(job).Error
		}
		if len(deliveries) > 0 {
			for i := range deliveries {
				deliveries[i].JobID = job.ID
			}
			if err := tx.Create(&deliveries).Error; err != nil {
				return err
			}
		}
		job.Deliveries = deliveries
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return job, existed, nil
}

func (r *outboxRepository) GetJob(ctx context.Context, id string, withDeliveries bool) (*model.OutboxJob, error) {
	q := r.db.WithContext(ctx)
	if withDeliveries {
		q = q.Preload("Deliveries", func(db *gorm.DB) *gorm.DB { return db.Order("created_at, id") })
	}
	var job model.OutboxJob
	if err := q.Where("id = ?", id).First(&job).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

func (r *outboxRepository) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*model.OutboxJob, error) {
	db := r.db.WithContext(ctx)
	due := db.Model(&model.Delivery{}).
		Select("job_id").
		Where("status = ? AND next_attempt_at <= ?", model.DeliveryPending, now)

	var jobs []*model.OutboxJob
	err := db.
		Where("status IN ?", []model.OutboxStatus{model.OutboxPending, model.OutboxDelivering}).
		Where("id IN (?)", due).
		Order("created_at").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

func (r *outboxRepository) DueDeliveries(ctx context.Context, jobID string, now time.Time) ([]*model.Delivery, error) {
	var res []*model.Delivery
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND status = ? AND next_attempt_at <= ?", jobID, model.DeliveryPending, now).
		Order("next_attempt_at, id").
		Find(&res).Error
	return res, err
}

// ClaimDelivery 条件更新 pending -> delivering，只有一个 worker 能成功
func (r *outboxRepository) ClaimDelivery(ctx context.Context, id string, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&model.Delivery{}).
		Where("id = ? AND status = ? AND next_attempt_at <= ?", id, model.DeliveryPending, now).
		Updates(map[string]interface{}{
			"status":     model.DeliveryDelivering,
			"attempts":   gorm.Expr("attempts + 1"),
			"claimed_at": now,
			"updated_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// CompleteDelivery 只允许从 delivering 推进，保证终态不被覆盖
func (r *outboxRepository) CompleteDelivery(ctx context.Context, d *model.Delivery) error {
	if !model.DeliveryDelivering.CanTransition(d.Status) {
		return ErrStaleTransition
	}
	res := r.db.WithContext(ctx).Model(&model.Delivery{}).
		Where("id = ? AND status = ?", d.ID, model.DeliveryDelivering).
		Select("status", "next_attempt_at", "response_status", "response_body",
			"remote_activity_id", "error", "metric_latency_ms", "metric_bytes_sent",
			"metric_bytes_received", "claimed_at", "updated_at").
		Updates(d)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	return nil
}

// RecomputeJob counts/status 永远由 Delivery 聚合得出
func (r *outboxRepository) RecomputeJob(ctx context.Context, jobID string) (*model.OutboxJob, error) {
	var job model.OutboxJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", jobID).First(&job).Error; err != nil {
			return err
		}
		var statuses []model.DeliveryStatus
		if err := tx.Model(&model.Delivery{}).Where("job_id = ?", jobID).Pluck("status", &statuses).Error; err != nil {
			return err
		}
		job.Counts, job.Status = model.Aggregate(statuses)
		return tx.Model(&job).Select("status", "count_total", "count_pending", "count_delivered",
			"count_failed", "count_skipped", "updated_at").Updates(&job).Error
	})
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// RequeueStale 崩溃恢复：长时间停留在 delivering 的投递退回 pending
func (r *outboxRepository) RequeueStale(ctx context.Context, claimedBefore, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&model.Delivery{}).
		Where("status = ? AND claimed_at < ?", model.DeliveryDelivering, claimedBefore).
		Updates(map[string]interface{}{
			"status":          model.DeliveryPending,
			"next_attempt_at": now,
			"updated_at":      now,
		})
	return res.RowsAffected, res.Error
}

// ExpireJobs 超过 TTL 的任务：未完成的投递标记为 failed，返回受影响的任务 id
func (r *outboxRepository) ExpireJobs(ctx context.Context, now time.Time, errRec *model.ErrorRecord) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.OutboxJob{}).
		Where("expires_at < ? AND status IN ?", now, []model.OutboxStatus{model.OutboxPending, model.OutboxDelivering}).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	err = r.db.WithContext(ctx).Model(&model.Delivery{}).
		Where("job_id IN ? AND status = ?", ids, model.DeliveryPending).
		Updates(&model.Delivery{Status: model.DeliveryFailed, Error: errRec, UpdatedAt: now}).Error
	return ids, err
}
