package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/fedsync/internal/model"
)

// PeerRepository 对端服务器注册表，domain 调用方负责规范化
type PeerRepository interface {
	Get(ctx context.Context, domain string) (*model.PeerServer, error)
	Ensure(ctx context.Context, domain string, now time.Time) (*model.PeerServer, error)
	List(ctx context.Context, offset, limit int) ([]*model.PeerServer, error)
	// ClaimDue 取出到期的可拉取对端，并把 nextPollAt 推后 lease，避免多实例重复拉取
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.PeerServer, error)
	// SaveSyncState 只写调度与统计字段，游标由 MergeCursors 写入
	SaveSyncState(ctx context.Context, p *model.PeerServer) error
	MergeCursors(ctx context.Context, domain string, fresh model.PeerCursors) (model.PeerCursors, error)
	UpdateSettings(ctx context.Context, p *model.PeerServer) error
	UpdateStatus(ctx context.Context, domain string, status model.PeerStatus) error
	AdjustActorRef(ctx context.Context, domain, actorID string, delta int) (int, error)
}

type peerRepository struct{ db *gorm.DB }

func NewPeerRepository(db *gorm.DB) PeerRepository { return &peerRepository{db: db} }

func (r *peerRepository) Get(ctx context.Context, domain string) (*model.PeerServer, error) {
	var p model.PeerServer
	if err := r.db.WithContext(ctx).Where("domain = ?", domain).First(&p).Error; err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (r *peerRepository) Ensure(ctx context.Context, domain string, now time.Time) (*model.PeerServer, error) {
	p := &model.PeerServer{
		Domain:    domain,
		Status:    model.PeerUnknown,
		Scheduler: model.PeerScheduler{NextPollAt: now},
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(p).Error
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, domain)
}

func (r *peerRepository) List(ctx context.Context, offset, limit int) ([]*model.PeerServer, error) {
	var res []*model.PeerServer
	err := r.db.WithContext(ctx).Order("domain").Offset(offset).Limit(limit).Find(&res).Error
	return res, err
}

func (r *peerRepository) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*model.PeerServer, error) {
	var peers []*model.PeerServer
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := lockForUpdate(tx).
			Where("status NOT IN ? AND sched_next_poll_at <= ?",
				[]model.PeerStatus{model.PeerBlocked, model.PeerMuted}, now).
			Order("sched_next_poll_at, domain").
			Limit(limit).
			Find(&peers).Error
		if err != nil || len(peers) == 0 {
			return err
		}
		domains := make([]string, len(peers))
		for i, p := range peers {
			domains[i] = p.Domain
		}
		return tx.Model(&model.PeerServer{}).
			Where("domain IN ?", domains).
			Update("sched_next_poll_at", now.Add(lease)).Error
	})
	return peers, err
}

func (r *peerRepository) SaveSyncState(ctx context.Context, p *model.PeerServer) error {
	return r.db.WithContext(ctx).Model(p).
		Select("sched_next_poll_at", "sched_backoff_ms", "sched_error_count", "sched_last_error",
			"sched_last_error_code", "stat_consecutive_not_modified", "stat_last_pull_at",
			"stat_last_success_at", "stat_items_ingested", "updated_at").
		Updates(p).Error
}

// MergeCursors 锁住行后与库中游标逐键合并，返回合并结果
func (r *peerRepository) MergeCursors(ctx context.Context, domain string, fresh model.PeerCursors) (model.PeerCursors, error) {
	var merged model.PeerCursors
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p model.PeerServer
		if err := lockRow(tx).Where("domain = ?", domain).First(&p).Error; err != nil {
			return err
		}
		p.Cursors = p.Cursors.Merge(fresh)
		merged = p.Cursors
		return tx.Model(&p).Select("cursors").Updates(&p).Error
	})
	return merged, notFound(err)
}

func (r *peerRepository) UpdateSettings(ctx context.Context, p *model.PeerServer) error {
	return r.db.WithContext(ctx).Model(p).
		Select("server_actor_id", "supports", "content_filters", "rate_limits", "timeout_ms", "updated_at").
		Updates(p).Error
}

func (r *peerRepository) UpdateStatus(ctx context.Context, domain string, status model.PeerStatus) error {
	res := r.db.WithContext(ctx).Model(&model.PeerServer{}).
		Where("domain = ?", domain).
		Update("status", status)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustActorRef 调整远端作者引用计数，归零即删除，返回新的计数
func (r *peerRepository) AdjustActorRef(ctx context.Context, domain, actorID string, delta int) (int, error) {
	count := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var p model.PeerServer
		if err := lockRow(tx).Where("domain = ?", domain).First(&p).Error; err != nil {
			return err
		}
		if p.ActorsRefCount == nil {
			p.ActorsRefCount = map[string]int{}
		}
		count = p.ActorsRefCount[actorID] + delta
		if count <= 0 {
			count = 0
			delete(p.ActorsRefCount, actorID)
		} else {
			p.ActorsRefCount[actorID] = count
		}
		return tx.Model(&p).Select("actors_ref_count").Updates(&p).Error
	})
	return count, notFound(err)
}
