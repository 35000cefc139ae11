package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/fedsync/internal/model"
)

type RemoteItemRepository interface {
	// Upsert 首次插入写全部字段；已存在时只刷新可变字段，原始内容与 firstSeenAt 保持不变
	Upsert(ctx context.Context, items []*model.RemoteItem) error
	Get(ctx context.Context, id string) (*model.RemoteItem, error)
}

type remoteItemRepository struct{ db *gorm.DB }

func NewRemoteItemRepository(db *gorm.DB) RemoteItemRepository {
	return &remoteItemRepository{db: db}
}

func (r *remoteItemRepository) Upsert(ctx context.Context, items []*model.RemoteItem) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(model.RemoteItemRefreshable),
	}).CreateInBatches(items, 200).Error
}

func (r *remoteItemRepository) Get(ctx context.Context, id string) (*model.RemoteItem, error) {
	var it model.RemoteItem
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&it).Error; err != nil {
		return nil, notFound(err)
	}
	return &it, nil
}
