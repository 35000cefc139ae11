package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/fedsync/internal/model"
)

// FanRepository 本地用户对作者（含远端作者、对端服务器 actor）的关注关系
type FanRepository interface {
	// Create/Delete 返回关系是否真的发生了变化
	Create(ctx context.Context, actorID, followerID string) (bool, error)
	Delete(ctx context.Context, actorID, followerID string) (bool, error)
	ListFollowers(ctx context.Context, actorID string, offset, limit int) ([]string, error)
	CountFollowers(ctx context.Context, actorID string) (int64, error)
}

type fanRepository struct{ db *gorm.DB }

func NewFanRepository(db *gorm.DB) FanRepository { return &fanRepository{db: db} }

func (r *fanRepository) Create(ctx context.Context, actorID, followerID string) (bool, error) {
	f := &model.Fan{ID: uuid.New().String(), ActorID: actorID, FollowerID: followerID}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(f)
	return res.RowsAffected > 0, res.Error
}

func (r *fanRepository) Delete(ctx context.Context, actorID, followerID string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("actor_id = ? AND follower_id = ?", actorID, followerID).
		Delete(&model.Fan{})
	return res.RowsAffected > 0, res.Error
}

func (r *fanRepository) ListFollowers(ctx context.Context, actorID string, offset, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.Fan{}).
		Where("actor_id = ?", actorID).
		Order("follower_id").
		Offset(offset).Limit(limit).
		Pluck("follower_id", &ids).Error
	return ids, err
}

func (r *fanRepository) CountFollowers(ctx context.Context, actorID string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Fan{}).Where("actor_id = ?", actorID).Count(&n).Error
	return n, err
}
