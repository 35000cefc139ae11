package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/fedsync/internal/model"
)

type FeedRepository interface {
	// AddEntries 批量写入，(user, item) 冲突时忽略
	AddEntries(ctx context.Context, entries []*model.FeedEntry) error
	ListFeed(ctx context.Context, userID string, limit int) ([]*model.FeedEntry, error)
}

type feedRepository struct{ db *gorm.DB }

func NewFeedRepository(db *gorm.DB) FeedRepository { return &feedRepository{db: db} }

func (r *feedRepository) AddEntries(ctx context.Context, entries []*model.FeedEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(entries, 500).Error
}

func (r *feedRepository) ListFeed(ctx context.Context, userID string, limit int) ([]*model.FeedEntry, error) {
	var res []*model.FeedEntry
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("score DESC, id").
		Limit(limit).
		Find(&res).Error
	return res, err
}
