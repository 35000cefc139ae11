package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/d60-Lab/fedsync/internal/model"
)

// ContentQuery 寻址过滤：recipient 命中 AllowSet 且晚于 Since；
// SinceID 非空时同一时间内 id 更大的也算在 Since 之后
type ContentQuery struct {
	AllowSet   []string
	Since      *time.Time
	SinceID    string
	Authors    []string
	ObjectType string
	Limit      int
}

type ContentRepository interface {
	// QueryAddressed 按 created_at 升序返回，最多 Limit 条
	QueryAddressed(ctx context.Context, q ContentQuery) ([]*model.Post, error)
	VisibleTo(ctx context.Context, memberIDs []string) ([]string, error)
}

type contentRepository struct{ db *gorm.DB }

func NewContentRepository(db *gorm.DB) ContentRepository { return &contentRepository{db: db} }

func (r *contentRepository) QueryAddressed(ctx context.Context, q ContentQuery) ([]*model.Post, error) {
	if len(q.AllowSet) == 0 || q.Limit <= 0 {
		return nil, nil
	}
	db := r.db.WithContext(ctx)
	addressed := db.Model(&model.PostRecipient{}).Select("post_id").Where("recipient_id IN ?", q.AllowSet)

	tx := db.Where("id IN (?)", addressed)
	switch {
	case q.Since != nil && q.SinceID != "":
		tx = tx.Where("(created_at > ? OR (created_at = ? AND id > ?))", *q.Since, *q.Since, q.SinceID)
	case q.Since != nil:
		tx = tx.Where("created_at > ?", *q.Since)
	}
	if len(q.Authors) > 0 {
		tx = tx.Where("author_id IN ?", q.Authors)
	}
	if q.ObjectType != "" {
		tx = tx.Where("type = ?", q.ObjectType)
	}

	var posts []*model.Post
	err := tx.Order("created_at, id").Limit(q.Limit).Find(&posts).Error
	return posts, err
}

func (r *contentRepository) VisibleTo(ctx context.Context, memberIDs []string) ([]string, error) {
	if len(memberIDs) == 0 {
		return nil, nil
	}
	var ids []string
	err := r.db.WithContext(ctx).Model(&model.Membership{}).
		Where("member_id IN ?", memberIDs).
		Distinct().
		Pluck("visible_to", &ids).Error
	return ids, err
}
