package model

import "time"

// FeedEntry 本地用户时间线项（按 user_id 切分）
type FeedEntry struct {
	ID     string `gorm:"primaryKey;type:varchar(36)"`
	UserID string `gorm:"type:varchar(512);index:idx_feed_user_score;uniqueIndex:ux_feed_user_item"`
	ItemID string `gorm:"type:varchar(1024);index;uniqueIndex:ux_feed_user_item"`
	// 复合唯一键，避免重复 (user, item)
	Scope        string `gorm:"type:varchar(16)"`
	SourceDomain string `gorm:"type:varchar(255)"`
	Score        int64  `gorm:"index:idx_feed_user_score"`
	CreatedAt    time.Time
}

func (FeedEntry) TableName() string { return "feed_entries" }
