package model

import (
	"encoding/json"
	"time"
)

// Post 本地内容（拉取协议服务端的数据源）
type Post struct {
	ID         string          `gorm:"primaryKey;type:varchar(512)"`
	Type       string          `gorm:"type:varchar(32);index"`
	AuthorID   string          `gorm:"type:varchar(512);index:idx_post_author"`
	Visibility string          `gorm:"type:varchar(16)"`
	Title      string          `gorm:"type:text"`
	Body       string          `gorm:"type:text"`
	Summary    string          `gorm:"type:text"`
	Media      json.RawMessage `gorm:"type:text;serializer:json"`
	CreatedAt  time.Time       `gorm:"index"`
	UpdatedAt  time.Time
}

func (Post) TableName() string { return "posts" }

// PostRecipient 内容的寻址对象（用户、群组、圈子或 public 标记）
type PostRecipient struct {
	PostID      string    `gorm:"primaryKey;type:varchar(512)"`
	RecipientID string    `gorm:"primaryKey;type:varchar(512);index"`
	CreatedAt   time.Time `gorm:"index"`
}

func (PostRecipient) TableName() string { return "post_recipients" }

// Membership 成员可见的群组/圈子
type Membership struct {
	MemberID  string `gorm:"primaryKey;type:varchar(512)"`
	VisibleTo string `gorm:"primaryKey;type:varchar(512)"`
	CreatedAt time.Time
}

func (Membership) TableName() string { return "memberships" }
