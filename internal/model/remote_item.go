package model

import (
	"encoding/json"
	"time"
)

// RemoteItem 从对端拉取的内容只读缓存，按规范 id 去重
//
// 首次写入后 Type/ActorID/CreatedAt/Title/Body/Summary/Media 不再修改；
// Visibility 与同步元数据每次拉取都会刷新。
type RemoteItem struct {
	ID           string          `gorm:"primaryKey;type:varchar(1024)" json:"id"`
	Type         string          `gorm:"type:varchar(32)" json:"type"`
	ActorID      string          `gorm:"type:varchar(512);index" json:"actorId"`
	OriginDomain string          `gorm:"type:varchar(255);index" json:"originDomain"`
	Title        string          `gorm:"type:text" json:"title,omitempty"`
	Body         string          `gorm:"type:text" json:"body,omitempty"`
	Summary      string          `gorm:"type:text" json:"summary,omitempty"`
	Media        json.RawMessage `gorm:"type:text;serializer:json" json:"media,omitempty"`
	CreatedAt    time.Time       `gorm:"index" json:"createdAt"`
	FirstSeenAt  time.Time       `json:"firstSeenAt"`

	Visibility   string    `gorm:"type:varchar(16)" json:"visibility"`
	SyncScope    string    `gorm:"type:varchar(16)" json:"syncScope"`
	LastSyncedAt time.Time `json:"lastSyncedAt"`
}

func (RemoteItem) TableName() string { return "remote_items" }

// RemoteItemRefreshable 同步时允许覆盖的列
var RemoteItemRefreshable = []string{"visibility", "sync_scope", "last_synced_at"}

// All 返回需要迁移的全部模型
func All() []interface{} {
	return []interface{}{
		&OutboxJob{}, &Delivery{}, &PeerServer{}, &SignatureNonce{},
		&RemoteItem{}, &FeedEntry{}, &Fan{}, &Post{}, &PostRecipient{}, &Membership{},
	}
}
