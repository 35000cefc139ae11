package model

import "time"

// Fan 本地用户关注某个作者（可以是远端作者或对端服务器 actor）
type Fan struct {
	ID         string `gorm:"primaryKey;type:varchar(36)"`
	ActorID    string `gorm:"type:varchar(512);index:idx_fan_actor;uniqueIndex:ux_fan_pair;not null"`
	FollowerID string `gorm:"type:varchar(512);uniqueIndex:ux_fan_pair;not null"`
	CreatedAt  time.Time
}

func (Fan) TableName() string { return "fans" }
