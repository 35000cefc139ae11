package model

import (
	"encoding/json"
	"time"
)

// OutboxStatus 外发任务聚合状态
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxDelivering OutboxStatus = "delivering"
	OutboxPartial    OutboxStatus = "partial"
	OutboxDelivered  OutboxStatus = "delivered"
	OutboxFailed     OutboxStatus = "failed"
)

// DeliveryCounts 由 Delivery 状态聚合而来，不允许单独修改
type DeliveryCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Delivered int `json:"delivered"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// OutboxJob 一个 activity 对应一组已解析受众的外发任务
type OutboxJob struct {
	ID         string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	ActivityID string          `gorm:"type:varchar(512);index" json:"activityId"`
	Activity   json.RawMessage `gorm:"type:text;serializer:json" json:"activity"`
	CreatedBy  string          `gorm:"type:varchar(512)" json:"createdBy"`
	Audience   []string        `gorm:"type:text;serializer:json" json:"audience"`
	Status     OutboxStatus    `gorm:"type:varchar(16);index:idx_outbox_status_created" json:"status"`
	Counts     DeliveryCounts  `gorm:"embedded;embeddedPrefix:count_" json:"counts"`
	// hash(activityId + sorted targets)
	DedupeHash string     `gorm:"type:varchar(64);uniqueIndex" json:"dedupeHash"`
	ExpiresAt  time.Time  `gorm:"index" json:"expiresAt"`
	CreatedAt  time.Time  `gorm:"index:idx_outbox_status_created" json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	Deliveries []Delivery `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"deliveries,omitempty"`
}

func (OutboxJob) TableName() string { return "outbox_jobs" }

// Aggregate 根据 Delivery 状态重新计算 counts 与 status
func Aggregate(statuses []DeliveryStatus) (DeliveryCounts, OutboxStatus) {
	var c DeliveryCounts
	delivering := 0
	for _, s := range statuses {
		c.Total++
		switch s {
		case DeliveryPending:
			c.Pending++
		case DeliveryDelivering:
			c.Pending++
			delivering++
		case DeliveryDelivered:
			c.Delivered++
		case DeliveryFailed:
			c.Failed++
		case DeliverySkipped:
			c.Skipped++
		}
	}

	switch {
	case delivering > 0:
		return c, OutboxDelivering
	case c.Pending > 0:
		return c, OutboxPending
	case c.Delivered == 0:
		return c, OutboxFailed
	case c.Failed > 0:
		return c, OutboxPartial
	default:
		return c, OutboxDelivered
	}
}
