package model

import "time"

// DeliveryStatus 单个收件人的投递状态
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryDelivering DeliveryStatus = "delivering"
	DeliveryDelivered  DeliveryStatus = "delivered"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliverySkipped    DeliveryStatus = "skipped"
)

// Terminal delivered/failed/skipped 之后不再变化
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed || s == DeliverySkipped
}

// CanTransition 状态只能向前推进，终态不可离开
func (s DeliveryStatus) CanTransition(to DeliveryStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case DeliveryPending:
		return to == DeliveryDelivering || to == DeliverySkipped || to == DeliveryFailed
	case DeliveryDelivering:
		return to != DeliveryDelivering
	}
	return false
}

// ErrorRecord 持久化的结构化错误
type ErrorRecord struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Class   string `json:"class"`
}

type DeliveryMetrics struct {
	LatencyMs     int64 `json:"latencyMs"`
	BytesSent     int64 `json:"bytesSent"`
	BytesReceived int64 `json:"bytesReceived"`
}

// Delivery 归属于某个 OutboxJob 的单收件人投递
type Delivery struct {
	ID               string          `gorm:"primaryKey;type:varchar(36)" json:"id"`
	JobID            string          `gorm:"type:varchar(36);index;not null" json:"jobId"`
	Target           string          `gorm:"type:varchar(512)" json:"target"`
	InboxURL         string          `gorm:"type:varchar(1024)" json:"inboxUrl"`
	Host             string          `gorm:"type:varchar(255);index" json:"host"`
	Status           DeliveryStatus  `gorm:"type:varchar(16);index:idx_delivery_due" json:"status"`
	Attempts         int             `json:"attempts"`
	NextAttemptAt    *time.Time      `gorm:"index:idx_delivery_due" json:"nextAttemptAt,omitempty"`
	IdempotencyKey   string          `gorm:"type:varchar(64);uniqueIndex" json:"idempotencyKey"`
	ResponseStatus   int             `json:"responseStatus,omitempty"`
	ResponseBody     string          `gorm:"type:text" json:"responseBody,omitempty"`
	RemoteActivityID string          `gorm:"type:varchar(1024)" json:"remoteActivityId,omitempty"`
	Error            *ErrorRecord    `gorm:"type:text;serializer:json" json:"error,omitempty"`
	Metrics          DeliveryMetrics `gorm:"embedded;embeddedPrefix:metric_" json:"metrics"`
	ClaimedAt        *time.Time      `json:"claimedAt,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

func (Delivery) TableName() string { return "outbox_deliveries" }
