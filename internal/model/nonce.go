package model

import "time"

// SignatureNonce 只写一次，过期后清理
type SignatureNonce struct {
	SignatureHash string    `gorm:"primaryKey;type:varchar(64)"`
	KeyID         string    `gorm:"type:varchar(1024)"`
	RequestTarget string    `gorm:"type:varchar(1024)"`
	ExpiresAt     time.Time `gorm:"index"`
	CreatedAt     time.Time
}

func (SignatureNonce) TableName() string { return "signature_nonces" }
