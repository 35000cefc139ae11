package service

import (
	"errors"
	"time"
)

var (
	ErrPeerBlocked   = errors.New("peer is blocked")
	ErrPeerNotFound  = errors.New("peer not found")
	ErrInvalidDomain = errors.New("invalid peer domain")
	ErrJobNotFound   = errors.New("outbox job not found")
)

func timePtr(t time.Time) *time.Time { return &t }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
