package repository

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/d60-Lab/fedsync/internal/model"
)

// NonceRepository 签名防重放存储
type NonceRepository interface {
	// Remember 首次出现返回 true；同一签名再次出现返回 false
	Remember(ctx context.Context, nonce *model.SignatureNonce) (bool, error)
	// Sweep 删除已过期的记录
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

type nonceRepository struct{ db *gorm.DB }

func NewNonceRepository(db *gorm.DB) NonceRepository { return &nonceRepository{db: db} }

func (r *nonceRepository) Remember(ctx context.Context, nonce *model.SignatureNonce) (bool, error) {
	// 主键冲突即重放，多实例并发插入同样只有一个成功
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(nonce)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *nonceRepository) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("expires_at < ?", now).Delete(&model.SignatureNonce{})
	return res.RowsAffected, res.Error
}

const nonceKeyPrefix = "fedsync:nonce:"

type redisNonceStore struct {
	rdb   redis.UniversalClient
	clock clock.Clock
}

// NewRedisNonceStore SETNX + TTL 实现，过期由 redis 负责
func NewRedisNonceStore(rdb redis.UniversalClient, clk clock.Clock) NonceRepository {
	if clk == nil {
		clk = clock.New()
	}
	return &redisNonceStore{rdb: rdb, clock: clk}
}

func (s *redisNonceStore) Remember(ctx context.Context, nonce *model.SignatureNonce) (bool, error) {
	ttl := nonce.ExpiresAt.Sub(s.clock.Now())
	if ttl < time.Second {
		ttl = time.Second
	}
	return s.rdb.SetNX(ctx, nonceKeyPrefix+nonce.SignatureHash, nonce.KeyID, ttl).Result()
}

func (s *redisNonceStore) Sweep(context.Context, time.Time) (int64, error) { return 0, nil }
