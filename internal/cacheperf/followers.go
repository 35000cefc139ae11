package cacheperf

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/d60-Lab/fedsync/internal/repository"
)

// FollowerLister is the slice of FanRepository the index needs.
type FollowerLister interface {
	ListFollowers(ctx context.Context, actorID string, offset, limit int) ([]string, error)
}

// FollowerIndex caches the full follower id list of an actor as a Redis list.
// A nil redis client turns it into a plain paging reader over the fans table.
type FollowerIndex struct {
	fans     FollowerLister
	cache    redis.UniversalClient
	ttl      time.Duration
	pageSize int

	hits       atomic.Int64
	indexLoads atomic.Int64
}

// NewFollowerIndex builds the index; ttl bounds how stale a cached list may be.
func NewFollowerIndex(fans FollowerLister, cache redis.UniversalClient, ttl time.Duration) *FollowerIndex {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &FollowerIndex{fans: fans, cache: cache, ttl: ttl, pageSize: 500}
}

var _ FollowerLister = repository.FanRepository(nil)

func indexKey(actorID string) string { return fmt.Sprintf("fedsync:followers:index:%s", actorID) }

// Followers returns every local follower of actorID.
func (s *FollowerIndex) Followers(ctx context.Context, actorID string) ([]string, error) {
	if s.cache != nil {
		key := indexKey(actorID)
		// Use LRANGE over the whole list; a missing key yields an empty slice
		if ids, err := s.cache.LRange(ctx, key, 0, -1).Result(); err == nil && len(ids) > 0 {
			s.hits.Add(1)
			return ids, nil
		}
	}
	return s.loadAndCache(ctx, actorID)
}

// Invalidate drops the cached list after a follow/unfollow.
func (s *FollowerIndex) Invalidate(ctx context.Context, actorID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Del(ctx, indexKey(actorID)).Err()
}

func (s *FollowerIndex) loadAndCache(ctx context.Context, actorID string) ([]string, error) {
	s.indexLoads.Add(1)

	var ids []string
	for offset := 0; ; offset += s.pageSize {
		page, err := s.fans.ListFollowers(ctx, actorID, offset, s.pageSize)
		if err != nil {
			return nil, err
		}
		ids = append(ids, page...)
		if len(page) < s.pageSize {
			break
		}
	}

	// Store as Redis List
	if s.cache != nil && len(ids) > 0 {
		key := indexKey(actorID)
		pipe := s.cache.Pipeline()
		pipe.Del(ctx, key)
		pipe.RPush(ctx, key, interfaceSlice(ids)...)
		pipe.Expire(ctx, key, s.ttl)
		_, _ = pipe.Exec(ctx)
	}
	return ids, nil
}

func interfaceSlice(strs []string) []interface{} {
	result := make([]interface{}, len(strs))
	for i, s := range strs {
		result[i] = s
	}
	return result
}

// ResetCounters clears recorded counters.
func (s *FollowerIndex) ResetCounters() {
	s.hits.Store(0)
	s.indexLoads.Store(0)
}

// Counters reports cache hits and how many times the fans table was scanned.
func (s *FollowerIndex) Counters() FollowerCounters {
	return FollowerCounters{CacheHits: s.hits.Load(), IndexLoads: s.indexLoads.Load()}
}

// FollowerCounters summarises index activity during a run.
type FollowerCounters struct {
	CacheHits  int64
	IndexLoads int64
}
