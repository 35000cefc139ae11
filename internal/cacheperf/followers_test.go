package cacheperf

import (
	"context"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFans struct {
	followers map[string][]string
	calls     int
}

func (f *fakeFans) ListFollowers(_ context.Context, actorID string, offset, limit int) ([]string, error) {
	f.calls++
	all := f.followers[actorID]
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func TestFollowerIndexCachesList(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	fans := &fakeFans{followers: map[string][]string{"actor": {"u1", "u2", "u3"}}}
	idx := NewFollowerIndex(fans, rdb, 0)
	ctx := context.Background()

	ids, err := idx.Followers(ctx, "actor")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3"}, ids)

	ids, err = idx.Followers(ctx, "actor")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2", "u3"}, ids)
	assert.Equal(t, FollowerCounters{CacheHits: 1, IndexLoads: 1}, idx.Counters())

	require.NoError(t, idx.Invalidate(ctx, "actor"))
	fans.followers["actor"] = append(fans.followers["actor"], "u4")
	ids, err = idx.Followers(ctx, "actor")
	require.NoError(t, err)
	assert.Len(t, ids, 4)
	assert.Equal(t, int64(2), idx.Counters().IndexLoads)
}

func TestFollowerIndexPagesWithoutRedis(t *testing.T) {
	all := make([]string, 1203)
	for i := range all {
		all[i] = fmt.Sprintf("u%d", i)
	}
	fans := &fakeFans{followers: map[string][]string{"actor": all}}
	idx := NewFollowerIndex(fans, nil, 0)

	ids, err := idx.Followers(context.Background(), "actor")
	require.NoError(t, err)
	assert.Len(t, ids, 1203)
	assert.Equal(t, 3, fans.calls)
	require.NoError(t, idx.Invalidate(context.Background(), "actor"))
}
