package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/d60-Lab/fedsync/config"
	"github.com/d60-Lab/fedsync/internal/cacheperf"
	"github.com/d60-Lab/fedsync/internal/model"
	"github.com/d60-Lab/fedsync/internal/repository"
	"github.com/d60-Lab/fedsync/internal/service"
	"github.com/d60-Lab/fedsync/pkg/database"
)

// 模拟一次 actors 范围的拉取结果写入本地时间线：
// ACTORS 个远端作者，每人 FOLLOWERS 个本地关注者，每批 ITEMS 条，共 REPEAT 批
func main() {
	ctx := context.Background()

	cfg := must(config.Load())
	db := must(database.InitDB(cfg))

	actors := envInt("ACTORS", 20)
	followers := envInt("FOLLOWERS", 500)
	items := envInt("ITEMS", 50)
	repeat := envInt("REPEAT", 30)

	fmt.Println("Setting up follow graph...")
	mustDo(db.Exec("DELETE FROM fans").Error)
	mustDo(db.Exec("DELETE FROM feed_entries").Error)
	actorIDs := seedFans(db, actors, followers)
	fmt.Printf("Follow graph ready: %d remote actors x %d local followers\n", actors, followers)

	batches := makeBatches(actorIDs, items, repeat)

	noCache := runScenario(ctx, db, nil, batches)
	fmt.Printf("%-14s avg=%v p95=%v p99=%v entries=%d index_loads=%d cache_hits=%d\n",
		"No cache", avg(noCache.durations), pct(noCache.durations, 0.95), pct(noCache.durations, 0.99),
		noCache.entries, noCache.counters.IndexLoads, noCache.counters.CacheHits)

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		fmt.Println("REDIS_ADDR not set, skipping follower index cache scenario")
		return
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		panic(fmt.Sprintf("Failed to connect to Redis at %s: %v", addr, err))
	}
	client.FlushDB(ctx)
	mustDo(db.Exec("DELETE FROM feed_entries").Error)

	cached := runScenario(ctx, db, client, batches)
	fmt.Printf("%-14s avg=%v p95=%v p99=%v entries=%d index_loads=%d cache_hits=%d\n",
		"Redis index", avg(cached.durations), pct(cached.durations, 0.95), pct(cached.durations, 0.99),
		cached.entries, cached.counters.IndexLoads, cached.counters.CacheHits)
}

func seedFans(db *gorm.DB, actors, followers int) []string {
	ids := make([]string, actors)
	rows := make([]model.Fan, 0, actors*followers)
	base := time.Now()
	for a := 0; a < actors; a++ {
		ids[a] = fmt.Sprintf("https://peer.example/users/author_%d", a)
		for f := 0; f < followers; f++ {
			rows = append(rows, model.Fan{
				ID:         uuid.NewString(),
				ActorID:    ids[a],
				FollowerID: fmt.Sprintf("https://local.example/users/user_%d", (a*followers/2+f)%(actors*followers)),
				CreatedAt:  base.Add(-time.Duration(f) * time.Second),
			})
		}
	}
	mustDo(db.CreateInBatches(&rows, 1000).Error)
	return ids
}

func makeBatches(actorIDs []string, items, repeat int) []service.FanoutBatch {
	out := make([]service.FanoutBatch, repeat)
	base := time.Now()
	for r := 0; r < repeat; r++ {
		b := service.FanoutBatch{Scope: service.ScopeActors, Domain: "peer.example"}
		for i := 0; i < items; i++ {
			b.Items = append(b.Items, service.FanoutItem{
				ID:        fmt.Sprintf("https://peer.example/posts/%d-%d", r, i),
				ActorID:   actorIDs[(r*items+i)%len(actorIDs)],
				CreatedAt: base.Add(-time.Duration(r*items+i) * time.Second),
			})
		}
		out[r] = b
	}
	return out
}

type scenarioResult struct {
	durations []time.Duration
	entries   int
	counters  cacheperf.FollowerCounters
}

func runScenario(ctx context.Context, db *gorm.DB, client *redis.Client, batches []service.FanoutBatch) scenarioResult {
	var cache redis.UniversalClient
	if client != nil {
		cache = client
	}
	index := cacheperf.NewFollowerIndex(repository.NewFanRepository(db), cache, 10*time.Minute)
	fanout := service.NewFeedFanout(repository.NewFeedRepository(db), index, clock.New(), len(batches), nil)

	res := scenarioResult{durations: make([]time.Duration, 0, len(batches))}
	for _, b := range batches {
		st := time.Now()
		n, err := fanout.Apply(ctx, b)
		if err != nil {
			panic(err)
		}
		res.durations = append(res.durations, time.Since(st))
		res.entries += n
	}
	res.counters = index.Counters()
	return res
}

func envInt(name string, def int) int {
	if s := os.Getenv(name); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			return v
		}
	}
	return def
}

func avg(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}

func pct(ds []time.Duration, p float64) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	xs := append([]time.Duration(nil), ds...)
	sort.Slice(xs, func(i, j int) bool { return xs[i] < xs[j] })
	k := int(float64(len(xs)) * p)
	if k >= len(xs) {
		k = len(xs) - 1
	}
	return xs[k]
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func mustDo(err error) {
	if err != nil {
		panic(err)
	}
}
