package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/d60-Lab/fedsync/config"
	"github.com/d60-Lab/fedsync/internal/audience"
	"github.com/d60-Lab/fedsync/internal/httpsig"
	"github.com/d60-Lab/fedsync/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	localDomain = "local.example"
	localKeyID  = "https://local.example/actor#main-key"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func privateKey(t testing.TB) *rsa.PrivateKey {
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

func setupDB(t testing.TB) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(model.All()...))
	return db
}

func newClock() *clock.Mock {
	clk := clock.NewMock()
	clk.Set(t0)
	return clk
}

func newSigner(t testing.TB, clk clock.Clock) *httpsig.Signer {
	return httpsig.NewSigner(localKeyID, privateKey(t), clk)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Federation.Domain = localDomain
	cfg.Federation.ActorID = "https://local.example/actor"
	cfg.Federation.KeyID = localKeyID
	cfg.Outbox.PerHostRate = 0
	cfg.Outbox.StaleLease = 0
	return cfg
}

type stubLookup map[string]*audience.Object

func (s stubLookup) GetObjectByID(_ context.Context, id string) (*audience.Object, error) {
	return s[id], nil
}

// recordingFanout 记录入队的批次
type recordingFanout struct {
	mu      sync.Mutex
	batches []FanoutBatch
}

func (r *recordingFanout) Enqueue(b FanoutBatch) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	return true
}
