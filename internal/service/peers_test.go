package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/fedsync/internal/apperr"
	"github.com/d60-Lab/fedsync/internal/httpsig"
	"github.com/d60-Lab/fedsync/internal/model"
	"github.com/d60-Lab/fedsync/internal/repository"
)

func TestPeerServiceNormalizesDomain(t *testing.T) {
	db := setupDB(t)
	svc := NewPeerService(repository.NewPeerRepository(db), newClock())
	ctx := context.Background()

	p, err := svc.Ensure(ctx, "HTTPS://Foo.Example:443")
	require.NoError(t, err)
	assert.Equal(t, "foo.example", p.Domain)
	assert.Equal(t, model.PeerUnknown, p.Status)

	got, err := svc.Get(ctx, "foo.example")
	require.NoError(t, err)
	assert.Equal(t, p.Domain, got.Domain)

	_, err = svc.Get(ctx, "bar.example")
	assert.ErrorIs(t, err, ErrPeerNotFound)
	_, err = svc.Ensure(ctx, "   ")
	assert.ErrorIs(t, err, ErrInvalidDomain)
}

func TestPeerServiceStatusAndSettings(t *testing.T) {
	db := setupDB(t)
	svc := NewPeerService(repository.NewPeerRepository(db), newClock())
	ctx := context.Background()

	blocked, err := svc.IsBlocked(ctx, "foo.example")
	require.NoError(t, err)
	assert.False(t, blocked)

	_, err = svc.SetStatus(ctx, "foo.example", model.PeerBlocked)
	require.NoError(t, err)
	blocked, err = svc.IsBlocked(ctx, "https://foo.example/users/x")
	require.NoError(t, err)
	assert.True(t, blocked)

	_, err = svc.SetStatus(ctx, "foo.example", model.PeerStatus("friendly"))
	assert.Error(t, err)

	actor := "https://foo.example/actor"
	timeout := 2500
	p, err := svc.UpdateSettings(ctx, "foo.example", PeerSettings{
		ServerActorID: &actor,
		Supports:      &model.PeerSupports{SignedPull: true},
		TimeoutMs:     &timeout,
	})
	require.NoError(t, err)
	assert.Equal(t, actor, p.ServerActorID)

	p, err = svc.Get(ctx, "foo.example")
	require.NoError(t, err)
	assert.Equal(t, model.PeerBlocked, p.Status)
	assert.True(t, p.Supports.SignedPull)
	assert.Equal(t, 2500, p.TimeoutMs)
	assert.Equal(t, actor, p.ServerActorID)

	// 未传的字段保持不变
	_, err = svc.UpdateSettings(ctx, "foo.example", PeerSettings{RateLimits: &model.RateLimits{MaxPage: 20}})
	require.NoError(t, err)
	p, err = svc.Get(ctx, "foo.example")
	require.NoError(t, err)
	assert.Equal(t, actor, p.ServerActorID)
	assert.Equal(t, 20, p.RateLimits.MaxPage)
}

func TestPeerServiceTracksActors(t *testing.T) {
	db := setupDB(t)
	svc := NewPeerService(repository.NewPeerRepository(db), newClock())
	ctx := context.Background()
	bob := "https://foo.example/users/bob"

	n, err := svc.TrackActor(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = svc.TrackActor(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := svc.Get(ctx, "foo.example")
	require.NoError(t, err)
	assert.Equal(t, []string{bob}, p.TrackedActors())

	_, err = svc.UntrackActor(ctx, bob)
	require.NoError(t, err)
	n, err = svc.UntrackActor(ctx, bob)
	require.NoError(t, err)
	assert.Zero(t, n)

	p, err = svc.Get(ctx, "foo.example")
	require.NoError(t, err)
	assert.Empty(t, p.TrackedActors())
}

// fakePuller 按域名返回预设结果
type fakePuller struct {
	mu      sync.Mutex
	results map[string]*PullResult
	errs    map[string]error
	called  []string
}

func (f *fakePuller) PullFromServer(_ context.Context, domain string, _ PullOptions) (*PullResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.called = append(f.called, domain)
	if err := f.errs[domain]; err != nil {
		return nil, err
	}
	if r := f.results[domain]; r != nil {
		return r, nil
	}
	return &PullResult{Domain: domain}, nil
}

func TestSchedulerPullsDuePeersOnly(t *testing.T) {
	db := setupDB(t)
	clk := newClock()
	peers := repository.NewPeerRepository(db)
	seed := func(domain string, status model.PeerStatus, next time.Time) {
		require.NoError(t, db.Create(&model.PeerServer{
			Domain: domain, Status: status, Scheduler: model.PeerScheduler{NextPollAt: next},
			CreatedAt: t0, UpdatedAt: t0,
		}).Error)
	}
	seed("a.example", model.PeerTrusted, t0.Add(-time.Minute))
	seed("b.example", model.PeerUnknown, t0)
	seed("c.example", model.PeerMuted, t0.Add(-time.Hour))
	seed("d.example", model.PeerTrusted, t0.Add(time.Minute))

	puller := &fakePuller{
		results: map[string]*PullResult{"a.example": {Ingested: 3}},
		errs:    map[string]error{"b.example": apperr.FromStatus(http.StatusBadGateway)},
	}
	s := NewPullScheduler(peers, puller, clk, testConfig().Pull)

	res, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SchedulerResult{Peers: 2, Failed: 1, Items: 3}, res)
	assert.ElementsMatch(t, []string{"a.example", "b.example"}, puller.called)

	// 认领期内不会再次被取到
	res, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Peers)
}

func TestSchedulerAbortsOnInfrastructureError(t *testing.T) {
	db := setupDB(t)
	require.NoError(t, db.Create(&model.PeerServer{
		Domain: "a.example", Status: model.PeerTrusted, Scheduler: model.PeerScheduler{NextPollAt: t0},
		CreatedAt: t0, UpdatedAt: t0,
	}).Error)
	puller := &fakePuller{errs: map[string]error{"a.example": errors.New("database is locked")}}
	s := NewPullScheduler(repository.NewPeerRepository(db), puller, newClock(), testConfig().Pull)

	_, err := s.RunOnce(context.Background())
	assert.EqualError(t, err, "database is locked")
}

func newTestEngine(t *testing.T, rdb redis.UniversalClient) *Engine {
	t.Helper()
	cfg := testConfig()
	clk := newClock()
	signer := newSigner(t, clk)
	if rdb != nil {
		cfg.Signature.ReplayStore = "redis"
	}
	e, err := NewEngine(Deps{
		Config: cfg,
		DB:     setupDB(t),
		Redis:  rdb,
		Clock:  clk,
		Signer: signer,
		Keys:   httpsig.StaticKeys{localKeyID: signer.PublicKey()},
		Lookup: stubLookup{},
	})
	require.NoError(t, err)
	return e
}

func TestEngineFollowTracksRemoteActors(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	e := newTestEngine(t, rdb)
	ctx := context.Background()
	bob := "https://peer.example/users/bob"

	require.NoError(t, e.Follow(ctx, "u1", bob))
	require.NoError(t, e.Follow(ctx, "u1", bob))
	require.NoError(t, e.Follow(ctx, "u2", bob))
	require.NoError(t, e.Follow(ctx, "u3", "https://local.example/users/alice"))

	p, err := e.Peers.Get(ctx, peerDomain)
	require.NoError(t, err)
	assert.Equal(t, 2, p.ActorsRefCount[bob])
	_, err = e.Peers.Get(ctx, localDomain)
	assert.ErrorIs(t, err, ErrPeerNotFound)

	users, err := e.Followers.Followers(ctx, bob)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"u1", "u2"}, users)

	require.NoError(t, e.Unfollow(ctx, "u1", bob))
	users, err = e.Followers.Followers(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, []string{"u2"}, users)

	p, err = e.Peers.Get(ctx, peerDomain)
	require.NoError(t, err)
	assert.Equal(t, 1, p.ActorsRefCount[bob])
}

func TestEngineVerifyRejectsReplay(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	e := newTestEngine(t, rdb)
	ctx := context.Background()

	body := []byte(`{"type":"Follow"}`)
	hdr, err := e.SignHTTPRequest(http.MethodPost, "https://local.example/inbox", http.Header{}, body)
	require.NoError(t, err)

	newReq := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "https://local.example/inbox", strings.NewReader(string(body)))
		for k, v := range hdr {
			r.Header[k] = v
		}
		return r
	}

	res := e.VerifyHTTPSignature(ctx, newReq(), body, e.DefaultVerifyOptions())
	require.True(t, res.OK, "%v", res.Err)
	assert.Equal(t, localDomain, res.Domain)

	res = e.VerifyHTTPSignature(ctx, newReq(), body, e.DefaultVerifyOptions())
	require.False(t, res.OK)
	assert.Equal(t, "replay", res.Err.Code)
}
