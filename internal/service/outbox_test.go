package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/fedsync/internal/apperr"
	"github.com/d60-Lab/fedsync/internal/audience"
	"github.com/d60-Lab/fedsync/internal/httpsig"
	"github.com/d60-Lab/fedsync/internal/model"
	"github.com/d60-Lab/fedsync/internal/repository"
)

func createActivity(to ...string) json.RawMessage {
	raw, _ := json.Marshal(map[string]interface{}{
		"id":     "https://local.example/activities/1",
		"type":   "Create",
		"actor":  "https://local.example/users/alice",
		"to":     to,
		"object": map[string]interface{}{"id": "https://local.example/posts/1", "type": "Note"},
	})
	return raw
}

func TestEnqueueIsIdempotent(t *testing.T) {
	db := setupDB(t)
	clk := newClock()
	lookup := stubLookup{}
	svc := NewOutboxService(repository.NewOutboxRepository(db),
		audience.NewResolver(lookup, localDomain, ""), clk, time.Hour, nil)
	ctx := context.Background()

	activity := createActivity("https://peer.example/users/bob", "https://other.example/users/carol")
	first, err := svc.Enqueue(ctx, activity, "https://local.example/activities/1", "https://local.example/users/alice")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 2, first.Counts.Total)
	assert.Equal(t, model.OutboxPending, first.Status)

	second, err := svc.Enqueue(ctx, activity, "https://local.example/activities/1", "https://local.example/users/alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.DedupeHash, second.DedupeHash)

	var jobs int64
	require.NoError(t, db.Model(&model.OutboxJob{}).Count(&jobs).Error)
	assert.Equal(t, int64(1), jobs)

	job, err := svc.Job(ctx, first.ID)
	require.NoError(t, err)
	require.Len(t, job.Deliveries, 2)
	assert.NotEqual(t, job.Deliveries[0].IdempotencyKey, job.Deliveries[1].IdempotencyKey)
	for _, d := range job.Deliveries {
		assert.Equal(t, model.DeliveryPending, d.Status)
		assert.Zero(t, d.Attempts)
		require.NotNil(t, d.NextAttemptAt)
		assert.True(t, d.NextAttemptAt.Equal(t0))
	}

	_, err = svc.Job(ctx, "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestEnqueueWithoutRemoteAudienceIsNoop(t *testing.T) {
	db := setupDB(t)
	svc := NewOutboxService(repository.NewOutboxRepository(db),
		audience.NewResolver(stubLookup{}, localDomain, "https://www.w3.org/ns/activitystreams#Public"), newClock(), 0, nil)

	job, err := svc.Enqueue(context.Background(),
		createActivity("https://www.w3.org/ns/activitystreams#Public", "https://local.example/users/bob"),
		"https://local.example/activities/1", "https://local.example/users/alice")
	require.NoError(t, err)
	assert.Nil(t, job)

	_, err = svc.Enqueue(context.Background(), json.RawMessage(`[1,2]`), "x", "y")
	assert.Equal(t, apperr.ClassValidation, apperr.ClassOf(err))
}

func TestDedupeHashIgnoresTargetOrder(t *testing.T) {
	a := DedupeHash("act", []string{"b", "a"})
	b := DedupeHash("act", []string{"a", "b"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, DedupeHash("act", []string{"a"}))
	assert.NotEqual(t, a, DedupeHash("other", []string{"a", "b"}))
}

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	prev := time.Duration(0)
	for i, w := range want {
		got := BackoffDelay(time.Second, 10*time.Second, i+1)
		assert.Equal(t, w, got, "attempt %d", i+1)
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
	assert.Equal(t, time.Hour, BackoffDelay(time.Second, time.Hour, 500))
}

func TestClassifyOutcome(t *testing.T) {
	cfg := testConfig().Outbox
	cfg.MaxAttempts = 3
	w := NewDeliveryWorker(nil, nil, nil, nil, newClock(), cfg, nil)

	cases := []struct {
		name     string
		ar       attemptResult
		attempts int
		outcome  string
		delay    time.Duration
		class    apperr.Class
	}{
		{"accepted", attemptResult{status: 202}, 1, outcomeDelivered, 0, ""},
		{"gone", attemptResult{status: 410}, 1, outcomeSkipped, 0, apperr.ClassPermanent},
		{"not found", attemptResult{status: 404}, 3, outcomeSkipped, 0, apperr.ClassPermanent},
		{"client quick retry", attemptResult{status: 422}, 1, outcomeRetry, 5 * time.Second, apperr.ClassClient},
		{"client gives up", attemptResult{status: 422}, 2, outcomeFailed, 0, apperr.ClassClient},
		{"server backoff", attemptResult{status: 503}, 2, outcomeRetry, 2 * time.Second, apperr.ClassServer},
		{"server exhausted", attemptResult{status: 500}, 3, outcomeFailed, 0, apperr.ClassServer},
		{"transport", attemptResult{transport: io.ErrUnexpectedEOF}, 1, outcomeRetry, time.Second, apperr.ClassTransport},
		{"transport exhausted", attemptResult{transport: io.ErrUnexpectedEOF}, 3, outcomeFailed, 0, apperr.ClassTransport},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome, delay, aerr := w.classify(tc.ar, tc.attempts)
			assert.Equal(t, tc.outcome, outcome)
			assert.Equal(t, tc.delay, delay)
			if tc.class == "" {
				assert.Nil(t, aerr)
				return
			}
			require.NotNil(t, aerr)
			assert.Equal(t, tc.class, aerr.Class)
		})
	}
}

// inboxServer 依次返回 statuses，并校验每个请求的签名
type inboxServer struct {
	mu       sync.Mutex
	statuses []int
	calls    int
	verified []bool
	keys     []string
}

func (s *inboxServer) handler(verifier *httpsig.Verifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		res := verifier.Verify(r.Context(), r, body, httpsig.VerifyOptions{MaxSkew: 5 * time.Minute, VerifyReplay: true})

		s.mu.Lock()
		status := s.statuses[len(s.statuses)-1]
		if s.calls < len(s.statuses) {
			status = s.statuses[s.calls]
		}
		s.calls++
		s.verified = append(s.verified, res.OK && r.Header.Get("Content-Type") == "application/activity+json")
		s.keys = append(s.keys, r.Header.Get("Idempotency-Key"))
		s.mu.Unlock()

		if status/100 == 2 {
			w.Header().Set("Location", "https://remote.example.com/activities/77")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}
}

func TestDeliveryScenarioRetryThenDelivered(t *testing.T) {
	db := setupDB(t)
	clk := newClock()
	signer := newSigner(t, clk)
	verifier := httpsig.NewVerifier(httpsig.StaticKeys{localKeyID: signer.PublicKey()},
		repository.NewNonceRepository(db), clk)

	inbox := &inboxServer{statuses: []int{http.StatusServiceUnavailable, http.StatusOK}}
	ts := httptest.NewTLSServer(inbox.handler(verifier))
	defer ts.Close()

	repo := repository.NewOutboxRepository(db)
	lookup := stubLookup{"group:abc@remote.example.com": {ID: "group:abc@remote.example.com", Inbox: ts.URL + "/groups/abc/inbox"}}
	svc := NewOutboxService(repo, audience.NewResolver(lookup, localDomain, ""), clk, time.Hour, nil)
	worker := NewDeliveryWorker(repo, nil, signer, ts.Client(), clk, testConfig().Outbox, nil)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, createActivity("group:abc@remote.example.com"),
		"https://local.example/activities/1", "https://local.example/users/alice")
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Len(t, job.Deliveries, 1)

	res, err := worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	stored, err := svc.Job(ctx, job.ID)
	require.NoError(t, err)
	d := stored.Deliveries[0]
	assert.Equal(t, model.DeliveryPending, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, 503, d.ResponseStatus)
	require.NotNil(t, d.NextAttemptAt)
	assert.True(t, d.NextAttemptAt.Equal(t0.Add(time.Second)), "next attempt %s", d.NextAttemptAt)
	require.NotNil(t, d.Error)
	assert.Equal(t, "server", d.Error.Class)
	assert.Equal(t, model.OutboxPending, stored.Status)

	// 未到重试时间
	res, err = worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)

	clk.Add(time.Second)
	res, err = worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	stored, err = svc.Job(ctx, job.ID)
	require.NoError(t, err)
	d = stored.Deliveries[0]
	assert.Equal(t, model.DeliveryDelivered, d.Status)
	assert.Equal(t, 2, d.Attempts)
	assert.Nil(t, d.NextAttemptAt)
	assert.Nil(t, d.Error)
	assert.Equal(t, "https://remote.example.com/activities/77", d.RemoteActivityID)
	assert.Equal(t, model.OutboxDelivered, stored.Status)
	assert.Equal(t, 1, stored.Counts.Delivered)
	assert.Zero(t, stored.Counts.Pending)

	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	assert.Equal(t, 2, inbox.calls)
	assert.Equal(t, []bool{true, true}, inbox.verified)
	// 重试沿用同一个 Idempotency-Key
	assert.Equal(t, inbox.keys[0], inbox.keys[1])
	assert.Equal(t, d.IdempotencyKey, inbox.keys[0])
}

func TestDeliveryGoneIsSkippedAndNeverRetried(t *testing.T) {
	db := setupDB(t)
	clk := newClock()
	signer := newSigner(t, clk)
	verifier := httpsig.NewVerifier(httpsig.StaticKeys{localKeyID: signer.PublicKey()}, nil, clk)

	inbox := &inboxServer{statuses: []int{http.StatusGone}}
	ts := httptest.NewTLSServer(inbox.handler(verifier))
	defer ts.Close()

	repo := repository.NewOutboxRepository(db)
	lookup := stubLookup{"https://peer.example/users/bob": {Inbox: ts.URL + "/users/bob/inbox"}}
	svc := NewOutboxService(repo, audience.NewResolver(lookup, localDomain, ""), clk, time.Hour, nil)
	worker := NewDeliveryWorker(repo, nil, signer, ts.Client(), clk, testConfig().Outbox, nil)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, createActivity("https://peer.example/users/bob"), "act-gone", "alice")
	require.NoError(t, err)

	res, err := worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	clk.Add(time.Hour)
	res, err = worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)

	stored, err := svc.Job(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeliverySkipped, stored.Deliveries[0].Status)
	assert.Equal(t, model.OutboxFailed, stored.Status)
	assert.Equal(t, 1, stored.Counts.Skipped)
}

func TestDeliveryToBlockedPeerIsSkippedWithoutRequest(t *testing.T) {
	db := setupDB(t)
	clk := newClock()
	signer := newSigner(t, clk)
	verifier := httpsig.NewVerifier(httpsig.StaticKeys{localKeyID: signer.PublicKey()}, nil, clk)

	inbox := &inboxServer{statuses: []int{http.StatusAccepted}}
	ts := httptest.NewTLSServer(inbox.handler(verifier))
	defer ts.Close()

	repo := repository.NewOutboxRepository(db)
	peers := NewPeerService(repository.NewPeerRepository(db), clk)
	lookup := stubLookup{"https://peer.example/users/bob": {Inbox: ts.URL + "/users/bob/inbox"}}
	svc := NewOutboxService(repo, audience.NewResolver(lookup, localDomain, ""), clk, time.Hour, nil)
	worker := NewDeliveryWorker(repo, peers, signer, ts.Client(), clk, testConfig().Outbox, nil)
	ctx := context.Background()

	_, err := peers.SetStatus(ctx, "127.0.0.1", model.PeerBlocked)
	require.NoError(t, err)

	job, err := svc.Enqueue(ctx, createActivity("https://peer.example/users/bob"), "act-blocked", "alice")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", job.Deliveries[0].Host)

	res, err := worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)

	stored, err := svc.Job(ctx, job.ID)
	require.NoError(t, err)
	d := stored.Deliveries[0]
	assert.Equal(t, model.DeliverySkipped, d.Status)
	require.NotNil(t, d.Error)
	assert.Equal(t, "peer_blocked", d.Error.Code)
	assert.Equal(t, string(apperr.ClassPermanent), d.Error.Class)
	assert.Zero(t, d.ResponseStatus)
	assert.Equal(t, model.OutboxFailed, stored.Status)

	// 解除屏蔽不会复活已跳过的投递
	_, err = peers.SetStatus(ctx, "127.0.0.1", model.PeerTrusted)
	require.NoError(t, err)
	clk.Add(time.Minute)
	res, err = worker.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Attempted)

	inbox.mu.Lock()
	defer inbox.mu.Unlock()
	assert.Zero(t, inbox.calls)
}

func TestDeliveryExhaustsAttempts(t *testing.T) {
	db := setupDB(t)
	clk := newClock()
	signer := newSigner(t, clk)
	verifier := httpsig.NewVerifier(httpsig.StaticKeys{localKeyID: signer.PublicKey()}, nil, clk)

	inbox := &inboxServer{statuses: []int{http.StatusBadGateway}}
	ts := httptest.NewTLSServer(inbox.handler(verifier))
	defer ts.Close()

	cfg := testConfig().Outbox
	cfg.MaxAttempts = 3
	repo := repository.NewOutboxRepository(db)
	lookup := stubLookup{"https://peer.example/users/bob": {Inbox: ts.URL + "/users/bob/inbox"}}
	svc := NewOutboxService(repo, audience.NewResolver(lookup, localDomain, ""), clk, 24*time.Hour, nil)
	worker := NewDeliveryWorker(repo, nil, signer, ts.Client(), clk, cfg, nil)
	ctx := context.Background()

	job, err := svc.Enqueue(ctx, createActivity("https://peer.example/users/bob"), "act-502", "alice")
	require.NoError(t, err)

	var nexts []time.Time
	for i := 0; i < 3; i++ {
		_, err := worker.ProcessBatch(ctx)
		require.NoError(t, err)
		stored, err := svc.Job(ctx, job.ID)
		require.NoError(t, err)
		d := stored.Deliveries[0]
		if d.NextAttemptAt == nil {
			break
		}
		nexts = append(nexts, *d.NextAttemptAt)
		clk.Set(*d.NextAttemptAt)
	}

	stored, err := svc.Job(ctx, job.ID)
	require.NoError(t, err)
	d := stored.Deliveries[0]
	assert.Equal(t, model.DeliveryFailed, d.Status)
	assert.Equal(t, 3, d.Attempts)
	assert.Equal(t, model.OutboxFailed, stored.Status)
	require.Len(t, nexts, 2)
	assert.True(t, nexts[0].Equal(t0.Add(time.Second)))
	assert.True(t, nexts[1].Equal(t0.Add(3*time.Second)))
}
