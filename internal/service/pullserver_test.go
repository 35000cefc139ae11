package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/d60-Lab/fedsync/config"
	"github.com/d60-Lab/fedsync/internal/apperr"
	"github.com/d60-Lab/fedsync/internal/model"
	"github.com/d60-Lab/fedsync/internal/repository"
)

const (
	alice   = "https://local.example/users/alice"
	carol   = "https://local.example/users/carol"
	groupG  = "https://local.example/groups/g"
	memberM = "https://peer.example/users/m"
)

func seedPost(t *testing.T, db *gorm.DB, id, author string, at time.Time, recipients ...string) {
	t.Helper()
	require.NoError(t, db.Create(&model.Post{
		ID: id, Type: "Note", AuthorID: author, Visibility: "public", Body: id, CreatedAt: at, UpdatedAt: at,
	}).Error)
	for _, r := range recipients {
		require.NoError(t, db.Create(&model.PostRecipient{PostID: id, RecipientID: r, CreatedAt: at}).Error)
	}
}

func newPullServer(t *testing.T) *PullServer {
	t.Helper()
	db := setupDB(t)
	seedPost(t, db, "https://local.example/posts/1", alice, t0.Add(-30*time.Minute), config.PublicAudience)
	seedPost(t, db, "https://local.example/posts/2", alice, t0.Add(-20*time.Minute), groupG)
	seedPost(t, db, "https://local.example/posts/3", alice, t0.Add(-10*time.Minute), "https://local.example/users/bob")
	seedPost(t, db, "https://local.example/posts/4", carol, t0.Add(-5*time.Minute), config.PublicAudience)
	require.NoError(t, db.Create(&model.Membership{MemberID: memberM, VisibleTo: groupG, CreatedAt: t0}).Error)
	return NewPullServer(repository.NewContentRepository(db), config.PublicAudience, 50, 200, nil, nil)
}

func ids(items []PullItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestServePublicNewestFirst(t *testing.T) {
	s := newPullServer(t)
	res, err := s.Serve(context.Background(), peerDomain, &PullRequest{Include: []string{ScopePublic}}, "")
	require.NoError(t, err)
	require.False(t, res.NotModified)

	assert.Equal(t, []string{"https://local.example/posts/4", "https://local.example/posts/1"}, ids(res.Response.Items))
	assert.Equal(t, formatPosition(t0.Add(-5*time.Minute), "https://local.example/posts/4"), res.Response.Cursors.Public)
	assert.Equal(t, ETagFor(res.Response.Cursors), res.ETag)
	assert.Nil(t, res.Response.Items[0].Media)
	assert.Equal(t, ScopePublic, res.Response.Items[0].Scope)
}

func TestServeActorsPrefersMostSpecificScope(t *testing.T) {
	s := newPullServer(t)
	res, err := s.Serve(context.Background(), peerDomain, &PullRequest{
		Include: []string{ScopePublic, ScopeActors},
		Actors:  []string{alice},
	}, "")
	require.NoError(t, err)

	items := res.Response.Items
	require.Len(t, items, 2)
	assert.Equal(t, "https://local.example/posts/4", items[0].ID)
	assert.Equal(t, ScopePublic, items[0].Scope)
	assert.Equal(t, "https://local.example/posts/1", items[1].ID)
	assert.Equal(t, ScopeActors, items[1].Scope)
	assert.Equal(t, formatPosition(t0.Add(-30*time.Minute), "https://local.example/posts/1"), res.Response.Cursors.Actors)
}

func TestServeAudienceOnlyReturnsReachableContent(t *testing.T) {
	s := newPullServer(t)
	res, err := s.Serve(context.Background(), peerDomain, &PullRequest{
		Include: []string{ScopeAudience},
		Members: []string{memberM},
	}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://local.example/posts/2"}, ids(res.Response.Items))
	assert.Equal(t, ScopeAudience, res.Response.Items[0].Scope)

	// 声明为空时不返回任何受众内容
	res, err = s.Serve(context.Background(), peerDomain, &PullRequest{Include: []string{ScopeAudience}}, "")
	require.NoError(t, err)
	assert.Empty(t, res.Response.Items)
}

func TestServePagesOldestWindowThenNotModified(t *testing.T) {
	s := newPullServer(t)
	ctx := context.Background()

	req := &PullRequest{Include: []string{ScopePublic}, Limit: 1}
	res, err := s.Serve(ctx, peerDomain, req, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://local.example/posts/1"}, ids(res.Response.Items))

	req.Since = res.Response.Cursors
	res, err = s.Serve(ctx, peerDomain, req, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://local.example/posts/4"}, ids(res.Response.Items))

	req.Since = res.Response.Cursors
	res, err = s.Serve(ctx, peerDomain, req, "")
	require.NoError(t, err)
	assert.Empty(t, res.Response.Items)
	assert.Equal(t, req.Since.Public, res.Response.Cursors.Public)
	etag := res.ETag

	res, err = s.Serve(ctx, peerDomain, req, etag)
	require.NoError(t, err)
	assert.True(t, res.NotModified)
	assert.Nil(t, res.Response)
}

func TestServePagesThroughTimestampTies(t *testing.T) {
	db := setupDB(t)
	same := t0.Add(-time.Hour)
	for _, id := range []string{"https://local.example/posts/c", "https://local.example/posts/a", "https://local.example/posts/b"} {
		seedPost(t, db, id, alice, same, config.PublicAudience)
	}
	seedPost(t, db, "https://local.example/posts/d", alice, t0.Add(-time.Minute), config.PublicAudience)
	s := NewPullServer(repository.NewContentRepository(db), config.PublicAudience, 50, 200, nil, nil)
	ctx := context.Background()

	req := &PullRequest{Include: []string{ScopePublic}, Limit: 2}
	var seen []string
	for i := 0; i < 4; i++ {
		res, err := s.Serve(ctx, peerDomain, req, "")
		require.NoError(t, err)
		if len(res.Response.Items) == 0 {
			break
		}
		seen = append(seen, ids(res.Response.Items)...)
		req.Since = res.Response.Cursors
	}
	// 同一时间戳的三条跨越了分页边界，也不能丢
	assert.Equal(t, []string{
		"https://local.example/posts/b", "https://local.example/posts/a",
		"https://local.example/posts/d", "https://local.example/posts/c",
	}, seen)
	assert.Equal(t, formatPosition(t0.Add(-time.Minute), "https://local.example/posts/d"), req.Since.Public)

	// 旧格式的纯时间戳游标表示该时间点已读完
	res, err := s.Serve(ctx, peerDomain, &PullRequest{Include: []string{ScopePublic}, Since: PullSince{Public: formatCursor(same)}}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://local.example/posts/d"}, ids(res.Response.Items))
}

func TestServeRejectsBadCursor(t *testing.T) {
	s := newPullServer(t)
	_, err := s.Serve(context.Background(), peerDomain, &PullRequest{Since: PullSince{Public: "yesterday"}}, "")
	assert.Equal(t, apperr.ClassValidation, apperr.ClassOf(err))
}

func TestDecodePullResponseShapes(t *testing.T) {
	body, perr := decodePullResponse([]byte(`[{"id":"a","type":"Note"}]`))
	require.Nil(t, perr)
	assert.Len(t, body.Items, 1)

	body, perr = decodePullResponse([]byte(`{"type":"OrderedCollection","orderedItems":[{"id":"a"},{"id":"b"}],"cursors":{"public":"x"}}`))
	require.Nil(t, perr)
	assert.Equal(t, 2, body.TotalItems)
	assert.Equal(t, "x", body.Cursors.Public)

	for raw, code := range map[string]string{
		``:                "empty_response",
		`[1`:              "invalid_items",
		`{"items":`:       "invalid_json",
		`{"type":"Note"}`: "invalid_shape",
	} {
		_, perr := decodePullResponse([]byte(raw))
		require.NotNil(t, perr, raw)
		assert.Equal(t, code, perr.Code, raw)
		assert.Equal(t, apperr.ClassProtocol, perr.Class)
	}
}

func TestCursorAfterComparesTime(t *testing.T) {
	a := formatCursor(t0)
	b := formatCursor(t0.Add(time.Second))
	assert.True(t, cursorAfter(b, a))
	assert.False(t, cursorAfter(a, b))
	assert.False(t, cursorAfter(a, a))
	assert.True(t, cursorAfter(a, ""))
	assert.False(t, cursorAfter("", a))
	assert.True(t, cursorAfter("2026-03-01T12:00:00.5Z", "2026-03-01T12:00:00Z"))

	// 同一时间按 id 比较；不带 id 的游标排在该时间点最后
	x, y := formatPosition(t0, "https://local.example/posts/a"), formatPosition(t0, "https://local.example/posts/b")
	assert.True(t, cursorAfter(y, x))
	assert.False(t, cursorAfter(x, y))
	assert.True(t, cursorAfter(a, y))
	assert.False(t, cursorAfter(y, a))
	assert.True(t, cursorAfter(formatPosition(t0.Add(time.Second), "https://local.example/posts/a"), a))
}
