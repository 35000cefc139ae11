package service

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/d60-Lab/fedsync/internal/apperr"
	"github.com/d60-Lab/fedsync/internal/metrics"
	"github.com/d60-Lab/fedsync/internal/model"
	"github.com/d60-Lab/fedsync/internal/repository"
	"github.com/d60-Lab/fedsync/pkg/logger"
)

// ContentSource 本地内容查询，由 repository.ContentRepository 实现
type ContentSource interface {
	QueryAddressed(ctx context.Context, q repository.ContentQuery) ([]*model.Post, error)
	VisibleTo(ctx context.Context, memberIDs []string) ([]string, error)
}

// PullServer 服务端拉取处理：只返回寻址到请求方声明集合内的内容
type PullServer struct {
	content        ContentSource
	publicSentinel string
	defaultLimit   int
	maxPage        int
	objectTypes    []string
	metrics        *metrics.Metrics
}

func NewPullServer(content ContentSource, publicSentinel string, defaultLimit, maxPage int, objectTypes []string, m *metrics.Metrics) *PullServer {
	if defaultLimit <= 0 {
		defaultLimit = 50
	}
	if maxPage <= 0 {
		maxPage = 200
	}
	if len(objectTypes) == 0 {
		// 空字符串表示不区分类型
		objectTypes = []string{""}
	}
	return &PullServer{
		content: content, publicSentinel: publicSentinel, defaultLimit: defaultLimit,
		maxPage: maxPage, objectTypes: objectTypes, metrics: m,
	}
}

// ServeResult NotModified 为 true 时应返回 304
type ServeResult struct {
	Response    *PullResponse
	ETag        string
	NotModified bool
}

// scopePriority 同一条内容命中多个范围时归入最具体的那个
var scopePriority = map[string]int{ScopeAudience: 3, ScopeActors: 2, ScopePublic: 1}

type candidate struct {
	post   *model.Post
	scopes map[string]bool
}

// Serve 每个范围取 since 之后最早的 limit 条，合并去重后保留最早的 limit 条，
// 按新到旧返回；游标为各范围已返回条目中最新的 (时间, id)
func (s *PullServer) Serve(ctx context.Context, requester string, req *PullRequest, ifNoneMatch string) (*ServeResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = s.defaultLimit
	}
	if limit > s.maxPage {
		limit = s.maxPage
	}

	declared := uniqueSorted(append(append([]string(nil), req.Members...), req.Audience...))
	scopes := req.Include
	if len(scopes) == 0 {
		scopes = []string{ScopePublic}
		if len(req.Actors) > 0 {
			scopes = append(scopes, ScopeActors)
		}
		if len(declared) > 0 {
			scopes = append(scopes, ScopeAudience)
		}
	}

	var visible []string
	if len(declared) > 0 {
		var err error
		if visible, err = s.content.VisibleTo(ctx, declared); err != nil {
			return nil, err
		}
	}
	reachable := uniqueSorted(append(append([]string(nil), declared...), visible...))

	found := map[string]*candidate{}
	used := map[string]bool{}
	for _, scope := range uniqueSorted(scopes) {
		since, sinceID, err := parseSince(req.Since.get(scope))
		if err != nil {
			return nil, err
		}
		q := repository.ContentQuery{Since: since, SinceID: sinceID, Limit: limit}
		switch scope {
		case ScopePublic:
			q.AllowSet = []string{s.publicSentinel}
		case ScopeActors:
			if len(req.Actors) == 0 {
				continue
			}
			q.AllowSet = append([]string{s.publicSentinel}, reachable...)
			q.Authors = req.Actors
		case ScopeAudience:
			if len(reachable) == 0 {
				continue
			}
			q.AllowSet = reachable
		default:
			return nil, apperr.Validation("invalid_scope", "unknown scope "+scope)
		}
		used[scope] = true

		for _, typ := range s.objectTypes {
			q.ObjectType = typ
			posts, err := s.content.QueryAddressed(ctx, q)
			if err != nil {
				return nil, err
			}
			for _, p := range posts {
				c, ok := found[p.ID]
				if !ok {
					c = &candidate{post: p, scopes: map[string]bool{}}
					found[p.ID] = c
				}
				c.scopes[scope] = true
			}
		}
	}

	kept := make([]*candidate, 0, len(found))
	for _, c := range found {
		kept = append(kept, c)
	}
	sort.Slice(kept, func(i, j int) bool {
		a, b := kept[i].post, kept[j].post
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	if len(kept) > limit {
		kept = kept[:limit]
	}

	resp := &PullResponse{Type: "OrderedCollection", Items: make([]PullItem, 0, len(kept))}
	for scope := range used {
		resp.Cursors.set(scope, req.Since.get(scope))
	}
	for i := len(kept) - 1; i >= 0; i-- {
		c := kept[i]
		best := ""
		for scope := range c.scopes {
			if scopePriority[scope] > scopePriority[best] {
				best = scope
			}
			if cur := formatPosition(c.post.CreatedAt, c.post.ID); cursorAfter(cur, resp.Cursors.get(scope)) {
				resp.Cursors.set(scope, cur)
			}
		}
		resp.Items = append(resp.Items, toPullItem(c.post, best))
	}
	resp.TotalItems = len(resp.Items)

	etag := ETagFor(resp.Cursors)
	if len(resp.Items) == 0 && ifNoneMatch != "" && ifNoneMatch == etag {
		s.metrics.Served("not_modified")
		return &ServeResult{ETag: etag, NotModified: true}, nil
	}
	s.metrics.Served("ok")
	logger.Debug("pull served",
		zap.String("requester", requester),
		zap.Strings("scopes", scopes),
		zap.Int("items", len(resp.Items)))
	return &ServeResult{Response: resp, ETag: etag}, nil
}

func parseSince(v string) (*time.Time, string, error) {
	if v == "" {
		return nil, "", nil
	}
	t, id, ok := model.SplitCursor(v)
	if !ok {
		return nil, "", apperr.Validation("invalid_cursor", "since must be an RFC3339 timestamp")
	}
	t = t.UTC()
	return &t, id, nil
}

func toPullItem(p *model.Post, scope string) PullItem {
	media := p.Media
	if string(media) == "null" {
		media = nil
	}
	return PullItem{
		ID:         p.ID,
		Type:       p.Type,
		ActorID:    p.AuthorID,
		CreatedAt:  p.CreatedAt.UTC(),
		Visibility: p.Visibility,
		Title:      p.Title,
		Body:       p.Body,
		Summary:    p.Summary,
		Media:      media,
		Scope:      scope,
	}
}
