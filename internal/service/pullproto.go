package service

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/d60-Lab/fedsync/internal/apperr"
	"github.com/d60-Lab/fedsync/internal/model"
)

// 拉取范围
const (
	ScopePublic   = "public"
	ScopeActors   = "actors"
	ScopeAudience = "audience"
)

// PullSince 每个范围各自的游标
type PullSince struct {
	Public   string `json:"public,omitempty"`
	Actors   string `json:"actors,omitempty"`
	Audience string `json:"audience,omitempty"`
}

func (s PullSince) get(scope string) string {
	switch scope {
	case ScopePublic:
		return s.Public
	case ScopeActors:
		return s.Actors
	case ScopeAudience:
		return s.Audience
	}
	return ""
}

func (s *PullSince) set(scope, v string) {
	switch scope {
	case ScopePublic:
		s.Public = v
	case ScopeActors:
		s.Actors = v
	case ScopeAudience:
		s.Audience = v
	}
}

// PullRequest POST /federation/pull 请求体
type PullRequest struct {
	RequestingServer string    `json:"requestingServer,omitempty" binding:"omitempty,fed_domain"`
	Viewer           string    `json:"viewer,omitempty"`
	Include          []string  `json:"include,omitempty" binding:"omitempty,dive,oneof=public actors audience"`
	Actors           []string  `json:"actors,omitempty" binding:"omitempty,max=500"`
	Audience         []string  `json:"audience,omitempty" binding:"omitempty,max=1000"`
	Members          []string  `json:"members,omitempty" binding:"omitempty,max=1000"`
	Since            PullSince `json:"since"`
	Limit            int       `json:"limit,omitempty" binding:"omitempty,min=1,max=1000"`
}

// PullItem 精简的内容快照
type PullItem struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ActorID    string          `json:"actorId"`
	CreatedAt  time.Time       `json:"createdAt"`
	Visibility string          `json:"visibility"`
	Title      string          `json:"title,omitempty"`
	Body       string          `json:"body,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	Media      json.RawMessage `json:"media,omitempty"`
	Scope      string          `json:"scope,omitempty"`
}

// PullResponse OrderedCollection 形式的响应
type PullResponse struct {
	Type       string     `json:"type"`
	TotalItems int        `json:"totalItems"`
	Items      []PullItem `json:"items"`
	Cursors    PullSince  `json:"cursors"`
}

// decodePullResponse 接受 OrderedCollection（items/orderedItems）或裸 items 数组
func decodePullResponse(raw []byte) (*PullResponse, *apperr.Error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, apperr.Protocol("empty_response", "peer returned an empty body", nil)
	}
	if raw[0] == '[' {
		var items []PullItem
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, apperr.Protocol("invalid_items", "items array is malformed", err)
		}
		return &PullResponse{Type: "OrderedCollection", Items: items, TotalItems: len(items)}, nil
	}

	var doc struct {
		Type         string      `json:"type"`
		Items        *[]PullItem `json:"items"`
		OrderedItems *[]PullItem `json:"orderedItems"`
		Cursors      PullSince   `json:"cursors"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, apperr.Protocol("invalid_json", "pull response is not valid JSON", err)
	}
	out := &PullResponse{Type: doc.Type, Cursors: doc.Cursors}
	switch {
	case doc.Items != nil:
		out.Items = *doc.Items
	case doc.OrderedItems != nil:
		out.Items = *doc.OrderedItems
	case doc.Type == "OrderedCollection":
		out.Items = nil
	default:
		return nil, apperr.Protocol("invalid_shape", "expected an OrderedCollection or items array", nil)
	}
	out.TotalItems = len(out.Items)
	return out, nil
}

func hashStrings(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

// SetKey 游标键：集合 hash 加过滤器 hash，集合变化时得到新的游标
func SetKey(ids []string, filtersHash string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return hashStrings(hashStrings(sorted...), filtersHash)[:32]
}

// FiltersHash 内容过滤器的稳定摘要
func FiltersHash(f model.ContentFilters) string {
	types := append([]string(nil), f.RejectTypes...)
	objects := append([]string(nil), f.RejectObjectTypes...)
	sort.Strings(types)
	sort.Strings(objects)
	return hashStrings(strings.Join(types, ","), strings.Join(objects, ","))[:16]
}

// cursorAfter next 是否严格新于 prev
func cursorAfter(next, prev string) bool { return model.CursorNewer(next, prev) }

func formatCursor(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// formatPosition 服务端游标带上 id，同一时间的多条内容可以跨页续读
func formatPosition(t time.Time, id string) string { return formatCursor(t) + model.CursorSep + id }

// ETagFor 由返回的游标计算，游标不变即内容不变
func ETagFor(c PullSince) string {
	return `"` + hashStrings(c.Public, c.Actors, c.Audience)[:32] + `"`
}
