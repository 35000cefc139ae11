package model

import (
	"strings"
	"time"
)

// PeerStatus 对端信任状态
type PeerStatus string

const (
	PeerUnknown PeerStatus = "unknown"
	PeerTrusted PeerStatus = "trusted"
	PeerLimited PeerStatus = "limited"
	PeerBlocked PeerStatus = "blocked"
	PeerMuted   PeerStatus = "muted"
)

func (s PeerStatus) Valid() bool {
	switch s {
	case PeerUnknown, PeerTrusted, PeerLimited, PeerBlocked, PeerMuted:
		return true
	}
	return false
}

// Pollable blocked 与 muted 的对端不参与拉取
func (s PeerStatus) Pollable() bool { return s != PeerBlocked && s != PeerMuted }

type PeerSupports struct {
	SignedPull    bool `json:"signedPull"`
	Compression   bool `json:"compression"`
	AudienceScope bool `json:"audienceScope"`
}

type PeerScheduler struct {
	NextPollAt    time.Time `gorm:"index" json:"nextPollAt"`
	BackoffMs     int64     `json:"backoffMs"`
	ErrorCount    int       `json:"errorCount"`
	LastError     string    `gorm:"type:text" json:"lastError,omitempty"`
	LastErrorCode string    `gorm:"type:varchar(64)" json:"lastErrorCode,omitempty"`
}

type PeerStats struct {
	ConsecutiveNotModified int        `json:"consecutiveNotModified"`
	LastPullAt             *time.Time `json:"lastPullAt,omitempty"`
	LastSuccessAt          *time.Time `json:"lastSuccessAt,omitempty"`
	ItemsIngested          int64      `json:"itemsIngested"`
}

// Cursor 对端流中的同步位置（不透明）
type Cursor struct {
	Cursor      string    `json:"cursor"`
	ETag        string    `json:"etag,omitempty"`
	FiltersHash string    `json:"filtersHash,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
	LastUsedAt  time.Time `json:"lastUsedAt"`
}

// PeerCursors actors/audience 按集合 hash 分别记录游标，原始 id 列表不落库
type PeerCursors struct {
	Public   *Cursor            `json:"public,omitempty"`
	Actors   map[string]*Cursor `json:"actors,omitempty"`
	Audience map[string]*Cursor `json:"audience,omitempty"`
}

// Merge 按键合并，同一键保留较新的游标；用于并发拉取写回时避免游标后退
func (c PeerCursors) Merge(fresh PeerCursors) PeerCursors {
	return PeerCursors{
		Public:   mergeCursor(c.Public, fresh.Public),
		Actors:   mergeCursorSet(c.Actors, fresh.Actors),
		Audience: mergeCursorSet(c.Audience, fresh.Audience),
	}
}

func mergeCursorSet(stored, fresh map[string]*Cursor) map[string]*Cursor {
	if len(stored) == 0 && len(fresh) == 0 {
		return nil
	}
	out := make(map[string]*Cursor, len(stored)+len(fresh))
	for k, v := range stored {
		out[k] = v
	}
	for k, v := range fresh {
		out[k] = mergeCursor(out[k], v)
	}
	return out
}

func mergeCursor(stored, fresh *Cursor) *Cursor {
	switch {
	case fresh == nil:
		return stored
	case stored == nil:
		return fresh
	case stored.FiltersHash != fresh.FiltersHash:
		// 过滤器变化后旧位置作废
		return fresh
	}
	out := *fresh
	if CursorNewer(stored.Cursor, fresh.Cursor) {
		out = *stored
	}
	out.LastUsedAt = fresh.LastUsedAt
	if stored.LastUsedAt.After(out.LastUsedAt) {
		out.LastUsedAt = stored.LastUsedAt
	}
	return &out
}

// CursorSep 时间戳游标可带 "|<id>" 后缀，标明同一时间内已读到哪一条；
// 不带后缀表示该时间点已全部读完
const CursorSep = "|"

// SplitCursor 拆出时间与 id；ok 为 false 表示不是时间戳游标
func SplitCursor(c string) (at time.Time, id string, ok bool) {
	ts := c
	if i := strings.Index(c, CursorSep); i >= 0 {
		ts, id = c[:i], c[i+len(CursorSep):]
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, "", false
	}
	return t, id, true
}

// CursorNewer next 是否严格新于 prev；时间戳按 (时间, id) 比较，其他按字符串比较
func CursorNewer(next, prev string) bool {
	if prev == "" {
		return next != ""
	}
	nt, nid, ok1 := SplitCursor(next)
	pt, pid, ok2 := SplitCursor(prev)
	if !ok1 || !ok2 {
		return next > prev
	}
	if !nt.Equal(pt) {
		return nt.After(pt)
	}
	switch {
	case nid == pid:
		return false
	case nid == "":
		return true
	case pid == "":
		return false
	}
	return nid > pid
}

type ContentFilters struct {
	RejectTypes       []string `json:"rejectTypes,omitempty"`
	RejectObjectTypes []string `json:"rejectObjectTypes,omitempty"`
}

type RateLimits struct {
	PullPerMinute int `json:"pullPerMinute,omitempty"`
	PullBurst     int `json:"pullBurst,omitempty"`
	MaxPage       int `json:"maxPage,omitempty"`
}

// PeerServer 每个域名一行
type PeerServer struct {
	Domain         string         `gorm:"primaryKey;type:varchar(255)" json:"domain"`
	Status         PeerStatus     `gorm:"type:varchar(16);index" json:"status"`
	ServerActorID  string         `gorm:"type:varchar(512)" json:"serverActorId,omitempty"`
	Supports       PeerSupports   `gorm:"type:text;serializer:json" json:"supports"`
	Scheduler      PeerScheduler  `gorm:"embedded;embeddedPrefix:sched_" json:"scheduler"`
	Stats          PeerStats      `gorm:"embedded;embeddedPrefix:stat_" json:"stats"`
	Cursors        PeerCursors    `gorm:"type:text;serializer:json" json:"cursors"`
	ActorsRefCount map[string]int `gorm:"type:text;serializer:json" json:"actorsRefCount,omitempty"`
	ContentFilters ContentFilters `gorm:"type:text;serializer:json" json:"contentFilters"`
	RateLimits     RateLimits     `gorm:"type:text;serializer:json" json:"rateLimits"`
	TimeoutMs      int            `json:"timeoutMs,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

func (PeerServer) TableName() string { return "peer_servers" }

// TrackedActors 引用计数大于 0 的远端作者
func (p *PeerServer) TrackedActors() []string {
	out := make([]string, 0, len(p.ActorsRefCount))
	for id, n := range p.ActorsRefCount {
		if n > 0 {
			out = append(out, id)
		}
	}
	return out
}
