// Package audience maps an outbound activity to the remote inboxes that must receive it.
package audience

import (
	"context"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/d60-Lab/fedsync/internal/fedid"
	"github.com/d60-Lab/fedsync/pkg/logger"
)

// Object 收件人对象中解析所需的字段
type Object struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Inbox string `json:"inbox"`
}

// ObjectLookup 按 id 获取对象；找不到返回 (nil, nil)
type ObjectLookup interface {
	GetObjectByID(ctx context.Context, id string) (*Object, error)
}

// Recipient 一个远端收件人
type Recipient struct {
	Target   string `json:"target"`
	InboxURL string `json:"inboxUrl"`
	Host     string `json:"host"`
}

type Resolver struct {
	lookup      ObjectLookup
	localDomain string
	public      map[string]bool
}

func NewResolver(lookup ObjectLookup, localDomain, publicSentinel string) *Resolver {
	public := map[string]bool{"Public": true, "as:Public": true}
	if publicSentinel != "" {
		public[publicSentinel] = true
	}
	return &Resolver{lookup: lookup, localDomain: fedid.NormalizeDomain(localDomain), public: public}
}

// Resolve 无副作用；无法解析的收件人直接跳过
func (r *Resolver) Resolve(ctx context.Context, activity map[string]interface{}) []Recipient {
	seen := map[string]bool{}
	var out []Recipient
	for _, id := range r.candidates(activity) {
		if r.public[id] {
			continue
		}
		host := fedid.HostOf(id)
		if host == "" || host == r.localDomain {
			continue
		}
		inbox := r.inboxFor(ctx, id)
		if inbox == "" || seen[inbox] {
			continue
		}
		seen[inbox] = true
		out = append(out, Recipient{Target: id, InboxURL: inbox, Host: fedid.HostOf(inbox)})
	}
	return out
}

func (r *Resolver) inboxFor(ctx context.Context, id string) string {
	if r.lookup != nil {
		obj, err := r.lookup.GetObjectByID(ctx, id)
		if err != nil {
			logger.Debug("audience lookup failed", zap.String("target", id), zap.Error(err))
		} else if obj != nil && fedid.IsHTTPS(obj.Inbox) {
			return obj.Inbox
		}
	}
	if fedid.IsHTTPS(id) {
		return deriveInbox(id)
	}
	return ""
}

// deriveInbox {origin}/users/{lastPathSegment}/inbox
func deriveInbox(id string) string {
	u, err := url.Parse(id)
	if err != nil {
		return ""
	}
	last := path.Base(strings.TrimSuffix(u.Path, "/"))
	if last == "" || last == "/" || last == "." {
		return ""
	}
	return u.Scheme + "://" + u.Host + "/users/" + url.PathEscape(last) + "/inbox"
}

var (
	activityFields = []string{"to", "target"}
	objectFields   = []string{"to", "target", "inReplyTo", "targetActorId"}
)

// candidates 按出现顺序收集所有携带收件人的字段
func (r *Resolver) candidates(activity map[string]interface{}) []string {
	var ids []string
	for _, f := range activityFields {
		ids = appendIDs(ids, activity[f])
	}
	if obj, ok := activity["object"].(map[string]interface{}); ok {
		for _, f := range objectFields {
			ids = appendIDs(ids, obj[f])
		}
	}
	return ids
}

func appendIDs(ids []string, v interface{}) []string {
	switch t := v.(type) {
	case string:
		if t != "" {
			ids = append(ids, t)
		}
	case []interface{}:
		for _, e := range t {
			ids = appendIDs(ids, e)
		}
	case []string:
		for _, e := range t {
			ids = appendIDs(ids, e)
		}
	case map[string]interface{}:
		if id, ok := t["id"].(string); ok && id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
