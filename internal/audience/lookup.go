package audience

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/d60-Lab/fedsync/internal/fedid"
)

const maxObjectBytes = 1 << 20

// HTTPLookup 远端对象解引用：https id 直接获取，"name@host" 形式先走 WebFinger
type HTTPLookup struct {
	client *http.Client
}

func NewHTTPLookup(client *http.Client) *HTTPLookup {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPLookup{client: client}
}

func (l *HTTPLookup) GetObjectByID(ctx context.Context, id string) (*Object, error) {
	if fedid.IsHTTPS(id) {
		var obj Object
		found, err := l.getJSON(ctx, id, "application/activity+json, application/ld+json", &obj)
		if err != nil || !found {
			return nil, err
		}
		return &obj, nil
	}

	at := strings.LastIndex(id, "@")
	if at <= 0 {
		return nil, nil
	}
	name := id[:at]
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = name[i+1:]
	}
	host := fedid.NormalizeDomain(id[at+1:])
	self, err := l.webfinger(ctx, name, host)
	if err != nil || self == "" {
		return nil, err
	}
	var obj Object
	found, err := l.getJSON(ctx, self, "application/activity+json", &obj)
	if err != nil || !found {
		return nil, err
	}
	return &obj, nil
}

type webfingerDoc struct {
	Links []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

func (l *HTTPLookup) webfinger(ctx context.Context, name, host string) (string, error) {
	u := "https://" + host + "/.well-known/webfinger?resource=" + url.QueryEscape("acct:"+name+"@"+host)
	var doc webfingerDoc
	found, err := l.getJSON(ctx, u, "application/jrd+json, application/json", &doc)
	if err != nil || !found {
		return "", err
	}
	for _, link := range doc.Links {
		if link.Rel == "self" && fedid.IsHTTPS(link.Href) {
			return link.Href, nil
		}
	}
	return "", nil
}

func (l *HTTPLookup) getJSON(ctx context.Context, rawURL, accept string, dst interface{}) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", accept)
	resp, err := l.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, nil
	case resp.StatusCode != http.StatusOK:
		return false, fmt.Errorf("get %s: status %d", rawURL, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxObjectBytes)).Decode(dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", rawURL, err)
	}
	return true, nil
}
