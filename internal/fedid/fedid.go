// Package fedid normalizes peer domains and extracts hosts from federated identifiers.
package fedid

import (
	"net"
	"net/url"
	"strings"
)

// NormalizeDomain 统一为小写、无 scheme、无端口的域名
//
//	"HTTPS://Foo.Example:443" -> "foo.example"
//	"@foo.example"            -> "foo.example"
//	"alice@foo.example"       -> "foo.example"
func NormalizeDomain(s string) string {
	d := strings.ToLower(strings.TrimSpace(s))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndex(d, "@"); i >= 0 {
		d = d[i+1:]
	}
	if host, _, err := net.SplitHostPort(d); err == nil {
		d = host
	}
	d = strings.TrimPrefix(strings.TrimSuffix(d, "]"), "[")
	return strings.TrimSuffix(d, ".")
}

// HostOf 返回 id 所属的域名；URL 取 hostname，"x:name@host" 取 @ 之后部分
func HostOf(id string) string {
	if id == "" {
		return ""
	}
	if u, err := url.Parse(id); err == nil && u.Host != "" {
		return NormalizeDomain(u.Hostname())
	}
	if i := strings.LastIndex(id, "@"); i >= 0 {
		return NormalizeDomain(id[i+1:])
	}
	return ""
}

// IsHTTPS 是否为带 host 的 https 绝对地址
func IsHTTPS(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme == "https" && u.Host != ""
}
