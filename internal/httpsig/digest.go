package httpsig

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"
)

const digestPrefix = "SHA-256="

// Digest 计算 body 的 Digest 头部值
func Digest(body []byte) string {
	sum := sha256.Sum256(body)
	return digestPrefix + base64.StdEncoding.EncodeToString(sum[:])
}

// digestMatches 支持逗号分隔的多算法 Digest，只校验 SHA-256
func digestMatches(header string, body []byte) (bool, bool) {
	want := Digest(body)
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		if len(part) < len(digestPrefix) || !strings.EqualFold(part[:len(digestPrefix)], digestPrefix) {
			continue
		}
		got := digestPrefix + part[len(digestPrefix):]
		return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1, true
	}
	return false, false
}
