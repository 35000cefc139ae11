package httpsig

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

const (
	AlgorithmRSASHA256 = "rsa-sha256"
	algorithmHS2019    = "hs2019"

	requestTarget = "(request-target)"
)

// DefaultHeaders POST 签名覆盖的头部，顺序即签名顺序
var DefaultHeaders = []string{requestTarget, "host", "date", "digest"}

// Params Signature 头部解析结果
type Params struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature []byte
	Raw       string
}

// ParseSignature 解析 keyId="...",algorithm="...",headers="...",signature="..."
func ParseSignature(value string) (*Params, error) {
	if strings.TrimSpace(value) == "" {
		return nil, fmt.Errorf("empty signature header")
	}
	p := &Params{}
	for _, field := range splitParams(value) {
		eq := strings.IndexByte(field, '=')
		if eq <= 0 {
			return nil, fmt.Errorf("malformed signature parameter %q", field)
		}
		key := strings.TrimSpace(field[:eq])
		val := strings.Trim(strings.TrimSpace(field[eq+1:]), `"`)
		switch key {
		case "keyId":
			p.KeyID = val
		case "algorithm":
			p.Algorithm = strings.ToLower(val)
		case "headers":
			p.Headers = strings.Fields(strings.ToLower(val))
		case "signature":
			p.Raw = val
			sig, err := base64.StdEncoding.DecodeString(val)
			if err != nil {
				return nil, fmt.Errorf("signature is not base64: %w", err)
			}
			p.Signature = sig
		}
	}
	if p.KeyID == "" {
		return nil, fmt.Errorf("signature missing keyId")
	}
	if len(p.Signature) == 0 {
		return nil, fmt.Errorf("signature missing signature value")
	}
	if len(p.Headers) == 0 {
		p.Headers = []string{"date"}
	}
	switch p.Algorithm {
	case "", AlgorithmRSASHA256, algorithmHS2019:
	default:
		return nil, fmt.Errorf("unsupported algorithm %q", p.Algorithm)
	}
	return p, nil
}

// splitParams 按逗号切分，忽略引号内的逗号
func splitParams(s string) []string {
	var out []string
	var b strings.Builder
	quoted := false
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			b.WriteRune(r)
		case r == ',' && !quoted:
			out = append(out, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() > 0 {
		out = append(out, b.String())
	}
	return out
}

func formatSignature(keyID string, headers []string, sig []byte) string {
	return fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		keyID, AlgorithmRSASHA256, strings.Join(headers, " "), base64.StdEncoding.EncodeToString(sig))
}

// SigningString 以换行拼接 "(request-target): <method> <path>" 与各头部 "name: value"
func SigningString(method, target, host string, header http.Header, names []string) (string, error) {
	lines := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(name)
		switch name {
		case requestTarget:
			lines = append(lines, fmt.Sprintf("%s: %s %s", requestTarget, strings.ToLower(method), target))
		case "host":
			h := header.Get("Host")
			if h == "" {
				h = host
			}
			if h == "" {
				return "", fmt.Errorf("signed header %q missing", name)
			}
			lines = append(lines, "host: "+h)
		default:
			values := header.Values(name)
			if len(values) == 0 {
				return "", fmt.Errorf("signed header %q missing", name)
			}
			lines = append(lines, name+": "+strings.Join(values, ", "))
		}
	}
	return strings.Join(lines, "\n"), nil
}
