package httpsig

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/benbjohnson/clock"
)

// Signer 使用本实例 actor 私钥签名请求
type Signer struct {
	KeyID string
	key   *rsa.PrivateKey
	clock clock.Clock
}

func NewSigner(keyID string, key *rsa.PrivateKey, clk clock.Clock) *Signer {
	if clk == nil {
		clk = clock.New()
	}
	return &Signer{KeyID: keyID, key: key, clock: clk}
}

// PublicKey 本地公钥（用于本地 keyId 短路解析）
func (s *Signer) PublicKey() *rsa.PublicKey { return &s.key.PublicKey }

// PrivateKey 供 JWT 签发使用
func (s *Signer) PrivateKey() *rsa.PrivateKey { return s.key }

// SignHeaders 计算 Digest 与 Signature，返回需要附加到请求上的头部。
// headers 中已有的 Date/Host 会被沿用。
func (s *Signer) SignHeaders(method, rawURL string, headers http.Header, body []byte) (http.Header, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	out := headers.Clone()
	if out == nil {
		out = http.Header{}
	}
	if out.Get("Host") == "" {
		out.Set("Host", u.Host)
	}
	if out.Get("Date") == "" {
		out.Set("Date", s.clock.Now().UTC().Format(http.TimeFormat))
	}

	names := DefaultHeaders
	if body != nil {
		out.Set("Digest", Digest(body))
	} else {
		names = names[:3]
	}

	signing, err := SigningString(method, u.RequestURI(), u.Host, out, names)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(signing))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, sum[:])
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	out.Set("Signature", formatSignature(s.KeyID, names, sig))
	return out, nil
}

// Sign 对已构造好的请求签名；Host 头部由 req.Host 承载
func (s *Signer) Sign(req *http.Request, body []byte) error {
	signed, err := s.SignHeaders(req.Method, req.URL.String(), req.Header, body)
	if err != nil {
		return err
	}
	req.Host = signed.Get("Host")
	signed.Del("Host")
	req.Header = signed
	return nil
}

// LoadPrivateKey 读取 PEM 编码的 RSA 私钥（PKCS#1 或 PKCS#8）
func LoadPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	return ParsePrivateKey(raw)
}

func ParsePrivateKey(raw []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("private key is not PEM encoded")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rk, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rk, nil
}

// EncodePublicKey PKIX PEM，用于 actor 文档中的 publicKeyPem
func EncodePublicKey(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
