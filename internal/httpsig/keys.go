package httpsig

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

// KeyResolver 将 keyId 解引用为签名者公钥
type KeyResolver interface {
	PublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error)
}

// HTTPKeyResolver 通过 HTTP 获取 keyId 指向的 JSON 文档（actor PEM 或 JWKS），结果带 TTL 缓存
type HTTPKeyResolver struct {
	client *http.Client
	cache  *expirable.LRU[string, *rsa.PublicKey]
	group  singleflight.Group
	local  map[string]*rsa.PublicKey
}

const maxKeyDocumentBytes = 1 << 20

func NewHTTPKeyResolver(client *http.Client, size int, ttl time.Duration) *HTTPKeyResolver {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if size <= 0 {
		size = 1024
	}
	return &HTTPKeyResolver{
		client: client,
		cache:  expirable.NewLRU[string, *rsa.PublicKey](size, nil, ttl),
		local:  map[string]*rsa.PublicKey{},
	}
}

// AddLocal 注册本实例公钥，避免回环请求
func (r *HTTPKeyResolver) AddLocal(keyID string, pub *rsa.PublicKey) {
	r.local[keyID] = pub
}

// Forget 对端轮换密钥后清除缓存
func (r *HTTPKeyResolver) Forget(keyID string) { r.cache.Remove(keyID) }

func (r *HTTPKeyResolver) PublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	if pub, ok := r.local[keyID]; ok {
		return pub, nil
	}
	if pub, ok := r.cache.Get(keyID); ok {
		return pub, nil
	}
	v, err, _ := r.group.Do(keyID, func() (interface{}, error) {
		pub, err := r.fetch(ctx, keyID)
		if err != nil {
			return nil, err
		}
		r.cache.Add(keyID, pub)
		return pub, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*rsa.PublicKey), nil
}

func (r *HTTPKeyResolver) fetch(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	docURL := keyID
	if i := strings.IndexByte(docURL, '#'); i >= 0 {
		docURL = docURL[:i]
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, docURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/activity+json, application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch key %s: %w", keyID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch key %s: status %d", keyID, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyDocumentBytes))
	if err != nil {
		return nil, err
	}
	return ExtractPublicKey(raw, keyID)
}

type keyDocument struct {
	PublicKeyPem string          `json:"publicKeyPem"`
	PublicKey    json.RawMessage `json:"publicKey"`
	Keys         []jwk           `json:"keys"`
}

type publicKeyObject struct {
	ID           string `json:"id"`
	PublicKeyPem string `json:"publicKeyPem"`
}

type jwk struct {
	Kid string `json:"kid"`
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// ExtractPublicKey 从 actor 文档（publicKey.publicKeyPem）、key 文档或 JWKS 中提取 RSA 公钥
func ExtractPublicKey(raw []byte, keyID string) (*rsa.PublicKey, error) {
	var doc keyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("key document is not JSON: %w", err)
	}
	if doc.PublicKeyPem != "" {
		return ParsePublicKeyPEM(doc.PublicKeyPem)
	}
	if len(doc.PublicKey) > 0 {
		var objs []publicKeyObject
		var one publicKeyObject
		if err := json.Unmarshal(doc.PublicKey, &one); err == nil {
			objs = append(objs, one)
		} else if err := json.Unmarshal(doc.PublicKey, &objs); err != nil {
			return nil, fmt.Errorf("unrecognised publicKey field: %w", err)
		}
		for _, o := range objs {
			if o.PublicKeyPem != "" && (o.ID == "" || o.ID == keyID || len(objs) == 1) {
				return ParsePublicKeyPEM(o.PublicKeyPem)
			}
		}
	}
	if len(doc.Keys) > 0 {
		fragment := keyID
		if i := strings.IndexByte(keyID, '#'); i >= 0 {
			fragment = keyID[i+1:]
		}
		for _, k := range doc.Keys {
			if k.Kty != "RSA" {
				continue
			}
			if k.Kid == "" || k.Kid == keyID || k.Kid == fragment || len(doc.Keys) == 1 {
				return k.rsa()
			}
		}
	}
	return nil, errors.New("no RSA public key found in key document")
}

func (k jwk) rsa() (*rsa.PublicKey, error) {
	n, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("jwk modulus: %w", err)
	}
	e, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("jwk exponent: %w", err)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(n), E: int(new(big.Int).SetBytes(e).Int64())}, nil
}

// ParsePublicKeyPEM 支持 PKIX 与 PKCS#1
func ParsePublicKeyPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("public key is not PEM encoded")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rk, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return rk, nil
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
}

// StaticKeys 固定 keyId -> 公钥映射
type StaticKeys map[string]*rsa.PublicKey

func (s StaticKeys) PublicKey(_ context.Context, keyID string) (*rsa.PublicKey, error) {
	if pub, ok := s[keyID]; ok {
		return pub, nil
	}
	return nil, fmt.Errorf("unknown key %s", keyID)
}
