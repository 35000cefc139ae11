package httpsig

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/d60-Lab/fedsync/internal/fedid"
)

// PullClaims 拉取请求携带的 bearer token 声明
type PullClaims struct {
	jwt.RegisteredClaims
	KeyID string `json:"kid,omitempty"`
}

// IssuePullToken 用本实例私钥签发 RS256 JWT，audience 为对端域名
func (s *Signer) IssuePullToken(issuer, audience string, ttl time.Duration) (string, error) {
	now := s.clock.Now()
	claims := PullClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		KeyID: s.KeyID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.KeyID
	return tok.SignedString(s.key)
}

// ParsePullToken 校验 token 签名、audience 与有效期，并要求 kid 与 iss 同域
func (v *Verifier) ParsePullToken(ctx context.Context, raw, audience string) (*PullClaims, error) {
	claims := &PullClaims{}
	var kid string
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ = t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token missing kid")
		}
		return v.keys.PublicKey(ctx, kid)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(v.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid pull token: %w", err)
	}
	claims.KeyID = kid
	if fedid.HostOf(kid) != fedid.NormalizeDomain(claims.Issuer) {
		return nil, errors.New("pull token issuer does not match key domain")
	}
	return claims, nil
}
