package middleware

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/d60-Lab/fedsync/internal/fedid"
	"github.com/d60-Lab/fedsync/internal/service"
	"github.com/d60-Lab/fedsync/pkg/logger"
	"github.com/d60-Lab/fedsync/pkg/response"
)

const (
	// PeerDomainKey 验签通过后请求方的域名
	PeerDomainKey = "fedsync.peer_domain"
	// RawBodyKey 验签时读取的原始请求体
	RawBodyKey = "fedsync.raw_body"

	maxSignedBody = 1 << 20
)

// PeerDomain 返回 SignatureAuth 写入的请求方域名
func PeerDomain(c *gin.Context) string { return c.GetString(PeerDomainKey) }

// SignatureAuth 校验 HTTP 签名；携带 bearer token 时额外校验 token 与签名同域；
// 屏蔽的对端返回 403
func SignatureAuth(eng *service.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSignedBody+1))
		if err != nil {
			response.BadRequest(c, "cannot read request body")
			return
		}
		if len(body) > maxSignedBody {
			response.Error(c, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		c.Set(RawBodyKey, body)

		ctx := c.Request.Context()
		res := eng.VerifyHTTPSignature(ctx, c.Request, body, eng.DefaultVerifyOptions())
		if !res.OK {
			response.Unauthorized(c, res.Err.Message)
			return
		}

		if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			claims, err := eng.Verifier.ParsePullToken(ctx, strings.TrimPrefix(auth, "Bearer "), eng.LocalDomain())
			if err != nil {
				logger.Security("pull token rejected", zap.String("domain", res.Domain), zap.Error(err))
				response.Unauthorized(c, "invalid bearer token")
				return
			}
			if iss := claims.Issuer; fedid.NormalizeDomain(iss) != res.Domain {
				logger.Security("pull token issuer mismatch",
					zap.String("domain", res.Domain),
					zap.String("issuer", iss))
				response.Unauthorized(c, "token issuer does not match signature")
				return
			}
		}

		blocked, err := eng.Peers.IsBlocked(ctx, res.Domain)
		if err != nil {
			response.InternalError(c, err)
			return
		}
		if blocked {
			logger.Security("request from blocked peer", zap.String("domain", res.Domain))
			response.Forbidden(c, "peer is blocked")
			return
		}

		c.Set(PeerDomainKey, res.Domain)
		c.Next()
	}
}
