package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/d60-Lab/fedsync/pkg/response"
)

// PeerRateLimit 按请求方域名限流；需放在 SignatureAuth 之后
func PeerRateLimit(perMinute, burst int) gin.HandlerFunc {
	if perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst <= 0 {
		burst = 1
	}
	limiters := expirable.NewLRU[string, *rate.Limiter](4096, nil, 30*time.Minute)
	every := rate.Every(time.Minute / time.Duration(perMinute))

	return func(c *gin.Context) {
		domain := PeerDomain(c)
		l, ok := limiters.Get(domain)
		if !ok {
			l = rate.NewLimiter(every, burst)
			limiters.Add(domain, l)
		}
		if !l.Allow() {
			c.Header("Retry-After", "60")
			response.TooManyRequests(c, "pull rate limit exceeded")
			return
		}
		c.Next()
	}
}
