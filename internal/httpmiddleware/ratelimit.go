package httpmiddleware

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"attendguard/internal/apperr"
	"attendguard/internal/auth"
	"attendguard/internal/ratelimit"
)

// KeyFunc picks the identifier a request is counted under.
type KeyFunc func(c *gin.Context) string

// PolicyFunc resolves the policy per request, so admin edits to the
// settings apply without a restart.
type PolicyFunc func(ctx context.Context) ratelimit.Policy

// Static wraps a fixed policy.
func Static(p ratelimit.Policy) PolicyFunc {
	return func(context.Context) ratelimit.Policy { return p }
}

// ByIP counts per client address.
func ByIP(c *gin.Context) string {
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

// ByUser counts per authenticated subject, falling back to the address.
func ByUser(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok && claims.Subject != "" {
		return "user:" + claims.Subject
	}
	return ByIP(c)
}

// RateLimit gates a route with the shared limiter.
func RateLimit(l *ratelimit.Limiter, policy PolicyFunc, key KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		p := policy(c.Request.Context())
		d := l.Allow(c.Request.Context(), key(c), p)
		c.Header("X-RateLimit-Limit", strconv.Itoa(p.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.ResetInMs, 10))
		if !d.Allowed {
			c.Header("Retry-After", strconv.Itoa(int(d.ResetIn.Seconds()+0.999)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":     apperr.ErrAdmissionDenied.Message,
				"code":      apperr.CodeAdmissionDenied,
				"allowed":   false,
				"remaining": d.Remaining,
				"resetInMs": d.ResetInMs,
			})
			return
		}
		c.Next()
	}
}
