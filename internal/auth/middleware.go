package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"attendguard/internal/apperr"
)

const claimsKey = "claims"

// RequireUser enforces bearer JWT tokens signed with HS256.
func RequireUser(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			abort(c, http.StatusUnauthorized, apperr.CodeUnauthorized, "missing bearer token")
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			abort(c, http.StatusUnauthorized, apperr.CodeUnauthorized, "invalid token")
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole must run after RequireUser.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			abort(c, http.StatusUnauthorized, apperr.CodeUnauthorized, "missing bearer token")
			return
		}
		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}
		abort(c, http.StatusForbidden, apperr.CodeForbidden, "insufficient role")
	}
}

// ClaimsFrom returns the claims set by RequireUser.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

func abort(c *gin.Context, status int, code apperr.Code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg, "code": code})
}
