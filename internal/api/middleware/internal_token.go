package middleware

import (
	"crypto/subtle"
	"net/http"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"

	"accessgate/internal/api/response"
)

// InternalTokenAuth guards operator-only routes such as metrics. Loopback
// clients pass without a token; everything else must present the configured
// token via X-Internal-Token or a bearer Authorization header.
func InternalTokenAuth(token string) gin.HandlerFunc {
	want := []byte(strings.TrimSpace(token))

	return func(c *gin.Context) {
		if addr, err := netip.ParseAddr(strings.TrimSpace(c.ClientIP())); err == nil && addr.IsLoopback() {
			c.Next()
			return
		}

		got := internalToken(c)
		if len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			response.Fail(c, http.StatusUnauthorized, response.ErrUnauthorized, "unauthorized")
			c.Abort()
			return
		}
		c.Next()
	}
}

func internalToken(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader("X-Internal-Token")); v != "" {
		return v
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
