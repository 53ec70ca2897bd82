package session

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyCaller is the gin context key holding the request's Caller.
const ContextKeyCaller = "sessionCaller"

// Middleware resolves the session from the cookie or an
// "Authorization: Bearer" header. Requests without a valid session continue
// anonymously; use RequireSession to reject them.
func Middleware(codec *Codec) gin.HandlerFunc {
	return func(c *gin.Context) {
		if caller, err := codec.Parse(tokenFrom(c)); err == nil {
			c.Set(ContextKeyCaller, caller)
		}
		c.Next()
	}
}

// RequireSession rejects anonymous requests with 401.
func RequireSession() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetCaller(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "A valid session is required.",
			})
			return
		}
		c.Next()
	}
}

// RequireRole rejects callers without role with 403 (401 when anonymous).
func RequireRole(role Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := GetCaller(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "A valid session is required.",
			})
			return
		}
		if caller.Role != role {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "This operation requires the " + string(role) + " role.",
			})
			return
		}
		c.Next()
	}
}

// GetCaller returns the authenticated caller, if any.
func GetCaller(c *gin.Context) (Caller, bool) {
	v, ok := c.Get(ContextKeyCaller)
	if !ok {
		return Caller{}, false
	}
	caller, ok := v.(Caller)
	return caller, ok
}

func tokenFrom(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if cookie, err := c.Cookie(CookieName); err == nil {
		return cookie
	}
	return ""
}
