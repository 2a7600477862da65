package middleware

import (
	"context"

	"github.com/gin-gonic/gin"
)

type contextKey struct{ name string }

var sessionIDKey = contextKey{"session_id"}

// ginSessionIDKey is the gin.Context key holding the authenticated session id.
const ginSessionIDKey = "session_id"

// WithSessionID returns a context carrying the authenticated session id.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// SessionIDFromContext returns the session id from ctx and true if set; otherwise "", false.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(sessionIDKey).(string)
	return v, ok
}

// GetSessionID returns the session id set by SessionAuth, or "", false on public routes.
func GetSessionID(c *gin.Context) (string, bool) {
	v, ok := c.Get(ginSessionIDKey)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// SetSessionID records the authenticated session id on c and its request context.
func SetSessionID(c *gin.Context, sessionID string) {
	c.Set(ginSessionIDKey, sessionID)
	c.Request = c.Request.WithContext(WithSessionID(c.Request.Context(), sessionID))
}
