package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"remote-access-trust/backend/internal/server/response"
	sessiondomain "remote-access-trust/backend/internal/session/domain"
)

// SessionCookieName carries the raw session token to the browser.
const SessionCookieName = "trust_session"

const bearerPrefix = "bearer "

// SessionValidator resolves a raw session token to its session id.
type SessionValidator interface {
	ValidateSessionToken(ctx context.Context, token string, meta sessiondomain.ClientMeta) (string, bool)
}

// SessionAuth rejects requests without a valid session token (cookie or Bearer header) and
// stores the session id for handlers (GetSessionID) and the request context (SessionIDFromContext).
func SessionAuth(validator SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := SessionToken(c)
		if token == "" {
			response.Abort(c, http.StatusUnauthorized, "not signed in")
			return
		}
		sessionID, ok := validator.ValidateSessionToken(c.Request.Context(), token, ClientMeta(c))
		if !ok {
			response.Abort(c, http.StatusUnauthorized, "session expired or revoked")
			return
		}
		SetSessionID(c, sessionID)
		c.Next()
	}
}

// SessionToken returns the token from the Authorization header if present, else from the
// session cookie, or "".
func SessionToken(c *gin.Context) string {
	if token := extractBearer(c.GetHeader("Authorization")); token != "" {
		return token
	}
	cookie, err := c.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie)
}

// ClientMeta describes the caller for session bookkeeping.
func ClientMeta(c *gin.Context) sessiondomain.ClientMeta {
	return sessiondomain.ClientMeta{
		UserAgent: c.Request.UserAgent(),
		IPAddress: c.ClientIP(),
	}
}

// extractBearer returns the Bearer token from an Authorization value, or "" if missing or malformed.
func extractBearer(header string) string {
	v := strings.TrimSpace(header)
	if len(v) < len(bearerPrefix) {
		return ""
	}
	if !strings.EqualFold(v[:len(bearerPrefix)], bearerPrefix) {
		return ""
	}
	return strings.TrimSpace(v[len(bearerPrefix):])
}
