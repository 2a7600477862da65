// Package handler exposes the device login flow over HTTP.
package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"remote-access-trust/backend/internal/identity/domain"
	"remote-access-trust/backend/internal/identity/service"
	"remote-access-trust/backend/internal/server/middleware"
	"remote-access-trust/backend/internal/server/response"
	sessiondomain "remote-access-trust/backend/internal/session/domain"
	sessionservice "remote-access-trust/backend/internal/session/service"
)

// maxWaitTimeout caps a single long-poll so proxies do not cut the request first.
const maxWaitTimeout = 2 * time.Minute

// Authority is the device-flow surface used by the login endpoints.
type Authority interface {
	StartGithubDeviceFlow(ctx context.Context) (*domain.FlowStart, error)
	WaitForGithubDeviceFlow(ctx context.Context, flowID string, opts service.WaitOptions) (*sessionservice.Created, error)
	CancelGithubDeviceFlow(flowID string) error
	ValidateSessionToken(ctx context.Context, token string, meta sessiondomain.ClientMeta) (string, bool)
	RevokeSession(ctx context.Context, id string) error
}

// CookieConfig controls the session cookie.
type CookieConfig struct {
	Secure bool
	MaxAge time.Duration
}

// Handler serves /auth/device/* and /auth/logout.
type Handler struct {
	auth   Authority
	cookie CookieConfig
}

func NewHandler(auth Authority, cookie CookieConfig) *Handler {
	return &Handler{auth: auth, cookie: cookie}
}

// Start begins a device login and returns the code the user enters on GitHub.
func (h *Handler) Start(c *gin.Context) {
	start, err := h.auth.StartGithubDeviceFlow(c.Request.Context())
	if err != nil {
		status, msg := startErrorStatus(err)
		if status >= http.StatusInternalServerError {
			log.Printf("identity: start device flow: %v", err)
		}
		response.Fail(c, status, msg)
		return
	}
	response.OK(c, http.StatusOK, start)
}

func startErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrDeviceLoginNotConfigured):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, service.ErrTooManyDeviceFlows):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, service.ErrShuttingDown):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, service.ErrProviderError):
		return http.StatusBadGateway, "could not reach GitHub to start the login"
	default:
		return http.StatusInternalServerError, "failed to start device login"
	}
}

type waitRequest struct {
	FlowID    string `json:"flowId" binding:"required"`
	TimeoutMs int64  `json:"timeoutMs"`
}

// Wait long-polls a device login. On success the session cookie is set. A wait that times out
// before the flow finishes answers 202 so the browser can poll again.
func (h *Handler) Wait(c *gin.Context) {
	var req waitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "flowId is required")
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 || timeout > maxWaitTimeout {
		timeout = maxWaitTimeout
	}
	meta := middleware.ClientMeta(c)
	created, err := h.auth.WaitForGithubDeviceFlow(c.Request.Context(), req.FlowID, service.WaitOptions{
		Timeout:   timeout,
		UserAgent: meta.UserAgent,
		IPAddress: meta.IPAddress,
	})
	if err != nil {
		if errors.Is(err, service.ErrWaitTimeout) {
			c.JSON(http.StatusAccepted, gin.H{"success": false, "pending": true, "error": "waiting for approval on GitHub"})
			return
		}
		if errors.Is(err, context.Canceled) {
			// Client went away; nothing to write.
			c.Abort()
			return
		}
		status, msg := waitErrorStatus(err)
		if status >= http.StatusInternalServerError {
			log.Printf("identity: wait device flow %s: %v", req.FlowID, err)
		}
		response.Fail(c, status, msg)
		return
	}
	h.setSessionCookie(c, created.Token)
	response.OK(c, http.StatusOK, gin.H{"sessionId": created.SessionID})
}

func waitErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrFlowNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, service.ErrOwnerMismatch), errors.Is(err, service.ErrAccessDenied):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, service.ErrFlowExpired):
		return http.StatusGone, err.Error()
	case errors.Is(err, service.ErrFlowCancelled):
		return http.StatusConflict, err.Error()
	case errors.Is(err, service.ErrShuttingDown):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, service.ErrProviderError):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, "device login failed"
	}
}

type cancelRequest struct {
	FlowID string `json:"flowId" binding:"required"`
}

// Cancel abandons a device login for every waiter.
func (h *Handler) Cancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "flowId is required")
		return
	}
	if err := h.auth.CancelGithubDeviceFlow(req.FlowID); err != nil {
		if errors.Is(err, service.ErrFlowNotFound) {
			response.Fail(c, http.StatusNotFound, err.Error())
			return
		}
		response.Fail(c, http.StatusInternalServerError, "failed to cancel device login")
		return
	}
	response.OK(c, http.StatusOK, gin.H{"cancelled": true})
}

// Logout revokes the caller's session, if any, and clears the cookie. A missing or stale token still succeeds.
func (h *Handler) Logout(c *gin.Context) {
	ctx := c.Request.Context()
	if token := middleware.SessionToken(c); token != "" {
		if sessionID, ok := h.auth.ValidateSessionToken(ctx, token, middleware.ClientMeta(c)); ok {
			if err := h.auth.RevokeSession(ctx, sessionID); err != nil && !errors.Is(err, sessionservice.ErrSessionNotFound) {
				log.Printf("identity: logout revoke session %s: %v", sessionID, err)
				response.Fail(c, http.StatusInternalServerError, "failed to sign out")
				return
			}
		}
	}
	h.clearSessionCookie(c)
	response.OK(c, http.StatusOK, gin.H{"loggedOut": true})
}

func (h *Handler) setSessionCookie(c *gin.Context, token string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookieName, token, int(h.cookie.MaxAge/time.Second), "/", "", h.cookie.Secure, true)
}

func (h *Handler) clearSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(middleware.SessionCookieName, "", -1, "/", "", h.cookie.Secure, true)
}
