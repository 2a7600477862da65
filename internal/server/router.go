// Package server assembles the HTTP API.
package server

import (
	"log"
	"time"

	"github.com/gin-gonic/gin"

	approvalhandler "remote-access-trust/backend/internal/approval/handler"
	healthhandler "remote-access-trust/backend/internal/health/handler"
	identityhandler "remote-access-trust/backend/internal/identity/handler"
	"remote-access-trust/backend/internal/server/middleware"
	sessionhandler "remote-access-trust/backend/internal/session/handler"
	"remote-access-trust/backend/internal/telemetry"
)

// Authority is everything the routes need from the device-flow session authority.
type Authority interface {
	identityhandler.Authority
	sessionhandler.Sessions
	Enabled() bool
}

// Deps holds the services behind the HTTP API.
type Deps struct {
	// Authority runs device login and session management. Required.
	Authority Authority
	// Broker delivers approval prompts to connected responders. Required.
	Broker approvalhandler.Broker
	// HostTruster backs POST /api/ssh/trust. If nil, that route answers 404.
	HostTruster approvalhandler.HostTruster
	// StorePinger is used by /healthz for readiness. If nil, the store check is skipped.
	StorePinger healthhandler.Pinger
	// Emitter receives http.request events. If nil, requests are not reported.
	Emitter telemetry.EventEmitter
	// CookieSecure sets the Secure attribute on the session cookie.
	CookieSecure bool
	// SessionMaxAge is the session cookie Max-Age.
	SessionMaxAge time.Duration
	// LoginRatePerMinute limits /auth/device/* per client IP. Zero disables it.
	LoginRatePerMinute int
	// TrustedProxies are the proxy CIDRs whose X-Forwarded-For is honored. Empty trusts none.
	TrustedProxies []string
}

// NewRouter returns the gin engine serving the API.
func NewRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if err := r.SetTrustedProxies(d.TrustedProxies); err != nil {
		log.Printf("server: invalid trusted proxies %v, trusting none: %v", d.TrustedProxies, err)
		_ = r.SetTrustedProxies(nil)
	}
	r.Use(middleware.RequestTelemetry(d.Emitter, map[string]bool{
		"/healthz":              true,
		"/api/approvals/stream": true,
	}))

	health := healthhandler.NewServer(d.StorePinger, d.Authority.Enabled())
	r.GET("/healthz", health.HealthCheck)

	identity := identityhandler.NewHandler(d.Authority, identityhandler.CookieConfig{
		Secure: d.CookieSecure,
		MaxAge: d.SessionMaxAge,
	})
	limiter := middleware.NewIPRateLimiter(d.LoginRatePerMinute)
	auth := r.Group("/auth")
	{
		device := auth.Group("/device", limiter.Middleware())
		device.POST("/start", identity.Start)
		device.POST("/wait", identity.Wait)
		device.POST("/cancel", identity.Cancel)
		auth.POST("/logout", identity.Logout)
	}

	sessions := sessionhandler.NewHandler(d.Authority)
	approvals := approvalhandler.NewHandler(d.Broker, d.HostTruster)
	api := r.Group("/api")
	api.Use(middleware.SessionAuth(d.Authority))
	{
		api.GET("/sessions", sessions.List)
		api.DELETE("/sessions/:id", sessions.Revoke)
		api.POST("/sessions/revoke-others", sessions.RevokeOthers)

		api.GET("/approvals/stream", approvals.Stream)
		api.POST("/approvals/:id/respond", approvals.Respond)
		api.POST("/ssh/trust", approvals.TrustHost)
	}

	return r
}
