package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"remote-access-trust/backend/internal/telemetry"
	"remote-access-trust/backend/internal/telemetry/domain"
)

// RequestTelemetry emits an http.request event after each request. Best-effort: emit failures are
// logged by telemetry.EmitAsync and never affect the response. skipPaths are route patterns
// (e.g. /healthz, or the long-lived approval stream) that are not reported.
func RequestTelemetry(emitter telemetry.EventEmitter, skipPaths map[string]bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if emitter == nil || skipPaths[c.FullPath()] {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		sessionID, _ := GetSessionID(c)
		telemetry.EmitAsync(emitter, &domain.Event{
			EventType: domain.EventHTTPRequest,
			Source:    "http_middleware",
			SessionID: sessionID,
			Metadata: map[string]string{
				"method":      c.Request.Method,
				"route":       route,
				"status_code": strconv.Itoa(c.Writer.Status()),
				"duration_ms": strconv.FormatInt(time.Since(start).Milliseconds(), 10),
				"client_ip":   c.ClientIP(),
			},
		})
	}
}
