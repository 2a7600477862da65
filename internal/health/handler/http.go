package handler

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const pingTimeout = 2 * time.Second

// Pinger checks a dependency for readiness (e.g. the session store).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server answers GET /healthz for load balancers and orchestrators.
type Server struct {
	store       Pinger
	deviceLogin bool
}

// NewServer returns a health server. If store is nil, the store check is skipped.
// deviceLogin is reported so operators can see whether GitHub login is configured.
func NewServer(store Pinger, deviceLogin bool) *Server {
	return &Server{store: store, deviceLogin: deviceLogin}
}

// HealthCheck returns 200 when the session store is usable and 503 otherwise.
func (s *Server) HealthCheck(c *gin.Context) {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), pingTimeout)
		defer cancel()
		if err := s.store.Ping(ctx); err != nil {
			log.Printf("health: session store ping failed: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_serving", "deviceLogin": s.deviceLogin})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "serving", "deviceLogin": s.deviceLogin})
}
