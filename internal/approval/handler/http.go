// Package handler connects browser responders to the approval broker over Server-Sent Events.
package handler

import (
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"remote-access-trust/backend/internal/approval/domain"
	"remote-access-trust/backend/internal/approval/hostkey"
	"remote-access-trust/backend/internal/server/response"
)

const (
	// streamBuffer bounds events queued for a slow client; overflowing closes the stream so the
	// client reconnects and resynchronizes from a fresh snapshot.
	streamBuffer      = 64
	heartbeatInterval = 25 * time.Second
	defaultSSHPort    = "22"
)

// Broker is the approval broker surface used by the transport.
type Broker interface {
	RegisterResponder() (release func())
	Subscribe(onRequest func(domain.Request), onRemoved func(requestID string)) ([]domain.Request, func())
	Respond(requestID string, accept bool)
}

// HostTruster checks whether an SSH host's key is trusted, asking through the broker if needed.
type HostTruster interface {
	TrustHost(ctx context.Context, addr string) error
}

// Handler serves /api/approvals/* and /api/ssh/trust. All routes require middleware.SessionAuth.
type Handler struct {
	broker            Broker
	truster           HostTruster
	heartbeatInterval time.Duration
}

// NewHandler returns a Handler. truster may be nil, which disables /api/ssh/trust.
func NewHandler(broker Broker, truster HostTruster) *Handler {
	return &Handler{broker: broker, truster: truster, heartbeatInterval: heartbeatInterval}
}

type streamEvent struct {
	name string
	data any
}

// Stream registers the connection as an interactive responder for its lifetime and streams
// a snapshot event followed by request and removed events.
func (h *Handler) Stream(c *gin.Context) {
	release := h.broker.RegisterResponder()
	defer release()

	events := make(chan streamEvent, streamBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	push := func(ev streamEvent) {
		select {
		case events <- ev:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	}
	snapshot, unsubscribe := h.broker.Subscribe(
		func(req domain.Request) { push(streamEvent{name: "request", data: req}) },
		func(id string) { push(streamEvent{name: "removed", data: gin.H{"requestId": id}}) },
	)
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.SSEvent("snapshot", gin.H{"requests": snapshot})
	c.Writer.Flush()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()
	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case ev := <-events:
			c.SSEvent(ev.name, ev.data)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"at": time.Now().UnixMilli()})
			return true
		case <-overflow:
			log.Printf("approval: closing slow event stream from %s", c.ClientIP())
			return false
		case <-ctx.Done():
			return false
		}
	})
}

type respondRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

// Respond records the human's decision. Unknown or already resolved ids are accepted silently.
func (h *Handler) Respond(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "accept is required")
		return
	}
	h.broker.Respond(c.Param("id"), *req.Accept)
	response.OK(c, http.StatusOK, gin.H{"requestId": c.Param("id"), "accept": *req.Accept})
}

type trustRequest struct {
	Address string `json:"address" binding:"required"`
}

// TrustHost connects to an SSH server and runs the host key check, prompting connected
// responders for unknown keys.
func (h *Handler) TrustHost(c *gin.Context) {
	if h.truster == nil {
		response.Fail(c, http.StatusNotFound, "ssh host trust is not enabled")
		return
	}
	var req trustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Fail(c, http.StatusBadRequest, "address is required")
		return
	}
	addr := normalizeSSHAddr(req.Address)
	err := h.truster.TrustHost(c.Request.Context(), addr)
	switch {
	case err == nil:
		response.OK(c, http.StatusOK, gin.H{"address": addr, "trusted": true})
	case errors.Is(err, hostkey.ErrHostKeyRejected), errors.Is(err, hostkey.ErrHostKeyMismatch):
		response.Fail(c, http.StatusForbidden, err.Error())
	default:
		log.Printf("approval: trust check %s: %v", addr, err)
		response.Fail(c, http.StatusBadGateway, "could not reach "+addr)
	}
}

// normalizeSSHAddr adds the default port when address has none.
func normalizeSSHAddr(address string) string {
	address = strings.TrimSpace(address)
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(strings.Trim(address, "[]"), defaultSSHPort)
}
