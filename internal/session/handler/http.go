// Package handler exposes session management to the signed-in owner.
package handler

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"remote-access-trust/backend/internal/server/middleware"
	"remote-access-trust/backend/internal/server/response"
	"remote-access-trust/backend/internal/session/domain"
	"remote-access-trust/backend/internal/session/service"
)

// Sessions is the session management surface used here.
type Sessions interface {
	ListSessions(ctx context.Context, currentID string) ([]domain.Info, error)
	RevokeSession(ctx context.Context, id string) error
	RevokeOtherSessions(ctx context.Context, currentID string) (int, error)
}

// Handler serves /api/sessions. All routes require middleware.SessionAuth.
type Handler struct {
	sessions Sessions
}

func NewHandler(sessions Sessions) *Handler {
	return &Handler{sessions: sessions}
}

// List returns live sessions, most recently used first, with the caller's marked current.
func (h *Handler) List(c *gin.Context) {
	currentID, _ := middleware.GetSessionID(c)
	list, err := h.sessions.ListSessions(c.Request.Context(), currentID)
	if err != nil {
		log.Printf("session: list: %v", err)
		response.Fail(c, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	if list == nil {
		list = []domain.Info{}
	}
	response.OK(c, http.StatusOK, gin.H{"sessions": list})
}

// Revoke deletes one session. Revoking the caller's own session signs them out.
func (h *Handler) Revoke(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.RevokeSession(c.Request.Context(), id); err != nil {
		if errors.Is(err, service.ErrSessionNotFound) {
			response.Fail(c, http.StatusNotFound, err.Error())
			return
		}
		log.Printf("session: revoke %s: %v", id, err)
		response.Fail(c, http.StatusInternalServerError, "failed to revoke session")
		return
	}
	response.OK(c, http.StatusOK, gin.H{"revoked": true})
}

// RevokeOthers deletes every session except the caller's.
func (h *Handler) RevokeOthers(c *gin.Context) {
	currentID, _ := middleware.GetSessionID(c)
	n, err := h.sessions.RevokeOtherSessions(c.Request.Context(), currentID)
	if err != nil {
		log.Printf("session: revoke others: %v", err)
		response.Fail(c, http.StatusInternalServerError, "failed to revoke sessions")
		return
	}
	response.OK(c, http.StatusOK, gin.H{"revokedCount": n})
}
