package repository

import (
	"context"

	"remote-access-trust/backend/internal/session/domain"
)

// Repository persists the whole session collection as one document.
// It does no locking of its own; the session manager serializes every load-mutate-save cycle.
type Repository interface {
	// Load returns every well-formed persisted session. A missing store is an empty list.
	Load(ctx context.Context) ([]*domain.Session, error)
	// Save atomically replaces the stored collection with sessions.
	Save(ctx context.Context, sessions []*domain.Session) error
}
