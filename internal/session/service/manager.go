package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"remote-access-trust/backend/internal/security"
	"remote-access-trust/backend/internal/session/domain"
	"remote-access-trust/backend/internal/session/repository"
	"remote-access-trust/backend/internal/telemetry"
	telemetrydomain "remote-access-trust/backend/internal/telemetry/domain"
)

const (
	// DefaultMaxAge bounds session lifetime from creation; older sessions are inert and pruned on access.
	DefaultMaxAge = 30 * 24 * time.Hour
	// DefaultTouchInterval is the minimum time between last-used writes for one session.
	DefaultTouchInterval = time.Minute

	eventSource = "session"
)

// ErrSessionNotFound is returned by Revoke when no session has the given id.
var ErrSessionNotFound = errors.New("session not found")

// Created is the result of creating a session. Token is the raw bearer token and is never persisted.
type Created struct {
	SessionID string `json:"sessionId"`
	Token     string `json:"sessionToken"`
}

// Manager owns the persisted session collection. Every operation runs a load-mutate-save cycle
// under one mutex, so concurrent callers see a consistent snapshot and writes never interleave.
type Manager struct {
	mu            sync.Mutex
	repo          repository.Repository
	maxAge        time.Duration
	touchInterval time.Duration
	emitter       telemetry.EventEmitter
	nowF          func() time.Time
}

// NewManager returns a Manager over repo. maxAge <= 0 uses DefaultMaxAge. emitter may be nil.
func NewManager(repo repository.Repository, maxAge time.Duration, emitter telemetry.EventEmitter) *Manager {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Manager{
		repo:          repo,
		maxAge:        maxAge,
		touchInterval: DefaultTouchInterval,
		emitter:       emitter,
		nowF:          time.Now,
	}
}

// MaxAge returns the effective session lifetime, after the DefaultMaxAge fallback. The session
// cookie uses it as its Max-Age.
func (m *Manager) MaxAge() time.Duration {
	return m.maxAge
}

// Create mints a new session and persists its token hash. Persistence failures are returned.
func (m *Manager) Create(ctx context.Context, meta domain.ClientMeta) (*Created, error) {
	token, err := security.GenerateSessionToken()
	if err != nil {
		return nil, err
	}
	now := m.nowF().UnixMilli()
	sess := &domain.Session{
		ID:           uuid.New().String(),
		TokenHash:    security.HashSessionToken(token),
		CreatedAtMs:  now,
		LastUsedAtMs: now,
		UserAgent:    meta.UserAgent,
		IPAddress:    meta.IPAddress,
		Label:        describeUserAgent(meta.UserAgent),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, err := m.loadLive(ctx)
	if err != nil {
		return nil, err
	}
	sessions = append(sessions, sess)
	if err := m.repo.Save(ctx, sessions); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	telemetry.EmitAsync(m.emitter, &telemetrydomain.Event{
		EventType: telemetrydomain.EventSessionCreated,
		Source:    eventSource,
		SessionID: sess.ID,
		Metadata:  map[string]string{"label": sess.Label},
	})
	return &Created{SessionID: sess.ID, Token: token}, nil
}

// Validate resolves token to its session id. It returns ok=false for unknown, tampered, and
// expired tokens, and when the store cannot be read (fail closed). Expired sessions are pruned
// best-effort. On success the last-used time and client metadata are refreshed at most once per
// touch interval; failures of that write are logged and do not affect the result.
func (m *Manager) Validate(ctx context.Context, token string, meta domain.ClientMeta) (string, bool) {
	if token == "" {
		return "", false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, err := m.repo.Load(ctx)
	if err != nil {
		log.Printf("session: validate: load failed: %v", err)
		return "", false
	}
	now := m.nowF()
	var match *domain.Session
	for _, s := range sessions {
		if security.SessionTokenHashEqual(token, s.TokenHash) {
			match = s
			break
		}
	}
	if match == nil {
		return "", false
	}
	if match.Expired(now, m.maxAge) {
		live := m.withoutExpired(sessions, now)
		if err := m.repo.Save(ctx, live); err != nil {
			log.Printf("session: prune expired sessions failed: %v", err)
		}
		return "", false
	}

	if now.UnixMilli()-match.LastUsedAtMs >= m.touchInterval.Milliseconds() {
		match.LastUsedAtMs = now.UnixMilli()
		if meta.UserAgent != "" && meta.UserAgent != match.UserAgent {
			match.UserAgent = meta.UserAgent
			match.Label = describeUserAgent(meta.UserAgent)
		}
		if meta.IPAddress != "" {
			match.IPAddress = meta.IPAddress
		}
		if err := m.repo.Save(ctx, m.withoutExpired(sessions, now)); err != nil {
			log.Printf("session: touch %s failed: %v", match.ID, err)
		}
	}
	return match.ID, true
}

// List returns live sessions, most recently used first, marking currentID. Expired sessions are pruned.
func (m *Manager) List(ctx context.Context, currentID string) ([]domain.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, err := m.loadLive(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, domain.Info{
			ID:           s.ID,
			CreatedAtMs:  s.CreatedAtMs,
			LastUsedAtMs: s.LastUsedAtMs,
			UserAgent:    s.UserAgent,
			IPAddress:    s.IPAddress,
			Label:        s.Label,
			IsCurrent:    s.ID == currentID,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastUsedAtMs > out[j].LastUsedAtMs })
	return out, nil
}

// Revoke deletes the session with id. Returns ErrSessionNotFound when it does not exist, so a
// second revoke of the same id reports not-found instead of failing.
func (m *Manager) Revoke(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, err := m.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	kept := sessions[:0]
	found := false
	for _, s := range sessions {
		if s.ID == id {
			found = true
			continue
		}
		kept = append(kept, s)
	}
	if !found {
		return ErrSessionNotFound
	}
	if err := m.repo.Save(ctx, kept); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	m.emitRevoked(id, "revoke")
	return nil
}

// RevokeOthers deletes every session except currentID and returns how many were removed.
func (m *Manager) RevokeOthers(ctx context.Context, currentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions, err := m.repo.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("revoke other sessions: %w", err)
	}
	var kept []*domain.Session
	var removed []string
	for _, s := range sessions {
		if s.ID == currentID {
			kept = append(kept, s)
			continue
		}
		removed = append(removed, s.ID)
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := m.repo.Save(ctx, kept); err != nil {
		return 0, fmt.Errorf("revoke other sessions: %w", err)
	}
	for _, id := range removed {
		m.emitRevoked(id, "revoke_others")
	}
	return len(removed), nil
}

// loadLive loads sessions and drops expired ones from the returned slice. Must hold m.mu.
// Callers that save afterwards persist the prune; callers that don't leave it for the next write.
func (m *Manager) loadLive(ctx context.Context) ([]*domain.Session, error) {
	sessions, err := m.repo.Load(ctx)
	if err != nil {
		return nil, err
	}
	live := m.withoutExpired(sessions, m.nowF())
	if len(live) != len(sessions) {
		if err := m.repo.Save(ctx, live); err != nil {
			log.Printf("session: prune expired sessions failed: %v", err)
		}
	}
	return live, nil
}

func (m *Manager) withoutExpired(sessions []*domain.Session, now time.Time) []*domain.Session {
	live := make([]*domain.Session, 0, len(sessions))
	for _, s := range sessions {
		if !s.Expired(now, m.maxAge) {
			live = append(live, s)
		}
	}
	return live
}

func (m *Manager) emitRevoked(id, reason string) {
	telemetry.EmitAsync(m.emitter, &telemetrydomain.Event{
		EventType: telemetrydomain.EventSessionRevoked,
		Source:    eventSource,
		SessionID: id,
		Metadata:  map[string]string{"reason": reason},
	})
}
