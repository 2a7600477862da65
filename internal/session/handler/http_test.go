package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"remote-access-trust/backend/internal/server/middleware"
	"remote-access-trust/backend/internal/session/domain"
	"remote-access-trust/backend/internal/session/service"
)

type fakeSessions struct {
	list       []domain.Info
	listErr    error
	revokeErr  error
	revokedIDs []string
	othersOf   string
	othersN    int
}

func (f *fakeSessions) ListSessions(ctx context.Context, currentID string) ([]domain.Info, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.Info, len(f.list))
	for i, s := range f.list {
		s.IsCurrent = s.ID == currentID
		out[i] = s
	}
	return out, nil
}

func (f *fakeSessions) RevokeSession(ctx context.Context, id string) error {
	f.revokedIDs = append(f.revokedIDs, id)
	return f.revokeErr
}

func (f *fakeSessions) RevokeOtherSessions(ctx context.Context, currentID string) (int, error) {
	f.othersOf = currentID
	return f.othersN, nil
}

// withSession stands in for middleware.SessionAuth.
func withSession(id string) gin.HandlerFunc {
	return func(c *gin.Context) {
		middleware.SetSessionID(c, id)
		c.Next()
	}
}

func newRouter(s Sessions) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(s)
	r := gin.New()
	api := r.Group("/api", withSession("current"))
	api.GET("/sessions", h.List)
	api.DELETE("/sessions/:id", h.Revoke)
	api.POST("/sessions/revoke-others", h.RevokeOthers)
	return r
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestList(t *testing.T) {
	s := &fakeSessions{list: []domain.Info{{ID: "current", Label: "Chrome on macOS"}, {ID: "other"}}}
	w := do(newRouter(s), http.MethodGet, "/api/sessions")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	want := `{"data":{"sessions":[{"id":"current","createdAtMs":0,"lastUsedAtMs":0,"label":"Chrome on macOS","isCurrent":true},{"id":"other","createdAtMs":0,"lastUsedAtMs":0,"isCurrent":false}]},"success":true}`
	if w.Body.String() != want {
		t.Errorf("body = %s\nwant %s", w.Body.String(), want)
	}
}

func TestList_EmptyIsArray(t *testing.T) {
	w := do(newRouter(&fakeSessions{}), http.MethodGet, "/api/sessions")
	if w.Body.String() != `{"data":{"sessions":[]},"success":true}` {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestList_Error(t *testing.T) {
	w := do(newRouter(&fakeSessions{listErr: errors.New("disk")}), http.MethodGet, "/api/sessions")
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestRevoke(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{service.ErrSessionNotFound, http.StatusNotFound},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		s := &fakeSessions{revokeErr: tt.err}
		w := do(newRouter(s), http.MethodDelete, "/api/sessions/abc")
		if w.Code != tt.want {
			t.Errorf("%v: status = %d, want %d", tt.err, w.Code, tt.want)
		}
		if len(s.revokedIDs) != 1 || s.revokedIDs[0] != "abc" {
			t.Errorf("revoked = %v", s.revokedIDs)
		}
	}
}

func TestRevokeOthers(t *testing.T) {
	s := &fakeSessions{othersN: 3}
	w := do(newRouter(s), http.MethodPost, "/api/sessions/revoke-others")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if s.othersOf != "current" {
		t.Errorf("kept %q, want current", s.othersOf)
	}
	if w.Body.String() != `{"data":{"revokedCount":3},"success":true}` {
		t.Errorf("body = %s", w.Body.String())
	}
}
