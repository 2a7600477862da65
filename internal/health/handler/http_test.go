package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

// mockPinger implements Pinger for tests.
type mockPinger struct {
	pingErr error
}

func (m *mockPinger) Ping(context.Context) error {
	return m.pingErr
}

func serve(srv *Server) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", srv.HealthCheck)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	return w
}

func TestHealthCheck_NilPinger(t *testing.T) {
	w := serve(NewServer(nil, false))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != `{"deviceLogin":false,"status":"serving"}` {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHealthCheck_PingerSuccess(t *testing.T) {
	w := serve(NewServer(&mockPinger{}, true))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != `{"deviceLogin":true,"status":"serving"}` {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestHealthCheck_PingerFailure(t *testing.T) {
	w := serve(NewServer(&mockPinger{pingErr: errors.New("permission denied")}, true))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}
