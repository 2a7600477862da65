package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"remote-access-trust/backend/internal/approval"
	"remote-access-trust/backend/internal/approval/domain"
	"remote-access-trust/backend/internal/approval/hostkey"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// countingBroker wraps a real broker and counts responder releases.
type countingBroker struct {
	*approval.Broker
	released atomic.Int32
}

func (b *countingBroker) RegisterResponder() func() {
	release := b.Broker.RegisterResponder()
	return func() {
		b.released.Add(1)
		release()
	}
}

type fakeTruster struct {
	mu    sync.Mutex
	addrs []string
	err   error
}

func (p *fakeTruster) TrustHost(ctx context.Context, addr string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.addrs = append(p.addrs, addr)
	return p.err
}

func newRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.GET("/api/approvals/stream", h.Stream)
	r.POST("/api/approvals/:id/respond", h.Respond)
	r.POST("/api/ssh/trust", h.TrustHost)
	return r
}

type sseEvent struct {
	name string
	data string
}

// readEvent reads one SSE event, skipping heartbeats.
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			ev.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && ev.name != "":
			if ev.name == "ping" {
				ev = sseEvent{}
				continue
			}
			return ev
		}
	}
}

func TestStream_SnapshotRequestRemoved(t *testing.T) {
	broker := &countingBroker{Broker: approval.NewBroker(time.Minute, nil)}
	h := NewHandler(broker, nil)
	server := httptest.NewServer(newRouter(h))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/approvals/stream", nil)
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("Content-Type = %q", ct)
	}
	reader := bufio.NewReader(resp.Body)

	snap := readEvent(t, reader)
	if snap.name != "snapshot" || snap.data != `{"requests":[]}` {
		t.Fatalf("first event = %+v", snap)
	}

	result := make(chan bool, 1)
	go func() {
		result <- broker.RequestVerification(context.Background(), domain.HostKeyPayload{
			Host: "example.com", KeyType: "ssh-ed25519", Fingerprint: "SHA256:abc", Prompt: "trust?",
		})
	}()

	reqEv := readEvent(t, reader)
	if reqEv.name != "request" {
		t.Fatalf("event = %+v, want request", reqEv)
	}
	var pending domain.Request
	if err := json.Unmarshal([]byte(reqEv.data), &pending); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if pending.Host != "example.com" || pending.RequestID == "" {
		t.Errorf("request = %+v", pending)
	}

	r := newRouter(h)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/approvals/"+pending.RequestID+"/respond", strings.NewReader(`{"accept":true}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("respond status = %d", w.Code)
	}
	if !<-result {
		t.Fatal("RequestVerification = false, want true")
	}

	removed := readEvent(t, reader)
	if removed.name != "removed" || removed.data != `{"requestId":"`+pending.RequestID+`"}` {
		t.Fatalf("event = %+v, want removed", removed)
	}

	cancel()
	deadline := time.Now().Add(2 * time.Second)
	for broker.released.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("responder was not released after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStream_SnapshotCarriesPendingRequests(t *testing.T) {
	broker := approval.NewBroker(time.Minute, nil)
	release := broker.RegisterResponder()
	defer release()
	go broker.RequestVerification(context.Background(), domain.HostKeyPayload{Host: "a.example.com", KeyType: "ssh-ed25519", Fingerprint: "SHA256:a"})
	deadline := time.Now().Add(2 * time.Second)
	for len(broker.Pending()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	defer broker.Close()

	server := httptest.NewServer(newRouter(NewHandler(broker, nil)))
	defer server.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/approvals/stream", nil)
	resp, err := server.Client().Do(req)
	if err != nil {
		t.Fatalf("GET stream: %v", err)
	}
	defer resp.Body.Close()

	snap := readEvent(t, bufio.NewReader(resp.Body))
	var body struct {
		Requests []domain.Request `json:"requests"`
	}
	if err := json.Unmarshal([]byte(snap.data), &body); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(body.Requests) != 1 || body.Requests[0].Host != "a.example.com" {
		t.Fatalf("snapshot = %+v", body.Requests)
	}
}

func TestRespond_Validation(t *testing.T) {
	broker := approval.NewBroker(time.Minute, nil)
	r := newRouter(NewHandler(broker, nil))

	tests := []struct {
		body string
		want int
	}{
		{`{}`, http.StatusBadRequest},
		{`not json`, http.StatusBadRequest},
		{`{"accept":false}`, http.StatusOK},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/approvals/unknown/respond", strings.NewReader(tt.body)))
		if w.Code != tt.want {
			t.Errorf("body %s: status = %d, want %d", tt.body, w.Code, tt.want)
		}
	}
}

func TestTrustHost(t *testing.T) {
	tests := []struct {
		name     string
		truster  *fakeTruster
		body     string
		want     int
		wantAddr string
	}{
		{"trusted", &fakeTruster{}, `{"address":"example.com"}`, http.StatusOK, "example.com:22"},
		{"explicit port", &fakeTruster{}, `{"address":"example.com:2222"}`, http.StatusOK, "example.com:2222"},
		{"rejected", &fakeTruster{err: hostkey.ErrHostKeyRejected}, `{"address":"example.com"}`, http.StatusForbidden, "example.com:22"},
		{"mismatch", &fakeTruster{err: hostkey.ErrHostKeyMismatch}, `{"address":"example.com"}`, http.StatusForbidden, "example.com:22"},
		{"unreachable", &fakeTruster{err: errors.New("dial failed")}, `{"address":"example.com"}`, http.StatusBadGateway, "example.com:22"},
		{"missing address", &fakeTruster{}, `{}`, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(NewHandler(approval.NewBroker(time.Minute, nil), tt.truster))
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/ssh/trust", strings.NewReader(tt.body)))
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if tt.wantAddr != "" && (len(tt.truster.addrs) != 1 || tt.truster.addrs[0] != tt.wantAddr) {
				t.Errorf("checked %v, want %s", tt.truster.addrs, tt.wantAddr)
			}
		})
	}
}

func TestTrustHost_Disabled(t *testing.T) {
	r := newRouter(NewHandler(approval.NewBroker(time.Minute, nil), nil))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/ssh/trust", strings.NewReader(`{"address":"example.com"}`)))
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestNormalizeSSHAddr(t *testing.T) {
	tests := map[string]string{
		"example.com":        "example.com:22",
		" example.com:2200 ": "example.com:2200",
		"::1":                "[::1]:22",
		"[::1]:2222":         "[::1]:2222",
		"192.0.2.1":          "192.0.2.1:22",
	}
	for in, want := range tests {
		if got := normalizeSSHAddr(in); got != want {
			t.Errorf("normalizeSSHAddr(%q) = %q, want %q", in, got, want)
		}
	}
}
