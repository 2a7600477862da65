package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(Config{
		ClientID:     "client-123",
		Scope:        "read:user",
		OAuthBaseURL: server.URL,
		APIBaseURL:   server.URL + "/api/",
		HTTPClient:   server.Client(),
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestNewClient_RequiresClientID(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error without ClientID")
	}
}

func TestRequestDeviceCode(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/login/device/code" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm: %v", err)
		}
		if got := r.PostForm.Get("client_id"); got != "client-123" {
			t.Errorf("client_id = %q", got)
		}
		if got := r.PostForm.Get("scope"); got != "read:user" {
			t.Errorf("scope = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"device_code":"dc","user_code":"ABCD-1234","verification_uri":"https://github.com/login/device","expires_in":900,"interval":5}`)
	}))

	code, err := client.RequestDeviceCode(context.Background())
	if err != nil {
		t.Fatalf("RequestDeviceCode: %v", err)
	}
	if code.DeviceCode != "dc" || code.UserCode != "ABCD-1234" || code.VerificationURI != "https://github.com/login/device" {
		t.Errorf("code = %+v", code)
	}
	if code.ExpiresIn != 900 || code.Interval != 5 {
		t.Errorf("ExpiresIn/Interval = %d/%d", code.ExpiresIn, code.Interval)
	}
}

func TestRequestDeviceCode_Malformed(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"user_code":"ABCD-1234"}`)
	}))
	_, err := client.RequestDeviceCode(context.Background())
	if !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}
	if IsTransient(err) {
		t.Error("malformed response should not be transient")
	}
}

func TestRequestDeviceCode_ServerError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	_, err := client.RequestDeviceCode(context.Background())
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) {
		t.Fatalf("err = %v, want *oauth2.RetrieveError", err)
	}
	if !IsTransient(err) {
		t.Error("503 should be transient")
	}
}

func TestExchangeDeviceCode(t *testing.T) {
	responses := []string{
		`{"error":"authorization_pending","error_description":"pending"}`,
		`{"error":"slow_down","interval":10}`,
		`{"access_token":"gho_abc","token_type":"bearer","scope":""}`,
	}
	calls := 0
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/login/oauth/access_token" {
			t.Errorf("path = %s", r.URL.Path)
		}
		r.ParseForm()
		if got := r.PostForm.Get("grant_type"); got != deviceCodeGrantType {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("device_code"); got != "dc" {
			t.Errorf("device_code = %q", got)
		}
		fmt.Fprint(w, responses[calls])
		calls++
	}))

	ctx := context.Background()
	_, err := client.ExchangeDeviceCode(ctx, "dc")
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) || retrieveErr.ErrorDescription != "pending" {
		t.Fatalf("first poll err = %v, want *oauth2.RetrieveError", err)
	}
	if code, _ := TokenError(err); code != ErrorAuthorizationPending {
		t.Fatalf("first poll code = %q", code)
	}
	if IsTransient(err) {
		t.Error("authorization_pending should not be transient")
	}
	_, err = client.ExchangeDeviceCode(ctx, "dc")
	if code, interval := TokenError(err); code != ErrorSlowDown || interval != 10*time.Second {
		t.Fatalf("second poll = %q %s (%v)", code, interval, err)
	}
	tok, err := client.ExchangeDeviceCode(ctx, "dc")
	if err != nil || tok.AccessToken != "gho_abc" {
		t.Fatalf("third poll = %+v, %v", tok, err)
	}
	if code, _ := TokenError(err); code != "" {
		t.Errorf("TokenError(nil) = %q", code)
	}
}

func TestExchangeDeviceCode_HTTPFailures(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		transient bool
		malformed bool
	}{
		{"bad gateway", http.StatusBadGateway, `upstream down`, "", true, false},
		{"rate limited", http.StatusTooManyRequests, ``, "", true, false},
		{"bad client", http.StatusUnauthorized, `{"error":"incorrect_client_credentials"}`, "incorrect_client_credentials", false, false},
		{"not json", http.StatusOK, `access_token=gho_abc`, "", false, true},
		{"empty object", http.StatusOK, `{}`, "", false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			_, err := client.ExchangeDeviceCode(context.Background(), "dc")
			if err == nil {
				t.Fatal("expected error")
			}
			if code, _ := TokenError(err); code != tt.code {
				t.Errorf("code = %q, want %q", code, tt.code)
			}
			if got := IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v (%v)", got, tt.transient, err)
			}
			if got := errors.Is(err, ErrMalformedResponse); got != tt.malformed {
				t.Errorf("malformed = %v, want %v (%v)", got, tt.malformed, err)
			}
		})
	}
}

func TestNewClient_DefaultsToGitHubEndpoint(t *testing.T) {
	client, err := NewClient(Config{ClientID: "c"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if client.oauth.Endpoint.DeviceAuthURL != "https://github.com/login/device/code" {
		t.Errorf("DeviceAuthURL = %q", client.oauth.Endpoint.DeviceAuthURL)
	}
	if client.oauth.Endpoint.TokenURL != "https://github.com/login/oauth/access_token" {
		t.Errorf("TokenURL = %q", client.oauth.Endpoint.TokenURL)
	}
	if client.apiBase != "https://api.github.com" {
		t.Errorf("apiBase = %q", client.apiBase)
	}
}

func TestGetUser(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/user" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer gho_abc" {
			t.Errorf("Authorization = %q", got)
		}
		if r.Header.Get("X-GitHub-Api-Version") == "" {
			t.Error("missing API version header")
		}
		fmt.Fprint(w, `{"login":"Alice","id":42}`)
	}))
	user, err := client.GetUser(context.Background(), "gho_abc")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if user.Login != "Alice" || user.ID != 42 {
		t.Errorf("user = %+v", user)
	}
}

func TestAPIErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		message   string
		transient bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"message":"Bad credentials"}`, "Bad credentials", false},
		{"oauth error", http.StatusBadRequest, `{"error":"incorrect_client_credentials","error_description":"bad client"}`, "bad client", false},
		{"server error", http.StatusBadGateway, `upstream down`, "upstream down", true},
		{"rate limited", http.StatusTooManyRequests, ``, "Too Many Requests", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			_, err := client.GetUser(context.Background(), "tok")
			var apiError *APIError
			if !errors.As(err, &apiError) {
				t.Fatalf("err = %v, want *APIError", err)
			}
			if apiError.StatusCode != tt.status || apiError.Message != tt.message {
				t.Errorf("APIError = %d %q, want %d %q", apiError.StatusCode, apiError.Message, tt.status, tt.message)
			}
			if got := IsTransient(err); got != tt.transient {
				t.Errorf("IsTransient = %v, want %v", got, tt.transient)
			}
		})
	}
}

func TestIsTransient_NetworkAndContext(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	client, err := NewClient(Config{ClientID: "c", OAuthBaseURL: url})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	_, err = client.RequestDeviceCode(context.Background())
	if err == nil || !IsTransient(err) {
		t.Errorf("connection refused: err = %v, transient = %v", err, IsTransient(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.RequestDeviceCode(ctx)
	if err == nil || IsTransient(err) {
		t.Errorf("cancelled: err = %v, transient = %v", err, IsTransient(err))
	}
}
