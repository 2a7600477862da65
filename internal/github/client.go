// Package github implements the parts of the GitHub OAuth device authorization flow and REST API
// needed to identify the account that approved a device login.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"
)

const (
	defaultAPIBaseURL = "https://api.github.com"

	// githubAPIVersion pins REST API behavior.
	githubAPIVersion = "2022-11-28"

	deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// maxErrorBody bounds how much of a failed response body is kept in APIError.
	maxErrorBody = 4 << 10
	maxTokenBody = 1 << 20
)

// Device flow error codes carried in oauth2.RetrieveError.ErrorCode by ExchangeDeviceCode.
const (
	ErrorAuthorizationPending = "authorization_pending"
	ErrorSlowDown             = "slow_down"
	ErrorExpiredToken         = "expired_token"
	ErrorAccessDenied         = "access_denied"
)

// Config holds configuration for a Client.
type Config struct {
	// ClientID is the OAuth app's client id. Required.
	ClientID string

	// Scope requested for the device grant. Empty requests no scopes, which is enough to read /user.
	Scope string

	// OAuthBaseURL hosts /login/device/code and /login/oauth/access_token. Empty uses
	// oauth2/github.Endpoint.
	OAuthBaseURL string

	// APIBaseURL hosts /user. Defaults to https://api.github.com.
	APIBaseURL string

	// HTTPClient defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client talks to GitHub's device flow endpoints.
type Client struct {
	oauth      *oauth2.Config
	apiBase    string
	httpClient *http.Client
}

// NewClient returns a Client. Returns an error if ClientID is empty.
func NewClient(config Config) (*Client, error) {
	if config.ClientID == "" {
		return nil, fmt.Errorf("github: ClientID is required")
	}
	endpoint := oauthgithub.Endpoint
	if base := strings.TrimRight(config.OAuthBaseURL, "/"); base != "" {
		endpoint = oauth2.Endpoint{
			AuthURL:       base + "/login/oauth/authorize",
			DeviceAuthURL: base + "/login/device/code",
			TokenURL:      base + "/login/oauth/access_token",
		}
	}
	endpoint.AuthStyle = oauth2.AuthStyleInParams
	var scopes []string
	if config.Scope != "" {
		scopes = strings.Fields(config.Scope)
	}
	apiBase := config.APIBaseURL
	if apiBase == "" {
		apiBase = defaultAPIBaseURL
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		oauth: &oauth2.Config{
			ClientID: config.ClientID,
			Endpoint: endpoint,
			Scopes:   scopes,
		},
		apiBase:    strings.TrimRight(apiBase, "/"),
		httpClient: httpClient,
	}, nil
}

// DeviceCode is GitHub's answer to a device authorization request.
type DeviceCode struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	// ExpiresIn and Interval are in seconds.
	ExpiresIn int
	Interval  int
}

// User is the subset of GET /user this package reads.
type User struct {
	Login string `json:"login"`
	ID    int64  `json:"id"`
}

// RequestDeviceCode starts a device authorization.
func (c *Client) RequestDeviceCode(ctx context.Context) (*DeviceCode, error) {
	resp, err := c.oauth.DeviceAuth(c.clientContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("github: device code request: %w", err)
	}
	if resp.DeviceCode == "" || resp.UserCode == "" || resp.VerificationURI == "" {
		return nil, fmt.Errorf("%w: device code response missing fields", ErrMalformedResponse)
	}
	code := &DeviceCode{
		DeviceCode:      resp.DeviceCode,
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		Interval:        int(resp.Interval),
	}
	if !resp.Expiry.IsZero() {
		code.ExpiresIn = int(time.Until(resp.Expiry).Round(time.Second) / time.Second)
	}
	return code, nil
}

// ExchangeDeviceCode polls the token endpoint once. GitHub answers pending, slow_down, and
// terminal outcomes with HTTP 200 and an error body; those come back as *oauth2.RetrieveError
// with ErrorCode set. See TokenError.
//
// oauth2.Config.DeviceAccessToken is not used: it loops until a token or a terminal error and
// returns on the first transport failure, while the caller needs one attempt per call so it can
// retry transient I/O errors and keep its own interval and cancellation.
func (c *Client) ExchangeDeviceCode(ctx context.Context, deviceCode string) (*oauth2.Token, error) {
	form := url.Values{
		"client_id":   {c.oauth.ClientID},
		"device_code": {deviceCode},
		"grant_type":  {deviceCodeGrantType},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.oauth.Endpoint.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenBody))
	if err != nil {
		return nil, fmt.Errorf("github: read token response: %w", err)
	}

	var parsed struct {
		AccessToken      string `json:"access_token"`
		TokenType        string `json:"token_type"`
		Scope            string `json:"scope"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		ErrorURI         string `json:"error_uri"`
	}
	jsonErr := json.Unmarshal(body, &parsed)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || (jsonErr == nil && parsed.Error != "") {
		return nil, &oauth2.RetrieveError{
			Response:         resp,
			Body:             body,
			ErrorCode:        parsed.Error,
			ErrorDescription: parsed.ErrorDescription,
			ErrorURI:         parsed.ErrorURI,
		}
	}
	if jsonErr != nil {
		return nil, fmt.Errorf("%w: token response: %v", ErrMalformedResponse, jsonErr)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("%w: token response has neither access_token nor error", ErrMalformedResponse)
	}
	tok := &oauth2.Token{AccessToken: parsed.AccessToken, TokenType: parsed.TokenType}
	return tok.WithExtra(map[string]any{"scope": parsed.Scope}), nil
}

// GetUser returns the account that owns accessToken.
func (c *Client) GetUser(ctx context.Context, accessToken string) (*User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/user", nil)
	if err != nil {
		return nil, fmt.Errorf("github: build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", githubAPIVersion)

	authed := &http.Client{
		Transport: &oauth2.Transport{
			Base:   c.httpClient.Transport,
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken}),
		},
		Timeout: c.httpClient.Timeout,
	}
	var user User
	if err := do(authed, req, &user); err != nil {
		return nil, err
	}
	if user.Login == "" {
		return nil, fmt.Errorf("%w: user response missing login", ErrMalformedResponse)
	}
	return &user, nil
}

// clientContext makes oauth2 send its requests through c.httpClient.
func (c *Client) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func do(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("github: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrMalformedResponse, req.Method, req.URL.Path, err)
	}
	return nil
}

func parseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiError := &APIError{StatusCode: resp.StatusCode}
	var parsed struct {
		Message          string `json:"message"`
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		switch {
		case parsed.Message != "":
			apiError.Message = parsed.Message
		case parsed.ErrorDescription != "":
			apiError.Message = parsed.ErrorDescription
		case parsed.Error != "":
			apiError.Message = parsed.Error
		}
	}
	if apiError.Message == "" {
		apiError.Message = strings.TrimSpace(string(body))
	}
	if apiError.Message == "" {
		apiError.Message = http.StatusText(resp.StatusCode)
	}
	return apiError
}
