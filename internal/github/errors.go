package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/oauth2"
)

// ErrMalformedResponse is returned when GitHub answers 2xx with a body that does not decode
// into the expected shape or lacks required fields.
var ErrMalformedResponse = errors.New("github: malformed response")

// APIError represents a non-2xx response from the REST API.
type APIError struct {
	StatusCode int
	Message    string
}

func (err *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", err.StatusCode, err.Message)
}

// TokenError returns the OAuth error code carried by err, or "" if err is not an OAuth error
// response. For slow_down it also returns the interval GitHub asked for, when present.
func TokenError(err error) (code string, interval time.Duration) {
	var retrieveErr *oauth2.RetrieveError
	if !errors.As(err, &retrieveErr) || retrieveErr.ErrorCode == "" {
		return "", 0
	}
	if retrieveErr.ErrorCode == ErrorSlowDown {
		var body struct {
			Interval int `json:"interval"`
		}
		if json.Unmarshal(retrieveErr.Body, &body) == nil && body.Interval > 0 {
			interval = time.Duration(body.Interval) * time.Second
		}
	}
	return retrieveErr.ErrorCode, interval
}

// IsTransient reports whether err is worth retrying on the next poll: network failures,
// 5xx responses, and rate limiting. Context errors and OAuth error codes are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiError *APIError
	if errors.As(err, &apiError) {
		return transientStatus(apiError.StatusCode)
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return retrieveErr.ErrorCode == "" && retrieveErr.Response != nil && transientStatus(retrieveErr.Response.StatusCode)
	}
	if errors.Is(err, ErrMalformedResponse) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func transientStatus(code int) bool {
	return code >= 500 || code == 429
}
