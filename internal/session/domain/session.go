package domain

import "time"

// Session is a persisted login session. Only the hash of the bearer token is stored;
// the raw token exists in memory and in the single response that created it.
type Session struct {
	ID           string `json:"id"`
	TokenHash    string `json:"tokenHash"`
	CreatedAtMs  int64  `json:"createdAtMs"`
	LastUsedAtMs int64  `json:"lastUsedAtMs"`
	UserAgent    string `json:"userAgent,omitempty"`
	IPAddress    string `json:"ipAddress,omitempty"`
	Label        string `json:"label,omitempty"`
}

// Valid reports whether s has the fields required to authenticate anything.
// Entries failing Valid are dropped when the store is loaded.
func (s *Session) Valid() bool {
	return s != nil && s.ID != "" && s.TokenHash != "" && s.CreatedAtMs > 0
}

// Expired reports whether s is older than maxAge at now. Expired sessions are inert.
func (s *Session) Expired(now time.Time, maxAge time.Duration) bool {
	return now.UnixMilli()-s.CreatedAtMs > maxAge.Milliseconds()
}

// ClientMeta is request metadata recorded on a session when it is created or used.
type ClientMeta struct {
	UserAgent string
	IPAddress string
}

// Info is the listing view of a session; it never carries the token hash.
type Info struct {
	ID           string `json:"id"`
	CreatedAtMs  int64  `json:"createdAtMs"`
	LastUsedAtMs int64  `json:"lastUsedAtMs"`
	UserAgent    string `json:"userAgent,omitempty"`
	IPAddress    string `json:"ipAddress,omitempty"`
	Label        string `json:"label,omitempty"`
	IsCurrent    bool   `json:"isCurrent"`
}
