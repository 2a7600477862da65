package domain

import "strings"

// HostKeyPayload is what connection-establishment code asks a human to approve.
type HostKeyPayload struct {
	Host        string
	KeyType     string
	Fingerprint string
	Prompt      string
	// DedupeKey coalesces concurrent requests for the same target (e.g. host+port).
	// Empty means the payload identity: host, key type, and fingerprint.
	DedupeKey string
}

// Key returns the dedupe key used to coalesce requests.
func (p HostKeyPayload) Key() string {
	if p.DedupeKey != "" {
		return p.DedupeKey
	}
	return strings.Join([]string{p.Host, p.KeyType, p.Fingerprint}, "|")
}

// Request is a pending approval as exposed to the transport layer. Immutable once created.
type Request struct {
	RequestID   string `json:"requestId"`
	Host        string `json:"host"`
	KeyType     string `json:"keyType"`
	Fingerprint string `json:"fingerprint"`
	Prompt      string `json:"prompt"`
}
