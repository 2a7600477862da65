package domain

import "time"

// Event types emitted by the approval broker, the device-flow authority, and the HTTP layer.
const (
	EventApprovalRequested   = "approval.requested"
	EventApprovalResolved    = "approval.resolved"
	EventApprovalTimeout     = "approval.timeout"
	EventDeviceFlowStarted   = "device_flow.started"
	EventDeviceFlowCompleted = "device_flow.completed"
	EventDeviceFlowDenied    = "device_flow.denied"
	EventDeviceFlowFailed    = "device_flow.failed"
	EventSessionCreated      = "session.created"
	EventSessionRevoked      = "session.revoked"
	EventHTTPRequest         = "http.request"
)

// Event is a single trust event (approval or login lifecycle). Optional ids are empty when not applicable.
type Event struct {
	EventType string            `json:"eventType"`
	Source    string            `json:"source"`
	SessionID string            `json:"sessionId,omitempty"`
	FlowID    string            `json:"flowId,omitempty"`
	RequestID string            `json:"requestId,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}
