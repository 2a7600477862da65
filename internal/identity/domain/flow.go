package domain

// FlowStart is returned to the browser when a device login begins.
type FlowStart struct {
	FlowID          string `json:"flowId"`
	VerificationURI string `json:"verificationUri"`
	UserCode        string `json:"userCode"`
}

// FlowState is the lifecycle state of a device flow.
type FlowState string

const (
	FlowStateStarted    FlowState = "started"
	FlowStatePolling    FlowState = "polling"
	FlowStateAuthorized FlowState = "authorized"
	FlowStateDenied     FlowState = "denied"
	FlowStateExpired    FlowState = "expired"
	FlowStateFailed     FlowState = "failed"
	FlowStateCancelled  FlowState = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s FlowState) Terminal() bool {
	switch s {
	case FlowStateStarted, FlowStatePolling:
		return false
	default:
		return true
	}
}
