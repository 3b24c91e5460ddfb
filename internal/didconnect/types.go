package didconnect

import "encoding/json"

// Step is the pairing state machine's current state. Steps only move
// forward; every terminal outcome resets the session to StepInitiation so
// it is ready for a future reconnect.
type Step int

const (
	StepInitiation Step = iota
	StepVerification
	StepDelegation
)

// String returns the step name.
func (s Step) String() string {
	switch s {
	case StepInitiation:
		return "initiation"
	case StepVerification:
		return "verification"
	case StepDelegation:
		return "delegation"
	default:
		return "unknown"
	}
}

// PermissionRequest is a single scoped permission a caller asks the
// provider to delegate. Requests submitted before a connection exists are
// queued and flushed once, at the Delegation step.
type PermissionRequest struct {
	Interface   string `json:"interface"`
	Method      string `json:"method"`
	Schema      string `json:"schema,omitempty"`
	Description string `json:"description,omitempty"`
}

// verificationResult is the provider's response to the Initiation request:
// an encrypted challenge payload.
type verificationResult struct {
	OK      bool   `json:"ok"`
	Payload string `json:"payload"`
}

// delegationParams carries the queued permission requests.
type delegationParams struct {
	PermissionRequests []PermissionRequest `json:"permissionRequests"`
}

// delegationResult is the provider's grant: its DID and the permission
// scope it delegated.
type delegationResult struct {
	DID         string          `json:"did"`
	Permissions json.RawMessage `json:"permissions"`
}
