// Package domain contains core domain types for the podctl client.
package domain

// Status describes where a session is in its lifecycle.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusCreating Status = "creating"
	StatusReady    Status = "ready"
	StatusError    Status = "error"
)

// Session identifies one remote sandbox instance and its client-side state.
type Session struct {
	SessionID   string `json:"session_id"`
	PodName     string `json:"pod_name"`
	Status      Status `json:"status"`
	Ready       bool   `json:"ready"`
	CurrentFile string `json:"current_file,omitempty"`
	// Reconnected is set once at creation time when the server handed back
	// a pre-existing sandbox instead of provisioning a new one.
	Reconnected bool `json:"reconnected,omitempty"`
}

// IsReady returns true if the session is confirmed ready.
// Ready is a derived confirmation and always implies Status == StatusReady.
func (s *Session) IsReady() bool {
	return s.Ready && s.Status == StatusReady
}
