package gateway

import (
	"fmt"
	"time"
)

// TransportError reports a network failure or an unexpected non-2xx
// response from the session-control service.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NotFoundError reports that the session does not exist on the server.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %s not found", e.SessionID)
}

// RemoteOperationError carries a server-reported failure for a session
// operation (save, run, command, delete).
type RemoteOperationError struct {
	Op      string
	Message string
}

func (e *RemoteOperationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// SessionTimeoutError reports that the readiness poll exhausted its
// attempt budget without the session becoming ready.
type SessionTimeoutError struct {
	SessionID string
	Attempts  int
	Interval  time.Duration
}

func (e *SessionTimeoutError) Error() string {
	return fmt.Sprintf("session %s not ready after %d polls (%s apart)",
		e.SessionID, e.Attempts, e.Interval)
}
