package errors

import "fmt"

var (
	ErrWorkerPanic = fmt.Errorf("worker panic")
	// ErrWorkerDone tells the supervisor a worker cannot be restarted.
	ErrWorkerDone = fmt.Errorf("worker cannot run again")

	// Session failures surfaced by the controller Error state.
	ErrCredentialFetch = fmt.Errorf("credential fetch failed")
	ErrConnection      = fmt.Errorf("connection to messaging backend failed")
	ErrChannelWatch    = fmt.Errorf("channel watch failed")
	ErrConnectionLost  = fmt.Errorf("connection to messaging backend lost")
	// ErrNotReady is returned when an action needs a Ready session.
	ErrNotReady = fmt.Errorf("chat session is not ready")

	ErrInvalidParticipant = fmt.Errorf("invalid participant id")
	ErrInvalidIdentity    = fmt.Errorf("invalid identity")
	ErrInvalidCredential  = fmt.Errorf("invalid credential")
	ErrCredentialMismatch = fmt.Errorf("credential is not scoped to this identity")

	ErrBackendRejected = fmt.Errorf("messaging backend rejected the request")
	ErrNotConnected    = fmt.Errorf("not connected to messaging backend")
	ErrUnauthenticated = fmt.Errorf("no authenticated user")
)
