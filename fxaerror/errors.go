// Package fxaerror defines the error taxonomy shared by every package in this
// module. Callers of the account façade can rely on errors.Is/errors.As
// against the sentinels and types defined here; internal code additionally
// uses Classify to drive the state-machine retry policy.
package fxaerror

import (
	"errors"
	"fmt"
)

var (
	// ErrNetwork wraps transport-level failures (connection refused,
	// timeouts, DNS). The retry policy treats these as transient.
	ErrNetwork = errors.New("network error")

	// ErrAuthentication indicates the stored auth tokens were rejected by
	// the server and the user needs to re-authenticate.
	ErrAuthentication = errors.New("authentication error")

	// ErrOAuthStateMismatch is returned by CompleteOAuthFlow when the
	// `state` parameter does not match any in-flight flow.
	ErrOAuthStateMismatch = errors.New("unknown oauth state")

	// ErrStorage indicates the persisted account state could not be
	// serialized or deserialized.
	ErrStorage = errors.New("storage error")

	// ErrNoRefreshToken is returned by operations that require a connected
	// account when no refresh token is held.
	ErrNoRefreshToken = errors.New("no stored refresh token")

	// ErrNoCurrentDeviceID is returned when the device record has not been
	// registered yet.
	ErrNoCurrentDeviceID = errors.New("no stored current device id")

	// ErrInterrupted is returned by compound operations when the account's
	// interrupt flag was raised mid-operation.
	ErrInterrupted = errors.New("operation interrupted")
)

// RemoteError is a non-2xx response from an FxA server, carrying the
// structured error body the servers return.
type RemoteError struct {
	Status  int    // HTTP status
	Code    int64  // "code" field of the response body
	Errno   int64  // "errno" field of the response body
	Reason  string // "error" field of the response body
	Message string // "message" field of the response body
	Info    string // "info" field of the response body
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote server error: status %d code %d errno %d: %s: %s",
		e.Status, e.Code, e.Errno, e.Reason, e.Message)
}

// IsAuthInvalidation reports whether this response means our tokens are no
// longer valid: an HTTP 401, or the auth server errnos for invalid (110) and
// unauthorized (401) tokens.
func (e *RemoteError) IsAuthInvalidation() bool {
	return e.Status == 401 || e.Errno == 110 || e.Errno == 401
}

// InvalidStateTransitionError is returned by ProcessEvent when the event is
// not valid for the current state. The public state and the persisted blob
// are untouched when this is returned.
type InvalidStateTransitionError struct {
	From string
	On   string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.On)
}

// StateMachineLogicError indicates a programming mistake inside the state
// machine itself. It is never retried and aborts the whole ProcessEvent.
type StateMachineLogicError struct {
	Msg string
}

func (e *StateMachineLogicError) Error() string {
	return "state machine logic error: " + e.Msg
}

// Class buckets an error for the internal state machine's retry policy.
type Class int

const (
	ClassOther Class = iota
	ClassNetwork
	ClassAuthentication
)

// Classify maps any error onto the three buckets the retry policy cares
// about. Everything that is neither a transport failure nor a token
// invalidation is ClassOther.
func Classify(err error) Class {
	if err == nil {
		return ClassOther
	}
	if errors.Is(err, ErrNetwork) {
		return ClassNetwork
	}
	if errors.Is(err, ErrAuthentication) {
		return ClassAuthentication
	}
	var remote *RemoteError
	if errors.As(err, &remote) && remote.IsAuthInvalidation() {
		return ClassAuthentication
	}
	return ClassOther
}
