// Package statemachine drives the account through its public lifecycle:
// disconnected, authenticating via OAuth, connected, or needing
// reauthentication. It is layered as two machines. The public machine is
// what applications observe; it owns five states and advances only through
// ProcessEvent. For each public transition there is an internal sub-machine
// whose states each name exactly one account call; the driver executes those
// calls (with the retry policy) until the sub-machine reaches a terminal
// state.
//
// States and events are sum types: sealed interfaces whose variants carry
// their data. The internal State type includes the public states only as the
// terminal Complete variant.
package statemachine

import (
	"fmt"

	"github.com/jrsteele09/go-fxa-client/fxaclient"
)

// FxaState is a public state of the account lifecycle.
type FxaState interface {
	isPublicState()
	fmt.Stringer
}

type (
	// Uninitialized is the state before the first Initialize event.
	Uninitialized struct{}
	// Disconnected means no user is connected, or the user logged out.
	Disconnected struct{}
	// Authenticating means an OAuth flow is in progress; the application
	// should navigate the user to OAuthURL.
	Authenticating struct {
		OAuthURL string
	}
	// Connected means the account is usable.
	Connected struct{}
	// AuthIssues means the stored tokens were rejected and the user must
	// reauthenticate before the account can be used again.
	AuthIssues struct{}
)

func (Uninitialized) isPublicState()  {}
func (Disconnected) isPublicState()   {}
func (Authenticating) isPublicState() {}
func (Connected) isPublicState()      {}
func (AuthIssues) isPublicState()     {}

// String names only the variant, never its data, so states can be logged
// without leaking URLs or tokens.
func (Uninitialized) String() string  { return "Uninitialized" }
func (Disconnected) String() string   { return "Disconnected" }
func (Authenticating) String() string { return "Authenticating" }
func (Connected) String() string      { return "Connected" }
func (AuthIssues) String() string     { return "AuthIssues" }

// DeviceConfig describes this device's record in the account's device
// constellation. It is supplied with the Initialize event and reused for
// every later registration call.
type DeviceConfig struct {
	Name         string
	Type         string
	Capabilities []fxaclient.Capability
}

// FxaEvent is an event applications send to ProcessEvent.
type FxaEvent interface {
	isPublicEvent()
	fmt.Stringer
}

type (
	// Initialize must be the first event sent.
	Initialize struct {
		Device DeviceConfig
	}
	// BeginOAuthFlow starts a web-based OAuth sign-in.
	BeginOAuthFlow struct {
		Scopes     []string
		Entrypoint string
	}
	// BeginPairingFlow starts an OAuth sign-in from a pairing-code URL.
	BeginPairingFlow struct {
		PairingURL string
		Scopes     []string
		Entrypoint string
	}
	// CompleteOAuthFlow finishes a flow with the code and state extracted
	// from the redirect URI query parameters.
	CompleteOAuthFlow struct {
		Code  string
		State string
	}
	// CancelOAuthFlow abandons an in-progress flow.
	CancelOAuthFlow struct{}
	// CheckAuthorizationStatus double-checks a connected account's tokens
	// after the application observed auth issues.
	CheckAuthorizationStatus struct{}
	// Disconnect logs the user out.
	Disconnect struct{}
)

func (Initialize) isPublicEvent()               {}
func (BeginOAuthFlow) isPublicEvent()           {}
func (BeginPairingFlow) isPublicEvent()         {}
func (CompleteOAuthFlow) isPublicEvent()        {}
func (CancelOAuthFlow) isPublicEvent()          {}
func (CheckAuthorizationStatus) isPublicEvent() {}
func (Disconnect) isPublicEvent()               {}

func (Initialize) String() string               { return "Initialize" }
func (BeginOAuthFlow) String() string           { return "BeginOAuthFlow" }
func (BeginPairingFlow) String() string         { return "BeginPairingFlow" }
func (CompleteOAuthFlow) String() string        { return "CompleteOAuthFlow" }
func (CancelOAuthFlow) String() string          { return "CancelOAuthFlow" }
func (CheckAuthorizationStatus) String() string { return "CheckAuthorizationStatus" }
func (Disconnect) String() string               { return "Disconnect" }

// State is an internal, per-call state. Every non-terminal variant names
// exactly one backend call; StateComplete and StateCancel are the terminal
// variants that end the sub-machine loop.
type State interface {
	isInternalState()
	fmt.Stringer
}

type (
	StateGetAuthState   struct{}
	StateBeginOAuthFlow struct {
		Scopes     []string
		Entrypoint string
	}
	StateBeginPairingFlow struct {
		PairingURL string
		Scopes     []string
		Entrypoint string
	}
	StateCompleteOAuthFlow struct {
		Code  string
		State string
	}
	StateInitializeDevice         struct{}
	StateEnsureDeviceCapabilities struct{}
	StateCheckAuthorizationStatus struct{}
	StateDisconnect               struct{}
	StateGetProfile               struct{}
	// StateComplete finishes the public transition by moving to Public.
	StateComplete struct {
		Public FxaState
	}
	// StateCancel finishes the public transition without moving.
	StateCancel struct{}
)

func (StateGetAuthState) isInternalState()             {}
func (StateBeginOAuthFlow) isInternalState()           {}
func (StateBeginPairingFlow) isInternalState()         {}
func (StateCompleteOAuthFlow) isInternalState()        {}
func (StateInitializeDevice) isInternalState()         {}
func (StateEnsureDeviceCapabilities) isInternalState() {}
func (StateCheckAuthorizationStatus) isInternalState() {}
func (StateDisconnect) isInternalState()               {}
func (StateGetProfile) isInternalState()               {}
func (StateComplete) isInternalState()                 {}
func (StateCancel) isInternalState()                   {}

func (StateGetAuthState) String() string             { return "GetAuthState" }
func (StateBeginOAuthFlow) String() string           { return "BeginOAuthFlow" }
func (StateBeginPairingFlow) String() string         { return "BeginPairingFlow" }
func (StateCompleteOAuthFlow) String() string        { return "CompleteOAuthFlow" }
func (StateInitializeDevice) String() string         { return "InitializeDevice" }
func (StateEnsureDeviceCapabilities) String() string { return "EnsureDeviceCapabilities" }
func (StateCheckAuthorizationStatus) String() string { return "CheckAuthorizationStatus" }
func (StateDisconnect) String() string               { return "Disconnect" }
func (StateGetProfile) String() string               { return "GetProfile" }
func (s StateComplete) String() string               { return "Complete(" + s.Public.String() + ")" }
func (StateCancel) String() string                   { return "Cancel" }

// Event is an internal event: the typed result of one backend call.
type Event interface {
	isInternalEvent()
	fmt.Stringer
}

type (
	EventGetAuthStateSuccess struct {
		AuthState FxaState
	}
	EventBeginOAuthFlowSuccess struct {
		OAuthURL string
	}
	EventBeginPairingFlowSuccess struct {
		OAuthURL string
	}
	EventCompleteOAuthFlowSuccess        struct{}
	EventInitializeDeviceSuccess         struct{}
	EventEnsureDeviceCapabilitiesSuccess struct{}
	EventCheckAuthorizationStatusSuccess struct {
		Active bool
	}
	EventDisconnectSuccess struct{}
	EventGetProfileSuccess struct{}
	// EventCallError is any failed backend call that survived the retry
	// policy.
	EventCallError struct{}
	// EventEnsureCapabilitiesAuthError is an authentication failure from
	// the capabilities call made during startup, distinguished so the
	// sub-machine can land on AuthIssues instead of Disconnected.
	EventEnsureCapabilitiesAuthError struct{}
)

func (EventGetAuthStateSuccess) isInternalEvent()             {}
func (EventBeginOAuthFlowSuccess) isInternalEvent()           {}
func (EventBeginPairingFlowSuccess) isInternalEvent()         {}
func (EventCompleteOAuthFlowSuccess) isInternalEvent()        {}
func (EventInitializeDeviceSuccess) isInternalEvent()         {}
func (EventEnsureDeviceCapabilitiesSuccess) isInternalEvent() {}
func (EventCheckAuthorizationStatusSuccess) isInternalEvent() {}
func (EventDisconnectSuccess) isInternalEvent()               {}
func (EventGetProfileSuccess) isInternalEvent()               {}
func (EventCallError) isInternalEvent()                       {}
func (EventEnsureCapabilitiesAuthError) isInternalEvent()     {}

func (EventGetAuthStateSuccess) String() string     { return "GetAuthStateSuccess" }
func (EventBeginOAuthFlowSuccess) String() string   { return "BeginOAuthFlowSuccess" }
func (EventBeginPairingFlowSuccess) String() string { return "BeginPairingFlowSuccess" }
func (EventCompleteOAuthFlowSuccess) String() string {
	return "CompleteOAuthFlowSuccess"
}
func (EventInitializeDeviceSuccess) String() string { return "InitializeDeviceSuccess" }
func (EventEnsureDeviceCapabilitiesSuccess) String() string {
	return "EnsureDeviceCapabilitiesSuccess"
}
func (EventCheckAuthorizationStatusSuccess) String() string {
	return "CheckAuthorizationStatusSuccess"
}
func (EventDisconnectSuccess) String() string { return "DisconnectSuccess" }
func (EventGetProfileSuccess) String() string { return "GetProfileSuccess" }
func (EventCallError) String() string         { return "CallError" }
func (EventEnsureCapabilitiesAuthError) String() string {
	return "EnsureCapabilitiesAuthError"
}
