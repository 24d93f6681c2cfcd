package statemachine

import (
	"github.com/jrsteele09/go-fxa-client/fxaerror"
)

// internalMachine is one sub-machine, keyed by the public state the account
// was in when ProcessEvent was called. Each sub-machine only handles the
// subset of states and events reachable from its public state.
type internalMachine interface {
	// initialState maps a public event to the first per-call state, or
	// fails if the event is not valid for this public state.
	initialState(event FxaEvent) (State, error)

	// nextState transitions on the result of a backend call.
	nextState(state State, event Event) (State, error)
}

func machineFor(state FxaState) internalMachine {
	switch s := state.(type) {
	case Uninitialized:
		return uninitializedMachine{}
	case Disconnected:
		return disconnectedMachine{}
	case Authenticating:
		return authenticatingMachine{prev: s}
	case Connected:
		return connectedMachine{}
	case AuthIssues:
		return authIssuesMachine{}
	default:
		return nil
	}
}

func invalidTransition(from, on string) (State, error) {
	return nil, &fxaerror.InvalidStateTransitionError{From: from, On: on}
}

type uninitializedMachine struct{}

func (uninitializedMachine) initialState(event FxaEvent) (State, error) {
	switch event.(type) {
	case Initialize:
		return StateGetAuthState{}, nil
	default:
		return invalidTransition("Uninitialized", event.String())
	}
}

func (uninitializedMachine) nextState(state State, event Event) (State, error) {
	switch state.(type) {
	case StateGetAuthState:
		if e, ok := event.(EventGetAuthStateSuccess); ok {
			switch e.AuthState.(type) {
			case Connected:
				return StateEnsureDeviceCapabilities{}, nil
			case AuthIssues:
				return StateComplete{Public: AuthIssues{}}, nil
			default:
				return StateComplete{Public: Disconnected{}}, nil
			}
		}
	case StateEnsureDeviceCapabilities:
		switch event.(type) {
		case EventEnsureDeviceCapabilitiesSuccess:
			return StateComplete{Public: Connected{}}, nil
		case EventEnsureCapabilitiesAuthError:
			return StateComplete{Public: AuthIssues{}}, nil
		case EventCallError:
			return StateComplete{Public: Disconnected{}}, nil
		}
	}
	return invalidTransition(state.String(), event.String())
}

type disconnectedMachine struct{}

func (disconnectedMachine) initialState(event FxaEvent) (State, error) {
	switch e := event.(type) {
	case BeginOAuthFlow:
		return StateBeginOAuthFlow{Scopes: e.Scopes, Entrypoint: e.Entrypoint}, nil
	case BeginPairingFlow:
		return StateBeginPairingFlow{PairingURL: e.PairingURL, Scopes: e.Scopes, Entrypoint: e.Entrypoint}, nil
	default:
		return invalidTransition("Disconnected", event.String())
	}
}

func (disconnectedMachine) nextState(state State, event Event) (State, error) {
	switch state.(type) {
	case StateBeginOAuthFlow:
		switch e := event.(type) {
		case EventBeginOAuthFlowSuccess:
			return StateComplete{Public: Authenticating{OAuthURL: e.OAuthURL}}, nil
		case EventCallError:
			return StateComplete{Public: Disconnected{}}, nil
		}
	case StateBeginPairingFlow:
		switch e := event.(type) {
		case EventBeginPairingFlowSuccess:
			return StateComplete{Public: Authenticating{OAuthURL: e.OAuthURL}}, nil
		case EventCallError:
			return StateComplete{Public: Disconnected{}}, nil
		}
	}
	return invalidTransition(state.String(), event.String())
}

// authenticatingMachine keeps the Authenticating state it was entered from,
// so a failed completion preserves the oauth_url and the user can retry.
type authenticatingMachine struct {
	prev Authenticating
}

func (m authenticatingMachine) initialState(event FxaEvent) (State, error) {
	switch e := event.(type) {
	case CompleteOAuthFlow:
		return StateCompleteOAuthFlow{Code: e.Code, State: e.State}, nil
	case CancelOAuthFlow:
		return StateComplete{Public: Disconnected{}}, nil
	// Apps may begin a new flow while already in the middle of one; the
	// backend cancels the stale flow when the new one starts.
	case BeginOAuthFlow:
		return StateBeginOAuthFlow{Scopes: e.Scopes, Entrypoint: e.Entrypoint}, nil
	case BeginPairingFlow:
		return StateBeginPairingFlow{PairingURL: e.PairingURL, Scopes: e.Scopes, Entrypoint: e.Entrypoint}, nil
	default:
		return invalidTransition("Authenticating", event.String())
	}
}

func (m authenticatingMachine) nextState(state State, event Event) (State, error) {
	switch state.(type) {
	case StateCompleteOAuthFlow:
		switch event.(type) {
		case EventCompleteOAuthFlowSuccess:
			return StateInitializeDevice{}, nil
		case EventCallError:
			return StateComplete{Public: m.prev}, nil
		}
	case StateInitializeDevice:
		switch event.(type) {
		// The device registration response carries the capabilities we
		// sent, so either success event completes the login.
		case EventInitializeDeviceSuccess, EventEnsureDeviceCapabilitiesSuccess:
			return StateComplete{Public: Connected{}}, nil
		case EventCallError:
			return StateComplete{Public: m.prev}, nil
		}
	case StateBeginOAuthFlow:
		switch e := event.(type) {
		case EventBeginOAuthFlowSuccess:
			return StateComplete{Public: Authenticating{OAuthURL: e.OAuthURL}}, nil
		case EventCallError:
			return StateComplete{Public: Disconnected{}}, nil
		}
	case StateBeginPairingFlow:
		switch e := event.(type) {
		case EventBeginPairingFlowSuccess:
			return StateComplete{Public: Authenticating{OAuthURL: e.OAuthURL}}, nil
		case EventCallError:
			return StateComplete{Public: Disconnected{}}, nil
		}
	}
	return invalidTransition(state.String(), event.String())
}

type connectedMachine struct{}

func (connectedMachine) initialState(event FxaEvent) (State, error) {
	switch event.(type) {
	case Disconnect:
		return StateDisconnect{}, nil
	case CheckAuthorizationStatus:
		return StateCheckAuthorizationStatus{}, nil
	default:
		return invalidTransition("Connected", event.String())
	}
}

func (connectedMachine) nextState(state State, event Event) (State, error) {
	switch state.(type) {
	case StateDisconnect:
		// Disconnect is infallible from the caller's view.
		switch event.(type) {
		case EventDisconnectSuccess, EventCallError:
			return StateComplete{Public: Disconnected{}}, nil
		}
	case StateCheckAuthorizationStatus:
		switch e := event.(type) {
		case EventCheckAuthorizationStatusSuccess:
			if e.Active {
				return StateComplete{Public: Connected{}}, nil
			}
			return StateComplete{Public: AuthIssues{}}, nil
		case EventCallError:
			return StateComplete{Public: Disconnected{}}, nil
		}
	}
	return invalidTransition(state.String(), event.String())
}

// authIssuesMachine accepts reauthentication via OAuth only; pairing needs a
// second device and is not a recovery path.
type authIssuesMachine struct{}

func (authIssuesMachine) initialState(event FxaEvent) (State, error) {
	switch e := event.(type) {
	case BeginOAuthFlow:
		return StateBeginOAuthFlow{Scopes: e.Scopes, Entrypoint: e.Entrypoint}, nil
	default:
		return invalidTransition("AuthIssues", event.String())
	}
}

func (authIssuesMachine) nextState(state State, event Event) (State, error) {
	switch state.(type) {
	case StateBeginOAuthFlow:
		switch e := event.(type) {
		case EventBeginOAuthFlowSuccess:
			return StateComplete{Public: Authenticating{OAuthURL: e.OAuthURL}}, nil
		case EventCallError:
			return StateComplete{Public: AuthIssues{}}, nil
		}
	}
	return invalidTransition(state.String(), event.String())
}
