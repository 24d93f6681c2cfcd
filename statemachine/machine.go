package statemachine

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-fxa-client/fxaclient"
	"github.com/jrsteele09/go-fxa-client/fxaerror"
	"github.com/jrsteele09/go-fxa-client/reporting"
)

// networkRetryLimit bounds transient-failure retries for a single per-call
// state.
const networkRetryLimit = 3

// Backend is the set of account operations the internal states execute.
// It is implemented by the account façade; the indirection keeps this
// package free of HTTP and storage concerns and lets the sub-machines be
// tested against a fake.
type Backend interface {
	// AuthState derives the public state from the persisted data alone.
	AuthState() FxaState
	BeginOAuthFlow(ctx context.Context, scopes []string, entrypoint string) (string, error)
	BeginPairingFlow(ctx context.Context, pairingURL string, scopes []string, entrypoint string) (string, error)
	CompleteOAuthFlow(ctx context.Context, code, state string) error
	InitializeDevice(ctx context.Context, device DeviceConfig) error
	EnsureCapabilities(ctx context.Context, capabilities []fxaclient.Capability) error
	CheckAuthorizationStatus(ctx context.Context) (bool, error)
	// Disconnect is best effort and infallible from the machine's view.
	Disconnect(ctx context.Context)
	GetProfile(ctx context.Context, ignoreCache bool) error
	ClearAccessTokenCache()
}

// Machine is the public state machine. It is not safe for concurrent use;
// the account façade serializes ProcessEvent under its lock.
type Machine struct {
	backend Backend
	state   FxaState
	device  DeviceConfig
	checker *Checker
}

// MachineOption modifies a Machine instance.
type MachineOption func(*Machine)

// WithChecker attaches a shadow checker that verifies every transition
// against an independently advanced copy of the machine.
func WithChecker(c *Checker) MachineOption {
	return func(m *Machine) {
		m.checker = c
	}
}

// New creates a Machine in the Uninitialized state.
func New(backend Backend, options ...MachineOption) *Machine {
	m := &Machine{
		backend: backend,
		state:   Uninitialized{},
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// State returns the current public state.
func (m *Machine) State() FxaState {
	return m.state
}

// ProcessEvent sends a public event and runs the matching sub-machine to a
// terminal state, returning the new public state. An event that is invalid
// for the current state fails with InvalidStateTransitionError and leaves
// the machine untouched.
func (m *Machine) ProcessEvent(ctx context.Context, event FxaEvent) (FxaState, error) {
	machine := machineFor(m.state)
	if machine == nil {
		return m.state, &fxaerror.StateMachineLogicError{Msg: "no sub-machine for state " + m.state.String()}
	}
	state, err := machine.initialState(event)
	if err != nil {
		return m.state, err
	}
	// Only a validated Initialize may replace the device config; a rejected
	// one must leave the machine fully untouched.
	if init, ok := event.(Initialize); ok {
		m.device = init.Device
	}
	if m.checker != nil {
		m.checker.HandlePublicEvent(event)
	}
	reporting.Breadcrumb("fsm: %s event %s", m.state, event)

	for {
		if m.checker != nil {
			m.checker.CheckInternalState(state)
		}
		reporting.Breadcrumb("fsm: internal state %s", state)

		switch s := state.(type) {
		case StateComplete:
			m.state = s.Public
			if m.checker != nil {
				m.checker.CheckPublicState(m.state)
			}
			reporting.Breadcrumb("fsm: complete, public state %s", m.state)
			return m.state, nil
		case StateCancel:
			reporting.Breadcrumb("fsm: cancelled, public state %s", m.state)
			return m.state, nil
		}

		result, err := m.makeCall(ctx, state)
		if err != nil {
			return m.state, err
		}
		if m.checker != nil {
			m.checker.HandleInternalEvent(result)
		}
		state, err = machine.nextState(state, result)
		if err != nil {
			return m.state, err
		}
	}
}

// makeCall executes the backend call named by state, applying the retry
// policy. Every failure is converted to an event; only
// StateMachineLogicError aborts ProcessEvent itself.
func (m *Machine) makeCall(ctx context.Context, state State) (Event, error) {
	_, isEnsureCapabilities := state.(StateEnsureDeviceCapabilities)
	_, isCheckAuthorization := state.(StateCheckAuthorizationStatus)

	networkRetries := 0
	authRetried := false
	for {
		event, err := m.call(ctx, state)
		if err == nil {
			return event, nil
		}
		var logicErr *fxaerror.StateMachineLogicError
		if errors.As(err, &logicErr) {
			return nil, err
		}

		switch fxaerror.Classify(err) {
		case fxaerror.ClassNetwork:
			if networkRetries < networkRetryLimit {
				networkRetries++
				log.Debug().Err(err).Stringer("state", state).Int("attempt", networkRetries).
					Msg("fsm: network error, retrying call")
				continue
			}
		case fxaerror.ClassAuthentication:
			// Our access token may simply be stale. Check whether the
			// grant itself is still active and retry once if so.
			if !isCheckAuthorization && !authRetried {
				m.backend.ClearAccessTokenCache()
				active, checkErr := m.backend.CheckAuthorizationStatus(ctx)
				if checkErr == nil && active {
					authRetried = true
					continue
				}
			}
			if isEnsureCapabilities {
				log.Warn().Err(err).Msg("fsm: auth error ensuring device capabilities")
				return EventEnsureCapabilitiesAuthError{}, nil
			}
		}

		log.Warn().Err(err).Stringer("state", state).Msg("fsm: call failed")
		return EventCallError{}, nil
	}
}

func (m *Machine) call(ctx context.Context, state State) (Event, error) {
	switch s := state.(type) {
	case StateGetAuthState:
		return EventGetAuthStateSuccess{AuthState: m.backend.AuthState()}, nil
	case StateBeginOAuthFlow:
		url, err := m.backend.BeginOAuthFlow(ctx, s.Scopes, s.Entrypoint)
		if err != nil {
			return nil, err
		}
		return EventBeginOAuthFlowSuccess{OAuthURL: url}, nil
	case StateBeginPairingFlow:
		url, err := m.backend.BeginPairingFlow(ctx, s.PairingURL, s.Scopes, s.Entrypoint)
		if err != nil {
			return nil, err
		}
		return EventBeginPairingFlowSuccess{OAuthURL: url}, nil
	case StateCompleteOAuthFlow:
		if err := m.backend.CompleteOAuthFlow(ctx, s.Code, s.State); err != nil {
			return nil, err
		}
		return EventCompleteOAuthFlowSuccess{}, nil
	case StateInitializeDevice:
		if err := m.backend.InitializeDevice(ctx, m.device); err != nil {
			return nil, err
		}
		return EventInitializeDeviceSuccess{}, nil
	case StateEnsureDeviceCapabilities:
		if err := m.backend.EnsureCapabilities(ctx, m.device.Capabilities); err != nil {
			return nil, err
		}
		return EventEnsureDeviceCapabilitiesSuccess{}, nil
	case StateCheckAuthorizationStatus:
		active, err := m.backend.CheckAuthorizationStatus(ctx)
		if err != nil {
			return nil, err
		}
		return EventCheckAuthorizationStatusSuccess{Active: active}, nil
	case StateDisconnect:
		m.backend.Disconnect(ctx)
		return EventDisconnectSuccess{}, nil
	case StateGetProfile:
		if err := m.backend.GetProfile(ctx, true); err != nil {
			return nil, err
		}
		return EventGetProfileSuccess{}, nil
	default:
		return nil, &fxaerror.StateMachineLogicError{Msg: "no call for state " + state.String()}
	}
}
