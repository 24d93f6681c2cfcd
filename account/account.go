// Package account is the externally callable façade of the FxA client. An
// Account owns the persisted state, the OAuth flows in progress, the access
// token and device caches, and the public state machine; every public method
// takes the account's lock, so an Account is safe for concurrent use.
package account

import (
	"context"
	"encoding/json"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-fxa-client/config"
	"github.com/jrsteele09/go-fxa-client/fxaclient"
	"github.com/jrsteele09/go-fxa-client/fxaerror"
	"github.com/jrsteele09/go-fxa-client/statemachine"
	"github.com/jrsteele09/go-fxa-client/storage"
)

// OAuth scopes this client knows how to handle.
const (
	ScopeProfile = "profile"
	ScopeOldSync = "https://identity.mozilla.com/apps/oldsync"
)

// FxAClient is the HTTP surface the account depends on. *fxaclient.Client
// satisfies it; tests substitute a fake.
type FxAClient interface {
	OAuthTokenWithCode(ctx context.Context, cfg config.Config, code, codeVerifier string) (*fxaclient.OAuthTokenResponse, error)
	OAuthTokenWithRefreshToken(ctx context.Context, cfg config.Config, refreshToken string, scopes []string) (*fxaclient.OAuthTokenResponse, error)
	DestroyOAuthToken(ctx context.Context, cfg config.Config, token string) error
	DestroyRefreshToken(ctx context.Context, cfg config.Config, refreshToken string) error
	CheckRefreshTokenStatus(ctx context.Context, cfg config.Config, refreshToken string) (*fxaclient.IntrospectResponse, error)
	Profile(ctx context.Context, cfg config.Config, accessToken, etag string) (*fxaclient.ProfileAndETag, error)
	Devices(ctx context.Context, cfg config.Config, refreshToken string) ([]fxaclient.Device, error)
	UpdateDevice(ctx context.Context, cfg config.Config, refreshToken string, update fxaclient.DeviceUpdate) (*fxaclient.UpdateDeviceResponse, error)
	DestroyDevice(ctx context.Context, cfg config.Config, refreshToken, deviceID string) error
	PendingCommands(ctx context.Context, cfg config.Config, refreshToken string, index int64, limit *int64) (*fxaclient.PendingCommandsResponse, error)
	InvokeCommand(ctx context.Context, cfg config.Config, refreshToken, command, targetID string, payload json.RawMessage) error
}

// PersistCallback receives the serialized account state after every change.
// It is invoked with the account lock held; the callback must not call back
// into the account.
type PersistCallback func(stateJSON string)

// Account is one Firefox account attached to one deployment.
type Account struct {
	mu          sync.Mutex
	client      FxAClient
	state       *storage.State
	flows       map[string]*oauthFlow
	devices     devicesCache
	persist     PersistCallback
	nowFunc     func() time.Time
	interrupted atomic.Bool
	machine     *statemachine.Machine
}

// Option modifies an Account instance.
type Option func(*Account)

// WithClient substitutes the HTTP client, used by tests.
func WithClient(c FxAClient) Option {
	return func(a *Account) { a.client = c }
}

// WithNowFunc overrides the clock used for cache freshness decisions.
func WithNowFunc(now func() time.Time) Option {
	return func(a *Account) { a.nowFunc = now }
}

// WithPersistCallback registers the persistence callback at construction.
func WithPersistCallback(cb PersistCallback) Option {
	return func(a *Account) { a.persist = cb }
}

// New creates a disconnected account for the given deployment.
func New(cfg config.Config, options ...Option) *Account {
	return fromState(storage.New(cfg), options...)
}

// Restore rebuilds an account from a previously persisted state blob.
func Restore(stateJSON string, options ...Option) (*Account, error) {
	state, err := storage.FromJSON([]byte(stateJSON))
	if err != nil {
		return nil, err
	}
	return fromState(state, options...), nil
}

func fromState(state *storage.State, options ...Option) *Account {
	a := &Account{
		client:  fxaclient.New(),
		state:   state,
		flows:   map[string]*oauthFlow{},
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(a)
	}
	a.machine = statemachine.New(backend{a}, statemachine.WithChecker(statemachine.NewChecker()))
	return a
}

// RegisterPersistCallback installs (or replaces) the persistence callback.
func (a *Account) RegisterPersistCallback(cb PersistCallback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.persist = cb
}

// ProcessEvent sends a public event through the state machine and persists
// the state afterwards. At most one invocation runs at a time.
func (a *Account) ProcessEvent(ctx context.Context, event statemachine.FxaEvent) (statemachine.FxaState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	state, err := a.machine.ProcessEvent(ctx, event)
	if err != nil {
		// A rejected event changed nothing, so there is nothing to persist.
		return state, err
	}
	if _, ok := state.(statemachine.AuthIssues); ok && a.state.AuthState() != storage.AuthStateAuthIssues {
		// The grant was rejected: drop the dead tokens but remember the
		// logout was involuntary.
		a.state.OnAuthIssues()
	}
	a.persistState()
	return state, nil
}

// State returns the current public state without touching the network.
func (a *Account) State() statemachine.FxaState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.machine.State()
}

// CurrentDeviceID returns the registered device record id.
func (a *Account) CurrentDeviceID() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.CurrentDeviceID == nil {
		return "", fxaerror.ErrNoCurrentDeviceID
	}
	return *a.state.CurrentDeviceID, nil
}

// ToJSON serializes the account state for the embedder to store.
func (a *Account) ToJSON() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, err := a.state.ToJSON()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Interrupt raises the cooperative cancellation flag. The flag is checked
// between the steps of compound operations and cleared when one of them
// observes it.
func (a *Account) Interrupt() {
	a.interrupted.Store(true)
}

func (a *Account) checkInterrupt() error {
	if a.interrupted.CompareAndSwap(true, false) {
		return fxaerror.ErrInterrupted
	}
	return nil
}

// persistState serializes the state and hands it to the registered callback.
/// Failures are logged and swallowed: persistence is best effort from the
// account's point of view.
func (a *Account) persistState() {
	if a.persist == nil {
		return
	}
	data, err := a.state.ToJSON()
	if err != nil {
		log.Warn().Err(err).Msg("account: failed to serialize state for persistence")
		return
	}
	a.persist(string(data))
}

func (a *Account) now() time.Time {
	return a.nowFunc()
}

// TokenServerEndpointURL returns the sync token server for this deployment.
func (a *Account) TokenServerEndpointURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Config.TokenServerURL
}

// PairingAuthorityURL returns the URL to show on the authority side of a
// pairing flow. The production deployment uses the firefox.com shortcut.
func (a *Account) PairingAuthorityURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Config.ContentURL == config.ContentURLRelease {
		return "https://firefox.com/pair"
	}
	return a.state.Config.PairEndpoint()
}

// ConnectionSuccessURL is where to send the user after a pairing flow
// completes.
func (a *Account) ConnectionSuccessURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.Config.ConnectAnotherDeviceEndpoint() + "?showSuccessMessage=true"
}

// ManageAccountURL returns the settings page, annotated with the signed-in
// user when a profile has been seen.
func (a *Account) ManageAccountURL(entrypoint string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userFacingURL(a.state.Config.SettingsEndpoint(), entrypoint)
}

// ManageDevicesURL returns the connected-services settings page.
func (a *Account) ManageDevicesURL(entrypoint string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.userFacingURL(a.state.Config.SettingsClientsEndpoint(), entrypoint)
}

func (a *Account) userFacingURL(rawURL, entrypoint string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("entrypoint", entrypoint)
	if p := a.state.LastSeenProfile; p != nil {
		q.Set("uid", p.Response.UID)
		q.Set("email", p.Response.Email)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
