package account

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-fxa-client/fxaclient"
	"github.com/jrsteele09/go-fxa-client/statemachine"
	"github.com/jrsteele09/go-fxa-client/storage"
)

// backend adapts the account's internal operations to the state machine's
// Backend interface. The machine only runs inside ProcessEvent, which holds
// the account lock, so these methods call the unlocked internals directly.
type backend struct {
	a *Account
}

var _ statemachine.Backend = backend{}

func (b backend) AuthState() statemachine.FxaState {
	switch b.a.state.AuthState() {
	case storage.AuthStateConnected:
		return statemachine.Connected{}
	case storage.AuthStateAuthIssues:
		return statemachine.AuthIssues{}
	default:
		return statemachine.Disconnected{}
	}
}

func (b backend) BeginOAuthFlow(ctx context.Context, scopes []string, entrypoint string) (string, error) {
	return b.a.beginOAuthFlow(ctx, scopes, entrypoint)
}

func (b backend) BeginPairingFlow(ctx context.Context, pairingURL string, scopes []string, entrypoint string) (string, error) {
	return b.a.beginPairingFlow(ctx, pairingURL, scopes, entrypoint)
}

func (b backend) CompleteOAuthFlow(ctx context.Context, code, state string) error {
	return b.a.completeOAuthFlow(ctx, code, state)
}

func (b backend) InitializeDevice(ctx context.Context, device statemachine.DeviceConfig) error {
	return b.a.initializeDevice(ctx, device)
}

func (b backend) EnsureCapabilities(ctx context.Context, capabilities []fxaclient.Capability) error {
	return b.a.ensureCapabilities(ctx, capabilities)
}

func (b backend) CheckAuthorizationStatus(ctx context.Context) (bool, error) {
	return b.a.checkAuthorizationStatus(ctx)
}

func (b backend) Disconnect(ctx context.Context) {
	b.a.disconnect(ctx)
}

func (b backend) GetProfile(ctx context.Context, ignoreCache bool) error {
	_, err := b.a.fetchProfile(ctx, ignoreCache)
	if err != nil {
		log.Warn().Err(err).Msg("account: profile fetch failed")
	}
	return err
}

func (b backend) ClearAccessTokenCache() {
	b.a.clearAccessTokenCache()
}
