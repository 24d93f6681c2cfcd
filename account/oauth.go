package account

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/jrsteele09/go-fxa-client/fxaclient"
	"github.com/jrsteele09/go-fxa-client/fxaerror"
	"github.com/jrsteele09/go-fxa-client/reporting"
	"github.com/jrsteele09/go-fxa-client/scopedkeys"
	"github.com/jrsteele09/go-fxa-client/storage"
)

// accessTokenSkew is how close to expiry a cached access token may be before
// we mint a fresh one.
const accessTokenSkew = 60 // seconds

// oauthFlow is the in-memory half of an authorization flow, keyed by the
// opaque state parameter until the redirect comes back.
type oauthFlow struct {
	verifier string
	keyPair  *scopedkeys.KeyPair
	scopes   []string
}

// keyBearing reports whether a scope comes with server-delivered key
// material, which requires the keys_jwk parameter in the authorization URL.
func keyBearing(scope string) bool {
	return strings.HasPrefix(scope, "https://identity.mozilla.com/apps/")
}

func anyKeyBearing(scopes []string) bool {
	for _, s := range scopes {
		if keyBearing(s) {
			return true
		}
	}
	return false
}

// beginOAuthFlow builds the authorization URL for a web-based sign-in. When
// a refresh token is already held, the requested scopes are unioned with the
// scopes of the existing grant so a re-auth never narrows what we hold.
func (a *Account) beginOAuthFlow(ctx context.Context, scopes []string, entrypoint string) (string, error) {
	if rt := a.state.RefreshToken; rt != nil {
		scopes = unionScopes(scopes, rt.Scopes)
	}
	extras := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("action", "email")}
	if p := a.state.LastSeenProfile; p != nil {
		extras = append(extras, oauth2.SetAuthURLParam("email", p.Response.Email))
	}
	return a.oauthFlowURL(a.state.Config.AuthorizationEndpoint(), scopes, entrypoint, extras)
}

// beginPairingFlow builds the authorization URL for the supplicant side of a
// pairing-code flow. The pairing URL's fragment carries the channel
// negotiation data and is preserved verbatim.
func (a *Account) beginPairingFlow(ctx context.Context, pairingURL string, scopes []string, entrypoint string) (string, error) {
	pairing, err := url.Parse(pairingURL)
	if err != nil {
		return "", fmt.Errorf("invalid pairing url: %w", err)
	}
	content, err := url.Parse(a.state.Config.ContentURL)
	if err != nil {
		return "", err
	}
	if pairing.Host != content.Host {
		return "", fmt.Errorf("pairing url origin %q does not match the account server", pairing.Host)
	}
	flowURL, err := a.oauthFlowURL(a.state.Config.PairSuppEndpoint(), scopes, entrypoint, nil)
	if err != nil {
		return "", err
	}
	return flowURL + "#" + pairing.Fragment, nil
}

// oauthFlowURL assembles the authorization URL with PKCE parameters and
// records the flow so completeOAuthFlow can finish it. Starting a flow
// invalidates every cached access token.
func (a *Account) oauthFlowURL(base string, scopes []string, entrypoint string, extras []oauth2.AuthCodeOption) (string, error) {
	a.clearAccessTokenCache()

	stateParam, err := randomState()
	if err != nil {
		return "", err
	}
	verifier := oauth2.GenerateVerifier()
	flow := &oauthFlow{verifier: verifier, scopes: scopes}

	conf := oauth2.Config{
		ClientID:    a.state.Config.ClientID,
		RedirectURL: a.state.Config.RedirectURI,
		Scopes:      scopes,
		Endpoint:    oauth2.Endpoint{AuthURL: base},
	}
	opts := []oauth2.AuthCodeOption{
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("entrypoint", entrypoint),
	}
	if anyKeyBearing(scopes) {
		kp, err := scopedkeys.GenerateKeyPair()
		if err != nil {
			return "", err
		}
		flow.keyPair = kp
		jwk := base64.RawURLEncoding.EncodeToString([]byte(kp.PublicJWK()))
		opts = append(opts, oauth2.SetAuthURLParam("keys_jwk", jwk))
	}
	opts = append(opts, extras...)

	a.flows[stateParam] = flow
	reporting.Breadcrumb("oauth: flow started, %d in flight", len(a.flows))
	return conf.AuthCodeURL(stateParam, opts...), nil
}

func randomState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func unionScopes(requested, held []string) []string {
	out := append([]string{}, requested...)
	for _, s := range held {
		found := false
		for _, r := range out {
			if r == s {
				found = true
				break
			}
		}
		if !found {
			out = append(out, s)
		}
	}
	return out
}

// completeOAuthFlow exchanges the redirect's code for tokens. The state
// parameter must match a flow begun on this instance; all other in-flight
// flows are abandoned on success.
func (a *Account) completeOAuthFlow(ctx context.Context, code, state string) error {
	a.clearAccessTokenCache()
	flow, ok := a.flows[state]
	if !ok {
		return fxaerror.ErrOAuthStateMismatch
	}
	resp, err := a.client.OAuthTokenWithCode(ctx, a.state.Config, code, flow.verifier)
	if err != nil {
		return err
	}
	if err := a.handleOAuthResponse(ctx, flow, resp); err != nil {
		return err
	}
	a.flows = map[string]*oauthFlow{}
	return nil
}

// handleOAuthResponse installs the new grant: decrypt the scoped keys,
// replace the refresh token, and clean up the artifacts of the previous
// grant (best effort).
func (a *Account) handleOAuthResponse(ctx context.Context, flow *oauthFlow, resp *fxaclient.OAuthTokenResponse) error {
	keys := map[string]scopedkeys.ScopedKey{}
	if resp.KeysJWE != nil && flow.keyPair != nil {
		plaintext, err := flow.keyPair.DecryptKeysJWE(*resp.KeysJWE)
		if err != nil {
			return err
		}
		if err := json.Unmarshal([]byte(plaintext), &keys); err != nil {
			return fmt.Errorf("keys_jwe payload is not a scoped key map: %w", err)
		}
	}
	if anyKeyBearing(flow.scopes) {
		if _, ok := keys[ScopeOldSync]; !ok {
			log.Warn().Msg("account: sync scope requested but no sync key was delivered")
		}
	}
	if resp.RefreshToken == nil {
		return fmt.Errorf("token response carried no refresh token")
	}

	// The code exchange's access token covers the full grant; we mint
	// narrower ones on demand, so get rid of it.
	if err := a.client.DestroyOAuthToken(ctx, a.state.Config, resp.AccessToken); err != nil {
		log.Warn().Err(err).Msg("account: failed to destroy initial access token")
	}

	oldRefreshToken := a.state.RefreshToken
	oldDeviceID := a.state.CurrentDeviceID

	a.state.UpdateTokens(storage.RefreshToken{
		Token:  *resp.RefreshToken,
		Scopes: strings.Fields(resp.Scope),
	}, resp.SessionToken, keys)
	a.state.CurrentDeviceID = nil
	a.state.ServerLocalDeviceInfo = nil
	a.clearDevicesCache()

	if oldRefreshToken != nil {
		if oldDeviceID != nil {
			if err := a.client.DestroyDevice(ctx, a.state.Config, oldRefreshToken.Token, *oldDeviceID); err != nil {
				log.Warn().Err(err).Msg("account: failed to destroy previous device record")
			}
		}
		if err := a.client.DestroyRefreshToken(ctx, a.state.Config, oldRefreshToken.Token); err != nil {
			log.Warn().Err(err).Msg("account: failed to destroy previous refresh token")
		}
	}
	return nil
}

// GetAccessToken returns a token for a single scope, minting one through the
// refresh-token grant when the cache has no fresh entry. It bypasses the
// public state machine so it can be called frequently; an authentication
// failure here is the caller's cue to send CheckAuthorizationStatus.
func (a *Account) GetAccessToken(ctx context.Context, scope string) (storage.AccessTokenInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.getAccessToken(ctx, scope)
}

func (a *Account) getAccessToken(ctx context.Context, scope string) (storage.AccessTokenInfo, error) {
	if strings.ContainsRune(scope, ' ') {
		return storage.AccessTokenInfo{}, fmt.Errorf("a token is minted for exactly one scope, got %q", scope)
	}
	if cached, ok := a.state.AccessTokenCache[scope]; ok {
		if cached.ExpiresAt > a.now().Unix()+accessTokenSkew {
			return cached, nil
		}
		delete(a.state.AccessTokenCache, scope)
	}

	rt := a.state.RefreshToken
	if rt == nil {
		return storage.AccessTokenInfo{}, fxaerror.ErrNoRefreshToken
	}
	if !rt.HasScope(scope) {
		return storage.AccessTokenInfo{}, fmt.Errorf("the stored grant does not cover scope %q", scope)
	}
	resp, err := a.client.OAuthTokenWithRefreshToken(ctx, a.state.Config, rt.Token, []string{scope})
	if err != nil {
		if fxaerror.Classify(err) == fxaerror.ClassAuthentication {
			reporting.Breadcrumb("oauth: token mint rejected for scope %s", scope)
			return storage.AccessTokenInfo{}, fmt.Errorf("%w: %v", fxaerror.ErrAuthentication, err)
		}
		return storage.AccessTokenInfo{}, err
	}

	info := storage.AccessTokenInfo{
		Scope:     scope,
		Token:     resp.AccessToken,
		ExpiresAt: a.now().Unix() + resp.ExpiresIn,
	}
	if key, ok := a.state.ScopedKeys[scope]; ok {
		k := key
		info.Key = &k
	}
	a.state.AccessTokenCache[scope] = info
	a.persistState()
	return info, nil
}

// checkAuthorizationStatus asks the server whether the stored refresh token
// is still part of an active grant.
func (a *Account) checkAuthorizationStatus(ctx context.Context) (bool, error) {
	rt := a.state.RefreshToken
	if rt == nil {
		return false, fxaerror.ErrNoRefreshToken
	}
	resp, err := a.client.CheckRefreshTokenStatus(ctx, a.state.Config, rt.Token)
	if err != nil {
		return false, err
	}
	return resp.Active, nil
}

func (a *Account) clearAccessTokenCache() {
	a.state.AccessTokenCache = map[string]storage.AccessTokenInfo{}
}
