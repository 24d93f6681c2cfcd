package account

import (
	"context"
	"errors"

	"github.com/jrsteele09/go-fxa-client/fxaclient"
	"github.com/jrsteele09/go-fxa-client/fxaerror"
	"github.com/jrsteele09/go-fxa-client/storage"
)

// profileFreshness is how long a cached profile is served without a
// conditional refetch.
const profileFreshness = 120 * 1000 // millis

// Profile returns the account profile, served from the cache when it is
// fresh enough. ignoreCache forces a conditional refetch.
func (a *Account) Profile(ctx context.Context, ignoreCache bool) (*fxaclient.Profile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fetchProfile(ctx, ignoreCache)
}

func (a *Account) fetchProfile(ctx context.Context, ignoreCache bool) (*fxaclient.Profile, error) {
	if cached := a.state.LastSeenProfile; cached != nil && !ignoreCache {
		if a.now().UnixMilli()-cached.CachedAt < profileFreshness {
			p := cached.Response
			return &p, nil
		}
	}
	profile, err := a.fetchProfileOnce(ctx)
	if err == nil {
		return profile, nil
	}
	// A rejected token may just be stale. Drop it and retry once with a
	// freshly minted one before concluding the grant itself is bad.
	if fxaerror.Classify(err) == fxaerror.ClassAuthentication {
		delete(a.state.AccessTokenCache, ScopeProfile)
		return a.fetchProfileOnce(ctx)
	}
	return nil, err
}

func (a *Account) fetchProfileOnce(ctx context.Context) (*fxaclient.Profile, error) {
	token, err := a.getAccessToken(ctx, ScopeProfile)
	if err != nil {
		return nil, err
	}
	etag := ""
	if cached := a.state.LastSeenProfile; cached != nil {
		etag = cached.ETag
	}
	resp, err := a.client.Profile(ctx, a.state.Config, token.Token, etag)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		// 304: the cached copy is still authoritative. Its age is kept so
		// the next read after the freshness window revalidates again.
		cached := a.state.LastSeenProfile
		if cached == nil {
			return nil, errors.New("profile not modified but nothing is cached")
		}
		p := cached.Response
		return &p, nil
	}
	a.state.LastSeenProfile = &storage.CachedProfile{
		Response: resp.Response,
		CachedAt: a.now().UnixMilli(),
		ETag:     resp.ETag,
	}
	a.persistState()
	p := resp.Response
	return &p, nil
}
