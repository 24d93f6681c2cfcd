// Package clientfake provides an in-memory FxA client for account tests.
// Every operation records its call and delegates to an optional hook; with
// no hook installed a minimal successful response is returned.
package clientfake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/jrsteele09/go-fxa-client/config"
	"github.com/jrsteele09/go-fxa-client/fxaclient"
)

// Call is one recorded operation.
type Call struct {
	Op   string
	Args []any
}

// Fake implements the account.FxAClient interface.
type Fake struct {
	mu    sync.Mutex
	calls []Call

	OAuthTokenWithCodeFunc         func(code, codeVerifier string) (*fxaclient.OAuthTokenResponse, error)
	OAuthTokenWithRefreshTokenFunc func(refreshToken string, scopes []string) (*fxaclient.OAuthTokenResponse, error)
	DestroyOAuthTokenFunc          func(token string) error
	DestroyRefreshTokenFunc        func(refreshToken string) error
	CheckRefreshTokenStatusFunc    func(refreshToken string) (*fxaclient.IntrospectResponse, error)
	ProfileFunc                    func(accessToken, etag string) (*fxaclient.ProfileAndETag, error)
	DevicesFunc                    func(refreshToken string) ([]fxaclient.Device, error)
	UpdateDeviceFunc               func(refreshToken string, update fxaclient.DeviceUpdate) (*fxaclient.UpdateDeviceResponse, error)
	DestroyDeviceFunc              func(refreshToken, deviceID string) error
	PendingCommandsFunc            func(refreshToken string, index int64, limit *int64) (*fxaclient.PendingCommandsResponse, error)
	InvokeCommandFunc              func(refreshToken, command, targetID string, payload json.RawMessage) error
}

func New() *Fake {
	return &Fake{}
}

func (f *Fake) record(op string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, Call{Op: op, Args: args})
}

// Calls returns every recorded call in order.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call{}, f.calls...)
}

// CallCount counts the recorded calls for one operation.
func (f *Fake) CallCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// LastCall returns the most recent call for one operation.
func (f *Fake) LastCall(op string) (Call, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].Op == op {
			return f.calls[i], true
		}
	}
	return Call{}, false
}

func (f *Fake) OAuthTokenWithCode(ctx context.Context, cfg config.Config, code, codeVerifier string) (*fxaclient.OAuthTokenResponse, error) {
	f.record("OAuthTokenWithCode", code, codeVerifier)
	if f.OAuthTokenWithCodeFunc != nil {
		return f.OAuthTokenWithCodeFunc(code, codeVerifier)
	}
	rt := "fake-refresh-token"
	return &fxaclient.OAuthTokenResponse{
		AccessToken:  "fake-access-token",
		RefreshToken: &rt,
		ExpiresIn:    3600,
		Scope:        "profile",
	}, nil
}

func (f *Fake) OAuthTokenWithRefreshToken(ctx context.Context, cfg config.Config, refreshToken string, scopes []string) (*fxaclient.OAuthTokenResponse, error) {
	f.record("OAuthTokenWithRefreshToken", refreshToken, scopes)
	if f.OAuthTokenWithRefreshTokenFunc != nil {
		return f.OAuthTokenWithRefreshTokenFunc(refreshToken, scopes)
	}
	return &fxaclient.OAuthTokenResponse{
		AccessToken: fmt.Sprintf("access-token-%d", f.CallCount("OAuthTokenWithRefreshToken")),
		ExpiresIn:   3600,
		Scope:       strings.Join(scopes, " "),
	}, nil
}

func (f *Fake) DestroyOAuthToken(ctx context.Context, cfg config.Config, token string) error {
	f.record("DestroyOAuthToken", token)
	if f.DestroyOAuthTokenFunc != nil {
		return f.DestroyOAuthTokenFunc(token)
	}
	return nil
}

func (f *Fake) DestroyRefreshToken(ctx context.Context, cfg config.Config, refreshToken string) error {
	f.record("DestroyRefreshToken", refreshToken)
	if f.DestroyRefreshTokenFunc != nil {
		return f.DestroyRefreshTokenFunc(refreshToken)
	}
	return nil
}

func (f *Fake) CheckRefreshTokenStatus(ctx context.Context, cfg config.Config, refreshToken string) (*fxaclient.IntrospectResponse, error) {
	f.record("CheckRefreshTokenStatus", refreshToken)
	if f.CheckRefreshTokenStatusFunc != nil {
		return f.CheckRefreshTokenStatusFunc(refreshToken)
	}
	return &fxaclient.IntrospectResponse{Active: true}, nil
}

func (f *Fake) Profile(ctx context.Context, cfg config.Config, accessToken, etag string) (*fxaclient.ProfileAndETag, error) {
	f.record("Profile", accessToken, etag)
	if f.ProfileFunc != nil {
		return f.ProfileFunc(accessToken, etag)
	}
	return &fxaclient.ProfileAndETag{
		Response: fxaclient.Profile{UID: "uid-1", Email: "test@example.com"},
		ETag:     "etag-1",
	}, nil
}

func (f *Fake) Devices(ctx context.Context, cfg config.Config, refreshToken string) ([]fxaclient.Device, error) {
	f.record("Devices", refreshToken)
	if f.DevicesFunc != nil {
		return f.DevicesFunc(refreshToken)
	}
	return nil, nil
}

func (f *Fake) UpdateDevice(ctx context.Context, cfg config.Config, refreshToken string, update fxaclient.DeviceUpdate) (*fxaclient.UpdateDeviceResponse, error) {
	f.record("UpdateDevice", update)
	if f.UpdateDeviceFunc != nil {
		return f.UpdateDeviceFunc(refreshToken, update)
	}
	resp := &fxaclient.UpdateDeviceResponse{ID: "fake-device-id"}
	if update.DisplayName != nil {
		resp.DisplayName = *update.DisplayName
	}
	if update.DeviceType != nil {
		resp.DeviceType = *update.DeviceType
	}
	if update.AvailableCommands != nil {
		resp.AvailableCommands = *update.AvailableCommands
	}
	return resp, nil
}

func (f *Fake) DestroyDevice(ctx context.Context, cfg config.Config, refreshToken, deviceID string) error {
	f.record("DestroyDevice", refreshToken, deviceID)
	if f.DestroyDeviceFunc != nil {
		return f.DestroyDeviceFunc(refreshToken, deviceID)
	}
	return nil
}

func (f *Fake) PendingCommands(ctx context.Context, cfg config.Config, refreshToken string, index int64, limit *int64) (*fxaclient.PendingCommandsResponse, error) {
	f.record("PendingCommands", index)
	if f.PendingCommandsFunc != nil {
		return f.PendingCommandsFunc(refreshToken, index, limit)
	}
	return &fxaclient.PendingCommandsResponse{Index: index}, nil
}

func (f *Fake) InvokeCommand(ctx context.Context, cfg config.Config, refreshToken, command, targetID string, payload json.RawMessage) error {
	f.record("InvokeCommand", command, targetID, payload)
	if f.InvokeCommandFunc != nil {
		return f.InvokeCommandFunc(refreshToken, command, targetID, payload)
	}
	return nil
}
