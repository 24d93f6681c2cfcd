// Package fxaclient implements the typed HTTP operations the account core
// performs against the FxA auth, oauth and profile servers. The client is
// stateless apart from the underlying http.Client; every operation takes the
// deployment Config explicitly.
package fxaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jrsteele09/go-fxa-client/config"
	"github.com/jrsteele09/go-fxa-client/fxaerror"
)

const defaultTimeout = 30 * time.Second

// Devices older than this many days are filtered out of the constellation.
const devicesFilterDays = 21

// Client talks to the FxA servers. Safe for concurrent use.
type Client struct {
	http    *http.Client
	nowFunc func() time.Time
}

// ClientOption modifies a Client instance.
type ClientOption func(*Client)

// WithHTTPClient substitutes the underlying HTTP client (primarily for
// tests and embedders with their own transport policy).
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		c.http = h
	}
}

// WithNowFunc substitutes the clock used for the idle-device cutoff.
func WithNowFunc(now func() time.Time) ClientOption {
	return func(c *Client) {
		c.nowFunc = now
	}
}

// New creates a Client with a default timeout. The core treats a timeout
// identically to a network error.
func New(options ...ClientOption) *Client {
	c := &Client{
		http:    &http.Client{Timeout: defaultTimeout},
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// OAuthTokenWithCode exchanges an authorization code (plus its PKCE
// verifier) for a refresh token and the keys JWE.
func (c *Client) OAuthTokenWithCode(ctx context.Context, cfg config.Config, code, codeVerifier string) (*OAuthTokenResponse, error) {
	body := map[string]any{
		"grant_type":    "authorization_code",
		"client_id":     cfg.ClientID,
		"code":          code,
		"code_verifier": codeVerifier,
	}
	var resp OAuthTokenResponse
	if err := c.post(ctx, cfg.TokenEndpoint(), "", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// OAuthTokenWithRefreshToken mints a short-lived access token from the
// long-lived refresh token.
func (c *Client) OAuthTokenWithRefreshToken(ctx context.Context, cfg config.Config, refreshToken string, scopes []string) (*OAuthTokenResponse, error) {
	body := map[string]any{
		"grant_type":    "refresh_token",
		"client_id":     cfg.ClientID,
		"refresh_token": refreshToken,
		"scope":         joinScopes(scopes),
	}
	var resp OAuthTokenResponse
	if err := c.post(ctx, cfg.TokenEndpoint(), "", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DestroyOAuthToken destroys an access token. Best effort on the caller's
// side; failures are surfaced so they can be logged.
func (c *Client) DestroyOAuthToken(ctx context.Context, cfg config.Config, token string) error {
	return c.post(ctx, cfg.DestroyEndpoint(), "", map[string]any{"token": token}, nil)
}

// DestroyRefreshToken destroys a refresh token, disconnecting the device that
// held it.
func (c *Client) DestroyRefreshToken(ctx context.Context, cfg config.Config, refreshToken string) error {
	return c.post(ctx, cfg.DestroyEndpoint(), "", map[string]any{"refresh_token": refreshToken}, nil)
}

// CheckRefreshTokenStatus asks the introspection endpoint whether the
// refresh token is still active.
func (c *Client) CheckRefreshTokenStatus(ctx context.Context, cfg config.Config, refreshToken string) (*IntrospectResponse, error) {
	body := map[string]any{
		"token_type_hint": "refresh_token",
		"token":           refreshToken,
	}
	var resp IntrospectResponse
	if err := c.post(ctx, cfg.IntrospectionEndpoint(), "", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Profile fetches the user's profile. When etag is non-empty it is sent as
// If-None-Match; a 304 response yields (nil, nil) and the caller reuses its
// cached copy.
func (c *Client) Profile(ctx context.Context, cfg config.Config, accessToken, etag string) (*ProfileAndETag, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.ProfileEndpoint(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if etag != "" {
		req.Header.Set("If-None-Match", `"`+etag+`"`)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fxaerror.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotModified {
		return nil, nil
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var profile Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("malformed profile response: %w", err)
	}
	return &ProfileAndETag{
		Response: profile,
		ETag:     unquoteETag(resp.Header.Get("ETag")),
	}, nil
}

// Devices lists the account's device constellation, filtered to devices seen
// within the last three weeks.
func (c *Client) Devices(ctx context.Context, cfg config.Config, refreshToken string) ([]Device, error) {
	u, err := url.Parse(cfg.DevicesEndpoint())
	if err != nil {
		return nil, err
	}
	cutoff := c.nowFunc().AddDate(0, 0, -devicesFilterDays).UnixMilli()
	q := u.Query()
	q.Set("filterIdleDevicesTimestamp", strconv.FormatInt(cutoff, 10))
	u.RawQuery = q.Encode()

	var devices []Device
	if err := c.get(ctx, u.String(), refreshToken, &devices); err != nil {
		return nil, err
	}
	return devices, nil
}

// UpdateDevice creates or patches our own device record.
func (c *Client) UpdateDevice(ctx context.Context, cfg config.Config, refreshToken string, update DeviceUpdate) (*UpdateDeviceResponse, error) {
	var resp UpdateDeviceResponse
	if err := c.post(ctx, cfg.UpdateDeviceEndpoint(), refreshToken, update, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DestroyDevice deletes a device record (and the refresh token bound to it).
func (c *Client) DestroyDevice(ctx context.Context, cfg config.Config, refreshToken, deviceID string) error {
	body := map[string]any{"id": deviceID}
	return c.post(ctx, cfg.DestroyDeviceEndpoint(), refreshToken, body, nil)
}

// PendingCommands fetches queued commands for this device starting at index.
func (c *Client) PendingCommands(ctx context.Context, cfg config.Config, refreshToken string, index int64, limit *int64) (*PendingCommandsResponse, error) {
	u, err := url.Parse(cfg.PendingCommandsEndpoint())
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("index", strconv.FormatInt(index, 10))
	if limit != nil {
		q.Set("limit", strconv.FormatInt(*limit, 10))
	}
	u.RawQuery = q.Encode()

	var resp PendingCommandsResponse
	if err := c.get(ctx, u.String(), refreshToken, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// InvokeCommand sends a named command with an opaque payload to a target
// device.
func (c *Client) InvokeCommand(ctx context.Context, cfg config.Config, refreshToken, command, targetID string, payload json.RawMessage) error {
	body := map[string]any{
		"command": command,
		"target":  targetID,
		"payload": payload,
	}
	return c.post(ctx, cfg.InvokeCommandEndpoint(), refreshToken, body, nil)
}

func (c *Client) get(ctx context.Context, rawURL, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, rawURL, bearer string, body, out any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", fxaerror.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("malformed response from %s: %w", req.URL.Path, err)
	}
	return nil
}

// checkStatus turns a non-2xx response into a RemoteError, parsing the
// structured error body the FxA servers return.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	remote := &fxaerror.RemoteError{Status: resp.StatusCode}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err == nil {
		var body struct {
			Code    int64  `json:"code"`
			Errno   int64  `json:"errno"`
			Error   string `json:"error"`
			Message string `json:"message"`
			Info    string `json:"info"`
		}
		if json.Unmarshal(raw, &body) == nil {
			remote.Code = body.Code
			remote.Errno = body.Errno
			remote.Reason = body.Error
			remote.Message = body.Message
			remote.Info = body.Info
		}
	}
	return remote
}

func unquoteETag(etag string) string {
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		return etag[1 : len(etag)-1]
	}
	return etag
}

func joinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}
