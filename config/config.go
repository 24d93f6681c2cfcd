// Package config holds the immutable URL set for a single FxA deployment.
// A Config is constructed once per account instance and never mutated; it is
// persisted verbatim inside the account state blob.
package config

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

// Well-known deployment content URLs.
const (
	ContentURLRelease = "https://accounts.firefox.com"
	ContentURLStage   = "https://accounts.stage.mozaws.net"
	ContentURLStable  = "https://stable.dev.lcip.org"
	ContentURLChina   = "https://accounts.firefox.com.cn"
)

// Config describes one FxA deployment plus our OAuth client registration.
type Config struct {
	ContentURL     string `json:"content_url"`
	AuthURL        string `json:"auth_url"`
	OAuthURL       string `json:"oauth_url"`
	ProfileURL     string `json:"profile_url"`
	TokenServerURL string `json:"token_server_endpoint_url"`
	ClientID       string `json:"client_id"`
	RedirectURI    string `json:"redirect_uri"`
}

// Release returns the configuration for the production FxA deployment.
func Release(clientID, redirectURI string) Config {
	return mustNew(ContentURLRelease, clientID, redirectURI)
}

// Stage returns the configuration for the FxA staging deployment.
func Stage(clientID, redirectURI string) Config {
	return mustNew(ContentURLStage, clientID, redirectURI)
}

// StableDev returns the configuration for the stable development deployment.
func StableDev(clientID, redirectURI string) Config {
	return mustNew(ContentURLStable, clientID, redirectURI)
}

// New derives the auth/oauth/profile/token-server URLs from the content URL
// using the conventional FxA subdomain layout. Deployments with a
// non-standard layout should fill in the Config struct directly and call
// Validate themselves.
func New(contentURL, clientID, redirectURI string) (Config, error) {
	c := Config{
		ContentURL:     strings.TrimSuffix(contentURL, "/"),
		AuthURL:        deriveURL(contentURL, "api."),
		OAuthURL:       deriveURL(contentURL, "oauth."),
		ProfileURL:     deriveURL(contentURL, "profile."),
		TokenServerURL: "https://token.services.mozilla.com/1.0/sync/1.5",
		ClientID:       clientID,
		RedirectURI:    redirectURI,
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func mustNew(contentURL, clientID, redirectURI string) Config {
	c, err := New(contentURL, clientID, redirectURI)
	if err != nil {
		panic(err)
	}
	return c
}

func deriveURL(contentURL, subdomainPrefix string) string {
	u, err := url.Parse(contentURL)
	if err != nil {
		return contentURL
	}
	u.Host = subdomainPrefix + strings.TrimPrefix(u.Host, "www.")
	u.Path = ""
	return strings.TrimSuffix(u.String(), "/")
}

// Validate checks the invariants of §Config: all URLs absolute https
// (localhost excepted, for tests) and a non-empty client id.
func (c Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("[Config.Validate] client id is required")
	}
	for name, raw := range map[string]string{
		"content_url": c.ContentURL,
		"auth_url":    c.AuthURL,
		"oauth_url":   c.OAuthURL,
		"profile_url": c.ProfileURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || !u.IsAbs() {
			return errors.Errorf("[Config.Validate] %s is not an absolute URL: %q", name, raw)
		}
		if u.Scheme != "https" && !isLocalhost(u) {
			return errors.Errorf("[Config.Validate] %s must use https: %q", name, raw)
		}
	}
	return nil
}

func isLocalhost(u *url.URL) bool {
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// Endpoint helpers. Paths follow the FxA server API layout.

func (c Config) AuthorizationEndpoint() string { return c.ContentURL + "/authorization" }
func (c Config) PairSuppEndpoint() string      { return c.ContentURL + "/pair/supp" }
func (c Config) PairEndpoint() string          { return c.ContentURL + "/pair" }
func (c Config) SettingsEndpoint() string      { return c.ContentURL + "/settings" }
func (c Config) SettingsClientsEndpoint() string {
	return c.ContentURL + "/settings/clients"
}
func (c Config) ConnectAnotherDeviceEndpoint() string {
	return c.ContentURL + "/connect_another_device"
}

func (c Config) TokenEndpoint() string         { return c.OAuthURL + "/v1/token" }
func (c Config) DestroyEndpoint() string       { return c.OAuthURL + "/v1/destroy" }
func (c Config) IntrospectionEndpoint() string { return c.OAuthURL + "/v1/introspect" }

func (c Config) ProfileEndpoint() string { return c.ProfileURL + "/v1/profile" }

func (c Config) DevicesEndpoint() string      { return c.AuthURL + "/v1/account/devices" }
func (c Config) UpdateDeviceEndpoint() string { return c.AuthURL + "/v1/account/device" }
func (c Config) DestroyDeviceEndpoint() string {
	return c.AuthURL + "/v1/account/device/destroy"
}
func (c Config) PendingCommandsEndpoint() string {
	return c.AuthURL + "/v1/account/device/commands"
}
func (c Config) InvokeCommandEndpoint() string {
	return c.AuthURL + "/v1/account/devices/invoke_command"
}
