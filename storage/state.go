// Package storage owns the persisted account state: a versioned JSON
// document the embedder stores as an opaque string. The schema is tagged
// with a schema_version field so incompatible changes can introduce a new
// variant plus an explicit migration, while compatible additions default at
// read time. Unknown top-level fields written by a future release round-trip
// untouched.
package storage

import (
	"encoding/json"
	"fmt"

	"github.com/jrsteele09/go-fxa-client/config"
	"github.com/jrsteele09/go-fxa-client/fxaclient"
	"github.com/jrsteele09/go-fxa-client/fxaerror"
	"github.com/jrsteele09/go-fxa-client/scopedkeys"
)

// RefreshToken is the long-lived token plus the scopes its grant covers.
type RefreshToken struct {
	Token  string   `json:"token"`
	Scopes []string `json:"scopes"`
}

// HasScope reports whether the grant covers the given scope.
func (r RefreshToken) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AccessTokenInfo is one cached short-lived access token.
type AccessTokenInfo struct {
	Scope     string                `json:"scope"`
	Token     string                `json:"token"`
	Key       *scopedkeys.ScopedKey `json:"key,omitempty"`
	ExpiresAt int64                 `json:"expires_at"` // unix seconds
}

// CachedProfile is the last profile response we saw, with the metadata
// needed for conditional refetches.
type CachedProfile struct {
	Response fxaclient.Profile `json:"response"`
	CachedAt int64             `json:"cached_at"` // unix millis
	ETag     string            `json:"etag"`
}

// AuthState is the coarse authorization state derivable from the persisted
// data alone, before any server round-trip.
type AuthState int

const (
	AuthStateDisconnected AuthState = iota
	AuthStateConnected
	AuthStateAuthIssues
)

func (s AuthState) String() string {
	switch s {
	case AuthStateConnected:
		return "Connected"
	case AuthStateAuthIssues:
		return "AuthIssues"
	default:
		return "Disconnected"
	}
}

// State is the current (V2) schema. A connected account has a non-nil
// RefreshToken; LoggedOutFromAuthIssues implies RefreshToken is nil.
type State struct {
	Config                  config.Config
	CurrentDeviceID         *string
	RefreshToken            *RefreshToken
	ScopedKeys              map[string]scopedkeys.ScopedKey
	SessionToken            *string // legacy, hex-formatted
	LastHandledCommand      *int64
	CommandsData            map[string]string
	DeviceCapabilities      []fxaclient.Capability
	AccessTokenCache        map[string]AccessTokenInfo
	LastSeenProfile         *CachedProfile
	ServerLocalDeviceInfo   *fxaclient.LocalDevice
	LoggedOutFromAuthIssues bool

	// Top-level JSON fields written by a future release that this schema
	// has no reader for. Preserved verbatim across a load/store cycle.
	unknownFields map[string]json.RawMessage
}

// New returns a fresh disconnected state for the given deployment.
func New(cfg config.Config) *State {
	return &State{
		Config:           cfg,
		ScopedKeys:       map[string]scopedkeys.ScopedKey{},
		CommandsData:     map[string]string{},
		AccessTokenCache: map[string]AccessTokenInfo{},
	}
}

// AuthState derives the coarse authorization state.
func (s *State) AuthState() AuthState {
	switch {
	case s.RefreshToken != nil:
		return AuthStateConnected
	case s.LoggedOutFromAuthIssues:
		return AuthStateAuthIssues
	default:
		return AuthStateDisconnected
	}
}

// StartOver resets everything except the deployment config, returning the
// state to the disconnected variant. The account can later reconnect to the
// same user.
func (s *State) StartOver() {
	cfg := s.Config
	unknown := s.unknownFields
	*s = *New(cfg)
	s.unknownFields = unknown
}

// OnAuthIssues discards the invalidated tokens and records that the logout
// was involuntary, so the UI can prompt for reauthentication rather than
// showing a plain signed-out state.
func (s *State) OnAuthIssues() {
	s.StartOver()
	s.LoggedOutFromAuthIssues = true
}

// UpdateTokens installs a new token pair after a completed OAuth flow and
// clears everything those tokens invalidate. New scoped keys may mean the
// server needs to re-learn our capabilities, so the last-sent set is cleared
// and the next ensure-capabilities call re-sends it.
func (s *State) UpdateTokens(refreshToken RefreshToken, sessionToken *string, keys map[string]scopedkeys.ScopedKey) {
	s.RefreshToken = &refreshToken
	s.SessionToken = sessionToken
	for scope, key := range keys {
		s.ScopedKeys[scope] = key
	}
	s.AccessTokenCache = map[string]AccessTokenInfo{}
	s.DeviceCapabilities = nil
	s.LoggedOutFromAuthIssues = false
}

// stateV2 is the wire shape of the current schema. Fields added after the
// variant was first defined carry no "required" semantics and default to
// their zero value at read time.
type stateV2 struct {
	Config                  config.Config                   `json:"config"`
	CurrentDeviceID         *string                         `json:"current_device_id"`
	RefreshToken            *RefreshToken                   `json:"refresh_token"`
	ScopedKeys              map[string]scopedkeys.ScopedKey `json:"scoped_keys"`
	SessionToken            *string                         `json:"session_token"`
	LastHandledCommand      *int64                          `json:"last_handled_command"`
	CommandsData            map[string]string               `json:"commands_data,omitempty"`
	DeviceCapabilities      []fxaclient.Capability          `json:"device_capabilities,omitempty"`
	AccessTokenCache        map[string]AccessTokenInfo      `json:"access_token_cache,omitempty"`
	LastSeenProfile         *CachedProfile                  `json:"last_seen_profile,omitempty"`
	ServerLocalDeviceInfo   *fxaclient.LocalDevice          `json:"server_local_device_info,omitempty"`
	LoggedOutFromAuthIssues bool                            `json:"logged_out_from_auth_issues,omitempty"`
}

// knownV2Fields are the top-level keys the V2 reader consumes. Anything else
// in the blob is an unknown future field and is carried through ToJSON.
var knownV2Fields = map[string]bool{
	"schema_version":              true,
	"config":                      true,
	"current_device_id":           true,
	"refresh_token":               true,
	"scoped_keys":                 true,
	"session_token":               true,
	"last_handled_command":        true,
	"commands_data":               true,
	"device_capabilities":         true,
	"access_token_cache":          true,
	"last_seen_profile":           true,
	"server_local_device_info":    true,
	"logged_out_from_auth_issues": true,
}

// FromJSON parses a persisted blob, dispatching on its schema_version tag
// and migrating older variants forward.
func FromJSON(data []byte) (*State, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: parsing persisted state: %v", fxaerror.ErrStorage, err)
	}
	var version string
	if tag, ok := raw["schema_version"]; ok {
		if err := json.Unmarshal(tag, &version); err != nil {
			return nil, fmt.Errorf("%w: parsing schema_version: %v", fxaerror.ErrStorage, err)
		}
	}
	switch version {
	case "V2":
		return stateFromV2(data, raw)
	default:
		return nil, fmt.Errorf("%w: unsupported schema_version %q", fxaerror.ErrStorage, version)
	}
}

func stateFromV2(data []byte, raw map[string]json.RawMessage) (*State, error) {
	var v2 stateV2
	if err := json.Unmarshal(data, &v2); err != nil {
		return nil, fmt.Errorf("%w: parsing V2 state: %v", fxaerror.ErrStorage, err)
	}
	s := &State{
		Config:                  v2.Config,
		CurrentDeviceID:         v2.CurrentDeviceID,
		RefreshToken:            v2.RefreshToken,
		ScopedKeys:              v2.ScopedKeys,
		SessionToken:            v2.SessionToken,
		LastHandledCommand:      v2.LastHandledCommand,
		CommandsData:            v2.CommandsData,
		DeviceCapabilities:      v2.DeviceCapabilities,
		AccessTokenCache:        v2.AccessTokenCache,
		LastSeenProfile:         v2.LastSeenProfile,
		ServerLocalDeviceInfo:   v2.ServerLocalDeviceInfo,
		LoggedOutFromAuthIssues: v2.LoggedOutFromAuthIssues,
	}
	if s.ScopedKeys == nil {
		s.ScopedKeys = map[string]scopedkeys.ScopedKey{}
	}
	if s.CommandsData == nil {
		s.CommandsData = map[string]string{}
	}
	if s.AccessTokenCache == nil {
		s.AccessTokenCache = map[string]AccessTokenInfo{}
	}
	for key, value := range raw {
		if !knownV2Fields[key] {
			if s.unknownFields == nil {
				s.unknownFields = map[string]json.RawMessage{}
			}
			s.unknownFields[key] = value
		}
	}
	return s, nil
}

// ToJSON serializes the state under the current schema tag, re-emitting any
// unknown fields a future release wrote.
func (s *State) ToJSON() ([]byte, error) {
	v2 := stateV2{
		Config:                  s.Config,
		CurrentDeviceID:         s.CurrentDeviceID,
		RefreshToken:            s.RefreshToken,
		ScopedKeys:              s.ScopedKeys,
		SessionToken:            s.SessionToken,
		LastHandledCommand:      s.LastHandledCommand,
		CommandsData:            s.CommandsData,
		DeviceCapabilities:      s.DeviceCapabilities,
		AccessTokenCache:        s.AccessTokenCache,
		LastSeenProfile:         s.LastSeenProfile,
		ServerLocalDeviceInfo:   s.ServerLocalDeviceInfo,
		LoggedOutFromAuthIssues: s.LoggedOutFromAuthIssues,
	}
	known, err := json.Marshal(v2)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing state: %v", fxaerror.ErrStorage, err)
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, fmt.Errorf("%w: serializing state: %v", fxaerror.ErrStorage, err)
	}
	for key, value := range s.unknownFields {
		if _, taken := merged[key]; !taken {
			merged[key] = value
		}
	}
	merged["schema_version"] = json.RawMessage(`"V2"`)
	out, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("%w: serializing state: %v", fxaerror.ErrStorage, err)
	}
	return out, nil
}
