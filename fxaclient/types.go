package fxaclient

import "encoding/json"

// Capability is a named device feature the server tracks per device and
// exposes to other devices through the devices endpoint.
type Capability string

const (
	CapabilitySendTab   Capability = "SEND_TAB"
	CapabilityCloseTabs Capability = "CLOSE_TABS"
)

// OAuthTokenResponse is the body returned by the OAuth token endpoint for
// both the authorization-code and the refresh-token grants.
type OAuthTokenResponse struct {
	AccessToken  string  `json:"access_token"`
	RefreshToken *string `json:"refresh_token,omitempty"`
	SessionToken *string `json:"session_token,omitempty"`
	ExpiresIn    int64   `json:"expires_in"`
	Scope        string  `json:"scope"`
	KeysJWE      *string `json:"keys_jwe,omitempty"`
}

// IntrospectResponse reports whether a refresh token is still active.
type IntrospectResponse struct {
	Active bool `json:"active"`
}

// Profile is the body returned by the profile server.
type Profile struct {
	UID                     string   `json:"uid"`
	Email                   string   `json:"email"`
	Locale                  string   `json:"locale"`
	DisplayName             *string  `json:"displayName,omitempty"`
	Avatar                  string   `json:"avatar"`
	AvatarDefault           bool     `json:"avatarDefault"`
	AmrValues               []string `json:"amrValues,omitempty"`
	TwoFactorAuthentication bool     `json:"twoFactorAuthentication"`
}

// ProfileAndETag pairs a profile response with the ETag the server sent.
type ProfileAndETag struct {
	Response Profile
	ETag     string
}

// PushSubscription associates a previously acquired web-push endpoint with a
// device record. The field names match the device record's flattened form.
type PushSubscription struct {
	Endpoint  string `json:"pushCallback"`
	PublicKey string `json:"pushPublicKey"`
	AuthKey   string `json:"pushAuthKey"`
}

// DeviceLocation is the approximate location the server reports per device.
type DeviceLocation struct {
	City      *string `json:"city,omitempty"`
	Country   *string `json:"country,omitempty"`
	State     *string `json:"state,omitempty"`
	StateCode *string `json:"stateCode,omitempty"`
}

// Device is one entry of the account's device constellation as returned by
// the devices endpoint.
type Device struct {
	ID                  string            `json:"id"`
	DisplayName         string            `json:"name"`
	DeviceType          string            `json:"type"`
	PushSubscription    *PushSubscription `json:"pushSubscription,omitempty"`
	AvailableCommands   map[string]string `json:"availableCommands"`
	PushEndpointExpired bool              `json:"pushEndpointExpired"`
	IsCurrentDevice     bool              `json:"isCurrentDevice"`
	Location            DeviceLocation    `json:"location"`
	LastAccessTime      *int64            `json:"lastAccessTime,omitempty"`
}

// LocalDevice is the server's echo of our own device record after an update.
type LocalDevice struct {
	ID                  string            `json:"id"`
	DisplayName         string            `json:"name"`
	DeviceType          string            `json:"type"`
	Capabilities        []Capability      `json:"capabilities"`
	PushSubscription    *PushSubscription `json:"pushSubscription,omitempty"`
	PushEndpointExpired bool              `json:"pushEndpointExpired"`
}

// DeviceUpdate is a patch for our own device record. Nil fields are left
// untouched by the server.
type DeviceUpdate struct {
	DisplayName       *string            `json:"name,omitempty"`
	DeviceType        *string            `json:"type,omitempty"`
	PushSubscription  *PushSubscription  `json:"-"`
	AvailableCommands *map[string]string `json:"availableCommands,omitempty"`
}

// MarshalJSON flattens the push subscription fields into the patch body, the
// shape the device endpoint expects.
func (u DeviceUpdate) MarshalJSON() ([]byte, error) {
	body := map[string]any{}
	if u.DisplayName != nil {
		body["name"] = *u.DisplayName
	}
	if u.DeviceType != nil {
		body["type"] = *u.DeviceType
	}
	if u.AvailableCommands != nil {
		body["availableCommands"] = *u.AvailableCommands
	}
	if u.PushSubscription != nil {
		body["pushCallback"] = u.PushSubscription.Endpoint
		body["pushPublicKey"] = u.PushSubscription.PublicKey
		body["pushAuthKey"] = u.PushSubscription.AuthKey
	}
	return json.Marshal(body)
}

// UpdateDeviceResponse is the body returned after a device record update.
type UpdateDeviceResponse struct {
	ID                  string            `json:"id"`
	DisplayName         string            `json:"name"`
	DeviceType          string            `json:"type"`
	PushSubscription    *PushSubscription `json:"pushSubscription,omitempty"`
	AvailableCommands   map[string]string `json:"availableCommands"`
	PushEndpointExpired bool              `json:"pushEndpointExpired"`
}

// PendingCommandsResponse is one page of the device command queue.
type PendingCommandsResponse struct {
	Index    int64            `json:"index"`
	Last     *bool            `json:"last,omitempty"`
	Messages []PendingCommand `json:"messages"`
}

// PendingCommand is one queued command addressed to this device.
type PendingCommand struct {
	Index int64       `json:"index"`
	Data  CommandData `json:"data"`
}

// CommandData is the payload of a queued command.
type CommandData struct {
	Command string          `json:"command"`
	Payload json.RawMessage `json:"payload"`
	Sender  *string         `json:"sender,omitempty"`
}
