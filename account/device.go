package account

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-fxa-client/fxaclient"
	"github.com/jrsteele09/go-fxa-client/fxaerror"
	"github.com/jrsteele09/go-fxa-client/reporting"
	"github.com/jrsteele09/go-fxa-client/statemachine"
)

// devicesCacheTTL is how long a fetched device constellation stays fresh.
const devicesCacheTTL = 60 * time.Second

type devicesCache struct {
	list      []fxaclient.Device
	fetchedAt time.Time
}

// Devices returns the account's device constellation, served from a
// short-lived cache.
func (a *Account) Devices(ctx context.Context, ignoreCache bool) ([]fxaclient.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.getDevices(ctx, ignoreCache)
}

func (a *Account) getDevices(ctx context.Context, ignoreCache bool) ([]fxaclient.Device, error) {
	if !ignoreCache && a.devices.list != nil && a.now().Sub(a.devices.fetchedAt) < devicesCacheTTL {
		return a.devices.list, nil
	}
	rt := a.state.RefreshToken
	if rt == nil {
		return nil, fxaerror.ErrNoRefreshToken
	}
	list, err := a.client.Devices(ctx, a.state.Config, rt.Token)
	if err != nil {
		return nil, err
	}
	a.devices = devicesCache{list: list, fetchedAt: a.now()}
	return list, nil
}

func (a *Account) clearDevicesCache() {
	a.devices = devicesCache{}
}

// CurrentDevice picks our own record out of the constellation, or nil when
// the server does not mark any device as current. The server should mark
// exactly one; if it marks several we take the first and flag the anomaly.
func (a *Account) CurrentDevice(ctx context.Context) (*fxaclient.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentDevice(ctx)
}

func (a *Account) currentDevice(ctx context.Context) (*fxaclient.Device, error) {
	devices, err := a.getDevices(ctx, false)
	if err != nil {
		return nil, err
	}
	var own *fxaclient.Device
	for i := range devices {
		if !devices[i].IsCurrentDevice {
			continue
		}
		if own != nil {
			log.Warn().Msg("account: server reports more than one current device")
			break
		}
		own = &devices[i]
	}
	return own, nil
}

// initializeDevice registers the full device record: name, type and the
// command bundles for every advertised capability.
func (a *Account) initializeDevice(ctx context.Context, device statemachine.DeviceConfig) error {
	rt := a.state.RefreshToken
	if rt == nil {
		return fxaerror.ErrNoRefreshToken
	}
	commands, err := a.commandBundles(device.Capabilities)
	if err != nil {
		return err
	}
	update := fxaclient.DeviceUpdate{
		DisplayName:       &device.Name,
		DeviceType:        &device.Type,
		AvailableCommands: &commands,
	}
	resp, err := a.client.UpdateDevice(ctx, a.state.Config, rt.Token, update)
	if err != nil {
		return err
	}
	a.recordLocalDevice(resp, device.Capabilities)
	a.clearDevicesCache()
	reporting.Breadcrumb("device: registered %s", resp.ID)
	return nil
}

// ensureCapabilities re-publishes the command bundles unless the server's
// last echo of our record already advertises the same capability set.
func (a *Account) ensureCapabilities(ctx context.Context, capabilities []fxaclient.Capability) error {
	if local := a.state.ServerLocalDeviceInfo; local != nil && sameCapabilities(local.Capabilities, capabilities) {
		a.state.DeviceCapabilities = append([]fxaclient.Capability{}, capabilities...)
		return nil
	}
	rt := a.state.RefreshToken
	if rt == nil {
		return fxaerror.ErrNoRefreshToken
	}
	commands, err := a.commandBundles(capabilities)
	if err != nil {
		return err
	}
	resp, err := a.client.UpdateDevice(ctx, a.state.Config, rt.Token, fxaclient.DeviceUpdate{
		AvailableCommands: &commands,
	})
	if err != nil {
		return err
	}
	a.recordLocalDevice(resp, capabilities)
	return nil
}

// reregisterCurrentCapabilities forces a capability re-publish, used after
// the command keys were regenerated.
func (a *Account) reregisterCurrentCapabilities(ctx context.Context) error {
	capabilities := a.state.DeviceCapabilities
	a.state.ServerLocalDeviceInfo = nil
	return a.ensureCapabilities(ctx, capabilities)
}

func (a *Account) recordLocalDevice(resp *fxaclient.UpdateDeviceResponse, capabilities []fxaclient.Capability) {
	id := resp.ID
	a.state.CurrentDeviceID = &id
	a.state.DeviceCapabilities = append([]fxaclient.Capability{}, capabilities...)
	a.state.ServerLocalDeviceInfo = &fxaclient.LocalDevice{
		ID:                  resp.ID,
		DisplayName:         resp.DisplayName,
		DeviceType:          resp.DeviceType,
		Capabilities:        append([]fxaclient.Capability{}, capabilities...),
		PushSubscription:    resp.PushSubscription,
		PushEndpointExpired: resp.PushEndpointExpired,
	}
}

func sameCapabilities(a, b []fxaclient.Capability) bool {
	if len(a) != len(b) {
		return false
	}
	set := map[fxaclient.Capability]bool{}
	for _, c := range a {
		set[c] = true
	}
	for _, c := range b {
		if !set[c] {
			return false
		}
	}
	return true
}

// SetDeviceName renames this device's record.
func (a *Account) SetDeviceName(ctx context.Context, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.patchDevice(ctx, fxaclient.DeviceUpdate{DisplayName: &name})
}

// SetPushSubscription attaches a web-push endpoint to this device's record
// so the server can deliver commands without polling.
func (a *Account) SetPushSubscription(ctx context.Context, sub fxaclient.PushSubscription) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.patchDevice(ctx, fxaclient.DeviceUpdate{PushSubscription: &sub})
}

func (a *Account) patchDevice(ctx context.Context, update fxaclient.DeviceUpdate) error {
	rt := a.state.RefreshToken
	if rt == nil {
		return fxaerror.ErrNoRefreshToken
	}
	resp, err := a.client.UpdateDevice(ctx, a.state.Config, rt.Token, update)
	if err != nil {
		return err
	}
	a.recordLocalDevice(resp, a.state.DeviceCapabilities)
	a.clearDevicesCache()
	a.persistState()
	return nil
}

// disconnect tears the connection down: destroy the device record (which
// takes the refresh token with it) or, failing that, the refresh token
// itself, then reset the persisted state. Server-side failures are logged
// and ignored so a disconnect always succeeds locally.
func (a *Account) disconnect(ctx context.Context) {
	if rt := a.state.RefreshToken; rt != nil {
		if id := a.state.CurrentDeviceID; id != nil {
			if err := a.client.DestroyDevice(ctx, a.state.Config, rt.Token, *id); err != nil {
				log.Warn().Err(err).Msg("account: failed to destroy device record on disconnect")
			}
		} else if err := a.client.DestroyRefreshToken(ctx, a.state.Config, rt.Token); err != nil {
			log.Warn().Err(err).Msg("account: failed to destroy refresh token on disconnect")
		}
	}
	a.state.StartOver()
	a.flows = map[string]*oauthFlow{}
	a.clearDevicesCache()
	reporting.Breadcrumb("account: disconnected")
}
