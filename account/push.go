package account

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/jrsteele09/go-fxa-client/reporting"
	"github.com/jrsteele09/go-fxa-client/statemachine"
)

// Push message command tags.
const (
	pushCommandReceived    = "fxaccounts:command_received"
	pushProfileUpdated     = "fxaccounts:profile_updated"
	pushDeviceConnected    = "fxaccounts:device_connected"
	pushDeviceDisconnected = "fxaccounts:device_disconnected"
	pushPasswordChanged    = "fxaccounts:password_changed"
	pushPasswordReset      = "fxaccounts:password_reset"
	pushAccountDestroyed   = "fxaccounts:account_destroyed"
)

// HandlePushMessage decodes a web-push payload from the FxA servers and
// applies its effects, returning the events the application should react to.
// Unknown command tags are tolerated and yield no events; a payload without
// a command tag at all is malformed.
func (a *Account) HandlePushMessage(ctx context.Context, payload []byte) ([]AccountEvent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var message struct {
		Command *string         `json:"command"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &message); err != nil {
		return nil, fmt.Errorf("push payload is not JSON: %w", err)
	}
	if message.Command == nil {
		return nil, fmt.Errorf("push payload has no command field")
	}
	reporting.Breadcrumb("push: %s", *message.Command)

	switch *message.Command {
	case pushCommandReceived:
		var data struct {
			Index int64 `json:"index"`
		}
		if err := json.Unmarshal(message.Data, &data); err != nil {
			return nil, fmt.Errorf("command_received data: %w", err)
		}
		commands, err := a.pollDeviceCommands(ctx, commandFetchReason{push: true, index: data.Index})
		if err != nil {
			return nil, err
		}
		var events []AccountEvent
		for _, command := range commands {
			events = append(events, CommandReceived{Command: command})
		}
		return events, nil

	case pushProfileUpdated:
		a.state.LastSeenProfile = nil
		a.persistState()
		return []AccountEvent{ProfileUpdated{}}, nil

	case pushDeviceConnected:
		var data struct {
			DeviceName string `json:"deviceName"`
		}
		if err := json.Unmarshal(message.Data, &data); err != nil {
			return nil, fmt.Errorf("device_connected data: %w", err)
		}
		a.clearDevicesCache()
		return []AccountEvent{DeviceConnected{DeviceName: data.DeviceName}}, nil

	case pushDeviceDisconnected:
		var data struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(message.Data, &data); err != nil {
			return nil, fmt.Errorf("device_disconnected data: %w", err)
		}
		isLocal := a.state.CurrentDeviceID != nil && *a.state.CurrentDeviceID == data.ID
		if isLocal {
			a.disconnectOnPush(ctx)
		}
		a.clearDevicesCache()
		return []AccountEvent{DeviceDisconnected{DeviceID: data.ID, IsLocalDevice: isLocal}}, nil

	case pushPasswordChanged, pushPasswordReset:
		a.clearDevicesCache()
		active, err := a.checkAuthorizationStatus(ctx)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, nil
		}
		return []AccountEvent{AccountAuthStateChanged{}}, nil

	case pushAccountDestroyed:
		var data struct {
			UID string `json:"uid"`
		}
		if err := json.Unmarshal(message.Data, &data); err != nil {
			return nil, fmt.Errorf("account_destroyed data: %w", err)
		}
		if cached := a.state.LastSeenProfile; cached != nil && cached.Response.UID == data.UID {
			return []AccountEvent{AccountDestroyed{}}, nil
		}
		return nil, nil

	default:
		log.Debug().Str("command", *message.Command).Msg("account: ignoring unknown push command")
		return nil, nil
	}
}

// disconnectOnPush resets the account after the server told us this device
// was disconnected. When the machine is in a state that accepts Disconnect
// it is driven through the normal event so its public state follows; in any
// other state the reset happens directly.
func (a *Account) disconnectOnPush(ctx context.Context) {
	if _, ok := a.machine.State().(statemachine.Connected); ok {
		if _, err := a.machine.ProcessEvent(ctx, statemachine.Disconnect{}); err != nil {
			log.Warn().Err(err).Msg("account: disconnect event failed, resetting directly")
			a.disconnect(ctx)
		}
	} else {
		a.disconnect(ctx)
	}
	a.persistState()
}
