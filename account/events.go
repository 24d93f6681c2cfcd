package account

import "github.com/jrsteele09/go-fxa-client/fxaclient"

// AccountEvent is something that happened to the account on the server side,
// delivered through a push message or a command poll. Applications receive
// a slice of these from HandlePushMessage and react per variant.
type AccountEvent interface {
	isAccountEvent()
}

type (
	// CommandReceived carries one decoded device command.
	CommandReceived struct {
		Command IncomingDeviceCommand
	}
	// ProfileUpdated means the user's profile changed; the local cache has
	// already been dropped.
	ProfileUpdated struct{}
	// DeviceConnected means another device joined the constellation.
	DeviceConnected struct {
		DeviceName string
	}
	// DeviceDisconnected means a device left the constellation. When it is
	// this device, the account has already been reset locally.
	DeviceDisconnected struct {
		DeviceID      string
		IsLocalDevice bool
	}
	// AccountAuthStateChanged means the stored tokens are no longer valid.
	AccountAuthStateChanged struct{}
	// AccountDestroyed means the whole account was deleted server-side.
	AccountDestroyed struct{}
)

func (CommandReceived) isAccountEvent()         {}
func (ProfileUpdated) isAccountEvent()          {}
func (DeviceConnected) isAccountEvent()         {}
func (DeviceDisconnected) isAccountEvent()      {}
func (AccountAuthStateChanged) isAccountEvent() {}
func (AccountDestroyed) isAccountEvent()        {}

// IncomingDeviceCommand is one decoded command addressed to this device.
type IncomingDeviceCommand interface {
	isIncomingDeviceCommand()
}

type (
	// TabReceived is a send-tab command: open the sent entries here.
	TabReceived struct {
		Sender  *fxaclient.Device // nil when the sender is unknown
		Payload SendTabPayload
	}
	// TabsClosed is a close-tabs command: close the listed URLs here.
	TabsClosed struct {
		Sender  *fxaclient.Device
		Payload CloseTabsPayload
	}
)

func (TabReceived) isIncomingDeviceCommand() {}
func (TabsClosed) isIncomingDeviceCommand()  {}
