package account_test

import (
	"context"
	"crypto/ecdh"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-fxa-client/account"
	"github.com/jrsteele09/go-fxa-client/account/clientfake"
	"github.com/jrsteele09/go-fxa-client/fxaclient"
	"github.com/jrsteele09/go-fxa-client/fxaerror"
	"github.com/jrsteele09/go-fxa-client/scopedkeys"
	"github.com/jrsteele09/go-fxa-client/statemachine"
	"github.com/jrsteele09/go-fxa-client/storage"
)

// sendTabBundle extracts the published send-tab bundle from the device
// record the account registered with the fake.
func sendTabBundle(t *testing.T, fake *clientfake.Fake) (pub *ecdh.PublicKey, kid string) {
	t.Helper()
	call, ok := fake.LastCall("UpdateDevice")
	require.True(t, ok)
	update := call.Args[0].(fxaclient.DeviceUpdate)
	require.NotNil(t, update.AvailableCommands)
	raw, ok := (*update.AvailableCommands)[account.CommandSendTab]
	require.True(t, ok)

	var bundle struct {
		PublicKey json.RawMessage `json:"publicKey"`
		Kid       string          `json:"kid"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &bundle))
	var jwk struct {
		Crv string `json:"crv"`
		X   string `json:"x"`
		Y   string `json:"y"`
	}
	require.NoError(t, json.Unmarshal(bundle.PublicKey, &jwk))
	require.Equal(t, "P-256", jwk.Crv)
	x, err := base64.RawURLEncoding.DecodeString(jwk.X)
	require.NoError(t, err)
	y, err := base64.RawURLEncoding.DecodeString(jwk.Y)
	require.NoError(t, err)
	pub, err = scopedkeys.PublicKeyFromCoordinates(x, y)
	require.NoError(t, err)
	return pub, bundle.Kid
}

func sendTabMessage(t *testing.T, pub *ecdh.PublicKey, index int64, sender string) fxaclient.PendingCommand {
	t.Helper()
	payload, err := json.Marshal(account.SendTabPayload{
		Entries:  []account.TabHistoryEntry{{Title: "Example", URL: "https://example.com/article"}},
		FlowID:   "flow-1",
		StreamID: "stream-1",
	})
	require.NoError(t, err)
	jwe, err := scopedkeys.Encrypt(pub, payload)
	require.NoError(t, err)
	envelope, err := json.Marshal(map[string]string{"encrypted": jwe})
	require.NoError(t, err)

	s := sender
	return fxaclient.PendingCommand{
		Index: index,
		Data: fxaclient.CommandData{
			Command: account.CommandSendTab,
			Payload: envelope,
			Sender:  &s,
		},
	}
}

func queueMessages(fake *clientfake.Fake, messages ...fxaclient.PendingCommand) {
	fake.PendingCommandsFunc = func(refreshToken string, start int64, limit *int64) (*fxaclient.PendingCommandsResponse, error) {
		var pending []fxaclient.PendingCommand
		for _, m := range messages {
			if m.Index >= start {
				pending = append(pending, m)
			}
		}
		index := start - 1
		if len(pending) > 0 {
			index = pending[len(pending)-1].Index
		}
		return &fxaclient.PendingCommandsResponse{Index: index, Messages: pending}, nil
	}
}

func queueSendTab(t *testing.T, fake *clientfake.Fake, pub *ecdh.PublicKey, index int64, sender string) {
	t.Helper()
	queueMessages(fake, sendTabMessage(t, pub, index, sender))
}

func TestIncomingSendTab(t *testing.T) {
	fake := clientfake.New()
	fake.DevicesFunc = func(string) ([]fxaclient.Device, error) {
		return []fxaclient.Device{
			{ID: testDeviceID, IsCurrentDevice: true},
			{ID: "D2", DisplayName: "Laptop"},
		}, nil
	}
	acct := initializedConnectedFresh(t, fake)
	pub, _ := sendTabBundle(t, fake)
	queueSendTab(t, fake, pub, 4, "D2")

	commands, err := acct.PollDeviceCommands(context.Background())
	require.NoError(t, err)
	require.Len(t, commands, 1)
	tab, ok := commands[0].(account.TabReceived)
	require.True(t, ok)
	require.NotNil(t, tab.Sender)
	require.Equal(t, "Laptop", tab.Sender.DisplayName)
	require.Equal(t, []account.TabHistoryEntry{{Title: "Example", URL: "https://example.com/article"}}, tab.Payload.Entries)

	state := loadState(t, acct)
	require.NotNil(t, state.LastHandledCommand)
	require.Equal(t, int64(4), *state.LastHandledCommand)
}

func TestInterruptedPollKeepsQueuedCommands(t *testing.T) {
	fake := clientfake.New()
	fake.DevicesFunc = func(string) ([]fxaclient.Device, error) {
		return []fxaclient.Device{
			{ID: testDeviceID, IsCurrentDevice: true},
			{ID: "D2", DisplayName: "Laptop"},
		}, nil
	}
	acct := initializedConnectedFresh(t, fake)
	pub, _ := sendTabBundle(t, fake)
	queueMessages(fake,
		sendTabMessage(t, pub, 3, "D2"),
		sendTabMessage(t, pub, 4, "D2"))

	acct.Interrupt()
	commands, err := acct.PollDeviceCommands(context.Background())
	require.ErrorIs(t, err, fxaerror.ErrInterrupted)
	require.Empty(t, commands)

	// Nothing was handled, so the handled index must not move: the batch
	// stays queued for the next poll instead of being skipped.
	require.Nil(t, loadState(t, acct).LastHandledCommand)

	commands, err = acct.PollDeviceCommands(context.Background())
	require.NoError(t, err)
	require.Len(t, commands, 2)
	state := loadState(t, acct)
	require.NotNil(t, state.LastHandledCommand)
	require.Equal(t, int64(4), *state.LastHandledCommand)
}

func TestPushCommandReceived(t *testing.T) {
	fake := clientfake.New()
	fake.DevicesFunc = func(string) ([]fxaclient.Device, error) {
		return []fxaclient.Device{{ID: testDeviceID, IsCurrentDevice: true}}, nil
	}
	acct := initializedConnectedFresh(t, fake)
	pub, _ := sendTabBundle(t, fake)
	queueSendTab(t, fake, pub, 7, "D2")

	events, err := acct.HandlePushMessage(context.Background(),
		[]byte(`{"command":"fxaccounts:command_received","data":{"index":7}}`))
	require.NoError(t, err)
	require.Len(t, events, 1)
	received, ok := events[0].(account.CommandReceived)
	require.True(t, ok)
	_, ok = received.Command.(account.TabReceived)
	require.True(t, ok)
}

func TestUndecryptableCommandResetsKeys(t *testing.T) {
	fake := clientfake.New()
	fake.DevicesFunc = func(string) ([]fxaclient.Device, error) {
		return []fxaclient.Device{{ID: testDeviceID, IsCurrentDevice: true}}, nil
	}
	acct := initializedConnectedFresh(t, fake)
	before := loadState(t, acct).CommandsData[account.CommandSendTab]
	registrations := fake.CallCount("UpdateDevice")

	// Encrypted under a key we do not hold.
	wrong, err := scopedkeys.GenerateKeyPair()
	require.NoError(t, err)
	queueSendTab(t, fake, wrong.PublicKey(), 9, "D2")

	commands, err := acct.PollDeviceCommands(context.Background())
	require.NoError(t, err)
	require.Empty(t, commands)

	// The keys were regenerated and the bundle re-published.
	after := loadState(t, acct).CommandsData[account.CommandSendTab]
	require.NotEqual(t, before, after)
	require.Equal(t, registrations+1, fake.CallCount("UpdateDevice"))
}

func TestStaleCommandKeysAreRegenerated(t *testing.T) {
	fake := clientfake.New()
	acct := initializedConnectedFresh(t, fake, func(s *storage.State) {
		s.CommandsData[account.CommandSendTab] = `{"privateKey":{},"publicKey":{},"kid":"stale-kid"}`
	})

	_, kid := sendTabBundle(t, fake)
	require.NotEqual(t, "stale-kid", kid)
	stored := loadState(t, acct).CommandsData[account.CommandSendTab]
	require.Contains(t, stored, kid)
}

func TestSendSingleTab(t *testing.T) {
	fake := clientfake.New()
	target, err := scopedkeys.GenerateKeyPair()
	require.NoError(t, err)
	bundle := `{"publicKey":` + target.PublicJWK() + `,"kid":"kid-2"}`
	fake.DevicesFunc = func(string) ([]fxaclient.Device, error) {
		return []fxaclient.Device{{
			ID:                "D2",
			DisplayName:       "Laptop",
			AvailableCommands: map[string]string{account.CommandSendTab: bundle},
		}}, nil
	}
	acct := restoreConnected(t, fake, newTestClock(), nil)

	require.NoError(t, acct.SendSingleTab(context.Background(), "D2", "Example", "https://example.com/article"))

	call, ok := fake.LastCall("InvokeCommand")
	require.True(t, ok)
	require.Equal(t, account.CommandSendTab, call.Args[0])
	require.Equal(t, "D2", call.Args[1])

	var envelope struct {
		Encrypted string `json:"encrypted"`
	}
	require.NoError(t, json.Unmarshal(call.Args[2].(json.RawMessage), &envelope))
	plaintext, err := target.Decrypt(envelope.Encrypted)
	require.NoError(t, err)
	var payload account.SendTabPayload
	require.NoError(t, json.Unmarshal(plaintext, &payload))
	require.Equal(t, []account.TabHistoryEntry{{Title: "Example", URL: "https://example.com/article"}}, payload.Entries)
	require.NotEmpty(t, payload.FlowID)
	require.NotEmpty(t, payload.StreamID)
}

func TestSendSingleTabRequiresCapability(t *testing.T) {
	fake := clientfake.New()
	fake.DevicesFunc = func(string) ([]fxaclient.Device, error) {
		return []fxaclient.Device{{ID: "D2", DisplayName: "Laptop"}}, nil
	}
	acct := restoreConnected(t, fake, newTestClock(), nil)

	err := acct.SendSingleTab(context.Background(), "D2", "Example", "https://example.com")
	require.Error(t, err)
	require.Zero(t, fake.CallCount("InvokeCommand"))
}

// initializedConnectedFresh reaches Connected with no server-side device
// record, forcing a full capability registration that publishes the
// send-tab bundle.
func initializedConnectedFresh(t *testing.T, fake *clientfake.Fake, mutate ...func(*storage.State)) *account.Account {
	t.Helper()
	acct := restoreConnected(t, fake, newTestClock(), func(s *storage.State) {
		s.DeviceCapabilities = []fxaclient.Capability{fxaclient.CapabilitySendTab}
		for _, m := range mutate {
			m(s)
		}
	})
	_, err := acct.ProcessEvent(context.Background(), statemachine.Initialize{Device: statemachine.DeviceConfig{
		Name:         "Test Device",
		Type:         "desktop",
		Capabilities: []fxaclient.Capability{fxaclient.CapabilitySendTab},
	}})
	require.NoError(t, err)
	return acct
}
