package account

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/hkdf"

	"github.com/jrsteele09/go-fxa-client/fxaclient"
	"github.com/jrsteele09/go-fxa-client/fxaerror"
	"github.com/jrsteele09/go-fxa-client/reporting"
	"github.com/jrsteele09/go-fxa-client/scopedkeys"
)

// Device command names, as they appear in availableCommands and in queued
// command entries.
const (
	CommandSendTab   = "https://identity.mozilla.com/cmd/open-uri"
	CommandCloseTabs = "https://identity.mozilla.com/cmd/close-uri/v1"
)

// commandKidInfo is the HKDF info string binding command keys to the sync
// key generation they were created under.
const commandKidInfo = "identity.mozilla.com/cmd-keys"

var capabilityCommands = map[fxaclient.Capability]string{
	fxaclient.CapabilitySendTab:   CommandSendTab,
	fxaclient.CapabilityCloseTabs: CommandCloseTabs,
}

// commandKeyRecord is the persisted form of one command's keypair, stored in
// commands_data keyed by the command name.
type commandKeyRecord struct {
	PrivateKey json.RawMessage `json:"privateKey"` // private JWK
	PublicKey  json.RawMessage `json:"publicKey"`  // public JWK
	Kid        string          `json:"kid"`
}

// commandBundle is the published half of a command key, the value other
// devices see in availableCommands.
type commandBundle struct {
	PublicKey json.RawMessage `json:"publicKey"`
	Kid       string          `json:"kid"`
}

// encryptedCommandPayload is the wire shape of every command payload.
type encryptedCommandPayload struct {
	Encrypted string `json:"encrypted"`
}

// commandKid derives the key-generation marker from the sync scoped key.
// Devices holding keys from different password generations produce different
// kids, which is how stale command keys are detected.
func (a *Account) commandKid() (string, error) {
	syncKey, ok := a.state.ScopedKeys[ScopeOldSync]
	if !ok {
		return "", fmt.Errorf("command keys need the sync scoped key, which is not held")
	}
	raw, err := syncKey.KeyBytes()
	if err != nil {
		return "", err
	}
	out := make([]byte, 16)
	if _, err := io.ReadFull(hkdf.New(sha256.New, raw, nil, []byte(commandKidInfo)), out); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(out), nil
}

// loadOrGenerateCommandKeys returns the keypair for one command, creating or
// replacing it when nothing usable is persisted. A record that fails to
// parse, or whose kid no longer matches the held sync key, is regenerated.
func (a *Account) loadOrGenerateCommandKeys(command string) (*commandKeyRecord, error) {
	kid, err := a.commandKid()
	if err != nil {
		return nil, err
	}
	if raw, ok := a.state.CommandsData[command]; ok {
		var record commandKeyRecord
		if err := json.Unmarshal([]byte(raw), &record); err == nil && record.Kid == kid {
			return &record, nil
		}
		log.Warn().Str("command", command).Msg("account: stored command keys unusable, regenerating")
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	privJWK, err := jwk.FromRaw(priv)
	if err != nil {
		return nil, err
	}
	pubJWK, err := jwk.FromRaw(priv.Public())
	if err != nil {
		return nil, err
	}
	privJSON, err := json.Marshal(privJWK)
	if err != nil {
		return nil, err
	}
	pubJSON, err := json.Marshal(pubJWK)
	if err != nil {
		return nil, err
	}
	record := commandKeyRecord{PrivateKey: privJSON, PublicKey: pubJSON, Kid: kid}
	data, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	a.state.CommandsData[command] = string(data)
	return &record, nil
}

// keyPair reconstructs the decryption keypair from the persisted record.
func (r *commandKeyRecord) keyPair() (*scopedkeys.KeyPair, error) {
	key, err := jwk.ParseKey(r.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("stored command private key is not a JWK: %w", err)
	}
	var priv ecdsa.PrivateKey
	if err := key.Raw(&priv); err != nil {
		return nil, err
	}
	ecdhPriv, err := priv.ECDH()
	if err != nil {
		return nil, err
	}
	return scopedkeys.KeyPairFromPrivate(ecdhPriv), nil
}

// commandBundles builds the availableCommands map for a device record.
func (a *Account) commandBundles(capabilities []fxaclient.Capability) (map[string]string, error) {
	commands := map[string]string{}
	for _, capability := range capabilities {
		command, ok := capabilityCommands[capability]
		if !ok {
			return nil, fmt.Errorf("unknown device capability %q", capability)
		}
		record, err := a.loadOrGenerateCommandKeys(command)
		if err != nil {
			return nil, err
		}
		bundle, err := json.Marshal(commandBundle{PublicKey: record.PublicKey, Kid: record.Kid})
		if err != nil {
			return nil, err
		}
		commands[command] = string(bundle)
	}
	return commands, nil
}

// encryptCommandPayload wraps a command payload for the target device, under
// the public key the target published in its availableCommands bundle.
func encryptCommandPayload(bundleJSON string, payload any) (json.RawMessage, error) {
	var bundle commandBundle
	if err := json.Unmarshal([]byte(bundleJSON), &bundle); err != nil {
		return nil, fmt.Errorf("target's command bundle is malformed: %w", err)
	}
	key, err := jwk.ParseKey(bundle.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("target's command public key is not a JWK: %w", err)
	}
	var pub ecdsa.PublicKey
	if err := key.Raw(&pub); err != nil {
		return nil, err
	}
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return nil, err
	}
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	jwe, err := scopedkeys.Encrypt(ecdhPub, plaintext)
	if err != nil {
		return nil, err
	}
	return json.Marshal(encryptedCommandPayload{Encrypted: jwe})
}

// decryptCommandPayload unwraps an incoming command payload with our own
// command key. On failure the key is discarded and the capabilities are
// re-registered so senders pick up a fresh bundle.
func (a *Account) decryptCommandPayload(ctx context.Context, command string, raw json.RawMessage, out any) error {
	var envelope encryptedCommandPayload
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("command payload is not an encrypted envelope: %w", err)
	}
	record, err := a.loadOrGenerateCommandKeys(command)
	if err != nil {
		return err
	}
	kp, err := record.keyPair()
	if err == nil {
		var plaintext []byte
		plaintext, err = kp.Decrypt(envelope.Encrypted)
		if err == nil {
			return json.Unmarshal(plaintext, out)
		}
	}
	delete(a.state.CommandsData, command)
	if rerr := a.reregisterCurrentCapabilities(ctx); rerr != nil {
		log.Warn().Err(rerr).Msg("account: failed to re-register capabilities after key reset")
	}
	return fmt.Errorf("could not decrypt %s payload: %w", command, err)
}

// commandFetchReason records why the command queue is being read, for
// logging only.
type commandFetchReason struct {
	push  bool
	index int64
}

func (r commandFetchReason) String() string {
	if r.push {
		return fmt.Sprintf("push(%d)", r.index)
	}
	return "poll"
}

// PollDeviceCommands fetches and parses every command queued since the last
// handled index.
func (a *Account) PollDeviceCommands(ctx context.Context) ([]IncomingDeviceCommand, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pollDeviceCommands(ctx, commandFetchReason{})
}

func (a *Account) pollDeviceCommands(ctx context.Context, reason commandFetchReason) ([]IncomingDeviceCommand, error) {
	rt := a.state.RefreshToken
	if rt == nil {
		return nil, fxaerror.ErrNoRefreshToken
	}
	start := int64(0)
	if last := a.state.LastHandledCommand; last != nil {
		start = *last + 1
	}
	resp, err := a.client.PendingCommands(ctx, a.state.Config, rt.Token, start, nil)
	if err != nil {
		return nil, err
	}
	reporting.Breadcrumb("commands: %s fetched %d from index %d", reason, len(resp.Messages), start)
	if len(resp.Messages) == 0 {
		return nil, nil
	}

	// The handled index only advances over messages that were actually
	// processed; an interrupt mid-batch leaves the rest queued for the
	// next poll instead of skipping past them.
	var commands []IncomingDeviceCommand
	handled := int64(-1)
	for _, message := range resp.Messages {
		if err := a.checkInterrupt(); err != nil {
			if handled >= 0 {
				a.state.LastHandledCommand = &handled
				a.persistState()
			}
			return commands, err
		}
		command, err := a.parseCommand(ctx, message)
		if err != nil {
			// One bad command must not wedge the queue behind it.
			log.Warn().Err(err).Int64("index", message.Index).Msg("account: dropping unparseable command")
			reporting.ReportError("fxa-command-parse", "command at index %d: %v", message.Index, err)
			handled = message.Index
			continue
		}
		commands = append(commands, command)
		handled = message.Index
	}
	index := resp.Index
	a.state.LastHandledCommand = &index
	a.persistState()
	return commands, nil
}

// parseCommand decodes one queued command, resolving the sender against the
// device constellation.
func (a *Account) parseCommand(ctx context.Context, message fxaclient.PendingCommand) (IncomingDeviceCommand, error) {
	var sender *fxaclient.Device
	if message.Data.Sender != nil {
		devices, err := a.getDevices(ctx, false)
		if err != nil {
			log.Warn().Err(err).Msg("account: could not resolve command sender")
		} else {
			for i := range devices {
				if devices[i].ID == *message.Data.Sender {
					sender = &devices[i]
					break
				}
			}
		}
	}
	switch message.Data.Command {
	case CommandSendTab:
		var payload SendTabPayload
		if err := a.decryptCommandPayload(ctx, CommandSendTab, message.Data.Payload, &payload); err != nil {
			return nil, err
		}
		return TabReceived{Sender: sender, Payload: payload}, nil
	case CommandCloseTabs:
		var payload CloseTabsPayload
		if err := a.decryptCommandPayload(ctx, CommandCloseTabs, message.Data.Payload, &payload); err != nil {
			return nil, err
		}
		return TabsClosed{Sender: sender, Payload: payload}, nil
	default:
		return nil, fmt.Errorf("unknown command %q", message.Data.Command)
	}
}

// invokeCommand sends one encrypted command to a target device.
func (a *Account) invokeCommand(ctx context.Context, target *fxaclient.Device, command string, payload any) error {
	rt := a.state.RefreshToken
	if rt == nil {
		return fxaerror.ErrNoRefreshToken
	}
	bundle, ok := target.AvailableCommands[command]
	if !ok {
		return fmt.Errorf("device %q does not advertise %s", target.DisplayName, command)
	}
	encrypted, err := encryptCommandPayload(bundle, payload)
	if err != nil {
		return err
	}
	return a.client.InvokeCommand(ctx, a.state.Config, rt.Token, command, target.ID, encrypted)
}

// findDevice locates a constellation entry by id.
func (a *Account) findDevice(ctx context.Context, deviceID string) (*fxaclient.Device, error) {
	devices, err := a.getDevices(ctx, false)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].ID == deviceID {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("no device with id %q", deviceID)
}
