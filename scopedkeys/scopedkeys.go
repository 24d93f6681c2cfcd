// Package scopedkeys implements the crypto used to deliver scoped keys to
// the client at the end of an OAuth flow, and to wrap device-command payloads
// for other devices: a compact-serialization JWE codec using ECDH-ES direct
// key agreement on P-256, ConcatKDF and AES-256-GCM.
//
// The codec is deliberately hand-rolled rather than delegated to a general
// JOSE library: the FxA servers require the public JWK to round-trip
// byte-for-byte (canonical key order, no whitespace), the AAD is the raw
// base64 header segment taken verbatim, and the encrypted-key segment must be
// empty. See the package tests for the inverse property.
package scopedkeys

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// ScopedKey is a symmetric key tied to one OAuth scope, as delivered inside
// the keys JWE. The field names are the JWK representation used on the wire
// and in the persisted state.
type ScopedKey struct {
	Kty   string `json:"kty"`
	Scope string `json:"scope"`
	K     string `json:"k"`
	Kid   string `json:"kid"`
}

// KeyBytes decodes the raw key material.
func (k ScopedKey) KeyBytes() ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(k.K)
	if err != nil {
		return nil, fmt.Errorf("scoped key is not base64url: %w", err)
	}
	return raw, nil
}

var (
	ErrMalformedJWE     = errors.New("malformed JWE")
	ErrUnsupportedCurve = errors.New("unsupported curve")
	ErrUnsupportedAlg   = errors.New("unsupported algorithm")
	ErrKeyAgreement     = errors.New("key agreement failed")
	ErrAEADOpen         = errors.New("AEAD open failed")
)

// KeyPair is an ephemeral P-256 keypair. One is generated per OAuth flow and
// discarded once the keys JWE has been decrypted.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair produces a fresh P-256 keypair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}
	return &KeyPair{priv: priv}, nil
}

// KeyPairFromPrivate wraps an existing P-256 private key, e.g. one reloaded
// from persisted command keys.
func KeyPairFromPrivate(priv *ecdh.PrivateKey) *KeyPair {
	return &KeyPair{priv: priv}
}

// PublicKey returns the public half of the keypair.
func (kp *KeyPair) PublicKey() *ecdh.PublicKey {
	return kp.priv.PublicKey()
}

// PublicJWK serializes the public key as a JWK with the exact key order and
// formatting the FxA OAuth server expects. The result is embedded in the
// authorization URL (base64url-encoded) and must not be re-serialized.
func (kp *KeyPair) PublicJWK() string {
	x, y := publicKeyCoordinates(kp.priv.PublicKey())
	return fmt.Sprintf(`{"crv":"P-256","kty":"EC","x":"%s","y":"%s"}`,
		base64.RawURLEncoding.EncodeToString(x),
		base64.RawURLEncoding.EncodeToString(y))
}

// publicKeyCoordinates splits an uncompressed SEC1 point (0x04 || x || y)
// into its 32-byte coordinates.
func publicKeyCoordinates(pub *ecdh.PublicKey) (x, y []byte) {
	raw := pub.Bytes()
	return raw[1:33], raw[33:65]
}
