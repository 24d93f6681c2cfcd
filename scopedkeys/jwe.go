package scopedkeys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	jweAlg = "ECDH-ES"
	jweEnc = "A256GCM"

	ivLen  = 12
	tagLen = 16
)

type jweHeader struct {
	Alg string  `json:"alg"`
	Enc string  `json:"enc"`
	Epk *epkJWK `json:"epk,omitempty"`
	Apu string  `json:"apu,omitempty"`
	Apv string  `json:"apv,omitempty"`
}

type epkJWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
}

// Decrypt opens a compact JWE addressed to this keypair and returns the
// plaintext. The JWE must use ECDH-ES direct key agreement (empty
// encrypted-key segment) with A256GCM content encryption.
func (kp *KeyPair) Decrypt(jwe string) ([]byte, error) {
	segments := strings.Split(jwe, ".")
	if len(segments) != 5 {
		return nil, fmt.Errorf("%w: expected 5 segments, got %d", ErrMalformedJWE, len(segments))
	}
	if segments[1] != "" {
		return nil, fmt.Errorf("%w: non-empty encrypted key segment", ErrMalformedJWE)
	}

	headerBytes, err := base64.RawURLEncoding.DecodeString(segments[0])
	if err != nil {
		return nil, fmt.Errorf("%w: header segment: %v", ErrMalformedJWE, err)
	}
	var header jweHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, fmt.Errorf("%w: header JSON: %v", ErrMalformedJWE, err)
	}
	if header.Alg != jweAlg {
		return nil, fmt.Errorf("%w: alg %q", ErrUnsupportedAlg, header.Alg)
	}
	if header.Enc != jweEnc {
		return nil, fmt.Errorf("%w: enc %q", ErrUnsupportedAlg, header.Enc)
	}
	if header.Epk == nil {
		return nil, fmt.Errorf("%w: missing epk", ErrMalformedJWE)
	}
	peer, err := parseEpk(header.Epk)
	if err != nil {
		return nil, err
	}

	iv, err := base64.RawURLEncoding.DecodeString(segments[2])
	if err != nil || len(iv) != ivLen {
		return nil, fmt.Errorf("%w: bad IV", ErrMalformedJWE)
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(segments[3])
	if err != nil || len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrMalformedJWE)
	}
	tag, err := base64.RawURLEncoding.DecodeString(segments[4])
	if err != nil || len(tag) != tagLen {
		return nil, fmt.Errorf("%w: bad auth tag", ErrMalformedJWE)
	}

	z, err := kp.priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}
	cek := concatKDF(z, header.Enc, header.Apu, header.Apv)

	// The AAD is the raw base64url header segment, taken verbatim.
	plaintext, err := aesGCMOpen(cek, iv, append(ciphertext, tag...), []byte(segments[0]))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAEADOpen, err)
	}
	return plaintext, nil
}

// DecryptKeysJWE decrypts the keys bundle returned at OAuth completion.
func (kp *KeyPair) DecryptKeysJWE(jwe string) (string, error) {
	plaintext, err := kp.Decrypt(jwe)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Encrypt produces a compact JWE addressed to peer, using a fresh ephemeral
// keypair for the ECDH-ES agreement. This is the wrap side used when sending
// command payloads (e.g. tabs) to another device.
func Encrypt(peer *ecdh.PublicKey, plaintext []byte) (string, error) {
	eph, err := GenerateKeyPair()
	if err != nil {
		return "", err
	}
	x, y := publicKeyCoordinates(eph.PublicKey())
	header := jweHeader{
		Alg: jweAlg,
		Enc: jweEnc,
		Epk: &epkJWK{
			Kty: "EC",
			Crv: "P-256",
			X:   base64.RawURLEncoding.EncodeToString(x),
			Y:   base64.RawURLEncoding.EncodeToString(y),
		},
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	headerSegment := base64.RawURLEncoding.EncodeToString(headerJSON)

	z, err := eph.priv.ECDH(peer)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}
	cek := concatKDF(z, jweEnc, "", "")

	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", err
	}
	sealed, err := aesGCMSeal(cek, iv, plaintext, []byte(headerSegment))
	if err != nil {
		return "", err
	}
	ciphertext := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	return strings.Join([]string{
		headerSegment,
		"", // encrypted key is always empty for ECDH-ES direct
		base64.RawURLEncoding.EncodeToString(iv),
		base64.RawURLEncoding.EncodeToString(ciphertext),
		base64.RawURLEncoding.EncodeToString(tag),
	}, "."), nil
}

func parseEpk(epk *epkJWK) (*ecdh.PublicKey, error) {
	if epk.Kty != "EC" || epk.Crv != "P-256" {
		return nil, fmt.Errorf("%w: kty %q crv %q", ErrUnsupportedCurve, epk.Kty, epk.Crv)
	}
	x, err := base64.RawURLEncoding.DecodeString(epk.X)
	if err != nil {
		return nil, fmt.Errorf("%w: epk.x: %v", ErrMalformedJWE, err)
	}
	y, err := base64.RawURLEncoding.DecodeString(epk.Y)
	if err != nil {
		return nil, fmt.Errorf("%w: epk.y: %v", ErrMalformedJWE, err)
	}
	if len(x) != 32 || len(y) != 32 {
		return nil, fmt.Errorf("%w: epk coordinates must be 32 bytes", ErrMalformedJWE)
	}
	return PublicKeyFromCoordinates(x, y)
}

// PublicKeyFromCoordinates builds a P-256 public key from raw 32-byte JWK
// coordinates.
func PublicKeyFromCoordinates(x, y []byte) (*ecdh.PublicKey, error) {
	raw := make([]byte, 0, 65)
	raw = append(raw, 0x04)
	raw = append(raw, x...)
	raw = append(raw, y...)
	pub, err := ecdh.P256().NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyAgreement, err)
	}
	return pub, nil
}

// concatKDF is the NIST SP 800-56A single-step KDF, specialized to one
// SHA-256 iteration since the derived key length (256 bits) does not exceed
// the hash length. alg is the content-encryption algorithm name ("A256GCM").
func concatKDF(z []byte, alg, apu, apv string) []byte {
	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, 1)
	buf = append(buf, z...)
	for _, part := range []string{alg, apu, apv} {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(part)))
		buf = append(buf, part...)
	}
	buf = binary.BigEndian.AppendUint32(buf, 256)
	sum := sha256.Sum256(buf)
	return sum[:]
}

func aesGCMOpen(key, iv, ciphertextAndTag, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, iv, ciphertextAndTag, aad)
}

func aesGCMSeal(key, iv, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, iv, plaintext, aad), nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
