package scopedkeys_test

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"

	"github.com/jrsteele09/go-fxa-client/scopedkeys"
	"github.com/stretchr/testify/require"
)

func TestPublicJWKCanonicalOrder(t *testing.T) {
	kp, err := scopedkeys.GenerateKeyPair()
	require.NoError(t, err)

	jwk := kp.PublicJWK()
	require.True(t, strings.HasPrefix(jwk, `{"crv":"P-256","kty":"EC","x":"`))
	require.NotContains(t, jwk, " ")

	var parsed struct {
		Crv string `json:"crv"`
		Kty string `json:"kty"`
		X   string `json:"x"`
		Y   string `json:"y"`
	}
	require.NoError(t, json.Unmarshal([]byte(jwk), &parsed))
	x, err := base64.RawURLEncoding.DecodeString(parsed.X)
	require.NoError(t, err)
	require.Len(t, x, 32)
	y, err := base64.RawURLEncoding.DecodeString(parsed.Y)
	require.NoError(t, err)
	require.Len(t, y, 32)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	kp, err := scopedkeys.GenerateKeyPair()
	require.NoError(t, err)

	plaintext := make([]byte, 300)
	_, err = rand.Read(plaintext)
	require.NoError(t, err)

	jwe, err := scopedkeys.Encrypt(kp.PublicKey(), plaintext)
	require.NoError(t, err)

	segments := strings.Split(jwe, ".")
	require.Len(t, segments, 5)
	require.Empty(t, segments[1], "encrypted key segment must be empty for ECDH-ES direct")

	decrypted, err := kp.Decrypt(jwe)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptKeysJWE(t *testing.T) {
	kp, err := scopedkeys.GenerateKeyPair()
	require.NoError(t, err)

	keys := `{"https://identity.mozilla.com/apps/oldsync":{"kty":"oct","scope":"https://identity.mozilla.com/apps/oldsync","k":"LFmRmiiUQTm4HdyGM","kid":"20240101-abc"}}`
	jwe, err := scopedkeys.Encrypt(kp.PublicKey(), []byte(keys))
	require.NoError(t, err)

	decrypted, err := kp.DecryptKeysJWE(jwe)
	require.NoError(t, err)
	require.JSONEq(t, keys, decrypted)
}

func TestDecryptRejectsMalformedJWE(t *testing.T) {
	kp, err := scopedkeys.GenerateKeyPair()
	require.NoError(t, err)

	valid, err := scopedkeys.Encrypt(kp.PublicKey(), []byte("payload"))
	require.NoError(t, err)
	segments := strings.Split(valid, ".")

	tests := []struct {
		name string
		jwe  string
		want error
	}{
		{
			name: "wrong segment count",
			jwe:  "a.b.c",
			want: scopedkeys.ErrMalformedJWE,
		},
		{
			name: "non-empty encrypted key",
			jwe:  strings.Join([]string{segments[0], "AAAA", segments[2], segments[3], segments[4]}, "."),
			want: scopedkeys.ErrMalformedJWE,
		},
		{
			name: "non-base64 header",
			jwe:  strings.Join([]string{"!!!", "", segments[2], segments[3], segments[4]}, "."),
			want: scopedkeys.ErrMalformedJWE,
		},
		{
			name: "short auth tag",
			jwe:  strings.Join([]string{segments[0], "", segments[2], segments[3], base64.RawURLEncoding.EncodeToString([]byte("short"))}, "."),
			want: scopedkeys.ErrMalformedJWE,
		},
		{
			name: "empty ciphertext",
			jwe:  strings.Join([]string{segments[0], "", segments[2], "", segments[4]}, "."),
			want: scopedkeys.ErrMalformedJWE,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := kp.Decrypt(tc.jwe)
			require.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDecryptRejectsUnsupportedHeader(t *testing.T) {
	kp, err := scopedkeys.GenerateKeyPair()
	require.NoError(t, err)
	valid, err := scopedkeys.Encrypt(kp.PublicKey(), []byte("payload"))
	require.NoError(t, err)
	segments := strings.Split(valid, ".")

	replaceHeader := func(mutate func(m map[string]any)) string {
		raw, err := base64.RawURLEncoding.DecodeString(segments[0])
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		mutate(m)
		out, err := json.Marshal(m)
		require.NoError(t, err)
		return strings.Join([]string{
			base64.RawURLEncoding.EncodeToString(out),
			segments[1], segments[2], segments[3], segments[4],
		}, ".")
	}

	_, err = kp.Decrypt(replaceHeader(func(m map[string]any) { m["alg"] = "RSA-OAEP" }))
	require.ErrorIs(t, err, scopedkeys.ErrUnsupportedAlg)

	_, err = kp.Decrypt(replaceHeader(func(m map[string]any) { m["enc"] = "A128GCM" }))
	require.ErrorIs(t, err, scopedkeys.ErrUnsupportedAlg)

	_, err = kp.Decrypt(replaceHeader(func(m map[string]any) {
		epk := m["epk"].(map[string]any)
		epk["crv"] = "P-384"
	}))
	require.ErrorIs(t, err, scopedkeys.ErrUnsupportedCurve)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	kp, err := scopedkeys.GenerateKeyPair()
	require.NoError(t, err)
	jwe, err := scopedkeys.Encrypt(kp.PublicKey(), []byte("payload"))
	require.NoError(t, err)

	segments := strings.Split(jwe, ".")
	ciphertext, err := base64.RawURLEncoding.DecodeString(segments[3])
	require.NoError(t, err)
	ciphertext[0] ^= 0xff
	segments[3] = base64.RawURLEncoding.EncodeToString(ciphertext)

	_, err = kp.Decrypt(strings.Join(segments, "."))
	require.ErrorIs(t, err, scopedkeys.ErrAEADOpen)
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	kpA, err := scopedkeys.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := scopedkeys.GenerateKeyPair()
	require.NoError(t, err)

	jwe, err := scopedkeys.Encrypt(kpA.PublicKey(), []byte("payload"))
	require.NoError(t, err)

	_, err = kpB.Decrypt(jwe)
	require.ErrorIs(t, err, scopedkeys.ErrAEADOpen)
}

func TestScopedKeyKeyBytes(t *testing.T) {
	key := scopedkeys.ScopedKey{
		Kty:   "oct",
		Scope: "https://identity.mozilla.com/apps/oldsync",
		K:     base64.RawURLEncoding.EncodeToString(make([]byte, 64)),
		Kid:   "20240101-abc",
	}
	raw, err := key.KeyBytes()
	require.NoError(t, err)
	require.Len(t, raw, 64)

	key.K = "not-base64!!"
	_, err = key.KeyBytes()
	require.Error(t, err)
}
