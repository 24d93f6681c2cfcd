package fxaclient_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrsteele09/go-fxa-client/config"
	"github.com/jrsteele09/go-fxa-client/fxaclient"
	"github.com/jrsteele09/go-fxa-client/fxaerror"
)

func testConfig(serverURL string) config.Config {
	return config.Config{
		ContentURL:  serverURL,
		AuthURL:     serverURL,
		OAuthURL:    serverURL,
		ProfileURL:  serverURL,
		ClientID:    "test-client-id",
		RedirectURI: serverURL + "/redirect",
	}
}

func TestOAuthTokenWithCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/token", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "authorization_code", body["grant_type"])
		require.Equal(t, "test-client-id", body["client_id"])
		require.Equal(t, "the-code", body["code"])
		require.Equal(t, "the-verifier", body["code_verifier"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at-1",
			"refresh_token": "rt-1",
			"expires_in":    3600,
			"scope":         "profile https://identity.mozilla.com/apps/oldsync",
			"keys_jwe":      "a.b.c.d.e",
		})
	}))
	defer server.Close()

	client := fxaclient.New()
	resp, err := client.OAuthTokenWithCode(context.Background(), testConfig(server.URL), "the-code", "the-verifier")
	require.NoError(t, err)
	assert.Equal(t, "at-1", resp.AccessToken)
	require.NotNil(t, resp.RefreshToken)
	assert.Equal(t, "rt-1", *resp.RefreshToken)
	require.NotNil(t, resp.KeysJWE)
	assert.Equal(t, "a.b.c.d.e", *resp.KeysJWE)
	assert.EqualValues(t, 3600, resp.ExpiresIn)
}

func TestOAuthTokenWithRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "refresh_token", body["grant_type"])
		require.Equal(t, "rt-1", body["refresh_token"])
		require.Equal(t, "profile scope-two", body["scope"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at-2",
			"expires_in":   1800,
			"scope":        "profile scope-two",
		})
	}))
	defer server.Close()

	client := fxaclient.New()
	resp, err := client.OAuthTokenWithRefreshToken(context.Background(), testConfig(server.URL), "rt-1", []string{"profile", "scope-two"})
	require.NoError(t, err)
	assert.Equal(t, "at-2", resp.AccessToken)
	assert.Nil(t, resp.RefreshToken)
}

func TestRemoteErrorParsing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"code":    401,
			"errno":   110,
			"error":   "Unauthorized",
			"message": "Invalid authentication token",
		})
	}))
	defer server.Close()

	client := fxaclient.New()
	_, err := client.OAuthTokenWithRefreshToken(context.Background(), testConfig(server.URL), "rt-stale", []string{"profile"})
	require.Error(t, err)

	var remote *fxaerror.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, http.StatusUnauthorized, remote.Status)
	assert.EqualValues(t, 110, remote.Errno)
	assert.True(t, remote.IsAuthInvalidation())
	assert.Equal(t, fxaerror.ClassAuthentication, fxaerror.Classify(err))
}

func TestNetworkErrorClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	cfg := testConfig(server.URL)
	server.Close() // connection refused from here on

	client := fxaclient.New()
	_, err := client.CheckRefreshTokenStatus(context.Background(), cfg, "rt-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, fxaerror.ErrNetwork)
	assert.Equal(t, fxaerror.ClassNetwork, fxaerror.Classify(err))
}

func TestProfileSendsBearerAndETag(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/profile", r.URL.Path)
		require.Equal(t, "Bearer at-1", r.Header.Get("Authorization"))
		require.Equal(t, `"etag-0"`, r.Header.Get("If-None-Match"))

		w.Header().Set("ETag", `"etag-1"`)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"uid":   "uid-1",
			"email": "test@example.com",
		})
	}))
	defer server.Close()

	client := fxaclient.New()
	got, err := client.Profile(context.Background(), testConfig(server.URL), "at-1", "etag-0")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "uid-1", got.Response.UID)
	assert.Equal(t, "test@example.com", got.Response.Email)
	assert.Equal(t, "etag-1", got.ETag)
}

func TestProfileNotModified(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	client := fxaclient.New()
	got, err := client.Profile(context.Background(), testConfig(server.URL), "at-1", "etag-0")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDevicesSendsIdleFilter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cutoff := strconv.FormatInt(now.AddDate(0, 0, -21).UnixMilli(), 10)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/account/devices", r.URL.Path)
		require.Equal(t, "Bearer rt-1", r.Header.Get("Authorization"))
		require.Equal(t, cutoff, r.URL.Query().Get("filterIdleDevicesTimestamp"))

		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"id":              "dev-1",
				"name":            "Desktop",
				"type":            "desktop",
				"isCurrentDevice": true,
				"availableCommands": map[string]string{
					"https://identity.mozilla.com/cmd/open-uri": "data-1",
				},
			},
			{"id": "dev-2", "name": "Phone", "type": "mobile"},
		})
	}))
	defer server.Close()

	client := fxaclient.New(fxaclient.WithNowFunc(func() time.Time { return now }))
	devices, err := client.Devices(context.Background(), testConfig(server.URL), "rt-1")
	require.NoError(t, err)
	require.Len(t, devices, 2)
	assert.Equal(t, "dev-1", devices[0].ID)
	assert.True(t, devices[0].IsCurrentDevice)
	assert.Contains(t, devices[0].AvailableCommands, "https://identity.mozilla.com/cmd/open-uri")
	assert.Equal(t, "mobile", devices[1].DeviceType)
}

func TestUpdateDeviceFlattensPushSubscription(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/account/device", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "My Device", body["name"])
		require.Equal(t, "https://push.example.com/ep", body["pushCallback"])
		require.Equal(t, "pub-key", body["pushPublicKey"])
		require.Equal(t, "auth-key", body["pushAuthKey"])
		require.NotContains(t, body, "pushSubscription")

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":   "dev-1",
			"name": "My Device",
			"type": "desktop",
		})
	}))
	defer server.Close()

	name := "My Device"
	update := fxaclient.DeviceUpdate{
		DisplayName: &name,
		PushSubscription: &fxaclient.PushSubscription{
			Endpoint:  "https://push.example.com/ep",
			PublicKey: "pub-key",
			AuthKey:   "auth-key",
		},
	}

	client := fxaclient.New()
	resp, err := client.UpdateDevice(context.Background(), testConfig(server.URL), "rt-1", update)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", resp.ID)
}

func TestPendingCommandsPaging(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/account/device/commands", r.URL.Path)
		require.Equal(t, "12", r.URL.Query().Get("index"))
		require.Equal(t, "20", r.URL.Query().Get("limit"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"index": 14,
			"last":  true,
			"messages": []map[string]any{
				{
					"index": 13,
					"data": map[string]any{
						"command": "https://identity.mozilla.com/cmd/open-uri",
						"payload": map[string]any{"encrypted": "x.y.z.a.b"},
						"sender":  "dev-2",
					},
				},
			},
		})
	}))
	defer server.Close()

	limit := int64(20)
	client := fxaclient.New()
	resp, err := client.PendingCommands(context.Background(), testConfig(server.URL), "rt-1", 12, &limit)
	require.NoError(t, err)
	assert.EqualValues(t, 14, resp.Index)
	require.NotNil(t, resp.Last)
	assert.True(t, *resp.Last)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "https://identity.mozilla.com/cmd/open-uri", resp.Messages[0].Data.Command)
	require.NotNil(t, resp.Messages[0].Data.Sender)
	assert.Equal(t, "dev-2", *resp.Messages[0].Data.Sender)
}

func TestInvokeCommand(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/account/devices/invoke_command", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "https://identity.mozilla.com/cmd/open-uri", body["command"])
		require.Equal(t, "dev-2", body["target"])
		require.Equal(t, map[string]any{"encrypted": "blob"}, body["payload"])

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
	}))
	defer server.Close()

	payload, err := json.Marshal(map[string]string{"encrypted": "blob"})
	require.NoError(t, err)

	client := fxaclient.New()
	err = client.InvokeCommand(context.Background(), testConfig(server.URL), "rt-1",
		"https://identity.mozilla.com/cmd/open-uri", "dev-2", payload)
	require.NoError(t, err)
}

func TestDestroyRefreshToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/destroy", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "rt-old", body["refresh_token"])

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
	}))
	defer server.Close()

	client := fxaclient.New()
	require.NoError(t, client.DestroyRefreshToken(context.Background(), testConfig(server.URL), "rt-old"))
}

func TestCheckRefreshTokenStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/introspect", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "refresh_token", body["token_type_hint"])
		require.Equal(t, "rt-1", body["token"])

		_ = json.NewEncoder(w).Encode(map[string]any{"active": true})
	}))
	defer server.Close()

	client := fxaclient.New()
	status, err := client.CheckRefreshTokenStatus(context.Background(), testConfig(server.URL), "rt-1")
	require.NoError(t, err)
	assert.True(t, status.Active)
}
