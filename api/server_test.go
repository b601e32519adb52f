package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raykavin/pricewatch/core"
	zerologadapter "github.com/raykavin/pricewatch/logger/zerolog"
	"github.com/raykavin/pricewatch/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	store, err := storage.NewFromMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return newTestServerWith(t, store)
}

func newTestServerWith(t *testing.T, store core.Storage) *httptest.Server {
	t.Helper()

	logger := zerolog.Nop()
	settings := core.APISettings{
		Addr:      ":0",
		JWTSecret: "test-secret",
		TokenTTL:  time.Hour,
	}

	server := NewServer(store, settings, zerologadapter.NewAdapter(&logger))

	ts := httptest.NewServer(server.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, token string, payload any) *http.Response {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		require.NoError(t, json.NewEncoder(&body).Encode(payload))
	}

	req, err := http.NewRequest(method, ts.URL+path, &body)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func register(t *testing.T, ts *httptest.Server, username string) string {
	t.Helper()

	resp := doJSON(t, ts, http.MethodPost, "/register", "", map[string]any{
		"username":    username,
		"password":    "hunter2",
		"telegram_id": 42,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var token tokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&token))
	require.NotEmpty(t, token.AccessToken)
	return token.AccessToken
}

func TestRegisterAndLogin(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "alice")

	resp := doJSON(t, ts, http.MethodPost, "/token", "", map[string]any{
		"username": "alice",
		"password": "hunter2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, ts, http.MethodPost, "/token", "", map[string]any{
		"username": "alice",
		"password": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRegister_DuplicateUsername(t *testing.T) {
	ts := newTestServer(t)
	register(t, ts, "alice")

	resp := doJSON(t, ts, http.MethodPost, "/register", "", map[string]any{
		"username": "alice",
		"password": "other",
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// brokenStorage fails user creation the way a storage outage would
type brokenStorage struct {
	core.Storage
}

func (b *brokenStorage) CreateUser(context.Context, *core.User) error {
	return errors.New("disk I/O error")
}

func TestRegister_StorageFailureIsServerError(t *testing.T) {
	store, err := storage.NewFromMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ts := newTestServerWith(t, &brokenStorage{Storage: store})

	resp := doJSON(t, ts, http.MethodPost, "/register", "", map[string]any{
		"username": "alice",
		"password": "hunter2",
	})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestSubscriptions_RequireAuth(t *testing.T) {
	ts := newTestServer(t)

	resp := doJSON(t, ts, http.MethodGet, "/subscriptions", "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, ts, http.MethodGet, "/subscriptions", "not-a-jwt", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSubscriptions_CreateListDisable(t *testing.T) {
	ts := newTestServer(t)
	token := register(t, ts, "alice")

	resp := doJSON(t, ts, http.MethodPost, "/subscriptions", token, map[string]any{
		"symbol":    "btcusdt",
		"op":        ">=",
		"threshold": 50000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created core.Subscription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.Equal(t, "BTCUSDT", created.Symbol, "symbols are normalized to upper case")
	require.True(t, created.Enabled)

	// the same active condition twice is a conflict
	resp = doJSON(t, ts, http.MethodPost, "/subscriptions", token, map[string]any{
		"symbol":    "BTCUSDT",
		"op":        ">=",
		"threshold": 50000,
	})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = doJSON(t, ts, http.MethodGet, "/subscriptions", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listed []core.Subscription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed, 1)

	resp = doJSON(t, ts, http.MethodDelete, "/subscriptions/1", token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = doJSON(t, ts, http.MethodGet, "/subscriptions", token, nil)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed, 1)
	require.False(t, listed[0].Enabled)
	require.Equal(t, "disabled by user", listed[0].DisabledReason)
}

func TestSubscriptions_InvalidCondition(t *testing.T) {
	ts := newTestServer(t)
	token := register(t, ts, "alice")

	resp := doJSON(t, ts, http.MethodPost, "/subscriptions", token, map[string]any{
		"symbol":    "BTCUSDT",
		"op":        "==",
		"threshold": 50000,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscriptions_OwnershipEnforced(t *testing.T) {
	ts := newTestServer(t)

	alice := register(t, ts, "alice")
	bob := register(t, ts, "bob")

	resp := doJSON(t, ts, http.MethodPost, "/subscriptions", alice, map[string]any{
		"symbol":    "BTCUSDT",
		"op":        ">=",
		"threshold": 50000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created core.Subscription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))

	// bob sees nothing and cannot disable alice's subscription
	resp = doJSON(t, ts, http.MethodGet, "/subscriptions", bob, nil)
	var listed []core.Subscription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Empty(t, listed)

	resp = doJSON(t, ts, http.MethodDelete, "/subscriptions/1", bob, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}
