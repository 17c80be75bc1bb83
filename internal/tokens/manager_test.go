package tokens

import (
	"context"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atticmail/atticmail/internal/config"
	"github.com/atticmail/atticmail/internal/store"
	"github.com/atticmail/atticmail/internal/vault"
)

type fakeConnStore struct {
	updates map[string]string
}

func (f *fakeConnStore) UpdateConnectionTokenRef(ctx context.Context, id, newRef string) error {
	if f.updates == nil {
		f.updates = make(map[string]string)
	}
	f.updates[id] = newRef
	return nil
}

func newTestVault(t *testing.T) *vault.Vault {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	v, err := vault.New(key)
	require.NoError(t, err)
	return v
}

// tokenServer serves a refresh-token exchange and counts hits.
func tokenServer(t *testing.T, status int, body string) (*httptest.Server, *int) {
	t.Helper()
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newManager(t *testing.T, v *vault.Vault, st ConnectionStore, tokenURL string) *Manager {
	t.Helper()
	return NewManager(v, st, config.OAuthConfig{
		ClientID:     "client",
		ClientSecret: "secret",
		Tenant:       "common",
		TokenURL:     tokenURL,
	}, zap.NewNop())
}

func activeConnection(t *testing.T, v *vault.Vault, bundle vault.Bundle) *store.Connection {
	t.Helper()
	ref, err := v.Encrypt(bundle)
	require.NoError(t, err)
	return &store.Connection{
		ID:       "conn-1",
		TenantID: "tenant-1",
		Status:   store.ConnectionActive,
		TokenRef: ref,
	}
}

func TestAccessToken_FreshTokenReturnedWithoutRefresh(t *testing.T) {
	v := newTestVault(t)
	srv, hits := tokenServer(t, http.StatusOK, `{}`)
	st := &fakeConnStore{}
	m := newManager(t, v, st, srv.URL)

	// Expires in 10 minutes: outside the 5-minute buffer.
	conn := activeConnection(t, v, vault.Bundle{
		AccessToken:  "still-good",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(10 * time.Minute),
	})

	got, err := m.AccessToken(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "still-good", got)
	assert.Equal(t, 0, *hits)
	assert.Empty(t, st.updates)
}

func TestAccessToken_NearExpiryTriggersRefresh(t *testing.T) {
	v := newTestVault(t)
	srv, hits := tokenServer(t, http.StatusOK,
		`{"access_token":"fresh","refresh_token":"rt2","token_type":"Bearer","expires_in":3600}`)
	st := &fakeConnStore{}
	m := newManager(t, v, st, srv.URL)

	// Expires in 4 minutes: inside the buffer, must refresh before use.
	conn := activeConnection(t, v, vault.Bundle{
		AccessToken:  "stale",
		RefreshToken: "rt1",
		Expiry:       time.Now().Add(4 * time.Minute),
	})
	oldRef := conn.TokenRef

	got, err := m.AccessToken(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
	assert.Equal(t, 1, *hits)

	// New sealed ref persisted and mirrored on the in-memory connection.
	newRef, ok := st.updates[conn.ID]
	require.True(t, ok)
	assert.NotEqual(t, oldRef, newRef)
	assert.Equal(t, newRef, conn.TokenRef)

	bundle, err := v.Decrypt(newRef)
	require.NoError(t, err)
	assert.Equal(t, "fresh", bundle.AccessToken)
	assert.Equal(t, "rt2", bundle.RefreshToken)
}

func TestAccessToken_RefreshKeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	v := newTestVault(t)
	srv, _ := tokenServer(t, http.StatusOK,
		`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`)
	st := &fakeConnStore{}
	m := newManager(t, v, st, srv.URL)

	conn := activeConnection(t, v, vault.Bundle{
		AccessToken:  "stale",
		RefreshToken: "keep-me",
		Expiry:       time.Now().Add(-time.Minute),
	})

	_, err := m.AccessToken(context.Background(), conn)
	require.NoError(t, err)

	bundle, err := v.Decrypt(st.updates[conn.ID])
	require.NoError(t, err)
	assert.Equal(t, "keep-me", bundle.RefreshToken)
}

func TestAccessToken_RefreshFailureIsReauthRequired(t *testing.T) {
	v := newTestVault(t)
	srv, _ := tokenServer(t, http.StatusBadRequest,
		`{"error":"invalid_grant","error_description":"AADSTS70000: refresh token revoked"}`)
	st := &fakeConnStore{}
	m := newManager(t, v, st, srv.URL)

	conn := activeConnection(t, v, vault.Bundle{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		Expiry:       time.Now().Add(-time.Hour),
	})

	_, err := m.AccessToken(context.Background(), conn)
	assert.ErrorIs(t, err, ErrReauthRequired)
	assert.Empty(t, st.updates)
}

func TestAccessToken_InactiveConnectionRefused(t *testing.T) {
	v := newTestVault(t)
	m := newManager(t, v, &fakeConnStore{}, "http://127.0.0.1:0")

	for _, status := range []string{store.ConnectionRevoked, store.ConnectionNeedsReconsent} {
		conn := activeConnection(t, v, vault.Bundle{AccessToken: "a", Expiry: time.Now().Add(time.Hour)})
		conn.Status = status

		_, err := m.AccessToken(context.Background(), conn)
		assert.ErrorIs(t, err, ErrConnectionInactive, "status %s", status)
	}
}

func TestAccessToken_TamperedRefFailsIntegrity(t *testing.T) {
	v := newTestVault(t)
	m := newManager(t, v, &fakeConnStore{}, "http://127.0.0.1:0")

	conn := activeConnection(t, v, vault.Bundle{AccessToken: "a", Expiry: time.Now().Add(time.Hour)})
	conn.TokenRef = "atv1.dGFtcGVyZWQtcmVmZXJlbmNl"

	_, err := m.AccessToken(context.Background(), conn)
	assert.ErrorIs(t, err, vault.ErrIntegrity)
}
