// Package tokens guarantees a valid access token before any remote call,
// refreshing through the identity provider and re-sealing the result in the
// vault when the current token is near expiry.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"github.com/atticmail/atticmail/internal/config"
	"github.com/atticmail/atticmail/internal/store"
	"github.com/atticmail/atticmail/internal/vault"
)

var (
	// ErrReauthRequired means the refresh-token exchange failed and the
	// grant must be re-consented by the user. The caller skips the
	// affected mailbox for the cycle.
	ErrReauthRequired = errors.New("tokens: refresh failed, reauthorization required")

	// ErrConnectionInactive means the connection is revoked or flagged for
	// re-consent and must not be used to obtain a token.
	ErrConnectionInactive = errors.New("tokens: connection is not active")
)

// refreshBuffer is how long before expiry a token is refreshed. A returned
// token is valid for at least this window at the moment of return.
const refreshBuffer = 5 * time.Minute

// ConnectionStore persists rotated token references.
type ConnectionStore interface {
	UpdateConnectionTokenRef(ctx context.Context, id, newRef string) error
}

// Manager performs the decrypt / refresh / re-encrypt dance around the vault.
type Manager struct {
	vault *vault.Vault
	store ConnectionStore
	oauth oauth2.Config
	log   *zap.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewManager creates a token refresh manager for the Microsoft identity
// platform described by cfg.
func NewManager(v *vault.Vault, st ConnectionStore, cfg config.OAuthConfig, log *zap.Logger) *Manager {
	endpoint := microsoft.AzureADEndpoint(cfg.Tenant)
	if cfg.TokenURL != "" {
		endpoint = oauth2.Endpoint{TokenURL: cfg.TokenURL}
	}

	return &Manager{
		vault: v,
		store: st,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       cfg.Scopes,
		},
		log: log,
		now: time.Now,
	}
}

// AccessToken returns an access token for the connection, refreshing and
// persisting a new sealed bundle when the stored one expires within the
// buffer window. The connection's in-memory TokenRef is kept current.
func (m *Manager) AccessToken(ctx context.Context, conn *store.Connection) (string, error) {
	if conn.Status != store.ConnectionActive {
		return "", fmt.Errorf("%w: connection %s is %s", ErrConnectionInactive, conn.ID, conn.Status)
	}

	bundle, err := m.vault.Decrypt(conn.TokenRef)
	if err != nil {
		return "", fmt.Errorf("decrypt token bundle for connection %s: %w", conn.ID, err)
	}

	if m.now().Add(refreshBuffer).Before(bundle.Expiry) {
		return bundle.AccessToken, nil
	}

	return m.refresh(ctx, conn, bundle)
}

func (m *Manager) refresh(ctx context.Context, conn *store.Connection, old vault.Bundle) (string, error) {
	// Hand oauth2 a token that is already expired so TokenSource always
	// performs the exchange instead of returning the stale access token.
	seed := &oauth2.Token{
		RefreshToken: old.RefreshToken,
		Expiry:       time.Unix(0, 0),
	}

	tok, err := m.oauth.TokenSource(ctx, seed).Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrReauthRequired, err)
	}

	newBundle := vault.Bundle{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry.UTC(),
	}
	if newBundle.RefreshToken == "" {
		// Providers may omit the refresh token when it is still valid.
		newBundle.RefreshToken = old.RefreshToken
	}

	ref, err := m.vault.Encrypt(newBundle)
	if err != nil {
		return "", fmt.Errorf("seal refreshed bundle: %w", err)
	}

	if err := m.store.UpdateConnectionTokenRef(ctx, conn.ID, ref); err != nil {
		return "", fmt.Errorf("persist refreshed token ref: %w", err)
	}
	conn.TokenRef = ref

	m.log.Info("token refreshed",
		zap.String("connection_id", conn.ID),
		zap.Time("new_expiry", newBundle.Expiry))
	return newBundle.AccessToken, nil
}
