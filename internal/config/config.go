// Package config loads process configuration from the environment and
// validates it before anything else starts.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrConfiguration marks a fatal startup misconfiguration. The process must
// not come up when Load returns an error wrapping it.
var ErrConfiguration = errors.New("invalid configuration")

// encryptionKeySize is the AES-256 key length required by the vault.
const encryptionKeySize = 32

// Config holds runtime settings for the atticmail service.
type Config struct {
	ListenAddr   string
	DataDir      string
	NATSURL      string
	JWKSURL      string
	ArchiveRoot  string
	PollInterval time.Duration

	// EncryptionKey is the symmetric key the credential vault seals token
	// bundles with. Supplied base64-encoded via TOKEN_ENCRYPTION_KEY.
	EncryptionKey []byte

	OAuth OAuthConfig
}

// OAuthConfig holds the Microsoft identity platform client settings used for
// refresh-token exchanges.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	// Tenant is the authority tenant ("common", "organizations" or a
	// directory id).
	Tenant string
	Scopes []string
	// TokenURL overrides the authority token endpoint. Used in tests.
	TokenURL string
}

// Load reads configuration from the environment. It fails fast with an error
// wrapping ErrConfiguration when a required secret is missing or malformed.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:   getenv("LISTEN_ADDR", ":8080"),
		DataDir:      getenv("DATA_DIR", "data"),
		NATSURL:      os.Getenv("NATS_URL"),
		JWKSURL:      os.Getenv("JWKS_URL"),
		ArchiveRoot:  getenv("ARCHIVE_ROOT", "MailAttachments"),
		PollInterval: 5 * time.Minute,
		OAuth: OAuthConfig{
			ClientID:     os.Getenv("MS_CLIENT_ID"),
			ClientSecret: os.Getenv("MS_CLIENT_SECRET"),
			Tenant:       getenv("MS_TENANT", "common"),
			Scopes: []string{
				"https://graph.microsoft.com/Mail.Read",
				"https://graph.microsoft.com/Files.ReadWrite.All",
				"offline_access",
			},
		},
	}

	if raw := os.Getenv("POLL_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: POLL_INTERVAL: %v", ErrConfiguration, err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("%w: POLL_INTERVAL must be positive", ErrConfiguration)
		}
		cfg.PollInterval = d
	}

	rawKey := os.Getenv("TOKEN_ENCRYPTION_KEY")
	if rawKey == "" {
		return nil, fmt.Errorf("%w: TOKEN_ENCRYPTION_KEY is not set", ErrConfiguration)
	}
	key, err := base64.StdEncoding.DecodeString(rawKey)
	if err != nil {
		return nil, fmt.Errorf("%w: TOKEN_ENCRYPTION_KEY is not valid base64: %v", ErrConfiguration, err)
	}
	if len(key) != encryptionKeySize {
		return nil, fmt.Errorf("%w: TOKEN_ENCRYPTION_KEY must decode to %d bytes, got %d", ErrConfiguration, encryptionKeySize, len(key))
	}
	cfg.EncryptionKey = key

	if cfg.OAuth.ClientID == "" || cfg.OAuth.ClientSecret == "" {
		return nil, fmt.Errorf("%w: MS_CLIENT_ID and MS_CLIENT_SECRET are required", ErrConfiguration)
	}

	return cfg, nil
}

func getenv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
