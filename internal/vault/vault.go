// Package vault seals OAuth token bundles under AES-256-GCM and renders them
// as opaque reference strings safe to store in the database. Every access
// token in the system passes through here; nothing is persisted in the clear.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrKeySize is returned by New when the supplied key is not a valid
	// AES-256 key.
	ErrKeySize = errors.New("vault: encryption key must be 32 bytes")

	// ErrIntegrity is returned by Decrypt when a reference is malformed or
	// its authentication tag does not verify. Callers treat it like a
	// revoked credential, never as recoverable data.
	ErrIntegrity = errors.New("vault: token reference failed integrity check")
)

// refPrefix versions the reference format so the codec can evolve without
// breaking stored references.
const refPrefix = "atv1."

// Bundle is a decrypted OAuth token pair with its expiry.
type Bundle struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// wireBundle is the serialized form inside the ciphertext.
type wireBundle struct {
	AccessToken  string `json:"at"`
	RefreshToken string `json:"rt"`
	ExpiryUnix   int64  `json:"exp"`
}

// Vault encrypts and decrypts token bundles. It is a pure transform around a
// process-held key and is safe for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from a 32-byte AES-256 key.
func New(key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, ErrKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: init gcm: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt serializes the bundle, seals it under a fresh random nonce and
// returns the opaque reference string.
func (v *Vault) Encrypt(b Bundle) (string, error) {
	plaintext, err := json.Marshal(wireBundle{
		AccessToken:  b.AccessToken,
		RefreshToken: b.RefreshToken,
		ExpiryUnix:   b.Expiry.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("vault: marshal bundle: %w", err)
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, plaintext, nil)
	return refPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt parses an opaque reference and returns the original bundle. Any
// corruption of the reference, a single flipped bit included, yields
// ErrIntegrity.
func (v *Vault) Decrypt(ref string) (Bundle, error) {
	if !strings.HasPrefix(ref, refPrefix) {
		return Bundle{}, ErrIntegrity
	}

	sealed, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ref, refPrefix))
	if err != nil {
		return Bundle{}, ErrIntegrity
	}
	if len(sealed) < v.aead.NonceSize() {
		return Bundle{}, ErrIntegrity
	}

	nonce, ciphertext := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Bundle{}, ErrIntegrity
	}

	var w wireBundle
	if err := json.Unmarshal(plaintext, &w); err != nil {
		return Bundle{}, ErrIntegrity
	}
	return Bundle{
		AccessToken:  w.AccessToken,
		RefreshToken: w.RefreshToken,
		Expiry:       time.Unix(w.ExpiryUnix, 0).UTC(),
	}, nil
}
