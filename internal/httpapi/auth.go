package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenVerifier validates admin bearer tokens against a JWKS endpoint, with
// cached keys refreshed in the background.
type TokenVerifier struct {
	jwksURL string
	cache   *jwk.Cache
}

// NewTokenVerifier creates a verifier and warms its key cache.
func NewTokenVerifier(ctx context.Context, jwksURL string) (*TokenVerifier, error) {
	cache := jwk.NewCache(ctx)
	if err := cache.Register(jwksURL, jwk.WithMinRefreshInterval(5*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	warmCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := cache.Refresh(warmCtx, jwksURL); err != nil {
		return nil, fmt.Errorf("failed initial JWKS fetch: %w", err)
	}

	return &TokenVerifier{jwksURL: jwksURL, cache: cache}, nil
}

// Verify validates a raw bearer token and returns its parsed claims.
func (v *TokenVerifier) Verify(ctx context.Context, raw string) (jwt.Token, error) {
	keySet, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("fetch key set: %w", err)
	}
	return jwt.Parse([]byte(raw), jwt.WithKeySet(keySet), jwt.WithValidate(true))
}

// authMiddleware rejects requests without a valid bearer token. A nil
// verifier disables auth; main only allows that when no JWKS URL is
// configured.
func authMiddleware(verifier *TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			c.Next()
			return
		}

		raw := c.GetHeader("Authorization")
		if raw == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}
		raw = strings.TrimPrefix(raw, "Bearer ")

		tok, err := verifier.Verify(c.Request.Context(), raw)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set("subject", tok.Subject())
		c.Next()
	}
}
