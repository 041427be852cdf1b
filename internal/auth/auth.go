// Package auth resolves credentials through an ordered chain of schemes:
// signed JWT, opaque API key, then the legacy shared-secret list.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ccluster/ccluster/internal/domain"
)

// ErrMissingToken means no credential was presented at all.
var ErrMissingToken = errors.New("missing token")

// ErrInvalidToken means a credential was presented but no scheme accepted it.
var ErrInvalidToken = errors.New("invalid token")

// AuthType records which scheme in the chain accepted the credential.
type AuthType string

const (
	AuthTypeJWT    AuthType = "jwt"
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeLegacy AuthType = "legacy"
)

// Identity is the result of successful credential resolution.
type Identity struct {
	UserID   string
	Username string
	AuthType AuthType
}

// KeyStore is the slice of the store the resolver needs for API key lookup.
type KeyStore interface {
	GetAPIKeyByHash(keyHash string) (*domain.APIKey, error)
	TouchAPIKey(keyID string) error
	GetUser(id string) (*domain.User, error)
}

// Resolver tries each credential scheme in order and returns the first
// identity that resolves. Scheme order is fixed: JWT, API key, legacy.
type Resolver struct {
	tokens     *TokenIssuer
	store      KeyStore
	legacyKeys []string
}

// NewResolver builds a resolver over the given token issuer, key store, and
// legacy shared-secret list. store may be nil when API keys are not served.
func NewResolver(tokens *TokenIssuer, store KeyStore, legacyKeys []string) *Resolver {
	return &Resolver{tokens: tokens, store: store, legacyKeys: legacyKeys}
}

// Resolve authenticates a raw credential string. An empty credential is a
// distinct failure from a rejected one so callers can report which it was.
func (r *Resolver) Resolve(token string) (*Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	if claims, err := r.tokens.Verify(token); err == nil {
		return &Identity{
			UserID:   claims.Subject,
			Username: claims.Username,
			AuthType: AuthTypeJWT,
		}, nil
	}

	if r.store != nil {
		if identity, err := r.resolveAPIKey(token); err == nil {
			return identity, nil
		}
	}

	for _, key := range r.legacyKeys {
		if constantTimeEqual(token, key) {
			return &Identity{
				UserID:   "system",
				Username: "system",
				AuthType: AuthTypeLegacy,
			}, nil
		}
	}

	return nil, ErrInvalidToken
}

func (r *Resolver) resolveAPIKey(token string) (*Identity, error) {
	if !strings.HasPrefix(token, apiKeyScheme) {
		return nil, fmt.Errorf("not an api key")
	}
	key, err := r.store.GetAPIKeyByHash(HashAPIKey(token))
	if err != nil {
		return nil, fmt.Errorf("api key lookup: %w", err)
	}
	// Usage tracking is best effort and must not block auth.
	go func() { _ = r.store.TouchAPIKey(key.ID) }()

	username := ""
	if user, err := r.store.GetUser(key.UserID); err == nil {
		username = user.Username
	}
	return &Identity{
		UserID:   key.UserID,
		Username: username,
		AuthType: AuthTypeAPIKey,
	}, nil
}
