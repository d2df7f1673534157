package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims extends the registered JWT claim set with the actor slug
// a Session acts as.
type sessionClaims struct {
	jwt.RegisteredClaims
	ActorSlug string `json:"actor_slug"`
}

// TokenManager issues and decodes the bearer tokens a Session's actor
// reference travels in. Key management (rotation, verification) is
// delegated to a KeySet.
type TokenManager struct {
	keySet KeySet
}

// NewTokenManager returns a manager backed by ks.
func NewTokenManager(ks KeySet) *TokenManager {
	return &TokenManager{keySet: ks}
}

// IssueToken signs a token asserting actorSlug for duration.
func (tm *TokenManager) IssueToken(ctx context.Context, actorSlug string, duration time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := sessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorSlug,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			Issuer:    "autumndb",
		},
		ActorSlug: actorSlug,
	}
	token, err := tm.keySet.Sign(ctx, claims)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return token, nil
}

// DecodeToken validates tokenString and extracts the actor claims.
func (tm *TokenManager) DecodeToken(tokenString string) (*ActorClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, tm.keySet.KeyFunc())
	if err != nil {
		return nil, fmt.Errorf("identity: parse token: %w", err)
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return &ActorClaims{ActorSlug: claims.ActorSlug}, nil
}
