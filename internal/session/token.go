package session

import (
	"fmt"
	"time"

	"github.com/alexjbarnes/coach-sync/internal/models"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of the session token the sync engine reads.
// The backend puts the actor id in sub; older tokens carry userId.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// TokenInfo is what ParseToken extracts from a session token.
type TokenInfo struct {
	Actor     models.Actor
	ExpiresAt time.Time
}

// Expired reports whether the token has an expiry that is not after now.
func (t TokenInfo) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && !now.Before(t.ExpiresAt)
}

// ParseToken reads the actor from a session token without verifying its
// signature. The token was issued to this device by the backend, which
// verifies it on every request; the client only needs the claims.
func ParseToken(token string) (TokenInfo, error) {
	claims := &Claims{}

	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return TokenInfo{}, fmt.Errorf("parsing session token: %w", err)
	}

	id := claims.Subject
	if id == "" {
		id = claims.UserID
	}

	if id == "" {
		return TokenInfo{}, fmt.Errorf("session token has no subject")
	}

	info := TokenInfo{Actor: models.Actor{ID: id, Role: claims.Role}}
	if claims.ExpiresAt != nil {
		info.ExpiresAt = claims.ExpiresAt.Time
	}

	return info, nil
}
