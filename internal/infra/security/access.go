package security

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultAccessTokenTTL = 24 * time.Hour

// AccessClaims describe a marketplace user as the backend vouches for them.
type AccessClaims struct {
	jwt.RegisteredClaims
	Name string `json:"name,omitempty"`
	Role string `json:"role,omitempty"`
}

// AccessIdentity is the verified bearer of an access token.
type AccessIdentity struct {
	UserID    string
	Name      string
	Role      string
	ExpiresAt time.Time
}

// AccessTokens signs and verifies the marketplace session tokens the gateway
// accepts as bearer credentials.
type AccessTokens struct {
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

func (a AccessTokens) Issue(userID, name, role string) (string, error) {
	if len(a.Secret) == 0 {
		return "", ErrMissingSecret
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrMissingUID
	}
	now := clockOf(a.Now)()
	ttl := a.TTL
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name: strings.TrimSpace(name),
		Role: strings.TrimSpace(role),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.Secret)
}

func (a AccessTokens) Verify(token string) (AccessIdentity, error) {
	if len(a.Secret) == 0 {
		return AccessIdentity{}, ErrMissingSecret
	}
	claims := &AccessClaims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, hmacKey(a.Secret),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(clockOf(a.Now)),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return AccessIdentity{}, ErrExpiredToken
		}
		return AccessIdentity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return AccessIdentity{}, ErrInvalidToken
	}
	id := AccessIdentity{UserID: claims.Subject, Name: claims.Name, Role: claims.Role}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	return id, nil
}
