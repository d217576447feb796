package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"agrichat/internal/app/realtime"
)

const (
	DefaultCustomTokenTTL   = time.Hour
	CustomTokenIssuerName   = "agrichat-backend"
	CustomTokenAudienceName = "agrichat-realtime"
)

var (
	ErrMissingSecret = errors.New("security: signing secret is empty")
	ErrMissingUID    = errors.New("security: uid is required")
	ErrInvalidToken  = errors.New("security: invalid token")
	ErrExpiredToken  = errors.New("security: token has expired")
)

// CustomClaims is the payload of a real-time store custom token.
type CustomClaims struct {
	jwt.RegisteredClaims
	UID    string         `json:"uid"`
	Claims map[string]any `json:"claims,omitempty"`
}

// CustomTokenIssuer mints HS256 custom tokens the store signs in with.
type CustomTokenIssuer struct {
	Secret   []byte
	TTL      time.Duration
	Issuer   string
	Audience string
	// NewID mints the jti; random UUIDs when nil.
	NewID func() (string, error)
	Now      func() time.Time
}

// IssuedToken is a signed token plus its expiry.
type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
}

func (i CustomTokenIssuer) Issue(uid string, extra map[string]any) (IssuedToken, error) {
	if len(i.Secret) == 0 {
		return IssuedToken{}, ErrMissingSecret
	}
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return IssuedToken{}, ErrMissingUID
	}
	jti, err := i.jti()
	if err != nil {
		return IssuedToken{}, err
	}
	now := clockOf(i.Now)()
	ttl := i.TTL
	if ttl <= 0 {
		ttl = DefaultCustomTokenTTL
	}
	exp := now.Add(ttl)
	claims := CustomClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    orDefault(i.Issuer, CustomTokenIssuerName),
			Subject:   uid,
			Audience:  jwt.ClaimStrings{orDefault(i.Audience, CustomTokenAudienceName)},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		UID:    uid,
		Claims: extra,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("security: sign custom token: %w", err)
	}
	return IssuedToken{Token: signed, ExpiresAt: exp.Truncate(time.Second)}, nil
}

func (i CustomTokenIssuer) jti() (string, error) {
	if i.NewID != nil {
		return i.NewID()
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("security: token id: %w", err)
	}
	return id.String(), nil
}

// CustomTokenVerifier checks custom tokens on sign-in. It implements
// realtime.TokenVerifier.
type CustomTokenVerifier struct {
	Secret   []byte
	Issuer   string
	Audience string
	Now      func() time.Time
}

func (v CustomTokenVerifier) VerifyCustomToken(token string) (realtime.Principal, error) {
	claims, err := v.parse(token)
	if err != nil {
		return realtime.Principal{}, realtime.PermissionDenied(err.Error())
	}
	p := realtime.Principal{UID: claims.UID, Claims: claims.Claims}
	if claims.IssuedAt != nil {
		p.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

func (v CustomTokenVerifier) parse(token string) (*CustomClaims, error) {
	if len(v.Secret) == 0 {
		return nil, ErrMissingSecret
	}
	claims := &CustomClaims{}
	parsed, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims, hmacKey(v.Secret),
		jwt.WithIssuer(orDefault(v.Issuer, CustomTokenIssuerName)),
		jwt.WithAudience(orDefault(v.Audience, CustomTokenAudienceName)),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(clockOf(v.Now)),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.UID) == "" || claims.UID != claims.Subject {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// LocalTokenSource issues custom tokens in process for a fixed uid. The
// gateway uses it to keep its own store session alive.
type LocalTokenSource struct {
	Issuer CustomTokenIssuer
	UID    string
}

func (s LocalTokenSource) FetchChatToken(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	issued, err := s.Issuer.Issue(s.UID, map[string]any{"service": true})
	if err != nil {
		return "", err
	}
	return issued.Token, nil
}

func hmacKey(secret []byte) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}
}

func clockOf(now func() time.Time) func() time.Time {
	if now != nil {
		return now
	}
	return time.Now
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
