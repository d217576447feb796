package security

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"agrichat/internal/app/realtime"
)

var fixedNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func TestCustomTokenRoundTrip(t *testing.T) {
	secret := []byte("chat-secret")
	issuer := CustomTokenIssuer{Secret: secret, TTL: time.Hour, Now: func() time.Time { return fixedNow }}
	verifier := CustomTokenVerifier{Secret: secret, Now: func() time.Time { return fixedNow.Add(time.Minute) }}

	issued, err := issuer.Issue("7", map[string]any{"role": "poster"})
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(time.Hour), issued.ExpiresAt)

	p, err := verifier.VerifyCustomToken(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "7", p.UID)
	assert.Equal(t, "poster", p.Claims["role"])
	assert.True(t, p.ExpiresAt.Equal(fixedNow.Add(time.Hour)))
	assert.True(t, p.IssuedAt.Equal(fixedNow))
}

func TestCustomTokenRejections(t *testing.T) {
	secret := []byte("chat-secret")
	issuer := CustomTokenIssuer{Secret: secret, TTL: time.Hour, Now: func() time.Time { return fixedNow }}
	issued, err := issuer.Issue("7", nil)
	require.NoError(t, err)

	expired := CustomTokenVerifier{Secret: secret, Now: func() time.Time { return fixedNow.Add(2 * time.Hour) }}
	_, err = expired.VerifyCustomToken(issued.Token)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.True(t, realtime.IsAuthError(err))

	forged := CustomTokenVerifier{Secret: []byte("other"), Now: func() time.Time { return fixedNow }}
	_, err = forged.VerifyCustomToken(issued.Token)
	assert.True(t, realtime.IsAuthError(err))

	wrongAudience := CustomTokenVerifier{Secret: secret, Audience: "someone-else", Now: func() time.Time { return fixedNow }}
	_, err = wrongAudience.VerifyCustomToken(issued.Token)
	assert.True(t, realtime.IsAuthError(err))

	_, err = CustomTokenVerifier{Secret: secret}.VerifyCustomToken("not-a-jwt")
	assert.True(t, realtime.IsAuthError(err))
}

func TestIssuerValidation(t *testing.T) {
	_, err := CustomTokenIssuer{}.Issue("7", nil)
	assert.ErrorIs(t, err, ErrMissingSecret)

	_, err = CustomTokenIssuer{Secret: []byte("s")}.Issue(" ", nil)
	assert.ErrorIs(t, err, ErrMissingUID)
}

func TestLocalTokenSource(t *testing.T) {
	secret := []byte("chat-secret")
	src := LocalTokenSource{Issuer: CustomTokenIssuer{Secret: secret}, UID: "gateway"}

	token, err := src.FetchChatToken(context.Background())
	require.NoError(t, err)

	p, err := CustomTokenVerifier{Secret: secret}.VerifyCustomToken(token)
	require.NoError(t, err)
	assert.Equal(t, "gateway", p.UID)
	assert.Equal(t, true, p.Claims["service"])
}

func TestAccessTokens(t *testing.T) {
	tokens := AccessTokens{Secret: []byte("access"), TTL: time.Hour, Now: func() time.Time { return fixedNow }}

	token, err := tokens.Issue("12", "Ravi", "labour")
	require.NoError(t, err)

	id, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, AccessIdentity{UserID: "12", Name: "Ravi", Role: "labour", ExpiresAt: id.ExpiresAt}, id)
	assert.True(t, id.ExpiresAt.Equal(fixedNow.Add(time.Hour)))

	later := tokens
	later.Now = func() time.Time { return fixedNow.Add(2 * time.Hour) }
	_, err = later.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)

	_, err = AccessTokens{Secret: []byte("other")}.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueSetsUniqueTokenIDs(t *testing.T) {
	issuer := CustomTokenIssuer{Secret: []byte("chat-secret"), Now: func() time.Time { return fixedNow }}
	verifier := CustomTokenVerifier{Secret: []byte("chat-secret"), Now: func() time.Time { return fixedNow }}

	a, err := issuer.Issue("farmer-1", nil)
	require.NoError(t, err)
	b, err := issuer.Issue("farmer-1", nil)
	require.NoError(t, err)

	ca, err := verifier.parse(a.Token)
	require.NoError(t, err)
	cb, err := verifier.parse(b.Token)
	require.NoError(t, err)
	assert.Len(t, ca.ID, 36)
	assert.NotEqual(t, ca.ID, cb.ID)
}

func TestIssueUsesInjectedTokenID(t *testing.T) {
	issuer := CustomTokenIssuer{
		Secret: []byte("chat-secret"),
		Now:    func() time.Time { return fixedNow },
		NewID:  func() (string, error) { return "jti-1", nil },
	}
	issued, err := issuer.Issue("farmer-1", nil)
	require.NoError(t, err)

	claims, err := CustomTokenVerifier{Secret: []byte("chat-secret"), Now: func() time.Time { return fixedNow }}.parse(issued.Token)
	require.NoError(t, err)
	assert.Equal(t, "jti-1", claims.ID)

	issuer.NewID = func() (string, error) { return "", errors.New("no entropy") }
	_, err = issuer.Issue("farmer-1", nil)
	require.Error(t, err)
}
