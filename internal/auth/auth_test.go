package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openai-hub/openai-hub/internal/config"
)

const testSecret = "test-secret"

func newTestVerifier() *Verifier {
	return NewVerifier(config.JWTAuthConfig{Secret: testSecret})
}

func TestVerify_RoundTrip(t *testing.T) {
	token, err := Mint([]byte(testSecret), MintOptions{
		Subject:    "alice",
		Deployment: "team-a",
		TTL:        time.Hour,
	})
	require.NoError(t, err)

	claims, err := newTestVerifier().Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, "team-a", claims.Deployment)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, time.Minute)
}

func TestVerify_AnonymousWhenNoSubject(t *testing.T) {
	token, err := Mint([]byte(testSecret), MintOptions{TTL: time.Hour})
	require.NoError(t, err)

	claims, err := newTestVerifier().Verify(token)
	require.NoError(t, err)
	assert.Equal(t, AnonymousSubject, claims.Subject)
}

func TestVerify_NoExpIsValid(t *testing.T) {
	token, err := Mint([]byte(testSecret), MintOptions{Subject: "bob"})
	require.NoError(t, err)

	claims, err := newTestVerifier().Verify(token)
	require.NoError(t, err)
	assert.True(t, claims.ExpiresAt.IsZero())
}

func TestVerify_Failures(t *testing.T) {
	v := newTestVerifier()

	expired, err := Mint([]byte(testSecret), MintOptions{Subject: "alice", TTL: -time.Hour})
	require.NoError(t, err)

	wrongKey, err := Mint([]byte("other-secret"), MintOptions{Subject: "alice", TTL: time.Hour})
	require.NoError(t, err)

	// alg=none must never verify.
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"expired":     expired,
		"wrong key":   wrongKey,
		"alg none":    unsigned,
		"garbage":     "not.a.token",
		"empty":       "",
		"sliced":      expired[:len(expired)/2],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(token)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestVerifyHeader(t *testing.T) {
	v := newTestVerifier()
	token, err := Mint([]byte(testSecret), MintOptions{Subject: "alice", TTL: time.Hour})
	require.NoError(t, err)

	claims, err := v.VerifyHeader("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)

	for name, header := range map[string]string{
		"missing prefix": token,
		"wrong scheme":   "Basic " + token,
		"empty":          "",
		"bare bearer":    "Bearer ",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.VerifyHeader(header)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestVerify_IssuerAudience(t *testing.T) {
	v := NewVerifier(config.JWTAuthConfig{
		Secret:   testSecret,
		Issuer:   "openai-hub",
		Audience: "internal",
	})

	good, err := Mint([]byte(testSecret), MintOptions{
		Subject: "alice", TTL: time.Hour, Issuer: "openai-hub", Audience: "internal",
	})
	require.NoError(t, err)
	_, err = v.Verify(good)
	assert.NoError(t, err)

	noIssuer, err := Mint([]byte(testSecret), MintOptions{Subject: "alice", TTL: time.Hour, Audience: "internal"})
	require.NoError(t, err)
	_, err = v.Verify(noIssuer)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	wrongAud, err := Mint([]byte(testSecret), MintOptions{
		Subject: "alice", TTL: time.Hour, Issuer: "openai-hub", Audience: "external",
	})
	require.NoError(t, err)
	_, err = v.Verify(wrongAud)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
