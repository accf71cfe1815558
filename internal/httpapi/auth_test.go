package httpapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerifyCookieValueRoundTrip(t *testing.T) {
	secret := "s3cret"
	now := time.Now().Unix()
	value := signCookieValue(secret, now)
	require.True(t, verifyCookieValue(secret, value))
}

func TestVerifyCookieValueRejectsWrongSecret(t *testing.T) {
	value := signCookieValue("s3cret", time.Now().Unix())
	require.False(t, verifyCookieValue("other", value))
}

func TestVerifyCookieValueRejectsExpired(t *testing.T) {
	secret := "s3cret"
	old := time.Now().Add(-25 * time.Hour).Unix()
	value := signCookieValue(secret, old)
	require.False(t, verifyCookieValue(secret, value))
}

func TestVerifyCookieValueRejectsMalformed(t *testing.T) {
	require.False(t, verifyCookieValue("s3cret", "not-a-valid-value"))
	require.False(t, verifyCookieValue("s3cret", ""))
}

func TestBearerMatches(t *testing.T) {
	require.True(t, bearerMatches("tok", "tok"))
	require.False(t, bearerMatches("tok", "other"))
	require.False(t, bearerMatches("tok", ""))
}

func TestBypassesAuth(t *testing.T) {
	require.True(t, bypassesAuth("/healthz"))
	require.True(t, bypassesAuth("/api/hooks/event"))
	require.True(t, bypassesAuth("/login"))
	require.False(t, bypassesAuth("/api/sessions"))
}

func TestValidatedNext(t *testing.T) {
	require.Equal(t, "/dashboard", validatedNext("/dashboard"))
	require.Equal(t, "/", validatedNext("//evil.com"))
	require.Equal(t, "/", validatedNext("http://evil.com"))
	require.Equal(t, "/", validatedNext("evil.com"))
	require.Equal(t, "/", validatedNext(""))
}
