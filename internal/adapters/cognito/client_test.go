package cognito

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	raw, err := tok.SignedString([]byte("test-key"))
	require.NoError(t, err)
	return raw
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	raw := signedToken(t, jwt.MapClaims{"sub": "dev-1", "exp": exp.Unix()})

	got, err := TokenExpiry(raw)
	require.NoError(t, err)
	assert.True(t, got.Equal(exp))
}

func TestTokenExpiryNoExpClaim(t *testing.T) {
	raw := signedToken(t, jwt.MapClaims{"sub": "dev-1"})
	_, err := TokenExpiry(raw)
	assert.Error(t, err)
}

func TestTokenExpiryGarbage(t *testing.T) {
	_, err := TokenExpiry("not.a.token")
	assert.Error(t, err)
	_, err = TokenExpiry("")
	assert.Error(t, err)
}

func TestLoginsKey(t *testing.T) {
	// the identity-pool logins map is keyed by the issuing user pool
	assert.Equal(t, "cognito-idp.us-east-1.amazonaws.com/us-east-1_AbC123",
		loginsKey("us-east-1", "us-east-1_AbC123"))
}
