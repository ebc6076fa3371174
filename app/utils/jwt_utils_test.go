package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func TestTokenRoundTrip(t *testing.T) {
	token, err := GenerateToken(testSecret, "alice", time.Minute)
	require.NoError(t, err)

	claims, err := ParseToken(testSecret, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.UserID)
	assert.Equal(t, "alice", claims.Subject)
}

func TestParseTokenRejects(t *testing.T) {
	good, err := GenerateToken(testSecret, "alice", time.Minute)
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{
		UserID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	expiredToken, err := expired.SignedString([]byte(testSecret))
	require.NoError(t, err)

	anonymous := jwt.NewWithClaims(jwt.SigningMethodHS256, JWTClaims{})
	anonymousToken, err := anonymous.SignedString([]byte(testSecret))
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, JWTClaims{UserID: "alice"})
	noneToken, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]struct {
		secret string
		token  string
	}{
		"empty":        {testSecret, ""},
		"garbage":      {testSecret, "not-a-token"},
		"wrong secret": {"other-secret", good},
		"expired":      {testSecret, expiredToken},
		"no user":      {testSecret, anonymousToken},
		"alg none":     {testSecret, noneToken},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseToken(tt.secret, tt.token)
			assert.Error(t, err)
		})
	}
}

func TestGenerateTokenRequiresInputs(t *testing.T) {
	_, err := GenerateToken("", "alice", time.Minute)
	assert.Error(t, err)
	_, err = GenerateToken(testSecret, "", time.Minute)
	assert.Error(t, err)
}
