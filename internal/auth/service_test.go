package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidateToken(t *testing.T) {
	config := Config{Secret: "s3cret", Issuer: "silo-broker", TTL: time.Hour}

	token, err := GenerateToken(config, "ops", RoleAdmin)
	require.NoError(t, err)

	claims, err := ValidateToken("s3cret", token)
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.Username)
	assert.Equal(t, "ops", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)
	assert.Equal(t, "silo-broker", claims.Issuer)
	assert.NotEmpty(t, claims.UserID)
	assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 5*time.Second)
}

func TestValidateToken_Rejects(t *testing.T) {
	config := Config{Secret: "s3cret"}
	token, err := GenerateToken(config, "ops", RoleViewer)
	require.NoError(t, err)

	_, err = ValidateToken("other", token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ValidateToken("s3cret", "not-a-jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = ValidateToken("", token)
	assert.ErrorIs(t, err, ErrMissingSecret)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Role: RoleAdmin,
	})
	signed, err := expired.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = ValidateToken("s3cret", signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Role: RoleAdmin})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ValidateToken("s3cret", unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestGenerateToken_Errors(t *testing.T) {
	_, err := GenerateToken(Config{}, "ops", RoleAdmin)
	assert.ErrorIs(t, err, ErrMissingSecret)

	_, err = GenerateToken(Config{Secret: "x"}, "ops", "root")
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestGenerateToken_DefaultTTL(t *testing.T) {
	token, err := GenerateToken(Config{Secret: "x"}, "ops", RoleAdmin)
	require.NoError(t, err)
	claims, err := ValidateToken("x", token)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), claims.ExpiresAt.Time, 5*time.Second)
}
