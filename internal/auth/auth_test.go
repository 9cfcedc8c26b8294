package auth

import (
	"testing"
	"time"

	"birdcam/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticate(t *testing.T) {
	a, err := NewAuthenticator(config.AuthConfig{
		Enabled:   true,
		Username:  "operator",
		Password:  "feeder",
		JWTSecret: "secret",
		JWTExpiry: time.Hour,
	})
	require.NoError(t, err)
	assert.True(t, a.IsEnabled())

	_, _, err = a.Authenticate("operator", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = a.Authenticate("admin", "feeder")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	token, expiresAt, err := a.Authenticate("operator", "feeder")
	require.NoError(t, err)
	assert.InDelta(t, time.Now().Add(time.Hour).Unix(), expiresAt, 5)

	claims, err := a.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "operator", claims.Username)
	assert.Equal(t, "birdcam", claims.Issuer)
}

func TestAuthenticateWithHashedPassword(t *testing.T) {
	hash, err := HashPassword("feeder")
	require.NoError(t, err)

	a, err := NewAuthenticator(config.AuthConfig{Enabled: true, Password: hash})
	require.NoError(t, err)

	_, _, err = a.Authenticate("admin", "feeder")
	assert.NoError(t, err)
}

func TestAuthenticateDisabled(t *testing.T) {
	a, err := NewAuthenticator(config.AuthConfig{})
	require.NoError(t, err)
	assert.False(t, a.IsEnabled())

	_, _, err = a.Authenticate("admin", "")
	assert.ErrorIs(t, err, ErrAuthDisabled)
}

func TestValidateToken(t *testing.T) {
	m, err := NewJWTManager("secret", time.Minute)
	require.NoError(t, err)

	other, err := NewJWTManager("", time.Minute)
	require.NoError(t, err)
	foreign, _, err := other.GenerateToken("admin")
	require.NoError(t, err)
	_, err = m.ValidateToken(foreign)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = m.ValidateToken("not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	m.now = func() time.Time { return time.Now().Add(-2 * time.Minute) }
	expired, _, err := m.GenerateToken("admin")
	require.NoError(t, err)
	_, err = m.ValidateToken(expired)
	assert.ErrorIs(t, err, ErrExpiredToken)
}
