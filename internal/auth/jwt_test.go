package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chatsync/internal/config"
)

func testAuthCfg() config.AuthConfig {
	return config.AuthConfig{
		JWTSecretKey: "test-secret",
		JWTExpiry:    time.Minute,
	}
}

func TestGenerateAndValidateToken(t *testing.T) {
	cfg := testAuthCfg()

	token, err := GenerateToken("user-1", "bob", cfg)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := ValidateToken(token, cfg)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, "bob", claims.Username)
	require.Equal(t, "user-1", claims.Subject)
}

func TestValidateToken_WrongSecret(t *testing.T) {
	token, err := GenerateToken("user-1", "bob", testAuthCfg())
	require.NoError(t, err)

	bad := testAuthCfg()
	bad.JWTSecretKey = "other-secret"
	_, err = ValidateToken(token, bad)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_Expired(t *testing.T) {
	cfg := testAuthCfg()
	cfg.JWTExpiry = -time.Minute

	token, err := GenerateToken("user-1", "bob", cfg)
	require.NoError(t, err)

	_, err = ValidateToken(token, cfg)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken_Garbage(t *testing.T) {
	_, err := ValidateToken("not-a-token", testAuthCfg())
	require.ErrorIs(t, err, ErrInvalidToken)
}
