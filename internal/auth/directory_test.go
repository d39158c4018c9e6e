package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDirectory_RegisterAndVerify(t *testing.T) {
	d := NewMemoryDirectory()

	userID, err := d.Register(context.Background(), "bob", "password123")
	require.NoError(t, err)
	require.NotEmpty(t, userID)

	got, err := d.VerifyCredentials(context.Background(), "bob", "password123")
	require.NoError(t, err)
	require.Equal(t, userID, got)
}

func TestDirectory_WrongPassword(t *testing.T) {
	d := NewMemoryDirectory()
	_, err := d.Register(context.Background(), "bob", "password123")
	require.NoError(t, err)

	_, err = d.VerifyCredentials(context.Background(), "bob", "wrong")
	require.ErrorIs(t, err, ErrBadCredentials)
}

func TestDirectory_UnknownUser(t *testing.T) {
	d := NewMemoryDirectory()
	_, err := d.VerifyCredentials(context.Background(), "nobody", "password123")
	require.ErrorIs(t, err, ErrBadCredentials)
}

func TestDirectory_DuplicateUsername(t *testing.T) {
	d := NewMemoryDirectory()
	_, err := d.Register(context.Background(), "bob", "password123")
	require.NoError(t, err)

	_, err = d.Register(context.Background(), "bob", "other")
	require.Error(t, err)
}
