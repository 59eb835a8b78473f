package vault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipher_RoundTrip(t *testing.T) {
	c, err := NewCipher("passphrase")
	require.NoError(t, err)

	token, err := c.Encrypt("secret-value")
	require.NoError(t, err)
	assert.NotContains(t, token, "secret-value")

	other, err := c.Encrypt("secret-value")
	require.NoError(t, err)
	assert.NotEqual(t, token, other, "nonce must be random")

	plain, err := c.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "secret-value", plain)
}

func TestCipher_RejectsTamperingAndWrongKey(t *testing.T) {
	c, err := NewCipher("passphrase")
	require.NoError(t, err)
	token, err := c.Encrypt("secret-value")
	require.NoError(t, err)

	tampered := token[:len(token)-2] + "AA"
	if tampered == token {
		tampered = token[:len(token)-2] + "BB"
	}
	_, err = c.Decrypt(tampered)
	assert.Error(t, err)

	other, err := NewCipher("another")
	require.NoError(t, err)
	_, err = other.Decrypt(token)
	assert.Error(t, err)

	_, err = c.Decrypt("plain")
	assert.ErrorIs(t, err, ErrMalformedToken)

	_, err = NewCipher("  ")
	assert.ErrorIs(t, err, ErrEmptyKey)
}
