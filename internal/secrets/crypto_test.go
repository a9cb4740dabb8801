package secrets

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMasterKeyProvider(t *testing.T) {
	dir := t.TempDir()

	first, err := NewMasterKeyProvider(dir)
	require.NoError(t, err)
	require.Len(t, first.Key(), MasterKeySize)

	// A second provider over the same directory loads the same key.
	second, err := NewMasterKeyProvider(dir)
	require.NoError(t, err)
	assert.Equal(t, first.Key(), second.Key())

	// Nested directories are created on demand.
	_, err = NewMasterKeyProvider(filepath.Join(dir, "a", "b"))
	require.NoError(t, err)
}

func TestEncryptDecrypt(t *testing.T) {
	provider, err := NewMasterKeyProvider(t.TempDir())
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		ciphertext, nonce, err := Encrypt([]byte("sk-ant-xyz"), provider.Key())
		require.NoError(t, err)
		assert.NotContains(t, string(ciphertext), "sk-ant")

		plaintext, err := Decrypt(ciphertext, nonce, provider.Key())
		require.NoError(t, err)
		assert.Equal(t, "sk-ant-xyz", string(plaintext))
	})

	t.Run("wrong key fails", func(t *testing.T) {
		other, err := NewMasterKeyProvider(t.TempDir())
		require.NoError(t, err)

		ciphertext, nonce, err := Encrypt([]byte("value"), provider.Key())
		require.NoError(t, err)
		_, err = Decrypt(ciphertext, nonce, other.Key())
		require.Error(t, err)
	})

	t.Run("tampered ciphertext fails", func(t *testing.T) {
		ciphertext, nonce, err := Encrypt([]byte("value"), provider.Key())
		require.NoError(t, err)
		ciphertext[0] ^= 0xff
		_, err = Decrypt(ciphertext, nonce, provider.Key())
		require.Error(t, err)
	})
}
