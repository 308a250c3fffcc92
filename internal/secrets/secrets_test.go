package secrets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher("correct horse battery staple")
	require.NoError(t, err)

	plaintext := []byte(`{"apiKey":"ntn_123","baseUrl":"https://api.notion.com"}`)
	blob, err := c.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(blob), "ntn_123")

	got, err := c.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptIsNondeterministic(t *testing.T) {
	c, err := NewCipher("pass")
	require.NoError(t, err)

	a, err := c.Encrypt([]byte("same input"))
	require.NoError(t, err)
	b, err := c.Encrypt([]byte("same input"))
	require.NoError(t, err)
	assert.False(t, bytes.Equal(a, b), "fresh salt and nonce must make blobs differ")
}

func TestDecryptRejectsBadInput(t *testing.T) {
	c, err := NewCipher("pass")
	require.NoError(t, err)
	blob, err := c.Encrypt([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name string
		blob []byte
	}{
		{name: "empty", blob: nil},
		{name: "truncated", blob: blob[:10]},
		{name: "flipped ciphertext bit", blob: flipBit(blob, len(blob)-1)},
		{name: "flipped salt bit", blob: flipBit(blob, 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.blob)
			assert.ErrorIs(t, err, ErrDecrypt)
		})
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	c1, err := NewCipher("right")
	require.NoError(t, err)
	c2, err := NewCipher("wrong")
	require.NoError(t, err)

	blob, err := c1.Encrypt([]byte("secret"))
	require.NoError(t, err)
	_, err = c2.Decrypt(blob)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNewCipherRequiresPassphrase(t *testing.T) {
	_, err := NewCipher("")
	assert.Error(t, err)
}

func flipBit(blob []byte, i int) []byte {
	cp := append([]byte(nil), blob...)
	cp[i] ^= 0x01
	return cp
}
