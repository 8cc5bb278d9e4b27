package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	aead, err := NewAESGCM(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)

	a, err := Encrypt(aead, []byte("bot-token"))
	require.NoError(t, err)
	b, err := Encrypt(aead, []byte("bot-token"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "nonces must differ")

	plain, err := Decrypt(aead, a)
	require.NoError(t, err)
	assert.Equal(t, "bot-token", string(plain))

	a[len(a)-1] ^= 0xff
	_, err = Decrypt(aead, a)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = Decrypt(aead, []byte{1, 2})
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestEncryptJSON(t *testing.T) {
	aead, err := NewAESGCM(bytes.Repeat([]byte{1}, 32))
	require.NoError(t, err)

	blob, err := EncryptJSON(aead, map[string]string{"bot_token": "x"})
	require.NoError(t, err)

	var out map[string]string
	require.NoError(t, DecryptJSON(aead, blob, &out))
	assert.Equal(t, "x", out["bot_token"])
}

func TestNewAESGCMRejectsBadKey(t *testing.T) {
	_, err := NewAESGCM([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}
