package secrets

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestBox_Roundtrip(t *testing.T) {
	box, err := NewBox(testKeyHex)
	require.NoError(t, err)

	plaintext := []byte(`{"url":"https://hooks.example.com","token":"tok-1"}`)
	ciphertext, err := box.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := box.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestBox_NonceMakesCiphertextUnique(t *testing.T) {
	box, err := NewBox(testKeyHex)
	require.NoError(t, err)

	plaintext := []byte("same secret")
	a, err := box.Encrypt(plaintext)
	require.NoError(t, err)
	b, err := box.Encrypt(plaintext)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestBox_TamperedCiphertextFails(t *testing.T) {
	box, err := NewBox(testKeyHex)
	require.NoError(t, err)

	ciphertext, err := box.Encrypt([]byte("secret"))
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xff
	_, err = box.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestBox_WrongKeyFails(t *testing.T) {
	box, err := NewBox(testKeyHex)
	require.NoError(t, err)
	other, err := NewBox(strings.Repeat("ff", 32))
	require.NoError(t, err)

	ciphertext, err := box.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = other.Decrypt(ciphertext)
	assert.Error(t, err)
}

func TestBox_ShortCiphertextRejected(t *testing.T) {
	box, err := NewBox(testKeyHex)
	require.NoError(t, err)

	_, err = box.Decrypt([]byte("short"))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "too short")
}

func TestNewBox_InvalidKeys(t *testing.T) {
	_, err := NewBox("not-hex")
	assert.Error(t, err)

	_, err = NewBox("abcd") // 2 字节，长度不够
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "32 bytes")
}
