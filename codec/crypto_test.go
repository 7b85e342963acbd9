package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedDeriver(deviceUUID, mac, userKey string) ([]byte, error) {
	key := make([]byte, 16)
	copy(key, []byte(mac+userKey))
	return key, nil
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	c := New("userkey", "/app/1-app/subscribe")
	c.KeyDeriver = fixedDeriver

	plaintext := []byte(`{"hello":"world"}`)
	cipherBytes, err := c.Encrypt("dev-1", "AA:BB:CC:DD:EE:FF", plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, cipherBytes)

	decoded, err := c.Decrypt("dev-1", "AA:BB:CC:DD:EE:FF", cipherBytes)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decoded)
}

func TestEncrypt_WithoutDeriver(t *testing.T) {
	c := New("userkey", "/app/1-app/subscribe")
	_, err := c.Encrypt("dev-1", "AA:BB:CC:DD:EE:FF", []byte("x"))
	assert.Error(t, err)
}
