package walletbridge

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAes256RoundTrip(t *testing.T) {
	key, err := GenerateRandomBytes(256 / 8)
	require.NoError(t, err)
	iv, err := GenerateRandomBytes(128 / 8)
	require.NoError(t, err)

	plain := []byte(`{"jsonrpc":"2.0","method":"personal_sign"}`)
	cipher, err := Aes256Encrypt(plain, key, iv)
	require.NoError(t, err)
	assert.NotEqual(t, plain, cipher)

	decrypted, err := Aes256Decrypt(cipher, key, iv)
	require.NoError(t, err)
	assert.Equal(t, string(plain), string(decrypted))
}

func TestHmacSha256Deterministic(t *testing.T) {
	secret := []byte("secret")
	data := []byte("payload")
	assert.Equal(t, HmacSha256(data, secret), HmacSha256(data, secret))
	assert.NotEqual(t, HmacSha256(data, secret), HmacSha256(data, []byte("other")))
}

func TestGetWebSocketUrl(t *testing.T) {
	wsURL := GetWebSocketUrl("https://a.bridge.walletconnect.org", "wc", "1")
	assert.True(t, strings.HasPrefix(wsURL, "wss://"))
	assert.Contains(t, wsURL, "protocol=wc")
	assert.Contains(t, wsURL, "version=1")
}

func TestRandomBridgeURL(t *testing.T) {
	url := RandomBridgeURL()
	assert.True(t, strings.HasPrefix(url, "https://"))
	assert.Contains(t, url, ".bridge.walletconnect.org")
}
