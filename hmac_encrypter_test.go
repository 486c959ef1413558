package schild_test

import (
	"strings"
	"testing"

	"github.com/goliatone/go-schild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hmacConfig(current string, keys map[string]string) schild.HMACConfig {
	cfg := schild.DefaultConfig().HMAC
	cfg.CurrentKey = current
	cfg.EncryptionKeys = keys
	return cfg
}

func TestHmacEncrypter_RoundTrip(t *testing.T) {
	enc, err := schild.NewHmacEncrypter(hmacConfig("k1", map[string]string{"k1": encryptionKey(1)}))
	require.NoError(t, err)

	sealed, err := enc.Encrypt("plain secret")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sealed, "$b6$k1$"))
	assert.True(t, enc.IsEncrypted(sealed))
	assert.True(t, enc.IsEncryptedWithCurrentKey(sealed))
	assert.False(t, enc.IsEncrypted("plain secret"))

	again, err := enc.Encrypt("plain secret")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces must differ")

	plain, err := enc.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "plain secret", plain)
}

func TestHmacEncrypter_Rotation(t *testing.T) {
	old, err := schild.NewHmacEncrypter(hmacConfig("k1", map[string]string{"k1": encryptionKey(1)}))
	require.NoError(t, err)
	sealed, err := old.Encrypt("rotating")
	require.NoError(t, err)

	rotated, err := schild.NewHmacEncrypter(hmacConfig("k2", map[string]string{
		"k1": encryptionKey(1),
		"k2": encryptionKey(2),
	}))
	require.NoError(t, err)

	assert.True(t, rotated.IsEncrypted(sealed))
	assert.False(t, rotated.IsEncryptedWithCurrentKey(sealed))

	plain, err := rotated.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "rotating", plain)
}

func TestHmacEncrypter_Failures(t *testing.T) {
	enc, err := schild.NewHmacEncrypter(hmacConfig("k1", map[string]string{"k1": encryptionKey(1)}))
	require.NoError(t, err)

	other, err := schild.NewHmacEncrypter(hmacConfig("k1", map[string]string{"k1": encryptionKey(9)}))
	require.NoError(t, err)
	foreign, err := other.Encrypt("sealed elsewhere")
	require.NoError(t, err)

	tests := []struct {
		name  string
		value string
	}{
		{"not encrypted", "plain"},
		{"unknown key", "$b6$k9$AAAA"},
		{"malformed base64", "$b6$k1$%%%"},
		{"short ciphertext", "$b6$k1$AAAA"},
		{"wrong key", foreign},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.Decrypt(tt.value)
			require.Error(t, err)
			assert.True(t, schild.HasTextCode(err, schild.TextCodeEncryption))
		})
	}
}

func TestNewHmacEncrypter_Config(t *testing.T) {
	t.Run("missing current key", func(t *testing.T) {
		_, err := schild.NewHmacEncrypter(hmacConfig("k2", map[string]string{"k1": encryptionKey(1)}))
		require.Error(t, err)
		assert.True(t, schild.HasTextCode(err, schild.TextCodeEncryption))
	})

	t.Run("short key", func(t *testing.T) {
		_, err := schild.NewHmacEncrypter(hmacConfig("k1", map[string]string{"k1": "c2hvcnQ="}))
		require.Error(t, err)
		assert.True(t, schild.HasTextCode(err, schild.TextCodeEncryption))
	})

	t.Run("storage limit", func(t *testing.T) {
		cfg := hmacConfig("k1", map[string]string{"k1": encryptionKey(1)})
		cfg.Secret2StorageLimit = 64
		enc, err := schild.NewHmacEncrypter(cfg)
		require.NoError(t, err)
		_, err = enc.Encrypt(strings.Repeat("x", 64))
		require.Error(t, err)
		assert.True(t, schild.HasTextCode(err, schild.TextCodeEncryption))
	})
}

func TestHmacEncrypter_GenerateSecretKey(t *testing.T) {
	enc, err := schild.NewHmacEncrypter(hmacConfig("k1", map[string]string{"k1": encryptionKey(1)}))
	require.NoError(t, err)

	a, err := enc.GenerateSecretKey()
	require.NoError(t, err)
	b, err := enc.GenerateSecretKey()
	require.NoError(t, err)
	assert.Len(t, a, 44)
	assert.NotEqual(t, a, b)
}
