package schild_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/goliatone/go-schild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_Validates(t *testing.T) {
	require.NoError(t, schild.DefaultConfig().Validate())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*schild.Config)
	}{
		{"unknown default authenticator", func(c *schild.Config) { c.DefaultAuthenticator = "ldap" }},
		{"no valid fields", func(c *schild.Config) { c.ValidFields = nil }},
		{"bad record level", func(c *schild.Config) { c.RecordLoginAttempt = "some" }},
		{"bad hash algorithm", func(c *schild.Config) { c.Passwords.HashAlgorithm = "md5" }},
		{"similarity above 100", func(c *schild.Config) { c.Passwords.MaxSimilarity = 120 }},
		{"tiny hmac secrets", func(c *schild.Config) { c.HMAC.SecretKeyByteSize = 8 }},
		{"matrix with unknown group", func(c *schild.Config) { c.Groups.Matrix["ghost"] = []string{"beta.access"} }},
		{"unknown default group", func(c *schild.Config) { c.Groups.DefaultGroup = "ghost" }},
		{"no remember cookie", func(c *schild.Config) { c.Session.RememberCookieName = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := schild.DefaultConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, schild.HasTextCode(err, schild.TextCodeInvalidConfiguration))
		})
	}
}

func TestLoadConfig_YAMLAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schild.yaml")
	yml := `
default_authenticator: tokens
allow_magic_link_logins: false
magic_link_lifetime: 15m
passwords:
  minimum_password_length: 12
  hash_algorithm: argon2id
groups:
  default_group: beta
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("SCHILD_ALLOW_REGISTRATION", "false")
	t.Setenv("SCHILD_HMAC_CURRENT_KEY", "k2")
	t.Setenv("SCHILD_HMAC_KEYS", "k1:"+encryptionKey(1)+", k2:"+encryptionKey(2))
	t.Setenv("SCHILD_JWT_SECRET", "env-provided-signing-secret")

	cfg, err := schild.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, schild.AliasTokens, cfg.DefaultAuthenticator)
	assert.False(t, cfg.AllowMagicLinkLogins)
	assert.Equal(t, 15*time.Minute, cfg.MagicLinkLifetime)
	assert.Equal(t, 12, cfg.Passwords.MinimumLength)
	assert.Equal(t, schild.HashArgon2id, cfg.Passwords.HashAlgorithm)
	assert.Equal(t, "beta", cfg.Groups.DefaultGroup)

	// untouched defaults survive
	assert.Equal(t, "remember", cfg.Session.RememberCookieName)
	assert.Contains(t, cfg.Groups.Groups, "admin")

	assert.False(t, cfg.AllowRegistration)
	assert.Equal(t, "k2", cfg.HMAC.CurrentKey)
	assert.Equal(t, map[string]string{"k1": encryptionKey(1), "k2": encryptionKey(2)}, cfg.HMAC.EncryptionKeys)
	require.Len(t, cfg.JWT.Keysets["default"], 1)
	assert.Equal(t, "HS256", cfg.JWT.Keysets["default"][0].Alg)
	assert.Equal(t, "env-provided-signing-secret", cfg.JWT.Keysets["default"][0].Secret)
}

func TestLoadConfig_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := schild.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("passwords: [unclosed"), 0o600))
		_, err := schild.LoadConfig(path)
		require.Error(t, err)
		assert.True(t, schild.HasTextCode(err, schild.TextCodeInvalidConfiguration))
	})

	t.Run("bad env bool", func(t *testing.T) {
		t.Setenv("SCHILD_ALLOW_REGISTRATION", "maybe")
		_, err := schild.LoadConfig("")
		require.Error(t, err)
		assert.True(t, schild.HasTextCode(err, schild.TextCodeInvalidConfiguration))
	})

	t.Run("malformed hmac key pair", func(t *testing.T) {
		t.Setenv("SCHILD_HMAC_KEYS", "k1")
		_, err := schild.LoadConfig("")
		require.Error(t, err)
		assert.True(t, schild.HasTextCode(err, schild.TextCodeInvalidConfiguration))
	})
}
