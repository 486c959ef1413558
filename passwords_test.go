package schild_test

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	schild "github.com/goliatone/go-schild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPasswordConfig() schild.PasswordConfig {
	cfg := schild.DefaultConfig().Passwords
	cfg.HashCost = 4
	cfg.HashMemoryCost = 1024
	cfg.HashTimeCost = 1
	return cfg
}

func TestPasswords_Check(t *testing.T) {
	p := schild.NewPasswords(testPasswordConfig())
	user := &schild.User{Username: "johnsmith", Email: "john.smith@example.org"}
	ctx := context.Background()

	tests := []struct {
		name     string
		password string
		reason   string
	}{
		{"accepted", "violet tractor umbrella", ""},
		{"empty", "   ", schild.ReasonPasswordEmpty},
		{"too long for bcrypt", strings.Repeat("x", 73), schild.ReasonPasswordTooLong},
		{"too short", "Ab1!", schild.ReasonPasswordLength},
		{"is the username", "johnsmith", schild.ReasonPasswordPersonal},
		{"reversed username", "htimsnhoj", schild.ReasonPasswordPersonal},
		{"contains email part", "my-smith-password!", schild.ReasonPasswordPersonal},
		{"too similar to username", "jhonsmiht", schild.ReasonPasswordTooSimilar},
		{"dictionary word", "password", schild.ReasonPasswordCommon},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.Check(ctx, tt.password, user)
			require.NoError(t, err)
			if tt.reason == "" {
				assert.True(t, res.Success, res.Reason)
				return
			}
			assert.False(t, res.Success)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}

	t.Run("missing user", func(t *testing.T) {
		_, err := p.Check(ctx, "violet tractor umbrella", nil)
		assert.ErrorIs(t, err, schild.ErrMissingUser)
	})
}

func TestPasswords_PersonalData(t *testing.T) {
	cfg := testPasswordConfig()
	cfg.PersonalFields = []string{"city"}
	p := schild.NewPasswords(cfg)

	e := newEnv(t, func() schild.Config {
		c := testConfig()
		c.Passwords.PersonalFields = []string{"city"}
		return c
	}(), schild.WithPersonalData(func(*schild.User) map[string]string {
		return map[string]string{"city": "Barcelona"}
	}))

	user := &schild.User{Username: "pau", Email: "pau@example.com"}
	res, err := e.svc.Passwords().Check(context.Background(), "barcelona-forever-22", user)
	require.NoError(t, err)
	assert.Equal(t, schild.ReasonPasswordPersonal, res.Reason)

	// without a data source the field is ignored
	res, err = p.Check(context.Background(), "barcelona-forever-22", user)
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestPasswords_HashAndRehash(t *testing.T) {
	bcryptCfg := testPasswordConfig()
	argonCfg := testPasswordConfig()
	argonCfg.HashAlgorithm = schild.HashArgon2id

	bp := schild.NewPasswords(bcryptCfg)
	ap := schild.NewPasswords(argonCfg)

	bh, err := bp.Hash("secret words here")
	require.NoError(t, err)
	ah, err := ap.Hash("secret words here")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ah, "$argon2id$"))

	assert.True(t, bp.Verify("secret words here", bh))
	assert.False(t, bp.Verify("other words", bh))
	assert.True(t, ap.Verify("secret words here", ah))
	assert.False(t, ap.Verify("secret words here", ""))

	// either algorithm verifies the other's hashes during a migration
	assert.True(t, bp.Verify("secret words here", ah))
	assert.True(t, ap.Verify("secret words here", bh))

	assert.False(t, bp.NeedsRehash(bh))
	assert.True(t, bp.NeedsRehash(ah))
	assert.True(t, ap.NeedsRehash(bh))

	costlier := testPasswordConfig()
	costlier.HashCost = 5
	assert.True(t, schild.NewPasswords(costlier).NeedsRehash(bh))
}

func TestSessionCheck_RehashesOnLogin(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	user := e.createUser(t, "ada", "ada@example.com")

	cfg := testConfig()
	cfg.Passwords.HashCost = 5
	upgraded := attachEnv(t, e.db, cfg)

	sa := upgraded.sessionAuth(t, newFakeRequest(), newMemSession())
	res, err := sa.Check(ctx, credentials("ada@example.com"))
	require.NoError(t, err)
	require.True(t, res.Success)

	identity, err := upgraded.repo.Identities().GetIdentityByType(ctx, user.ID, schild.IdentityEmailPassword)
	require.NoError(t, err)
	assert.False(t, upgraded.svc.Passwords().NeedsRehash(identity.Secret2))
	assert.True(t, upgraded.svc.Passwords().Verify(testPassword, identity.Secret2))
}

func TestPwnedValidator(t *testing.T) {
	pwned := "P@ssw0rd"
	sum := sha1.Sum([]byte(pwned))
	hash := strings.ToUpper(hex.EncodeToString(sum[:]))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/"+hash[:5]) {
			fmt.Fprintln(w, "0000000000000000000000000000000000A:1")
			return
		}
		fmt.Fprintf(w, "00000000000000000000000000000000001:3\r\n%s:42\r\n", hash[5:])
	}))
	defer srv.Close()

	v := schild.PwnedValidator{Endpoint: srv.URL + "/range/", Client: srv.Client(), Logger: schild.NopLogger()}
	ctx := context.Background()

	res, err := v.Check(ctx, pwned, nil)
	require.NoError(t, err)
	assert.Equal(t, schild.ReasonPasswordPwned, res.Reason)

	res, err = v.Check(ctx, "a much less popular passphrase", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Nil(t, res.ExtraInfo)

	t.Run("service down lets the password through", func(t *testing.T) {
		down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer down.Close()

		v := schild.PwnedValidator{Endpoint: down.URL + "/", Client: down.Client(), Logger: schild.NopLogger()}
		res, err := v.Check(ctx, pwned, nil)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, schild.PwnedUnverified, res.ExtraInfo)
	})

	t.Run("malformed range", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintln(w, "not a range line")
		}))
		defer bad.Close()

		v := schild.PwnedValidator{Endpoint: bad.URL + "/", Client: bad.Client(), Logger: schild.NopLogger()}
		_, err := v.Check(ctx, pwned, nil)
		assert.True(t, schild.HasTextCode(err, schild.TextCodeBreachRangeMalformed))
	})
}

func TestDictionaryValidator_CustomPath(t *testing.T) {
	path := t.TempDir() + "/words.txt"
	require.NoError(t, os.WriteFile(path, []byte("hunter2\ncorrecthorse\n"), 0o600))

	v := schild.DictionaryValidator{Path: path}
	res, err := v.Check(context.Background(), "hunter2", nil)
	require.NoError(t, err)
	assert.Equal(t, schild.ReasonPasswordCommon, res.Reason)

	res, err = v.Check(context.Background(), "password", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)

	_, err = schild.DictionaryValidator{Path: path + ".missing"}.Check(context.Background(), "x", nil)
	assert.Error(t, err)
}
