package schild_test

import (
	"context"
	"errors"
	"testing"
	"time"

	schild "github.com/goliatone/go-schild"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccessTokens(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	user := e.createUser(t, "ada", "ada@example.com")

	token, err := user.GenerateAccessToken(ctx, "deploy", "repo.read", "repo.write")
	require.NoError(t, err)
	require.NotEmpty(t, token.RawToken)
	assert.NotEqual(t, token.RawToken, token.Secret)

	ta, err := e.svc.Auth(newFakeRequest(), nil).Tokens()
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		success bool
		reason  string
	}{
		{"raw token", token.RawToken, true, ""},
		{"bearer scheme", "Bearer " + token.RawToken, true, ""},
		{"empty", "", false, schild.ReasonNoToken},
		{"unknown", "deadbeef", false, schild.ReasonBadToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ta.Check(ctx, map[string]string{"token": tt.token})
			require.NoError(t, err)
			assert.Equal(t, tt.success, res.Success)
			if !tt.success {
				assert.Equal(t, tt.reason, res.Reason)
				return
			}
			owner := res.User()
			assert.Equal(t, user.ID, owner.ID)
			assert.True(t, owner.TokenCan("repo.write"))
			assert.True(t, owner.TokenCant("repo.delete"))
		})
	}

	t.Run("listing and revoking", func(t *testing.T) {
		second, err := user.GenerateAccessToken(ctx, "ci")
		require.NoError(t, err)

		tm, err := user.Tokens()
		require.NoError(t, err)

		list, err := tm.AccessTokens(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 2)

		found, err := tm.GetAccessToken(ctx, second.RawToken)
		require.NoError(t, err)
		assert.Equal(t, []string{"*"}, found.Scopes)
		assert.True(t, found.Can("anything"))

		require.NoError(t, tm.RevokeAccessToken(ctx, second.RawToken))
		res, err := ta.Check(ctx, map[string]string{"token": second.RawToken})
		require.NoError(t, err)
		assert.Equal(t, schild.ReasonBadToken, res.Reason)

		require.NoError(t, tm.RevokeAllAccessTokens(ctx))
		list, err = tm.AccessTokens(ctx)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestAccessTokens_Unused(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	user := e.createUser(t, "ada", "ada@example.com")

	token, err := user.GenerateAccessToken(ctx, "old")
	require.NoError(t, err)

	ta, err := e.svc.Auth(newFakeRequest(), nil).Tokens()
	require.NoError(t, err)

	res, err := ta.Check(ctx, map[string]string{"token": token.RawToken})
	require.NoError(t, err)
	require.True(t, res.Success)

	e.clock.Advance(e.cfg.UnusedTokenLifetime + time.Hour)

	res, err = ta.Check(ctx, map[string]string{"token": token.RawToken})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schild.ReasonOldToken, res.Reason)
}

func TestAccessTokens_BannedOwner(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	user := e.createUser(t, "eve", "eve@example.com")

	token, err := user.GenerateAccessToken(ctx, "cli")
	require.NoError(t, err)
	require.NoError(t, user.Ban(ctx, ""))

	req := newFakeRequest()
	req.headers["Authorization"] = "Bearer " + token.RawToken
	ta, err := e.svc.Auth(req, nil).Tokens()
	require.NoError(t, err)

	res, err := ta.Attempt(ctx, map[string]string{"token": token.RawToken})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, schild.ReasonBannedUser, res.Reason)

	loggedIn, err := ta.LoggedIn(ctx)
	require.NoError(t, err)
	assert.False(t, loggedIn)
}

func TestHmacTokens(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	user := e.createUser(t, "ada", "ada@example.com")

	token, err := user.GenerateHmacToken(ctx, "webhook", "orders.write")
	require.NoError(t, err)
	require.NotEmpty(t, token.RawSecretKey)

	body := `{"order":42}`
	signature := schild.SignHmac([]byte(body), token.RawSecretKey)

	ha, err := e.svc.Auth(newFakeRequest(), nil).Hmac()
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		body    string
		success bool
		reason  string
	}{
		{"valid", token.Secret + ":" + signature, body, true, ""},
		{"with scheme", schild.HmacScheme + " " + token.Secret + ":" + signature, body, true, ""},
		{"tampered body", token.Secret + ":" + signature, `{"order":43}`, false, schild.ReasonBadToken},
		{"missing signature", token.Secret, body, false, schild.ReasonBadToken},
		{"unknown key", "nope:" + signature, body, false, schild.ReasonBadToken},
		{"empty", "", body, false, schild.ReasonNoToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ha.Check(ctx, map[string]string{"token": tt.token, "body": tt.body})
			require.NoError(t, err)
			assert.Equal(t, tt.success, res.Success)
			if tt.success {
				assert.True(t, res.User().HmacTokenCan("orders.write"))
				return
			}
			assert.Equal(t, tt.reason, res.Reason)
		})
	}

	t.Run("request body", func(t *testing.T) {
		req := newFakeRequest()
		req.body = []byte(body)
		req.headers["Authorization"] = schild.HmacScheme + " " + token.Secret + ":" + signature

		ha, err := e.svc.Auth(req, nil).Hmac()
		require.NoError(t, err)
		loggedIn, err := ha.LoggedIn(ctx)
		require.NoError(t, err)
		assert.True(t, loggedIn)
		assert.Equal(t, token.Secret, ha.HmacKey())
	})
}

func TestHmacSecrets_Rotation(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, testConfig())
	user := e.createUser(t, "ada", "ada@example.com")

	token, err := user.GenerateHmacToken(ctx, "webhook")
	require.NoError(t, err)

	stored, err := e.repo.Identities().GetIdentityBySecret(ctx, schild.IdentityHmacSha256, token.Secret)
	require.NoError(t, err)
	assert.Regexp(t, `^\$b6\$k1\$`, stored.Secret2)

	out, err := e.svc.EncryptHmacSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, schild.HmacRotation{Skipped: 1}, out)

	cfg := testConfig()
	cfg.HMAC.EncryptionKeys = map[string]string{"k1": encryptionKey(1), "k2": encryptionKey(2)}
	cfg.HMAC.CurrentKey = "k2"
	rotated := attachEnv(t, e.db, cfg)

	out, err = rotated.svc.ReencryptHmacSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, schild.HmacRotation{Updated: 1}, out)

	stored, err = e.repo.Identities().GetIdentityBySecret(ctx, schild.IdentityHmacSha256, token.Secret)
	require.NoError(t, err)
	assert.Regexp(t, `^\$b6\$k2\$`, stored.Secret2)

	verify := func(env *env) bool {
		t.Helper()
		ha, err := env.svc.Auth(newFakeRequest(), nil).Hmac()
		require.NoError(t, err)
		res, err := ha.Check(ctx, map[string]string{
			"token": token.Secret + ":" + schild.SignHmac([]byte("ping"), token.RawSecretKey),
			"body":  "ping",
		})
		require.NoError(t, err)
		return res.Success
	}
	assert.True(t, verify(rotated))

	out, err = rotated.svc.DecryptHmacSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Updated)

	stored, err = e.repo.Identities().GetIdentityBySecret(ctx, schild.IdentityHmacSha256, token.Secret)
	require.NoError(t, err)
	assert.Equal(t, token.RawSecretKey, stored.Secret2)
	assert.True(t, verify(e))
}

func TestHmacTokens_RequireEncryptionKeys(t *testing.T) {
	cfg := testConfig()
	cfg.HMAC.EncryptionKeys = map[string]string{}
	e := newEnv(t, cfg)
	user := e.createUser(t, "ada", "ada@example.com")

	_, err := user.GenerateHmacToken(context.Background(), "webhook")
	require.Error(t, err)
	assert.True(t, schild.HasTextCode(err, schild.TextCodeEncryption))
}

func TestJWT(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	user := e.createUser(t, "ada", "ada@example.com")

	signed, err := e.svc.JWT().GenerateToken(user, map[string]any{"role": "admin"})
	require.NoError(t, err)

	claims, err := e.svc.JWT().Parse(signed)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims["sub"])
	assert.Equal(t, "admin", claims["role"])
	assert.NotContains(t, claims, "iss")

	req := newFakeRequest()
	req.headers["Authorization"] = "Bearer " + signed
	ja, err := e.svc.Auth(req, nil).JWT()
	require.NoError(t, err)

	loggedIn, err := ja.LoggedIn(ctx)
	require.NoError(t, err)
	assert.True(t, loggedIn)
	assert.Equal(t, "admin", ja.Claims()["role"])

	t.Run("expired", func(t *testing.T) {
		short, err := e.svc.JWT().GenerateToken(user, nil, schild.WithTTL(time.Minute))
		require.NoError(t, err)

		e.clock.Advance(2 * time.Minute)
		_, err = e.svc.JWT().Parse(short)
		assert.True(t, errors.Is(err, schild.ErrJWTExpired))

		ja, err := e.svc.Auth(newFakeRequest(), nil).JWT()
		require.NoError(t, err)
		res, err := ja.Check(ctx, map[string]string{"token": short})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, schild.ErrJWTExpired.Kind.String(), res.Reason)
	})

	t.Run("no subject", func(t *testing.T) {
		anon, err := e.svc.JWT().Issue(map[string]any{"scope": "public"})
		require.NoError(t, err)

		ja, err := e.svc.Auth(newFakeRequest(), nil).JWT()
		require.NoError(t, err)
		res, err := ja.Check(ctx, map[string]string{"token": anon})
		require.NoError(t, err)
		assert.Equal(t, schild.ReasonNoUserID, res.Reason)
	})

	t.Run("tampered", func(t *testing.T) {
		_, err := e.svc.JWT().Parse(signed + "x")
		assert.True(t, errors.Is(err, schild.ErrJWTInvalid))
	})

	t.Run("unknown keyset", func(t *testing.T) {
		_, err := e.svc.JWT().Issue(nil, schild.WithKeyset("mobile"))
		require.Error(t, err)
		assert.True(t, schild.HasTextCode(err, schild.TextCodeUnknownKeyset))
	})
}

func TestMagicLink(t *testing.T) {
	mailer := &mockMailer{}
	mailer.On("Send", mockAnyContext, mockAnyMessage).Return(nil)
	e := newEnv(t, testConfig(), schild.WithMailer(mailer))
	ctx := context.Background()
	user := e.createUser(t, "ada", "ada@example.com")

	res, err := e.svc.MagicLinks().Request(ctx, newFakeRequest(), "nobody@example.com")
	require.NoError(t, err)
	assert.Equal(t, schild.ReasonInvalidEmail, res.Reason)
	mailer.AssertNotCalled(t, "Send", mockAnyContext, mockAnyMessage)

	res, err = e.svc.MagicLinks().Request(ctx, newFakeRequest(), "ada@example.com")
	require.NoError(t, err)
	require.True(t, res.Success)
	token := mailer.lastMessage(t).Data["token"].(string)

	sess := newMemSession()
	sa := e.sessionAuth(t, newFakeRequest(), sess)
	res, err = e.svc.MagicLinks().Verify(ctx, sa, token)
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, user.ID, res.User().ID)
	assert.Contains(t, e.sink.names(), schild.EventMagicLogin)

	// tokens are single use
	res, err = e.svc.MagicLinks().Verify(ctx, e.sessionAuth(t, newFakeRequest(), newMemSession()), token)
	require.NoError(t, err)
	assert.Equal(t, schild.ReasonMagicTokenNotFound, res.Reason)
}

func TestMagicLink_Expired(t *testing.T) {
	mailer := &mockMailer{}
	mailer.On("Send", mockAnyContext, mockAnyMessage).Return(nil)
	e := newEnv(t, testConfig(), schild.WithMailer(mailer))
	ctx := context.Background()
	e.createUser(t, "ada", "ada@example.com")

	_, err := e.svc.MagicLinks().Request(ctx, newFakeRequest(), "ada@example.com")
	require.NoError(t, err)
	token := mailer.lastMessage(t).Data["token"].(string)

	e.clock.Advance(e.cfg.MagicLinkLifetime + time.Second)

	res, err := e.svc.MagicLinks().Verify(ctx, e.sessionAuth(t, newFakeRequest(), newMemSession()), token)
	require.NoError(t, err)
	assert.Equal(t, schild.ReasonMagicLinkExpired, res.Reason)
}

func TestMagicLink_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.AllowMagicLinkLogins = false
	e := newEnv(t, cfg)

	_, err := e.svc.MagicLinks().Request(context.Background(), newFakeRequest(), "ada@example.com")
	assert.ErrorIs(t, err, schild.ErrMagicLinkDisabled)
}

func TestStatelessAuthenticators_LoggedInIsMemoized(t *testing.T) {
	tests := []struct {
		alias  string
		header string
	}{
		{schild.AliasTokens, "Bearer deadbeef"},
		{schild.AliasHMAC, schild.HmacScheme + " missing:abcdef"},
		{schild.AliasJWT, "Bearer not-a-jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.alias, func(t *testing.T) {
			e := newEnv(t, testConfig())
			ctx := context.Background()

			req := newFakeRequest()
			req.headers["Authorization"] = tt.header
			inst, err := e.svc.Auth(req, nil).Authenticator(tt.alias)
			require.NoError(t, err)

			for i := 0; i < 3; i++ {
				loggedIn, err := inst.LoggedIn(ctx)
				require.NoError(t, err)
				assert.False(t, loggedIn)
				assert.Equal(t, 1, countRows(t, e.db, e.cfg.Tables.TokenLogins), "call %d", i+1)
			}
		})
	}
}
