package repository

import (
	"context"
	"testing"
	"time"

	schild "github.com/goliatone/go-schild"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	ctx := context.Background()

	db, err := Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	versions, err := Migrate(ctx, db)
	require.NoError(t, err)
	require.NotEmpty(t, versions)

	m := NewManager(db, schild.DefaultConfig().Tables)
	require.NoError(t, m.Validate())
	return m
}

func createUser(t *testing.T, m *Manager, username, email string) *schild.User {
	t.Helper()
	user, err := m.Users().Create(context.Background(), &schild.User{
		Username:     username,
		Email:        email,
		PasswordHash: "hash-" + username,
	})
	require.NoError(t, err)
	return user
}

func TestMigrateIsIdempotent(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	versions, err := Migrate(ctx, m.DB())
	require.NoError(t, err)
	assert.Empty(t, versions)

	status, err := MigrationStatus(ctx, m.DB())
	require.NoError(t, err)
	assert.Len(t, status, 6)
}

func TestUsers_CreateAndFind(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()

	created := createUser(t, m, "jdoe", "John@Example.com")
	require.NotEqual(t, uuid.Nil, created.ID)

	byID, err := m.Users().FindByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "jdoe", byID.Username)
	assert.Equal(t, "John@Example.com", byID.Email)
	assert.Equal(t, "hash-jdoe", byID.PasswordHash)

	tests := []struct {
		name  string
		creds map[string]string
	}{
		{"email case insensitive", map[string]string{"email": "john@example.com", "password": "x"}},
		{"username case insensitive", map[string]string{"username": "JDOE"}},
		{"id column", map[string]string{"id": created.ID.String()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := m.Users().FindByCredentials(ctx, tt.creds)
			require.NoError(t, err)
			assert.Equal(t, created.ID, user.ID)
		})
	}

	_, err = m.Users().FindByCredentials(ctx, map[string]string{"email": "nobody@example.com"})
	assert.True(t, schild.IsNotFound(err))

	_, err = m.Users().FindByCredentials(ctx, map[string]string{"password": "only"})
	assert.True(t, schild.IsNotFound(err))

	_, err = m.Users().FindByID(ctx, uuid.New())
	assert.True(t, schild.IsNotFound(err))
}

func TestUsers_DuplicateEmail(t *testing.T) {
	m := setupManager(t)
	createUser(t, m, "first", "same@example.com")

	_, err := m.Users().Create(context.Background(), &schild.User{
		Username: "second",
		Email:    "same@example.com",
	})
	require.Error(t, err)
	assert.True(t, schild.IsDuplicateIdentity(err))
}

func TestUsers_DuplicateEmailIgnoresCase(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()
	first := createUser(t, m, "grace", "grace@example.com")

	_, err := m.Users().Create(ctx, &schild.User{
		Username: "impostor",
		Email:    "GRACE@example.com",
	})
	require.Error(t, err)
	assert.True(t, schild.IsDuplicateIdentity(err))

	other := createUser(t, m, "hopper", "hopper@example.com")
	other.Email = "Grace@Example.com"
	_, err = m.Users().Save(ctx, other)
	require.Error(t, err)
	assert.True(t, schild.IsDuplicateIdentity(err))

	found, err := m.Users().FindByCredentials(ctx, map[string]string{"email": "grace@example.com"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, found.ID)
}

func TestUsers_UpdateActiveDateKeepsGivenTime(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()
	user := createUser(t, m, "clocked", "clocked@example.com")

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	user.LastActive = &at
	require.NoError(t, m.Users().UpdateActiveDate(ctx, user))

	loaded, err := m.Users().FindByID(ctx, user.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.LastActive)
	assert.True(t, at.Equal(*loaded.LastActive), "got %s", loaded.LastActive)
}

func TestUsers_SaveActivateAndActiveDate(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()
	user := createUser(t, m, "saver", "saver@example.com")

	user.Status = schild.StatusBanned
	user.StatusMessage = "spam"
	user.PasswordHash = "rehashed"
	_, err := m.Users().Save(ctx, user)
	require.NoError(t, err)

	require.NoError(t, m.Users().Activate(ctx, user))
	require.NoError(t, m.Users().UpdateActiveDate(ctx, user))

	loaded, err := m.Users().FindByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, schild.StatusBanned, loaded.Status)
	assert.Equal(t, "spam", loaded.StatusMessage)
	assert.Equal(t, "rehashed", loaded.PasswordHash)
	assert.True(t, loaded.Active)
	assert.NotNil(t, loaded.LastActive)

	_, err = m.Users().Save(ctx, &schild.User{})
	assert.ErrorIs(t, err, schild.ErrIncompleteUser)
}

func TestIdentities_Lifecycle(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()
	user := createUser(t, m, "ident", "ident@example.com")
	store := m.Identities()

	expires := time.Now().Add(time.Hour)
	token, err := store.Create(ctx, &schild.UserIdentity{
		UserID:  user.ID,
		Type:    schild.IdentityAccessToken,
		Name:    "ci",
		Secret:  "sha-of-token",
		Extra:   `["users.read"]`,
		Expires: &expires,
	})
	require.NoError(t, err)

	_, err = store.Create(ctx, &schild.UserIdentity{
		UserID: user.ID,
		Type:   schild.IdentityAccessToken,
		Secret: "sha-of-token",
	})
	assert.True(t, schild.IsDuplicateIdentity(err))

	found, err := store.GetIdentityBySecret(ctx, schild.IdentityAccessToken, "sha-of-token")
	require.NoError(t, err)
	assert.Equal(t, token.ID, found.ID)
	assert.Equal(t, []string{"users.read"}, found.Scopes())

	byType, err := store.GetIdentitiesByTypes(ctx, user.ID, []string{schild.IdentityAccessToken, schild.IdentityEmailPassword})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	listed, err := store.ListIdentitiesByType(ctx, schild.IdentityAccessToken)
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	require.NoError(t, store.TouchIdentity(ctx, found, time.Now()))
	touched, err := store.GetIdentityByID(ctx, found.ID)
	require.NoError(t, err)
	assert.NotNil(t, touched.LastUsedAt)

	require.NoError(t, store.RevokeIdentity(ctx, user.ID, schild.IdentityAccessToken, "sha-of-token"))
	_, err = store.GetIdentityByID(ctx, found.ID)
	assert.True(t, schild.IsNotFound(err))
}

func TestIdentities_SetForceReset(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()
	a := createUser(t, m, "alice", "alice@example.com")
	b := createUser(t, m, "bob", "bob@example.com")
	store := m.Identities()

	flag := func(u *schild.User) bool {
		identity, err := store.GetIdentityByType(ctx, u.ID, schild.IdentityEmailPassword)
		require.NoError(t, err)
		return identity.ForceReset
	}

	require.NoError(t, store.SetForceReset(ctx, []uuid.UUID{a.ID}, true))
	assert.True(t, flag(a))
	assert.False(t, flag(b))

	require.NoError(t, store.SetForceReset(ctx, nil, true))
	assert.True(t, flag(b))

	require.NoError(t, store.SetForceReset(ctx, []uuid.UUID{}, false))
	assert.True(t, flag(a))
}

func TestLogins_LastAndPrevious(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()
	user := createUser(t, m, "logger", "logger@example.com")
	store := m.Logins()

	base := time.Now().Add(-time.Hour)
	for i, success := range []bool{true, false, true} {
		require.NoError(t, store.RecordLoginAttempt(ctx, &schild.LoginAttempt{
			IDType:     "email_password",
			Identifier: "logger@example.com",
			Success:    success,
			UserID:     &user.ID,
			Date:       base.Add(time.Duration(i) * time.Minute),
		}))
	}

	last, err := store.LastLogin(ctx, "logger@example.com")
	require.NoError(t, err)
	assert.WithinDuration(t, base.Add(2*time.Minute), last.Date, time.Second)

	previous, err := store.PreviousLogin(ctx, user.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, base, previous.Date, time.Second)

	_, err = m.TokenLogins().LastLogin(ctx, "logger@example.com")
	assert.True(t, schild.IsNotFound(err))
	assert.Equal(t, "auth_token_logins", m.TokenLogins().Table())
}

func TestRememberTokens_Rotate(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()
	user := createUser(t, m, "rmbr", "rmbr@example.com")
	store := m.RememberTokens()

	require.NoError(t, store.RememberUser(ctx, &schild.RememberToken{
		Selector:        "sel",
		HashedValidator: "old",
		UserID:          user.ID,
		Expires:         time.Now().Add(time.Hour),
	}))

	ok, err := store.RotateRememberValidator(ctx, "sel", "old", "new", time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.RotateRememberValidator(ctx, "sel", "old", "newer", time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "second swap must lose")

	token, err := store.GetRememberToken(ctx, "sel")
	require.NoError(t, err)
	assert.Equal(t, "new", token.HashedValidator)

	require.NoError(t, store.PurgeOldRememberTokens(ctx, time.Now().Add(3*time.Hour)))
	_, err = store.GetRememberToken(ctx, "sel")
	assert.True(t, schild.IsNotFound(err))
}

func TestMemberships(t *testing.T) {
	m := setupManager(t)
	ctx := context.Background()
	user := createUser(t, m, "member", "member@example.com")
	store := m.Memberships()

	names, err := store.List(ctx, schild.MembershipGroups, user.ID)
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, store.Insert(ctx, schild.MembershipGroups, user.ID, []string{"admin", "user", "beta"}))
	require.NoError(t, store.Insert(ctx, schild.MembershipPermissions, user.ID, []string{"users.read"}))

	require.NoError(t, store.DeleteNotIn(ctx, schild.MembershipGroups, user.ID, []string{"admin", "beta"}))
	names, err = store.List(ctx, schild.MembershipGroups, user.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"admin", "beta"}, names)

	perms, err := store.List(ctx, schild.MembershipPermissions, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"users.read"}, perms)

	require.NoError(t, store.DeleteAll(ctx, schild.MembershipPermissions, user.ID))
	perms, err = store.List(ctx, schild.MembershipPermissions, user.ID)
	require.NoError(t, err)
	assert.Empty(t, perms)
}
