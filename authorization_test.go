package schild_test

import (
	"context"
	"errors"
	"testing"

	schild "github.com/goliatone/go-schild"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestGroups_Catalog(t *testing.T) {
	groups := schild.NewGroups(schild.DefaultConfig().Groups)

	assert.Equal(t, "user", groups.DefaultGroup())
	assert.Equal(t, []string{"admin", "beta", "developer", "superadmin", "user"}, groups.Names())
	assert.Contains(t, groups.PermissionNames(), "users.create")

	super, ok := groups.Info("SuperAdmin")
	require.True(t, ok)
	assert.Equal(t, "Super Admin", super.Title)
	assert.True(t, super.Can("users.delete"))
	assert.True(t, super.Can("admin.settings"))

	admin, ok := groups.Info("admin")
	require.True(t, ok)
	assert.True(t, admin.Can("admin.access"))
	assert.False(t, admin.Can("admin.settings"))

	_, ok = groups.Info("nobody")
	assert.False(t, ok)
}

func TestGroups_Save(t *testing.T) {
	groups := schild.NewGroups(schild.DefaultConfig().Groups)

	require.NoError(t, groups.Save(schild.Group{Title: "Support Staff", Permissions: []string{"users.edit"}}))
	info, ok := groups.Info("support-staff")
	require.True(t, ok)
	assert.True(t, info.Can("users.edit"))

	require.NoError(t, groups.SetGroupPermissions("support-staff", []string{"users.*"}))
	info, _ = groups.Info("support-staff")
	assert.True(t, info.Can("users.delete"))

	err := groups.Save(schild.Group{Title: "  "})
	assert.True(t, schild.HasTextCode(err, schild.TextCodeInvalidConfiguration))

	err = groups.SetGroupPermissions("ghosts", nil)
	assert.True(t, schild.HasTextCode(err, schild.TextCodeUnknownGroup))
}

func TestPermissions(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	user := e.createUser(t, "ada", "ada@example.com")

	groups, err := mustAuthz(t, user).Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user"}, groups)

	can, err := user.Can(ctx, "admin.access")
	require.NoError(t, err)
	assert.False(t, can)

	require.NoError(t, user.AddGroup(ctx, "Developer"))
	can, err = user.Can(ctx, "admin.settings", "users.manage-admins")
	require.NoError(t, err)
	assert.True(t, can)

	in, err := user.InGroup(ctx, "admin", "developer")
	require.NoError(t, err)
	assert.True(t, in)

	t.Run("direct permissions", func(t *testing.T) {
		p := mustAuthz(t, user)
		require.NoError(t, p.AddPermission(ctx, "users.manage-admins"))

		has, err := p.HasPermission(ctx, "users.manage-admins")
		require.NoError(t, err)
		assert.True(t, has)

		has, err = p.HasPermission(ctx, "admin.settings")
		require.NoError(t, err)
		assert.False(t, has, "group permissions are not direct")

		require.NoError(t, p.RemovePermission(ctx, "users.manage-admins"))
		perms, err := p.Permissions(ctx)
		require.NoError(t, err)
		assert.Empty(t, perms)
	})

	t.Run("persisted across loads", func(t *testing.T) {
		reloaded, err := e.svc.FindUser(ctx, user.ID)
		require.NoError(t, err)
		groups, err := mustAuthz(t, reloaded).Groups(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"user", "developer"}, groups)
	})

	t.Run("sync replaces groups", func(t *testing.T) {
		p := mustAuthz(t, user)
		require.NoError(t, p.SyncGroups(ctx, "beta", "beta"))
		groups, err := p.Groups(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"beta"}, groups)

		require.NoError(t, p.RemoveGroup(ctx, "beta"))
		groups, err = p.Groups(ctx)
		require.NoError(t, err)
		assert.Empty(t, groups)
	})

	t.Run("unknown names", func(t *testing.T) {
		p := mustAuthz(t, user)
		err := p.AddGroup(ctx, "ghosts")
		assert.True(t, schild.HasTextCode(err, schild.TextCodeUnknownGroup))

		err = p.AddPermission(ctx, "ghosts.haunt")
		assert.True(t, schild.HasTextCode(err, schild.TextCodeUnknownPermission))

		_, err = p.Can(ctx, "nodot")
		assert.True(t, schild.HasTextCode(err, schild.TextCodeInvalidPermission))
	})
}

func TestUnboundUser(t *testing.T) {
	u := &schild.User{Username: "loose"}

	_, err := u.Can(context.Background(), "admin.access")
	assert.ErrorIs(t, err, schild.ErrUnboundUser)

	_, err = u.GenerateAccessToken(context.Background(), "x")
	assert.ErrorIs(t, err, schild.ErrUnboundUser)
}

func mustAuthz(t *testing.T, u *schild.User) *schild.Permissions {
	t.Helper()
	p, err := u.Authorization()
	require.NoError(t, err)
	return p
}

type mockMemberships struct {
	mock.Mock
}

func (m *mockMemberships) List(ctx context.Context, kind schild.MembershipKind, userID uuid.UUID) ([]string, error) {
	args := m.Called(ctx, kind, userID)
	names, _ := args.Get(0).([]string)
	return names, args.Error(1)
}

func (m *mockMemberships) DeleteNotIn(ctx context.Context, kind schild.MembershipKind, userID uuid.UUID, keep []string) error {
	return m.Called(ctx, kind, userID, keep).Error(0)
}

func (m *mockMemberships) DeleteAll(ctx context.Context, kind schild.MembershipKind, userID uuid.UUID) error {
	return m.Called(ctx, kind, userID).Error(0)
}

func (m *mockMemberships) Insert(ctx context.Context, kind schild.MembershipKind, userID uuid.UUID, names []string) error {
	return m.Called(ctx, kind, userID, names).Error(0)
}

func TestPermissions_CacheFollowsStore(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	id := uuid.New()

	store := &mockMemberships{}
	store.On("List", mock.Anything, schild.MembershipGroups, id).Return([]string{"user"}, nil)
	store.On("DeleteNotIn", mock.Anything, schild.MembershipGroups, id, mock.Anything).Return(nil)
	store.On("Insert", mock.Anything, schild.MembershipGroups, id, []string{"beta"}).Return(errors.New("db down")).Once()
	store.On("Insert", mock.Anything, schild.MembershipGroups, id, []string{"beta"}).Return(nil)

	stores := e.repo.Stores()
	stores.Memberships = store
	svc, err := schild.New(e.cfg, stores, schild.WithLogger(schild.NopLogger()))
	require.NoError(t, err)

	user := svc.Bind(&schild.User{ID: id, Username: "cached"})
	perms := mustAuthz(t, user)

	require.Error(t, perms.AddGroup(ctx, "beta"))
	groups, err := perms.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user"}, groups)

	t.Run("no op changes skip the store", func(t *testing.T) {
		calls := len(store.Calls)
		require.NoError(t, perms.RemoveGroup(ctx, "admin"))
		require.NoError(t, perms.SyncGroups(ctx, "USER"))
		require.NoError(t, perms.AddGroup(ctx, "user"))
		assert.Len(t, store.Calls, calls)
	})

	require.NoError(t, perms.AddGroup(ctx, "beta"))
	groups, err = perms.Groups(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"user", "beta"}, groups)
	store.AssertNumberOfCalls(t, "Insert", 2)
}
