package schild

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserStore loads and persists users. Lookups with no match return an
// error for which IsNotFound reports true.
type UserStore interface {
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)
	// FindByCredentials matches email or username case insensitively,
	// other keys are matched as user columns. The password key is ignored.
	FindByCredentials(ctx context.Context, credentials map[string]string) (*User, error)
	UpdateActiveDate(ctx context.Context, user *User) error
	// Create inserts the user and, when Email is set, its email_password
	// identity with PasswordHash as secret2.
	Create(ctx context.Context, user *User) (*User, error)
	Save(ctx context.Context, user *User) (*User, error)
	Activate(ctx context.Context, user *User) error
}

// IdentityStore persists user identities. Create and Update return
// ErrDuplicateIdentity when (type, secret) is taken.
type IdentityStore interface {
	Create(ctx context.Context, identity *UserIdentity) (*UserIdentity, error)
	Update(ctx context.Context, identity *UserIdentity) error
	Delete(ctx context.Context, id uuid.UUID) error

	GetIdentityBySecret(ctx context.Context, identityType, secret string) (*UserIdentity, error)
	GetIdentityByID(ctx context.Context, id uuid.UUID) (*UserIdentity, error)
	GetIdentities(ctx context.Context, userID uuid.UUID) ([]*UserIdentity, error)
	GetIdentitiesByUserIDs(ctx context.Context, userIDs []uuid.UUID) ([]*UserIdentity, error)
	GetIdentityByType(ctx context.Context, userID uuid.UUID, identityType string) (*UserIdentity, error)
	GetIdentitiesByTypes(ctx context.Context, userID uuid.UUID, types []string) ([]*UserIdentity, error)
	ListIdentitiesByType(ctx context.Context, identityType string) ([]*UserIdentity, error)

	TouchIdentity(ctx context.Context, identity *UserIdentity, at time.Time) error
	DeleteIdentitiesByType(ctx context.Context, userID uuid.UUID, identityType string) error
	RevokeIdentity(ctx context.Context, userID uuid.UUID, identityType, secret string) error
	RevokeAllIdentities(ctx context.Context, userID uuid.UUID, identityType string) error
	// SetForceReset toggles force_reset on email_password identities of
	// userIDs, every user when userIDs is nil.
	SetForceReset(ctx context.Context, userIDs []uuid.UUID, force bool) error
}

// LoginStore records login attempts
type LoginStore interface {
	RecordLoginAttempt(ctx context.Context, attempt *LoginAttempt) error
	LastLogin(ctx context.Context, identifier string) (*LoginAttempt, error)
	PreviousLogin(ctx context.Context, userID uuid.UUID) (*LoginAttempt, error)
}

// RememberStore persists remember me tokens
type RememberStore interface {
	RememberUser(ctx context.Context, token *RememberToken) error
	GetRememberToken(ctx context.Context, selector string) (*RememberToken, error)
	// RotateRememberValidator swaps the hashed validator only if it still
	// equals oldHash. It reports false when another request won the race.
	RotateRememberValidator(ctx context.Context, selector, oldHash, newHash string, expires time.Time) (bool, error)
	PurgeRememberTokens(ctx context.Context, userID uuid.UUID) error
	PurgeOldRememberTokens(ctx context.Context, now time.Time) error
}

// MembershipStore persists group and permission memberships
type MembershipStore interface {
	List(ctx context.Context, kind MembershipKind, userID uuid.UUID) ([]string, error)
	DeleteNotIn(ctx context.Context, kind MembershipKind, userID uuid.UUID, keep []string) error
	DeleteAll(ctx context.Context, kind MembershipKind, userID uuid.UUID) error
	Insert(ctx context.Context, kind MembershipKind, userID uuid.UUID, names []string) error
}

// Stores groups the persistence ports used by the Service
type Stores struct {
	Users       UserStore
	Identities  IdentityStore
	Logins      LoginStore
	TokenLogins LoginStore
	Remember    RememberStore
	Memberships MembershipStore
}

// Validate reports the first missing store
func (s Stores) Validate() error {
	missing := ""
	switch {
	case s.Users == nil:
		missing = "users"
	case s.Identities == nil:
		missing = "identities"
	case s.Logins == nil:
		missing = "logins"
	case s.TokenLogins == nil:
		missing = "token_logins"
	case s.Remember == nil:
		missing = "remember"
	case s.Memberships == nil:
		missing = "memberships"
	}
	if missing != "" {
		return withMetadata(ErrInvalidConfiguration, map[string]any{
			"store": missing,
		})
	}
	return nil
}
