package schild

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Identity types stored in auth_identities
const (
	IdentityEmailPassword = "email_password"
	IdentityMagicLink     = "magic-link"
	IdentityEmail2FA      = "email_2fa"
	IdentityEmailActivate = "email_activate"
	IdentityAccessToken   = "access_token"
	IdentityHmacSha256    = "hmac_sha256"
)

// StatusBanned marks a banned user
const StatusBanned = "banned"

// User is the user model. Email and PasswordHash come from the
// email_password identity and are filled by the user store.
type User struct {
	bun.BaseModel `bun:"table:users,alias:usr"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Username      string     `bun:"username,nullzero,unique" json:"username,omitempty"`
	Status        string     `bun:"status" json:"status,omitempty"`
	StatusMessage string     `bun:"status_message" json:"status_message,omitempty"`
	Active        bool       `bun:"active,notnull" json:"active"`
	LastActive    *time.Time `bun:"last_active,nullzero" json:"last_active,omitempty"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
	DeletedAt     *time.Time `bun:"deleted_at,soft_delete,nullzero" json:"deleted_at,omitempty"`

	Email        string          `bun:"-" json:"email,omitempty"`
	PasswordHash string          `bun:"-" json:"-"`
	Password     string          `bun:"-" json:"-"`
	Identities   []*UserIdentity `bun:"-" json:"-"`

	currentAccessToken *AccessToken
	currentHmacToken   *AccessToken
	permissions        *Permissions
	tokens             *TokenManager
}

// UserIdentity is a credential or one time secret bound to a user
type UserIdentity struct {
	bun.BaseModel `bun:"table:auth_identities,alias:ident"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	UserID        uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id,omitempty"`
	Type          string     `bun:"type,notnull" json:"type,omitempty"`
	Name          string     `bun:"name" json:"name,omitempty"`
	Secret        string     `bun:"secret,notnull" json:"-"`
	Secret2       string     `bun:"secret2" json:"-"`
	Extra         string     `bun:"extra" json:"extra,omitempty"`
	Expires       *time.Time `bun:"expires,nullzero" json:"expires,omitempty"`
	ForceReset    bool       `bun:"force_reset,notnull" json:"force_reset"`
	LastUsedAt    *time.Time `bun:"last_used_at,nullzero" json:"last_used_at,omitempty"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// Scopes decodes Extra as a JSON list of scopes
func (i *UserIdentity) Scopes() []string {
	if i == nil || i.Extra == "" {
		return nil
	}
	var scopes []string
	if err := json.Unmarshal([]byte(i.Extra), &scopes); err != nil {
		return nil
	}
	return scopes
}

// LoginAttempt is an append only record of a login attempt. The table is
// chosen by the store, session logins and token logins are kept apart.
type LoginAttempt struct {
	bun.BaseModel `bun:"table:auth_logins,alias:lgn"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	IDType        string     `bun:"id_type,notnull" json:"id_type,omitempty"`
	Identifier    string     `bun:"identifier,notnull" json:"identifier,omitempty"`
	Success       bool       `bun:"success,notnull" json:"success"`
	IPAddress     string     `bun:"ip_address" json:"ip_address,omitempty"`
	UserAgent     string     `bun:"user_agent" json:"user_agent,omitempty"`
	UserID        *uuid.UUID `bun:"user_id,type:uuid" json:"user_id,omitempty"`
	Date          time.Time  `bun:"date,notnull" json:"date"`
}

// RememberToken backs the remember me cookie. Only the SHA-256 of the
// validator is stored.
type RememberToken struct {
	bun.BaseModel   `bun:"table:auth_remember_tokens,alias:rmbr"`
	ID              uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Selector        string     `bun:"selector,notnull,unique" json:"selector,omitempty"`
	HashedValidator string     `bun:"hashed_validator,notnull" json:"-"`
	UserID          uuid.UUID  `bun:"user_id,notnull,type:uuid" json:"user_id,omitempty"`
	Expires         time.Time  `bun:"expires,notnull" json:"expires"`
	CreatedAt       *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt       *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// MembershipKind selects the group or the permission membership table
type MembershipKind string

const (
	MembershipGroups      MembershipKind = "groups"
	MembershipPermissions MembershipKind = "permissions"
)
