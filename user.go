package schild

import (
	"context"

	"github.com/google/uuid"
)

// IsBanned reports whether the user status is banned
func (u *User) IsBanned() bool {
	return u != nil && u.Status == StatusBanned
}

// BanMessage returns the stored ban message, the bannedUser reason when empty
func (u *User) BanMessage() string {
	if u == nil || u.StatusMessage == "" {
		return ReasonBannedUser
	}
	return u.StatusMessage
}

// IsActivated reports the active flag
func (u *User) IsActivated() bool {
	return u != nil && u.Active
}

func (u *User) service() (*Service, error) {
	if u == nil || u.tokens == nil || u.permissions == nil {
		return nil, ErrUnboundUser
	}
	return u.tokens.svc, nil
}

// Ban marks the user banned with an optional message and saves it
func (u *User) Ban(ctx context.Context, message string) error {
	svc, err := u.service()
	if err != nil {
		return err
	}
	u.Status = StatusBanned
	u.StatusMessage = message
	if _, err := svc.stores.Users.Save(ctx, u); err != nil {
		return wrapInternal(err, "ban user")
	}
	return nil
}

// Unban clears the status and its message
func (u *User) Unban(ctx context.Context) error {
	svc, err := u.service()
	if err != nil {
		return err
	}
	u.Status = ""
	u.StatusMessage = ""
	if _, err := svc.stores.Users.Save(ctx, u); err != nil {
		return wrapInternal(err, "unban user")
	}
	return nil
}

func (u *User) Activate(ctx context.Context) error {
	svc, err := u.service()
	if err != nil {
		return err
	}
	if err := svc.stores.Users.Activate(ctx, u); err != nil {
		return wrapInternal(err, "activate user")
	}
	u.Active = true
	return nil
}

func (u *User) Deactivate(ctx context.Context) error {
	svc, err := u.service()
	if err != nil {
		return err
	}
	u.Active = false
	if _, err := svc.stores.Users.Save(ctx, u); err != nil {
		return wrapInternal(err, "deactivate user")
	}
	return nil
}

// ForcePasswordReset flags the password identity so the next request
// must change the password
func (u *User) ForcePasswordReset(ctx context.Context) error {
	return u.setForceReset(ctx, true)
}

// UndoForcePasswordReset clears the reset flag
func (u *User) UndoForcePasswordReset(ctx context.Context) error {
	return u.setForceReset(ctx, false)
}

func (u *User) setForceReset(ctx context.Context, force bool) error {
	svc, err := u.service()
	if err != nil {
		return err
	}
	if err := svc.stores.Identities.SetForceReset(ctx, []uuid.UUID{u.ID}, force); err != nil {
		return wrapInternal(err, "set force reset")
	}
	return nil
}

// RequiresPasswordReset reports the force_reset flag of the password identity
func (u *User) RequiresPasswordReset(ctx context.Context) (bool, error) {
	svc, err := u.service()
	if err != nil {
		return false, err
	}
	identity, err := svc.stores.Identities.GetIdentityByType(ctx, u.ID, IdentityEmailPassword)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, wrapInternal(err, "load password identity")
	}
	return identity.ForceReset, nil
}

// LastLogin returns the latest successful login recorded for the email
func (u *User) LastLogin(ctx context.Context) (*LoginAttempt, error) {
	svc, err := u.service()
	if err != nil {
		return nil, err
	}
	return svc.stores.Logins.LastLogin(ctx, u.Email)
}

// PreviousLogin returns the successful login before the latest one
func (u *User) PreviousLogin(ctx context.Context) (*LoginAttempt, error) {
	svc, err := u.service()
	if err != nil {
		return nil, err
	}
	return svc.stores.Logins.PreviousLogin(ctx, u.ID)
}

// Authorization returns the bound permission evaluator
func (u *User) Authorization() (*Permissions, error) {
	if u == nil || u.permissions == nil {
		return nil, ErrUnboundUser
	}
	return u.permissions, nil
}

// Tokens returns the bound token manager
func (u *User) Tokens() (*TokenManager, error) {
	if u == nil || u.tokens == nil {
		return nil, ErrUnboundUser
	}
	return u.tokens, nil
}

func (u *User) Can(ctx context.Context, permissions ...string) (bool, error) {
	p, err := u.Authorization()
	if err != nil {
		return false, err
	}
	return p.Can(ctx, permissions...)
}

func (u *User) InGroup(ctx context.Context, groups ...string) (bool, error) {
	p, err := u.Authorization()
	if err != nil {
		return false, err
	}
	return p.InGroup(ctx, groups...)
}

func (u *User) AddGroup(ctx context.Context, groups ...string) error {
	p, err := u.Authorization()
	if err != nil {
		return err
	}
	return p.AddGroup(ctx, groups...)
}

func (u *User) GenerateAccessToken(ctx context.Context, name string, scopes ...string) (*AccessToken, error) {
	m, err := u.Tokens()
	if err != nil {
		return nil, err
	}
	return m.GenerateAccessToken(ctx, name, scopes...)
}

func (u *User) GenerateHmacToken(ctx context.Context, name string, scopes ...string) (*AccessToken, error) {
	m, err := u.Tokens()
	if err != nil {
		return nil, err
	}
	return m.GenerateHmacToken(ctx, name, scopes...)
}

// CurrentAccessToken is the token that authenticated this request
func (u *User) CurrentAccessToken() *AccessToken { return u.currentAccessToken }

func (u *User) SetAccessToken(t *AccessToken) { u.currentAccessToken = t }

// TokenCan checks scope against the current access token
func (u *User) TokenCan(scope string) bool { return u.currentAccessToken.Can(scope) }

func (u *User) TokenCant(scope string) bool { return u.currentAccessToken.Cant(scope) }

// CurrentHmacToken is the HMAC token that authenticated this request
func (u *User) CurrentHmacToken() *AccessToken { return u.currentHmacToken }

func (u *User) SetHmacToken(t *AccessToken) { u.currentHmacToken = t }

func (u *User) HmacTokenCan(scope string) bool { return u.currentHmacToken.Can(scope) }

func (u *User) HmacTokenCant(scope string) bool { return u.currentHmacToken.Cant(scope) }

// ForceMultiplePasswordReset flags the password identities of ids
func (s *Service) ForceMultiplePasswordReset(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.stores.Identities.SetForceReset(ctx, ids, true); err != nil {
		return wrapInternal(err, "force password reset")
	}
	return nil
}

// ForceGlobalPasswordReset flags every password identity
func (s *Service) ForceGlobalPasswordReset(ctx context.Context) error {
	if err := s.stores.Identities.SetForceReset(ctx, nil, true); err != nil {
		return wrapInternal(err, "force global password reset")
	}
	return nil
}
