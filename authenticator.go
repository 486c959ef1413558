package schild

import (
	"context"

	"github.com/google/uuid"
)

// Authenticator is the contract shared by every authentication strategy.
// Expected failures are reported through Result, errors mean a
// programmer error or an infrastructure failure.
type Authenticator interface {
	// Attempt checks credentials and, on success, logs the user in
	Attempt(ctx context.Context, credentials map[string]string) (Result, error)
	// Check verifies credentials without logging in
	Check(ctx context.Context, credentials map[string]string) (Result, error)
	LoggedIn(ctx context.Context) (bool, error)
	Login(ctx context.Context, user *User) error
	LoginByID(ctx context.Context, id uuid.UUID) error
	Logout(ctx context.Context) error
	// GetUser returns the logged in user or nil
	GetUser(ctx context.Context) (*User, error)
	RecordActiveDate(ctx context.Context) error
}

// AuthenticatorFactory builds a request scoped authenticator
type AuthenticatorFactory func(a *Auth) Authenticator

var (
	_ Authenticator = (*SessionAuthenticator)(nil)
	_ Authenticator = (*AccessTokenAuthenticator)(nil)
	_ Authenticator = (*HmacAuthenticator)(nil)
	_ Authenticator = (*JWTAuthenticator)(nil)
)

func defaultFactories() map[string]AuthenticatorFactory {
	return map[string]AuthenticatorFactory{
		AliasSession: func(a *Auth) Authenticator { return newSessionAuthenticator(a.svc, a.req, a.sess) },
		AliasTokens:  func(a *Auth) Authenticator { return newAccessTokenAuthenticator(a.svc, a.req) },
		AliasHMAC:    func(a *Auth) Authenticator { return newHmacAuthenticator(a.svc, a.req) },
		AliasJWT:     func(a *Auth) Authenticator { return newJWTAuthenticator(a.svc, a.req) },
	}
}

type userState int

const (
	stateUnknown userState = iota
	stateAnonymous
	statePending
	stateLoggedIn
)

func (s userState) String() string {
	switch s {
	case stateAnonymous:
		return "anonymous"
	case statePending:
		return "pending"
	case stateLoggedIn:
		return "logged_in"
	}
	return "unknown"
}

func findUser(ctx context.Context, svc *Service, id uuid.UUID) (*User, error) {
	user, err := svc.stores.Users.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	svc.Bind(user)
	return user, nil
}

func recordActiveDate(ctx context.Context, svc *Service, user *User) error {
	if user == nil {
		return ErrNoCurrentUser
	}
	now := svc.clock()
	user.LastActive = &now
	if err := svc.stores.Users.UpdateActiveDate(ctx, user); err != nil {
		return wrapInternal(err, "update active date")
	}
	return nil
}
