package schild

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// JWTAuthenticator authenticates bearer JWTs whose subject is a user id.
// Tokens are not revocable, their lifetime is bounded by exp.
type JWTAuthenticator struct {
	svc      *Service
	req      Request
	attempts attemptRecorder
	keyset   string
	claims   map[string]any
	user     *User
	checked  bool
}

func newJWTAuthenticator(svc *Service, req Request) *JWTAuthenticator {
	req = normalizeRequest(req)
	return &JWTAuthenticator{
		svc:    svc,
		req:    req,
		keyset: DefaultKeyset,
		attempts: attemptRecorder{
			store:  svc.stores.TokenLogins,
			level:  svc.cfg.JWT.RecordLoginAttempt,
			req:    req,
			clock:  svc.clock,
			logger: svc.logger,
		},
	}
}

// SetKeyset selects the keyset tokens are verified against
func (a *JWTAuthenticator) SetKeyset(name string) *JWTAuthenticator {
	if name != "" && name != a.keyset {
		a.keyset = name
		a.checked = false
	}
	return a
}

// Claims returns the claims of the last verified token
func (a *JWTAuthenticator) Claims() map[string]any {
	return a.claims
}

func (a *JWTAuthenticator) Attempt(ctx context.Context, credentials map[string]string) (Result, error) {
	token := credentials["token"]
	res, err := a.Check(ctx, credentials)
	if err != nil {
		return Result{}, err
	}
	if !res.Success {
		a.attempts.record(ctx, IDTypeJWT, hashedIdentifier(token), false, uuid.Nil)
		return res, nil
	}

	user := res.User()
	if user.IsBanned() {
		a.attempts.record(ctx, IDTypeJWT, hashedIdentifier(token), false, user.ID)
		a.user = nil
		return failure(user.BanMessage()), nil
	}

	a.user = user
	a.attempts.record(ctx, IDTypeJWT, hashedIdentifier(token), true, user.ID)
	return res, nil
}

// Check verifies the token and loads its subject. Parse failures carry
// the message of the JWT error kind as reason.
func (a *JWTAuthenticator) Check(ctx context.Context, credentials map[string]string) (Result, error) {
	token := stripScheme(credentials["token"], "Bearer")
	if token == "" {
		return failureWith(ReasonNoToken, a.svc.cfg.header(AliasJWT)), nil
	}

	claims, err := a.svc.jwt.Parse(token, a.keyset)
	if err != nil {
		var jwtErr *JWTError
		if errors.As(err, &jwtErr) {
			return failureWith(jwtErr.Kind.String(), jwtErr.TextCode()), nil
		}
		return Result{}, err
	}
	a.claims = claims

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return failure(ReasonNoUserID), nil
	}

	id, err := uuid.Parse(sub)
	if err != nil {
		return failure(ReasonInvalidUser), nil
	}

	user, err := findUser(ctx, a.svc, id)
	if err != nil {
		if IsNotFound(err) {
			return failure(ReasonInvalidUser), nil
		}
		return Result{}, wrapInternal(err, "load jwt subject")
	}
	return success(user), nil
}

// LoggedIn decodes the request token once and keeps the outcome until the
// keyset changes
func (a *JWTAuthenticator) LoggedIn(ctx context.Context) (bool, error) {
	if a.checked || a.user != nil {
		return a.user != nil, nil
	}
	if token := a.TokenFromRequest(); token != "" {
		if _, err := a.Attempt(ctx, map[string]string{"token": token}); err != nil {
			return false, err
		}
	}
	a.checked = true
	return a.user != nil, nil
}

func (a *JWTAuthenticator) Login(_ context.Context, user *User) error {
	if user == nil || user.ID == uuid.Nil {
		return ErrIncompleteUser
	}
	a.user = a.svc.Bind(user)
	return nil
}

func (a *JWTAuthenticator) LoginByID(ctx context.Context, id uuid.UUID) error {
	user, err := findUser(ctx, a.svc, id)
	if err != nil {
		if IsNotFound(err) {
			return withMetadata(ErrUserNotFound, map[string]any{"user_id": id.String()})
		}
		return wrapInternal(err, "load user")
	}
	return a.Login(ctx, user)
}

func (a *JWTAuthenticator) Logout(context.Context) error {
	a.user = nil
	a.claims = nil
	return nil
}

func (a *JWTAuthenticator) GetUser(context.Context) (*User, error) {
	return a.user, nil
}

func (a *JWTAuthenticator) RecordActiveDate(ctx context.Context) error {
	return recordActiveDate(ctx, a.svc, a.user)
}

// TokenFromRequest returns the token of the configured header without the
// Bearer scheme
func (a *JWTAuthenticator) TokenFromRequest() string {
	return stripScheme(a.req.Header(a.svc.cfg.header(AliasJWT)), "Bearer")
}
