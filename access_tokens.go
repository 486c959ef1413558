package schild

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AccessToken is the read view of an access_token or hmac_sha256 identity.
// RawToken and RawSecretKey are only set on the value returned when the
// token is generated, they are never stored.
type AccessToken struct {
	ID         uuid.UUID
	UserID     uuid.UUID
	Type       string
	Name       string
	Secret     string
	Scopes     []string
	LastUsedAt *time.Time
	Expires    *time.Time
	CreatedAt  *time.Time

	RawToken     string
	RawSecretKey string
}

func newAccessToken(identity *UserIdentity) *AccessToken {
	if identity == nil {
		return nil
	}
	return &AccessToken{
		ID:         identity.ID,
		UserID:     identity.UserID,
		Type:       identity.Type,
		Name:       identity.Name,
		Secret:     identity.Secret,
		Scopes:     identity.Scopes(),
		LastUsedAt: identity.LastUsedAt,
		Expires:    identity.Expires,
		CreatedAt:  identity.CreatedAt,
	}
}

// Can reports whether the token grants scope. A "*" scope grants all.
func (t *AccessToken) Can(scope string) bool {
	if t == nil {
		return false
	}
	for _, s := range t.Scopes {
		if s == "*" || s == scope {
			return true
		}
	}
	return false
}

// Cant is the negation of Can
func (t *AccessToken) Cant(scope string) bool {
	return !t.Can(scope)
}

// AccessTokenAuthenticator authenticates bearer tokens sent in the
// configured header. It is stateless, every instance reads its request.
type AccessTokenAuthenticator struct {
	svc      *Service
	req      Request
	attempts attemptRecorder
	user     *User
	checked  bool
}

func newAccessTokenAuthenticator(svc *Service, req Request) *AccessTokenAuthenticator {
	req = normalizeRequest(req)
	return &AccessTokenAuthenticator{
		svc: svc,
		req: req,
		attempts: attemptRecorder{
			store:  svc.stores.TokenLogins,
			level:  svc.cfg.RecordLoginAttempt,
			req:    req,
			clock:  svc.clock,
			logger: svc.logger,
		},
	}
}

func (a *AccessTokenAuthenticator) Attempt(ctx context.Context, credentials map[string]string) (Result, error) {
	res, err := a.Check(ctx, credentials)
	if err != nil {
		return Result{}, err
	}
	if !res.Success {
		a.attempts.record(ctx, IdentityAccessToken, hashedIdentifier(credentials["token"]), false, uuid.Nil)
		return res, nil
	}

	user := res.User()
	name := ""
	if user.currentAccessToken != nil {
		name = user.currentAccessToken.Name
	}

	if user.IsBanned() {
		a.attempts.record(ctx, IdentityAccessToken, name, false, user.ID)
		a.user = nil
		return failure(user.BanMessage()), nil
	}

	a.user = user
	a.attempts.record(ctx, IdentityAccessToken, name, true, user.ID)
	return res, nil
}

// Check resolves the token to a user. The matched token is set as the
// user's current access token.
func (a *AccessTokenAuthenticator) Check(ctx context.Context, credentials map[string]string) (Result, error) {
	raw := stripScheme(credentials["token"], "Bearer")
	if raw == "" {
		return failureWith(ReasonNoToken, a.svc.cfg.header(AliasTokens)), nil
	}

	identity, err := a.svc.stores.Identities.GetIdentityBySecret(ctx, IdentityAccessToken, sha256Hex(raw))
	if err != nil {
		if IsNotFound(err) {
			return failure(ReasonBadToken), nil
		}
		return Result{}, wrapInternal(err, "load access token")
	}

	return resolveToken(ctx, a.svc, identity, func(u *User, t *AccessToken) {
		u.currentAccessToken = t
	})
}

// resolveToken runs the checks shared by the token authenticators once
// the identity is known: staleness, last use and owner lookup
func resolveToken(ctx context.Context, svc *Service, identity *UserIdentity, bind func(*User, *AccessToken)) (Result, error) {
	now := svc.clock()
	if identity.LastUsedAt != nil && identity.LastUsedAt.Before(now.Add(-svc.cfg.UnusedTokenLifetime)) {
		return failure(ReasonOldToken), nil
	}

	if err := svc.stores.Identities.TouchIdentity(ctx, identity, now); err != nil {
		return Result{}, wrapInternal(err, "touch token")
	}
	identity.LastUsedAt = &now

	user, err := findUser(ctx, svc, identity.UserID)
	if err != nil {
		if IsNotFound(err) {
			return failure(ReasonInvalidUser), nil
		}
		return Result{}, wrapInternal(err, "load token owner")
	}

	bind(user, newAccessToken(identity))
	return success(user), nil
}

// LoggedIn authenticates the request header once. The outcome, positive
// or not, is kept for the life of the instance.
func (a *AccessTokenAuthenticator) LoggedIn(ctx context.Context) (bool, error) {
	if a.checked || a.user != nil {
		return a.user != nil, nil
	}
	header := a.req.Header(a.svc.cfg.header(AliasTokens))
	if header != "" {
		if _, err := a.Attempt(ctx, map[string]string{"token": header}); err != nil {
			return false, err
		}
	}
	a.checked = true
	return a.user != nil, nil
}

func (a *AccessTokenAuthenticator) Login(_ context.Context, user *User) error {
	if user == nil || user.ID == uuid.Nil {
		return ErrIncompleteUser
	}
	a.user = a.svc.Bind(user)
	return nil
}

// LoginByID logs the user in and binds the token of the current request
// when it belongs to that user
func (a *AccessTokenAuthenticator) LoginByID(ctx context.Context, id uuid.UUID) error {
	user, err := findUser(ctx, a.svc, id)
	if err != nil {
		if IsNotFound(err) {
			return withMetadata(ErrUserNotFound, map[string]any{"user_id": id.String()})
		}
		return wrapInternal(err, "load user")
	}

	if raw := a.BearerToken(); raw != "" {
		token, err := user.tokens.GetAccessToken(ctx, raw)
		if err != nil && !IsNotFound(err) {
			return err
		}
		user.currentAccessToken = token
	}
	return a.Login(ctx, user)
}

func (a *AccessTokenAuthenticator) Logout(context.Context) error {
	a.user = nil
	return nil
}

func (a *AccessTokenAuthenticator) GetUser(context.Context) (*User, error) {
	return a.user, nil
}

func (a *AccessTokenAuthenticator) RecordActiveDate(ctx context.Context) error {
	return recordActiveDate(ctx, a.svc, a.user)
}

// BearerToken returns the raw token of the request header
func (a *AccessTokenAuthenticator) BearerToken() string {
	return stripScheme(a.req.Header(a.svc.cfg.header(AliasTokens)), "Bearer")
}

func stripScheme(value, scheme string) string {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, scheme) {
		value = strings.TrimSpace(value[len(scheme):])
	}
	return value
}
