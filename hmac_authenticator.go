package schild

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// HmacScheme prefixes the Authorization header of HMAC requests
const HmacScheme = "HMAC-SHA256"

// SignHmac returns hex(HMAC-SHA256(body, secret)), the signature expected
// in the header "HMAC-SHA256 <key>:<signature>"
func SignHmac(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// HmacAuthenticator authenticates requests signed with an HMAC secret key
type HmacAuthenticator struct {
	svc      *Service
	req      Request
	attempts attemptRecorder
	user     *User
	checked  bool
}

func newHmacAuthenticator(svc *Service, req Request) *HmacAuthenticator {
	req = normalizeRequest(req)
	return &HmacAuthenticator{
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

func (a *HmacAuthenticator) Attempt(ctx context.Context, credentials map[string]string) (Result, error) {
	res, err := a.Check(ctx, credentials)
	if err != nil {
		return Result{}, err
	}
	if !res.Success {
		key, _, _ := hmacParts(credentials["token"])
		a.attempts.record(ctx, IdentityHmacSha256, key, false, uuid.Nil)
		return res, nil
	}

	user := res.User()
	name := ""
	if user.currentHmacToken != nil {
		name = user.currentHmacToken.Name
	}

	if user.IsBanned() {
		a.attempts.record(ctx, IdentityHmacSha256, name, false, user.ID)
		a.user = nil
		return failure(user.BanMessage()), nil
	}

	a.user = user
	a.attempts.record(ctx, IdentityHmacSha256, name, true, user.ID)
	return res, nil
}

// Check verifies the signature of credentials["body"], or of the request
// body when the key is absent
func (a *HmacAuthenticator) Check(ctx context.Context, credentials map[string]string) (Result, error) {
	token := strings.TrimSpace(credentials["token"])
	if token == "" {
		return failureWith(ReasonNoToken, a.svc.cfg.header(AliasHMAC)), nil
	}

	key, signature, ok := hmacParts(token)
	if !ok {
		return failure(ReasonBadToken), nil
	}

	identity, err := a.svc.stores.Identities.GetIdentityBySecret(ctx, IdentityHmacSha256, key)
	if err != nil {
		if IsNotFound(err) {
			return failure(ReasonBadToken), nil
		}
		return Result{}, wrapInternal(err, "load hmac token")
	}

	secret, err := a.svc.hmacSecret(identity.Secret2)
	if err != nil {
		return Result{}, err
	}

	body, ok := credentials["body"]
	if !ok {
		body = string(a.req.Body())
	}

	expected := SignHmac([]byte(body), secret)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return failure(ReasonBadToken), nil
	}

	return resolveToken(ctx, a.svc, identity, func(u *User, t *AccessToken) {
		u.currentHmacToken = t
	})
}

// LoggedIn verifies the request signature once and keeps the outcome
func (a *HmacAuthenticator) LoggedIn(ctx context.Context) (bool, error) {
	if a.checked || a.user != nil {
		return a.user != nil, nil
	}
	header := a.req.Header(a.svc.cfg.header(AliasHMAC))
	if header != "" {
		_, err := a.Attempt(ctx, map[string]string{
			"token": header,
			"body":  string(a.req.Body()),
		})
		if err != nil {
			return false, err
		}
	}
	a.checked = true
	return a.user != nil, nil
}

func (a *HmacAuthenticator) Login(_ context.Context, user *User) error {
	if user == nil || user.ID == uuid.Nil {
		return ErrIncompleteUser
	}
	a.user = a.svc.Bind(user)
	return nil
}

// LoginByID logs the user in and binds the HMAC key of the current request
func (a *HmacAuthenticator) LoginByID(ctx context.Context, id uuid.UUID) error {
	user, err := findUser(ctx, a.svc, id)
	if err != nil {
		if IsNotFound(err) {
			return withMetadata(ErrUserNotFound, map[string]any{"user_id": id.String()})
		}
		return wrapInternal(err, "load user")
	}

	if key := a.HmacKey(); key != "" {
		token, err := user.tokens.GetHmacToken(ctx, key)
		if err != nil && !IsNotFound(err) {
			return err
		}
		user.currentHmacToken = token
	}
	return a.Login(ctx, user)
}

func (a *HmacAuthenticator) Logout(context.Context) error {
	a.user = nil
	return nil
}

func (a *HmacAuthenticator) GetUser(context.Context) (*User, error) {
	return a.user, nil
}

func (a *HmacAuthenticator) RecordActiveDate(ctx context.Context) error {
	return recordActiveDate(ctx, a.svc, a.user)
}

// HmacKey returns the key part of the request header
func (a *HmacAuthenticator) HmacKey() string {
	key, _, _ := hmacParts(a.req.Header(a.svc.cfg.header(AliasHMAC)))
	return key
}

// HmacSignature returns the signature part of the request header
func (a *HmacAuthenticator) HmacSignature() string {
	_, sig, _ := hmacParts(a.req.Header(a.svc.cfg.header(AliasHMAC)))
	return sig
}

func hmacParts(token string) (string, string, bool) {
	token = stripScheme(token, HmacScheme)
	key, sig, found := strings.Cut(token, ":")
	key, sig = strings.TrimSpace(key), strings.TrimSpace(sig)
	if !found || key == "" || sig == "" {
		return key, "", false
	}
	return key, sig, true
}

// hmacSecret returns the plain secret key stored in secret2. Values
// written before encryption was configured are used as they are.
func (s *Service) hmacSecret(stored string) (string, error) {
	if !strings.HasPrefix(stored, "$b6$") {
		return stored, nil
	}
	enc, err := s.Encrypter()
	if err != nil {
		return "", err
	}
	return enc.Decrypt(stored)
}
