package schild

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	rememberSelectorBytes  = 12
	rememberValidatorBytes = 20
)

// issueRememberMeToken stores a new remember token when asked to, or drops
// a stale cookie otherwise. Expired tokens are purged now and then.
func (s *SessionAuthenticator) issueRememberMeToken(ctx context.Context) error {
	if s.remember && s.svc.cfg.remembering() && s.user != nil {
		if err := s.rememberUser(ctx, s.user); err != nil {
			return err
		}
		s.remember = false
	} else if _, ok := s.req.Cookie(s.svc.cfg.Session.RememberCookieName); ok {
		s.removeRememberCookie()
	}

	if s.svc.purgeChance() {
		if err := s.svc.stores.Remember.PurgeOldRememberTokens(ctx, s.svc.clock()); err != nil {
			s.svc.logger.Warn("failed to purge expired remember tokens", "error", err)
		}
	}
	return nil
}

func (s *SessionAuthenticator) rememberUser(ctx context.Context, user *User) error {
	selector, err := randomHex(rememberSelectorBytes)
	if err != nil {
		return err
	}
	validator, err := randomHex(rememberValidatorBytes)
	if err != nil {
		return err
	}

	token := &RememberToken{
		Selector:        selector,
		HashedValidator: sha256Hex(validator),
		UserID:          user.ID,
		Expires:         s.rememberExpires(),
	}
	if err := s.svc.stores.Remember.RememberUser(ctx, token); err != nil {
		return wrapInternal(err, "store remember token")
	}

	s.setRememberCookie(selector + ":" + validator)
	return nil
}

func (s *SessionAuthenticator) rememberExpires() time.Time {
	return s.svc.clock().Add(s.svc.cfg.Session.RememberLength)
}

// checkRememberMe logs the user in from a valid remember cookie. The
// validator is rotated first so a replayed cookie loses the race.
func (s *SessionAuthenticator) checkRememberMe(ctx context.Context) (bool, error) {
	raw, ok := s.req.Cookie(s.svc.cfg.Session.RememberCookieName)
	if !ok || raw == "" {
		s.state = stateAnonymous
		return false, nil
	}

	token, err := s.checkRememberMeToken(ctx, raw)
	if err != nil {
		return false, err
	}
	if token == nil {
		s.state = stateAnonymous
		return false, nil
	}

	user, err := findUser(ctx, s.svc, token.UserID)
	if err != nil {
		if !IsNotFound(err) {
			return false, wrapInternal(err, "load remembered user")
		}
		s.state = stateAnonymous
		s.removeRememberCookie()
		return false, nil
	}

	if err := s.refreshRememberMeToken(ctx, token); err != nil {
		if errors.Is(err, ErrRememberRotationConflict) {
			s.svc.logger.Warn("remember token rotated concurrently", "selector", token.Selector)
			s.state = stateAnonymous
			s.removeRememberCookie()
			return false, nil
		}
		return false, err
	}

	if err := s.StartLogin(ctx, user); err != nil {
		return false, err
	}

	s.state = stateLoggedIn
	return true, nil
}

// checkRememberMeToken returns the stored token matching the cookie, or
// nil when the cookie is malformed, unknown, tampered with or expired
func (s *SessionAuthenticator) checkRememberMeToken(ctx context.Context, raw string) (*RememberToken, error) {
	selector, validator, found := strings.Cut(raw, ":")
	if !found || selector == "" || validator == "" {
		return nil, nil
	}

	token, err := s.svc.stores.Remember.GetRememberToken(ctx, selector)
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, wrapInternal(err, "load remember token")
	}

	hashed := sha256Hex(validator)
	if subtle.ConstantTimeCompare([]byte(token.HashedValidator), []byte(hashed)) != 1 {
		return nil, nil
	}

	if !token.Expires.After(s.svc.clock()) {
		return nil, nil
	}
	return token, nil
}

func (s *SessionAuthenticator) refreshRememberMeToken(ctx context.Context, token *RememberToken) error {
	validator, err := randomHex(rememberValidatorBytes)
	if err != nil {
		return err
	}

	newHash := sha256Hex(validator)
	expires := s.rememberExpires()

	ok, err := s.svc.stores.Remember.RotateRememberValidator(ctx, token.Selector, token.HashedValidator, newHash, expires)
	if err != nil {
		return wrapInternal(err, "rotate remember token")
	}
	if !ok {
		return withMetadata(ErrRememberRotationConflict, map[string]any{"selector": token.Selector})
	}

	token.HashedValidator = newHash
	token.Expires = expires
	s.setRememberCookie(token.Selector + ":" + validator)
	return nil
}

func (s *SessionAuthenticator) setRememberCookie(value string) {
	cfg := s.svc.cfg.Session
	s.req.SetCookie(&http.Cookie{
		Name:     cfg.RememberCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(cfg.RememberLength / time.Second),
		Secure:   cfg.SecureCookie,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *SessionAuthenticator) removeRememberCookie() {
	cfg := s.svc.cfg.Session
	s.req.SetCookie(&http.Cookie{
		Name:     cfg.RememberCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   cfg.SecureCookie,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}
