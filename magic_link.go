package schild

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

const magicLinkTokenLength = 20

// MagicLinks logs users in with one time tokens sent by mail
type MagicLinks struct {
	svc *Service
}

// MagicLinks returns the magic link service
func (s *Service) MagicLinks() *MagicLinks {
	return &MagicLinks{svc: s}
}

// Request replaces any previous magic link of the user owning email and
// mails the new token. Unknown addresses fail with invalidEmail.
func (m *MagicLinks) Request(ctx context.Context, req Request, email string) (Result, error) {
	svc := m.svc
	if !svc.cfg.AllowMagicLinkLogins {
		return Result{}, ErrMagicLinkDisabled
	}

	email = strings.TrimSpace(email)
	if email == "" {
		return failure(ReasonInvalidEmail), nil
	}

	user, err := svc.stores.Users.FindByCredentials(ctx, map[string]string{"email": email})
	if err != nil {
		if IsNotFound(err) {
			return failure(ReasonInvalidEmail), nil
		}
		return Result{}, wrapInternal(err, "find user by email")
	}

	if err := svc.stores.Identities.DeleteIdentitiesByType(ctx, user.ID, IdentityMagicLink); err != nil {
		return Result{}, wrapInternal(err, "delete previous magic links")
	}

	token, err := RandomString(magicLinkTokenLength)
	if err != nil {
		return Result{}, err
	}

	expires := svc.clock().Add(svc.cfg.MagicLinkLifetime)
	_, err = svc.stores.Identities.Create(ctx, &UserIdentity{
		UserID:  user.ID,
		Type:    IdentityMagicLink,
		Secret:  token,
		Expires: &expires,
	})
	if err != nil {
		return Result{}, wrapInternal(err, "create magic link")
	}

	req = normalizeRequest(req)
	err = svc.mailer.Send(ctx, Message{
		To:      user.Email,
		Subject: "Your login link",
		Body:    "Use this token to log in: " + token,
		Data: map[string]any{
			"token":      token,
			"ip_address": req.IP(),
			"user_agent": req.UserAgent(),
			"date":       svc.clock(),
		},
	})
	if err != nil {
		return Result{}, wrapInternal(err, "send magic link")
	}

	return success(nil), nil
}

// Verify consumes token and logs its owner in through sess. The token is
// deleted before the expiry check so it can never be replayed.
func (m *MagicLinks) Verify(ctx context.Context, sess *SessionAuthenticator, token string) (Result, error) {
	svc := m.svc
	if !svc.cfg.AllowMagicLinkLogins {
		return Result{}, ErrMagicLinkDisabled
	}

	events := svc.emitter(AliasSession)
	credentials := map[string]string{"magicLinkToken": token}

	identity, err := svc.stores.Identities.GetIdentityBySecret(ctx, IdentityMagicLink, token)
	if err != nil {
		if !IsNotFound(err) {
			return Result{}, wrapInternal(err, "load magic link")
		}
		sess.attempts.record(ctx, IdentityMagicLink, token, false, uuid.Nil)
		events.emit(ctx, EventFailedLogin, nil, credentials)
		return failure(ReasonMagicTokenNotFound), nil
	}

	if err := svc.stores.Identities.Delete(ctx, identity.ID); err != nil {
		return Result{}, wrapInternal(err, "delete magic link")
	}

	if identity.Expires == nil || svc.clock().After(*identity.Expires) {
		sess.attempts.record(ctx, IdentityMagicLink, token, false, uuid.Nil)
		events.emit(ctx, EventFailedLogin, nil, credentials)
		return failure(ReasonMagicLinkExpired), nil
	}

	pending, err := sess.HasAction(ctx, identity.UserID)
	if err != nil {
		return Result{}, err
	}
	if pending {
		return failure(ReasonNeedActivate), nil
	}

	if err := sess.LoginByID(ctx, identity.UserID); err != nil {
		return Result{}, err
	}

	user, err := sess.GetUser(ctx)
	if err != nil {
		return Result{}, err
	}

	sess.attempts.record(ctx, IdentityMagicLink, token, true, identity.UserID)
	sess.setKey("magic_login", "1")
	events.emit(ctx, EventMagicLogin, user, nil)

	return success(user), nil
}
