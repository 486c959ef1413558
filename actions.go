package schild

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
)

const (
	actionCodeLength   = 6
	actionCodeAttempts = 5
)

// Action is a step a user must complete after login or registration
// before the login is final. Actions act on the pending user of the
// session authenticator.
type Action interface {
	Type() string
	// Show prepares the step, usually creating and sending a code
	Show(ctx context.Context, s *SessionAuthenticator) (ActionView, error)
	// Handle processes the form submitted from the Show step
	Handle(ctx context.Context, s *SessionAuthenticator, input map[string]string) (Result, error)
	// Verify checks the code and completes the login on success
	Verify(ctx context.Context, s *SessionAuthenticator, token string) (Result, error)
	// CreateIdentity replaces the action identity of user and returns its code
	CreateIdentity(ctx context.Context, user *User) (string, error)
}

// ActionView is what a caller needs to render an action step
type ActionView struct {
	Type    string
	User    *User
	Message string
}

func defaultActions(svc *Service) []Action {
	return []Action{NewEmail2FA(svc), NewEmailActivator(svc)}
}

func pendingUser(ctx context.Context, s *SessionAuthenticator) (*User, error) {
	user, err := s.PendingUser(ctx)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrNoCurrentUser
	}
	return user, nil
}

// createCodeIdentity drops previous identities of typ and stores a new
// numeric code, retrying when the code collides with an existing one
func createCodeIdentity(ctx context.Context, svc *Service, user *User, typ, name, extra string) (string, error) {
	if user == nil || user.ID == uuid.Nil {
		return "", ErrIncompleteUser
	}

	if err := svc.stores.Identities.DeleteIdentitiesByType(ctx, user.ID, typ); err != nil {
		return "", wrapInternal(err, "delete previous action identities")
	}

	var code string
	backoff := retry.WithMaxRetries(actionCodeAttempts-1, retry.NewConstant(time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		candidate, err := randomDigits(actionCodeLength)
		if err != nil {
			return err
		}
		_, err = svc.stores.Identities.Create(ctx, &UserIdentity{
			UserID: user.ID,
			Type:   typ,
			Name:   name,
			Secret: candidate,
			Extra:  extra,
		})
		if err != nil {
			if IsDuplicateIdentity(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		code = candidate
		return nil
	})
	if err != nil {
		if IsDuplicateIdentity(err) {
			return "", withMetadata(ErrCodeGeneration, map[string]any{
				"type":     typ,
				"attempts": actionCodeAttempts,
			})
		}
		return "", wrapInternal(err, "create action identity")
	}
	return code, nil
}

// Email2FA mails a one time code after a password login
type Email2FA struct {
	svc *Service
}

func NewEmail2FA(svc *Service) *Email2FA {
	return &Email2FA{svc: svc}
}

func (a *Email2FA) Type() string { return IdentityEmail2FA }

func (a *Email2FA) Show(ctx context.Context, s *SessionAuthenticator) (ActionView, error) {
	user, err := pendingUser(ctx, s)
	if err != nil {
		return ActionView{}, err
	}
	if _, err := a.CreateIdentity(ctx, user); err != nil {
		return ActionView{}, err
	}
	return ActionView{Type: a.Type(), User: user, Message: Describe(ReasonNeed2FA)}, nil
}

// Handle mails the code once the user confirmed the address on record
func (a *Email2FA) Handle(ctx context.Context, s *SessionAuthenticator, input map[string]string) (Result, error) {
	user, err := pendingUser(ctx, s)
	if err != nil {
		return Result{}, err
	}

	email := input["email"]
	if email == "" || email != user.Email {
		return failure(ReasonInvalidEmail), nil
	}

	identity, err := a.svc.stores.Identities.GetIdentityByType(ctx, user.ID, a.Type())
	if err != nil {
		if IsNotFound(err) {
			return failure(ReasonNeed2FA), nil
		}
		return Result{}, wrapInternal(err, "load 2fa identity")
	}

	err = a.svc.mailer.Send(ctx, Message{
		To:      user.Email,
		Subject: "Your login code",
		Body:    "Your login code is " + identity.Secret,
		Data: map[string]any{
			"code":       identity.Secret,
			"user":       user,
			"ip_address": s.req.IP(),
			"user_agent": s.req.UserAgent(),
			"date":       a.svc.clock(),
		},
	})
	if err != nil {
		return Result{}, wrapInternal(err, "send 2fa code")
	}
	return success(nil), nil
}

func (a *Email2FA) Verify(ctx context.Context, s *SessionAuthenticator, token string) (Result, error) {
	user, err := pendingUser(ctx, s)
	if err != nil {
		return Result{}, err
	}

	identity, err := a.svc.stores.Identities.GetIdentityByType(ctx, user.ID, a.Type())
	if err != nil && !IsNotFound(err) {
		return Result{}, wrapInternal(err, "load 2fa identity")
	}

	ok, err := s.CheckAction(ctx, identity, token)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return failure(ReasonInvalid2FAToken), nil
	}
	return success(user), nil
}

func (a *Email2FA) CreateIdentity(ctx context.Context, user *User) (string, error) {
	return createCodeIdentity(ctx, a.svc, user, a.Type(), "login", Describe(ReasonNeed2FA))
}

// EmailActivator mails an activation code after registration
type EmailActivator struct {
	svc *Service
}

func NewEmailActivator(svc *Service) *EmailActivator {
	return &EmailActivator{svc: svc}
}

func (a *EmailActivator) Type() string { return IdentityEmailActivate }

// Show creates the activation code and mails it
func (a *EmailActivator) Show(ctx context.Context, s *SessionAuthenticator) (ActionView, error) {
	user, err := pendingUser(ctx, s)
	if err != nil {
		return ActionView{}, err
	}
	if user.Email == "" {
		return ActionView{}, withMetadata(ErrIncompleteUser, map[string]any{
			"user_id": user.ID.String(),
			"reason":  "email activation needs the user email",
		})
	}

	code, err := a.CreateIdentity(ctx, user)
	if err != nil {
		return ActionView{}, err
	}

	err = a.svc.mailer.Send(ctx, Message{
		To:      user.Email,
		Subject: "Activate your account",
		Body:    "Your activation code is " + code,
		Data: map[string]any{
			"code":       code,
			"ip_address": s.req.IP(),
			"user_agent": s.req.UserAgent(),
			"date":       a.svc.clock(),
		},
	})
	if err != nil {
		return ActionView{}, wrapInternal(err, "send activation code")
	}

	return ActionView{Type: a.Type(), User: user, Message: Describe(ReasonNeedVerification)}, nil
}

func (a *EmailActivator) Handle(context.Context, *SessionAuthenticator, map[string]string) (Result, error) {
	return Result{}, withMetadata(ErrActionNotSupported, map[string]any{
		"action": a.Type(),
		"step":   "handle",
	})
}

// Verify checks the code, completes the login and activates the user
func (a *EmailActivator) Verify(ctx context.Context, s *SessionAuthenticator, token string) (Result, error) {
	user, err := pendingUser(ctx, s)
	if err != nil {
		return Result{}, err
	}

	identity, err := a.svc.stores.Identities.GetIdentityByType(ctx, user.ID, a.Type())
	if err != nil && !IsNotFound(err) {
		return Result{}, wrapInternal(err, "load activation identity")
	}

	ok, err := s.CheckAction(ctx, identity, token)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return failure(ReasonInvalidActivate), nil
	}

	if err := a.svc.stores.Users.Activate(ctx, user); err != nil {
		return Result{}, wrapInternal(err, "activate user")
	}
	user.Active = true
	return success(user), nil
}

func (a *EmailActivator) CreateIdentity(ctx context.Context, user *User) (string, error) {
	return createCodeIdentity(ctx, a.svc, user, a.Type(), "register", Describe(ReasonNeedVerification))
}
