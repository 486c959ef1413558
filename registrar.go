package schild

import (
	"context"
	"errors"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
)

var usernamePattern = regexp.MustCompile(`\A[a-zA-Z0-9\.]+\z`)

// Registration is the input of Registrar.Register
type Registration struct {
	Username        string `json:"username"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

// Validate checks the field rules. Password strength is checked by the
// password service afterwards.
func (r Registration) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Username,
			validation.Required,
			validation.Length(3, 30),
			validation.Match(usernamePattern),
		),
		validation.Field(&r.Email,
			validation.Required,
			validation.Length(0, 254),
			is.Email,
		),
		validation.Field(&r.Password, validation.Required),
		validation.Field(&r.PasswordConfirm,
			validation.Required,
			validation.By(func(value any) error {
				if value.(string) != r.Password {
					return errors.New("must match the password")
				}
				return nil
			}),
		),
	)
}

// Registrar creates users and starts their first login
type Registrar struct {
	svc *Service
}

// Registrar returns the registration service
func (s *Service) Registrar() *Registrar {
	return &Registrar{svc: s}
}

// Register validates in, creates the user with its email identity and the
// default group, then logs it in through sess. When a register action is
// configured the login stays pending, otherwise the user is activated.
// Validation failures are reported as results, their ExtraInfo holds the
// per field errors.
func (r *Registrar) Register(ctx context.Context, sess *SessionAuthenticator, in Registration) (Result, error) {
	svc := r.svc
	if !svc.cfg.AllowRegistration {
		return Result{}, ErrRegistrationDisabled
	}

	res, err := r.Create(ctx, in)
	if err != nil || !res.Success {
		return res, err
	}
	created := res.User()

	svc.emitter(AliasSession).emit(ctx, EventRegister, created, nil)

	if err := sess.StartLogin(ctx, created); err != nil {
		return Result{}, err
	}

	pending, err := sess.StartUpAction(ctx, EventRegister, created)
	if err != nil {
		return Result{}, err
	}
	if pending {
		return success(created), nil
	}

	if err := created.Activate(ctx); err != nil {
		return Result{}, err
	}
	sess.CompleteLogin(ctx, created)

	return success(created), nil
}

// Create runs the registration checks and stores the user without logging
// it in. The user is left inactive. AllowRegistration is not consulted.
func (r *Registrar) Create(ctx context.Context, in Registration) (Result, error) {
	svc := r.svc

	in.Email = strings.TrimSpace(in.Email)
	in.Username = strings.TrimSpace(in.Username)

	if err := in.Validate(); err != nil {
		var fields validation.Errors
		if errors.As(err, &fields) {
			return failureWith(ReasonValidation, fields), nil
		}
		return Result{}, wrapInternal(err, "validate registration")
	}

	user := &User{
		Username: in.Username,
		Email:    in.Email,
		Password: in.Password,
	}

	res, err := svc.passwords.Check(ctx, in.Password, user)
	if err != nil {
		return Result{}, err
	}
	if !res.Success {
		return res, nil
	}

	hash, err := svc.passwords.Hash(in.Password)
	if err != nil {
		return Result{}, err
	}
	user.PasswordHash = hash
	user.Password = ""

	created, err := svc.stores.Users.Create(ctx, user)
	if err != nil {
		if IsDuplicateIdentity(err) {
			return failure(ReasonIdentityTaken), nil
		}
		return Result{}, wrapInternal(err, "create user")
	}
	svc.Bind(created)

	if group := svc.groups.DefaultGroup(); group != "" {
		if err := created.AddGroup(ctx, group); err != nil {
			return Result{}, err
		}
	}

	return success(created), nil
}
