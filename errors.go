package schild

import (
	"errors"

	goerrors "github.com/goliatone/go-errors"
)

const (
	TextCodeRecordNotFound        = "RECORD_NOT_FOUND"
	TextCodeUserNotFound          = "USER_NOT_FOUND"
	TextCodeUnknownAuthenticator  = "UNKNOWN_AUTHENTICATOR"
	TextCodeAlreadyLoggedIn       = "ALREADY_LOGGED_IN"
	TextCodePendingAction         = "PENDING_ACTION"
	TextCodeNoCurrentUser         = "NO_CURRENT_USER"
	TextCodeMissingMinLength      = "MISSING_MINIMUM_PASSWORD_LENGTH"
	TextCodeMissingUser           = "MISSING_USER"
	TextCodeInvalidPermission     = "INVALID_PERMISSION"
	TextCodeUnknownGroup          = "UNKNOWN_GROUP"
	TextCodeUnknownPermission     = "UNKNOWN_PERMISSION"
	TextCodeInvalidCredentials    = "INVALID_CREDENTIAL_FIELDS"
	TextCodeIncompleteUser        = "INCOMPLETE_USER"
	TextCodeRememberConflict      = "REMEMBER_ROTATION_CONFLICT"
	TextCodeActionNotSupported    = "ACTION_NOT_SUPPORTED"
	TextCodeEncryption            = "HMAC_ENCRYPTION"
	TextCodeJWTInvalid            = "JWT_INVALID"
	TextCodeJWTExpired            = "JWT_EXPIRED"
	TextCodeJWTNotYetValid        = "JWT_NOT_YET_VALID"
	TextCodeUnknownKeyset         = "UNKNOWN_JWT_KEYSET"
	TextCodeRegistrationDisabled  = "REGISTRATION_DISABLED"
	TextCodeMagicLinkDisabled     = "MAGIC_LINK_DISABLED"
	TextCodeUnboundUser           = "UNBOUND_USER"
	TextCodeBreachRangeMalformed  = "PWNED_RESPONSE_MALFORMED"
	TextCodeInvalidConfiguration  = "INVALID_CONFIGURATION"
	TextCodeCodeGenerationFailure = "CODE_GENERATION_FAILED"
	TextCodeDuplicateIdentity     = "DUPLICATE_IDENTITY"
)

// ErrRecordNotFound is returned by stores when a lookup has no match
var ErrRecordNotFound = goerrors.New("record not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeRecordNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrUserNotFound is returned when a user id does not resolve
var ErrUserNotFound = goerrors.New("user not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeUserNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrUnknownAuthenticator is returned for an alias with no registered factory
var ErrUnknownAuthenticator = goerrors.New("unknown authenticator alias", goerrors.CategoryBadInput).
	WithTextCode(TextCodeUnknownAuthenticator).
	WithCode(goerrors.CodeInternal)

// ErrAlreadyLoggedIn guards against starting a login over an existing session user
var ErrAlreadyLoggedIn = goerrors.New("session already holds a user, log out before logging in again", goerrors.CategoryConflict).
	WithTextCode(TextCodeAlreadyLoggedIn).
	WithCode(goerrors.CodeConflict)

// ErrUserHasPendingAction is returned by Login when an auth action must run first
var ErrUserHasPendingAction = goerrors.New("user has a pending auth action, use StartLogin instead", goerrors.CategoryConflict).
	WithTextCode(TextCodePendingAction).
	WithCode(goerrors.CodeConflict)

// ErrNoCurrentUser is returned by operations that need a logged in or pending user
var ErrNoCurrentUser = goerrors.New("no current user", goerrors.CategoryAuth).
	WithTextCode(TextCodeNoCurrentUser).
	WithCode(goerrors.CodeUnauthorized)

// ErrMinimumPasswordLength flags a configuration without a minimum password length
var ErrMinimumPasswordLength = goerrors.New("minimum password length is not configured", goerrors.CategoryInternal).
	WithTextCode(TextCodeMissingMinLength).
	WithCode(goerrors.CodeInternal)

// ErrMissingUser is returned when password checks are called without a user
var ErrMissingUser = goerrors.New("password check requires a user", goerrors.CategoryBadInput).
	WithTextCode(TextCodeMissingUser).
	WithCode(goerrors.CodeInternal)

// ErrInvalidPermission is returned for permission names without a scope
var ErrInvalidPermission = goerrors.New("permission must be in the form scope.action", goerrors.CategoryBadInput).
	WithTextCode(TextCodeInvalidPermission).
	WithCode(goerrors.CodeBadRequest)

// ErrUnknownGroup is returned when adding a group that is not configured
var ErrUnknownGroup = goerrors.New("unknown group", goerrors.CategoryValidation).
	WithTextCode(TextCodeUnknownGroup).
	WithCode(goerrors.CodeBadRequest)

// ErrUnknownPermission is returned when adding a permission that is not configured
var ErrUnknownPermission = goerrors.New("unknown permission", goerrors.CategoryValidation).
	WithTextCode(TextCodeUnknownPermission).
	WithCode(goerrors.CodeBadRequest)

// ErrInvalidCredentialFields is returned when attempt recording cannot tell the login field
var ErrInvalidCredentialFields = goerrors.New("credentials must carry exactly one valid login field", goerrors.CategoryBadInput).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(goerrors.CodeBadRequest)

// ErrIncompleteUser is returned when a user without id reaches a store operation
var ErrIncompleteUser = goerrors.New("user has no id, incomplete user objects cannot be used", goerrors.CategoryBadInput).
	WithTextCode(TextCodeIncompleteUser).
	WithCode(goerrors.CodeInternal)

// ErrRememberRotationConflict is returned when a concurrent request rotated the token first
var ErrRememberRotationConflict = goerrors.New("remember token was rotated concurrently", goerrors.CategoryConflict).
	WithTextCode(TextCodeRememberConflict).
	WithCode(goerrors.CodeConflict)

// ErrActionNotSupported is returned by actions that do not implement a step
var ErrActionNotSupported = goerrors.New("action step not supported", goerrors.CategoryNotFound).
	WithTextCode(TextCodeActionNotSupported).
	WithCode(goerrors.CodeNotFound)

// ErrEncryption wraps HMAC secret encryption failures
var ErrEncryption = goerrors.New("hmac secret encryption failure", goerrors.CategoryInternal).
	WithTextCode(TextCodeEncryption).
	WithCode(goerrors.CodeInternal)

// ErrUnknownKeyset is returned when a JWT keyset is not configured
var ErrUnknownKeyset = goerrors.New("unknown jwt keyset", goerrors.CategoryBadInput).
	WithTextCode(TextCodeUnknownKeyset).
	WithCode(goerrors.CodeInternal)

// ErrRegistrationDisabled is returned by Registrar when registration is off
var ErrRegistrationDisabled = goerrors.New("registration is disabled", goerrors.CategoryAuthz).
	WithTextCode(TextCodeRegistrationDisabled).
	WithCode(goerrors.CodeForbidden)

// ErrMagicLinkDisabled is returned when magic link logins are off
var ErrMagicLinkDisabled = goerrors.New("magic link logins are disabled", goerrors.CategoryAuthz).
	WithTextCode(TextCodeMagicLinkDisabled).
	WithCode(goerrors.CodeForbidden)

// ErrUnboundUser is returned by user helpers that need services bound by the Service
var ErrUnboundUser = goerrors.New("user is not bound to a service", goerrors.CategoryInternal).
	WithTextCode(TextCodeUnboundUser).
	WithCode(goerrors.CodeInternal)

// ErrCodeGeneration is returned when no unique action code could be stored
var ErrCodeGeneration = goerrors.New("unable to generate a unique code", goerrors.CategoryInternal).
	WithTextCode(TextCodeCodeGenerationFailure).
	WithCode(goerrors.CodeInternal)

// ErrDuplicateIdentity is returned by identity stores when (type, secret) already exists
var ErrDuplicateIdentity = goerrors.New("identity already exists", goerrors.CategoryConflict).
	WithTextCode(TextCodeDuplicateIdentity).
	WithCode(goerrors.CodeConflict)

// ErrInvalidConfiguration is returned by Config.Validate
var ErrInvalidConfiguration = goerrors.New("invalid configuration", goerrors.CategoryValidation).
	WithTextCode(TextCodeInvalidConfiguration).
	WithCode(goerrors.CodeInternal)

// IsNotFound reports whether err means a store lookup had no match
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrRecordNotFound) || errors.Is(err, ErrUserNotFound) {
		return true
	}
	if HasTextCode(err, TextCodeRecordNotFound) || HasTextCode(err, TextCodeUserNotFound) {
		return true
	}
	return goerrors.IsNotFound(err)
}

// HasTextCode reports whether err is a go-errors error carrying code
func HasTextCode(err error, code string) bool {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return richErr.TextCode == code
	}
	return false
}

func withMetadata(base *goerrors.Error, meta map[string]any) error {
	return base.Clone().WithMetadata(meta)
}

func wrapInternal(err error, msg string) error {
	return goerrors.Wrap(err, goerrors.CategoryInternal, msg)
}

// IsDuplicateIdentity reports whether err means an identity secret is taken
func IsDuplicateIdentity(err error) bool {
	return errors.Is(err, ErrDuplicateIdentity) || HasTextCode(err, TextCodeDuplicateIdentity)
}
