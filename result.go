package schild

// Reason keys carried by failed results. Use Describe for a readable message.
const (
	ReasonBadAttempt          = "badAttempt"
	ReasonInvalidPassword     = "invalidPassword"
	ReasonBannedUser          = "bannedUser"
	ReasonNoToken             = "noToken"
	ReasonBadToken            = "badToken"
	ReasonOldToken            = "oldToken"
	ReasonInvalidUser         = "invalidUser"
	ReasonNoUserID            = "Invalid JWT: no user_id"
	ReasonMagicTokenNotFound  = "magicTokenNotFound"
	ReasonMagicLinkExpired    = "magicLinkExpired"
	ReasonNeedActivate        = "needActivate"
	ReasonInvalidEmail        = "invalidEmail"
	ReasonNeed2FA             = "need2FA"
	ReasonNeedVerification    = "needVerification"
	ReasonInvalid2FAToken     = "invalid2FAToken"
	ReasonInvalidActivate     = "invalidActivateToken"
	ReasonPasswordEmpty       = "errorPasswordEmpty"
	ReasonPasswordTooLong     = "errorPasswordTooLongBytes"
	ReasonPasswordLength      = "errorPasswordLength"
	ReasonPasswordCommon      = "errorPasswordCommon"
	ReasonPasswordPersonal    = "errorPasswordPersonal"
	ReasonPasswordTooSimilar  = "errorPasswordTooSimilar"
	ReasonPasswordPwned       = "errorPasswordPwned"
	ReasonValidation          = "validationFailed"
	ReasonIdentityTaken       = "identityTaken"
	SuggestPasswordLength     = "suggestPasswordLength"
	SuggestPasswordCommon     = "suggestPasswordCommon"
	SuggestPasswordPersonal   = "suggestPasswordPersonal"
	SuggestPasswordTooSimilar = "suggestPasswordTooSimilar"
	SuggestPasswordPwned      = "suggestPasswordPwned"
)

var reasonMessages = map[string]string{
	ReasonBadAttempt:          "Unable to log you in. Please check your credentials.",
	ReasonInvalidPassword:     "Unable to log you in. Please check your password.",
	ReasonBannedUser:          "Can not log you in as you are currently banned.",
	ReasonNoToken:             "Every request must have a bearer token in the authorization header.",
	ReasonBadToken:            "The access token is invalid.",
	ReasonOldToken:            "The access token has expired.",
	ReasonInvalidUser:         "Unable to locate the specified user.",
	ReasonNoUserID:            "Invalid JWT: no user_id",
	ReasonMagicTokenNotFound:  "Unable to verify the link.",
	ReasonMagicLinkExpired:    "Sorry, link has expired.",
	ReasonNeedActivate:        "You must complete your registration by confirming the code sent to your email address.",
	ReasonInvalidEmail:        "Unable to verify the email address matches the email on record.",
	ReasonNeed2FA:             "Please check your email for a confirmation code.",
	ReasonNeedVerification:    "Please check your email to complete account activation.",
	ReasonInvalid2FAToken:     "The code was incorrect.",
	ReasonInvalidActivate:     "The code was incorrect.",
	ReasonPasswordEmpty:       "A password is required.",
	ReasonPasswordTooLong:     "Password cannot exceed the maximum length.",
	ReasonPasswordLength:      "Passwords must be at least the configured number of characters long.",
	ReasonPasswordCommon:      "Password must not be a common password.",
	ReasonPasswordPersonal:    "Passwords cannot contain re-hashed personal information.",
	ReasonPasswordTooSimilar:  "Password is too similar to the username.",
	ReasonPasswordPwned:       "The password has been exposed due to a data breach.",
	ReasonValidation:          "The submitted data is not valid.",
	ReasonIdentityTaken:       "That email address or username is already registered.",
	SuggestPasswordLength:     "Pass phrases are an easy way to create long passwords that are easy to remember.",
	SuggestPasswordCommon:     "The password was checked against common used passwords.",
	SuggestPasswordPersonal:   "Variations on your email address or username should not be used for passwords.",
	SuggestPasswordTooSimilar: "Do not use parts of your username in your password.",
	SuggestPasswordPwned:      "The password should never be used as a password. Change it everywhere it is used.",
}

// Describe returns the English message for a reason key, or the key itself
func Describe(reason string) string {
	if msg, ok := reasonMessages[reason]; ok {
		return msg
	}
	return reason
}

// Result is the outcome of a check or attempt. Expected authentication
// failures are reported through Result, never through errors.
type Result struct {
	Success   bool
	Reason    string
	ExtraInfo any
}

// OK reports whether the result is a success
func (r Result) OK() bool { return r.Success }

// User returns the user carried by a successful authenticator result
func (r Result) User() *User {
	if u, ok := r.ExtraInfo.(*User); ok {
		return u
	}
	return nil
}

// Message returns the readable form of Reason
func (r Result) Message() string {
	return Describe(r.Reason)
}

func success(extra any) Result {
	return Result{Success: true, ExtraInfo: extra}
}

func failure(reason string) Result {
	return Result{Reason: reason}
}

func failureWith(reason string, extra any) Result {
	return Result{Reason: reason, ExtraInfo: extra}
}
