package schild

import (
	"context"

	"github.com/google/uuid"
)

// Identifier types written to the login tables besides the identity types
const (
	IDTypeUsername = "username"
	IDTypeJWT      = "jwt"
)

type attemptRecorder struct {
	store  LoginStore
	level  RecordLevel
	req    Request
	clock  Clock
	logger Logger
}

func (r attemptRecorder) record(ctx context.Context, idType, identifier string, success bool, userID uuid.UUID) {
	if success && !r.level.recordsSuccess() {
		return
	}
	if !success && !r.level.recordsFailures() {
		return
	}

	attempt := &LoginAttempt{
		IDType:     idType,
		Identifier: identifier,
		Success:    success,
		IPAddress:  r.req.IP(),
		UserAgent:  r.req.UserAgent(),
		Date:       r.clock(),
	}
	if userID != uuid.Nil {
		id := userID
		attempt.UserID = &id
	}

	if err := r.store.RecordLoginAttempt(ctx, attempt); err != nil {
		r.logger.Error("failed to record login attempt",
			"id_type", idType,
			"success", success,
			"error", err,
		)
	}
}

// credentialIdentifier picks the single configured login field present in
// credentials. email and username map to their identity types, any other
// field is recorded under its own name.
func credentialIdentifier(validFields []string, credentials map[string]string) (string, string, error) {
	field := ""
	matches := 0
	for _, f := range validFields {
		if _, ok := credentials[f]; ok {
			field = f
			matches++
		}
	}
	if matches != 1 {
		return "", "", withMetadata(ErrInvalidCredentialFields, map[string]any{
			"matches": matches,
		})
	}

	idType := field
	if field == "email" || field == "username" {
		_, hasEmail := credentials["email"]
		_, hasUsername := credentials["username"]
		if !hasEmail && hasUsername {
			idType = IDTypeUsername
		} else {
			idType = IdentityEmailPassword
		}
	}
	return idType, credentials[field], nil
}

// hashedIdentifier is how raw bearer tokens are written to the login tables
func hashedIdentifier(token string) string {
	return "sha256:" + sha256Hex(token)
}
