package schild

import (
	"context"

	"github.com/goliatone/go-router"
)

var (
	userCtxKey  = &contextKey{"user"}
	aliasCtxKey = &contextKey{"alias"}
)

type contextKey struct {
	name string
}

// LocalsUser is the router locals key the middleware stores the user under
const LocalsUser = "user"

// WithContext sets the User in the given context
func WithContext(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userCtxKey, user)
}

// FromContext finds the user from the context.
func FromContext(ctx context.Context) (*User, bool) {
	raw, ok := ctx.Value(userCtxKey).(*User)
	return raw, ok && raw != nil
}

// WithAliasContext records which authenticator accepted the request
func WithAliasContext(ctx context.Context, alias string) context.Context {
	return context.WithValue(ctx, aliasCtxKey, alias)
}

// AliasFromContext returns the authenticator alias set by the middleware
func AliasFromContext(ctx context.Context) (string, bool) {
	raw, ok := ctx.Value(aliasCtxKey).(string)
	return raw, ok
}

// FromRouter extracts the user from the router context locals
func FromRouter(ctx router.Context) (*User, bool) {
	raw := ctx.Locals(LocalsUser)
	if raw == nil {
		return nil, false
	}
	user, ok := raw.(*User)
	return user, ok && user != nil
}

// Can checks permissions of the user carried by ctx
func Can(ctx context.Context, permissions ...string) bool {
	user, ok := FromContext(ctx)
	if !ok {
		return false
	}
	allowed, err := user.Can(ctx, permissions...)
	return err == nil && allowed
}
