package authware

import (
	"strconv"

	"github.com/goliatone/go-router"
	schild "github.com/goliatone/go-schild"
	"github.com/goliatone/go-schild/ratelimit"
)

// SessionAuth requires a user logged in through the session. Pending
// logins are sent to ActionURL, anonymous requests to LoginURL.
func (m *Middleware) SessionAuth() router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			a, commit, err := m.facade(c)
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}
			sess, err := a.Session()
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}

			ctx := c.Context()
			ok, err := sess.LoggedIn(ctx)
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}
			if !ok {
				pending, err := sess.IsPending(ctx)
				if err != nil {
					return m.cfg.ErrorHandler(c, err)
				}
				commit()
				if pending {
					return m.fail(c, ErrPendingAction, m.cfg.ActionURL)
				}
				return m.fail(c, ErrUnauthenticated, m.cfg.LoginURL)
			}

			user, err := sess.GetUser(ctx)
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}
			m.touch(ctx, sess)
			m.bind(c, schild.AliasSession, user)
			return next(c, commit)
		}
	}
}

// TokenAuth requires a valid bearer access token
func (m *Middleware) TokenAuth() router.MiddlewareFunc {
	return m.stateless(schild.AliasTokens, nil)
}

// HmacAuth requires a valid HMAC signature. When scope is set the token
// must grant it.
func (m *Middleware) HmacAuth(scope string) router.MiddlewareFunc {
	var require func(*schild.User) error
	if scope != "" {
		require = func(user *schild.User) error {
			if user.HmacTokenCant(scope) {
				return ErrInsufficientScope.Clone().WithMetadata(map[string]any{"scope": scope})
			}
			return nil
		}
	}
	return m.stateless(schild.AliasHMAC, require)
}

// JWTAuth requires a valid JWT from the default keyset
func (m *Middleware) JWTAuth() router.MiddlewareFunc {
	return m.stateless(schild.AliasJWT, nil)
}

func (m *Middleware) stateless(alias string, require func(*schild.User) error) router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			a, commit, err := m.facade(c)
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}
			inst, err := a.Authenticator(alias)
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}

			ctx := c.Context()
			ok, err := inst.LoggedIn(ctx)
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}
			if !ok {
				return m.cfg.ErrorHandler(c, ErrUnauthenticated.Clone().WithMetadata(map[string]any{
					"authenticator": alias,
				}))
			}

			user, err := inst.GetUser(ctx)
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}
			if require != nil {
				if err := require(user); err != nil {
					return m.cfg.ErrorHandler(c, err)
				}
			}

			m.touch(ctx, inst)
			m.bind(c, alias, user)
			return next(c, commit)
		}
	}
}

// ChainAuth accepts the first authenticator of the configured chain that
// has a logged in user
func (m *Middleware) ChainAuth() router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			a, commit, err := m.facade(c)
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}

			user, alias, err := m.chainUser(c, a)
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}
			if user == nil {
				commit()
				return m.fail(c, ErrUnauthenticated, m.cfg.LoginURL)
			}

			inst, err := a.Authenticator(alias)
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}
			m.touch(c.Context(), inst)
			m.bind(c, alias, user)
			return next(c, commit)
		}
	}
}

func (m *Middleware) chainUser(c router.Context, a *schild.Auth) (*schild.User, string, error) {
	ctx := c.Context()
	alias, err := a.ChainLoggedIn(ctx)
	if err != nil || alias == "" {
		return nil, "", err
	}
	user, err := a.User(ctx)
	if err != nil {
		return nil, "", err
	}
	return user, alias, nil
}

// current returns the user bound by an earlier middleware, falling back
// to the authentication chain
func (m *Middleware) current(c router.Context) (*schild.User, func(), error) {
	if user, ok := schild.FromRouter(c); ok {
		return user, func() {}, nil
	}
	a, commit, err := m.facade(c)
	if err != nil {
		return nil, nil, err
	}
	user, alias, err := m.chainUser(c, a)
	if err != nil {
		return nil, nil, err
	}
	if user != nil {
		m.bind(c, alias, user)
	}
	return user, commit, nil
}

// Guest only lets anonymous requests through. Logged in users go to
// GuestRedirectURL.
func (m *Middleware) Guest() router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			a, commit, err := m.facade(c)
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}
			alias, err := a.ChainLoggedIn(c.Context())
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}
			if alias != "" {
				commit()
				return m.fail(c, ErrAlreadyAuthenticated, m.cfg.GuestRedirectURL)
			}
			return next(c, commit)
		}
	}
}

// Group requires the user to be in any of groups
func (m *Middleware) Group(groups ...string) router.MiddlewareFunc {
	return m.authorize(func(c router.Context, user *schild.User) (bool, error) {
		return user.InGroup(c.Context(), groups...)
	}, map[string]any{"groups": groups})
}

// Permission requires any of permissions, directly or through a group
func (m *Middleware) Permission(permissions ...string) router.MiddlewareFunc {
	return m.authorize(func(c router.Context, user *schild.User) (bool, error) {
		return user.Can(c.Context(), permissions...)
	}, map[string]any{"permissions": permissions})
}

func (m *Middleware) authorize(allowed func(router.Context, *schild.User) (bool, error), meta map[string]any) router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			user, commit, err := m.current(c)
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}
			if user == nil {
				commit()
				return m.fail(c, ErrUnauthenticated, m.cfg.LoginURL)
			}

			ok, err := allowed(c, user)
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}
			if !ok {
				commit()
				return m.cfg.ErrorHandler(c, ErrForbidden.Clone().WithMetadata(meta))
			}
			return next(c, commit)
		}
	}
}

// ForcePasswordReset sends users flagged for a password reset to
// ResetPasswordURL
func (m *Middleware) ForcePasswordReset() router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			user, commit, err := m.current(c)
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}
			if user == nil {
				return next(c, commit)
			}

			required, err := user.RequiresPasswordReset(c.Context())
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}
			if required {
				commit()
				return m.fail(c, ErrPasswordResetRequired, m.cfg.ResetPasswordURL)
			}
			return next(c, commit)
		}
	}
}

// AuthRates limits requests per client IP, it is meant for the login and
// registration routes
func (m *Middleware) AuthRates(limiter ratelimit.Limiter) router.MiddlewareFunc {
	if limiter == nil {
		rl := m.svc.Config().RateLimit
		limiter = ratelimit.NewMemory(rl.Requests, rl.Window)
	}
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			d, err := limiter.Allow(c.Context(), ratelimit.Key(c.IP()))
			if err != nil {
				m.cfg.Logger.Error("rate limiter failed, letting request through", "error", err)
				return c.Next()
			}

			c.SetHeader("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				c.SetHeader("Retry-After", strconv.Itoa(int(d.ResetIn.Seconds())+1))
				return m.cfg.ErrorHandler(c, ErrTooManyRequests)
			}
			return c.Next()
		}
	}
}
