// Package authware exposes the schild authenticators and authorization
// checks as go-router middleware.
package authware

import (
	"context"
	"net/http"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
	schild "github.com/goliatone/go-schild"
	"github.com/goliatone/go-schild/session"
)

// Router locals keys shared by the middleware
const (
	LocalsAuth  = "schild_auth"
	LocalsAlias = "schild_alias"
)

const (
	TextCodeUnauthenticated   = "UNAUTHENTICATED"
	TextCodePendingAction     = "AUTH_ACTION_PENDING"
	TextCodeForbidden         = "FORBIDDEN"
	TextCodeInsufficientScope = "INSUFFICIENT_SCOPE"
	TextCodeAuthenticated     = "ALREADY_AUTHENTICATED"
	TextCodePasswordReset     = "PASSWORD_RESET_REQUIRED"
	TextCodeTooManyRequests   = "TOO_MANY_REQUESTS"
)

var ErrUnauthenticated = goerrors.New("authentication required", goerrors.CategoryAuth).
	WithTextCode(TextCodeUnauthenticated).
	WithCode(goerrors.CodeUnauthorized)

var ErrPendingAction = goerrors.New("an auth action must be completed first", goerrors.CategoryAuth).
	WithTextCode(TextCodePendingAction).
	WithCode(goerrors.CodeUnauthorized)

var ErrForbidden = goerrors.New("not allowed to access this resource", goerrors.CategoryAuthz).
	WithTextCode(TextCodeForbidden).
	WithCode(goerrors.CodeForbidden)

var ErrInsufficientScope = goerrors.New("token scope does not allow this resource", goerrors.CategoryAuthz).
	WithTextCode(TextCodeInsufficientScope).
	WithCode(goerrors.CodeForbidden)

var ErrAlreadyAuthenticated = goerrors.New("already logged in", goerrors.CategoryAuthz).
	WithTextCode(TextCodeAuthenticated).
	WithCode(goerrors.CodeForbidden)

var ErrPasswordResetRequired = goerrors.New("password must be changed", goerrors.CategoryAuthz).
	WithTextCode(TextCodePasswordReset).
	WithCode(goerrors.CodeForbidden)

var ErrTooManyRequests = goerrors.New("too many requests", goerrors.CategoryRateLimit).
	WithTextCode(TextCodeTooManyRequests).
	WithCode(http.StatusTooManyRequests)

// Config tunes the middleware. Empty redirect URLs make the middleware
// answer with the ErrorHandler instead of redirecting.
type Config struct {
	// Sessions loads and commits the session of each request. Without it
	// session state only lives for the request.
	Sessions *session.Manager

	LoginURL         string
	ActionURL        string
	ResetPasswordURL string
	GuestRedirectURL string

	ErrorHandler router.ErrorHandler
	Logger       schild.Logger
}

// Middleware builds go-router middleware bound to one service
type Middleware struct {
	svc *schild.Service
	cfg Config
}

func New(svc *schild.Service, config ...Config) *Middleware {
	var cfg Config
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Logger == nil {
		cfg.Logger = svc.Logger()
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = defaultErrorHandler(cfg.Logger)
	}
	return &Middleware{svc: svc, cfg: cfg}
}

func defaultErrorHandler(logger schild.Logger) router.ErrorHandler {
	return func(c router.Context, err error) error {
		var richErr *goerrors.Error
		if !goerrors.As(err, &richErr) {
			richErr = goerrors.Wrap(err, goerrors.CategoryInternal, "An unexpected server error occurred").
				WithCode(goerrors.CodeInternal)
		}

		logger.Info(
			"Auth middleware rejected request",
			"error", richErr.Message,
			"text_code", richErr.TextCode,
			"details", print.MaybePrettyJSON(richErr.Metadata),
		)

		return c.JSON(richErr.Code, map[string]any{
			"error":     richErr.Message,
			"text_code": richErr.TextCode,
		})
	}
}

// fail redirects to url when set, otherwise hands err to the error handler
func (m *Middleware) fail(c router.Context, err error, url string) error {
	if url == "" {
		return m.cfg.ErrorHandler(c, err)
	}
	status := http.StatusSeeOther
	if c.Method() == http.MethodGet {
		status = http.StatusFound
	}
	return c.Redirect(url, status)
}

// facade returns the request Auth, creating it on first use. The returned
// commit saves the session, it is a no-op for callers that did not create
// the facade.
func (m *Middleware) facade(c router.Context) (*schild.Auth, func(), error) {
	if a, ok := c.Locals(LocalsAuth).(*schild.Auth); ok && a != nil {
		return a, func() {}, nil
	}

	req := NewRequest(c)
	if m.cfg.Sessions == nil {
		a := m.svc.Auth(req, nil)
		c.Locals(LocalsAuth, a)
		return a, func() {}, nil
	}

	sess, err := m.cfg.Sessions.Load(c.Context(), req)
	if err != nil {
		return nil, nil, err
	}
	a := m.svc.Auth(req, sess)
	c.Locals(LocalsAuth, a)

	commit := func() {
		if err := m.cfg.Sessions.Commit(c.Context(), req, sess); err != nil {
			m.cfg.Logger.Error("failed to commit session", "error", err)
		}
	}
	return a, commit, nil
}

// next runs the rest of the chain and commits the session afterwards
func next(c router.Context, commit func()) error {
	err := c.Next()
	commit()
	return err
}

// bind publishes the user to the router locals and the request context
func (m *Middleware) bind(c router.Context, alias string, user *schild.User) {
	c.Locals(schild.LocalsUser, user)
	c.Locals(LocalsAlias, alias)

	ctx := schild.WithContext(c.Context(), user)
	ctx = schild.WithAliasContext(ctx, alias)
	c.SetContext(ctx)
}

func (m *Middleware) touch(ctx context.Context, inst schild.Authenticator) {
	if !m.svc.Config().RecordActiveDate {
		return
	}
	if err := inst.RecordActiveDate(ctx); err != nil {
		m.cfg.Logger.Warn("failed to record active date", "error", err)
	}
}

// Auth returns the facade the middleware stored for this request
func Auth(c router.Context) (*schild.Auth, bool) {
	a, ok := c.Locals(LocalsAuth).(*schild.Auth)
	return a, ok && a != nil
}

type routerRequest struct {
	c router.Context
}

// NewRequest adapts a router context to schild.Request
func NewRequest(c router.Context) schild.Request {
	return routerRequest{c: c}
}

func (r routerRequest) Header(name string) string { return r.c.Header(name) }

func (r routerRequest) Cookie(name string) (string, bool) {
	v := r.c.Cookies(name)
	return v, v != ""
}

func (r routerRequest) Body() []byte { return r.c.Body() }

func (r routerRequest) IP() string { return r.c.IP() }

func (r routerRequest) UserAgent() string { return r.c.Header("User-Agent") }

func (r routerRequest) SetCookie(cookie *http.Cookie) {
	if cookie == nil {
		return
	}
	r.c.Cookie(&router.Cookie{
		Name:     cookie.Name,
		Value:    cookie.Value,
		Path:     cookie.Path,
		Domain:   cookie.Domain,
		MaxAge:   cookie.MaxAge,
		Expires:  cookie.Expires,
		Secure:   cookie.Secure,
		HTTPOnly: cookie.HttpOnly,
		SameSite: sameSite(cookie.SameSite),
	})
}

func sameSite(s http.SameSite) string {
	switch s {
	case http.SameSiteStrictMode:
		return "Strict"
	case http.SameSiteNoneMode:
		return "None"
	case http.SameSiteLaxMode:
		return "Lax"
	}
	return ""
}
