package authware

import (
	"crypto/subtle"
	"mime"
	"net/http"
	"net/url"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-router"
	schild "github.com/goliatone/go-schild"
)

const (
	CSRFSessionKey = "_csrf_token"
	CSRFHeader     = "X-CSRF-Token"
	CSRFFormField  = "_token"
	LocalsCSRF     = "csrf_token"

	TextCodeCSRFMissing  = "CSRF_TOKEN_MISSING"
	TextCodeCSRFMismatch = "CSRF_TOKEN_MISMATCH"
)

const csrfTokenLength = 40

var ErrCSRFMissing = goerrors.New("csrf token missing", goerrors.CategoryAuthz).
	WithTextCode(TextCodeCSRFMissing).
	WithCode(goerrors.CodeForbidden)

var ErrCSRFMismatch = goerrors.New("csrf token mismatch", goerrors.CategoryAuthz).
	WithTextCode(TextCodeCSRFMismatch).
	WithCode(goerrors.CodeForbidden)

func safeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	}
	return false
}

// CSRF keeps a token in the session and requires unsafe requests to send it
// back in the X-CSRF-Token header or the _token form field. The token is
// published under LocalsCSRF for templates.
func (m *Middleware) CSRF() router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		return func(c router.Context) error {
			a, commit, err := m.facade(c)
			if err != nil {
				return m.cfg.ErrorHandler(c, err)
			}

			sess := a.SessionStore()
			token, ok := sess.Get(CSRFSessionKey)
			if !ok || token == "" {
				token, err = schild.RandomString(csrfTokenLength)
				if err != nil {
					return m.cfg.ErrorHandler(c, err)
				}
				sess.Set(CSRFSessionKey, token)
			}
			c.Locals(LocalsCSRF, token)

			if safeMethod(c.Method()) {
				return next(c, commit)
			}

			received := csrfFromRequest(c)
			if received == "" {
				commit()
				return m.cfg.ErrorHandler(c, ErrCSRFMissing)
			}
			if subtle.ConstantTimeCompare([]byte(received), []byte(token)) != 1 {
				commit()
				return m.cfg.ErrorHandler(c, ErrCSRFMismatch)
			}

			return next(c, commit)
		}
	}
}

func csrfFromRequest(c router.Context) string {
	if v := c.Header(CSRFHeader); v != "" {
		return v
	}

	mediaType, _, err := mime.ParseMediaType(c.Header("Content-Type"))
	if err != nil || mediaType != "application/x-www-form-urlencoded" {
		return ""
	}
	form, err := url.ParseQuery(string(c.Body()))
	if err != nil {
		return ""
	}
	return form.Get(CSRFFormField)
}
