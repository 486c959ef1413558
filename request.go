package schild

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"strings"
)

// SessionStore is the per request session. Keys are flat strings, the
// session authenticator namespaces them under the configured field.
type SessionStore interface {
	ID() string
	Get(key string) (string, bool)
	Set(key, value string)
	Remove(keys ...string)
	Clear()
	// Regenerate issues a new session id keeping the data
	Regenerate(ctx context.Context) error
}

// Request is the slice of the incoming request the authenticators read
// from, plus the cookie writer of the response.
type Request interface {
	Header(name string) string
	Cookie(name string) (string, bool)
	Body() []byte
	IP() string
	UserAgent() string
	SetCookie(cookie *http.Cookie)
}

type httpRequest struct {
	w    http.ResponseWriter
	r    *http.Request
	body []byte
}

// NewHTTPRequest adapts a net/http request and response writer. The body
// is read once and restored so later handlers can read it again.
func NewHTTPRequest(w http.ResponseWriter, r *http.Request) Request {
	req := &httpRequest{w: w, r: r}
	if r != nil && r.Body != nil {
		raw, err := io.ReadAll(r.Body)
		if err == nil {
			req.body = raw
		}
		_ = r.Body.Close()
		r.Body = io.NopCloser(bytes.NewReader(req.body))
	}
	return req
}

func (h *httpRequest) Header(name string) string {
	return h.r.Header.Get(name)
}

func (h *httpRequest) Cookie(name string) (string, bool) {
	c, err := h.r.Cookie(name)
	if err != nil {
		return "", false
	}
	return c.Value, true
}

func (h *httpRequest) Body() []byte {
	return h.body
}

func (h *httpRequest) IP() string {
	if fwd := h.r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(h.r.RemoteAddr)
	if err != nil {
		return h.r.RemoteAddr
	}
	return host
}

func (h *httpRequest) UserAgent() string {
	return h.r.UserAgent()
}

func (h *httpRequest) SetCookie(cookie *http.Cookie) {
	if h.w == nil || cookie == nil {
		return
	}
	http.SetCookie(h.w, cookie)
}

type nopRequest struct{}

func (nopRequest) Header(string) string         { return "" }
func (nopRequest) Cookie(string) (string, bool) { return "", false }
func (nopRequest) Body() []byte                 { return nil }
func (nopRequest) IP() string                   { return "" }
func (nopRequest) UserAgent() string            { return "" }
func (nopRequest) SetCookie(*http.Cookie)       {}

func normalizeRequest(r Request) Request {
	if r == nil {
		return nopRequest{}
	}
	return r
}
