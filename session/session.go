// Package session provides schild.SessionStore implementations backed by
// memory or redis, loaded from and saved to a cookie per request.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"maps"
	"net/http"
	"sync"
	"time"

	schild "github.com/goliatone/go-schild"
)

// Backend persists session data by id. Load returns nil data when the id
// is unknown or expired.
type Backend interface {
	Load(ctx context.Context, id string) (map[string]string, error)
	Save(ctx context.Context, id string, data map[string]string, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// Session is the per request session handed to schild.Service.Auth
type Session struct {
	mu        sync.Mutex
	id        string
	retired   []string
	data      map[string]string
	dirty     bool
	fresh     bool
	destroyed bool
}

var _ schild.SessionStore = (*Session)(nil)

func newSession(id string, data map[string]string, fresh bool) *Session {
	if data == nil {
		data = map[string]string{}
	}
	return &Session{id: id, data: data, fresh: fresh}
}

func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *Session) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	s.dirty = true
}

func (s *Session) Remove(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		if _, ok := s.data[k]; ok {
			delete(s.data, k)
			s.dirty = true
		}
	}
}

func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.data) > 0 {
		s.dirty = true
	}
	s.data = map[string]string{}
}

// Regenerate moves the data to a new id, the old id is deleted on commit
func (s *Session) Regenerate(context.Context) error {
	id, err := newID()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retired = append(s.retired, s.id)
	s.id = id
	s.dirty = true
	return nil
}

// Destroy drops the session on commit and expires its cookie
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
}

// Values returns a copy of the session data
func (s *Session) Values() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.data)
}

func newID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Options configure the Manager
type Options struct {
	CookieName string
	TTL        time.Duration
	Secure     bool
	Domain     string
}

// Manager loads sessions from the request cookie and commits them back
type Manager struct {
	backend Backend
	opts    Options
	logger  schild.Logger
}

type Option func(*Manager)

func WithLogger(l schild.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithCookieName(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.opts.CookieName = name
		}
	}
}

func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.opts.TTL = ttl
		}
	}
}

func WithSecureCookie(secure bool) Option {
	return func(m *Manager) { m.opts.Secure = secure }
}

func WithCookieDomain(domain string) Option {
	return func(m *Manager) { m.opts.Domain = domain }
}

func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		opts: Options{
			CookieName: "schild_session",
			TTL:        2 * time.Hour,
		},
		logger: schild.NopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m *Manager) CookieName() string { return m.opts.CookieName }

// Load returns the session named by the request cookie, a new empty
// session when there is none or it expired
func (m *Manager) Load(ctx context.Context, req schild.Request) (*Session, error) {
	if id, ok := req.Cookie(m.opts.CookieName); ok && id != "" {
		data, err := m.backend.Load(ctx, id)
		if err != nil {
			return nil, err
		}
		if data != nil {
			return newSession(id, data, false), nil
		}
		m.logger.Debug("session expired or unknown", "cookie", m.opts.CookieName)
	}

	id, err := newID()
	if err != nil {
		return nil, err
	}
	return newSession(id, nil, true), nil
}

// Commit saves a changed session and refreshes the cookie when the id
// changed. Empty untouched sessions are never stored.
func (m *Manager) Commit(ctx context.Context, req schild.Request, s *Session) error {
	s.mu.Lock()
	id := s.id
	retired := s.retired
	data := maps.Clone(s.data)
	dirty := s.dirty
	fresh := s.fresh
	destroyed := s.destroyed
	s.retired = nil
	s.dirty = false
	s.fresh = false
	s.mu.Unlock()

	for _, old := range retired {
		if err := m.backend.Delete(ctx, old); err != nil {
			m.logger.Warn("failed to delete retired session", "error", err)
		}
	}

	if destroyed {
		if err := m.backend.Delete(ctx, id); err != nil {
			return err
		}
		req.SetCookie(m.cookie(id, -1))
		return nil
	}

	if !dirty {
		return nil
	}
	if fresh && len(data) == 0 {
		return nil
	}

	if err := m.backend.Save(ctx, id, data, m.opts.TTL); err != nil {
		return err
	}
	if fresh || len(retired) > 0 {
		req.SetCookie(m.cookie(id, int(m.opts.TTL.Seconds())))
	}
	return nil
}

func (m *Manager) cookie(id string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     m.opts.CookieName,
		Value:    id,
		Path:     "/",
		Domain:   m.opts.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   m.opts.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}
