package schild_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	schild "github.com/goliatone/go-schild"
	"github.com/goliatone/go-schild/repository"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

const testPassword = "correct horse battery staple"

// fakeRequest records the cookies written by the authenticators
type fakeRequest struct {
	headers map[string]string
	cookies map[string]string
	body    []byte
	set     []*http.Cookie
}

func newFakeRequest() *fakeRequest {
	return &fakeRequest{headers: map[string]string{}, cookies: map[string]string{}}
}

func (r *fakeRequest) Header(name string) string { return r.headers[name] }

func (r *fakeRequest) Cookie(name string) (string, bool) {
	v, ok := r.cookies[name]
	return v, ok
}

func (r *fakeRequest) Body() []byte      { return r.body }
func (r *fakeRequest) IP() string        { return "203.0.113.5" }
func (r *fakeRequest) UserAgent() string { return "schild-test" }

func (r *fakeRequest) SetCookie(c *http.Cookie) { r.set = append(r.set, c) }

func (r *fakeRequest) lastCookie(name string) *http.Cookie {
	for i := len(r.set) - 1; i >= 0; i-- {
		if r.set[i].Name == name {
			return r.set[i]
		}
	}
	return nil
}

// memSession is a session shared between requests of the same browser
type memSession struct {
	id          string
	data        map[string]string
	regenerated int
}

func newMemSession() *memSession {
	return &memSession{id: "s0", data: map[string]string{}}
}

func (s *memSession) ID() string { return s.id }

func (s *memSession) Get(key string) (string, bool) {
	v, ok := s.data[key]
	return v, ok
}

func (s *memSession) Set(key, value string) { s.data[key] = value }

func (s *memSession) Remove(keys ...string) {
	for _, k := range keys {
		delete(s.data, k)
	}
}

func (s *memSession) Clear() { s.data = map[string]string{} }

func (s *memSession) Regenerate(context.Context) error {
	s.regenerated++
	s.id = fmt.Sprintf("s%d", s.regenerated)
	return nil
}

type mockMailer struct {
	mock.Mock
}

func (m *mockMailer) Send(ctx context.Context, msg schild.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *mockMailer) lastMessage(t *testing.T) schild.Message {
	t.Helper()
	require.NotEmpty(t, m.Calls)
	return m.Calls[len(m.Calls)-1].Arguments.Get(1).(schild.Message)
}

type recordingSink struct {
	mu     sync.Mutex
	events []schild.Event
}

func (r *recordingSink) Record(_ context.Context, e schild.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Name)
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	db    *bun.DB
	svc   *schild.Service
	repo  *repository.Manager
	cfg   schild.Config
	clock *testClock
	sink  *recordingSink
}

func encryptionKey(b byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, 32))
}

func testConfig() schild.Config {
	cfg := schild.DefaultConfig()
	cfg.Passwords.HashCost = 4
	cfg.HMAC.EncryptionKeys = map[string]string{"k1": encryptionKey(1)}
	cfg.JWT.Keysets = map[string][]schild.JWTKey{
		schild.DefaultKeyset: {{Kid: "main", Alg: "HS256", Secret: "a-long-enough-signing-secret"}},
	}
	return cfg
}

func newEnv(t *testing.T, cfg schild.Config, opts ...schild.Option) *env {
	t.Helper()
	ctx := context.Background()

	db, err := repository.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = repository.Migrate(ctx, db)
	require.NoError(t, err)

	return attachEnv(t, db, cfg, opts...)
}

// attachEnv builds a service over db, so tests can run a second service
// with a different config against the same tables
func attachEnv(t *testing.T, db *bun.DB, cfg schild.Config, opts ...schild.Option) *env {
	t.Helper()

	e := &env{
		db:    db,
		repo:  repository.NewManager(db, cfg.Tables),
		cfg:   cfg,
		clock: &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		sink:  &recordingSink{},
	}

	base := []schild.Option{
		schild.WithLogger(schild.NopLogger()),
		schild.WithClock(e.clock.Now),
		schild.WithEventSink(e.sink),
		schild.WithPurgeChance(func() bool { return false }),
	}

	svc, err := schild.New(cfg, e.repo.Stores(), append(base, opts...)...)
	require.NoError(t, err)
	e.svc = svc
	return e
}

// createUser stores an active user with the default group
func (e *env) createUser(t *testing.T, username, email string) *schild.User {
	t.Helper()
	ctx := context.Background()

	res, err := e.svc.Registrar().Create(ctx, schild.Registration{
		Username:        username,
		Email:           email,
		Password:        testPassword,
		PasswordConfirm: testPassword,
	})
	require.NoError(t, err)
	require.True(t, res.Success, res.Reason)

	user := res.User()
	require.NoError(t, user.Activate(ctx))
	return user
}

// sessionAuth returns a session authenticator for one request
func (e *env) sessionAuth(t *testing.T, req schild.Request, sess schild.SessionStore) *schild.SessionAuthenticator {
	t.Helper()
	sa, err := e.svc.Auth(req, sess).Session()
	require.NoError(t, err)
	return sa
}

// countRows counts the rows of table, filtered by where when given
func countRows(t *testing.T, db *bun.DB, table string, where ...any) int {
	t.Helper()
	q := db.NewSelect().Table(table)
	if len(where) > 0 {
		q.Where(where[0].(string), where[1:]...)
	}
	n, err := q.Count(context.Background())
	require.NoError(t, err)
	return n
}

func credentials(email string) map[string]string {
	return map[string]string{"email": email, "password": testPassword}
}

var (
	mockAnyContext = mock.Anything
	mockAnyMessage = mock.AnythingOfType("schild.Message")
)
