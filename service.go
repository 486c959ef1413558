package schild

import (
	"context"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Service holds the configuration, the stores and the shared components.
// It is safe for concurrent use, per request state lives in Auth.
type Service struct {
	cfg       Config
	stores    Stores
	passwords *Passwords
	groups    *Groups
	actions   map[string]Action
	factories map[string]AuthenticatorFactory
	sink      EventSink
	mailer    Mailer
	logger    Logger
	clock     Clock

	purgeChance func() bool
	personal    PersonalDataFunc
	httpClient  *http.Client
	pwdOpts     []PasswordsOption

	encrypter    *HmacEncrypter
	encrypterErr error
	jwtAdapter   JWTAdapter
	jwt          *JWTManager
	jwtErr       error
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the logger used by every component
func WithLogger(l Logger) Option {
	return func(s *Service) {
		s.logger = normalizeLogger(l)
	}
}

// WithClock injects the time source
func WithClock(c Clock) Option {
	return func(s *Service) {
		s.clock = defaultClock(c)
	}
}

// WithEventSink sets the sink receiving login, logout and related events
func WithEventSink(sink EventSink) Option {
	return func(s *Service) {
		s.sink = normalizeEventSink(sink)
	}
}

// WithMailer sets the mailer used by actions and magic links
func WithMailer(m Mailer) Option {
	return func(s *Service) {
		s.mailer = normalizeMailer(m)
	}
}

// WithAction registers an action under its type, replacing a default one
func WithAction(a Action) Option {
	return func(s *Service) {
		if a != nil {
			s.actions[a.Type()] = a
		}
	}
}

// WithAuthenticator registers a factory for alias
func WithAuthenticator(alias string, factory AuthenticatorFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.factories[alias] = factory
		}
	}
}

// WithPurgeChance controls when expired remember tokens are purged.
// The default purges on 20% of issuances.
func WithPurgeChance(fn func() bool) Option {
	return func(s *Service) {
		if fn != nil {
			s.purgeChance = fn
		}
	}
}

// WithPersonalData feeds extra personal values to the NothingPersonal validator
func WithPersonalData(fn PersonalDataFunc) Option {
	return func(s *Service) {
		s.personal = fn
	}
}

// WithHTTPClient sets the client used by the breached password lookup
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		s.httpClient = c
	}
}

// WithPasswordsOptions forwards options to the password service
func WithPasswordsOptions(opts ...PasswordsOption) Option {
	return func(s *Service) {
		s.pwdOpts = append(s.pwdOpts, opts...)
	}
}

// WithJWTAdapter replaces the golang-jwt adapter
func WithJWTAdapter(a JWTAdapter) Option {
	return func(s *Service) {
		s.jwtAdapter = a
	}
}

// New validates cfg and stores and builds the service
func New(cfg Config, stores Stores, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := stores.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		cfg:       cfg,
		stores:    stores,
		actions:   map[string]Action{},
		factories: defaultFactories(),
		sink:      noopEventSink{},
		mailer:    noopMailer{},
		logger:    defLogger{},
		clock:     time.Now,
		purgeChance: func() bool {
			return rand.IntN(100) < 20
		},
	}

	for _, a := range defaultActions(s) {
		s.actions[a.Type()] = a
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	for _, alias := range cfg.Authenticators {
		if _, ok := s.factories[alias]; !ok {
			return nil, withMetadata(ErrUnknownAuthenticator, map[string]any{"alias": alias})
		}
	}

	for _, event := range []string{EventRegister, EventLogin} {
		typ := cfg.Actions.forEvent(event)
		if typ == "" {
			continue
		}
		if _, ok := s.actions[typ]; !ok {
			return nil, withMetadata(ErrInvalidConfiguration, map[string]any{
				"event":  event,
				"action": typ,
				"error":  "action is not registered",
			})
		}
	}

	s.passwords = newPasswords(cfg.Passwords, passwordBuild{
		personal: s.personal,
		client:   s.httpClient,
	}, append([]PasswordsOption{WithPasswordsLogger(s.logger)}, s.pwdOpts...)...)

	s.groups = NewGroups(cfg.Groups)

	s.encrypter, s.encrypterErr = NewHmacEncrypter(cfg.HMAC)
	if s.encrypterErr != nil && len(cfg.HMAC.EncryptionKeys) > 0 {
		return nil, s.encrypterErr
	}

	if s.jwtAdapter == nil {
		s.jwtAdapter, s.jwtErr = NewJWTAdapter(cfg.JWT.Keysets, s.clock)
		if s.jwtErr != nil {
			return nil, s.jwtErr
		}
	}
	s.jwt = NewJWTManager(cfg.JWT, s.jwtAdapter, s.clock)

	return s, nil
}

// Config returns the configuration the service was built with
func (s *Service) Config() Config { return s.cfg }

// Passwords returns the password service
func (s *Service) Passwords() *Passwords { return s.passwords }

// Groups returns the authorization configuration
func (s *Service) Groups() *Groups { return s.groups }

// JWT returns the token manager
func (s *Service) JWT() *JWTManager { return s.jwt }

// Encrypter returns the HMAC secret encrypter. It fails when no
// encryption keys are configured.
func (s *Service) Encrypter() (*HmacEncrypter, error) {
	if s.encrypterErr != nil {
		return nil, s.encrypterErr
	}
	return s.encrypter, nil
}

// Logger returns the configured logger
func (s *Service) Logger() Logger { return s.logger }

// Action returns the action registered for typ
func (s *Service) Action(typ string) (Action, bool) {
	a, ok := s.actions[typ]
	return a, ok
}

// Bind attaches the permission evaluator and the token manager to user
func (s *Service) Bind(user *User) *User {
	if user == nil {
		return nil
	}
	if user.permissions == nil {
		user.permissions = newPermissions(s, user)
	}
	if user.tokens == nil {
		user.tokens = newTokenManager(s, user)
	}
	return user
}

// FindUser loads a user by id and binds it
func (s *Service) FindUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return findUser(ctx, s, id)
}

// FindUserBy loads a user by email, username or another whitelisted
// column and binds it
func (s *Service) FindUserBy(ctx context.Context, credentials map[string]string) (*User, error) {
	user, err := s.stores.Users.FindByCredentials(ctx, credentials)
	if err != nil {
		return nil, err
	}
	return s.Bind(user), nil
}

func (s *Service) emitter(alias string) emitter {
	return emitter{sink: s.sink, logger: s.logger, clock: s.clock, alias: alias}
}

// actionTypes lists the configured action types, register first
func (s *Service) actionTypes() []string {
	types := make([]string, 0, 2)
	for _, event := range []string{EventRegister, EventLogin} {
		if typ := s.cfg.Actions.forEvent(event); typ != "" {
			types = append(types, typ)
		}
	}
	return types
}

// Auth returns the request scoped facade. req and sess may be nil for
// stateless use, the session authenticator then keeps state in memory.
func (s *Service) Auth(req Request, sess SessionStore) *Auth {
	if sess == nil {
		sess = newScratchSession()
	}
	return &Auth{
		svc:       s,
		req:       normalizeRequest(req),
		sess:      sess,
		alias:     s.cfg.DefaultAuthenticator,
		instances: map[string]Authenticator{},
	}
}

// Auth resolves authenticators by alias for a single request
type Auth struct {
	svc       *Service
	req       Request
	sess      SessionStore
	alias     string
	instances map[string]Authenticator
}

// Service returns the owning service
func (a *Auth) Service() *Service { return a.svc }

// Request returns the request the facade reads from
func (a *Auth) Request() Request { return a.req }

// SessionStore returns the request session
func (a *Auth) SessionStore() SessionStore { return a.sess }

// Alias returns the default alias of this facade
func (a *Auth) Alias() string { return a.alias }

// SetDefault changes the alias used by the forwarding methods
func (a *Auth) SetDefault(alias string) error {
	if _, err := a.Authenticator(alias); err != nil {
		return err
	}
	a.alias = alias
	return nil
}

// Authenticator returns the instance for alias, created on first use.
// An empty alias selects the default.
func (a *Auth) Authenticator(alias string) (Authenticator, error) {
	if alias == "" {
		alias = a.alias
	}
	if inst, ok := a.instances[alias]; ok {
		return inst, nil
	}

	enabled := false
	for _, name := range a.svc.cfg.Authenticators {
		if name == alias {
			enabled = true
			break
		}
	}
	factory, ok := a.svc.factories[alias]
	if !enabled || !ok {
		return nil, withMetadata(ErrUnknownAuthenticator, map[string]any{"alias": alias})
	}

	inst := factory(a)
	a.instances[alias] = inst
	return inst, nil
}

// Session returns the session authenticator
func (a *Auth) Session() (*SessionAuthenticator, error) {
	return typed[*SessionAuthenticator](a, AliasSession)
}

// Tokens returns the access token authenticator
func (a *Auth) Tokens() (*AccessTokenAuthenticator, error) {
	return typed[*AccessTokenAuthenticator](a, AliasTokens)
}

// Hmac returns the HMAC authenticator
func (a *Auth) Hmac() (*HmacAuthenticator, error) {
	return typed[*HmacAuthenticator](a, AliasHMAC)
}

// JWT returns the JWT authenticator
func (a *Auth) JWT() (*JWTAuthenticator, error) {
	return typed[*JWTAuthenticator](a, AliasJWT)
}

func typed[T Authenticator](a *Auth, alias string) (T, error) {
	var zero T
	inst, err := a.Authenticator(alias)
	if err != nil {
		return zero, err
	}
	t, ok := inst.(T)
	if !ok {
		return zero, withMetadata(ErrUnknownAuthenticator, map[string]any{
			"alias":  alias,
			"reason": "registered authenticator has another type",
		})
	}
	return t, nil
}

func (a *Auth) current() (Authenticator, error) {
	return a.Authenticator(a.alias)
}

func (a *Auth) Attempt(ctx context.Context, credentials map[string]string) (Result, error) {
	inst, err := a.current()
	if err != nil {
		return Result{}, err
	}
	return inst.Attempt(ctx, credentials)
}

func (a *Auth) Check(ctx context.Context, credentials map[string]string) (Result, error) {
	inst, err := a.current()
	if err != nil {
		return Result{}, err
	}
	return inst.Check(ctx, credentials)
}

func (a *Auth) LoggedIn(ctx context.Context) (bool, error) {
	inst, err := a.current()
	if err != nil {
		return false, err
	}
	return inst.LoggedIn(ctx)
}

func (a *Auth) Login(ctx context.Context, user *User) error {
	inst, err := a.current()
	if err != nil {
		return err
	}
	return inst.Login(ctx, user)
}

func (a *Auth) LoginByID(ctx context.Context, id uuid.UUID) error {
	inst, err := a.current()
	if err != nil {
		return err
	}
	return inst.LoginByID(ctx, id)
}

func (a *Auth) Logout(ctx context.Context) error {
	inst, err := a.current()
	if err != nil {
		return err
	}
	return inst.Logout(ctx)
}

// User returns the logged in user of the default authenticator
func (a *Auth) User(ctx context.Context) (*User, error) {
	inst, err := a.current()
	if err != nil {
		return nil, err
	}
	return inst.GetUser(ctx)
}

// ID returns the id of the logged in user, uuid.Nil when anonymous
func (a *Auth) ID(ctx context.Context) (uuid.UUID, error) {
	user, err := a.User(ctx)
	if err != nil || user == nil {
		return uuid.Nil, err
	}
	return user.ID, nil
}

func (a *Auth) RecordActiveDate(ctx context.Context) error {
	inst, err := a.current()
	if err != nil {
		return err
	}
	return inst.RecordActiveDate(ctx)
}

// ChainLoggedIn walks the authentication chain and makes the first alias
// with a logged in user the default. It returns that alias, or "" when
// nobody is logged in.
func (a *Auth) ChainLoggedIn(ctx context.Context) (string, error) {
	for _, alias := range a.svc.cfg.AuthenticationChain {
		inst, err := a.Authenticator(alias)
		if err != nil {
			return "", err
		}
		ok, err := inst.LoggedIn(ctx)
		if err != nil {
			return "", err
		}
		if ok {
			a.alias = alias
			return alias, nil
		}
	}
	return "", nil
}
