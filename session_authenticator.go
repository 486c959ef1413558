package schild

import (
	"context"
	"crypto/subtle"
	"sync"

	"github.com/google/uuid"
)

// Session keys, prefixed with the configured session field
const (
	sessionKeyID            = "id"
	sessionKeyAction        = "auth_action"
	sessionKeyActionMessage = "auth_action_message"
)

// SessionAuthenticator logs users in with email or username and password
// and keeps the login in the session. Instances are request scoped.
type SessionAuthenticator struct {
	svc      *Service
	req      Request
	sess     SessionStore
	events   emitter
	attempts attemptRecorder

	user     *User
	state    userState
	remember bool
}

func newSessionAuthenticator(svc *Service, req Request, sess SessionStore) *SessionAuthenticator {
	return &SessionAuthenticator{
		svc:    svc,
		req:    normalizeRequest(req),
		sess:   sess,
		events: svc.emitter(AliasSession),
		attempts: attemptRecorder{
			store:  svc.stores.Logins,
			level:  RecordAll,
			req:    normalizeRequest(req),
			clock:  svc.clock,
			logger: svc.logger,
		},
	}
}

// Remember asks the next successful login to issue a remember me token
func (s *SessionAuthenticator) Remember(remember bool) *SessionAuthenticator {
	s.remember = remember
	return s
}

// Attempt checks credentials and logs the user in. Failures are recorded,
// banned users never get a session.
func (s *SessionAuthenticator) Attempt(ctx context.Context, credentials map[string]string) (Result, error) {
	res, err := s.Check(ctx, credentials)
	if err != nil {
		return Result{}, err
	}

	if !res.Success {
		idType, identifier, err := credentialIdentifier(s.svc.cfg.ValidFields, credentials)
		if err != nil {
			return Result{}, err
		}
		s.attempts.record(ctx, idType, identifier, false, uuid.Nil)
		s.user = nil
		s.events.emit(ctx, EventFailedLogin, nil, withoutPassword(credentials))
		return res, nil
	}

	user := res.User()
	if user.IsBanned() {
		s.user = nil
		return failure(user.BanMessage()), nil
	}

	s.user = user

	if identity, err := s.svc.stores.Identities.GetIdentityByType(ctx, user.ID, IdentityEmailPassword); err == nil {
		if err := s.svc.stores.Identities.TouchIdentity(ctx, identity, s.svc.clock()); err != nil {
			s.svc.logger.Warn("failed to touch password identity", "user", user.ID, "error", err)
		}
	} else if !IsNotFound(err) {
		return Result{}, wrapInternal(err, "load password identity")
	}

	if _, err := s.setAuthAction(ctx); err != nil {
		return Result{}, err
	}

	if _, err := s.StartUpAction(ctx, EventLogin, user); err != nil {
		return Result{}, err
	}

	if err := s.StartLogin(ctx, user); err != nil {
		return Result{}, err
	}

	idType, identifier, err := credentialIdentifier(s.svc.cfg.ValidFields, credentials)
	if err != nil {
		return Result{}, err
	}
	s.attempts.record(ctx, idType, identifier, true, user.ID)

	if err := s.issueRememberMeToken(ctx); err != nil {
		return Result{}, err
	}

	pending, err := s.HasAction(ctx, uuid.Nil)
	if err != nil {
		return Result{}, err
	}
	if !pending {
		s.CompleteLogin(ctx, user)
	}

	return res, nil
}

// Check verifies credentials without touching the session. Every failure
// carries badAttempt so callers cannot tell unknown users apart.
func (s *SessionAuthenticator) Check(ctx context.Context, credentials map[string]string) (Result, error) {
	password := credentials["password"]
	if password == "" || len(credentials) < 2 {
		return failure(ReasonBadAttempt), nil
	}

	lookup := withoutPassword(credentials)
	user, err := s.svc.stores.Users.FindByCredentials(ctx, lookup)
	if err != nil {
		if IsNotFound(err) {
			return failure(ReasonBadAttempt), nil
		}
		return Result{}, wrapInternal(err, "find user by credentials")
	}

	passwords := s.svc.passwords
	if !passwords.Verify(password, user.PasswordHash) {
		return failure(ReasonBadAttempt), nil
	}

	if passwords.NeedsRehash(user.PasswordHash) {
		s.rehash(ctx, user, password)
	}

	s.svc.Bind(user)
	return success(user), nil
}

func (s *SessionAuthenticator) rehash(ctx context.Context, user *User, password string) {
	hash, err := s.svc.passwords.Hash(password)
	if err != nil {
		s.svc.logger.Error("failed to rehash password", "user", user.ID, "error", err)
		return
	}

	identity, err := s.svc.stores.Identities.GetIdentityByType(ctx, user.ID, IdentityEmailPassword)
	if err != nil {
		s.svc.logger.Error("failed to load password identity", "user", user.ID, "error", err)
		return
	}

	now := s.svc.clock()
	identity.Secret2 = hash
	identity.UpdatedAt = &now
	if err := s.svc.stores.Identities.Update(ctx, identity); err != nil {
		s.svc.logger.Error("failed to store rehashed password", "user", user.ID, "error", err)
		return
	}
	user.PasswordHash = hash
}

// LoggedIn reports whether the session holds a user with no pending action
func (s *SessionAuthenticator) LoggedIn(ctx context.Context) (bool, error) {
	if err := s.checkUserState(ctx); err != nil {
		return false, err
	}
	return s.state == stateLoggedIn, nil
}

// IsPending reports whether the user must complete an action first
func (s *SessionAuthenticator) IsPending(ctx context.Context) (bool, error) {
	if err := s.checkUserState(ctx); err != nil {
		return false, err
	}
	return s.state == statePending, nil
}

// IsAnonymous reports whether nobody is logged in
func (s *SessionAuthenticator) IsAnonymous(ctx context.Context) (bool, error) {
	if err := s.checkUserState(ctx); err != nil {
		return false, err
	}
	return s.state == stateAnonymous, nil
}

// PendingMessage returns the message stored with the pending action
func (s *SessionAuthenticator) PendingMessage(ctx context.Context) (string, error) {
	if err := s.checkUserState(ctx); err != nil {
		return "", err
	}
	msg, _ := s.getKey(sessionKeyActionMessage)
	return msg, nil
}

// GetUser returns the logged in user, nil when anonymous or pending
func (s *SessionAuthenticator) GetUser(ctx context.Context) (*User, error) {
	if err := s.checkUserState(ctx); err != nil {
		return nil, err
	}
	if s.state == stateLoggedIn {
		return s.user, nil
	}
	return nil, nil
}

// PendingUser returns the user waiting on an action
func (s *SessionAuthenticator) PendingUser(ctx context.Context) (*User, error) {
	if err := s.checkUserState(ctx); err != nil {
		return nil, err
	}
	if s.state == statePending {
		return s.user, nil
	}
	return nil, nil
}

func (s *SessionAuthenticator) checkUserState(ctx context.Context) error {
	if s.state != stateUnknown {
		return nil
	}

	if raw, ok := s.getKey(sessionKeyID); ok {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.state = stateAnonymous
			s.removeUserInfo()
			return nil
		}

		user, err := findUser(ctx, s.svc, id)
		if err != nil {
			if !IsNotFound(err) {
				return wrapInternal(err, "load session user")
			}
			s.state = stateAnonymous
			s.removeUserInfo()
			return nil
		}
		s.user = user

		if _, ok := s.getKey(sessionKeyAction); ok {
			s.state = statePending
			return nil
		}

		s.state = stateLoggedIn
		return nil
	}

	if s.svc.cfg.remembering() {
		ok, err := s.checkRememberMe(ctx)
		if err != nil {
			return err
		}
		if ok {
			_, err = s.setAuthAction(ctx)
		}
		return err
	}

	s.state = stateAnonymous
	return nil
}

// HasAction reports whether a login action is pending. A non nil userID
// first looks the user up and starts a pending login when it owns action
// identities.
func (s *SessionAuthenticator) HasAction(ctx context.Context, userID uuid.UUID) (bool, error) {
	if userID != uuid.Nil {
		user, err := findUser(ctx, s.svc, userID)
		if err != nil && !IsNotFound(err) {
			return false, wrapInternal(err, "load user")
		}
		if user != nil {
			identities, err := s.actionIdentities(ctx, user)
			if err != nil {
				return false, err
			}
			if len(identities) > 0 {
				s.user = user
				s.setKey(sessionKeyID, user.ID.String())
				if _, err := s.setAuthAction(ctx); err != nil {
					return false, err
				}
				return true, nil
			}
		}
	}

	if _, ok := s.getKey(sessionKeyAction); ok {
		return true, nil
	}

	return s.setAuthAction(ctx)
}

// setAuthAction loads the first pending action identity of the current
// user into the session
func (s *SessionAuthenticator) setAuthAction(ctx context.Context) (bool, error) {
	if s.user == nil {
		return false, nil
	}

	for _, typ := range s.svc.actionTypes() {
		identity, err := s.svc.stores.Identities.GetIdentityByType(ctx, s.user.ID, typ)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return false, wrapInternal(err, "load action identity")
		}

		s.state = statePending
		s.setKey(sessionKeyAction, typ)
		s.setKey(sessionKeyActionMessage, identity.Extra)
		return true, nil
	}

	return false, nil
}

func (s *SessionAuthenticator) actionIdentities(ctx context.Context, user *User) ([]*UserIdentity, error) {
	types := s.svc.actionTypes()
	if len(types) == 0 {
		return nil, nil
	}
	identities, err := s.svc.stores.Identities.GetIdentitiesByTypes(ctx, user.ID, types)
	if err != nil && !IsNotFound(err) {
		return nil, wrapInternal(err, "load action identities")
	}
	return identities, nil
}

// StartUpAction creates the identity of the action configured for event
// and marks the login pending. It reports false when no action is set.
func (s *SessionAuthenticator) StartUpAction(ctx context.Context, event string, user *User) (bool, error) {
	typ := s.svc.cfg.Actions.forEvent(event)
	if typ == "" {
		return false, nil
	}

	action, ok := s.svc.Action(typ)
	if !ok {
		return false, withMetadata(ErrActionNotSupported, map[string]any{"action": typ})
	}

	if _, err := action.CreateIdentity(ctx, user); err != nil {
		return false, err
	}

	if s.user == nil {
		s.user = user
	}
	if _, err := s.setAuthAction(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// GetAction returns the action pending in the session
func (s *SessionAuthenticator) GetAction() (Action, bool) {
	typ, ok := s.getKey(sessionKeyAction)
	if !ok {
		return nil, false
	}
	return s.svc.Action(typ)
}

// CheckAction completes a pending action when token matches the identity
// secret. The action identities are removed and the login completes.
func (s *SessionAuthenticator) CheckAction(ctx context.Context, identity *UserIdentity, token string) (bool, error) {
	if err := s.checkUserState(ctx); err != nil {
		return false, err
	}
	if s.user == nil || (s.state != stateLoggedIn && s.state != statePending) {
		return false, ErrNoCurrentUser
	}
	user := s.user

	if identity == nil || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(identity.Secret)) != 1 {
		return false, nil
	}

	if err := s.svc.stores.Identities.DeleteIdentitiesByType(ctx, user.ID, identity.Type); err != nil {
		return false, wrapInternal(err, "delete action identities")
	}

	s.removeKeys(sessionKeyAction, sessionKeyActionMessage)
	s.CompleteLogin(ctx, user)
	return true, nil
}

// CompleteLogin marks the user logged in and emits the login event
func (s *SessionAuthenticator) CompleteLogin(ctx context.Context, user *User) {
	s.user = user
	s.state = stateLoggedIn
	s.events.emit(ctx, EventLogin, user, nil)
}

// StartLogin stores the user id in a regenerated session. It fails when
// the session already holds a user.
func (s *SessionAuthenticator) StartLogin(ctx context.Context, user *User) error {
	if user == nil || user.ID == uuid.Nil {
		return ErrIncompleteUser
	}
	if current, ok := s.getKey(sessionKeyID); ok {
		return withMetadata(ErrAlreadyLoggedIn, map[string]any{"user_id": current})
	}

	s.user = user
	if err := s.sess.Regenerate(ctx); err != nil {
		return wrapInternal(err, "regenerate session")
	}
	s.setKey(sessionKeyID, user.ID.String())
	return nil
}

// Login logs user in directly. Users with pending actions must go
// through StartLogin.
func (s *SessionAuthenticator) Login(ctx context.Context, user *User) error {
	if user == nil || user.ID == uuid.Nil {
		return ErrIncompleteUser
	}
	s.svc.Bind(user)
	s.user = user

	identities, err := s.actionIdentities(ctx, user)
	if err != nil {
		return err
	}
	if len(identities) > 0 {
		return withMetadata(ErrUserHasPendingAction, map[string]any{"user_id": user.ID.String()})
	}
	if _, ok := s.getKey(sessionKeyAction); ok {
		return withMetadata(ErrUserHasPendingAction, map[string]any{"user_id": user.ID.String()})
	}

	if err := s.StartLogin(ctx, user); err != nil {
		return err
	}
	if err := s.issueRememberMeToken(ctx); err != nil {
		return err
	}
	s.CompleteLogin(ctx, user)
	return nil
}

// LoginByID loads the user and logs it in
func (s *SessionAuthenticator) LoginByID(ctx context.Context, id uuid.UUID) error {
	user, err := findUser(ctx, s.svc, id)
	if err != nil {
		if IsNotFound(err) {
			return withMetadata(ErrUserNotFound, map[string]any{"user_id": id.String()})
		}
		return wrapInternal(err, "load user")
	}
	return s.Login(ctx, user)
}

// Logout clears the session, purges remember tokens and emits logout
func (s *SessionAuthenticator) Logout(ctx context.Context) error {
	if err := s.checkUserState(ctx); err != nil {
		return err
	}
	if s.user == nil {
		return nil
	}

	s.sess.Clear()
	if err := s.sess.Regenerate(ctx); err != nil {
		return wrapInternal(err, "regenerate session")
	}

	if err := s.svc.stores.Remember.PurgeRememberTokens(ctx, s.user.ID); err != nil {
		return wrapInternal(err, "purge remember tokens")
	}
	if _, ok := s.req.Cookie(s.svc.cfg.Session.RememberCookieName); ok {
		s.removeRememberCookie()
	}

	s.events.emit(ctx, EventLogout, s.user, nil)

	s.user = nil
	s.state = stateAnonymous
	return nil
}

// Forget purges the remember tokens of user, the current one when nil
func (s *SessionAuthenticator) Forget(ctx context.Context, user *User) error {
	if user == nil {
		user = s.user
	}
	if user == nil {
		return nil
	}
	if err := s.svc.stores.Remember.PurgeRememberTokens(ctx, user.ID); err != nil {
		return wrapInternal(err, "purge remember tokens")
	}
	return nil
}

func (s *SessionAuthenticator) RecordActiveDate(ctx context.Context) error {
	user, err := s.GetUser(ctx)
	if err != nil {
		return err
	}
	return recordActiveDate(ctx, s.svc, user)
}

func (s *SessionAuthenticator) key(name string) string {
	return s.svc.cfg.Session.Field + "." + name
}

func (s *SessionAuthenticator) getKey(name string) (string, bool) {
	v, ok := s.sess.Get(s.key(name))
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (s *SessionAuthenticator) setKey(name, value string) {
	s.sess.Set(s.key(name), value)
}

func (s *SessionAuthenticator) removeKeys(names ...string) {
	keys := make([]string, 0, len(names))
	for _, n := range names {
		keys = append(keys, s.key(n))
	}
	s.sess.Remove(keys...)
}

func (s *SessionAuthenticator) removeUserInfo() {
	s.removeKeys(sessionKeyID, sessionKeyAction, sessionKeyActionMessage)
}

// scratchSession keeps session data in memory for callers without a
// session store
type scratchSession struct {
	mu   sync.Mutex
	id   string
	data map[string]string
}

func newScratchSession() *scratchSession {
	return &scratchSession{id: uuid.NewString(), data: map[string]string{}}
}

func (s *scratchSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *scratchSession) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

func (s *scratchSession) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
}

func (s *scratchSession) Remove(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.data, k)
	}
}

func (s *scratchSession) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = map[string]string{}
}

func (s *scratchSession) Regenerate(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = uuid.NewString()
	return nil
}
