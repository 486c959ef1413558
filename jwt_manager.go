package schild

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultKeyset is the keyset used when none is named
const DefaultKeyset = "default"

// JWTErrorKind classifies token parsing failures
type JWTErrorKind int

const (
	JWTInvalid JWTErrorKind = iota
	JWTExpired
	JWTNotYetValid
)

func (k JWTErrorKind) String() string {
	switch k {
	case JWTExpired:
		return "Expired JWT"
	case JWTNotYetValid:
		return "JWT is not valid yet"
	}
	return "Invalid JWT"
}

func (k JWTErrorKind) textCode() string {
	switch k {
	case JWTExpired:
		return TextCodeJWTExpired
	case JWTNotYetValid:
		return TextCodeJWTNotYetValid
	}
	return TextCodeJWTInvalid
}

// JWTError is returned by JWTAdapter.Decode. Compare with errors.Is
// against ErrJWTInvalid, ErrJWTExpired or ErrJWTNotYetValid.
type JWTError struct {
	Kind JWTErrorKind
	Err  error
}

var (
	ErrJWTInvalid     = &JWTError{Kind: JWTInvalid}
	ErrJWTExpired     = &JWTError{Kind: JWTExpired}
	ErrJWTNotYetValid = &JWTError{Kind: JWTNotYetValid}
)

func (e *JWTError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *JWTError) Unwrap() error { return e.Err }

func (e *JWTError) Is(target error) bool {
	t, ok := target.(*JWTError)
	return ok && t.Err == nil && t.Kind == e.Kind
}

// TextCode returns the text code matching the error kind
func (e *JWTError) TextCode() string { return e.Kind.textCode() }

// JWTAdapter encodes and decodes tokens for a named keyset
type JWTAdapter interface {
	Encode(claims map[string]any, keyset string, headers map[string]any) (string, error)
	Decode(token, keyset string) (map[string]any, error)
}

type jwtKey struct {
	kid    string
	alg    string
	method jwt.SigningMethod
	sign   any
	verify any
}

type golangJWTAdapter struct {
	keysets map[string][]jwtKey
	clock   Clock
}

// NewJWTAdapter builds the golang-jwt adapter for the configured keysets
func NewJWTAdapter(keysets map[string][]JWTKey, clock Clock) (JWTAdapter, error) {
	a := &golangJWTAdapter{
		keysets: make(map[string][]jwtKey, len(keysets)),
		clock:   defaultClock(clock),
	}
	for name, keys := range keysets {
		for i, k := range keys {
			parsed, err := parseJWTKey(k)
			if err != nil {
				return nil, withMetadata(ErrInvalidConfiguration, map[string]any{
					"keyset": name,
					"index":  i,
					"error":  err.Error(),
				})
			}
			a.keysets[name] = append(a.keysets[name], parsed)
		}
	}
	return a, nil
}

func parseJWTKey(k JWTKey) (jwtKey, error) {
	out := jwtKey{kid: k.Kid, alg: k.Alg}
	out.method = jwt.GetSigningMethod(k.Alg)
	if out.method == nil {
		return out, fmt.Errorf("unsupported algorithm %q", k.Alg)
	}

	var err error
	switch {
	case strings.HasPrefix(k.Alg, "HS"):
		if k.Secret == "" {
			return out, errors.New("hmac keys need a secret")
		}
		out.sign, out.verify = []byte(k.Secret), []byte(k.Secret)
	case strings.HasPrefix(k.Alg, "RS"), strings.HasPrefix(k.Alg, "PS"):
		if k.PrivateKey != "" {
			if out.sign, err = jwt.ParseRSAPrivateKeyFromPEM([]byte(k.PrivateKey)); err != nil {
				return out, err
			}
		}
		if out.verify, err = jwt.ParseRSAPublicKeyFromPEM([]byte(k.PublicKey)); err != nil {
			return out, err
		}
	case strings.HasPrefix(k.Alg, "ES"):
		if k.PrivateKey != "" {
			if out.sign, err = jwt.ParseECPrivateKeyFromPEM([]byte(k.PrivateKey)); err != nil {
				return out, err
			}
		}
		if out.verify, err = jwt.ParseECPublicKeyFromPEM([]byte(k.PublicKey)); err != nil {
			return out, err
		}
	case k.Alg == "EdDSA":
		if k.PrivateKey != "" {
			if out.sign, err = jwt.ParseEdPrivateKeyFromPEM([]byte(k.PrivateKey)); err != nil {
				return out, err
			}
		}
		if out.verify, err = jwt.ParseEdPublicKeyFromPEM([]byte(k.PublicKey)); err != nil {
			return out, err
		}
	default:
		return out, fmt.Errorf("unsupported algorithm %q", k.Alg)
	}
	return out, nil
}

func (a *golangJWTAdapter) keys(keyset string) ([]jwtKey, error) {
	keys := a.keysets[keyset]
	if len(keys) == 0 {
		return nil, withMetadata(ErrUnknownKeyset, map[string]any{"keyset": keyset})
	}
	return keys, nil
}

func (a *golangJWTAdapter) Encode(claims map[string]any, keyset string, headers map[string]any) (string, error) {
	keys, err := a.keys(keyset)
	if err != nil {
		return "", err
	}
	key := keys[0]
	if key.sign == nil {
		return "", withMetadata(ErrInvalidConfiguration, map[string]any{
			"keyset": keyset,
			"error":  "first key of the keyset has no private key",
		})
	}

	token := jwt.NewWithClaims(key.method, jwt.MapClaims(claims))
	for k, v := range headers {
		token.Header[k] = v
	}
	if key.kid != "" {
		token.Header["kid"] = key.kid
	}

	signed, err := token.SignedString(key.sign)
	if err != nil {
		return "", wrapInternal(err, "failed to sign JWT")
	}
	return signed, nil
}

func (a *golangJWTAdapter) Decode(encoded, keyset string) (map[string]any, error) {
	keys, err := a.keys(keyset)
	if err != nil {
		return nil, err
	}

	var kf jwt.Keyfunc
	algs := make([]string, 0, len(keys))
	if len(keys) == 1 {
		key := keys[0]
		algs = append(algs, key.alg)
		kf = func(t *jwt.Token) (any, error) {
			if t.Method.Alg() != key.alg {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return key.verify, nil
		}
	} else {
		given := make(map[string]keyfunc.GivenKey, len(keys))
		for _, key := range keys {
			algs = append(algs, key.alg)
			given[key.kid] = keyfunc.NewGivenCustom(key.verify, keyfunc.GivenKeyOptions{
				Algorithm: key.alg,
			})
		}
		kf = keyfunc.NewGiven(given).Keyfunc
	}

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(encoded, claims, kf,
		jwt.WithValidMethods(algs),
		jwt.WithTimeFunc(a.clock),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, classifyJWTError(err)
	}
	return claims, nil
}

func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &JWTError{Kind: JWTExpired, Err: err}
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return &JWTError{Kind: JWTNotYetValid, Err: err}
	}
	return &JWTError{Kind: JWTInvalid, Err: err}
}

// JWTManager issues and parses tokens
type JWTManager struct {
	adapter  JWTAdapter
	defaults map[string]any
	ttl      time.Duration
	clock    Clock
}

// IssueOption customizes a single Issue call
type IssueOption func(*issueOptions)

type issueOptions struct {
	ttl     time.Duration
	keyset  string
	headers map[string]any
}

// WithTTL overrides the configured time to live
func WithTTL(ttl time.Duration) IssueOption {
	return func(o *issueOptions) { o.ttl = ttl }
}

// WithKeyset signs with a named keyset
func WithKeyset(name string) IssueOption {
	return func(o *issueOptions) { o.keyset = name }
}

// WithHeaders adds JWT headers
func WithHeaders(headers map[string]any) IssueOption {
	return func(o *issueOptions) { o.headers = headers }
}

// NewJWTManager wires an adapter with the configured defaults
func NewJWTManager(cfg JWTConfig, adapter JWTAdapter, clock Clock) *JWTManager {
	return &JWTManager{
		adapter:  adapter,
		defaults: cfg.DefaultClaims,
		ttl:      cfg.TimeToLive,
		clock:    defaultClock(clock),
	}
}

// GenerateToken issues a token whose subject is the user id
func (m *JWTManager) GenerateToken(user *User, claims map[string]any, opts ...IssueOption) (string, error) {
	if user == nil || user.ID == uuid.Nil {
		return "", ErrIncompleteUser
	}
	payload := make(map[string]any, len(claims)+1)
	for k, v := range claims {
		payload[k] = v
	}
	payload["sub"] = user.ID.String()
	return m.Issue(payload, opts...)
}

// Issue merges claims over the default claims and signs them. iat and exp
// are filled when missing, WithTTL always recomputes exp.
func (m *JWTManager) Issue(claims map[string]any, opts ...IssueOption) (string, error) {
	o := issueOptions{keyset: DefaultKeyset}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	payload := make(map[string]any, len(m.defaults)+len(claims)+2)
	for k, v := range m.defaults {
		if s, ok := v.(string); ok && s == "" {
			continue
		}
		payload[k] = v
	}
	for k, v := range claims {
		payload[k] = v
	}

	if _, ok := claims["iat"]; !ok {
		payload["iat"] = m.clock().Unix()
	}
	iat, _ := toUnix(payload["iat"])

	if _, ok := claims["exp"]; !ok {
		payload["exp"] = iat + int64(m.ttl/time.Second)
	}
	if o.ttl > 0 {
		payload["exp"] = iat + int64(o.ttl/time.Second)
	}

	return m.adapter.Encode(payload, o.keyset, o.headers)
}

// Parse verifies the token against keyset and returns its claims
func (m *JWTManager) Parse(token string, keyset ...string) (map[string]any, error) {
	name := DefaultKeyset
	if len(keyset) > 0 && keyset[0] != "" {
		name = keyset[0]
	}
	return m.adapter.Decode(token, name)
}

func toUnix(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	case time.Time:
		return n.Unix(), true
	}
	return 0, false
}
