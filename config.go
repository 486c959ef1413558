package schild

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Authenticator aliases shipped with the package
const (
	AliasSession = "session"
	AliasTokens  = "tokens"
	AliasHMAC    = "hmac"
	AliasJWT     = "jwt"
)

// RecordLevel controls which login attempts are persisted
type RecordLevel string

const (
	RecordNone     RecordLevel = "none"
	RecordFailures RecordLevel = "failures"
	RecordAll      RecordLevel = "all"
)

func (l RecordLevel) recordsFailures() bool {
	return l == RecordFailures || l == RecordAll
}

func (l RecordLevel) recordsSuccess() bool {
	return l == RecordAll
}

// Hash algorithms understood by the password service
const (
	HashBcrypt   = "bcrypt"
	HashArgon2id = "argon2id"
)

// Password validator names
const (
	ValidatorComposition     = "composition"
	ValidatorNothingPersonal = "nothing_personal"
	ValidatorDictionary      = "dictionary"
	ValidatorPwned           = "pwned"
)

// Config holds every tunable of the package. Build it with DefaultConfig
// or LoadConfig, it is treated as immutable once handed to New.
type Config struct {
	DefaultAuthenticator string            `yaml:"default_authenticator"`
	Authenticators       []string          `yaml:"authenticators"`
	AuthenticationChain  []string          `yaml:"authentication_chain"`
	ValidFields          []string          `yaml:"valid_fields"`
	RecordActiveDate     bool              `yaml:"record_active_date"`
	AllowRegistration    bool              `yaml:"allow_registration"`
	AllowMagicLinkLogins bool              `yaml:"allow_magic_link_logins"`
	MagicLinkLifetime    time.Duration     `yaml:"magic_link_lifetime"`
	UnusedTokenLifetime  time.Duration     `yaml:"unused_token_lifetime"`
	RecordLoginAttempt   RecordLevel       `yaml:"record_login_attempt"`
	AuthenticatorHeader  map[string]string `yaml:"authenticator_header"`

	Session   SessionConfig   `yaml:"session"`
	Passwords PasswordConfig  `yaml:"passwords"`
	Actions   ActionsConfig   `yaml:"actions"`
	HMAC      HMACConfig      `yaml:"hmac"`
	JWT       JWTConfig       `yaml:"jwt"`
	Groups    GroupsConfig    `yaml:"groups"`
	Tables    TablesConfig    `yaml:"tables"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type SessionConfig struct {
	Field              string        `yaml:"field"`
	AllowRemembering   bool          `yaml:"allow_remembering"`
	RememberCookieName string        `yaml:"remember_cookie_name"`
	RememberLength     time.Duration `yaml:"remember_length"`
	SecureCookie       bool          `yaml:"secure_cookie"`
}

type PasswordConfig struct {
	MinimumLength  int           `yaml:"minimum_password_length"`
	Validators     []string      `yaml:"validators"`
	PersonalFields []string      `yaml:"personal_fields"`
	MaxSimilarity  int           `yaml:"max_similarity"`
	HashAlgorithm  string        `yaml:"hash_algorithm"`
	HashCost       int           `yaml:"hash_cost"`
	HashMemoryCost uint32        `yaml:"hash_memory_cost"`
	HashTimeCost   uint32        `yaml:"hash_time_cost"`
	HashThreads    uint8         `yaml:"hash_threads"`
	DictionaryPath string        `yaml:"dictionary_path"`
	PwnedEndpoint  string        `yaml:"pwned_endpoint"`
	PwnedTimeout   time.Duration `yaml:"pwned_timeout"`
}

// ActionsConfig maps an auth event to the action type that runs after it.
// An empty value disables the action for that event.
type ActionsConfig struct {
	Login    string `yaml:"login"`
	Register string `yaml:"register"`
}

func (a ActionsConfig) forEvent(event string) string {
	switch event {
	case EventLogin:
		return a.Login
	case EventRegister:
		return a.Register
	}
	return ""
}

type HMACConfig struct {
	SecretKeyByteSize   int               `yaml:"secret_key_byte_size"`
	EncryptionKeys      map[string]string `yaml:"encryption_keys"`
	CurrentKey          string            `yaml:"encryption_current_key"`
	Secret2StorageLimit int               `yaml:"secret2_storage_limit"`
}

// JWTKey is one signing key of a keyset. HMAC algorithms use Secret,
// RSA and ECDSA algorithms use the PEM encoded key pair.
type JWTKey struct {
	Kid        string `yaml:"kid"`
	Alg        string `yaml:"alg"`
	Secret     string `yaml:"secret"`
	PrivateKey string `yaml:"private_key"`
	PublicKey  string `yaml:"public_key"`
}

type JWTConfig struct {
	Keysets            map[string][]JWTKey `yaml:"keysets"`
	DefaultClaims      map[string]any      `yaml:"default_claims"`
	TimeToLive         time.Duration       `yaml:"time_to_live"`
	RecordLoginAttempt RecordLevel         `yaml:"record_login_attempt"`
}

type GroupInfo struct {
	Title       string `yaml:"title"`
	Description string `yaml:"description"`
}

type GroupsConfig struct {
	DefaultGroup string               `yaml:"default_group"`
	Groups       map[string]GroupInfo `yaml:"groups"`
	Permissions  map[string]string    `yaml:"permissions"`
	Matrix       map[string][]string  `yaml:"matrix"`
}

// TablesConfig names the login attempt tables. The remaining tables are
// fixed by the models.
type TablesConfig struct {
	Logins      string `yaml:"logins"`
	TokenLogins string `yaml:"token_logins"`
}

type RateLimitConfig struct {
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
}

// DefaultConfig returns the configuration used when nothing is overridden
func DefaultConfig() Config {
	return Config{
		DefaultAuthenticator: AliasSession,
		Authenticators:       []string{AliasSession, AliasTokens, AliasHMAC, AliasJWT},
		AuthenticationChain:  []string{AliasSession, AliasTokens, AliasHMAC},
		ValidFields:          []string{"email", "username"},
		RecordActiveDate:     true,
		AllowRegistration:    true,
		AllowMagicLinkLogins: true,
		MagicLinkLifetime:    time.Hour,
		UnusedTokenLifetime:  365 * 24 * time.Hour,
		RecordLoginAttempt:   RecordFailures,
		AuthenticatorHeader: map[string]string{
			AliasTokens: "Authorization",
			AliasHMAC:   "Authorization",
			AliasJWT:    "Authorization",
		},
		Session: SessionConfig{
			Field:              "user",
			AllowRemembering:   true,
			RememberCookieName: "remember",
			RememberLength:     30 * 24 * time.Hour,
		},
		Passwords: PasswordConfig{
			MinimumLength: 8,
			Validators: []string{
				ValidatorComposition,
				ValidatorNothingPersonal,
				ValidatorDictionary,
			},
			MaxSimilarity:  50,
			HashAlgorithm:  HashBcrypt,
			HashCost:       10,
			HashMemoryCost: 65536,
			HashTimeCost:   4,
			HashThreads:    1,
			PwnedEndpoint:  "https://api.pwnedpasswords.com/range/",
			PwnedTimeout:   3 * time.Second,
		},
		Actions: ActionsConfig{},
		HMAC: HMACConfig{
			SecretKeyByteSize:   32,
			EncryptionKeys:      map[string]string{},
			CurrentKey:          "k1",
			Secret2StorageLimit: 255,
		},
		JWT: JWTConfig{
			Keysets: map[string][]JWTKey{},
			DefaultClaims: map[string]any{
				"iss": "",
			},
			TimeToLive:         time.Hour,
			RecordLoginAttempt: RecordFailures,
		},
		Groups: GroupsConfig{
			DefaultGroup: "user",
			Groups: map[string]GroupInfo{
				"superadmin": {Title: "Super Admin", Description: "Complete control of the site."},
				"admin":      {Title: "Admin", Description: "Day to day administrators of the site."},
				"developer":  {Title: "Developer", Description: "Site programmers."},
				"user":       {Title: "User", Description: "General users of the site. Often customers."},
				"beta":       {Title: "Beta User", Description: "Has access to beta-level features."},
			},
			Permissions: map[string]string{
				"admin.access":        "Can access the sites admin area",
				"admin.settings":      "Can access the main site settings",
				"users.manage-admins": "Can manage other admins",
				"users.create":        "Can create new non-admin users",
				"users.edit":          "Can edit existing non-admin users",
				"users.delete":        "Can delete existing non-admin users",
				"beta.access":         "Can access beta-level features",
			},
			Matrix: map[string][]string{
				"superadmin": {"admin.*", "users.*", "beta.*"},
				"admin":      {"admin.access", "users.create", "users.edit", "users.delete", "beta.access"},
				"developer":  {"admin.access", "admin.settings", "users.create", "users.edit", "beta.access"},
				"user":       {},
				"beta":       {"beta.access"},
			},
		},
		Tables: TablesConfig{
			Logins:      "auth_logins",
			TokenLogins: "auth_token_logins",
		},
		RateLimit: RateLimitConfig{
			Requests: 10,
			Window:   time.Minute,
		},
	}
}

// LoadConfig reads path as YAML over DefaultConfig, then applies SCHILD_*
// environment overrides. A .env file in the working directory is loaded
// first when present. An empty path skips the YAML step.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, wrapInternal(err, "read config file")
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, withMetadata(ErrInvalidConfiguration, map[string]any{
				"path":  path,
				"error": err.Error(),
			})
		}
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return cfg, wrapInternal(err, "load .env")
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SCHILD_DEFAULT_AUTHENTICATOR"); ok {
		c.DefaultAuthenticator = v
	}

	if v, ok := lookup("SCHILD_RECORD_LOGIN_ATTEMPT"); ok {
		c.RecordLoginAttempt = RecordLevel(strings.ToLower(v))
	}

	if v, ok := lookup("SCHILD_ALLOW_REGISTRATION"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return envError("SCHILD_ALLOW_REGISTRATION", err)
		}
		c.AllowRegistration = b
	}

	if v, ok := lookup("SCHILD_HASH_ALGORITHM"); ok {
		c.Passwords.HashAlgorithm = v
	}

	if v, ok := lookup("SCHILD_PWNED_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return envError("SCHILD_PWNED_TIMEOUT", err)
		}
		c.Passwords.PwnedTimeout = d
	}

	if v, ok := lookup("SCHILD_HMAC_CURRENT_KEY"); ok {
		c.HMAC.CurrentKey = v
	}

	// name:base64key pairs separated by commas
	if v, ok := lookup("SCHILD_HMAC_KEYS"); ok {
		keys := map[string]string{}
		for _, pair := range strings.Split(v, ",") {
			name, key, found := strings.Cut(strings.TrimSpace(pair), ":")
			if !found || name == "" || key == "" {
				return envError("SCHILD_HMAC_KEYS", fmt.Errorf("malformed pair %q", pair))
			}
			keys[name] = key
		}
		c.HMAC.EncryptionKeys = keys
	}

	if v, ok := lookup("SCHILD_JWT_SECRET"); ok {
		if c.JWT.Keysets == nil {
			c.JWT.Keysets = map[string][]JWTKey{}
		}
		c.JWT.Keysets["default"] = []JWTKey{{Alg: "HS256", Secret: v}}
	}

	return nil
}

func envError(name string, err error) error {
	return withMetadata(ErrInvalidConfiguration, map[string]any{
		"env":   name,
		"error": err.Error(),
	})
}

// Validate checks the configuration for values that would break the
// authenticators at runtime
func (c Config) Validate() error {
	aliases := make([]any, 0, len(c.Authenticators))
	for _, a := range c.Authenticators {
		aliases = append(aliases, a)
	}

	err := validation.ValidateStruct(&c,
		validation.Field(&c.DefaultAuthenticator, validation.Required, validation.In(aliases...)),
		validation.Field(&c.ValidFields, validation.Required),
		validation.Field(&c.RecordLoginAttempt,
			validation.Required,
			validation.In(RecordNone, RecordFailures, RecordAll),
		),
		validation.Field(&c.UnusedTokenLifetime, validation.Required),
		validation.Field(&c.MagicLinkLifetime, validation.Required),
	)
	if err == nil {
		err = validation.ValidateStruct(&c.Passwords,
			validation.Field(&c.Passwords.HashAlgorithm, validation.Required, validation.In(HashBcrypt, HashArgon2id)),
			validation.Field(&c.Passwords.MaxSimilarity, validation.Min(0), validation.Max(100)),
			validation.Field(&c.Passwords.HashCost, validation.Min(4), validation.Max(31)),
		)
	}
	if err == nil {
		err = validation.ValidateStruct(&c.Session,
			validation.Field(&c.Session.Field, validation.Required),
			validation.Field(&c.Session.RememberCookieName, validation.Required),
		)
	}
	if err == nil {
		err = validation.ValidateStruct(&c.HMAC,
			validation.Field(&c.HMAC.SecretKeyByteSize, validation.Required, validation.Min(16)),
			validation.Field(&c.HMAC.Secret2StorageLimit, validation.Required, validation.Min(64)),
		)
	}
	if err == nil {
		err = validation.ValidateStruct(&c.Tables,
			validation.Field(&c.Tables.Logins, validation.Required),
			validation.Field(&c.Tables.TokenLogins, validation.Required),
		)
	}
	if err == nil {
		for group := range c.Groups.Matrix {
			if _, ok := c.Groups.Groups[group]; !ok {
				err = fmt.Errorf("matrix references unknown group %q", group)
				break
			}
		}
	}
	if err == nil && c.Groups.DefaultGroup != "" {
		if _, ok := c.Groups.Groups[c.Groups.DefaultGroup]; !ok {
			err = fmt.Errorf("default group %q is not configured", c.Groups.DefaultGroup)
		}
	}

	if err != nil {
		return withMetadata(ErrInvalidConfiguration, map[string]any{
			"error": err.Error(),
		})
	}
	return nil
}

func (c Config) header(alias string) string {
	if h, ok := c.AuthenticatorHeader[alias]; ok && h != "" {
		return h
	}
	return "Authorization"
}

func (c Config) remembering() bool {
	return c.Session.AllowRemembering
}
