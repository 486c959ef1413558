package schild

import (
	"context"
	"net/http"
	"strings"
)

// Passwords hashes, verifies and validates passwords
type Passwords struct {
	cfg        PasswordConfig
	hasher     Hasher
	validators []PasswordValidator
	logger     Logger
}

// PasswordsOption configures Passwords
type PasswordsOption func(*Passwords)

// WithHasher replaces the configured hasher
func WithHasher(h Hasher) PasswordsOption {
	return func(p *Passwords) {
		if h != nil {
			p.hasher = h
		}
	}
}

// WithPasswordValidators replaces the validator chain built from config
func WithPasswordValidators(validators ...PasswordValidator) PasswordsOption {
	return func(p *Passwords) {
		p.validators = validators
	}
}

// WithPasswordsLogger sets the logger
func WithPasswordsLogger(l Logger) PasswordsOption {
	return func(p *Passwords) {
		p.logger = normalizeLogger(l)
	}
}

type passwordBuild struct {
	personal PersonalDataFunc
	client   *http.Client
}

// NewPasswords builds the password service. Validators are created from
// cfg.Validators in order, unknown names are skipped with a warning.
func NewPasswords(cfg PasswordConfig, opts ...PasswordsOption) *Passwords {
	return newPasswords(cfg, passwordBuild{}, opts...)
}

func newPasswords(cfg PasswordConfig, build passwordBuild, opts ...PasswordsOption) *Passwords {
	p := &Passwords{
		cfg:    cfg,
		hasher: NewHasher(cfg),
		logger: defLogger{},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	if p.validators == nil {
		p.validators = p.buildValidators(build)
	}

	return p
}

func (p *Passwords) buildValidators(build passwordBuild) []PasswordValidator {
	out := make([]PasswordValidator, 0, len(p.cfg.Validators))
	for _, name := range p.cfg.Validators {
		switch name {
		case ValidatorComposition:
			out = append(out, CompositionValidator{MinimumLength: p.cfg.MinimumLength})
		case ValidatorNothingPersonal:
			out = append(out, NothingPersonalValidator{
				PersonalFields: p.cfg.PersonalFields,
				MaxSimilarity:  p.cfg.MaxSimilarity,
				PersonalData:   build.personal,
			})
		case ValidatorDictionary:
			out = append(out, DictionaryValidator{Path: p.cfg.DictionaryPath})
		case ValidatorPwned:
			out = append(out, PwnedValidator{
				Endpoint: p.cfg.PwnedEndpoint,
				Timeout:  p.cfg.PwnedTimeout,
				Client:   build.client,
				Logger:   p.logger,
			})
		default:
			p.logger.Warn("unknown password validator", "name", name)
		}
	}
	return out
}

// Hash hashes password with the configured algorithm
func (p *Passwords) Hash(password string) (string, error) {
	return p.hasher.Hash(password)
}

// Verify reports whether password matches hash
func (p *Passwords) Verify(password, hash string) bool {
	if hash == "" {
		return false
	}
	return p.hasher.Verify(password, hash)
}

// NeedsRehash reports whether hash should be recomputed
func (p *Passwords) NeedsRehash(hash string) bool {
	return p.hasher.NeedsRehash(hash)
}

// MaxLength is the longest password the configured algorithm accepts
func (p *Passwords) MaxLength() int {
	if p.cfg.HashAlgorithm == HashBcrypt || p.cfg.HashAlgorithm == "" {
		return 72
	}
	return 255
}

// Check runs the validator chain, stopping at the first failure
func (p *Passwords) Check(ctx context.Context, password string, user *User) (Result, error) {
	if user == nil {
		return Result{}, ErrMissingUser
	}

	password = strings.TrimSpace(password)
	if password == "" {
		return failure(ReasonPasswordEmpty), nil
	}

	if len(password) > p.MaxLength() {
		return failure(ReasonPasswordTooLong), nil
	}

	for _, v := range p.validators {
		res, err := v.Check(ctx, password, user)
		if err != nil {
			return Result{}, err
		}
		if !res.Success {
			return res, nil
		}
	}

	return success(nil), nil
}
