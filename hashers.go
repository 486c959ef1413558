package schild

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Hasher hashes and verifies passwords
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, hash string) bool
	// NeedsRehash reports whether hash was produced with another
	// algorithm or other parameters than the configured ones
	NeedsRehash(hash string) bool
}

// NewHasher builds the hasher for cfg.HashAlgorithm
func NewHasher(cfg PasswordConfig) Hasher {
	if cfg.HashAlgorithm == HashArgon2id {
		return argon2Hasher{
			memory:  cfg.HashMemoryCost,
			time:    cfg.HashTimeCost,
			threads: cfg.HashThreads,
		}
	}
	return bcryptHasher{cost: cfg.HashCost}
}

type bcryptHasher struct {
	cost int
}

func (b bcryptHasher) Hash(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), b.cost)
	if err != nil {
		return "", wrapInternal(err, "bcrypt hash")
	}
	return string(h), nil
}

func (b bcryptHasher) Verify(password, hash string) bool {
	if strings.HasPrefix(hash, "$argon2id$") {
		return argon2Hasher{}.Verify(password, hash)
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

func (b bcryptHasher) NeedsRehash(hash string) bool {
	cost, err := bcrypt.Cost([]byte(hash))
	if err != nil {
		return true
	}
	return cost != b.cost
}

const (
	argon2SaltLength = 16
	argon2KeyLength  = 32
)

type argon2Hasher struct {
	memory  uint32
	time    uint32
	threads uint8
}

type argon2Params struct {
	memory  uint32
	time    uint32
	threads uint8
	salt    []byte
	key     []byte
}

func (a argon2Hasher) Hash(password string) (string, error) {
	salt, err := randomBytes(argon2SaltLength)
	if err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(password), salt, a.time, a.memory, a.threads, argon2KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, a.memory, a.time, a.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

func (a argon2Hasher) Verify(password, hash string) bool {
	if strings.HasPrefix(hash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}
	p, err := parseArgon2(hash)
	if err != nil {
		return false
	}
	key := argon2.IDKey([]byte(password), p.salt, p.time, p.memory, p.threads, uint32(len(p.key)))
	return subtle.ConstantTimeCompare(key, p.key) == 1
}

func (a argon2Hasher) NeedsRehash(hash string) bool {
	p, err := parseArgon2(hash)
	if err != nil {
		return true
	}
	return p.memory != a.memory || p.time != a.time || p.threads != a.threads
}

var errArgon2Format = errors.New("malformed argon2id hash")

func parseArgon2(hash string) (argon2Params, error) {
	var p argon2Params
	parts := strings.Split(hash, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return p, errArgon2Format
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return p, errArgon2Format
	}

	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.time, &p.threads); err != nil {
		return p, errArgon2Format
	}

	var err error
	if p.salt, err = base64.RawStdEncoding.DecodeString(parts[4]); err != nil {
		return p, errArgon2Format
	}
	if p.key, err = base64.RawStdEncoding.DecodeString(parts[5]); err != nil {
		return p, errArgon2Format
	}
	return p, nil
}
