package schild

import (
	"crypto/cipher"
	"encoding/base64"
	"regexp"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

var encryptedSecret = regexp.MustCompile(`^\$b6\$(\w+?)\$(.+)$`)

// HmacEncrypter encrypts HMAC secret keys at rest. Values look like
// $b6$<keyName>$<base64(nonce|ciphertext)> so the key used is always known.
type HmacEncrypter struct {
	current     string
	limit       int
	keyByteSize int
	aeads       map[string]cipher.AEAD
}

// NewHmacEncrypter decodes the configured base64 keys. The current key
// must exist.
func NewHmacEncrypter(cfg HMACConfig) (*HmacEncrypter, error) {
	e := &HmacEncrypter{
		current:     cfg.CurrentKey,
		limit:       cfg.Secret2StorageLimit,
		keyByteSize: cfg.SecretKeyByteSize,
		aeads:       map[string]cipher.AEAD{},
	}

	for name, encoded := range cfg.EncryptionKeys {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil || len(key) != chacha20poly1305.KeySize {
			return nil, withMetadata(ErrEncryption, map[string]any{
				"key":    name,
				"reason": "keys must be base64 encoded 32 byte values",
			})
		}
		a, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, wrapInternal(err, "init xchacha20poly1305")
		}
		e.aeads[name] = a
	}

	if _, err := e.aead(e.current); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *HmacEncrypter) aead(name string) (cipher.AEAD, error) {
	a, ok := e.aeads[name]
	if !ok {
		return nil, withMetadata(ErrEncryption, map[string]any{
			"key":    name,
			"reason": "encryption key does not exist",
		})
	}
	return a, nil
}

// Encrypt seals plain with the current key
func (e *HmacEncrypter) Encrypt(plain string) (string, error) {
	a, err := e.aead(e.current)
	if err != nil {
		return "", err
	}

	nonce, err := randomBytes(a.NonceSize())
	if err != nil {
		return "", err
	}
	sealed := a.Seal(nonce, nonce, []byte(plain), nil)

	out := "$b6$" + e.current + "$" + base64.StdEncoding.EncodeToString(sealed)
	if e.limit > 0 && len(out) > e.limit {
		return "", withMetadata(ErrEncryption, map[string]any{
			"reason": "encrypted value exceeds the storage limit",
			"limit":  e.limit,
		})
	}
	return out, nil
}

// Decrypt opens a value produced by Encrypt with any configured key
func (e *HmacEncrypter) Decrypt(value string) (string, error) {
	m := encryptedSecret.FindStringSubmatch(value)
	if m == nil {
		return "", withMetadata(ErrEncryption, map[string]any{
			"reason": "value is not encrypted",
		})
	}

	a, err := e.aead(m[1])
	if err != nil {
		return "", err
	}

	raw, err := base64.StdEncoding.DecodeString(m[2])
	if err != nil || len(raw) < a.NonceSize() {
		return "", withMetadata(ErrEncryption, map[string]any{
			"reason": "malformed ciphertext",
		})
	}

	plain, err := a.Open(nil, raw[:a.NonceSize()], raw[a.NonceSize():], nil)
	if err != nil {
		return "", withMetadata(ErrEncryption, map[string]any{
			"reason": "unable to decrypt value",
		})
	}
	return string(plain), nil
}

// IsEncrypted reports whether value carries the $b6$ prefix
func (e *HmacEncrypter) IsEncrypted(value string) bool {
	return strings.HasPrefix(value, "$b6$")
}

// IsEncryptedWithCurrentKey reports whether value was sealed with the current key
func (e *HmacEncrypter) IsEncryptedWithCurrentKey(value string) bool {
	return strings.HasPrefix(value, "$b6$"+e.current+"$")
}

// GenerateSecretKey returns a new base64 HMAC secret key
func (e *HmacEncrypter) GenerateSecretKey() (string, error) {
	size := e.keyByteSize
	if size <= 0 {
		size = 32
	}
	b, err := randomBytes(size)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
