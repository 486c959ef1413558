package schild

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

const (
	accessTokenBytes = 32
	hmacKeyBytes     = 16
)

// TokenManager generates and revokes the access and HMAC tokens of one
// user. It is bound on users resolved through the Service.
type TokenManager struct {
	svc  *Service
	user *User
}

func newTokenManager(svc *Service, user *User) *TokenManager {
	return &TokenManager{svc: svc, user: user}
}

func encodeScopes(scopes []string) (string, error) {
	if len(scopes) == 0 {
		scopes = []string{"*"}
	}
	raw, err := json.Marshal(scopes)
	if err != nil {
		return "", wrapInternal(err, "encode scopes")
	}
	return string(raw), nil
}

// GenerateAccessToken stores a new access token. Only its SHA-256 is kept,
// the returned RawToken is the one chance to read it.
func (m *TokenManager) GenerateAccessToken(ctx context.Context, name string, scopes ...string) (*AccessToken, error) {
	raw, err := randomHex(accessTokenBytes)
	if err != nil {
		return nil, err
	}
	extra, err := encodeScopes(scopes)
	if err != nil {
		return nil, err
	}

	identity, err := m.svc.stores.Identities.Create(ctx, &UserIdentity{
		UserID: m.user.ID,
		Type:   IdentityAccessToken,
		Name:   name,
		Secret: sha256Hex(raw),
		Extra:  extra,
	})
	if err != nil {
		return nil, wrapInternal(err, "create access token")
	}

	token := newAccessToken(identity)
	token.RawToken = raw
	return token, nil
}

// AccessTokens lists the access tokens of the user
func (m *TokenManager) AccessTokens(ctx context.Context) ([]*AccessToken, error) {
	return m.list(ctx, IdentityAccessToken)
}

// GetAccessToken finds a token of the user by its raw value
func (m *TokenManager) GetAccessToken(ctx context.Context, raw string) (*AccessToken, error) {
	return m.bySecret(ctx, IdentityAccessToken, sha256Hex(raw))
}

// GetAccessTokenByID finds a token of the user by id
func (m *TokenManager) GetAccessTokenByID(ctx context.Context, id uuid.UUID) (*AccessToken, error) {
	return m.byID(ctx, IdentityAccessToken, id)
}

// RevokeAccessToken deletes the token matching raw
func (m *TokenManager) RevokeAccessToken(ctx context.Context, raw string) error {
	return m.revoke(ctx, IdentityAccessToken, sha256Hex(raw))
}

// RevokeAccessTokenBySecret deletes the token whose stored hash is secret
func (m *TokenManager) RevokeAccessTokenBySecret(ctx context.Context, secret string) error {
	return m.revoke(ctx, IdentityAccessToken, secret)
}

// RevokeAllAccessTokens deletes every access token of the user
func (m *TokenManager) RevokeAllAccessTokens(ctx context.Context) error {
	return m.revokeAll(ctx, IdentityAccessToken)
}

// GenerateHmacToken stores a new key and secret pair. The secret is
// encrypted at rest, RawSecretKey holds the plain value once.
func (m *TokenManager) GenerateHmacToken(ctx context.Context, name string, scopes ...string) (*AccessToken, error) {
	enc, err := m.svc.Encrypter()
	if err != nil {
		return nil, err
	}

	key, err := randomHex(hmacKeyBytes)
	if err != nil {
		return nil, err
	}
	secret, err := enc.GenerateSecretKey()
	if err != nil {
		return nil, err
	}
	sealed, err := enc.Encrypt(secret)
	if err != nil {
		return nil, err
	}
	extra, err := encodeScopes(scopes)
	if err != nil {
		return nil, err
	}

	identity, err := m.svc.stores.Identities.Create(ctx, &UserIdentity{
		UserID:  m.user.ID,
		Type:    IdentityHmacSha256,
		Name:    name,
		Secret:  key,
		Secret2: sealed,
		Extra:   extra,
	})
	if err != nil {
		return nil, wrapInternal(err, "create hmac token")
	}

	token := newAccessToken(identity)
	token.RawSecretKey = secret
	return token, nil
}

// HmacTokens lists the HMAC tokens of the user
func (m *TokenManager) HmacTokens(ctx context.Context) ([]*AccessToken, error) {
	return m.list(ctx, IdentityHmacSha256)
}

// GetHmacToken finds a token of the user by key
func (m *TokenManager) GetHmacToken(ctx context.Context, key string) (*AccessToken, error) {
	return m.bySecret(ctx, IdentityHmacSha256, key)
}

// GetHmacTokenByID finds a token of the user by id
func (m *TokenManager) GetHmacTokenByID(ctx context.Context, id uuid.UUID) (*AccessToken, error) {
	return m.byID(ctx, IdentityHmacSha256, id)
}

// RevokeHmacToken deletes the token with key
func (m *TokenManager) RevokeHmacToken(ctx context.Context, key string) error {
	return m.revoke(ctx, IdentityHmacSha256, key)
}

// RevokeAllHmacTokens deletes every HMAC token of the user
func (m *TokenManager) RevokeAllHmacTokens(ctx context.Context) error {
	return m.revokeAll(ctx, IdentityHmacSha256)
}

func (m *TokenManager) list(ctx context.Context, typ string) ([]*AccessToken, error) {
	identities, err := m.svc.stores.Identities.GetIdentitiesByTypes(ctx, m.user.ID, []string{typ})
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, wrapInternal(err, "list tokens")
	}
	out := make([]*AccessToken, 0, len(identities))
	for _, identity := range identities {
		out = append(out, newAccessToken(identity))
	}
	return out, nil
}

func (m *TokenManager) bySecret(ctx context.Context, typ, secret string) (*AccessToken, error) {
	identity, err := m.svc.stores.Identities.GetIdentityBySecret(ctx, typ, secret)
	if err != nil {
		return nil, err
	}
	if identity.UserID != m.user.ID {
		return nil, withMetadata(ErrRecordNotFound, map[string]any{"type": typ})
	}
	return newAccessToken(identity), nil
}

func (m *TokenManager) byID(ctx context.Context, typ string, id uuid.UUID) (*AccessToken, error) {
	identity, err := m.svc.stores.Identities.GetIdentityByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity.UserID != m.user.ID || identity.Type != typ {
		return nil, withMetadata(ErrRecordNotFound, map[string]any{"type": typ, "id": id.String()})
	}
	return newAccessToken(identity), nil
}

func (m *TokenManager) revoke(ctx context.Context, typ, secret string) error {
	if err := m.svc.stores.Identities.RevokeIdentity(ctx, m.user.ID, typ, secret); err != nil {
		return wrapInternal(err, "revoke token")
	}
	return nil
}

func (m *TokenManager) revokeAll(ctx context.Context, typ string) error {
	if err := m.svc.stores.Identities.RevokeAllIdentities(ctx, m.user.ID, typ); err != nil {
		return wrapInternal(err, "revoke tokens")
	}
	return nil
}

// HmacRotation counts what a bulk HMAC secret pass changed
type HmacRotation struct {
	Updated int
	Skipped int
}

// EncryptHmacSecrets encrypts every HMAC secret still stored in plain text
func (s *Service) EncryptHmacSecrets(ctx context.Context) (HmacRotation, error) {
	return s.rewriteHmacSecrets(ctx, func(enc *HmacEncrypter, stored string) (string, bool, error) {
		if enc.IsEncrypted(stored) {
			return "", false, nil
		}
		sealed, err := enc.Encrypt(stored)
		return sealed, true, err
	})
}

// ReencryptHmacSecrets rotates every HMAC secret to the current key
func (s *Service) ReencryptHmacSecrets(ctx context.Context) (HmacRotation, error) {
	return s.rewriteHmacSecrets(ctx, func(enc *HmacEncrypter, stored string) (string, bool, error) {
		if enc.IsEncryptedWithCurrentKey(stored) {
			return "", false, nil
		}
		plain := stored
		if enc.IsEncrypted(stored) {
			var err error
			if plain, err = enc.Decrypt(stored); err != nil {
				return "", false, err
			}
		}
		sealed, err := enc.Encrypt(plain)
		return sealed, true, err
	})
}

// DecryptHmacSecrets stores every HMAC secret back in plain text
func (s *Service) DecryptHmacSecrets(ctx context.Context) (HmacRotation, error) {
	return s.rewriteHmacSecrets(ctx, func(enc *HmacEncrypter, stored string) (string, bool, error) {
		if !enc.IsEncrypted(stored) {
			return "", false, nil
		}
		plain, err := enc.Decrypt(stored)
		return plain, true, err
	})
}

func (s *Service) rewriteHmacSecrets(ctx context.Context, rewrite func(*HmacEncrypter, string) (string, bool, error)) (HmacRotation, error) {
	var out HmacRotation

	enc, err := s.Encrypter()
	if err != nil {
		return out, err
	}

	identities, err := s.stores.Identities.ListIdentitiesByType(ctx, IdentityHmacSha256)
	if err != nil && !IsNotFound(err) {
		return out, wrapInternal(err, "list hmac identities")
	}

	for _, identity := range identities {
		value, changed, err := rewrite(enc, identity.Secret2)
		if err != nil {
			return out, err
		}
		if !changed {
			out.Skipped++
			continue
		}
		now := s.clock()
		identity.Secret2 = value
		identity.UpdatedAt = &now
		if err := s.stores.Identities.Update(ctx, identity); err != nil {
			return out, wrapInternal(err, "update hmac identity")
		}
		out.Updated++
	}
	return out, nil
}
