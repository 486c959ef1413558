package repository

import (
	"context"
	"time"

	schild "github.com/goliatone/go-schild"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Identities implements schild.IdentityStore on auth_identities
type Identities struct {
	db *bun.DB
}

var _ schild.IdentityStore = (*Identities)(nil)

func NewIdentities(db *bun.DB) *Identities {
	return &Identities{db: db}
}

func (r *Identities) Create(ctx context.Context, identity *schild.UserIdentity) (*schild.UserIdentity, error) {
	if identity.ID == uuid.Nil {
		identity.ID = uuid.New()
	}
	utc(identity.Expires)

	if _, err := r.db.NewInsert().Model(identity).Exec(ctx); err != nil {
		return nil, mapErr(err, map[string]any{"type": identity.Type})
	}
	return identity, nil
}

// Update writes the mutable columns. UpdatedAt is written as given, a nil
// value is stamped with the current time.
func (r *Identities) Update(ctx context.Context, identity *schild.UserIdentity) error {
	if identity.UpdatedAt == nil {
		now := time.Now().UTC()
		identity.UpdatedAt = &now
	}
	utc(identity.UpdatedAt)
	utc(identity.Expires)

	_, err := r.db.NewUpdate().
		Model(identity).
		Column("name", "secret", "secret2", "extra", "expires", "force_reset", "last_used_at", "updated_at").
		WherePK().
		Exec(ctx)
	return mapErr(err, map[string]any{"id": identity.ID.String()})
}

func (r *Identities) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.NewDelete().
		Model((*schild.UserIdentity)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func (r *Identities) one(ctx context.Context, meta map[string]any, apply func(*bun.SelectQuery) *bun.SelectQuery) (*schild.UserIdentity, error) {
	identity := &schild.UserIdentity{}
	q := apply(r.db.NewSelect().Model(identity))
	if err := q.Limit(1).Scan(ctx); err != nil {
		return nil, mapErr(err, meta)
	}
	return identity, nil
}

func (r *Identities) many(ctx context.Context, apply func(*bun.SelectQuery) *bun.SelectQuery) ([]*schild.UserIdentity, error) {
	var identities []*schild.UserIdentity
	q := apply(r.db.NewSelect().Model(&identities))
	if err := q.Order("created_at ASC", "id ASC").Scan(ctx); err != nil {
		if schild.IsNotFound(mapErr(err, nil)) {
			return nil, nil
		}
		return nil, err
	}
	return identities, nil
}

func (r *Identities) GetIdentityBySecret(ctx context.Context, identityType, secret string) (*schild.UserIdentity, error) {
	return r.one(ctx, map[string]any{"type": identityType}, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("type = ?", identityType).Where("secret = ?", secret)
	})
}

func (r *Identities) GetIdentityByID(ctx context.Context, id uuid.UUID) (*schild.UserIdentity, error) {
	return r.one(ctx, map[string]any{"id": id.String()}, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("id = ?", id)
	})
}

func (r *Identities) GetIdentities(ctx context.Context, userID uuid.UUID) ([]*schild.UserIdentity, error) {
	return r.many(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("user_id = ?", userID)
	})
}

func (r *Identities) GetIdentitiesByUserIDs(ctx context.Context, userIDs []uuid.UUID) ([]*schild.UserIdentity, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	return r.many(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("user_id IN (?)", bun.In(userIDs))
	})
}

func (r *Identities) GetIdentityByType(ctx context.Context, userID uuid.UUID, identityType string) (*schild.UserIdentity, error) {
	return r.one(ctx, map[string]any{"user_id": userID.String(), "type": identityType}, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("user_id = ?", userID).Where("type = ?", identityType)
	})
}

func (r *Identities) GetIdentitiesByTypes(ctx context.Context, userID uuid.UUID, types []string) ([]*schild.UserIdentity, error) {
	if len(types) == 0 {
		return nil, nil
	}
	return r.many(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("user_id = ?", userID).Where("type IN (?)", bun.In(types))
	})
}

func (r *Identities) ListIdentitiesByType(ctx context.Context, identityType string) ([]*schild.UserIdentity, error) {
	return r.many(ctx, func(q *bun.SelectQuery) *bun.SelectQuery {
		return q.Where("type = ?", identityType)
	})
}

func (r *Identities) TouchIdentity(ctx context.Context, identity *schild.UserIdentity, at time.Time) error {
	at = at.UTC()
	_, err := r.db.NewUpdate().
		Model((*schild.UserIdentity)(nil)).
		Set("last_used_at = ?", at).
		Where("id = ?", identity.ID).
		Exec(ctx)
	if err != nil {
		return err
	}
	identity.LastUsedAt = &at
	return nil
}

func (r *Identities) DeleteIdentitiesByType(ctx context.Context, userID uuid.UUID, identityType string) error {
	_, err := r.db.NewDelete().
		Model((*schild.UserIdentity)(nil)).
		Where("user_id = ?", userID).
		Where("type = ?", identityType).
		Exec(ctx)
	return err
}

func (r *Identities) RevokeIdentity(ctx context.Context, userID uuid.UUID, identityType, secret string) error {
	_, err := r.db.NewDelete().
		Model((*schild.UserIdentity)(nil)).
		Where("user_id = ?", userID).
		Where("type = ?", identityType).
		Where("secret = ?", secret).
		Exec(ctx)
	return err
}

func (r *Identities) RevokeAllIdentities(ctx context.Context, userID uuid.UUID, identityType string) error {
	return r.DeleteIdentitiesByType(ctx, userID, identityType)
}

func (r *Identities) SetForceReset(ctx context.Context, userIDs []uuid.UUID, force bool) error {
	q := r.db.NewUpdate().
		Model((*schild.UserIdentity)(nil)).
		Set("force_reset = ?", force).
		Where("type = ?", schild.IdentityEmailPassword)
	if userIDs != nil {
		if len(userIDs) == 0 {
			return nil
		}
		q.Where("user_id IN (?)", bun.In(userIDs))
	}
	_, err := q.Exec(ctx)
	return err
}

func utc(t *time.Time) {
	if t != nil {
		*t = t.UTC()
	}
}
