package repository

import (
	"context"
	"time"

	schild "github.com/goliatone/go-schild"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RememberTokens implements schild.RememberStore
type RememberTokens struct {
	db *bun.DB
}

var _ schild.RememberStore = (*RememberTokens)(nil)

func NewRememberTokens(db *bun.DB) *RememberTokens {
	return &RememberTokens{db: db}
}

func (r *RememberTokens) RememberUser(ctx context.Context, token *schild.RememberToken) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	token.Expires = token.Expires.UTC()
	_, err := r.db.NewInsert().Model(token).Exec(ctx)
	return mapErr(err, map[string]any{"selector": token.Selector})
}

func (r *RememberTokens) GetRememberToken(ctx context.Context, selector string) (*schild.RememberToken, error) {
	token := &schild.RememberToken{}
	err := r.db.NewSelect().
		Model(token).
		Where("selector = ?", selector).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, mapErr(err, map[string]any{"selector": selector})
	}
	return token, nil
}

// RotateRememberValidator is a compare and swap on hashed_validator
func (r *RememberTokens) RotateRememberValidator(ctx context.Context, selector, oldHash, newHash string, expires time.Time) (bool, error) {
	res, err := r.db.NewUpdate().
		Model((*schild.RememberToken)(nil)).
		Set("hashed_validator = ?", newHash).
		Set("expires = ?", expires.UTC()).
		Set("updated_at = ?", time.Now().UTC()).
		Where("selector = ?", selector).
		Where("hashed_validator = ?", oldHash).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RememberTokens) PurgeRememberTokens(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.NewDelete().
		Model((*schild.RememberToken)(nil)).
		Where("user_id = ?", userID).
		Exec(ctx)
	return err
}

func (r *RememberTokens) PurgeOldRememberTokens(ctx context.Context, now time.Time) error {
	_, err := r.db.NewDelete().
		Model((*schild.RememberToken)(nil)).
		Where("expires <= ?", now.UTC()).
		Exec(ctx)
	return err
}
