package repository

import (
	"context"

	schild "github.com/goliatone/go-schild"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Logins implements schild.LoginStore on a configurable table. The same
// type backs both the session and the token login tables.
type Logins struct {
	db    *bun.DB
	table string
}

var _ schild.LoginStore = (*Logins)(nil)

func NewLogins(db *bun.DB, table string) *Logins {
	if table == "" {
		table = "auth_logins"
	}
	return &Logins{db: db, table: table}
}

func (r *Logins) Table() string { return r.table }

func (r *Logins) RecordLoginAttempt(ctx context.Context, attempt *schild.LoginAttempt) error {
	if attempt.ID == uuid.Nil {
		attempt.ID = uuid.New()
	}
	attempt.Date = attempt.Date.UTC()

	_, err := r.db.NewInsert().
		Model(attempt).
		ModelTableExpr("?", bun.Ident(r.table)).
		Exec(ctx)
	return err
}

func (r *Logins) selectLogin(attempt *schild.LoginAttempt) *bun.SelectQuery {
	return r.db.NewSelect().
		Model(attempt).
		ModelTableExpr("? AS lgn", bun.Ident(r.table)).
		Where("lgn.success = ?", true).
		Order("lgn.date DESC", "lgn.id DESC")
}

// LastLogin returns the latest successful login of identifier, compared
// case insensitively like the credential lookup
func (r *Logins) LastLogin(ctx context.Context, identifier string) (*schild.LoginAttempt, error) {
	attempt := &schild.LoginAttempt{}
	err := r.selectLogin(attempt).
		Where("LOWER(lgn.identifier) = LOWER(?)", identifier).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, mapErr(err, map[string]any{"identifier": identifier})
	}
	return attempt, nil
}

// PreviousLogin returns the successful login before the latest one of userID
func (r *Logins) PreviousLogin(ctx context.Context, userID uuid.UUID) (*schild.LoginAttempt, error) {
	attempt := &schild.LoginAttempt{}
	err := r.selectLogin(attempt).
		Where("lgn.user_id = ?", userID).
		Offset(1).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, mapErr(err, map[string]any{"user_id": userID.String()})
	}
	return attempt, nil
}
