package repository

import (
	"database/sql"
	"errors"
	"strings"

	schild "github.com/goliatone/go-schild"
	"github.com/goliatone/go-repository-bun"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

func notFound(meta map[string]any) error {
	return schild.ErrRecordNotFound.Clone().WithMetadata(meta)
}

// mapErr turns driver level errors into the errors the auth service checks for
func mapErr(err error, meta map[string]any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
		return notFound(meta)
	}
	if isUniqueViolation(err) {
		return schild.ErrDuplicateIdentity.Clone().WithMetadata(meta)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
