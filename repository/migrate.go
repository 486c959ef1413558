package repository

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect"
)

//go:embed migrations/*.sql
var embedded embed.FS

func provider(db *bun.DB) (*goose.Provider, error) {
	var d goose.Dialect
	switch db.Dialect().Name() {
	case dialect.PG:
		d = goose.DialectPostgres
	case dialect.SQLite:
		d = goose.DialectSQLite3
	default:
		return nil, fmt.Errorf("unsupported dialect %s", db.Dialect().Name())
	}

	fsys, err := fs.Sub(embedded, "migrations")
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(d, db.DB, fsys)
}

// Migrate applies every pending migration and returns the applied versions
func Migrate(ctx context.Context, db *bun.DB) ([]int64, error) {
	p, err := provider(db)
	if err != nil {
		return nil, err
	}

	results, err := p.Up(ctx)
	if err != nil {
		return nil, err
	}

	versions := make([]int64, 0, len(results))
	for _, r := range results {
		versions = append(versions, r.Source.Version)
	}
	return versions, nil
}

// Rollback reverts the latest applied migration
func Rollback(ctx context.Context, db *bun.DB) error {
	p, err := provider(db)
	if err != nil {
		return err
	}
	_, err = p.Down(ctx)
	return err
}

// MigrationStatus lists the known migrations and whether they are applied
func MigrationStatus(ctx context.Context, db *bun.DB) ([]*goose.MigrationStatus, error) {
	p, err := provider(db)
	if err != nil {
		return nil, err
	}
	return p.Status(ctx)
}
