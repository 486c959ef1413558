package repository

import (
	"context"
	"time"

	schild "github.com/goliatone/go-schild"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type groupMembership struct {
	bun.BaseModel `bun:"table:auth_groups_users"`
	ID            uuid.UUID `bun:"id,pk,type:uuid"`
	UserID        uuid.UUID `bun:"user_id,notnull,type:uuid"`
	Group         string    `bun:"group,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

type permissionMembership struct {
	bun.BaseModel `bun:"table:auth_permissions_users"`
	ID            uuid.UUID `bun:"id,pk,type:uuid"`
	UserID        uuid.UUID `bun:"user_id,notnull,type:uuid"`
	Permission    string    `bun:"permission,notnull"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

// Memberships implements schild.MembershipStore on auth_groups_users and
// auth_permissions_users
type Memberships struct {
	db *bun.DB
}

var _ schild.MembershipStore = (*Memberships)(nil)

func NewMemberships(db *bun.DB) *Memberships {
	return &Memberships{db: db}
}

func membershipTable(kind schild.MembershipKind) (table, column string) {
	if kind == schild.MembershipGroups {
		return "auth_groups_users", "group"
	}
	return "auth_permissions_users", "permission"
}

func (r *Memberships) List(ctx context.Context, kind schild.MembershipKind, userID uuid.UUID) ([]string, error) {
	table, column := membershipTable(kind)

	var names []string
	err := r.db.NewSelect().
		TableExpr("?", bun.Ident(table)).
		ColumnExpr("?", bun.Ident(column)).
		Where("user_id = ?", userID).
		OrderExpr("created_at ASC, ? ASC", bun.Ident(column)).
		Scan(ctx, &names)
	if err != nil {
		if schild.IsNotFound(mapErr(err, nil)) {
			return nil, nil
		}
		return nil, err
	}
	return names, nil
}

func (r *Memberships) DeleteNotIn(ctx context.Context, kind schild.MembershipKind, userID uuid.UUID, keep []string) error {
	if len(keep) == 0 {
		return r.DeleteAll(ctx, kind, userID)
	}
	table, column := membershipTable(kind)
	_, err := r.db.NewDelete().
		TableExpr("?", bun.Ident(table)).
		Where("user_id = ?", userID).
		Where("? NOT IN (?)", bun.Ident(column), bun.In(keep)).
		Exec(ctx)
	return err
}

func (r *Memberships) DeleteAll(ctx context.Context, kind schild.MembershipKind, userID uuid.UUID) error {
	table, _ := membershipTable(kind)
	_, err := r.db.NewDelete().
		TableExpr("?", bun.Ident(table)).
		Where("user_id = ?", userID).
		Exec(ctx)
	return err
}

func (r *Memberships) Insert(ctx context.Context, kind schild.MembershipKind, userID uuid.UUID, names []string) error {
	if len(names) == 0 {
		return nil
	}
	now := time.Now().UTC()

	var q *bun.InsertQuery
	if kind == schild.MembershipGroups {
		rows := make([]groupMembership, 0, len(names))
		for _, name := range names {
			rows = append(rows, groupMembership{ID: uuid.New(), UserID: userID, Group: name, CreatedAt: now})
		}
		q = r.db.NewInsert().Model(&rows)
	} else {
		rows := make([]permissionMembership, 0, len(names))
		for _, name := range names {
			rows = append(rows, permissionMembership{ID: uuid.New(), UserID: userID, Permission: name, CreatedAt: now})
		}
		q = r.db.NewInsert().Model(&rows)
	}

	_, err := q.Exec(ctx)
	return err
}
