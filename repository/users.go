package repository

import (
	"context"
	"strings"
	"time"

	schild "github.com/goliatone/go-schild"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// credentialColumns are the user columns FindByCredentials may match on
// besides email and username
var credentialColumns = map[string]bool{
	"id":     true,
	"status": true,
}

// Users implements schild.UserStore. The email and password hash live on
// the email_password identity and are joined in on read.
type Users struct {
	repository.Repository[*schild.User]
	db *bun.DB
}

var _ schild.UserStore = (*Users)(nil)

func NewUsers(db *bun.DB) *Users {
	repo := repository.NewRepository[*schild.User](db, repository.ModelHandlers[*schild.User]{
		NewRecord: func() *schild.User { return &schild.User{} },
		GetID: func(u *schild.User) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *schild.User, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
		GetIdentifier: func() string {
			return "username"
		},
	})
	return &Users{Repository: repo, db: db}
}

func (r *Users) FindByID(ctx context.Context, id uuid.UUID) (*schild.User, error) {
	user, err := r.Repository.GetByID(ctx, id.String())
	if err != nil {
		return nil, mapErr(err, map[string]any{"id": id.String()})
	}
	if err := r.loadEmail(ctx, r.db, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (r *Users) FindByCredentials(ctx context.Context, credentials map[string]string) (*schild.User, error) {
	user := &schild.User{}
	q := r.db.NewSelect().Model(user)

	matched := 0
	for key, value := range credentials {
		switch key {
		case "password":
			continue
		case "email":
			q.Join("JOIN auth_identities AS ident ON ident.user_id = usr.id").
				Where("ident.type = ?", schild.IdentityEmailPassword).
				Where("LOWER(ident.secret) = LOWER(?)", strings.TrimSpace(value))
		case "username":
			q.Where("LOWER(usr.username) = LOWER(?)", strings.TrimSpace(value))
		default:
			if !credentialColumns[key] {
				return nil, notFound(map[string]any{"field": key})
			}
			q.Where("? = ?", bun.Ident("usr."+key), value)
		}
		matched++
	}

	if matched == 0 {
		return nil, notFound(map[string]any{"credentials": "empty"})
	}

	if err := q.Limit(1).Scan(ctx); err != nil {
		return nil, mapErr(err, map[string]any{"credentials": redacted(credentials)})
	}
	if err := r.loadEmail(ctx, r.db, user); err != nil {
		return nil, err
	}
	return user, nil
}

func (r *Users) loadEmail(ctx context.Context, db bun.IDB, user *schild.User) error {
	identity := &schild.UserIdentity{}
	err := db.NewSelect().
		Model(identity).
		Where("user_id = ?", user.ID).
		Where("type = ?", schild.IdentityEmailPassword).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if mapped := mapErr(err, nil); schild.IsNotFound(mapped) {
			return nil
		}
		return err
	}
	user.Email = identity.Secret
	user.PasswordHash = identity.Secret2
	return nil
}

// UpdateActiveDate stores user.LastActive, the current time when it is nil
func (r *Users) UpdateActiveDate(ctx context.Context, user *schild.User) error {
	if user == nil || user.ID == uuid.Nil {
		return schild.ErrIncompleteUser
	}
	now := time.Now().UTC()
	if user.LastActive != nil {
		now = user.LastActive.UTC()
	}
	_, err := r.db.NewUpdate().
		Model((*schild.User)(nil)).
		Set("last_active = ?", now).
		Where("id = ?", user.ID).
		Exec(ctx)
	if err != nil {
		return err
	}
	user.LastActive = &now
	return nil
}

// Create inserts the user and its email identity in one transaction
func (r *Users) Create(ctx context.Context, user *schild.User) (*schild.User, error) {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := r.Repository.CreateTx(ctx, tx, user); err != nil {
			return err
		}
		if user.Email == "" {
			return nil
		}
		_, err := tx.NewInsert().Model(&schild.UserIdentity{
			ID:      uuid.New(),
			UserID:  user.ID,
			Type:    schild.IdentityEmailPassword,
			Secret:  user.Email,
			Secret2: user.PasswordHash,
		}).Exec(ctx)
		return err
	})
	if err != nil {
		return nil, mapErr(err, map[string]any{
			"username": user.Username,
			"email":    user.Email,
		})
	}
	return user, nil
}

// Save updates the user columns. When Email is set the email identity is
// updated too, its password hash only when PasswordHash is not empty.
func (r *Users) Save(ctx context.Context, user *schild.User) (*schild.User, error) {
	if user == nil || user.ID == uuid.Nil {
		return nil, schild.ErrIncompleteUser
	}

	now := time.Now().UTC()
	user.UpdatedAt = &now

	err := r.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		res, err := tx.NewUpdate().
			Model(user).
			Column("username", "status", "status_message", "active", "last_active", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound(map[string]any{"id": user.ID.String()})
		}

		if user.Email == "" {
			return nil
		}
		q := tx.NewUpdate().
			Model((*schild.UserIdentity)(nil)).
			Set("secret = ?", user.Email).
			Set("updated_at = ?", now).
			Where("user_id = ?", user.ID).
			Where("type = ?", schild.IdentityEmailPassword)
		if user.PasswordHash != "" {
			q.Set("secret2 = ?", user.PasswordHash)
		}
		_, err = q.Exec(ctx)
		return err
	})
	if err != nil {
		return nil, mapErr(err, map[string]any{"id": user.ID.String()})
	}
	return user, nil
}

func (r *Users) Activate(ctx context.Context, user *schild.User) error {
	if user == nil || user.ID == uuid.Nil {
		return schild.ErrIncompleteUser
	}
	_, err := r.db.NewUpdate().
		Model((*schild.User)(nil)).
		Set("active = ?", true).
		Set("updated_at = ?", time.Now().UTC()).
		Where("id = ?", user.ID).
		Exec(ctx)
	if err != nil {
		return err
	}
	user.Active = true
	return nil
}

func redacted(credentials map[string]string) map[string]string {
	out := make(map[string]string, len(credentials))
	for k, v := range credentials {
		if k == "password" {
			continue
		}
		out[k] = v
	}
	return out
}
