package repository

import (
	"context"
	"database/sql"
	"errors"
	"log"

	schild "github.com/goliatone/go-schild"
	"github.com/uptrace/bun"
)

// Manager owns the bun backed stores of one database
type Manager struct {
	db          *bun.DB
	users       *Users
	identities  *Identities
	logins      *Logins
	tokenLogins *Logins
	remember    *RememberTokens
	memberships *Memberships
}

// NewManager builds every store on db, login tables are taken from tables
func NewManager(db *bun.DB, tables schild.TablesConfig) *Manager {
	return &Manager{
		db:          db,
		users:       NewUsers(db),
		identities:  NewIdentities(db),
		logins:      NewLogins(db, tables.Logins),
		tokenLogins: NewLogins(db, tables.TokenLogins),
		remember:    NewRememberTokens(db),
		memberships: NewMemberships(db),
	}
}

func (m *Manager) Validate() error {
	if m.db == nil {
		return errors.New("repository db should be initialized")
	}
	if m.users == nil || m.identities == nil {
		return errors.New("repository users and identities should be initialized")
	}
	if m.logins == nil || m.tokenLogins == nil {
		return errors.New("repository logins should be initialized")
	}
	if m.remember == nil || m.memberships == nil {
		return errors.New("repository remember and memberships should be initialized")
	}
	return nil
}

func (m *Manager) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m *Manager) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m *Manager) DB() *bun.DB { return m.db }

// Stores returns the ports expected by schild.New
func (m *Manager) Stores() schild.Stores {
	return schild.Stores{
		Users:       m.users,
		Identities:  m.identities,
		Logins:      m.logins,
		TokenLogins: m.tokenLogins,
		Remember:    m.remember,
		Memberships: m.memberships,
	}
}

func (m *Manager) Users() *Users                   { return m.users }
func (m *Manager) Identities() *Identities         { return m.identities }
func (m *Manager) Logins() *Logins                 { return m.logins }
func (m *Manager) TokenLogins() *Logins            { return m.tokenLogins }
func (m *Manager) RememberTokens() *RememberTokens { return m.remember }
func (m *Manager) Memberships() *Memberships       { return m.memberships }
