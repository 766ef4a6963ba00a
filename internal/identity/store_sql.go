package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"oblivion/pkg/domain"
	"oblivion/pkg/platform/sentinel"
)

// SQLStore keeps profiles in the home shard's user and actor tables.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const userSchema = `
CREATE TABLE IF NOT EXISTS users (
	user_id       UUID PRIMARY KEY,
	user_name     TEXT NOT NULL UNIQUE,
	user_email    TEXT NOT NULL DEFAULT '',
	user_realname TEXT NOT NULL DEFAULT '',
	user_password TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS actor (
	actor_id   BIGSERIAL PRIMARY KEY,
	actor_user UUID,
	actor_name TEXT NOT NULL UNIQUE
);
`

// EnsureSchema creates the identity tables if absent.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, userSchema); err != nil {
		return fmt.Errorf("ensure identity schema: %w", err)
	}
	return nil
}

func (s *SQLStore) FindByID(ctx context.Context, id domain.UserID) (*Profile, error) {
	var (
		p   Profile
		uid uuid.UUID
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, user_name, user_email, user_realname, user_password
		FROM users WHERE user_id = $1
	`, uuid.UUID(id)).Scan(&uid, &p.Name, &p.Email, &p.RealName, &p.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find profile: %w", err)
	}
	p.ID = domain.UserID(uid)
	return &p, nil
}

func (s *SQLStore) SaveProfile(ctx context.Context, p *Profile) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET user_email = $2, user_realname = $3, user_password = $4
		WHERE user_id = $1
	`, uuid.UUID(p.ID), p.Email, p.RealName, p.PasswordHash)
	if err != nil {
		return fmt.Errorf("save profile: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

// Rename moves the user and actor rows in one transaction. Zero affected
// rows means the rename was already applied on a previous delivery.
func (s *SQLStore) Rename(ctx context.Context, oldName, newName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rename: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET user_name = $2 WHERE user_name = $1`,
		oldName, newName); err != nil {
		return fmt.Errorf("rename user row: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE actor SET actor_name = $2 WHERE actor_name = $1`,
		oldName, newName); err != nil {
		return fmt.Errorf("rename actor row: %w", err)
	}
	return tx.Commit()
}
