package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"oblivion/internal/shard"
	"oblivion/pkg/domain"
)

// Namespace numbers for identity-owned content pages.
const (
	NamespaceUser     = 2
	NamespaceUserTalk = 3
)

// SQLSessionFactory adapts a shard connection provider into engine sessions.
type SQLSessionFactory struct {
	provider shard.ConnectionProvider
}

func NewSQLSessionFactory(provider shard.ConnectionProvider) *SQLSessionFactory {
	return &SQLSessionFactory{provider: provider}
}

func (f *SQLSessionFactory) Session(ctx context.Context, id domain.ShardID) (Session, error) {
	db, err := f.provider.Shard(ctx, id)
	if err != nil {
		return nil, err
	}
	return &sqlSession{db: db}, nil
}

func (f *SQLSessionFactory) WaitForReplication(ctx context.Context, id domain.ShardID) error {
	return f.provider.WaitForReplication(ctx, id)
}

// sqlSession runs each mutation in its own transaction so every rule is a
// bounded atomic section.
type sqlSession struct {
	db *sql.DB
}

func (s *sqlSession) ActorID(ctx context.Context, userID domain.UserID) (int64, error) {
	var actorID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT actor_id FROM actor WHERE actor_user = $1`,
		uuid.UUID(userID)).Scan(&actorID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("resolve actor id: %w", err)
	}
	return actorID, nil
}

func (s *sqlSession) TableExists(ctx context.Context, table string) (bool, error) {
	// The name is passed quoted so to_regclass resolves it case-exactly.
	// Unquoted input would case-fold, and the check would then disagree with
	// Delete/Update, which render the quoted identifier.
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT to_regclass($1) IS NOT NULL`, pq.QuoteIdentifier(table)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return exists, nil
}

func (s *sqlSession) Delete(ctx context.Context, table string, where []Clause) error {
	whereSQL, args := buildWhere(where, 0)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", pq.QuoteIdentifier(table), whereSQL)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *sqlSession) Update(ctx context.Context, table string, set, where []Clause) error {
	setSQL, args := buildSet(set)
	whereSQL, whereArgs := buildWhere(where, len(args))
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		pq.QuoteIdentifier(table), setSQL, whereSQL)
	args = append(args, whereArgs...)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *sqlSession) UserPages(ctx context.Context, oldKey, newKey string) ([]Page, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT page_id, page_namespace, page_title
		FROM page
		WHERE page_namespace IN ($1, $2)
		  AND (page_title = $3 OR page_title LIKE $4
		    OR page_title = $5 OR page_title LIKE $6)
	`, NamespaceUser, NamespaceUserTalk,
		oldKey, subpagePattern(oldKey), newKey, subpagePattern(newKey))
	if err != nil {
		return nil, fmt.Errorf("list user pages: %w", err)
	}
	defer rows.Close()

	var pages []Page
	for rows.Next() {
		var p Page
		if err := rows.Scan(&p.ID, &p.Namespace, &p.Title); err != nil {
			return nil, fmt.Errorf("scan page row: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

func (s *sqlSession) DeletePage(ctx context.Context, page Page) error {
	// Immediate suppressed delete: the page and its revisions go together
	// in one atomic section. No deletion log row is written here; log
	// residue for these titles is purged right after anyway.
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM revision WHERE rev_page = $1`, page.ID); err != nil {
			return fmt.Errorf("delete revisions: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM page WHERE page_id = $1`, page.ID); err != nil {
			return fmt.Errorf("delete page: %w", err)
		}
		return nil
	})
}

func (s *sqlSession) PurgeArchive(ctx context.Context, oldKey, newKey string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM archive
		WHERE ar_namespace IN ($1, $2)
		  AND (ar_title = $3 OR ar_title LIKE $4
		    OR ar_title = $5 OR ar_title LIKE $6)
	`, NamespaceUser, NamespaceUserTalk,
		oldKey, subpagePattern(oldKey), newKey, subpagePattern(newKey))
	return err
}

func (s *sqlSession) PurgeLogging(ctx context.Context, oldKey, newKey string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM logging
		WHERE log_title = $1 OR log_title LIKE $2
		   OR log_title = $3 OR log_title LIKE $4
	`, oldKey, subpagePattern(oldKey), newKey, subpagePattern(newKey))
	return err
}

func (s *sqlSession) PurgeRecentChanges(ctx context.Context, oldKey, newKey string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM recentchanges
		WHERE rc_title = $1 OR rc_title LIKE $2
		   OR rc_title = $3 OR rc_title LIKE $4
	`, oldKey, subpagePattern(oldKey), newKey, subpagePattern(newKey))
	return err
}

func (s *sqlSession) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin atomic section: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// buildWhere renders "field = $n AND ..." starting after offset placeholders.
// Field names come from the process-start rule registry, not request input,
// but are quoted anyway.
func buildWhere(clauses []Clause, offset int) (string, []any) {
	parts := make([]string, 0, len(clauses))
	args := make([]any, 0, len(clauses))
	for i, c := range clauses {
		parts = append(parts, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(c.Field), offset+i+1))
		args = append(args, c.Value)
	}
	return strings.Join(parts, " AND "), args
}

// buildSet renders "field = $n, ..."; a nil value scrubs the field to NULL.
func buildSet(clauses []Clause) (string, []any) {
	parts := make([]string, 0, len(clauses))
	args := make([]any, 0, len(clauses))
	for i, c := range clauses {
		parts = append(parts, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(c.Field), i+1))
		args = append(args, c.Value)
	}
	return strings.Join(parts, ", "), args
}

// subpagePattern builds the LIKE pattern matching subpages of key, escaping
// LIKE metacharacters in the key itself.
func subpagePattern(key string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(key)
	return escaped + "/%"
}
