package request

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"oblivion/internal/forget/models"
	"oblivion/pkg/domain"
	"oblivion/pkg/platform/sentinel"
)

// PostgresStore persists requests and shard targets in PostgreSQL.
//
// The one-active-request-per-user invariant is enforced by a partial unique
// index rather than a pre-check, which closes the race between two
// simultaneous initiations for the same user.
type PostgresStore struct {
	db    *sql.DB
	clock Clock
}

// Clock abstracts time for testability.
type Clock func() time.Time

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithClock sets the clock function for testability.
func WithClock(clock Clock) PostgresOption {
	return func(s *PostgresStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewPostgres constructs a PostgreSQL-backed request store.
func NewPostgres(db *sql.DB, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{db: db, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

const schema = `
CREATE TABLE IF NOT EXISTS forget_requests (
	id            UUID PRIMARY KEY,
	user_id       UUID NOT NULL,
	name_original TEXT NOT NULL,
	name_target   TEXT NOT NULL,
	status        INT NOT NULL,
	source        TEXT NOT NULL,
	token         TEXT,
	token_expires TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS forget_requests_one_active
	ON forget_requests (user_id) WHERE status IN (1, 2, 3);

CREATE INDEX IF NOT EXISTS forget_requests_token
	ON forget_requests (token) WHERE token IS NOT NULL;

CREATE TABLE IF NOT EXISTS forget_request_targets (
	request_id    UUID NOT NULL REFERENCES forget_requests (id),
	shard_id      TEXT NOT NULL,
	status        INT NOT NULL,
	error_message TEXT,
	updated_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (request_id, shard_id)
);
`

// EnsureSchema creates the request tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure request schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, req *models.Request) error {
	query := `
		INSERT INTO forget_requests
			(id, user_id, name_original, name_target, status, source, token, token_expires, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.db.ExecContext(ctx, query,
		uuid.UUID(req.ID), uuid.UUID(req.UserID),
		req.OriginalName, req.TargetName,
		int(req.Status), string(req.Source),
		nullString(req.Token), req.TokenExpires, req.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create forget request: %w", err)
	}
	return nil
}

const requestColumns = `id, user_id, name_original, name_target, status, source, token, token_expires, created_at, completed_at`

func (s *PostgresStore) FindByID(ctx context.Context, id domain.RequestID) (*models.Request, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM forget_requests WHERE id = $1`, uuid.UUID(id))
	return scanRequest(row)
}

func (s *PostgresStore) FindByToken(ctx context.Context, token string) (*models.Request, error) {
	if token == "" {
		return nil, sentinel.ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM forget_requests WHERE token = $1`, token)
	return scanRequest(row)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id domain.RequestID, status models.Status) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE forget_requests SET status = $2 WHERE id = $1`,
		uuid.UUID(id), int(status))
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListAll(ctx context.Context) ([]*models.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM forget_requests ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list forget requests: %w", err)
	}
	defer rows.Close()

	var out []*models.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateShardTargets(ctx context.Context, targets []models.ShardTarget) error {
	if len(targets) == 0 {
		return nil
	}
	// One multi-row insert keeps fan-out all-or-nothing.
	args := make([]any, 0, len(targets)*4)
	placeholders := make([]string, 0, len(targets))
	now := s.clock()
	for i, t := range targets {
		base := i * 4
		placeholders = append(placeholders,
			fmt.Sprintf("($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4))
		args = append(args, uuid.UUID(t.RequestID), string(t.ShardID), int(t.Status), now)
	}
	query := `INSERT INTO forget_request_targets (request_id, shard_id, status, updated_at) VALUES ` +
		strings.Join(placeholders, ", ")
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("duplicate shard target: %w", sentinel.ErrConflict)
		}
		return fmt.Errorf("create shard targets: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateShardStatus(ctx context.Context, id domain.RequestID, shard domain.ShardID, status models.Status, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE forget_request_targets
		SET status = $3, error_message = $4, updated_at = $5
		WHERE request_id = $1 AND shard_id = $2
	`, uuid.UUID(id), string(shard), int(status), nullString(errMsg), s.clock())
	if err != nil {
		return fmt.Errorf("update shard status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ShardTargets(ctx context.Context, id domain.RequestID) ([]models.ShardTarget, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, shard_id, status, error_message, updated_at
		FROM forget_request_targets
		WHERE request_id = $1
		ORDER BY shard_id
	`, uuid.UUID(id))
	if err != nil {
		return nil, fmt.Errorf("load shard targets: %w", err)
	}
	defer rows.Close()

	var out []models.ShardTarget
	for rows.Next() {
		var (
			t      models.ShardTarget
			reqID  uuid.UUID
			shard  string
			status int
			msg    sql.NullString
		)
		if err := rows.Scan(&reqID, &shard, &status, &msg, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan shard target: %w", err)
		}
		t.RequestID = domain.RequestID(reqID)
		t.ShardID = domain.ShardID(shard)
		t.Status = models.Status(status)
		t.ErrorMessage = msg.String
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Callers must distinguish "no rows" from a populated set: a zero-shard
	// request never had targets at all.
	if len(out) == 0 {
		return nil, sentinel.ErrNotFound
	}
	return out, nil
}

func (s *PostgresStore) FinalizeIfComplete(ctx context.Context, id domain.RequestID, now time.Time) (*models.Request, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin finalize tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Lock the master row so concurrent finishers serialize here; exactly
	// one of them observes the zero count while the request is still active.
	// The full row is read under the lock so the transitioned request can be
	// returned without a post-commit query that could fail after the fact.
	req, err := scanRequest(tx.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM forget_requests WHERE id = $1 FOR UPDATE`,
		uuid.UUID(id)))
	if err != nil {
		return nil, false, err
	}
	if !req.Status.Active() {
		return nil, false, nil
	}

	var pending int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM forget_request_targets
		WHERE request_id = $1 AND status IN (1, 2, 3)
	`, uuid.UUID(id)).Scan(&pending)
	if err != nil {
		return nil, false, fmt.Errorf("count active shard targets: %w", err)
	}
	if pending != 0 {
		return nil, false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE forget_requests SET status = $2, completed_at = $3 WHERE id = $1
	`, uuid.UUID(id), int(models.StatusFinished), now)
	if err != nil {
		return nil, false, fmt.Errorf("mark request finished: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit finalize: %w", err)
	}

	req.Status = models.StatusFinished
	completed := now
	req.CompletedAt = &completed
	return req, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.Request, error) {
	var (
		req          models.Request
		id, userID   uuid.UUID
		status       int
		source       string
		token        sql.NullString
		tokenExpires sql.NullTime
		completedAt  sql.NullTime
	)
	err := row.Scan(&id, &userID, &req.OriginalName, &req.TargetName,
		&status, &source, &token, &tokenExpires, &req.CreatedAt, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan forget request: %w", err)
	}
	req.ID = domain.RequestID(id)
	req.UserID = domain.UserID(userID)
	req.Status = models.Status(status)
	req.Source = models.Source(source)
	req.Token = token.String
	if tokenExpires.Valid {
		req.TokenExpires = tokenExpires.Time
	}
	if completedAt.Valid {
		t := completedAt.Time
		req.CompletedAt = &t
	}
	return &req, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
