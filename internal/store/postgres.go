package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mashvarat/legalchat/internal/domain"
	"github.com/mashvarat/legalchat/internal/shared"
)

// PostgresStore implements Repository on Postgres (Supabase) via pgx.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		external_identity TEXT NOT NULL UNIQUE,
		usage_this_month INTEGER NOT NULL DEFAULT 0,
		usage_total INTEGER NOT NULL DEFAULT 0,
		is_blocked BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_ref TEXT NOT NULL REFERENCES users(id),
		is_active BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_ref, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_chat_sessions_one_active ON chat_sessions(user_ref) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS chats (
		seq BIGSERIAL UNIQUE,
		id TEXT PRIMARY KEY,
		chat_session_ref TEXT NOT NULL REFERENCES chat_sessions(id),
		role TEXT NOT NULL,
		message TEXT NOT NULL,
		word_document TEXT,
		excel_file TEXT,
		forms TEXT[] NOT NULL DEFAULT '{}',
		request_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_chats_session ON chats(chat_session_ref, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_chats_request ON chats(request_id) WHERE request_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS queries (
		id TEXT PRIMARY KEY,
		user_ref TEXT NOT NULL REFERENCES users(id),
		chat_session_ref TEXT NOT NULL REFERENCES chat_sessions(id),
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queries_status ON queries(status, created_at)`,
}

// NewPostgres connects a pgx pool and ensures the schema exists.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 25
	cfg.MaxConnLifetime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("initialize schema: %w", err)
		}
	}
	return &PostgresStore{pool: pool}, nil
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// GetUserByIdentity retrieves a user by external identity.
func (s *PostgresStore) GetUserByIdentity(ctx context.Context, identity string) (*domain.User, error) {
	var user domain.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, external_identity, usage_this_month, usage_total,
		       is_blocked, created_at, updated_at
		FROM users WHERE external_identity = $1`, identity).Scan(
		&user.ID, &user.ExternalIdentity, &user.UsageThisMonth, &user.UsageTotal,
		&user.IsBlocked, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}
	return &user, nil
}

// EnsureUser returns the user for identity, creating it on first contact.
func (s *PostgresStore) EnsureUser(ctx context.Context, identity string) (*domain.User, error) {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, external_identity) VALUES ($1, $2)
		ON CONFLICT (external_identity) DO NOTHING`, uuid.NewString(), identity); err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}

	user, err := s.GetUserByIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("user %q vanished after insert", identity)
	}
	return user, nil
}

// IncrementUsage bumps the monthly and total usage counters.
func (s *PostgresStore) IncrementUsage(ctx context.Context, userID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE users SET usage_this_month = usage_this_month + 1,
		       usage_total = usage_total + 1, updated_at = now()
		WHERE id = $1`, userID)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetMonthlyUsage zeroes usage_this_month for every user.
func (s *PostgresStore) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET usage_this_month = 0, updated_at = now() WHERE usage_this_month <> 0`)
	if err != nil {
		return 0, fmt.Errorf("reset monthly usage: %w", err)
	}
	return tag.RowsAffected(), nil
}

// SetBlocked sets the block flag for a user.
func (s *PostgresStore) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET is_blocked = $1, updated_at = now() WHERE id = $2`, blocked, userID)
	if err != nil {
		return fmt.Errorf("set blocked: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetSession retrieves a session owned by userID.
func (s *PostgresStore) GetSession(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	var sess domain.Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_ref, is_active, created_at
		FROM chat_sessions WHERE id = $1 AND user_ref = $2`, sessionID, userID).Scan(
		&sess.ID, &sess.UserID, &sess.IsActive, &sess.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return &sess, nil
}

// ListSessions returns the user's sessions, newest first.
func (s *PostgresStore) ListSessions(ctx context.Context, userID string, limit int) ([]*domain.Session, error) {
	query := `SELECT id, user_ref, is_active, created_at
		FROM chat_sessions WHERE user_ref = $1
		ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*domain.Session
	for rows.Next() {
		var sess domain.Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.IsActive, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// lockUser takes the per-user row lock that serializes liveness-flag writers.
func lockUser(ctx context.Context, tx pgx.Tx, userID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	return nil
}

// CreateSession deactivates the user's sessions and inserts a new active one.
func (s *PostgresStore) CreateSession(ctx context.Context, userID string) (*domain.Session, error) {
	sess := &domain.Session{ID: uuid.NewString(), UserID: userID, IsActive: true}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, userID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`UPDATE chat_sessions SET is_active = FALSE WHERE user_ref = $1 AND is_active`, userID); err != nil {
			return fmt.Errorf("deactivate sessions: %w", err)
		}
		if err := tx.QueryRow(ctx,
			`INSERT INTO chat_sessions (id, user_ref, is_active) VALUES ($1, $2, TRUE) RETURNING created_at`,
			sess.ID, userID).Scan(&sess.CreatedAt); err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ActivateSession makes sessionID the user's only active session.
func (s *PostgresStore) ActivateSession(ctx context.Context, userID, sessionID string) error {
	return shared.Retry(ctx, shared.DefaultRetryPolicy, "activate session", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			return activateInTx(ctx, tx, userID, sessionID)
		})
	})
}

func activateInTx(ctx context.Context, tx pgx.Tx, userID, sessionID string) error {
	if err := lockUser(ctx, tx, userID); err != nil {
		return err
	}

	var owned bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM chat_sessions WHERE id = $1 AND user_ref = $2)`,
		sessionID, userID).Scan(&owned); err != nil {
		return fmt.Errorf("check session owner: %w", err)
	}
	if !owned {
		return ErrSessionNotOwned
	}

	if _, err := tx.Exec(ctx,
		`UPDATE chat_sessions SET is_active = FALSE WHERE user_ref = $1 AND is_active`, userID); err != nil {
		return fmt.Errorf("deactivate sessions: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE chat_sessions SET is_active = TRUE WHERE id = $1 AND user_ref = $2`, sessionID, userID); err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	return nil
}

// AppendMessage inserts one transcript entry.
func (s *PostgresStore) AppendMessage(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	forms := in.Artifacts.Forms
	if forms == nil {
		forms = []string{}
	}

	msg := &domain.Message{
		ID:        uuid.NewString(),
		SessionID: in.SessionID,
		Role:      in.Role,
		Content:   in.Content,
		RequestID: in.RequestID,
		Artifacts: domain.Artifacts{
			WordDocument: in.Artifacts.WordDocument,
			ExcelFile:    in.Artifacts.ExcelFile,
			Forms:        forms,
		},
	}

	var requestID *string
	if in.RequestID != "" {
		requestID = &in.RequestID
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO chats (id, chat_session_ref, role, message, word_document, excel_file, forms, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING seq, created_at`,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content,
		msg.WordDocument, msg.ExcelFile, forms, requestID,
	).Scan(&msg.Seq, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert chat message: %w", err)
	}
	return msg, nil
}

const pgMessageColumns = `seq, id, chat_session_ref, role, message, word_document, excel_file, forms, request_id, created_at`

// ListMessages returns a session's transcript.
func (s *PostgresStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	query := `SELECT ` + pgMessageColumns + ` FROM chats WHERE chat_session_ref = $1`
	args := []any{sessionID}
	if limit > 0 {
		query += ` ORDER BY created_at DESC, seq DESC LIMIT $2`
		args = append(args, limit)
	} else {
		query += ` ORDER BY created_at ASC, seq ASC`
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.Message
	for rows.Next() {
		msg, err := scanPostgresMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate chat messages: %w", err)
	}
	return msgs, nil
}

// LatestAssistantMessage returns the most recent assistant message matching filter.
func (s *PostgresStore) LatestAssistantMessage(ctx context.Context, sessionID string, filter AnswerFilter) (*domain.Message, error) {
	query := `SELECT ` + pgMessageColumns + ` FROM chats WHERE chat_session_ref = $1 AND role = $2`
	args := []any{sessionID, string(domain.RoleAssistant)}
	order := ` ORDER BY created_at DESC, seq DESC LIMIT 1`
	if filter.RequestID != "" {
		// Untagged rows written after the query was dispatched answer it too;
		// the dispatch time comes from the ledger, never from the caller.
		args = append(args, filter.RequestID)
		n := len(args)
		query += fmt.Sprintf(` AND (request_id = $%[1]d OR (COALESCE(request_id, '') = '' AND created_at >= (
			SELECT q.created_at FROM queries q WHERE q.id = $%[1]d AND q.chat_session_ref = chats.chat_session_ref)))`, n)
		order = fmt.Sprintf(` ORDER BY (request_id IS NOT DISTINCT FROM $%d) DESC, created_at ASC, seq ASC LIMIT 1`, n)
	}
	if !filter.After.IsZero() {
		args = append(args, filter.After)
		query += fmt.Sprintf(` AND created_at > $%d`, len(args))
	}
	query += order

	msg, err := scanPostgresMessage(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func scanPostgresMessage(row pgx.Row) (*domain.Message, error) {
	var msg domain.Message
	var role string
	var requestID *string

	err := row.Scan(
		&msg.Seq, &msg.ID, &msg.SessionID, &role, &msg.Content,
		&msg.WordDocument, &msg.ExcelFile, &msg.Forms, &requestID, &msg.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan chat row: %w", err)
	}

	msg.Role = domain.Role(role)
	if requestID != nil {
		msg.RequestID = *requestID
	}
	if msg.Forms == nil {
		msg.Forms = []string{}
	}
	return &msg, nil
}

// CreateQuery records a dispatched query. The row is stamped with the
// database clock, the same clock that stamps chat rows, and q.CreatedAt is
// updated to match.
func (s *PostgresStore) CreateQuery(ctx context.Context, q *domain.Query) error {
	if err := s.pool.QueryRow(ctx, `
		INSERT INTO queries (id, user_ref, chat_session_ref, status, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING created_at`,
		q.RequestID, q.UserID, q.SessionID, string(q.Status)).Scan(&q.CreatedAt); err != nil {
		return fmt.Errorf("insert query: %w", err)
	}
	return nil
}

// GetQuery retrieves a query by request ID.
func (s *PostgresStore) GetQuery(ctx context.Context, requestID string) (*domain.Query, error) {
	var q domain.Query
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_ref, chat_session_ref, status, created_at, completed_at
		FROM queries WHERE id = $1`, requestID).Scan(
		&q.RequestID, &q.UserID, &q.SessionID, &status, &q.CreatedAt, &q.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan query row: %w", err)
	}
	q.Status = domain.QueryStatus(status)
	return &q, nil
}

// CompleteQuery marks a query completed.
func (s *PostgresStore) CompleteQuery(ctx context.Context, requestID string, at time.Time) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE queries SET status = $1, completed_at = $2
		WHERE id = $3 AND status <> $1`,
		string(domain.QueryCompleted), at, requestID); err != nil {
		return fmt.Errorf("complete query: %w", err)
	}
	return nil
}

// ExpireQueries marks stale processing queries as expired.
func (s *PostgresStore) ExpireQueries(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queries SET status = $1 WHERE status = $2 AND created_at < $3`,
		string(domain.QueryExpired), string(domain.QueryProcessing), olderThan)
	if err != nil {
		return 0, fmt.Errorf("expire queries: %w", err)
	}
	return tag.RowsAffected(), nil
}
