package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mashvarat/legalchat/internal/domain"
	"github.com/mashvarat/legalchat/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	sessionMu sync.Mutex // serializes liveness-flag writers to prevent SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL for reader/writer concurrency, immediate transactions so the
	// deactivate/activate pair takes the write lock up front.
	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		external_identity TEXT NOT NULL UNIQUE,
		usage_this_month INTEGER NOT NULL DEFAULT 0,
		usage_total INTEGER NOT NULL DEFAULT 0,
		is_blocked INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		user_ref TEXT NOT NULL REFERENCES users(id),
		is_active INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions(user_ref, created_at);
	CREATE UNIQUE INDEX IF NOT EXISTS ux_chat_sessions_one_active ON chat_sessions(user_ref) WHERE is_active = 1;

	CREATE TABLE IF NOT EXISTS chats (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		chat_session_ref TEXT NOT NULL REFERENCES chat_sessions(id),
		role TEXT NOT NULL,
		message TEXT NOT NULL,
		word_document TEXT,
		excel_file TEXT,
		forms TEXT NOT NULL DEFAULT '[]',
		request_id TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chats_session ON chats(chat_session_ref, created_at);
	CREATE INDEX IF NOT EXISTS idx_chats_request ON chats(request_id) WHERE request_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS queries (
		id TEXT PRIMARY KEY,
		user_ref TEXT NOT NULL REFERENCES users(id),
		chat_session_ref TEXT NOT NULL REFERENCES chat_sessions(id),
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		completed_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_queries_status ON queries(status, created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// GetUserByIdentity retrieves a user by external identity.
func (s *SQLiteStore) GetUserByIdentity(ctx context.Context, identity string) (*domain.User, error) {
	query := `
		SELECT id, external_identity, usage_this_month, usage_total,
		       is_blocked, created_at, updated_at
		FROM users WHERE external_identity = ?`

	var user domain.User
	var createdAt, updatedAt int64
	err := s.db.QueryRowContext(ctx, query, identity).Scan(
		&user.ID, &user.ExternalIdentity, &user.UsageThisMonth, &user.UsageTotal,
		&user.IsBlocked, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.CreatedAt = fromMillis(createdAt)
	user.UpdatedAt = fromMillis(updatedAt)
	return &user, nil
}

// EnsureUser returns the user for identity, creating it on first contact.
func (s *SQLiteStore) EnsureUser(ctx context.Context, identity string) (*domain.User, error) {
	now := toMillis(time.Now())
	query := `
	INSERT INTO users (id, external_identity, usage_this_month, usage_total, is_blocked, created_at, updated_at)
	VALUES (?, ?, 0, 0, 0, ?, ?)
	ON CONFLICT(external_identity) DO NOTHING`

	if _, err := s.db.ExecContext(ctx, query, uuid.NewString(), identity, now, now); err != nil {
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
func (s *SQLiteStore) IncrementUsage(ctx context.Context, userID string) error {
	query := `UPDATE users SET usage_this_month = usage_this_month + 1,
		usage_total = usage_total + 1, updated_at = ? WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, toMillis(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	return requireRow(result, "increment usage")
}

// ResetMonthlyUsage zeroes usage_this_month for every user.
func (s *SQLiteStore) ResetMonthlyUsage(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET usage_this_month = 0, updated_at = ? WHERE usage_this_month <> 0`,
		toMillis(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("reset monthly usage: %w", err)
	}
	return result.RowsAffected()
}

// SetBlocked sets the block flag for a user.
func (s *SQLiteStore) SetBlocked(ctx context.Context, userID string, blocked bool) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_blocked = ?, updated_at = ? WHERE id = ?`,
		blocked, toMillis(time.Now()), userID)
	if err != nil {
		return fmt.Errorf("set blocked: %w", err)
	}
	return requireRow(result, "set blocked")
}

func requireRow(result sql.Result, op string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("Update affected 0 rows", "op", op)
		return ErrNotFound
	}
	return nil
}

// GetSession retrieves a session owned by userID.
func (s *SQLiteStore) GetSession(ctx context.Context, userID, sessionID string) (*domain.Session, error) {
	query := `SELECT id, user_ref, is_active, created_at
		FROM chat_sessions WHERE id = ? AND user_ref = ?`

	var sess domain.Session
	var createdAt int64
	err := s.db.QueryRowContext(ctx, query, sessionID, userID).Scan(
		&sess.ID, &sess.UserID, &sess.IsActive, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	sess.CreatedAt = fromMillis(createdAt)
	return &sess, nil
}

// ListSessions returns the user's sessions, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string, limit int) ([]*domain.Session, error) {
	query := `SELECT id, user_ref, is_active, created_at
		FROM chat_sessions WHERE user_ref = ?
		ORDER BY created_at DESC, rowid DESC`
	args := []interface{}{userID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		var sess domain.Session
		var createdAt int64
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.IsActive, &createdAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sess.CreatedAt = fromMillis(createdAt)
		sessions = append(sessions, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

// CreateSession deactivates the user's sessions and inserts a new active one.
func (s *SQLiteStore) CreateSession(ctx context.Context, userID string) (*domain.Session, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	sess := &domain.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		IsActive:  true,
		CreatedAt: fromMillis(toMillis(time.Now())),
	}

	err := shared.Retry(ctx, shared.DefaultRetryPolicy, "create session", func(ctx context.Context) error {
		return s.withTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`UPDATE chat_sessions SET is_active = 0 WHERE user_ref = ? AND is_active = 1`, userID); err != nil {
				return fmt.Errorf("deactivate sessions: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO chat_sessions (id, user_ref, is_active, created_at) VALUES (?, ?, 1, ?)`,
				sess.ID, userID, toMillis(sess.CreatedAt)); err != nil {
				return fmt.Errorf("insert session: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ActivateSession makes sessionID the user's only active session.
func (s *SQLiteStore) ActivateSession(ctx context.Context, userID, sessionID string) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	return shared.Retry(ctx, shared.DefaultRetryPolicy, "activate session", func(ctx context.Context) error {
		return s.activateTx(ctx, userID, sessionID)
	})
}

func (s *SQLiteStore) activateTx(ctx context.Context, userID, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var owned int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM chat_sessions WHERE id = ? AND user_ref = ?`,
			sessionID, userID).Scan(&owned); err != nil {
			return fmt.Errorf("check session owner: %w", err)
		}
		if owned == 0 {
			return ErrSessionNotOwned
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE chat_sessions SET is_active = 0 WHERE user_ref = ? AND is_active = 1`, userID); err != nil {
			return fmt.Errorf("deactivate sessions: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE chat_sessions SET is_active = 1 WHERE id = ? AND user_ref = ?`, sessionID, userID); err != nil {
			return fmt.Errorf("activate session: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// AppendMessage inserts one transcript entry.
func (s *SQLiteStore) AppendMessage(ctx context.Context, in domain.NewMessage) (*domain.Message, error) {
	forms := in.Artifacts.Forms
	if forms == nil {
		forms = []string{}
	}
	formsJSON, err := json.Marshal(forms)
	if err != nil {
		return nil, fmt.Errorf("encode forms: %w", err)
	}

	msg := &domain.Message{
		ID:        uuid.NewString(),
		SessionID: in.SessionID,
		Role:      in.Role,
		Content:   in.Content,
		RequestID: in.RequestID,
		CreatedAt: fromMillis(toMillis(time.Now())),
		Artifacts: domain.Artifacts{
			WordDocument: in.Artifacts.WordDocument,
			ExcelFile:    in.Artifacts.ExcelFile,
			Forms:        forms,
		},
	}

	query := `
	INSERT INTO chats (id, chat_session_ref, role, message, word_document, excel_file, forms, request_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content,
		nullableString(msg.WordDocument), nullableString(msg.ExcelFile),
		string(formsJSON), nullableText(msg.RequestID), toMillis(msg.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("insert chat message: %w", err)
	}
	if msg.Seq, err = result.LastInsertId(); err != nil {
		return nil, fmt.Errorf("read chat sequence: %w", err)
	}
	return msg, nil
}

const messageColumns = `seq, id, chat_session_ref, role, message, word_document, excel_file, forms, request_id, created_at`

// ListMessages returns a session's transcript.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM chats WHERE chat_session_ref = ?`
	args := []interface{}{sessionID}
	if limit > 0 {
		query += ` ORDER BY created_at DESC, seq DESC LIMIT ?`
		args = append(args, limit)
	} else {
		query += ` ORDER BY created_at ASC, seq ASC`
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chat messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat rows", "error", closeErr)
		}
	}()

	var msgs []*domain.Message
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
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
func (s *SQLiteStore) LatestAssistantMessage(ctx context.Context, sessionID string, filter AnswerFilter) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM chats WHERE chat_session_ref = ? AND role = ?`
	args := []interface{}{sessionID, string(domain.RoleAssistant)}
	order := ` ORDER BY created_at DESC, seq DESC LIMIT 1`
	if filter.RequestID != "" {
		// Untagged rows written after the query was dispatched answer it too;
		// the dispatch time comes from the ledger, never from the caller.
		query += ` AND (request_id = ? OR (COALESCE(request_id, '') = '' AND created_at >= (
			SELECT q.created_at FROM queries q WHERE q.id = ? AND q.chat_session_ref = chats.chat_session_ref)))`
		args = append(args, filter.RequestID, filter.RequestID)
		order = ` ORDER BY CASE WHEN request_id = ? THEN 0 ELSE 1 END, created_at ASC, seq ASC LIMIT 1`
	}
	if !filter.After.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, toMillis(filter.After))
	}
	if filter.RequestID != "" {
		args = append(args, filter.RequestID)
	}
	query += order

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query latest assistant message: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close chat rows", "error", closeErr)
		}
	}()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate latest assistant message: %w", err)
		}
		return nil, nil
	}
	return scanSQLiteMessage(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var role, formsJSON string
	var wordDocument, excelFile, requestID sql.NullString
	var createdAt int64

	if err := row.Scan(
		&msg.Seq, &msg.ID, &msg.SessionID, &role, &msg.Content,
		&wordDocument, &excelFile, &formsJSON, &requestID, &createdAt,
	); err != nil {
		return nil, fmt.Errorf("scan chat row: %w", err)
	}

	msg.Role = domain.Role(role)
	msg.RequestID = requestID.String
	msg.CreatedAt = fromMillis(createdAt)
	if wordDocument.Valid {
		msg.WordDocument = &wordDocument.String
	}
	if excelFile.Valid {
		msg.ExcelFile = &excelFile.String
	}
	msg.Forms = []string{}
	if formsJSON != "" {
		if err := json.Unmarshal([]byte(formsJSON), &msg.Forms); err != nil {
			return nil, fmt.Errorf("decode forms: %w", err)
		}
	}
	return &msg, nil
}

func nullableString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableText(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// CreateQuery records a dispatched query.
func (s *SQLiteStore) CreateQuery(ctx context.Context, q *domain.Query) error {
	query := `INSERT INTO queries (id, user_ref, chat_session_ref, status, created_at)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query,
		q.RequestID, q.UserID, q.SessionID, string(q.Status), toMillis(q.CreatedAt)); err != nil {
		return fmt.Errorf("insert query: %w", err)
	}
	return nil
}

// GetQuery retrieves a query by request ID.
func (s *SQLiteStore) GetQuery(ctx context.Context, requestID string) (*domain.Query, error) {
	query := `SELECT id, user_ref, chat_session_ref, status, created_at, completed_at
		FROM queries WHERE id = ?`

	var q domain.Query
	var status string
	var createdAt int64
	var completedAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, requestID).Scan(
		&q.RequestID, &q.UserID, &q.SessionID, &status, &createdAt, &completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan query row: %w", err)
	}

	q.Status = domain.QueryStatus(status)
	q.CreatedAt = fromMillis(createdAt)
	if completedAt.Valid {
		ts := fromMillis(completedAt.Int64)
		q.CompletedAt = &ts
	}
	return &q, nil
}

// CompleteQuery marks a query completed.
func (s *SQLiteStore) CompleteQuery(ctx context.Context, requestID string, at time.Time) error {
	query := `UPDATE queries SET status = ?, completed_at = ? WHERE id = ? AND status <> ?`
	if _, err := s.db.ExecContext(ctx, query,
		string(domain.QueryCompleted), toMillis(at), requestID, string(domain.QueryCompleted)); err != nil {
		return fmt.Errorf("complete query: %w", err)
	}
	return nil
}

// ExpireQueries marks stale processing queries as expired.
func (s *SQLiteStore) ExpireQueries(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE queries SET status = ? WHERE status = ? AND created_at < ?`,
		string(domain.QueryExpired), string(domain.QueryProcessing), toMillis(olderThan))
	if err != nil {
		return 0, fmt.Errorf("expire queries: %w", err)
	}
	return result.RowsAffected()
}
