// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mashvarat/legalchat/internal/domain"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSessionNotOwned is returned when a session does not exist or
	// belongs to another user.
	ErrSessionNotOwned = errors.New("invalid session")
)

// AnswerFilter narrows the assistant message lookup used by completion checks.
type AnswerFilter struct {
	// RequestID, when set, matches the answer carrying that correlation token,
	// or else the earliest untagged answer stored at or after the query's
	// ledger timestamp.
	RequestID string
	// After, when non-zero, ignores answers created at or before this instant.
	After time.Time
}

// Repository defines the interface for persisting users, sessions, messages
// and dispatched queries.
type Repository interface {
	// GetUserByIdentity retrieves a user by external (Clerk) identity.
	// Returns nil, nil when no such user exists.
	GetUserByIdentity(ctx context.Context, identity string) (*domain.User, error)

	// EnsureUser returns the user for identity, creating it on first contact.
	EnsureUser(ctx context.Context, identity string) (*domain.User, error)

	// IncrementUsage bumps the monthly and total usage counters.
	IncrementUsage(ctx context.Context, userID string) error

	// ResetMonthlyUsage zeroes usage_this_month for every user.
	ResetMonthlyUsage(ctx context.Context) (int64, error)

	// SetBlocked sets the block flag for a user.
	SetBlocked(ctx context.Context, userID string, blocked bool) error

	// GetSession retrieves a session owned by userID.
	// Returns nil, nil when the session does not exist or is not owned.
	GetSession(ctx context.Context, userID, sessionID string) (*domain.Session, error)

	// ListSessions returns the user's sessions, newest first. limit <= 0 means all.
	ListSessions(ctx context.Context, userID string, limit int) ([]*domain.Session, error)

	// CreateSession deactivates every session of the user and inserts a new
	// active one, as a single transaction.
	CreateSession(ctx context.Context, userID string) (*domain.Session, error)

	// ActivateSession deactivates every session of the user and activates
	// sessionID, as a single transaction. Returns ErrSessionNotOwned without
	// touching any row when the session does not belong to the user.
	ActivateSession(ctx context.Context, userID, sessionID string) error

	// AppendMessage inserts one transcript entry.
	AppendMessage(ctx context.Context, msg domain.NewMessage) (*domain.Message, error)

	// ListMessages returns a session's transcript. With limit <= 0 the whole
	// transcript in ascending order; otherwise the latest limit entries, newest first.
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*domain.Message, error)

	// LatestAssistantMessage returns the most recent assistant message matching
	// filter; with filter.RequestID, the answer to that query (see AnswerFilter).
	// Returns nil, nil when there is none.
	LatestAssistantMessage(ctx context.Context, sessionID string, filter AnswerFilter) (*domain.Message, error)

	// CreateQuery records a dispatched query.
	CreateQuery(ctx context.Context, q *domain.Query) error

	// GetQuery retrieves a query by request ID. Returns nil, nil when absent.
	GetQuery(ctx context.Context, requestID string) (*domain.Query, error)

	// CompleteQuery marks a query completed. Completing an already completed
	// query is a no-op.
	CompleteQuery(ctx context.Context, requestID string, at time.Time) error

	// ExpireQueries marks processing queries created before olderThan as expired.
	ExpireQueries(ctx context.Context, olderThan time.Time) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}

// Open picks the backend from the connection string: postgres:// and
// postgresql:// URLs use Postgres, anything else is a SQLite file path.
func Open(ctx context.Context, databaseURL, sqlitePath string) (Repository, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return NewPostgres(ctx, databaseURL)
	}
	return NewSQLite(sqlitePath)
}
