package domain

import "time"

// QueryStatus is the lifecycle state of a dispatched question.
type QueryStatus string

const (
	QueryProcessing QueryStatus = "processing"
	QueryCompleted  QueryStatus = "completed"
	QueryExpired    QueryStatus = "expired"
)

// Query records one dispatch to the external worker, keyed by its
// correlation token.
type Query struct {
	RequestID   string
	UserID      string
	SessionID   string
	Status      QueryStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}
