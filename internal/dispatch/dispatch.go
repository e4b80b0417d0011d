// Package dispatch forwards a user's legal question to the external worker
// with a short deadline and reports either the answer or "processing".
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mashvarat/legalchat/internal/domain"
	"github.com/mashvarat/legalchat/internal/shared"
	"github.com/mashvarat/legalchat/internal/store"
	"github.com/mashvarat/legalchat/internal/worker"
)

var (
	// ErrMissingField is returned when clerkId, text or sessionId is empty.
	ErrMissingField = errors.New("missing clerkId, text, or sessionId")
	// ErrIdentityMismatch is returned when the body names another user.
	ErrIdentityMismatch = errors.New("clerk ID mismatch")
	// ErrUserBlocked is returned for users barred from asking questions.
	ErrUserBlocked = errors.New("user is blocked")
	// ErrDuplicateRequest is returned when a caller reuses a requestId.
	ErrDuplicateRequest = errors.New("duplicate requestId")
)

// Status is the outcome reported to the caller.
type Status string

const (
	StatusCompleted  Status = "completed"
	StatusProcessing Status = "processing"
)

// Input is the dispatch request body.
type Input struct {
	SessionID string `json:"sessionId"`
	ClerkID   string `json:"clerkId"`
	Text      string `json:"text"`
	RequestID string `json:"requestId,omitempty"`
}

// Result is what Dispatch returns. Answer is set only when Status is completed.
type Result struct {
	Status    Status
	RequestID string
	Answer    *worker.Answer
}

// Service dispatches questions.
type Service struct {
	repo    store.Repository
	worker  worker.Dispatcher
	timeout time.Duration
	now     func() time.Time
}

// NewService creates a dispatch service. timeout bounds the worker call.
func NewService(repo store.Repository, w worker.Dispatcher, timeout time.Duration) *Service {
	return &Service{
		repo:    repo,
		worker:  w,
		timeout: timeout,
		now:     time.Now,
	}
}

// Dispatch validates in on behalf of user, records the query and calls the
// worker. Worker errors and timeouts are not errors: they yield
// StatusProcessing and the caller is expected to start polling.
func (s *Service) Dispatch(ctx context.Context, user *domain.User, in Input) (*Result, error) {
	in.ClerkID = strings.TrimSpace(in.ClerkID)
	in.SessionID = strings.TrimSpace(in.SessionID)
	if in.ClerkID == "" || in.SessionID == "" || strings.TrimSpace(in.Text) == "" {
		return nil, ErrMissingField
	}
	if in.ClerkID != user.ExternalIdentity {
		return nil, ErrIdentityMismatch
	}
	if !user.CanQuery() {
		return nil, ErrUserBlocked
	}

	sess, err := s.repo.GetSession(ctx, user.ID, in.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, store.ErrSessionNotOwned
	}

	requestID := strings.TrimSpace(in.RequestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if err := s.repo.CreateQuery(ctx, &domain.Query{
		RequestID: requestID,
		UserID:    user.ID,
		SessionID: sess.ID,
		Status:    domain.QueryProcessing,
		CreatedAt: s.now(),
	}); err != nil {
		if shared.IsUniqueViolation(err) {
			return nil, ErrDuplicateRequest
		}
		return nil, fmt.Errorf("record query: %w", err)
	}
	if err := s.repo.IncrementUsage(ctx, user.ID); err != nil {
		slog.Warn("Failed to bump usage counters", "user_id", user.ID, "error", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	answer, err := s.worker.Dispatch(callCtx, worker.Request{
		ClerkID:   in.ClerkID,
		Text:      in.Text,
		SessionID: sess.ID,
		RequestID: requestID,
	})
	if err != nil {
		slog.Info("Worker did not answer in time, client will poll",
			"user_id", user.ID,
			"session_id", sess.ID,
			"request_id", requestID,
			"error", err)
		return &Result{Status: StatusProcessing, RequestID: requestID}, nil
	}

	// The request context may be gone by now; the ledger update must not be.
	if err := s.repo.CompleteQuery(context.WithoutCancel(ctx), requestID, s.now()); err != nil {
		slog.Warn("Failed to mark query completed", "request_id", requestID, "error", err)
	}
	return &Result{Status: StatusCompleted, RequestID: requestID, Answer: answer}, nil
}
