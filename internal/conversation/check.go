package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/mashvarat/legalchat/internal/domain"
	"github.com/mashvarat/legalchat/internal/store"
)

// CheckStatus is the completion check outcome.
type CheckStatus string

const (
	CheckPending   CheckStatus = "pending"
	CheckCompleted CheckStatus = "completed"
	CheckError     CheckStatus = "error"
)

// checkTimeout bounds one shared completion lookup.
const checkTimeout = 10 * time.Second

// CheckQuery selects the answer a poller is waiting for.
type CheckQuery struct {
	SessionID string
	// RequestID matches the answer stored with this correlation token.
	RequestID string
	// After, when RequestID is empty, ignores answers created at or before it.
	After time.Time
}

// CheckResult is a completion check outcome. Answer is set when completed.
type CheckResult struct {
	Status    CheckStatus
	RequestID string
	Answer    *domain.Message
}

func (q CheckQuery) key(userID string) string {
	return strings.Join([]string{userID, q.SessionID, q.RequestID, strconv.FormatInt(q.After.UnixNano(), 10)}, "|")
}

// Check reports whether the answer a poller waits for has been stored. The
// session must belong to the user and be active. It never writes the
// transcript; it only marks the matching query ledger row completed.
// Concurrent identical checks share one lookup.
func (s *Service) Check(ctx context.Context, user *domain.User, q CheckQuery) (*CheckResult, error) {
	q.SessionID = strings.TrimSpace(q.SessionID)
	q.RequestID = strings.TrimSpace(q.RequestID)
	if q.SessionID == "" {
		return nil, ErrInactiveSession
	}

	// The shared lookup outlives any single caller's disconnect.
	v, err, _ := s.checks.Do(q.key(user.ID), func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkTimeout)
		defer cancel()
		return s.check(lookupCtx, user, q)
	})
	if err != nil {
		return nil, err
	}
	return v.(*CheckResult), nil
}

func (s *Service) check(ctx context.Context, user *domain.User, q CheckQuery) (*CheckResult, error) {
	sess, err := s.activeSession(ctx, user, q.SessionID)
	if err != nil {
		return nil, err
	}

	filter := store.AnswerFilter{RequestID: q.RequestID}
	if q.RequestID == "" {
		filter.After = q.After
	}

	msg, err := s.repo.LatestAssistantMessage(ctx, sess.ID, filter)
	if err != nil {
		return nil, fmt.Errorf("look up answer: %w", err)
	}
	if msg == nil {
		return &CheckResult{Status: CheckPending, RequestID: q.RequestID}, nil
	}

	// Answers the worker stored without a token belong to the query asked about.
	requestID := msg.RequestID
	if requestID == "" {
		requestID = q.RequestID
	}
	if requestID != "" {
		if err := s.repo.CompleteQuery(ctx, requestID, s.now()); err != nil {
			slog.Warn("Failed to mark query completed", "request_id", requestID, "error", err)
		}
	}
	return &CheckResult{Status: CheckCompleted, RequestID: requestID, Answer: msg}, nil
}
