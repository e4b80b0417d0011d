// Package conversation owns session bootstrap and selection, the chat
// transcript and the completion check the poller calls.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mashvarat/legalchat/internal/domain"
	"github.com/mashvarat/legalchat/internal/lock"
	"github.com/mashvarat/legalchat/internal/store"
	"golang.org/x/sync/singleflight"
)

// BootstrapSessionLimit is how many recent sessions the bootstrap returns.
const BootstrapSessionLimit = 4

var (
	// ErrInvalidSession is returned when a session is unknown or not the caller's.
	ErrInvalidSession = errors.New("invalid session")
	// ErrInactiveSession is returned when a write or check targets a session
	// that is not the caller's active one.
	ErrInactiveSession = errors.New("invalid or inactive session")
	// ErrInvalidMessage is returned for transcript appends with missing or bad fields.
	ErrInvalidMessage = errors.New("missing required fields")
)

// SwitchFunc is notified after the user's active session changed.
type SwitchFunc func(userID, activeSessionID string)

// Service implements the session and transcript operations.
type Service struct {
	repo   store.Repository
	locker lock.Locker
	checks singleflight.Group
	now    func() time.Time

	mu       sync.RWMutex
	onSwitch []SwitchFunc
}

// NewService creates a conversation service. locker serializes liveness
// flag writers per user.
func NewService(repo store.Repository, locker lock.Locker) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		now:    time.Now,
	}
}

// OnSessionSwitch registers fn to run after NewSession or ActivateSession.
func (s *Service) OnSessionSwitch(fn SwitchFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSwitch = append(s.onSwitch, fn)
}

func (s *Service) notifySwitch(userID, sessionID string) {
	s.mu.RLock()
	hooks := append([]SwitchFunc(nil), s.onSwitch...)
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(userID, sessionID)
	}
}

// Overview is a user's session list plus the active session, if any.
type Overview struct {
	Active   *domain.Session
	Sessions []*domain.Session
}

func sessionLockKey(userID string) string {
	return "sessions:" + userID
}

// Bootstrap returns the latest sessions, creating an active one when the
// user has none.
func (s *Service) Bootstrap(ctx context.Context, user *domain.User) (*Overview, error) {
	sessions, err := s.repo.ListSessions(ctx, user.ID, BootstrapSessionLimit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if active := domain.ActiveSession(sessions); active != nil {
		return &Overview{Active: active, Sessions: sessions}, nil
	}

	unlock, err := s.locker.Lock(ctx, sessionLockKey(user.ID))
	if err != nil {
		return nil, fmt.Errorf("lock sessions: %w", err)
	}
	defer unlock()

	// Re-check under the lock; a concurrent bootstrap may have created one.
	sessions, err = s.repo.ListSessions(ctx, user.ID, BootstrapSessionLimit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if active := domain.ActiveSession(sessions); active != nil {
		return &Overview{Active: active, Sessions: sessions}, nil
	}

	sess, err := s.repo.CreateSession(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	slog.Info("Bootstrapped first session", "user_id", user.ID, "session_id", sess.ID)

	sessions, err = s.repo.ListSessions(ctx, user.ID, BootstrapSessionLimit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return &Overview{Active: sess, Sessions: sessions}, nil
}

// ListSessions returns every session of the user, newest first.
func (s *Service) ListSessions(ctx context.Context, user *domain.User) (*Overview, error) {
	sessions, err := s.repo.ListSessions(ctx, user.ID, 0)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return &Overview{Active: domain.ActiveSession(sessions), Sessions: sessions}, nil
}

// NewSession deactivates every session of the user and creates a new active one.
func (s *Service) NewSession(ctx context.Context, user *domain.User) (*domain.Session, error) {
	unlock, err := s.locker.Lock(ctx, sessionLockKey(user.ID))
	if err != nil {
		return nil, fmt.Errorf("lock sessions: %w", err)
	}
	sess, err := s.repo.CreateSession(ctx, user.ID)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	slog.Info("Created session", "user_id", user.ID, "session_id", sess.ID)
	s.notifySwitch(user.ID, sess.ID)
	return sess, nil
}

// ActivateSession makes sessionID the user's only active session. A session
// that does not belong to the user yields store.ErrSessionNotOwned and no
// flag is touched.
func (s *Service) ActivateSession(ctx context.Context, user *domain.User, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return ErrInvalidSession
	}

	unlock, err := s.locker.Lock(ctx, sessionLockKey(user.ID))
	if err != nil {
		return fmt.Errorf("lock sessions: %w", err)
	}
	err = s.repo.ActivateSession(ctx, user.ID, sessionID)
	unlock()
	if err != nil {
		if errors.Is(err, store.ErrSessionNotOwned) {
			slog.Warn("Rejected activation of foreign session", "user_id", user.ID, "session_id", sessionID)
			return err
		}
		return fmt.Errorf("activate session: %w", err)
	}

	slog.Info("Activated session", "user_id", user.ID, "session_id", sessionID)
	s.notifySwitch(user.ID, sessionID)
	return nil
}

// Transcript returns a session's messages. The session must belong to the
// user but need not be active. limit <= 0 returns everything oldest first;
// otherwise the latest limit messages newest first.
func (s *Service) Transcript(ctx context.Context, user *domain.User, sessionID string, limit int) ([]*domain.Message, error) {
	sess, err := s.repo.GetSession(ctx, user.ID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return nil, ErrInvalidSession
	}

	msgs, err := s.repo.ListMessages(ctx, sess.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	return msgs, nil
}

// activeSession loads sessionID and requires it to be the user's active session.
func (s *Service) activeSession(ctx context.Context, user *domain.User, sessionID string) (*domain.Session, error) {
	sess, err := s.repo.GetSession(ctx, user.ID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil || !sess.IsActive {
		return nil, ErrInactiveSession
	}
	return sess, nil
}

// AppendMessage appends one transcript row to the user's active session.
func (s *Service) AppendMessage(ctx context.Context, user *domain.User, in domain.NewMessage) (*domain.Message, error) {
	in.SessionID = strings.TrimSpace(in.SessionID)
	if in.SessionID == "" || !in.Role.Valid() || strings.TrimSpace(in.Content) == "" {
		return nil, ErrInvalidMessage
	}

	sess, err := s.activeSession(ctx, user, in.SessionID)
	if err != nil {
		return nil, err
	}
	in.SessionID = sess.ID
	in.Artifacts.Forms = in.Artifacts.ValidForms()

	msg, err := s.repo.AppendMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}
