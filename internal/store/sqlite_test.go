package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mashvarat/legalchat/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "legalchat.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustUser(t *testing.T, s *SQLiteStore, identity string) *domain.User {
	t.Helper()
	u, err := s.EnsureUser(context.Background(), identity)
	if err != nil {
		t.Fatalf("EnsureUser(%q): %v", identity, err)
	}
	return u
}

func activeCount(t *testing.T, s *SQLiteStore, userID string) int {
	t.Helper()
	sessions, err := s.ListSessions(context.Background(), userID, 0)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	n := 0
	for _, sess := range sessions {
		if sess.IsActive {
			n++
		}
	}
	return n
}

func TestEnsureUserIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := mustUser(t, s, "user_abc")
	second := mustUser(t, s, "user_abc")
	if first.ID != second.ID {
		t.Errorf("Expected same user ID, got %q and %q", first.ID, second.ID)
	}

	missing, err := s.GetUserByIdentity(ctx, "user_missing")
	if err != nil {
		t.Fatalf("GetUserByIdentity: %v", err)
	}
	if missing != nil {
		t.Errorf("Expected nil for unknown identity, got %+v", missing)
	}
}

func TestUsageCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "user_usage")

	for i := 0; i < 3; i++ {
		if err := s.IncrementUsage(ctx, u.ID); err != nil {
			t.Fatalf("IncrementUsage: %v", err)
		}
	}
	got, _ := s.GetUserByIdentity(ctx, "user_usage")
	if got.UsageThisMonth != 3 || got.UsageTotal != 3 {
		t.Errorf("Expected 3/3, got %d/%d", got.UsageThisMonth, got.UsageTotal)
	}

	n, err := s.ResetMonthlyUsage(ctx)
	if err != nil {
		t.Fatalf("ResetMonthlyUsage: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 row reset, got %d", n)
	}
	got, _ = s.GetUserByIdentity(ctx, "user_usage")
	if got.UsageThisMonth != 0 || got.UsageTotal != 3 {
		t.Errorf("Expected 0/3 after reset, got %d/%d", got.UsageThisMonth, got.UsageTotal)
	}

	if err := s.IncrementUsage(ctx, "no-such-user"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSetBlocked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "user_blocked")

	if err := s.SetBlocked(ctx, u.ID, true); err != nil {
		t.Fatalf("SetBlocked: %v", err)
	}
	got, _ := s.GetUserByIdentity(ctx, "user_blocked")
	if !got.IsBlocked {
		t.Error("Expected user to be blocked")
	}
	if got.CanQuery() {
		t.Error("Expected blocked user to be unable to query")
	}
}

func TestCreateSessionKeepsOneActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "user_sessions")

	var last *domain.Session
	for i := 0; i < 3; i++ {
		sess, err := s.CreateSession(ctx, u.ID)
		if err != nil {
			t.Fatalf("CreateSession: %v", err)
		}
		if !sess.IsActive {
			t.Error("Expected new session to be active")
		}
		last = sess
	}

	if n := activeCount(t, s, u.ID); n != 1 {
		t.Fatalf("Expected exactly one active session, got %d", n)
	}

	sessions, err := s.ListSessions(ctx, u.ID, 2)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions with limit, got %d", len(sessions))
	}
	if sessions[0].ID != last.ID {
		t.Errorf("Expected newest session first, got %q", sessions[0].ID)
	}
}

func TestActivateSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "user_switch")

	a, _ := s.CreateSession(ctx, u.ID)
	b, _ := s.CreateSession(ctx, u.ID)

	if err := s.ActivateSession(ctx, u.ID, a.ID); err != nil {
		t.Fatalf("ActivateSession: %v", err)
	}
	gotA, _ := s.GetSession(ctx, u.ID, a.ID)
	gotB, _ := s.GetSession(ctx, u.ID, b.ID)
	if !gotA.IsActive || gotB.IsActive {
		t.Errorf("Expected only A active, got A=%v B=%v", gotA.IsActive, gotB.IsActive)
	}

	// Activating the already active session is harmless.
	if err := s.ActivateSession(ctx, u.ID, a.ID); err != nil {
		t.Fatalf("ActivateSession (again): %v", err)
	}
	if n := activeCount(t, s, u.ID); n != 1 {
		t.Errorf("Expected exactly one active session, got %d", n)
	}
}

func sqliteStamp(s *SQLiteStore) stampFunc {
	return func(t *testing.T, sessionID string, at time.Time) {
		t.Helper()
		if _, err := s.db.Exec(`UPDATE chats SET created_at = ? WHERE chat_session_ref = ?`, toMillis(at), sessionID); err != nil {
			t.Fatalf("stamp chats: %v", err)
		}
	}
}

func TestActivateSessionNotOwned(t *testing.T) {
	testActivateSessionNotOwned(t, newTestStore(t))
}

func TestListMessagesOrdering(t *testing.T) {
	s := newTestStore(t)
	testListMessagesOrdering(t, s, sqliteStamp(s))
}

func TestLatestAssistantMessageFilters(t *testing.T) {
	testLatestAssistantMessageFilters(t, newTestStore(t))
}

func TestLatestAssistantMessageUntagged(t *testing.T) {
	testLatestAssistantMessageUntagged(t, newTestStore(t))
}

func TestQueryCompletion(t *testing.T) {
	testQueryCompletion(t, newTestStore(t))
}

func TestQueryLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustUser(t, s, "user_query")
	sess, _ := s.CreateSession(ctx, u.ID)

	created := time.Now().Add(-20 * time.Minute)
	stale := &domain.Query{RequestID: "req-stale", UserID: u.ID, SessionID: sess.ID, Status: domain.QueryProcessing, CreatedAt: created}
	live := &domain.Query{RequestID: "req-live", UserID: u.ID, SessionID: sess.ID, Status: domain.QueryProcessing, CreatedAt: time.Now()}
	for _, q := range []*domain.Query{stale, live} {
		if err := s.CreateQuery(ctx, q); err != nil {
			t.Fatalf("CreateQuery: %v", err)
		}
	}

	n, err := s.ExpireQueries(ctx, time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("ExpireQueries: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 expired query, got %d", n)
	}

	got, _ := s.GetQuery(ctx, "req-stale")
	if got.Status != domain.QueryExpired {
		t.Errorf("Expected expired, got %s", got.Status)
	}

	now := time.Now()
	if err := s.CompleteQuery(ctx, "req-live", now); err != nil {
		t.Fatalf("CompleteQuery: %v", err)
	}
	if err := s.CompleteQuery(ctx, "req-live", now.Add(time.Hour)); err != nil {
		t.Fatalf("CompleteQuery (again): %v", err)
	}
	got, _ = s.GetQuery(ctx, "req-live")
	if got.Status != domain.QueryCompleted || got.CompletedAt == nil {
		t.Fatalf("Expected completed with timestamp, got %+v", got)
	}
	if got.CompletedAt.UnixMilli() != now.UnixMilli() {
		t.Errorf("Expected first completion time to stick, got %v", got.CompletedAt)
	}

	missing, err := s.GetQuery(ctx, "req-none")
	if err != nil || missing != nil {
		t.Errorf("Expected nil, nil for unknown query, got %+v, %v", missing, err)
	}
}
