package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mashvarat/legalchat/internal/domain"
)

// The tests below run against every Repository backend. Identities and
// request IDs carry a random suffix so a shared database stays usable.

// stampFunc overwrites created_at for every message of a session.
type stampFunc func(t *testing.T, sessionID string, at time.Time)

func unique(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

func ensureUser(t *testing.T, r Repository, identity string) *domain.User {
	t.Helper()
	u, err := r.EnsureUser(context.Background(), identity)
	if err != nil {
		t.Fatalf("EnsureUser(%q): %v", identity, err)
	}
	return u
}

func appendAnswer(t *testing.T, r Repository, sessionID, content, requestID string) *domain.Message {
	t.Helper()
	m, err := r.AppendMessage(context.Background(), domain.NewMessage{
		SessionID: sessionID, Role: domain.RoleAssistant, Content: content, RequestID: requestID,
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	return m
}

func testActivateSessionNotOwned(t *testing.T, r Repository) {
	ctx := context.Background()
	owner := ensureUser(t, r, unique("user_owner"))
	intruder := ensureUser(t, r, unique("user_intruder"))

	foreign, err := r.CreateSession(ctx, owner.ID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	mine, err := r.CreateSession(ctx, intruder.ID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if err := r.ActivateSession(ctx, intruder.ID, foreign.ID); !errors.Is(err, ErrSessionNotOwned) {
		t.Fatalf("Expected ErrSessionNotOwned, got %v", err)
	}

	// Nothing changed for either user.
	gotMine, _ := r.GetSession(ctx, intruder.ID, mine.ID)
	if gotMine == nil || !gotMine.IsActive {
		t.Error("Expected intruder's own session to stay active")
	}
	gotForeign, _ := r.GetSession(ctx, owner.ID, foreign.ID)
	if gotForeign == nil || !gotForeign.IsActive {
		t.Error("Expected owner's session to stay active")
	}

	if err := r.ActivateSession(ctx, intruder.ID, uuid.NewString()); !errors.Is(err, ErrSessionNotOwned) {
		t.Errorf("Expected ErrSessionNotOwned for unknown session, got %v", err)
	}

	hidden, err := r.GetSession(ctx, intruder.ID, foreign.ID)
	if err != nil || hidden != nil {
		t.Errorf("Expected nil, nil for foreign session, got %+v, %v", hidden, err)
	}
}

func testListMessagesOrdering(t *testing.T, r Repository, stamp stampFunc) {
	ctx := context.Background()
	u := ensureUser(t, r, unique("user_chat"))
	sess, err := r.CreateSession(ctx, u.ID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	contents := []string{"سلام", "پاسخ اول", "سؤال دوم"}
	roles := []domain.Role{domain.RoleUser, domain.RoleAssistant, domain.RoleUser}
	for i, c := range contents {
		if _, err := r.AppendMessage(ctx, domain.NewMessage{
			SessionID: sess.ID, Role: roles[i], Content: c,
		}); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	check := func(label string) {
		t.Helper()
		all, err := r.ListMessages(ctx, sess.ID, 0)
		if err != nil {
			t.Fatalf("%s: ListMessages: %v", label, err)
		}
		if len(all) != 3 {
			t.Fatalf("%s: expected 3 messages, got %d", label, len(all))
		}
		for i, m := range all {
			if m.Content != contents[i] {
				t.Errorf("%s: ascending[%d]: expected %q, got %q", label, i, contents[i], m.Content)
			}
			if m.Forms == nil {
				t.Errorf("%s: ascending[%d]: expected empty forms slice, got nil", label, i)
			}
		}

		latest, err := r.ListMessages(ctx, sess.ID, 2)
		if err != nil {
			t.Fatalf("%s: ListMessages(limit): %v", label, err)
		}
		if len(latest) != 2 || latest[0].Content != "سؤال دوم" || latest[1].Content != "پاسخ اول" {
			t.Errorf("%s: expected newest two in descending order, got %+v", label, latest)
		}
	}

	check("distinct timestamps")

	// Equal timestamps fall back to insertion order.
	stamp(t, sess.ID, time.Now().Add(-time.Minute))
	check("tied timestamps")
}

func testLatestAssistantMessageFilters(t *testing.T, r Repository) {
	ctx := context.Background()
	u := ensureUser(t, r, unique("user_check"))
	sess, err := r.CreateSession(ctx, u.ID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	reqOld, reqNew := unique("req-old"), unique("req-new")

	none, err := r.LatestAssistantMessage(ctx, sess.ID, AnswerFilter{})
	if err != nil || none != nil {
		t.Fatalf("Expected nil, nil on empty session, got %+v, %v", none, err)
	}

	word := "https://files.example/answer.docx"
	old := appendAnswer(t, r, sess.ID, "پاسخ قدیمی", reqOld)
	time.Sleep(5 * time.Millisecond)
	fresh, err := r.AppendMessage(ctx, domain.NewMessage{
		SessionID: sess.ID, Role: domain.RoleAssistant, Content: "پاسخ جدید", RequestID: reqNew,
		Artifacts: domain.Artifacts{WordDocument: &word, Forms: []string{"https://files.example/f1.pdf"}},
	})
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	_, _ = r.AppendMessage(ctx, domain.NewMessage{
		SessionID: sess.ID, Role: domain.RoleUser, Content: "پیام کاربر",
	})

	latest, _ := r.LatestAssistantMessage(ctx, sess.ID, AnswerFilter{})
	if latest == nil || latest.ID != fresh.ID {
		t.Fatalf("Expected latest assistant message, got %+v", latest)
	}
	if latest.WordDocument == nil || *latest.WordDocument != word {
		t.Errorf("Expected word document %q, got %v", word, latest.WordDocument)
	}
	if len(latest.Forms) != 1 {
		t.Errorf("Expected 1 form, got %v", latest.Forms)
	}
	if latest.ExcelFile != nil {
		t.Errorf("Expected nil excel file, got %v", *latest.ExcelFile)
	}

	byReq, _ := r.LatestAssistantMessage(ctx, sess.ID, AnswerFilter{RequestID: reqOld})
	if byReq == nil || byReq.ID != old.ID {
		t.Errorf("Expected request-matched answer %q, got %+v", old.ID, byReq)
	}

	unknown, _ := r.LatestAssistantMessage(ctx, sess.ID, AnswerFilter{RequestID: unique("req-missing")})
	if unknown != nil {
		t.Errorf("Expected nil for unknown request ID, got %+v", unknown)
	}

	// The cutoff comes from the store's own clock.
	after, _ := r.LatestAssistantMessage(ctx, sess.ID, AnswerFilter{RequestID: reqOld, After: old.CreatedAt})
	if after != nil {
		t.Errorf("Expected answer at the cutoff to be filtered, got %+v", after)
	}
	afterOnly, _ := r.LatestAssistantMessage(ctx, sess.ID, AnswerFilter{After: old.CreatedAt})
	if afterOnly == nil || afterOnly.ID != fresh.ID {
		t.Errorf("Expected the newer answer after the cutoff, got %+v", afterOnly)
	}
}

// The worker may store its answer without the correlation token. Such a row
// answers the earliest query dispatched before it.
func testLatestAssistantMessageUntagged(t *testing.T, r Repository) {
	ctx := context.Background()
	u := ensureUser(t, r, unique("user_untagged"))
	sess, err := r.CreateSession(ctx, u.ID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	other, err := r.CreateSession(ctx, u.ID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	reqID := unique("req")

	appendAnswer(t, r, sess.ID, "پاسخ پیشین", "")
	time.Sleep(5 * time.Millisecond)
	if err := r.CreateQuery(ctx, &domain.Query{
		RequestID: reqID, UserID: u.ID, SessionID: sess.ID,
		Status: domain.QueryProcessing, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}

	got, err := r.LatestAssistantMessage(ctx, sess.ID, AnswerFilter{RequestID: reqID})
	if err != nil {
		t.Fatalf("LatestAssistantMessage: %v", err)
	}
	if got != nil {
		t.Fatalf("Expected an untagged answer older than the query to be ignored, got %q", got.Content)
	}

	time.Sleep(5 * time.Millisecond)
	appendAnswer(t, r, other.ID, "جلسه دیگر", "")
	first := appendAnswer(t, r, sess.ID, "پاسخ اول کارگر", "")
	time.Sleep(5 * time.Millisecond)
	appendAnswer(t, r, sess.ID, "پاسخ دوم کارگر", "")

	got, _ = r.LatestAssistantMessage(ctx, sess.ID, AnswerFilter{RequestID: reqID})
	if got == nil || got.ID != first.ID {
		t.Fatalf("Expected the first untagged answer after the query, got %+v", got)
	}

	foreign, _ := r.LatestAssistantMessage(ctx, other.ID, AnswerFilter{RequestID: reqID})
	if foreign != nil {
		t.Errorf("Expected no match in another session, got %q", foreign.Content)
	}

	tagged := appendAnswer(t, r, sess.ID, "پاسخ با شناسه", reqID)
	got, _ = r.LatestAssistantMessage(ctx, sess.ID, AnswerFilter{RequestID: reqID})
	if got == nil || got.ID != tagged.ID {
		t.Errorf("Expected the tagged answer to win, got %+v", got)
	}
}

func testQueryCompletion(t *testing.T, r Repository) {
	ctx := context.Background()
	u := ensureUser(t, r, unique("user_query"))
	sess, err := r.CreateSession(ctx, u.ID)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	reqID := unique("req-live")

	if err := r.CreateQuery(ctx, &domain.Query{
		RequestID: reqID, UserID: u.ID, SessionID: sess.ID,
		Status: domain.QueryProcessing, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("CreateQuery: %v", err)
	}

	now := time.Now()
	if err := r.CompleteQuery(ctx, reqID, now); err != nil {
		t.Fatalf("CompleteQuery: %v", err)
	}
	if err := r.CompleteQuery(ctx, reqID, now.Add(time.Hour)); err != nil {
		t.Fatalf("CompleteQuery (again): %v", err)
	}
	got, _ := r.GetQuery(ctx, reqID)
	if got == nil || got.Status != domain.QueryCompleted || got.CompletedAt == nil {
		t.Fatalf("Expected completed with timestamp, got %+v", got)
	}
	if got.CompletedAt.UnixMilli() != now.UnixMilli() {
		t.Errorf("Expected first completion time to stick, got %v", got.CompletedAt)
	}

	missing, err := r.GetQuery(ctx, unique("req-none"))
	if err != nil || missing != nil {
		t.Errorf("Expected nil, nil for unknown query, got %+v, %v", missing, err)
	}
}
